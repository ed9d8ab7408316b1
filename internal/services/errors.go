package services

// Typed errors returned by services and repositories, mapped to HTTP status
// codes (and terminal WebSocket error events) by the handlers.

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

type ForbiddenError struct{ Message string }

func (e *ForbiddenError) Error() string { return e.Message }

// ConflictError covers duplicate stream attempts for a session that already
// has a live bridge.
type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

// UnavailableError covers upstream provider connect failures and timeouts.
type UnavailableError struct{ Message string }

func (e *UnavailableError) Error() string { return e.Message }
