package models

import (
	"time"

	"github.com/google/uuid"
)

// Background job payloads carried over the Redis queues.

// ReconcileJob re-attempts a session finalize that failed at bridge
// teardown. It carries the exact terminal values computed at teardown time
// so the retried write is identical to the one that failed.
type ReconcileJob struct {
	SessionID       uuid.UUID `json:"session_id"`
	UserID          uuid.UUID `json:"user_id"`
	Status          string    `json:"status"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
}

// InsightsJob asks the worker pool to generate post-session learning
// insights from a finalized session's transcript.
type InsightsJob struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
}
