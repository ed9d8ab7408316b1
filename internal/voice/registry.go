package voice

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyActive is returned by Admit when a session already has a live
// bridge. At most one bridge may exist per session id, which keeps us from
// opening duplicate provider connections for the same session.
var ErrAlreadyActive = errors.New("session already has an active stream")

// Registry is the process-wide table of active bridges, keyed by session id.
// It is the single source of truth for "is this session currently streaming".
type Registry struct {
	mu      sync.Mutex
	bridges map[uuid.UUID]*Bridge
}

func NewRegistry() *Registry {
	return &Registry{bridges: make(map[uuid.UUID]*Bridge)}
}

// Admit registers a bridge for a session id. Fails with ErrAlreadyActive if
// another bridge currently holds the id.
func (r *Registry) Admit(sessionID uuid.UUID, b *Bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bridges[sessionID]; exists {
		return ErrAlreadyActive
	}
	r.bridges[sessionID] = b
	return nil
}

// Lookup returns the active bridge for a session id, if any.
func (r *Registry) Lookup(sessionID uuid.UUID) (*Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bridges[sessionID]
	return b, ok
}

// Remove drops the registry entry for a session id. Idempotent, and a no-op
// when the entry is held by a different bridge, so concurrent teardown races
// cannot evict a newer admission.
func (r *Registry) Remove(sessionID uuid.UUID, b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.bridges[sessionID]; ok && current == b {
		delete(r.bridges, sessionID)
	}
}

// Count reports how many bridges are currently active.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bridges)
}

// Drain asks every active bridge to end gracefully and waits up to timeout
// for the registry to empty. Used at process shutdown so live sessions are
// finalized instead of dying with the process as stuck-active rows.
func (r *Registry) Drain(timeout time.Duration) {
	r.mu.Lock()
	bridges := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.Unlock()

	for _, b := range bridges {
		b.RequestEnd()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.Count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
