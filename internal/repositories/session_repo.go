package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
)

// SessionStore persists session state by ID.
// Get returns models.ErrSessionNotFound for unknown or evicted sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.SessionState, error)
	// Save stores state; the store may evict it once ttl has passed
	Save(ctx context.Context, state *models.SessionState, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	// List returns every live session
	List(ctx context.Context) ([]*models.SessionState, error)
}

type memorySession struct {
	state   models.SessionState
	evictAt time.Time
}

// MemorySessionRepository keeps sessions in process memory
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]memorySession
	now      func() time.Time
}

// NewMemorySessionRepository creates an empty in-memory session store
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]memorySession),
		now:      time.Now,
	}
}

// Get returns a copy of the session
func (r *MemorySessionRepository) Get(ctx context.Context, id string) (*models.SessionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[id]
	if !ok || !r.now().Before(entry.evictAt) {
		return nil, models.ErrSessionNotFound
	}
	state := entry.state
	return &state, nil
}

// Save stores a copy of state
func (r *MemorySessionRepository) Save(ctx context.Context, state *models.SessionState, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[state.ID] = memorySession{state: *state, evictAt: r.now().Add(ttl)}
	return nil
}

// Delete removes a session
func (r *MemorySessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	return nil
}

// List returns copies of all unevicted sessions
func (r *MemorySessionRepository) List(ctx context.Context) ([]*models.SessionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]*models.SessionState, 0, len(r.sessions))
	for _, entry := range r.sessions {
		if now.Before(entry.evictAt) {
			state := entry.state
			out = append(out, &state)
		}
	}
	return out, nil
}

// Evict drops entries past their TTL and returns how many were dropped
func (r *MemorySessionRepository) Evict(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, entry := range r.sessions {
		if !now.Before(entry.evictAt) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}
