package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a token has no session.
var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence abstraction for session retry counters.
// Implementations can be in-memory or remote; the segment state machine only
// sees this interface.
type Store interface {
	// Create starts a session and returns its opaque token.
	Create(ctx context.Context) (string, error)

	// IncrementRetry atomically increments the retry counter of segment index
	// within the session and returns the new count. Concurrent calls for the
	// same (token, index) never lose an increment. A token that was never
	// created, or has expired, yields ErrSessionNotFound and counts nothing.
	IncrementRetry(ctx context.Context, token string, index int64) (int64, error)

	// RetryCounts returns a snapshot of the session's counters, or
	// ErrSessionNotFound.
	RetryCounts(ctx context.Context, token string) (map[int64]int64, error)

	// Len returns the number of sessions held. Used for metrics.
	Len(ctx context.Context) (int, error)
}

// NewToken returns a fresh opaque session token.
func NewToken() string {
	return uuid.NewString()
}

// MemoryStore is a concurrency-safe in-memory implementation of Store.
// Sessions live until the process exits.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[int64]int64
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[int64]int64),
	}
}

// Create implements Store.Create.
func (s *MemoryStore) Create(ctx context.Context) (string, error) {
	token := NewToken()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[token] = make(map[int64]int64)
	return token, nil
}

// IncrementRetry implements Store.IncrementRetry.
func (s *MemoryStore) IncrementRetry(ctx context.Context, token string, index int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, ok := s.sessions[token]
	if !ok {
		return 0, ErrSessionNotFound
	}
	counts[index]++
	return counts[index], nil
}

// RetryCounts implements Store.RetryCounts.
func (s *MemoryStore) RetryCounts(ctx context.Context, token string) (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, ok := s.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make(map[int64]int64, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}

// Len implements Store.Len.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions), nil
}
