package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/account-aggregator/internal/models"
)

// ErrSessionNotFound is returned when no troubleshooting session exists
// for a user.
var ErrSessionNotFound = errors.New("diagnostic session not found")

// Session holds the state of one troubleshooting session: the latest
// diagnostic report (issues, repair actions, step states) and the set of
// actions the user abandoned mid-sequence. Issues live only for the
// duration of the session; the next health run supersedes them.
type Session struct {
	Report           *models.DiagnosticReport `json:"report"`
	AbandonedActions map[string]bool          `json:"abandonedActions"`
	UpdatedAt        time.Time                `json:"updatedAt"`
}

// RedisSessionStore persists troubleshooting sessions in Redis with a TTL
// matching the session lifetime.
type RedisSessionStore struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewRedisSessionStore creates a redis-backed session store
func NewRedisSessionStore(cache *RedisCache, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisSessionStore{cache: cache, ttl: ttl}
}

func sessionKey(userID string) string {
	return "diagnostics:session:" + userID
}

// Get retrieves the session for a user.
func (s *RedisSessionStore) Get(ctx context.Context, userID string) (*Session, error) {
	data, err := s.cache.Client().Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// Save stores the session, refreshing its TTL.
func (s *RedisSessionStore) Save(ctx context.Context, userID string, session *Session) error {
	session.UpdatedAt = time.Now()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := s.cache.Client().Set(ctx, sessionKey(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session.
func (s *RedisSessionStore) Delete(ctx context.Context, userID string) error {
	if err := s.cache.Client().Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// MemorySessionStore is an in-memory session store for tests and local
// development. Sessions are kept JSON-encoded so every Get returns an
// independent copy, the same isolation the redis store gives callers.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]memorySessionEntry
	ttl      time.Duration
}

type memorySessionEntry struct {
	data      []byte
	updatedAt time.Time
}

// NewMemorySessionStore creates an empty in-memory session store
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemorySessionStore{
		sessions: make(map[string]memorySessionEntry),
		ttl:      ttl,
	}
}

// Get retrieves the session for a user.
func (s *MemorySessionStore) Get(ctx context.Context, userID string) (*Session, error) {
	s.mu.RLock()
	entry, ok := s.sessions[userID]
	s.mu.RUnlock()

	if !ok || time.Since(entry.updatedAt) > s.ttl {
		return nil, ErrSessionNotFound
	}

	var session Session
	if err := json.Unmarshal(entry.data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// Save stores the session.
func (s *MemorySessionStore) Save(ctx context.Context, userID string, session *Session) error {
	session.UpdatedAt = time.Now()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[userID] = memorySessionEntry{data: data, updatedAt: session.UpdatedAt}
	return nil
}

// Delete removes the session.
func (s *MemorySessionStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, userID)
	return nil
}
