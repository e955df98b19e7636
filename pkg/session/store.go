// Package session manages conversation sessions for pipeline callers.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/railguard/railguard/pkg/domain"
)

// Config holds session store settings.
type Config struct {
	// MessageCap bounds how many messages each session retains.
	MessageCap int
	// IdleTimeout is how long an inactive session survives a Prune pass.
	IdleTimeout time.Duration
}

// Store is a threadsafe in-memory session catalog. Sessions are owned by
// the caller across a pipeline run; the store only tracks lifecycle.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	config   Config
	logger   *slog.Logger
}

type entry struct {
	session      *domain.Session
	lastActivity time.Time
}

// NewStore creates a session store with the given configuration.
func NewStore(config Config, logger *slog.Logger) *Store {
	if config.MessageCap <= 0 {
		config.MessageCap = domain.DefaultSessionCap
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*entry),
		config:   config,
		logger:   logger,
	}
}

// Create starts a new session and returns it.
func (s *Store) Create() *domain.Session {
	id := uuid.NewString()
	session := domain.NewSession(id, s.config.MessageCap)

	s.mu.Lock()
	s.sessions[id] = &entry{session: session, lastActivity: time.Now()}
	s.mu.Unlock()

	s.logger.Debug("session created", "session_id", id)
	return session
}

// Get retrieves a session by id and refreshes its activity timestamp.
func (s *Store) Get(id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %s not found", id)
	}
	e.lastActivity = time.Now()
	return e.session, nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Prune drops sessions idle longer than the configured timeout and
// returns how many were removed.
func (s *Store) Prune() int {
	cutoff := time.Now().Add(-s.config.IdleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.sessions {
		if e.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("pruned idle sessions", "count", removed)
	}
	return removed
}
