// Package memory is the in-process session memory: an append-only, per-session
// turn log used as conversation context.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"echoroom-agent/internal/domain"
)

// Store keeps every session's turns in memory. Writes to one session never
// block reads or writes of another.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

type session struct {
	mu        sync.RWMutex
	createdAt time.Time
	turns     []domain.Turn
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// AppendTurns appends turns to the session log in the given order. The batch
// is validated first and then written as a whole, so a rejected batch leaves
// the log unchanged.
func (s *Store) AppendTurns(_ context.Context, sessionID string, turns ...domain.Turn) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("memory: session id must not be empty")
	}
	if len(turns) == 0 {
		return nil
	}
	for i, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("memory: turn %d has invalid role %q", i, t.Role)
		}
	}

	now := s.now().UTC()
	sess := s.session(sessionID, now)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		sess.turns = append(sess.turns, t)
	}
	return nil
}

// RecentTurns returns the last limit turns in arrival order, or all of them
// when limit <= 0. The returned slice is a copy.
func (s *Store) RecentTurns(_ context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	s.mu.RLock()
	sess, ok := s.sessions[strings.TrimSpace(sessionID)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()
	turns := sess.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Session returns a copy of the whole session.
func (s *Store) Session(ctx context.Context, sessionID string) (domain.Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[strings.TrimSpace(sessionID)]
	s.mu.RUnlock()
	if !ok {
		return domain.Session{}, false
	}
	turns, _ := s.RecentTurns(ctx, sessionID, 0)
	return domain.Session{ID: sessionID, CreatedAt: sess.createdAt, Turns: turns}, true
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) session(id string, now time.Time) *session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[id]; ok {
		return sess
	}
	sess = &session{createdAt: now}
	s.sessions[id] = sess
	return sess
}
