package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var errSessionBusy = errors.New("usecase: session has a request in flight")

// sessionLocks serializes pipeline runs per session id. Entries are
// reference counted and dropped once no request holds or waits for them, so
// unrelated sessions never share a lock and idle sessions cost nothing.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*lockEntry)}
}

// acquire waits up to wait for the session to become free. A non-positive
// wait only succeeds when the session is idle.
func (l *sessionLocks) acquire(ctx context.Context, sessionID string, wait time.Duration) (release func(), err error) {
	e := l.ref(sessionID)

	if wait <= 0 {
		if !e.sem.TryAcquire(1) {
			err = errSessionBusy
		}
	} else {
		wctx, cancel := context.WithTimeout(ctx, wait)
		if acqErr := e.sem.Acquire(wctx, 1); acqErr != nil {
			err = errors.Join(errSessionBusy, acqErr)
		}
		cancel()
	}
	if err != nil {
		l.unref(sessionID, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(sessionID, e)
		})
	}, nil
}

// active returns the number of sessions with a running or waiting request.
func (l *sessionLocks) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *sessionLocks) ref(sessionID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sessionID]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[sessionID] = e
	}
	e.refs++
	return e
}

func (l *sessionLocks) unref(sessionID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 && l.entries[sessionID] == e {
		delete(l.entries, sessionID)
	}
}
