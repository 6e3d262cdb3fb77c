// Package governor enforces per-session request cadence, a rolling request
// window and a process-wide daily token budget, and holds the operator kill
// switch.
//
// Per-session and per-client state is guarded by one mutex per key. Buckets
// that have aged out of every limit are evicted by a periodic sweep. The daily
// token counter is the only state shared by all sessions and has its own
// mutex; the kill switch is an atomic flag.
package governor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reason explains why a request was denied.
type Reason string

const (
	ReasonServiceSuspended Reason = "SERVICE_SUSPENDED"
	ReasonTooFrequent      Reason = "TOO_FREQUENT"
	ReasonWindowExceeded   Reason = "WINDOW_EXCEEDED"
	ReasonBudgetExhausted  Reason = "BUDGET_EXHAUSTED"
)

// Decision is the result of an admission check.
type Decision struct {
	Admitted   bool
	Reason     Reason
	RetryAfter time.Duration
}

// Limits configures the governor. They are fixed for the life of the process;
// only the kill switch can be changed afterwards.
type Limits struct {
	// MinInterval is the minimum time between two admitted requests of a session.
	MinInterval time.Duration
	// Window is the length of the rolling request window.
	Window time.Duration
	// MaxPerWindow caps admitted requests per session inside Window. Zero disables the check.
	MaxPerWindow int
	// MaxPerClientWindow applies the same cap per client key. Zero disables the check.
	MaxPerClientWindow int
	// DailyTokenCap is the process-wide budget per UTC day. Negative means unlimited;
	// zero denies every request.
	DailyTokenCap int64
	// KillSwitch is the initial kill switch state.
	KillSwitch bool
}

// Governor is safe for concurrent use.
type Governor struct {
	limits Limits
	now    func() time.Time

	killSwitch atomic.Bool

	mu        sync.Mutex
	sessions  map[string]*bucket
	clients   map[string]*bucket
	lastSweep time.Time

	budgetMu    sync.Mutex
	day         string
	dailyTokens int64
}

type bucket struct {
	mu            sync.Mutex
	lastRequestAt time.Time
	timestamps    []time.Time
	// evicted is set under mu once the bucket has left its map.
	evicted bool
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Governor with the given limits.
func New(limits Limits, opts ...Option) *Governor {
	g := &Governor{
		limits:   limits,
		now:      time.Now,
		sessions: make(map[string]*bucket),
		clients:  make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.killSwitch.Store(limits.KillSwitch)
	now := g.now()
	g.day = dayKey(now)
	g.lastSweep = now
	return g
}

// Admit checks, in order, the kill switch, the session cadence, the rolling
// window and the daily budget. On success the request slot is reserved before
// Admit returns, so concurrent requests for the same session cannot both pass.
func (g *Governor) Admit(sessionID, clientKey string) Decision {
	if g.killSwitch.Load() {
		return Decision{Reason: ReasonServiceSuspended}
	}

	g.sweep(g.now())

	sb := g.lockBucket(g.sessions, sessionID)
	defer sb.mu.Unlock()

	var cb *bucket
	if clientKey != "" && g.limits.MaxPerClientWindow > 0 {
		cb = g.lockBucket(g.clients, clientKey)
		defer cb.mu.Unlock()
	}

	now := g.now()
	sb.prune(now, g.limits.Window)
	if cb != nil {
		cb.prune(now, g.limits.Window)
	}

	if !sb.lastRequestAt.IsZero() {
		if elapsed := now.Sub(sb.lastRequestAt); elapsed < g.limits.MinInterval {
			return Decision{Reason: ReasonTooFrequent, RetryAfter: g.limits.MinInterval - elapsed}
		}
	}
	if d, denied := g.windowFull(sb, g.limits.MaxPerWindow, now); denied {
		return d
	}
	if cb != nil {
		if d, denied := g.windowFull(cb, g.limits.MaxPerClientWindow, now); denied {
			return d
		}
	}
	if g.budgetExhausted(now) {
		return Decision{Reason: ReasonBudgetExhausted, RetryAfter: untilNextDay(now)}
	}

	sb.lastRequestAt = now
	sb.timestamps = append(sb.timestamps, now)
	if cb != nil {
		cb.lastRequestAt = now
		cb.timestamps = append(cb.timestamps, now)
	}
	return Decision{Admitted: true}
}

// RecordTokens charges a completed call against the daily budget.
func (g *Governor) RecordTokens(tokens int) {
	if tokens <= 0 {
		return
	}
	g.budgetMu.Lock()
	defer g.budgetMu.Unlock()
	g.rollover(g.now())
	g.dailyTokens += int64(tokens)
}

// Seed restores the token count already consumed on day (YYYY-MM-DD, UTC).
// Counts for any other day are ignored.
func (g *Governor) Seed(day string, tokens int64) {
	g.budgetMu.Lock()
	defer g.budgetMu.Unlock()
	g.rollover(g.now())
	if day == g.day && tokens > g.dailyTokens {
		g.dailyTokens = tokens
	}
}

// SetKillSwitch engages or releases the operator kill switch.
func (g *Governor) SetKillSwitch(engaged bool) {
	g.killSwitch.Store(engaged)
}

// KillSwitchEngaged reports the kill switch state.
func (g *Governor) KillSwitchEngaged() bool {
	return g.killSwitch.Load()
}

// Snapshot is a read-only view of the governor counters.
type Snapshot struct {
	KillSwitch          bool   `json:"killSwitch"`
	Day                 string `json:"day"`
	DailyTokensConsumed int64  `json:"dailyTokensConsumed"`
	DailyTokenCap       int64  `json:"dailyTokenCap"`
	TrackedSessions     int    `json:"trackedSessions"`
	TrackedClients      int    `json:"trackedClients"`
	MinIntervalMs       int64  `json:"minIntervalMs"`
	WindowMs            int64  `json:"windowMs"`
	MaxPerWindow        int    `json:"maxPerWindow"`
	MaxPerClientWindow  int    `json:"maxPerClientWindow"`
}

// Snapshot returns the current counters.
func (g *Governor) Snapshot() Snapshot {
	g.sweep(g.now())

	g.mu.Lock()
	sessions, clients := len(g.sessions), len(g.clients)
	g.mu.Unlock()

	g.budgetMu.Lock()
	g.rollover(g.now())
	day, tokens := g.day, g.dailyTokens
	g.budgetMu.Unlock()

	return Snapshot{
		KillSwitch:          g.killSwitch.Load(),
		Day:                 day,
		DailyTokensConsumed: tokens,
		DailyTokenCap:       g.limits.DailyTokenCap,
		TrackedSessions:     sessions,
		TrackedClients:      clients,
		MinIntervalMs:       g.limits.MinInterval.Milliseconds(),
		WindowMs:            g.limits.Window.Milliseconds(),
		MaxPerWindow:        g.limits.MaxPerWindow,
		MaxPerClientWindow:  g.limits.MaxPerClientWindow,
	}
}

// lockBucket returns the bucket for key with its mutex held. A bucket evicted
// between the map lookup and the lock is discarded and looked up again.
func (g *Governor) lockBucket(m map[string]*bucket, key string) *bucket {
	for {
		g.mu.Lock()
		b, ok := m[key]
		if !ok {
			b = &bucket{}
			m[key] = b
		}
		g.mu.Unlock()

		b.mu.Lock()
		if !b.evicted {
			return b
		}
		b.mu.Unlock()
	}
}

// idleAfter is how long a bucket without window timestamps must go without an
// admitted request before it no longer affects any decision.
func (g *Governor) idleAfter() time.Duration {
	return max(g.limits.MinInterval, g.limits.Window)
}

// sweep evicts idle buckets at most once per idleAfter. Buckets locked by an
// in-flight Admit are skipped.
func (g *Governor) sweep(now time.Time) {
	idle := g.idleAfter()
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.lastSweep) < idle {
		return
	}
	g.lastSweep = now
	for _, m := range []map[string]*bucket{g.sessions, g.clients} {
		for key, b := range m {
			if !b.mu.TryLock() {
				continue
			}
			b.prune(now, g.limits.Window)
			if len(b.timestamps) == 0 && now.Sub(b.lastRequestAt) >= idle {
				b.evicted = true
				delete(m, key)
			}
			b.mu.Unlock()
		}
	}
}

func (g *Governor) windowFull(b *bucket, limit int, now time.Time) (Decision, bool) {
	if limit <= 0 || len(b.timestamps) < limit {
		return Decision{}, false
	}
	retry := b.timestamps[0].Add(g.limits.Window).Sub(now)
	return Decision{Reason: ReasonWindowExceeded, RetryAfter: retry}, true
}

func (g *Governor) budgetExhausted(now time.Time) bool {
	if g.limits.DailyTokenCap < 0 {
		return false
	}
	g.budgetMu.Lock()
	defer g.budgetMu.Unlock()
	g.rollover(now)
	return g.dailyTokens >= g.limits.DailyTokenCap
}

// rollover resets the daily counter on the first access of a new day. Keys
// are ISO dates, so a clock stepping backwards never resets the counter.
// Callers hold budgetMu.
func (g *Governor) rollover(now time.Time) {
	if key := dayKey(now); key > g.day {
		g.day = key
		g.dailyTokens = 0
	}
}

// prune drops timestamps that have aged out of the window.
func (b *bucket) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(b.timestamps) && now.Sub(b.timestamps[i]) >= window {
		i++
	}
	if i > 0 {
		b.timestamps = append(b.timestamps[:0], b.timestamps[i:]...)
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func untilNextDay(now time.Time) time.Duration {
	u := now.UTC()
	next := time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(u)
}
