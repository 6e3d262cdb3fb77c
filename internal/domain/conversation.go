package domain

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser    Role = "user"
	RolePersona Role = "persona"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RolePersona
}

// Turn is a single persisted message in a session. Turns are written once
// and never edited.
type Turn struct {
	Role       Role      `json:"role"`
	PersonaID  string    `json:"personaId,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	UsedFacts  bool      `json:"usedFacts"`
	UsedQuotes bool      `json:"usedQuotes"`
	Degraded   bool      `json:"degraded"`
}

// Session is the ordered turn log of one client conversation.
type Session struct {
	ID        string
	CreatedAt time.Time
	Turns     []Turn
}

// UsageRecord is one completion's token usage, kept for budget accounting.
type UsageRecord struct {
	ID        string
	Timestamp time.Time
	SessionID string
	PersonaID string
	Model     string
	Provider  string
	// Tokens is the total charged against the daily budget; the split is
	// informational and may be zero when the provider omits it.
	Tokens       int
	InputTokens  int
	OutputTokens int
}
