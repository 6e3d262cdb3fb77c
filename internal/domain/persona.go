package domain

// Persona describes a simulated historical figure. Personas are loaded once
// at startup and shared read-only by every session.
type Persona struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	SpeakingStyle string    `json:"speakingStyle"`
	StyleRules    []string  `json:"styleRules,omitempty"`
	Topics        []string  `json:"topics,omitempty"`
	FewShot       []Example `json:"-"`
	MaxWords      int       `json:"-"`
}

// DisplayName returns the persona name, falling back to its id.
func (p Persona) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Example is a few-shot exchange shown to the model before the conversation.
type Example struct {
	User      string
	Assistant string
}

// Fact is a knowledge snippet about a persona.
type Fact struct {
	Text   string
	Topics []string
}

// Quote is a short attributed saying of a persona.
type Quote struct {
	Text   string
	Source string
}
