package domain

import "strings"

// ChatMessage is the provider-agnostic chat message shape used by prompt
// assembly and the LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// Completion is the raw model output plus the usage reported by the provider.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Truncated is set when the provider stopped at the output token limit.
	Truncated bool
}

// Tokens returns the number of usage units to charge for the completion.
// Providers that omit usage fall back to a word count of the output.
func (c Completion) Tokens() int {
	if c.TotalTokens > 0 {
		return c.TotalTokens
	}
	if sum := c.PromptTokens + c.CompletionTokens; sum > 0 {
		return sum
	}
	return len(strings.Fields(c.Text))
}
