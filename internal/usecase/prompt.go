package usecase

import (
	"fmt"
	"strings"

	"echoroom-agent/internal/domain"
)

// promptInput is everything the completion prompt is assembled from.
type promptInput struct {
	persona domain.Persona
	facts   []domain.Fact
	quotes  []domain.Quote
	// history is the persisted session context, oldest first.
	history []domain.Turn
	// round holds replies already produced earlier in the same roundtable.
	round   []domain.Turn
	message string
}

func buildPromptMessages(in promptInput, historyTurns int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.ChatRoleSystem, Content: buildPolicyPrompt(in.persona)},
		{Role: domain.ChatRoleSystem, Content: buildPersonaPrompt(in.persona)},
	}

	for _, ex := range in.persona.FewShot {
		if strings.TrimSpace(ex.User) == "" || strings.TrimSpace(ex.Assistant) == "" {
			continue
		}
		messages = append(messages,
			domain.ChatMessage{Role: domain.ChatRoleUser, Content: ex.User},
			domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: ex.Assistant},
		)
	}

	history := in.history
	if historyTurns >= 0 && len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, t := range history {
		if m, ok := turnToPromptMessage(in.persona, t); ok {
			messages = append(messages, m)
		}
	}

	if ctx := buildContextPrompt(in.facts, in.quotes); ctx != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.ChatRoleSystem, Content: ctx})
	}

	messages = append(messages, domain.ChatMessage{
		Role:    domain.ChatRoleUser,
		Content: in.message,
	})

	// Earlier replies of the same round answer the message above, so they
	// follow it. They are never cut by the history window.
	for _, t := range in.round {
		if m, ok := turnToPromptMessage(in.persona, t); ok {
			messages = append(messages, m)
		}
	}
	return messages
}

func buildPolicyPrompt(persona domain.Persona) string {
	return strings.Join([]string{
		fmt.Sprintf("You are %s, a fictionalized historical figure.", persona.DisplayName()),
		"",
		"Behavior Rules:",
		"1) Stay in character and answer in the first person.",
		"2) Be educational and concise; keep replies under 100 words.",
		"3) Use the supplied facts and quotes when they are relevant; do not invent sources.",
		"4) Avoid medical, legal and financial advice.",
		"5) Refuse harmful content politely, in character.",
		"6) Other participants' remarks are labelled with their name; respond to them when relevant.",
	}, "\n")
}

func buildPersonaPrompt(persona domain.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Persona: %s", persona.DisplayName())
	if d := normalizePromptInput(persona.Description); d != "" {
		fmt.Fprintf(&b, "\nDescription: %s", d)
	}
	if s := normalizePromptInput(persona.SpeakingStyle); s != "" {
		fmt.Fprintf(&b, "\nSpeaking style: %s", s)
	}
	if len(persona.StyleRules) > 0 {
		b.WriteString("\nStyle rules:")
		for _, r := range persona.StyleRules {
			fmt.Fprintf(&b, "\n- %s", normalizePromptInput(r))
		}
	}
	return b.String()
}

func buildContextPrompt(facts []domain.Fact, quotes []domain.Quote) string {
	if len(facts) == 0 && len(quotes) == 0 {
		return ""
	}
	var parts []string
	if len(facts) > 0 {
		lines := []string{"Relevant facts:"}
		for _, f := range facts {
			lines = append(lines, "- "+normalizePromptInput(f.Text))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(quotes) > 0 {
		lines := []string{"Relevant quotes:"}
		for _, q := range quotes {
			line := fmt.Sprintf("- %q", normalizePromptInput(q.Text))
			if q.Source != "" {
				line += " (" + q.Source + ")"
			}
			lines = append(lines, line)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// turnToPromptMessage maps a stored turn to a chat message from the point of
// view of persona. Replies of other personas are attributed by name.
func turnToPromptMessage(persona domain.Persona, t domain.Turn) (domain.ChatMessage, bool) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return domain.ChatMessage{}, false
	}
	switch {
	case t.Role == domain.RoleUser:
		return domain.ChatMessage{Role: domain.ChatRoleUser, Content: text}, true
	case strings.EqualFold(t.PersonaID, persona.ID):
		return domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: text}, true
	default:
		return domain.ChatMessage{Role: domain.ChatRoleUser, Content: fmt.Sprintf("[%s]: %s", t.PersonaID, text)}, true
	}
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
