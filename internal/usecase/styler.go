package usecase

import (
	"strings"
	"unicode/utf8"

	"echoroom-agent/internal/domain"
)

const (
	DefaultMaxWords = 140
	Disclaimer      = "- Fictionalized, educational response."

	// boundaryWindow is how far back from the word cap a sentence end is searched.
	boundaryWindow = 50
)

// StyledReply is the caller-facing reply text plus the enrichment flags
// actually consumed by the completion.
type StyledReply struct {
	Text       string
	UsedFacts  bool
	UsedQuotes bool
}

// Style normalizes a raw completion into the persona's reply. It is
// deterministic and copies the flags through unchanged.
func Style(persona domain.Persona, raw string, usedFacts, usedQuotes bool) StyledReply {
	text := stripSpeakerPrefix(persona, strings.TrimSpace(raw))
	text = stripWrappingQuotes(text)
	text = strings.Join(strings.Fields(text), " ")

	maxWords := persona.MaxWords
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	text = capWords(text, maxWords)

	if body := strings.TrimRight(text, closers); body != "" && !strings.ContainsAny(body[len(body)-1:], ".!?") {
		text += "."
	}
	if text == "" {
		return StyledReply{Text: Disclaimer, UsedFacts: usedFacts, UsedQuotes: usedQuotes}
	}
	return StyledReply{Text: text + " " + Disclaimer, UsedFacts: usedFacts, UsedQuotes: usedQuotes}
}

func stripSpeakerPrefix(persona domain.Persona, text string) string {
	names := []string{persona.Name, persona.ID}
	for changed := true; changed; {
		changed = false
		for _, name := range names {
			if name == "" {
				continue
			}
			for _, prefix := range []string{name + ":", "[" + name + "]", "**" + name + ":**"} {
				if len(text) >= len(prefix) && strings.EqualFold(text[:len(prefix)], prefix) {
					text = strings.TrimSpace(text[len(prefix):])
					changed = true
				}
			}
		}
	}
	return text
}

// closers may follow the terminal punctuation of a sentence.
const closers = "\"')”’"

var quotePairs = [][2]string{{`"`, `"`}, {"“", "”"}, {"'", "'"}}

func stripWrappingQuotes(text string) string {
	for _, q := range quotePairs {
		if utf8.RuneCountInString(text) >= 2 && strings.HasPrefix(text, q[0]) && strings.HasSuffix(text, q[1]) {
			inner := text[len(q[0]) : len(text)-len(q[1])]
			// Leave replies that only start and end with separate quotations alone.
			if !strings.Contains(inner, q[0]) && !strings.Contains(inner, q[1]) {
				return strings.TrimSpace(inner)
			}
		}
	}
	return text
}

func capWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	trimmed := strings.Join(words[:maxWords], " ")
	stop := len(trimmed) - boundaryWindow
	if stop < 0 {
		stop = 0
	}
	for i := len(trimmed) - 1; i > stop; i-- {
		if strings.ContainsRune(".!?", rune(trimmed[i])) {
			return trimmed[:i+1]
		}
	}
	return strings.TrimRight(trimmed, ".!?,;: ") + "..."
}
