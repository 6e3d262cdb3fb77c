package usecase

import (
	"strings"

	"echoroom-agent/internal/domain"
	"echoroom-agent/internal/knowledge"
)

// PlanDecision says which enrichment lookups a message warrants.
type PlanDecision struct {
	UseFacts  bool `json:"useFacts"`
	UseQuotes bool `json:"useQuotes"`
}

var factKeywords = wordSet(
	"who", "what", "when", "where", "why", "how", "explain", "fact", "facts",
	"define", "history", "background", "origin", "describe", "details",
	"information", "learn", "teach", "example",
)

var quoteKeywords = wordSet(
	"quote", "quotes", "saying", "said", "motto", "famous", "words", "believe",
	"belief", "opinion", "stance", "view", "think", "advice", "philosophy",
)

var factPhrases = [][]string{{"tell", "me", "about"}}

// Planner decides per message whether facts and quotes should be fetched.
// It holds no mutable state: the topic table is fixed at construction.
type Planner struct {
	topics map[string][][]string
}

// NewPlanner captures the topic table of personas.
func NewPlanner(personas []domain.Persona) *Planner {
	p := &Planner{topics: make(map[string][][]string, len(personas))}
	for _, persona := range personas {
		var seqs [][]string
		for _, topic := range persona.Topics {
			if words := knowledge.Words(topic); len(words) > 0 {
				seqs = append(seqs, words)
			}
		}
		p.topics[strings.ToLower(persona.ID)] = seqs
	}
	return p
}

// Plan is a pure function of its inputs.
func (p *Planner) Plan(message, personaID string) PlanDecision {
	words := knowledge.Words(message)
	var d PlanDecision
	for _, w := range words {
		if factKeywords[w] {
			d.UseFacts = true
		}
		if quoteKeywords[w] {
			d.UseQuotes = true
		}
	}
	if !d.UseFacts {
		for _, phrase := range factPhrases {
			if containsSeq(words, phrase) {
				d.UseFacts = true
				break
			}
		}
	}
	if !d.UseFacts && p != nil {
		for _, topic := range p.topics[strings.ToLower(personaID)] {
			if containsSeq(words, topic) {
				d.UseFacts = true
				break
			}
		}
	}
	return d
}

func containsSeq(words, seq []string) bool {
	if len(seq) == 0 || len(seq) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(words); i++ {
		for j := range seq {
			if words[i+j] != seq[j] {
				continue outer
			}
		}
		return true
	}
	return false
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
