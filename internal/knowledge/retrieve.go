package knowledge

import (
	"sort"
	"strings"
	"unicode"

	"echoroom-agent/internal/domain"
)

const (
	MaxFacts  = 3
	MaxQuotes = 1
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "about": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "can": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {}, "how": {},
	"i": {}, "in": {}, "is": {}, "it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {},
	"tell": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "what": {}, "when": {},
	"where": {}, "who": {}, "why": {}, "with": {}, "you": {}, "your": {},
}

// RetrieveFacts returns up to MaxFacts facts for the persona, most relevant
// to message first. An unknown persona or empty corpus yields nil.
func (s *Store) RetrieveFacts(personaID, message string) []domain.Fact {
	id, ok := s.resolve(personaID)
	if !ok {
		return nil
	}
	corpus := s.facts[id]
	docs := make([][]string, len(corpus))
	for i, f := range corpus {
		docs[i] = append(Words(f.Text), f.Topics...)
	}
	picked := rank(Words(message), docs, MaxFacts)
	out := make([]domain.Fact, 0, len(picked))
	for _, i := range picked {
		out = append(out, corpus[i])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RetrieveQuotes returns up to MaxQuotes quotes for the persona.
func (s *Store) RetrieveQuotes(personaID, message string) []domain.Quote {
	id, ok := s.resolve(personaID)
	if !ok {
		return nil
	}
	corpus := s.quotes[id]
	docs := make([][]string, len(corpus))
	for i, q := range corpus {
		docs[i] = Words(q.Text)
	}
	picked := rank(Words(message), docs, MaxQuotes)
	out := make([]domain.Quote, 0, len(picked))
	for _, i := range picked {
		out = append(out, corpus[i])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// rank returns the indexes of the best documents by distinct-term overlap.
// Ties keep corpus order. With no overlap at all the first limit documents
// are returned.
func rank(query []string, docs [][]string, limit int) []int {
	terms := make(map[string]struct{}, len(query))
	for _, w := range query {
		if _, stop := stopwords[w]; !stop {
			terms[w] = struct{}{}
		}
	}
	type scored struct {
		idx   int
		score int
	}
	scores := make([]scored, len(docs))
	anyHit := false
	for i, doc := range docs {
		seen := make(map[string]struct{})
		for _, w := range doc {
			if _, ok := terms[w]; !ok {
				continue
			}
			seen[w] = struct{}{}
		}
		scores[i] = scored{idx: i, score: len(seen)}
		if len(seen) > 0 {
			anyHit = true
		}
	}
	sort.SliceStable(scores, func(a, b int) bool { return scores[a].score > scores[b].score })

	out := make([]int, 0, limit)
	for _, sc := range scores {
		if len(out) == limit {
			break
		}
		if anyHit && sc.score == 0 {
			break
		}
		out = append(out, sc.idx)
	}
	return out
}

// Words lowercases s and splits it on anything that is not a letter or digit.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
