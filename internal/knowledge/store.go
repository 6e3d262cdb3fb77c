// Package knowledge loads the persona corpus (descriptors, facts, quotes)
// and answers read-only lookups against it. A Store never changes after Load
// returns, so it is safe for concurrent use without locking.
package knowledge

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"echoroom-agent/internal/domain"
)

const (
	personasDir  = "personas"
	knowledgeDir = "knowledge"
)

//go:embed corpus
var embedded embed.FS

// Store is the in-memory persona/fact/quote lookup table.
type Store struct {
	personas map[string]domain.Persona
	lower    map[string]string
	order    []string
	facts    map[string][]domain.Fact
	quotes   map[string][]domain.Quote
}

type personaFile struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Description   string        `yaml:"description"`
	SpeakingStyle string        `yaml:"speakingStyle"`
	StyleRules    []string      `yaml:"styleRules"`
	Topics        []string      `yaml:"topics"`
	FewShot       []exampleFile `yaml:"fewShot"`
	MaxWords      int           `yaml:"maxWords"`
}

type exampleFile struct {
	User      string `yaml:"user"`
	Assistant string `yaml:"assistant"`
}

type factsFile struct {
	Facts []factEntry `yaml:"facts"`
}

// factEntry accepts either a bare string or {text, topics}.
type factEntry domain.Fact

func (f *factEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		f.Text = value.Value
		return nil
	}
	var raw struct {
		Text   string   `yaml:"text"`
		Topics []string `yaml:"topics"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	f.Text = raw.Text
	f.Topics = raw.Topics
	return nil
}

// quoteEntry accepts either a bare string or {text, source}.
type quoteEntry domain.Quote

func (q *quoteEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		q.Text = value.Value
		return nil
	}
	var raw struct {
		Text   string `yaml:"text"`
		Source string `yaml:"source"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	q.Text = raw.Text
	q.Source = raw.Source
	return nil
}

// Default loads the corpus compiled into the binary.
func Default() (*Store, error) {
	sub, err := fs.Sub(embedded, "corpus")
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedded corpus: %w", err)
	}
	return Load(sub)
}

// LoadDir loads a corpus from a directory on disk.
func LoadDir(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("knowledge: directory must not be empty")
	}
	return Load(os.DirFS(dir))
}

// Load reads personas/, knowledge/ and quotes.{yaml,yml,json} from fsys.
// JSON files are parsed with the YAML decoder, which accepts JSON documents.
func Load(fsys fs.FS) (*Store, error) {
	if fsys == nil {
		return nil, errors.New("knowledge: filesystem must not be nil")
	}
	s := &Store{
		personas: make(map[string]domain.Persona),
		lower:    make(map[string]string),
		facts:    make(map[string][]domain.Fact),
		quotes:   make(map[string][]domain.Quote),
	}
	if err := s.loadPersonas(fsys); err != nil {
		return nil, err
	}
	if err := s.loadFacts(fsys); err != nil {
		return nil, err
	}
	if err := s.loadQuotes(fsys); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadPersonas(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, personasDir)
	if err != nil {
		return fmt.Errorf("knowledge: read %s: %w", personasDir, err)
	}
	for _, e := range entries {
		stem, ok := corpusFile(e)
		if !ok {
			continue
		}
		var pf personaFile
		if err := decodeFile(fsys, path.Join(personasDir, e.Name()), &pf); err != nil {
			return err
		}
		p := pf.persona(stem)
		key := strings.ToLower(p.ID)
		if _, dup := s.lower[key]; dup {
			return fmt.Errorf("knowledge: duplicate persona %q", p.ID)
		}
		s.personas[p.ID] = p
		s.lower[key] = p.ID
		s.order = append(s.order, p.ID)
	}
	if len(s.order) == 0 {
		return errors.New("knowledge: no personas found")
	}
	sort.Strings(s.order)
	return nil
}

func (pf personaFile) persona(stem string) domain.Persona {
	id := strings.TrimSpace(pf.ID)
	if id == "" {
		id = stem
	}
	p := domain.Persona{
		ID:            id,
		Name:          strings.TrimSpace(pf.Name),
		Description:   strings.TrimSpace(pf.Description),
		SpeakingStyle: strings.TrimSpace(pf.SpeakingStyle),
		StyleRules:    pf.StyleRules,
		Topics:        lowerAll(pf.Topics),
		MaxWords:      pf.MaxWords,
	}
	for _, ex := range pf.FewShot {
		if strings.TrimSpace(ex.User) == "" || strings.TrimSpace(ex.Assistant) == "" {
			continue
		}
		p.FewShot = append(p.FewShot, domain.Example{User: ex.User, Assistant: ex.Assistant})
	}
	return p
}

func (s *Store) loadFacts(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, knowledgeDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("knowledge: read %s: %w", knowledgeDir, err)
	}
	for _, e := range entries {
		stem, ok := corpusFile(e)
		if !ok {
			continue
		}
		id, known := s.resolve(stem)
		if !known {
			continue
		}
		var ff factsFile
		if err := decodeFile(fsys, path.Join(knowledgeDir, e.Name()), &ff); err != nil {
			return err
		}
		for _, f := range ff.Facts {
			if strings.TrimSpace(f.Text) == "" {
				continue
			}
			s.facts[id] = append(s.facts[id], domain.Fact{Text: strings.TrimSpace(f.Text), Topics: lowerAll(f.Topics)})
		}
	}
	return nil
}

func (s *Store) loadQuotes(fsys fs.FS) error {
	for _, name := range []string{"quotes.yaml", "quotes.yml", "quotes.json"} {
		raw := map[string][]quoteEntry{}
		err := decodeFile(fsys, name, &raw)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		for key, entries := range raw {
			id, known := s.resolve(key)
			if !known {
				continue
			}
			for _, q := range entries {
				if strings.TrimSpace(q.Text) == "" {
					continue
				}
				s.quotes[id] = append(s.quotes[id], domain.Quote{Text: strings.TrimSpace(q.Text), Source: q.Source})
			}
		}
		return nil
	}
	return nil
}

// Persona returns the persona with the given id. Matching falls back to a
// case-insensitive comparison.
func (s *Store) Persona(id string) (domain.Persona, bool) {
	canonical, ok := s.resolve(id)
	if !ok {
		return domain.Persona{}, false
	}
	return s.personas[canonical], true
}

// Personas returns every persona ordered by id.
func (s *Store) Personas() []domain.Persona {
	out := make([]domain.Persona, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.personas[id])
	}
	return out
}

func (s *Store) resolve(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if _, ok := s.personas[id]; ok {
		return id, true
	}
	canonical, ok := s.lower[strings.ToLower(id)]
	return canonical, ok
}

func corpusFile(e fs.DirEntry) (string, bool) {
	if e.IsDir() {
		return "", false
	}
	ext := path.Ext(e.Name())
	switch ext {
	case ".yaml", ".yml", ".json":
		return strings.TrimSuffix(e.Name(), ext), true
	default:
		return "", false
	}
}

func decodeFile(fsys fs.FS, name string, out any) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("knowledge: read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("knowledge: decode %s: %w", name, err)
	}
	return nil
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
