package usecase

import (
	"sync"
	"time"
)

// PipelineStats is the pipeline health view served by the diagnostics route.
type PipelineStats struct {
	Runs             int64               `json:"runs"`
	ByState          map[Stage]int64     `json:"byState"`
	UpstreamFailures map[ErrorKind]int64 `json:"upstreamFailures"`
	LastErrorKind    ErrorKind           `json:"lastErrorKind,omitempty"`
	LastErrorAt      *time.Time          `json:"lastErrorAt,omitempty"`
	ActiveSessions   int                 `json:"activeSessions"`
}

type pipelineStats struct {
	mu               sync.Mutex
	runs             int64
	byState          map[Stage]int64
	upstreamFailures map[ErrorKind]int64
	lastErrorKind    ErrorKind
	lastErrorAt      time.Time
}

func newPipelineStats() *pipelineStats {
	return &pipelineStats{
		byState:          make(map[Stage]int64),
		upstreamFailures: make(map[ErrorKind]int64),
	}
}

func (p *pipelineStats) recordRun(state Stage, kind ErrorKind, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	p.byState[state]++
	if kind != KindNone {
		p.lastErrorKind = kind
		p.lastErrorAt = at
	}
}

func (p *pipelineStats) recordUpstreamFailure(kind ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upstreamFailures[kind]++
}

// Stats returns a copy of the pipeline counters.
func (s *ChatService) Stats() PipelineStats {
	p := s.stats
	p.mu.Lock()
	out := PipelineStats{
		Runs:             p.runs,
		ByState:          make(map[Stage]int64, len(p.byState)),
		UpstreamFailures: make(map[ErrorKind]int64, len(p.upstreamFailures)),
		LastErrorKind:    p.lastErrorKind,
	}
	for k, v := range p.byState {
		out.ByState[k] = v
	}
	for k, v := range p.upstreamFailures {
		out.UpstreamFailures[k] = v
	}
	if !p.lastErrorAt.IsZero() {
		at := p.lastErrorAt.UTC()
		out.LastErrorAt = &at
	}
	p.mu.Unlock()

	out.ActiveSessions = s.locks.active()
	return out
}

// Transition is one edge of the pipeline state machine.
type Transition struct {
	From Stage  `json:"from"`
	To   Stage  `json:"to"`
	When string `json:"when"`
}

// Graph describes the pipeline state machine.
type Graph struct {
	Stages      []Stage      `json:"stages"`
	Terminal    []Stage      `json:"terminal"`
	Transitions []Transition `json:"transitions"`
}

var pipelineGraph = Graph{
	Stages: []Stage{
		StageAdmitted, StagePlanned, StageFactsResolved, StageQuotesResolved,
		StageCompleted, StageStyled, StagePersisted, StageDegraded, StageRejected, StageFailed,
	},
	Terminal: []Stage{StagePersisted, StageDegraded, StageRejected, StageFailed},
	Transitions: []Transition{
		{From: "", To: StageAdmitted, When: "governor admitted the request"},
		{From: "", To: StageRejected, When: "governor denied the request"},
		{From: StageAdmitted, To: StagePlanned, When: "always"},
		{From: StagePlanned, To: StageFactsResolved, When: "facts retrieved if useFacts, skipped otherwise"},
		{From: StageFactsResolved, To: StageQuotesResolved, When: "quotes retrieved if useQuotes, skipped otherwise"},
		{From: StageQuotesResolved, To: StageCompleted, When: "completion returned text within at most two attempts"},
		{From: StageQuotesResolved, To: StageDegraded, When: "both attempts failed; fallback reply persisted"},
		{From: StageQuotesResolved, To: StageFailed, When: "both attempts failed and the fallback could not be persisted"},
		{From: StageCompleted, To: StageStyled, When: "always"},
		{From: StageStyled, To: StagePersisted, When: "turns appended to session memory"},
		{From: StageStyled, To: StageFailed, When: "session memory write failed"},
	},
}

// Graph returns the state machine description.
func (s *ChatService) Graph() Graph {
	g := pipelineGraph
	g.Stages = append([]Stage(nil), pipelineGraph.Stages...)
	g.Terminal = append([]Stage(nil), pipelineGraph.Terminal...)
	g.Transitions = append([]Transition(nil), pipelineGraph.Transitions...)
	return g
}
