package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"echoroom-agent/internal/domain"
)

// Stage is a state of the per-persona pipeline state machine.
type Stage string

const (
	StageAdmitted       Stage = "ADMITTED"
	StagePlanned        Stage = "PLANNED"
	StageFactsResolved  Stage = "FACTS_RESOLVED"
	StageQuotesResolved Stage = "QUOTES_RESOLVED"
	StageCompleted      Stage = "COMPLETED"
	StageStyled         Stage = "STYLED"
	StagePersisted      Stage = "PERSISTED"
	StageDegraded       Stage = "DEGRADED"
	StageRejected       Stage = "REJECTED"
	StageFailed         Stage = "FAILED"
)

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	switch s {
	case StagePersisted, StageDegraded, StageRejected, StageFailed:
		return true
	}
	return false
}

const (
	maxCompletionAttempts = 2
	fallbackReply         = "I am unable to gather my thoughts just now. Please ask me again in a moment."
)

// PipelineResult is the outcome of one persona run.
type PipelineResult struct {
	PersonaID  string    `json:"persona"`
	Text       string    `json:"text"`
	UsedFacts  bool      `json:"usedFacts"`
	UsedQuotes bool      `json:"usedQuotes"`
	Degraded   bool      `json:"degraded"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`
	Tokens     int       `json:"tokens"`
	State      Stage     `json:"state"`
}

// pipelineRun carries one persona's pass through the state machine. Each
// stage method reads what earlier stages produced and sets the next stage.
type pipelineRun struct {
	sessionID string
	in        promptInput
	// leading turns are persisted in the same batch, ahead of the reply.
	leading []domain.Turn

	stage      Stage
	started    time.Time
	plan       PlanDecision
	completion domain.Completion
	tokens     int
	errKind    ErrorKind
	degraded   bool
	reply      StyledReply
	turn       domain.Turn
	err        error
}

func (s *ChatService) newRun(sessionID string, in promptInput, leading []domain.Turn) *pipelineRun {
	return &pipelineRun{
		sessionID: sessionID,
		in:        in,
		leading:   leading,
		stage:     StageAdmitted,
		started:   s.now(),
	}
}

// execute drives run until it reaches a terminal stage.
func (s *ChatService) execute(ctx context.Context, run *pipelineRun) {
	for !run.stage.Terminal() {
		switch run.stage {
		case StageAdmitted:
			s.planStage(run)
		case StagePlanned:
			s.factsStage(run)
		case StageFactsResolved:
			s.quotesStage(run)
		case StageQuotesResolved:
			s.completeStage(ctx, run)
		case StageCompleted:
			s.styleStage(run)
		case StageStyled:
			s.persistStage(ctx, run)
		default:
			run.err = fmt.Errorf("usecase: no transition from stage %s", run.stage)
			run.stage = StageFailed
		}
	}
	s.stats.recordRun(run.stage, run.errKind, s.now())

	level := slog.LevelInfo
	if run.stage == StageFailed {
		level = slog.LevelError
	} else if run.stage == StageDegraded {
		level = slog.LevelWarn
	}
	attrs := []any{
		"session_id", run.sessionID,
		"persona", run.in.persona.ID,
		"state", string(run.stage),
		"used_facts", run.reply.UsedFacts,
		"used_quotes", run.reply.UsedQuotes,
		"tokens", run.tokens,
		"elapsed_ms", s.now().Sub(run.started).Milliseconds(),
	}
	if run.errKind != KindNone {
		attrs = append(attrs, "error_kind", string(run.errKind))
	}
	if run.err != nil {
		attrs = append(attrs, "error", run.err)
	}
	s.logger.Log(ctx, level, "pipeline run finished", append(attrs, correlationAttr(ctx)...)...)
}

func (s *ChatService) planStage(run *pipelineRun) {
	run.plan = s.planner.Plan(run.in.message, run.in.persona.ID)
	run.stage = StagePlanned
}

func (s *ChatService) factsStage(run *pipelineRun) {
	if run.plan.UseFacts {
		run.in.facts = s.kb.RetrieveFacts(run.in.persona.ID, run.in.message)
	}
	run.stage = StageFactsResolved
}

func (s *ChatService) quotesStage(run *pipelineRun) {
	if run.plan.UseQuotes {
		run.in.quotes = s.kb.RetrieveQuotes(run.in.persona.ID, run.in.message)
	}
	run.stage = StageQuotesResolved
}

// completeStage makes up to two completion attempts. When both fail the run
// degrades: the fallback reply is persisted instead of a styled completion.
func (s *ChatService) completeStage(ctx context.Context, run *pipelineRun) {
	for attempt := 1; attempt <= maxCompletionAttempts; attempt++ {
		if attempt > 1 {
			sleep(ctx, s.cfg.RetryBackoff)
		}
		c, err := s.invoker.complete(ctx, run.in)
		s.charge(ctx, run, c)
		if err == nil {
			if c.Truncated {
				s.logger.WarnContext(ctx, "completion hit the output token limit",
					append([]any{"session_id", run.sessionID, "persona", run.in.persona.ID}, correlationAttr(ctx)...)...)
			}
			run.completion = c
			run.errKind = KindNone
			run.stage = StageCompleted
			return
		}
		run.errKind = classifyUpstream(err)
		s.stats.recordUpstreamFailure(run.errKind)
		s.logger.WarnContext(ctx, "completion attempt failed",
			append([]any{
				"session_id", run.sessionID,
				"persona", run.in.persona.ID,
				"attempt", attempt,
				"error_kind", string(run.errKind),
				"error", err,
			}, correlationAttr(ctx)...)...,
		)
	}

	run.degraded = true
	run.reply = StyledReply{Text: fallbackReply}
	s.persistStage(ctx, run)
}

// charge finalizes token accounting for a completion that actually returned.
func (s *ChatService) charge(ctx context.Context, run *pipelineRun, c domain.Completion) {
	n := c.Tokens()
	if n <= 0 {
		return
	}
	run.tokens += n
	s.gov.RecordTokens(n)
	if s.usage == nil {
		return
	}
	rec := domain.UsageRecord{
		Timestamp:    s.now(),
		SessionID:    run.sessionID,
		PersonaID:    run.in.persona.ID,
		Model:        s.cfg.Model,
		Provider:     s.cfg.Provider,
		Tokens:       n,
		InputTokens:  c.PromptTokens,
		OutputTokens: c.CompletionTokens,
	}
	if err := s.usage.RecordUsage(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "usage ledger write failed", "session_id", run.sessionID, "error", err)
	}
}

func (s *ChatService) styleStage(run *pipelineRun) {
	run.reply = Style(run.in.persona, run.completion.Text, len(run.in.facts) > 0, len(run.in.quotes) > 0)
	run.stage = StageStyled
}

// persistStage appends the leading turns and the reply as one batch, so a
// failed write leaves the session log untouched.
func (s *ChatService) persistStage(ctx context.Context, run *pipelineRun) {
	turn := domain.Turn{
		Role:       domain.RolePersona,
		PersonaID:  run.in.persona.ID,
		Text:       run.reply.Text,
		Timestamp:  s.now().UTC(),
		UsedFacts:  run.reply.UsedFacts,
		UsedQuotes: run.reply.UsedQuotes,
		Degraded:   run.degraded,
	}
	batch := make([]domain.Turn, 0, len(run.leading)+1)
	batch = append(batch, run.leading...)
	batch = append(batch, turn)

	if err := s.turns.AppendTurns(ctx, run.sessionID, batch...); err != nil {
		run.err = fmt.Errorf("usecase: persist turns: %w", err)
		run.stage = StageFailed
		return
	}
	run.turn = turn
	if run.degraded {
		run.stage = StageDegraded
	} else {
		run.stage = StagePersisted
	}
}

func (run *pipelineRun) result() PipelineResult {
	return PipelineResult{
		PersonaID:  run.in.persona.ID,
		Text:       run.reply.Text,
		UsedFacts:  run.reply.UsedFacts,
		UsedQuotes: run.reply.UsedQuotes,
		Degraded:   run.degraded,
		ErrorKind:  run.errKind,
		Tokens:     run.tokens,
		State:      run.stage,
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
