package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"echoroom-agent/internal/domain"
	"echoroom-agent/internal/governor"
)

const (
	defaultCompletionTimeout = 20 * time.Second
	defaultRetryBackoff      = 250 * time.Millisecond
	defaultSessionWait       = 25 * time.Second
	defaultHistoryTurns      = 8
	defaultMaxMessageLen     = 1000
	defaultMaxRoundtable     = 3
	maxSessionIDLen          = 128
)

// KnowledgeBase is the read-only persona, fact and quote lookup.
type KnowledgeBase interface {
	Persona(id string) (domain.Persona, bool)
	Personas() []domain.Persona
	RetrieveFacts(personaID, message string) []domain.Fact
	RetrieveQuotes(personaID, message string) []domain.Quote
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (domain.Completion, error)
}

// Admitter is the rate and cost governor as seen by the pipeline.
type Admitter interface {
	Admit(sessionID, clientKey string) governor.Decision
	RecordTokens(tokens int)
}

// TurnStore is the session memory.
type TurnStore interface {
	AppendTurns(ctx context.Context, sessionID string, turns ...domain.Turn) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec domain.UsageRecord) error
}

// Config tunes the pipeline. Zero values fall back to defaults, except
// SessionWait where a negative value means "reject immediately".
type Config struct {
	Model             string
	Provider          string
	CompletionTimeout time.Duration
	RetryBackoff      time.Duration
	SessionWait       time.Duration
	HistoryTurns      int
	MaxMessageLen     int
	MaxRoundtable     int
}

type ChatService struct {
	kb      KnowledgeBase
	gov     Admitter
	turns   TurnStore
	usage   UsageRecorder
	logger  *slog.Logger
	cfg     Config
	planner *Planner
	invoker *invoker
	locks   *sessionLocks
	stats   *pipelineStats
	now     func() time.Time
}

type Option func(*ChatService)

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUsageRecorder appends every charged completion to a usage ledger.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(s *ChatService) {
		s.usage = u
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewChatService(kb KnowledgeBase, llm LLMClient, gov Admitter, turns TurnStore, cfg Config, opts ...Option) (*ChatService, error) {
	if kb == nil {
		return nil, errors.New("usecase: knowledge base must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if gov == nil {
		return nil, errors.New("usecase: governor must not be nil")
	}
	if turns == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	} else if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.SessionWait == 0 {
		cfg.SessionWait = defaultSessionWait
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.MaxRoundtable <= 0 {
		cfg.MaxRoundtable = defaultMaxRoundtable
	}

	s := &ChatService{
		kb:      kb,
		gov:     gov,
		turns:   turns,
		logger:  slog.Default(),
		cfg:     cfg,
		planner: NewPlanner(kb.Personas()),
		invoker: &invoker{
			llm:          llm,
			model:        cfg.Model,
			timeout:      cfg.CompletionTimeout,
			historyTurns: cfg.HistoryTurns,
		},
		locks: newSessionLocks(),
		stats: newPipelineStats(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type ChatInput struct {
	PersonaID string
	Message   string
	SessionID string
	// ClientKey identifies the caller (e.g. source IP) for the per-client window.
	ClientKey string
}

type ChatOutput struct {
	SessionID string
	Reply     PipelineResult
}

// Chat runs the pipeline for one persona. Upstream failures degrade the reply
// instead of returning an error.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message, err := s.validateMessage(in.Message)
	if err != nil {
		return ChatOutput{}, err
	}
	persona, ok := s.kb.Persona(strings.TrimSpace(in.PersonaID))
	if !ok {
		return ChatOutput{}, newError(ErrorInvalidInput, "unknown_persona", nil)
	}
	sessionID, err := s.sessionID(in.SessionID)
	if err != nil {
		return ChatOutput{}, err
	}

	// The run completes even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	release, err := s.begin(ctx, sessionID, in.ClientKey)
	if err != nil {
		return ChatOutput{}, err
	}
	defer release()

	history, err := s.turns.RecentTurns(ctx, sessionID, s.cfg.HistoryTurns)
	if err != nil {
		s.stats.recordRun(StageFailed, KindNone, s.now())
		s.logger.ErrorContext(ctx, "read session history failed", append([]any{"session_id", sessionID, "error", err}, correlationAttr(ctx)...)...)
		return ChatOutput{}, newError(ErrorInternal, "memory_read_error", err)
	}

	userTurn := domain.Turn{Role: domain.RoleUser, Text: message, Timestamp: s.now().UTC()}
	run := s.newRun(sessionID, promptInput{persona: persona, history: history, message: message}, []domain.Turn{userTurn})
	s.execute(ctx, run)
	if run.stage == StageFailed {
		return ChatOutput{}, newError(ErrorInternal, "memory_write_error", run.err)
	}
	return ChatOutput{SessionID: sessionID, Reply: run.result()}, nil
}

type RoundtableInput struct {
	PersonaIDs []string
	Message    string
	SessionID  string
	ClientKey  string
}

type RoundtableOutput struct {
	SessionID string
	Replies   []PipelineResult
}

// Roundtable runs the pipeline once per persona, in input order. Each persona
// sees the replies produced earlier in the same round. The round is admitted
// once; every completion is still charged against the daily budget.
func (s *ChatService) Roundtable(ctx context.Context, in RoundtableInput) (RoundtableOutput, error) {
	message, err := s.validateMessage(in.Message)
	if err != nil {
		return RoundtableOutput{}, err
	}
	if len(in.PersonaIDs) == 0 {
		return RoundtableOutput{}, newError(ErrorInvalidInput, "no_personas", nil)
	}
	if len(in.PersonaIDs) > s.cfg.MaxRoundtable {
		return RoundtableOutput{}, newError(ErrorInvalidInput, "too_many_personas", nil)
	}
	personas := make([]domain.Persona, 0, len(in.PersonaIDs))
	seen := make(map[string]bool, len(in.PersonaIDs))
	for _, id := range in.PersonaIDs {
		p, ok := s.kb.Persona(strings.TrimSpace(id))
		if !ok {
			return RoundtableOutput{}, newError(ErrorInvalidInput, "unknown_persona", nil)
		}
		if seen[p.ID] {
			return RoundtableOutput{}, newError(ErrorInvalidInput, "duplicate_persona", nil)
		}
		seen[p.ID] = true
		personas = append(personas, p)
	}
	sessionID, err := s.sessionID(in.SessionID)
	if err != nil {
		return RoundtableOutput{}, err
	}

	ctx = context.WithoutCancel(ctx)

	release, err := s.begin(ctx, sessionID, in.ClientKey)
	if err != nil {
		return RoundtableOutput{}, err
	}
	defer release()

	history, err := s.turns.RecentTurns(ctx, sessionID, s.cfg.HistoryTurns)
	if err != nil {
		s.stats.recordRun(StageFailed, KindNone, s.now())
		s.logger.ErrorContext(ctx, "read session history failed", append([]any{"session_id", sessionID, "error", err}, correlationAttr(ctx)...)...)
		return RoundtableOutput{}, newError(ErrorInternal, "memory_read_error", err)
	}

	userTurn := domain.Turn{Role: domain.RoleUser, Text: message, Timestamp: s.now().UTC()}
	replies := make([]PipelineResult, 0, len(personas))
	var round []domain.Turn
	for i, persona := range personas {
		var leading []domain.Turn
		if i == 0 {
			leading = []domain.Turn{userTurn}
		}
		pin := promptInput{
			persona: persona,
			history: history,
			round:   append([]domain.Turn(nil), round...),
			message: message,
		}
		run := s.newRun(sessionID, pin, leading)
		s.execute(ctx, run)
		if run.stage == StageFailed {
			// Replies already persisted stay; the rest of the round is skipped.
			return RoundtableOutput{}, newError(ErrorInternal, "memory_write_error", run.err)
		}
		round = append(round, run.turn)
		replies = append(replies, run.result())
	}
	return RoundtableOutput{SessionID: sessionID, Replies: replies}, nil
}

// Personas lists the available personas.
func (s *ChatService) Personas() []domain.Persona {
	return s.kb.Personas()
}

// begin serializes the session and asks the governor for admission. The
// returned release must be called when the run is over.
func (s *ChatService) begin(ctx context.Context, sessionID, clientKey string) (func(), error) {
	release, err := s.locks.acquire(ctx, sessionID, s.cfg.SessionWait)
	if err != nil {
		s.logger.InfoContext(ctx, "session busy", append([]any{"session_id", sessionID}, correlationAttr(ctx)...)...)
		return nil, newError(ErrorSessionBusy, "session_busy", err)
	}

	d := s.gov.Admit(sessionID, strings.TrimSpace(clientKey))
	if !d.Admitted {
		release()
		s.stats.recordRun(StageRejected, KindNone, s.now())
		s.logger.InfoContext(ctx, "request rejected",
			append([]any{"session_id", sessionID, "reason", string(d.Reason), "retry_after_ms", d.RetryAfter.Milliseconds()}, correlationAttr(ctx)...)...,
		)
		e := newError(denialCode(d.Reason), strings.ToLower(string(d.Reason)), nil)
		e.RetryAfter = d.RetryAfter
		return nil, e
	}
	return release, nil
}

func denialCode(r governor.Reason) ErrorCode {
	switch r {
	case governor.ReasonServiceSuspended:
		return ErrorServiceSuspended
	case governor.ReasonTooFrequent:
		return ErrorTooFrequent
	case governor.ReasonWindowExceeded:
		return ErrorWindowExceeded
	case governor.ReasonBudgetExhausted:
		return ErrorBudgetExhausted
	}
	return ErrorInternal
}

func (s *ChatService) validateMessage(raw string) (string, error) {
	message := strings.TrimSpace(raw)
	if message == "" {
		return "", newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLen {
		return "", newError(ErrorInvalidInput, "message_too_long", nil)
	}
	return message, nil
}

func (s *ChatService) sessionID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return newUUID(), nil
	}
	if len(id) > maxSessionIDLen || strings.ContainsFunc(id, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return "", newError(ErrorInvalidInput, "invalid_session_id", nil)
	}
	return id, nil
}

type correlationKey struct{}

// WithCorrelationID attaches a request correlation id that is added to every
// log line of the run.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationAttr(ctx context.Context) []any {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return []any{"correlation_id", id}
	}
	return nil
}

var newUUID = func() string {
	return uuid.NewString()
}
