package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"echoroom-agent/internal/domain"
	"echoroom-agent/internal/governor"
	"echoroom-agent/internal/integrations/openai"
	"echoroom-agent/internal/knowledge"
	"echoroom-agent/internal/memory"
)

type mockResponse struct {
	completion domain.Completion
	err        error
}

// mockLLM replays responses in order and repeats the last one once exhausted.
type mockLLM struct {
	mu        sync.Mutex
	responses []mockResponse
	callCount int
	models    []string
	messages  [][]domain.ChatMessage
}

func (m *mockLLM) Chat(_ context.Context, model string, messages []domain.ChatMessage) (domain.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	m.models = append(m.models, model)
	m.messages = append(m.messages, append([]domain.ChatMessage(nil), messages...))
	if len(m.responses) == 0 {
		return domain.Completion{Text: "ok"}, nil
	}
	idx := m.callCount - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	r := m.responses[idx]
	return r.completion, r.err
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *mockLLM) lastModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.models[len(m.models)-1]
}

func (m *mockLLM) lastMessages() []domain.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[len(m.messages)-1]
}

func reply(text string, tokens int) mockResponse {
	return mockResponse{completion: domain.Completion{Text: text, TotalTokens: tokens}}
}

func failure(status int) mockResponse {
	return mockResponse{err: &openai.HTTPStatusError{StatusCode: status}}
}

// mockTurns wraps the in-memory store with injectable failures.
type mockTurns struct {
	*memory.Store
	appendErr error
	recentErr error
}

func (m *mockTurns) AppendTurns(ctx context.Context, sessionID string, turns ...domain.Turn) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	return m.Store.AppendTurns(ctx, sessionID, turns...)
}

func (m *mockTurns) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	return m.Store.RecentTurns(ctx, sessionID, limit)
}

type mockUsage struct {
	mu      sync.Mutex
	records []domain.UsageRecord
	err     error
}

func (m *mockUsage) RecordUsage(_ context.Context, rec domain.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

type fixture struct {
	svc   *ChatService
	llm   *mockLLM
	gov   *governor.Governor
	turns *mockTurns
	usage *mockUsage
}

func unlimited() governor.Limits {
	return governor.Limits{Window: time.Minute, DailyTokenCap: -1}
}

func newFixture(t *testing.T, limits governor.Limits, responses ...mockResponse) *fixture {
	t.Helper()
	kb, err := knowledge.Default()
	require.NoError(t, err)

	f := &fixture{
		llm:   &mockLLM{responses: responses},
		gov:   governor.New(limits),
		turns: &mockTurns{Store: memory.New()},
		usage: &mockUsage{},
	}
	f.svc, err = NewChatService(kb, f.llm, f.gov, f.turns, Config{
		Model:        "gpt-test",
		Provider:     "openai",
		RetryBackoff: -1,
		SessionWait:  -1,
	}, WithUsageRecorder(f.usage))
	require.NoError(t, err)
	return f
}

func (f *fixture) stored(t *testing.T, sessionID string) []domain.Turn {
	t.Helper()
	turns, err := f.turns.Store.RecentTurns(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return turns
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) *Error {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
	return usecaseErr
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	kb, err := knowledge.Default()
	require.NoError(t, err)
	llm := &mockLLM{}
	gov := governor.New(unlimited())
	turns := memory.New()
	cfg := Config{Model: "m"}

	_, err = NewChatService(nil, llm, gov, turns, cfg)
	require.Error(t, err)
	_, err = NewChatService(kb, nil, gov, turns, cfg)
	require.Error(t, err)
	_, err = NewChatService(kb, llm, nil, turns, cfg)
	require.Error(t, err)
	_, err = NewChatService(kb, llm, gov, nil, cfg)
	require.Error(t, err)
	_, err = NewChatService(kb, llm, gov, turns, Config{Model: " "})
	require.Error(t, err)

	svc, err := NewChatService(kb, llm, gov, turns, cfg)
	require.NoError(t, err)
	require.Equal(t, defaultCompletionTimeout, svc.cfg.CompletionTimeout)
	require.Equal(t, defaultSessionWait, svc.cfg.SessionWait)
	require.Equal(t, defaultHistoryTurns, svc.cfg.HistoryTurns)
	require.Equal(t, defaultMaxRoundtable, svc.cfg.MaxRoundtable)
}

func TestChat_UsesFactsForKnowledgeQuestion(t *testing.T) {
	f := newFixture(t, unlimited(), reply("Albert Einstein: Mass and energy are two faces of one coin", 42))

	out, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "What is E=mc^2?", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "s1", out.SessionID)
	require.Equal(t, "Einstein", out.Reply.PersonaID)
	require.Equal(t, "Mass and energy are two faces of one coin. "+Disclaimer, out.Reply.Text)
	require.True(t, out.Reply.UsedFacts)
	require.False(t, out.Reply.UsedQuotes)
	require.False(t, out.Reply.Degraded)
	require.Equal(t, StagePersisted, out.Reply.State)
	require.Equal(t, 42, out.Reply.Tokens)

	var contextMsg string
	for _, m := range f.llm.lastMessages() {
		if m.Role == domain.ChatRoleSystem && strings.HasPrefix(m.Content, "Relevant facts:") {
			contextMsg = m.Content
		}
	}
	require.Contains(t, contextMsg, "E=mc^2")

	turns := f.stored(t, "s1")
	require.Len(t, turns, 2)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	require.Equal(t, "What is E=mc^2?", turns[0].Text)
	require.Equal(t, domain.RolePersona, turns[1].Role)
	require.Equal(t, out.Reply.Text, turns[1].Text)
	require.True(t, turns[1].UsedFacts)

	require.Equal(t, int64(42), f.gov.Snapshot().DailyTokensConsumed)
	require.Len(t, f.usage.records, 1)
	require.Equal(t, "Einstein", f.usage.records[0].PersonaID)
	require.Equal(t, "gpt-test", f.usage.records[0].Model)
	require.Equal(t, 42, f.usage.records[0].Tokens)
}

func TestChat_HistoryIsSentOnNextTurn(t *testing.T) {
	f := newFixture(t, unlimited(), reply("First answer.", 5), reply("Second answer.", 5))
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "Hello", SessionID: "s1"})
	require.NoError(t, err)
	_, err = f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "And then?", SessionID: "s1"})
	require.NoError(t, err)

	msgs := f.llm.lastMessages()
	var sawUser, sawAssistant bool
	for _, m := range msgs {
		if m.Role == domain.ChatRoleUser && m.Content == "Hello" {
			sawUser = true
		}
		if m.Role == domain.ChatRoleAssistant && strings.HasPrefix(m.Content, "First answer.") {
			sawAssistant = true
		}
	}
	require.True(t, sawUser)
	require.True(t, sawAssistant)
	require.Len(t, f.stored(t, "s1"), 4)
}

func TestChat_DegradesAfterTwoFailedAttempts(t *testing.T) {
	f := newFixture(t, unlimited(), failure(http.StatusInternalServerError))

	out, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "What is E=mc^2?", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 2, f.llm.calls())
	require.True(t, out.Reply.Degraded)
	require.Equal(t, fallbackReply, out.Reply.Text)
	require.False(t, out.Reply.UsedFacts)
	require.False(t, out.Reply.UsedQuotes)
	require.Equal(t, KindUpstreamError, out.Reply.ErrorKind)
	require.Equal(t, StageDegraded, out.Reply.State)

	turns := f.stored(t, "s1")
	require.Len(t, turns, 2)
	require.True(t, turns[1].Degraded)
	require.Equal(t, fallbackReply, turns[1].Text)

	stats := f.svc.Stats()
	require.Equal(t, int64(2), stats.UpstreamFailures[KindUpstreamError])
	require.Equal(t, int64(1), stats.ByState[StageDegraded])
	require.Equal(t, KindUpstreamError, stats.LastErrorKind)
	require.NotNil(t, stats.LastErrorAt)
	require.Zero(t, f.gov.Snapshot().DailyTokensConsumed)
}

func TestChat_ProviderPanicDegradesRun(t *testing.T) {
	f := newFixture(t, unlimited())
	f.svc.invoker.llm = panickingLLM{}

	out, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	require.NoError(t, err)
	require.True(t, out.Reply.Degraded)
	require.Equal(t, StageDegraded, out.Reply.State)
	require.Len(t, f.stored(t, "s1"), 2)
	require.Zero(t, f.gov.Snapshot().DailyTokensConsumed)

	// The session lock was released.
	_, err = f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "again", SessionID: "s1"})
	require.NoError(t, err)
}

func TestChat_RetrySucceeds(t *testing.T) {
	f := newFixture(t, unlimited(), failure(http.StatusTooManyRequests), reply("Recovered.", 7))

	out, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 2, f.llm.calls())
	require.False(t, out.Reply.Degraded)
	require.Equal(t, KindNone, out.Reply.ErrorKind)
	require.Equal(t, StagePersisted, out.Reply.State)
	require.Equal(t, int64(1), f.svc.Stats().UpstreamFailures[KindUpstreamRateLimited])
}

func TestChat_EmptyCompletionIsChargedAndRetried(t *testing.T) {
	f := newFixture(t, unlimited(), reply("   ", 9), reply("Now with words.", 4))

	out, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 13, out.Reply.Tokens)
	require.Equal(t, int64(13), f.gov.Snapshot().DailyTokensConsumed)
	require.Len(t, f.usage.records, 2)
}

func TestChat_UsageLedgerFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t, unlimited(), reply("Fine.", 3))
	f.usage.err = errors.New("disk full")

	out, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, StagePersisted, out.Reply.State)
	require.Equal(t, int64(3), f.gov.Snapshot().DailyTokensConsumed)
}

func TestChat_KillSwitchRejectsWithoutCompletion(t *testing.T) {
	f := newFixture(t, unlimited())
	f.gov.SetKillSwitch(true)

	_, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	expectChatError(t, err, ErrorServiceSuspended, "service_suspended")
	require.Zero(t, f.llm.calls())
	require.Empty(t, f.stored(t, "s1"))
	require.Equal(t, int64(1), f.svc.Stats().ByState[StageRejected])
}

func TestChat_ZeroBudgetRejects(t *testing.T) {
	limits := unlimited()
	limits.DailyTokenCap = 0
	f := newFixture(t, limits)

	_, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	e := expectChatError(t, err, ErrorBudgetExhausted, "budget_exhausted")
	require.Positive(t, e.RetryAfter)
	require.Zero(t, f.llm.calls())
}

func TestChat_TooFrequentCarriesRetryAfter(t *testing.T) {
	limits := unlimited()
	limits.MinInterval = time.Hour
	f := newFixture(t, limits)
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	require.NoError(t, err)

	_, err = f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "again", SessionID: "s1"})
	e := expectChatError(t, err, ErrorTooFrequent, "too_frequent")
	require.Positive(t, e.RetryAfter)
	require.LessOrEqual(t, e.RetryAfter, time.Hour)
	require.Equal(t, 1, f.llm.calls())

	_, err = f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s2"})
	require.NoError(t, err)
}

func TestChat_ValidationErrors(t *testing.T) {
	f := newFixture(t, unlimited())
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "  "})
	expectChatError(t, err, ErrorInvalidInput, "empty_message")

	_, err = f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: strings.Repeat("é", defaultMaxMessageLen+1)})
	expectChatError(t, err, ErrorInvalidInput, "message_too_long")

	_, err = f.svc.Chat(ctx, ChatInput{PersonaID: "Nobody", Message: "hello"})
	expectChatError(t, err, ErrorInvalidInput, "unknown_persona")

	_, err = f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "bad\nid"})
	expectChatError(t, err, ErrorInvalidInput, "invalid_session_id")

	_, err = f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: strings.Repeat("s", maxSessionIDLen+1)})
	expectChatError(t, err, ErrorInvalidInput, "invalid_session_id")

	require.Zero(t, f.llm.calls())
}

func TestChat_PersonaLookupIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, unlimited())
	out, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "einstein", Message: "hello", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "Einstein", out.Reply.PersonaID)
}

func TestChat_MissingSessionIDGeneratesID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated-id" }
	t.Cleanup(func() { newUUID = orig })

	f := newFixture(t, unlimited())
	out, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, "generated-id", out.SessionID)
	require.Len(t, f.stored(t, "generated-id"), 2)
}

func TestChat_SessionBusy(t *testing.T) {
	f := newFixture(t, unlimited())
	release, err := f.svc.locks.acquire(context.Background(), "s1", 0)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	expectChatError(t, err, ErrorSessionBusy, "session_busy")
	require.Zero(t, f.llm.calls())
	require.Equal(t, 1, f.svc.Stats().ActiveSessions)
}

func TestChat_SameSessionRunsAreSerialized(t *testing.T) {
	kb, err := knowledge.Default()
	require.NoError(t, err)
	llm := &mockLLM{}
	store := memory.New()
	svc, err := NewChatService(kb, llm, governor.New(unlimited()), store, Config{Model: "m", RetryBackoff: -1, SessionWait: 5 * time.Second})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	turns, err := store.RecentTurns(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 8)
	for i := 0; i < len(turns); i += 2 {
		require.Equal(t, domain.RoleUser, turns[i].Role)
		require.Equal(t, domain.RolePersona, turns[i+1].Role)
	}
}

func TestChat_CallerCancellationDoesNotAbortRun(t *testing.T) {
	f := newFixture(t, unlimited(), reply("Still here.", 2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.svc.Chat(ctx, ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, StagePersisted, out.Reply.State)
	require.Len(t, f.stored(t, "s1"), 2)
}

func TestChat_MemoryErrors(t *testing.T) {
	f := newFixture(t, unlimited(), reply("Lost.", 6))
	f.turns.appendErr = errors.New("write failed")

	_, err := f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	expectChatError(t, err, ErrorInternal, "memory_write_error")
	require.Equal(t, int64(6), f.gov.Snapshot().DailyTokensConsumed)
	require.Equal(t, int64(1), f.svc.Stats().ByState[StageFailed])

	f = newFixture(t, unlimited())
	f.turns.recentErr = errors.New("read failed")
	_, err = f.svc.Chat(context.Background(), ChatInput{PersonaID: "Einstein", Message: "hello", SessionID: "s1"})
	expectChatError(t, err, ErrorInternal, "memory_read_error")
	require.Zero(t, f.llm.calls())
}

func TestRoundtable_LaterPersonasSeeEarlierReplies(t *testing.T) {
	f := newFixture(t, unlimited(),
		reply("Energy is mass.", 10),
		reply("All the world's a stage.", 11),
		reply("Nothing in life is to be feared.", 12),
	)

	out, err := f.svc.Roundtable(context.Background(), RoundtableInput{
		PersonaIDs: []string{"Einstein", "Shakespeare", "MarieCurie"},
		Message:    "What is time?",
		SessionID:  "s1",
	})
	require.NoError(t, err)
	require.Equal(t, "s1", out.SessionID)
	require.Len(t, out.Replies, 3)
	require.Equal(t, "Einstein", out.Replies[0].PersonaID)
	require.Equal(t, "Shakespeare", out.Replies[1].PersonaID)
	require.Equal(t, "MarieCurie", out.Replies[2].PersonaID)
	require.Equal(t, 3, f.llm.calls())

	// The last persona answers after the question and both earlier replies.
	msgs := f.llm.lastMessages()
	question := indexOfMessage(msgs, domain.ChatMessage{Role: domain.ChatRoleUser, Content: "What is time?"})
	first := indexOfMessage(msgs, domain.ChatMessage{Role: domain.ChatRoleUser, Content: "[Einstein]: " + out.Replies[0].Text})
	second := indexOfMessage(msgs, domain.ChatMessage{Role: domain.ChatRoleUser, Content: "[Shakespeare]: " + out.Replies[1].Text})
	require.NotEqual(t, -1, question)
	require.Less(t, question, first)
	require.Less(t, first, second)
	require.Equal(t, len(msgs)-1, second)

	turns := f.stored(t, "s1")
	require.Len(t, turns, 4)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	require.Equal(t, "Einstein", turns[1].PersonaID)
	require.Equal(t, "Shakespeare", turns[2].PersonaID)
	require.Equal(t, "MarieCurie", turns[3].PersonaID)

	require.Equal(t, int64(33), f.gov.Snapshot().DailyTokensConsumed)
	require.Equal(t, int64(3), f.svc.Stats().ByState[StagePersisted])
}

func indexOfMessage(msgs []domain.ChatMessage, want domain.ChatMessage) int {
	for i, m := range msgs {
		if m == want {
			return i
		}
	}
	return -1
}

func TestRoundtable_IsAdmittedOnce(t *testing.T) {
	limits := unlimited()
	limits.MaxPerWindow = 1
	f := newFixture(t, limits)

	out, err := f.svc.Roundtable(context.Background(), RoundtableInput{
		PersonaIDs: []string{"Einstein", "Shakespeare", "MarieCurie"},
		Message:    "hello",
		SessionID:  "s1",
	})
	require.NoError(t, err)
	require.Len(t, out.Replies, 3)

	_, err = f.svc.Roundtable(context.Background(), RoundtableInput{PersonaIDs: []string{"Einstein"}, Message: "again", SessionID: "s1"})
	expectChatError(t, err, ErrorWindowExceeded, "window_exceeded")
}

func TestRoundtable_DegradedReplyDoesNotStopRound(t *testing.T) {
	f := newFixture(t, unlimited(),
		failure(http.StatusInternalServerError),
		failure(http.StatusInternalServerError),
		reply("I carry on.", 3),
	)

	out, err := f.svc.Roundtable(context.Background(), RoundtableInput{PersonaIDs: []string{"Einstein", "Shakespeare"}, Message: "hello", SessionID: "s1"})
	require.NoError(t, err)
	require.True(t, out.Replies[0].Degraded)
	require.False(t, out.Replies[1].Degraded)
	require.Len(t, f.stored(t, "s1"), 3)
}

func TestRoundtable_ValidationErrors(t *testing.T) {
	f := newFixture(t, unlimited())
	ctx := context.Background()

	_, err := f.svc.Roundtable(ctx, RoundtableInput{Message: "hello"})
	expectChatError(t, err, ErrorInvalidInput, "no_personas")

	_, err = f.svc.Roundtable(ctx, RoundtableInput{PersonaIDs: []string{"Einstein", "Shakespeare", "MarieCurie", "Cleopatra"}, Message: "hello"})
	expectChatError(t, err, ErrorInvalidInput, "too_many_personas")

	_, err = f.svc.Roundtable(ctx, RoundtableInput{PersonaIDs: []string{"Einstein", "Nobody"}, Message: "hello"})
	expectChatError(t, err, ErrorInvalidInput, "unknown_persona")

	_, err = f.svc.Roundtable(ctx, RoundtableInput{PersonaIDs: []string{"Einstein", "einstein"}, Message: "hello"})
	expectChatError(t, err, ErrorInvalidInput, "duplicate_persona")

	_, err = f.svc.Roundtable(ctx, RoundtableInput{PersonaIDs: []string{"Einstein"}, Message: ""})
	expectChatError(t, err, ErrorInvalidInput, "empty_message")

	require.Zero(t, f.llm.calls())
}

func TestRoundtable_WriteFailureAbortsRound(t *testing.T) {
	f := newFixture(t, unlimited())
	f.turns.appendErr = errors.New("write failed")

	_, err := f.svc.Roundtable(context.Background(), RoundtableInput{PersonaIDs: []string{"Einstein", "Shakespeare"}, Message: "hello", SessionID: "s1"})
	expectChatError(t, err, ErrorInternal, "memory_write_error")
	require.Equal(t, 1, f.llm.calls())
}

func TestPersonas(t *testing.T) {
	f := newFixture(t, unlimited())
	personas := f.svc.Personas()
	require.NotEmpty(t, personas)
	ids := make([]string, 0, len(personas))
	for _, p := range personas {
		ids = append(ids, p.ID)
	}
	require.Contains(t, ids, "Einstein")
}

func TestGraph_DescribesStateMachine(t *testing.T) {
	f := newFixture(t, unlimited())
	g := f.svc.Graph()

	stages := make(map[Stage]bool, len(g.Stages))
	for _, s := range g.Stages {
		stages[s] = true
	}
	for _, s := range g.Terminal {
		require.True(t, s.Terminal())
		require.True(t, stages[s])
	}
	for _, tr := range g.Transitions {
		require.True(t, stages[tr.To], "unknown stage %s", tr.To)
		if tr.From != "" {
			require.True(t, stages[tr.From], "unknown stage %s", tr.From)
			require.False(t, tr.From.Terminal(), "transition leaves terminal stage %s", tr.From)
		}
	}

	g.Stages[0] = "MUTATED"
	require.Equal(t, StageAdmitted, f.svc.Graph().Stages[0])
}

func TestCorrelationAttr(t *testing.T) {
	require.Nil(t, correlationAttr(context.Background()))
	ctx := WithCorrelationID(context.Background(), "abc")
	require.Equal(t, []any{"correlation_id", "abc"}, correlationAttr(ctx))
}
