package usage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"echoroom-agent/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordUsage_DailyTotal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	recs := []domain.UsageRecord{
		{Timestamp: day, SessionID: "s1", PersonaID: "Einstein", Model: "gpt-4o-mini", Provider: "openai", Tokens: 120, InputTokens: 100, OutputTokens: 20},
		{Timestamp: day.Add(time.Hour), SessionID: "s1", PersonaID: "Cleopatra", Model: "gpt-4o-mini", Provider: "openai", Tokens: 80},
		{Timestamp: day.Add(-11 * time.Hour), SessionID: "s2", PersonaID: "Einstein", Model: "gpt-4o-mini", Provider: "openai", Tokens: 999},
	}
	for _, rec := range recs {
		require.NoError(t, s.RecordUsage(ctx, rec))
	}

	total, err := s.DailyTotal(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, int64(200), total)

	total, err = s.DailyTotal(ctx, "2026-03-13")
	require.NoError(t, err)
	require.Equal(t, int64(999), total)

	total, err = s.DailyTotal(ctx, "2026-03-15")
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordUsage(ctx, domain.UsageRecord{Timestamp: ts, SessionID: "s1", PersonaID: "Einstein", Tokens: 30, InputTokens: 20, OutputTokens: 10}))
	require.NoError(t, s.RecordUsage(ctx, domain.UsageRecord{Timestamp: ts, SessionID: "s1", PersonaID: "Einstein", Tokens: 15, InputTokens: 10, OutputTokens: 5}))
	require.NoError(t, s.RecordUsage(ctx, domain.UsageRecord{Timestamp: ts, SessionID: "s1", PersonaID: "Cleopatra", Tokens: 7}))

	sum, err := s.Summary(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, Summary{TotalRecords: 3, TotalTokens: 52, TotalInputTokens: 30, TotalOutputTokens: 15}, sum)

	byPersona, err := s.SummaryByPersona(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Len(t, byPersona, 2)
	require.Equal(t, int64(45), byPersona["Einstein"].TotalTokens)
	require.Equal(t, 1, byPersona["Cleopatra"].TotalRecords)
}

func TestRecordUsage_AssignsIDAndTimestamp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC) }

	require.NoError(t, s.RecordUsage(ctx, domain.UsageRecord{SessionID: "s1", PersonaID: "Einstein", Tokens: 5}))
	require.NoError(t, s.RecordUsage(ctx, domain.UsageRecord{SessionID: "s1", PersonaID: "Einstein", Tokens: 5}))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(DISTINCT id) FROM usage_records`).Scan(&n))
	require.Equal(t, 2, n)

	total, err := s.DailyTotal(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, int64(10), total)
}

func TestRecordUsage_DuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := domain.UsageRecord{ID: "fixed", SessionID: "s1", PersonaID: "Einstein", Tokens: 1}
	require.NoError(t, s.RecordUsage(ctx, rec))
	require.Error(t, s.RecordUsage(ctx, rec))
}

func TestNewStore_Memory(t *testing.T) {
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RecordUsage(ctx, domain.UsageRecord{SessionID: "s", PersonaID: "Einstein", Tokens: 3})
		}()
	}
	wg.Wait()

	total, err := s.DailyTotal(ctx, time.Now().UTC().Format(time.DateOnly))
	require.NoError(t, err)
	require.Equal(t, int64(30), total)
}

func TestNewStore_EmptyPath(t *testing.T) {
	_, err := NewStore(" ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestNewStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordUsage(ctx, domain.UsageRecord{
		Timestamp: time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC), SessionID: "s", PersonaID: "Einstein", Tokens: 42,
	}))
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	total, err := s.DailyTotal(ctx, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, int64(42), total)
}
