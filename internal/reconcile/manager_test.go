package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/store/memory"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestManager(cfg Config) *Manager {
	m := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	m.SetClock(func() time.Time { return base.Add(time.Hour) })
	return m
}

func position(status domain.PositionStatus, entry float64, at time.Time) domain.Position {
	return domain.Position{
		ID:         "p1",
		UserID:     "u1",
		AccountID:  "acct-1",
		Symbol:     "EURUSD",
		Volume:     1,
		EntryPrice: entry,
		Status:     status,
		UpdatedAt:  at,
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs []ConflictRecord
}

func (s *recordingSink) RecordConflict(_ context.Context, rec ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func TestObserve_FirstUpdateBecomesCanonical(t *testing.T) {
	m := newTestManager(DefaultConfig())
	rec, err := m.Observe(context.Background(), PositionUpdate(position(domain.PositionOpen, 1.1, base), SourceWebSocket))
	require.NoError(t, err)
	assert.Nil(t, rec)

	got, ok := m.Get(KindPosition, "p1")
	require.True(t, ok)
	assert.Equal(t, SourceWebSocket, got.Source)
	assert.Equal(t, int64(1), m.Stats().Applied)
}

func TestObserve_SameSourceStaleIgnored(t *testing.T) {
	m := newTestManager(DefaultConfig())
	ctx := context.Background()
	_, _ = m.Observe(ctx, PositionUpdate(position(domain.PositionOpen, 1.1, base.Add(time.Second)), SourceRemote))
	_, _ = m.Observe(ctx, PositionUpdate(position(domain.PositionOpening, 1.1, base), SourceRemote))

	got, _ := m.Get(KindPosition, "p1")
	assert.Equal(t, domain.PositionOpen, got.Position.Status)
	assert.Equal(t, int64(1), m.Stats().Stale)
}

func TestObserve_AgreementWithinToleranceIsNotAConflict(t *testing.T) {
	m := newTestManager(DefaultConfig())
	ctx := context.Background()
	_, _ = m.Observe(ctx, PositionUpdate(position(domain.PositionOpen, 1.10000, base), SourceWebSocket))
	rec, err := m.Observe(ctx, PositionUpdate(position(domain.PositionOpen, 1.10000, base.Add(500*time.Millisecond)), SourceRemote))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, int64(1), m.Stats().Agreements)
}

func TestObserve_TimestampPriority(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(DefaultConfig())
	m.AddSink(sink)
	ctx := context.Background()

	_, _ = m.Observe(ctx, PositionUpdate(position(domain.PositionOpen, 1.1050, base.Add(2*time.Second)), SourceWebSocket))
	rec, err := m.Observe(ctx, PositionUpdate(position(domain.PositionOpening, 1.1000, base), SourceRemote))
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, SourceWebSocket, rec.Winner)
	assert.ElementsMatch(t, []ConflictType{ConflictNumeric, ConflictStatus}, rec.Types)
	assert.Contains(t, rec.Fields, "entry_price")
	assert.Equal(t, domain.PositionOpening, rec.Losing.Position.Status, "losing update is retained")

	got, _ := m.Get(KindPosition, "p1")
	assert.Equal(t, SourceWebSocket, got.Source)
	assert.Len(t, sink.recs, 1)
}

func TestObserve_TimestampTieFallsBackToPreferredSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreferredSource = SourceRemote
	m := newTestManager(cfg)
	ctx := context.Background()

	_, _ = m.Observe(ctx, PositionUpdate(position(domain.PositionOpen, 1.1050, base), SourceWebSocket))
	rec, err := m.Observe(ctx, PositionUpdate(position(domain.PositionOpen, 1.1000, base), SourceRemote))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, SourceRemote, rec.Winner)
	assert.Contains(t, rec.Types, ConflictTiming)
}

func TestObserve_SourcePriorityIgnoresTimestamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategySourcePriority
	cfg.PreferredSource = SourceRemote
	m := newTestManager(cfg)
	ctx := context.Background()

	_, _ = m.Observe(ctx, PositionUpdate(position(domain.PositionOpening, 1.1, base), SourceRemote))
	rec, err := m.Observe(ctx, PositionUpdate(position(domain.PositionOpen, 1.1, base.Add(time.Minute)), SourceWebSocket))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, SourceRemote, rec.Winner)
	assert.Equal(t, []ConflictType{ConflictStatus}, rec.Types)

	got, _ := m.Get(KindPosition, "p1")
	assert.Equal(t, domain.PositionOpening, got.Position.Status)
}

func TestObserve_TimingConflictOnTinyDifference(t *testing.T) {
	m := newTestManager(DefaultConfig())
	ctx := context.Background()
	_, _ = m.Observe(ctx, AccountUpdate(domain.Account{ID: "acct-1", Balance: 1000, Equity: 1000.00001, UpdatedAt: base}, SourceWebSocket))
	rec, err := m.Observe(ctx, AccountUpdate(domain.Account{ID: "acct-1", Balance: 1000, Equity: 1000, UpdatedAt: base.Add(200 * time.Millisecond)}, SourceRemote))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []ConflictType{ConflictTiming}, rec.Types)
	assert.Equal(t, SourceRemote, rec.Winner)
}

func TestResolutionIsDeterministic(t *testing.T) {
	updates := []Update{
		PositionUpdate(position(domain.PositionOpen, 1.1050, base.Add(time.Second)), SourceWebSocket),
		PositionUpdate(position(domain.PositionOpening, 1.1000, base), SourceRemote),
		PositionUpdate(position(domain.PositionOpen, 1.1052, base.Add(1500*time.Millisecond)), SourceRemote),
		AccountUpdate(domain.Account{ID: "acct-1", Equity: 990, UpdatedAt: base}, SourceRemote),
		AccountUpdate(domain.Account{ID: "acct-1", Equity: 995, UpdatedAt: base}, SourceWebSocket),
	}

	for _, strategy := range []Strategy{StrategySourcePriority, StrategyTimestampPriority} {
		run := func() []ConflictRecord {
			cfg := DefaultConfig()
			cfg.Strategy = strategy
			m := newTestManager(cfg)
			for _, u := range updates {
				_, err := m.Observe(context.Background(), u)
				require.NoError(t, err)
			}
			return m.Conflicts(0)
		}
		first, second := run(), run()
		require.Equal(t, len(first), len(second), strategy)
		require.NotEmpty(t, first)
		for i := range first {
			assert.Equal(t, first[i].Winner, second[i].Winner)
			assert.Equal(t, first[i].Types, second[i].Types)
			assert.Equal(t, first[i].Winning, second[i].Winning)
			assert.Equal(t, first[i].Losing, second[i].Losing)
		}
	}
}

func TestConflictsHistoryBoundedNewestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 2
	cfg.Strategy = StrategySourcePriority
	m := newTestManager(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		_, _ = m.Observe(ctx, AccountUpdate(domain.Account{ID: id, Equity: 1, UpdatedAt: base}, SourceWebSocket))
		_, _ = m.Observe(ctx, AccountUpdate(domain.Account{ID: id, Equity: 2, UpdatedAt: base}, SourceRemote))
	}

	recs := m.Conflicts(0)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].EntityID)
	assert.Equal(t, "b", recs[1].EntityID)
	assert.Len(t, m.Conflicts(1), 1)
	assert.Equal(t, int64(3), m.Stats().Conflicts)
}

func TestObserve_Validation(t *testing.T) {
	m := newTestManager(DefaultConfig())
	_, err := m.Observe(context.Background(), Update{Kind: KindPosition, ID: "p1", Source: SourceRemote})
	assert.Error(t, err)
	_, err = m.Observe(context.Background(), Update{Kind: KindAccount, ID: "a1", Source: "disk", Account: &domain.Account{ID: "a1"}})
	assert.Error(t, err)
}

func TestOnChangeHook(t *testing.T) {
	m := newTestManager(DefaultConfig())
	var got []Update
	m.OnChange(func(u Update) { got = append(got, u) })
	ctx := context.Background()

	_, _ = m.Observe(ctx, PositionUpdate(position(domain.PositionOpen, 1.1, base), SourceWebSocket))
	_, _ = m.Observe(ctx, PositionUpdate(position(domain.PositionClosing, 1.1, base.Add(5*time.Second)), SourceRemote))

	require.Len(t, got, 2)
	assert.Equal(t, SourceRemote, got[1].Source)
}

func TestAuditSinkEnqueues(t *testing.T) {
	q := &captureQueue{}
	sink := NewAuditSink(q)
	require.NoError(t, sink.RecordConflict(context.Background(), ConflictRecord{ID: "c1", Kind: KindPosition, EntityID: "p1", Winner: SourceRemote}))

	require.Len(t, q.items, 1)
	assert.Equal(t, delivery.KindAudit, q.items[0].Kind)
	rec, ok := q.items[0].Payload.(delivery.AuditRecord)
	require.True(t, ok)
	assert.Equal(t, "reconcile_conflict", rec.Event)
	assert.Equal(t, "p1", rec.Detail["entity_id"])
}

type captureQueue struct{ items []delivery.Item }

func (q *captureQueue) Enqueue(it delivery.Item) (string, error) {
	q.items = append(q.items, it)
	return "id", nil
}

func TestRun_ObservesRemoteFeedAndPull(t *testing.T) {
	feed := memory.NewFeed()
	positions := memory.NewPositionStore(feed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, positions.Create(ctx, position(domain.PositionOpen, 1.1, base)))

	cfg := DefaultConfig()
	cfg.UserID = "u1"
	m := newTestManager(cfg)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, feed, positions) }()

	require.Eventually(t, func() bool {
		u, ok := m.Get(KindPosition, "p1")
		return ok && u.Source == SourceRemote
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPrune_DropsOldTerminalPositions(t *testing.T) {
	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	closed := position(domain.PositionClosed, 1.1, base)
	closed.ID = "closed-old"
	recent := position(domain.PositionStopped, 1.1, base.Add(50*time.Minute))
	recent.ID = "stopped-recent"
	open := position(domain.PositionOpen, 1.1, base)
	open.ID = "open-old"

	for _, p := range []domain.Position{closed, recent, open} {
		_, err := m.Observe(ctx, PositionUpdate(p, SourceRemote))
		require.NoError(t, err)
	}
	_, err := m.Observe(ctx, AccountUpdate(domain.Account{ID: "acct-1", UpdatedAt: base}, SourceWebSocket))
	require.NoError(t, err)
	require.Equal(t, 4, m.Stats().Entities)

	assert.Equal(t, 1, m.Prune(base.Add(30*time.Minute)))

	_, ok := m.Get(KindPosition, "closed-old")
	assert.False(t, ok)
	_, ok = m.Get(KindPosition, "stopped-recent")
	assert.True(t, ok)
	_, ok = m.Get(KindPosition, "open-old")
	assert.True(t, ok, "live positions are never pruned")
	_, ok = m.Get(KindAccount, "acct-1")
	assert.True(t, ok)
}
