package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgecoord/internal/config"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Store.Backend = "memory"
	cfg.Redis.Enabled = false
	cfg.Coordinator.UserID = "user-1"
	cfg.Server.AuthToken = "terminal-secret"
	cfg.Server.Port = 0
	return &cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *Dependencies) {
	t.Helper()
	a := New(cfg, discardLogger())
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return a, deps
}

func TestWire_MemoryBackend(t *testing.T) {
	_, deps := newTestApp(t, memoryConfig())

	assert.NotNil(t, deps.Positions)
	assert.NotNil(t, deps.Actions)
	assert.NotNil(t, deps.Feed)
	assert.NotNil(t, deps.Notifier)
	assert.NotNil(t, deps.Metrics)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.PriceFeed)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Checks)
}

func TestWire_RedisChangeBus(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Store.Feed = "redis"

	_, deps := newTestApp(t, cfg)
	require.Contains(t, deps.Checks, "redis")
	assert.NoError(t, deps.Checks["redis"](context.Background()))
	assert.NotNil(t, deps.LockManager)
	assert.NotNil(t, deps.PriceFeed)
	assert.NotNil(t, deps.ConflictStream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := deps.Feed.SubscribePositions(ctx, "user-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, deps.Positions.Create(ctx, domain.Position{
		ID: "p1", UserID: "user-1", AccountID: "acc-1", Symbol: "EURUSD", Volume: 1,
		Status: domain.PositionPending, CreatedAt: now, UpdatedAt: now,
	}))
	select {
	case p := <-ch:
		assert.Equal(t, "p1", p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("position change not published on the bus")
	}
}

func TestWire_RejectsRedisFeedWithoutRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Feed = "redis"
	_, _, err := Wire(context.Background(), cfg, discardLogger())
	assert.Error(t, err)
}

func TestRestore_ArmsTrailForOpenPositions(t *testing.T) {
	a, deps := newTestApp(t, memoryConfig())
	ctx := context.Background()
	now := time.Now().UTC()
	width := 10.0

	for _, p := range []domain.Position{
		{ID: "trailed", Symbol: "EURUSD", Volume: 1, EntryPrice: 1.1, TrailWidth: &width, Status: domain.PositionOpen},
		{ID: "plain", Symbol: "USDJPY", Volume: -1, EntryPrice: 150, Status: domain.PositionOpen},
		{ID: "pending", Symbol: "GBPUSD", Volume: 1, TrailWidth: &width, Status: domain.PositionPending},
		{ID: "done", Symbol: "EURUSD", Volume: 1, TrailWidth: &width, Status: domain.PositionClosed},
	} {
		p.UserID, p.AccountID = "user-1", "acc-1"
		p.CreatedAt, p.UpdatedAt = now, now
		require.NoError(t, deps.Positions.Create(ctx, p))
	}

	e := a.buildEngine(deps)
	require.NoError(t, a.restore(ctx, e))

	assert.Len(t, e.book.List(), 3)
	assert.Equal(t, 1, e.trail.Stats().Monitors)
	assert.True(t, e.trail.Monitored("trailed"))
}

func TestEngine_AdminRoutes(t *testing.T) {
	a, deps := newTestApp(t, memoryConfig())
	h := a.buildEngine(deps).http.Handler()

	for _, path := range []string{"/api/health", "/api/status", "/api/locks", "/api/monitors", "/api/delivery/health", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Contains(t, rec.Body.String(), `"store_backend":"memory"`)
	assert.Contains(t, rec.Body.String(), `"coordinator"`)
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := memoryConfig()
	cfg.Server.Host = "127.0.0.1"
	a, deps := newTestApp(t, cfg)
	e := a.buildEngine(deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, e) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
