package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/reconcile"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb), mr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLockManager_AcquireAndRelease(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "action:a1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:action:a1"))

	_, err = lm.Acquire(ctx, "action:a1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("lock:action:a1"))

	unlock2, err := lm.Acquire(ctx, "action:a1", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLockManager_StaleUnlockKeepsSuccessor(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "action:a1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlockNext, err := lm.Acquire(ctx, "action:a1", time.Minute)
	require.NoError(t, err)

	unlock()
	assert.True(t, mr.Exists("lock:action:a1"), "expired holder must not release the new lock")
	unlockNext()
	assert.False(t, mr.Exists("lock:action:a1"))
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ws:handshake:10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "ws:handshake:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "ws:handshake:10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, err = rl.Allow(ctx, "ws:handshake:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window slid past earlier requests")
}

func TestRateLimiter_ZeroLimitDisables(t *testing.T) {
	c, _ := newTestClient(t)
	ok, err := NewRateLimiter(c).Allow(context.Background(), "k", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus_PatternSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "ch:price:*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "ch:price:USDJPY", []byte("hello")))

	select {
	case got := <-ch:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestSignalBus_Streams(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, "stream:empty", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, "stream:x", []byte("one")))
	require.NoError(t, bus.StreamAppend(ctx, "stream:x", []byte("two")))

	msgs, err = bus.StreamRead(ctx, "stream:x", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, "stream:x", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "two", string(rest[0].Payload))
}

func TestPriceFeed_FiltersAndDecodes(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	feed := NewPriceFeed(bus, "ch:price:*", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, err := feed.Subscribe(ctx, "usdjpy")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "ch:price:EURUSD", []byte(`{"symbol":"EURUSD","bid":1.1,"ask":1.1002}`)))
	require.NoError(t, bus.Publish(ctx, "ch:price:USDJPY", []byte(`not json`)))
	require.NoError(t, bus.Publish(ctx, "ch:price:USDJPY", []byte(`{"symbol":"usdjpy","bid":150.25,"ask":150.27,"time":1767268800000}`)))

	select {
	case tk := <-ticks:
		assert.Equal(t, "USDJPY", tk.Symbol)
		assert.Equal(t, 150.25, tk.Bid)
		assert.Equal(t, time.UnixMilli(1767268800000).UTC(), tk.Time)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
}

func TestDecodeQuote_Rejects(t *testing.T) {
	_, err := decodeQuote([]byte(`{"bid":1}`))
	assert.Error(t, err)
	_, err = decodeQuote([]byte(`{"symbol":"EURUSD"}`))
	assert.Error(t, err)
}

func TestChangeBus_RoundTripFiltersByUser(t *testing.T) {
	c, _ := newTestClient(t)
	cb := NewChangeBus(NewSignalBus(c), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	actions, err := cb.SubscribeActions(ctx, "u1")
	require.NoError(t, err)
	positions, err := cb.SubscribePositions(ctx, "u1")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, cb.PublishAction(ctx, domain.Action{
		ID: "a0", UserID: "u2", PositionID: "p0", Type: domain.ActionEntry, Status: domain.ActionExecuting,
	}))
	require.NoError(t, cb.PublishAction(ctx, domain.Action{
		ID: "a1", UserID: "u1", PositionID: "p1", Type: domain.ActionEntry, Status: domain.ActionExecuting, UpdatedAt: now,
	}))
	w := 15.0
	require.NoError(t, cb.PublishPosition(ctx, domain.Position{
		ID: "p1", UserID: "u1", AccountID: "acct-1", Symbol: "EURUSD", Volume: 1,
		TrailWidth: &w, TriggerActionIDs: []string{"a2"}, Status: domain.PositionOpen,
	}))

	select {
	case a := <-actions:
		assert.Equal(t, "a1", a.ID)
		assert.True(t, now.Equal(a.UpdatedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("no action")
	}
	select {
	case p := <-positions:
		assert.Equal(t, []string{"a2"}, p.TriggerActionIDs)
		require.NotNil(t, p.TrailWidth)
		assert.Equal(t, 15.0, *p.TrailWidth)
	case <-time.After(2 * time.Second):
		t.Fatal("no position")
	}
}

func TestConflictStream_Appends(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	sink := NewConflictStream(bus)

	rec := reconcile.ConflictRecord{
		ID:       "c1",
		Kind:     reconcile.KindPosition,
		EntityID: "p1",
		Types:    []reconcile.ConflictType{reconcile.ConflictStatus},
		Strategy: reconcile.StrategyTimestampPriority,
		Winner:   reconcile.SourceWebSocket,
	}
	require.NoError(t, sink.RecordConflict(context.Background(), rec))

	msgs, err := bus.StreamRead(context.Background(), ConflictStreamKey, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "c1", got["conflict_id"])
	assert.Equal(t, "websocket", got["winner"])
	assert.Equal(t, []any{"status_divergence"}, got["types"])
}

func TestConflictStream_ReplayFromCursor(t *testing.T) {
	c, _ := newTestClient(t)
	stream := NewConflictStream(NewSignalBus(c))
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, stream.RecordConflict(ctx, reconcile.ConflictRecord{
			ID: id, Kind: reconcile.KindPosition, EntityID: "p1", Winner: reconcile.SourceRemote,
		}))
	}

	first, err := stream.Replay(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "c1", first[0].Conflict["conflict_id"])

	rest, err := stream.Replay(ctx, first[1].StreamID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c3", rest[0].Conflict["conflict_id"])
}
