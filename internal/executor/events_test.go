package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/protocol"
	"github.com/alanyoungcy/hedgecoord/internal/server/ws"
	"github.com/alanyoungcy/hedgecoord/internal/trail"
)

type fakeTrail struct {
	mu      sync.Mutex
	added   []string
	removed []string
	stopped []string
	ticks   []domain.Tick
}

func (f *fakeTrail) AddMonitoring(p domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, p.ID)
	return nil
}

func (f *fakeTrail) RemoveMonitoring(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return true
}

func (f *fakeTrail) StopOut(_ context.Context, p domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, p.ID)
	return nil
}

func (f *fakeTrail) OnTick(t domain.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, t)
}

type fakeObserver struct {
	mu        sync.Mutex
	positions []domain.Position
	accounts  []domain.Account
}

func (o *fakeObserver) ObservePosition(_ context.Context, p domain.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.positions = append(o.positions, p)
}

func (o *fakeObserver) ObserveAccount(_ context.Context, a domain.Account) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accounts = append(o.accounts, a)
}

func event(msg protocol.Message) ws.InboundEvent {
	return ws.InboundEvent{ConnID: "c1", AccountID: "acct-1", Message: msg, ReceivedAt: time.Now()}
}

func header(t protocol.MessageType) protocol.Header {
	return protocol.NewHeader(t, time.Now())
}

func TestRouter_OpenedStartsMonitoring(t *testing.T) {
	h := newHarness(t)
	h.addPosition(t, "p1", domain.PositionOpening, 1)
	tr, obs := &fakeTrail{}, &fakeObserver{}
	r := NewEventRouter(h.book, tr, obs, discardLogger())

	err := r.Handle(context.Background(), event(&protocol.Opened{
		Header: header(protocol.TypeOpened), PositionID: "p1", OrderID: "o1", Price: 150.31, MTTicket: 7781,
	}))
	require.NoError(t, err)

	p, _ := h.book.Get(context.Background(), "p1")
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.Equal(t, 150.31, p.EntryPrice)
	assert.Equal(t, int64(7781), p.MTTicket)
	assert.Equal(t, []string{"p1"}, tr.added)
	require.Len(t, obs.positions, 1)
	assert.Equal(t, domain.PositionOpen, obs.positions[0].Status)
}

func TestRouter_OpenedForPendingIsRejected(t *testing.T) {
	h := newHarness(t)
	h.addPosition(t, "p1", domain.PositionPending, 1)
	tr := &fakeTrail{}
	r := NewEventRouter(h.book, tr, nil, discardLogger())

	err := r.Handle(context.Background(), event(&protocol.Opened{
		Header: header(protocol.TypeOpened), PositionID: "p1", OrderID: "o1", Price: 1.1,
	}))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, tr.added)
}

func TestRouter_ClosedRemovesMonitoring(t *testing.T) {
	h := newHarness(t)
	h.addPosition(t, "p1", domain.PositionClosing, 1)
	tr := &fakeTrail{}
	r := NewEventRouter(h.book, tr, nil, discardLogger())

	require.NoError(t, r.Handle(context.Background(), event(&protocol.Closed{
		Header: header(protocol.TypeClosed), PositionID: "p1", Price: 150.50, Profit: 12.5,
	})))

	p, _ := h.book.Get(context.Background(), "p1")
	assert.Equal(t, domain.PositionClosed, p.Status)
	assert.Equal(t, 12.5, p.Profit)
	assert.Equal(t, []string{"p1"}, tr.removed)
}

func TestRouter_StoppedCascadesTriggerActions(t *testing.T) {
	h := newHarness(t)
	w := 20.0
	require.NoError(t, h.positions.Create(context.Background(), domain.Position{
		ID:               "p1",
		UserID:           "u1",
		AccountID:        "acct-1",
		Symbol:           "USDJPY",
		Volume:           1,
		EntryPrice:       150.25,
		TrailWidth:       &w,
		TriggerActionIDs: []string{"a1", "a2"},
		Status:           domain.PositionOpen,
	}))
	h.addAction(t, "a1", "p2", domain.ActionEntry, domain.ActionPending, "u1")
	h.addAction(t, "a2", "p3", domain.ActionClose, domain.ActionPending, "u1")

	engine := trail.NewEngine(trail.NewPipTable(nil, 0), h.coord, discardLogger(), nil)
	p, err := h.book.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, engine.AddMonitoring(p))

	r := NewEventRouter(h.book, engine, nil, discardLogger())
	require.NoError(t, r.Handle(context.Background(), event(&protocol.Stopped{
		Header: header(protocol.TypeStopped), PositionID: "p1", Price: 149.90, Reason: "margin_call",
	})))
	r.Wait()

	for _, id := range []string{"a1", "a2"} {
		a, err := h.actions.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionExecuting, a.Status, id)
	}
	stopped, _ := h.book.Get(context.Background(), "p1")
	assert.Equal(t, domain.PositionStopped, stopped.Status)
	assert.Equal(t, 149.90, stopped.ExitPrice)
	assert.False(t, engine.Monitored("p1"))

	// A later trail evaluation cannot re-trigger the consumed list.
	assert.ErrorIs(t, h.coord.Cascade(context.Background(), "p1", []string{"a1", "a2"}), domain.ErrTriggersConsumed)
}

func TestRouter_ErrorCancelsOpeningPosition(t *testing.T) {
	h := newHarness(t)
	h.addPosition(t, "p1", domain.PositionOpening, 1)
	h.addPosition(t, "p2", domain.PositionOpen, 1)
	alerts := &fakeAlerter{}
	r := NewEventRouter(h.book, nil, nil, discardLogger())
	r.SetAlerter(alerts)

	require.NoError(t, r.Handle(context.Background(), event(&protocol.Error{
		Header: header(protocol.TypeError), PositionID: "p1", Message: "not enough money", ErrorCode: "10019",
	})))
	require.NoError(t, r.Handle(context.Background(), event(&protocol.Error{
		Header: header(protocol.TypeError), PositionID: "p2", Message: "requote",
	})))

	p1, _ := h.book.Get(context.Background(), "p1")
	p2, _ := h.book.Get(context.Background(), "p2")
	assert.Equal(t, domain.PositionCanceled, p1.Status)
	assert.Equal(t, domain.PositionOpen, p2.Status)
	assert.Equal(t, []string{"terminal_error", "terminal_error"}, alerts.Events())
}

func TestRouter_InfoUpdatesAccount(t *testing.T) {
	h := newHarness(t)
	obs := &fakeObserver{}
	r := NewEventRouter(h.book, nil, obs, discardLogger())
	r.SetQueue(h.queue)

	require.NoError(t, r.Handle(context.Background(), event(&protocol.Info{
		Header:  header(protocol.TypeInfo),
		Account: &protocol.AccountInfo{Balance: 10000, Equity: 10120.5, Margin: 300, FreeMargin: 9820.5},
	})))
	require.NoError(t, r.Handle(context.Background(), event(&protocol.Info{Header: header(protocol.TypeInfo)})))

	require.Len(t, obs.accounts, 1)
	assert.Equal(t, "acct-1", obs.accounts[0].ID)
	assert.Equal(t, 10120.5, obs.accounts[0].Equity)

	items := h.queue.Items(delivery.KindAccountUpsert)
	require.Len(t, items, 1)
	assert.Equal(t, "acct-1", items[0].Payload.(domain.Account).ID)
}

func TestRouter_PriceFeedsTrail(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTrail{}
	r := NewEventRouter(h.book, tr, nil, discardLogger())

	require.NoError(t, r.Handle(context.Background(), event(&protocol.Price{
		Header: header(protocol.TypePrice), Symbol: "USDJPY", Bid: 150.1, Ask: 150.12,
	})))
	require.Len(t, tr.ticks, 1)
	assert.Equal(t, "USDJPY", tr.ticks[0].Symbol)
	assert.Equal(t, int64(1), r.Stats().Prices)
}

func TestRouter_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	r := NewEventRouter(h.book, nil, nil, discardLogger())
	events := make(chan ws.InboundEvent, 1)
	events <- event(&protocol.Closed{Header: header(protocol.TypeClosed), PositionID: "missing", Price: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, events) }()

	require.Eventually(t, func() bool { return r.Stats().Rejected == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
