package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/protocol"
	"github.com/alanyoungcy/hedgecoord/internal/server/ws"
)

// TrailMonitor is the part of the trail engine the router drives.
type TrailMonitor interface {
	AddMonitoring(p domain.Position) error
	RemoveMonitoring(positionID string) bool
	StopOut(ctx context.Context, p domain.Position) error
	OnTick(t domain.Tick)
}

// Observer receives terminal-side observations for reconciliation.
type Observer interface {
	ObservePosition(ctx context.Context, p domain.Position)
	ObserveAccount(ctx context.Context, a domain.Account)
}

// RouterStats is a point-in-time view of the router counters.
type RouterStats struct {
	Events   int64 `json:"events"`
	Opened   int64 `json:"opened"`
	Closed   int64 `json:"closed"`
	Stopped  int64 `json:"stopped"`
	Errors   int64 `json:"errors"`
	Infos    int64 `json:"infos"`
	Prices   int64 `json:"prices"`
	Rejected int64 `json:"rejected"`
}

// EventRouter applies terminal events to the position book and fans them out
// to the trail engine and reconciliation.
type EventRouter struct {
	book     *PositionBook
	trail    TrailMonitor
	observer Observer
	queue    Enqueuer
	alerter  Alerter
	logger   *slog.Logger

	wg sync.WaitGroup

	events   atomic.Int64
	opened   atomic.Int64
	closed   atomic.Int64
	stopped  atomic.Int64
	failures atomic.Int64
	infos    atomic.Int64
	prices   atomic.Int64
	rejected atomic.Int64
}

// NewEventRouter creates a router. trail and observer may be nil.
func NewEventRouter(book *PositionBook, trail TrailMonitor, observer Observer, logger *slog.Logger) *EventRouter {
	return &EventRouter{
		book:     book,
		trail:    trail,
		observer: observer,
		logger:   logger.With(slog.String("component", "event_router")),
	}
}

// SetQueue enables durable writes of terminal-reported account snapshots.
func (r *EventRouter) SetQueue(q Enqueuer) { r.queue = q }

// SetAlerter enables operator notifications for terminal errors.
func (r *EventRouter) SetAlerter(a Alerter) { r.alerter = a }

// Run consumes events until ctx is cancelled or the channel closes.
func (r *EventRouter) Run(ctx context.Context, events <-chan ws.InboundEvent) error {
	r.logger.Info("event router started")
	defer r.logger.Info("event router stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Handle(ctx, ev); err != nil {
				r.rejected.Add(1)
				r.logger.Warn("terminal event not applied",
					slog.String("type", string(ev.Message.MessageType())),
					slog.String("account_id", ev.AccountID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Handle applies one terminal event.
func (r *EventRouter) Handle(ctx context.Context, ev ws.InboundEvent) error {
	r.events.Add(1)
	switch m := ev.Message.(type) {
	case *protocol.Opened:
		r.opened.Add(1)
		return r.onOpened(ctx, m)
	case *protocol.Closed:
		r.closed.Add(1)
		return r.onClosed(ctx, m)
	case *protocol.Stopped:
		r.stopped.Add(1)
		return r.onStopped(ctx, m)
	case *protocol.Error:
		r.failures.Add(1)
		return r.onError(ctx, ev.AccountID, m)
	case *protocol.Info:
		r.infos.Add(1)
		r.onInfo(ctx, ev, m)
		return nil
	case *protocol.Price:
		r.prices.Add(1)
		if r.trail != nil {
			r.trail.OnTick(domain.Tick{Symbol: m.Symbol, Bid: m.Bid, Ask: m.Ask, Time: m.Time})
		}
		return nil
	default:
		return fmt.Errorf("executor: unexpected terminal message %s", ev.Message.MessageType())
	}
}

func (r *EventRouter) onOpened(ctx context.Context, m *protocol.Opened) error {
	pos, err := r.book.Transition(ctx, m.PositionID, domain.PositionOpen, func(p *domain.Position) {
		p.EntryPrice = m.Price
		if m.MTTicket != 0 {
			p.MTTicket = m.MTTicket
		}
	})
	if err != nil {
		return fmt.Errorf("executor: opened %s: %w", m.PositionID, err)
	}
	r.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("order_id", m.OrderID),
		slog.Float64("price", m.Price),
	)
	if r.trail != nil && pos.HasTrail() {
		if err := r.trail.AddMonitoring(pos); err != nil {
			r.logger.Error("trail monitoring not started",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	r.observe(ctx, pos)
	return nil
}

func (r *EventRouter) onClosed(ctx context.Context, m *protocol.Closed) error {
	pos, err := r.book.Transition(ctx, m.PositionID, domain.PositionClosed, func(p *domain.Position) {
		p.ExitPrice = m.Price
		p.Profit = m.Profit
	})
	if err != nil {
		return fmt.Errorf("executor: closed %s: %w", m.PositionID, err)
	}
	if r.trail != nil {
		r.trail.RemoveMonitoring(pos.ID)
	}
	r.logger.Info("position closed",
		slog.String("position_id", pos.ID),
		slog.Float64("price", m.Price),
		slog.Float64("profit", m.Profit),
	)
	r.observe(ctx, pos)
	return nil
}

// onStopped records a broker forced closure and cascades the position's
// trigger actions in the background.
func (r *EventRouter) onStopped(ctx context.Context, m *protocol.Stopped) error {
	pos, err := r.book.Transition(ctx, m.PositionID, domain.PositionStopped, func(p *domain.Position) {
		p.ExitPrice = m.Price
	})
	if err != nil {
		return fmt.Errorf("executor: stopped %s: %w", m.PositionID, err)
	}
	r.logger.Warn("position stopped out",
		slog.String("position_id", pos.ID),
		slog.Float64("price", m.Price),
		slog.String("reason", m.Reason),
	)
	r.observe(ctx, pos)

	if r.trail == nil {
		return nil
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.trail.StopOut(context.WithoutCancel(ctx), pos); err != nil {
			r.logger.Error("stop-out cascade failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

func (r *EventRouter) onError(ctx context.Context, accountID string, m *protocol.Error) error {
	r.logger.Error("terminal reported error",
		slog.String("account_id", accountID),
		slog.String("position_id", m.PositionID),
		slog.String("error_code", m.ErrorCode),
		slog.String("message", m.Message),
	)
	if r.alerter != nil {
		msg := fmt.Sprintf("account %s position %s: %s %s", accountID, m.PositionID, m.ErrorCode, m.Message)
		if err := r.alerter.Notify(ctx, "terminal_error", "Terminal error", msg); err != nil {
			r.logger.Warn("terminal error alert failed", slog.String("error", err.Error()))
		}
	}
	if m.PositionID == "" {
		return nil
	}

	pos, err := r.book.Get(ctx, m.PositionID)
	if err != nil {
		return fmt.Errorf("executor: error for %s: %w", m.PositionID, err)
	}
	if pos.Status != domain.PositionOpening {
		return nil
	}
	pos, err = r.book.Transition(ctx, pos.ID, domain.PositionCanceled, nil)
	if err != nil {
		return fmt.Errorf("executor: cancel %s: %w", m.PositionID, err)
	}
	r.observe(ctx, pos)
	return nil
}

func (r *EventRouter) onInfo(ctx context.Context, ev ws.InboundEvent, m *protocol.Info) {
	if m.Account == nil {
		return
	}
	accountID := m.AccountID
	if accountID == "" {
		accountID = ev.AccountID
	}
	if accountID == "" {
		r.logger.Debug("account snapshot without account id ignored")
		return
	}
	at := ev.ReceivedAt
	if m.Timestamp.After(at) || at.IsZero() {
		at = m.Timestamp
	}
	acct := domain.Account{
		ID:         accountID,
		Balance:    m.Account.Balance,
		Equity:     m.Account.Equity,
		Margin:     m.Account.Margin,
		FreeMargin: m.Account.FreeMargin,
		Profit:     m.Account.Profit,
		UpdatedAt:  at.UTC(),
	}
	if r.observer != nil {
		r.observer.ObserveAccount(ctx, acct)
	}
	if r.queue == nil {
		return
	}
	if _, err := r.queue.Enqueue(delivery.Item{
		Kind:     delivery.KindAccountUpsert,
		Key:      acct.ID,
		Payload:  acct,
		Priority: delivery.PriorityLow,
	}); err != nil {
		r.logger.Warn("account write not queued",
			slog.String("account_id", acct.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *EventRouter) observe(ctx context.Context, p domain.Position) {
	if r.observer != nil {
		r.observer.ObservePosition(ctx, p)
	}
}

// Wait blocks until background stop-out cascades have returned.
func (r *EventRouter) Wait() {
	r.wg.Wait()
}

// Stats returns current counters.
func (r *EventRouter) Stats() RouterStats {
	return RouterStats{
		Events:   r.events.Load(),
		Opened:   r.opened.Load(),
		Closed:   r.closed.Load(),
		Stopped:  r.stopped.Load(),
		Errors:   r.failures.Load(),
		Infos:    r.infos.Load(),
		Prices:   r.prices.Load(),
		Rejected: r.rejected.Load(),
	}
}
