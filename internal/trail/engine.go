// Package trail implements the trailing-stop trigger engine. It watches
// price ticks for open positions and, when price retraces by the configured
// trail width from its best level, hands the position's trigger actions to
// the coordinator.
package trail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/metrics"
)

// ErrNegativeWidth is returned by AddMonitoring for a negative trail width.
var ErrNegativeWidth = errors.New("trail: negative trail width")

// Cascader executes a position's trigger actions. The coordinator implements
// it.
type Cascader interface {
	Cascade(ctx context.Context, positionID string, actionIDs []string) error
}

// Fire causes.
const (
	CauseTrail   = "trail"
	CauseStopOut = "stop_out"
)

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	Monitors    int           `json:"monitors"`
	Ticks       int64         `json:"ticks"`
	Fires       int64         `json:"fires"`
	StopOuts    int64         `json:"stop_outs"`
	CascadeErrs int64         `json:"cascade_errors"`
	LastEval    time.Duration `json:"last_eval_ns"`
	MaxEval     time.Duration `json:"max_eval_ns"`
}

// Engine owns the trail monitors. Ticks may arrive from several goroutines;
// the engine lock only guards the monitor index and is never held while a
// monitor is evaluated.
type Engine struct {
	pips           *PipTable
	cascader       Cascader
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	cascadeTimeout time.Duration

	mu       sync.RWMutex
	monitors map[string]*Monitor
	bySymbol map[string]map[string]*Monitor

	wg sync.WaitGroup

	ticks       atomic.Int64
	fires       atomic.Int64
	stopOuts    atomic.Int64
	cascadeErrs atomic.Int64
	lastEval    atomic.Int64
	maxEval     atomic.Int64
}

// NewEngine creates an Engine. m may be nil.
func NewEngine(pips *PipTable, cascader Cascader, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if pips == nil {
		pips = NewPipTable(nil, 0)
	}
	return &Engine{
		pips:           pips,
		cascader:       cascader,
		logger:         logger.With(slog.String("component", "trail")),
		metrics:        m,
		now:            time.Now,
		cascadeTimeout: time.Minute,
		monitors:       make(map[string]*Monitor),
		bySymbol:       make(map[string]map[string]*Monitor),
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// AddMonitoring starts watching p. Positions without a trail width are
// ignored; a width of zero fires on the first evaluated tick. Adding a
// position that is already monitored is a no-op.
func (e *Engine) AddMonitoring(p domain.Position) error {
	if p.TrailWidth == nil {
		return nil
	}
	if *p.TrailWidth < 0 {
		return fmt.Errorf("trail: position %s: %w", p.ID, ErrNegativeWidth)
	}
	if p.Status != domain.PositionOpen {
		return fmt.Errorf("trail: position %s is %s, not OPEN", p.ID, p.Status)
	}

	threshold := e.pips.Distance(p.Symbol, *p.TrailWidth)
	m := newMonitor(p, threshold, e.now())

	e.mu.Lock()
	if _, ok := e.monitors[p.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.monitors[p.ID] = m
	idx := e.bySymbol[m.symbol]
	if idx == nil {
		idx = make(map[string]*Monitor)
		e.bySymbol[m.symbol] = idx
	}
	idx[p.ID] = m
	n := len(e.monitors)
	e.mu.Unlock()

	e.metrics.SetTrailMonitors(n)
	e.logger.Info("trail monitoring started",
		slog.String("position_id", p.ID),
		slog.String("symbol", m.symbol),
		slog.String("side", string(m.side)),
		slog.Float64("width_pips", m.width),
		slog.String("threshold", threshold.String()),
	)
	return nil
}

// RemoveMonitoring stops watching positionID without firing. It reports
// whether a monitor existed.
func (e *Engine) RemoveMonitoring(positionID string) bool {
	m := e.remove(positionID)
	if m == nil {
		return false
	}
	m.deactivate()
	e.logger.Debug("trail monitoring removed", slog.String("position_id", positionID))
	return true
}

func (e *Engine) remove(positionID string) *Monitor {
	e.mu.Lock()
	m, ok := e.monitors[positionID]
	if ok {
		delete(e.monitors, positionID)
		if idx := e.bySymbol[m.symbol]; idx != nil {
			delete(idx, positionID)
			if len(idx) == 0 {
				delete(e.bySymbol, m.symbol)
			}
		}
	}
	n := len(e.monitors)
	e.mu.Unlock()
	if ok {
		e.metrics.SetTrailMonitors(n)
	}
	return m
}

// OnTick evaluates every monitor on the tick's symbol. Longs are evaluated at
// the bid and shorts at the ask.
func (e *Engine) OnTick(t domain.Tick) {
	start := time.Now()
	e.ticks.Add(1)

	e.mu.RLock()
	idx := e.bySymbol[normalizeSymbol(t.Symbol)]
	targets := make([]*Monitor, 0, len(idx))
	for _, m := range idx {
		targets = append(targets, m)
	}
	e.mu.RUnlock()

	for _, m := range targets {
		px := t.PriceFor(m.side)
		if px <= 0 {
			continue
		}
		if m.evaluate(decimal.NewFromFloat(px)) {
			e.fire(m, px)
		}
	}

	elapsed := time.Since(start)
	e.lastEval.Store(int64(elapsed))
	for {
		cur := e.maxEval.Load()
		if int64(elapsed) <= cur || e.maxEval.CompareAndSwap(cur, int64(elapsed)) {
			break
		}
	}
	e.metrics.ObserveTickEval(elapsed.Seconds())
}

// fire removes a monitor that just fired and starts its cascade in the
// background so tick evaluation never waits on the store.
func (e *Engine) fire(m *Monitor, price float64) {
	e.remove(m.positionID)
	e.fires.Add(1)
	e.metrics.TrailFired(CauseTrail)

	info := m.info()
	e.logger.Info("trail fired",
		slog.String("position_id", m.positionID),
		slog.String("symbol", m.symbol),
		slog.Float64("price", price),
		slog.String("high_water_mark", info.HighWaterMark),
		slog.String("drawdown", info.Drawdown),
		slog.Int("trigger_actions", len(m.triggers)),
	)

	if len(m.triggers) == 0 || e.cascader == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cascadeTimeout)
		defer cancel()
		e.cascade(ctx, m.positionID, m.triggers, CauseTrail)
	}()
}

// StopOut handles a broker forced closure: any monitor for the position is
// dropped and its trigger actions cascade immediately without waiting for a
// tick.
func (e *Engine) StopOut(ctx context.Context, p domain.Position) error {
	triggers := p.TriggerActionIDs
	if m := e.remove(p.ID); m != nil {
		if !m.deactivate() {
			// The monitor fired concurrently and owns the cascade.
			return nil
		}
		if len(m.triggers) > 0 {
			triggers = m.triggers
		}
	}
	e.stopOuts.Add(1)
	e.metrics.TrailFired(CauseStopOut)
	e.logger.Warn("position stopped out, cascading trigger actions",
		slog.String("position_id", p.ID),
		slog.Int("trigger_actions", len(triggers)),
	)
	if len(triggers) == 0 || e.cascader == nil {
		return nil
	}
	return e.cascade(ctx, p.ID, triggers, CauseStopOut)
}

func (e *Engine) cascade(ctx context.Context, positionID string, ids []string, cause string) error {
	err := e.cascader.Cascade(ctx, positionID, ids)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTriggersConsumed):
		e.logger.Debug("trigger actions already consumed", slog.String("position_id", positionID))
		return nil
	default:
		e.cascadeErrs.Add(1)
		e.logger.Error("trigger cascade failed",
			slog.String("position_id", positionID),
			slog.String("cause", cause),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("trail: cascade %s: %w", positionID, err)
	}
}

// Run evaluates ticks from an external feed until ctx is cancelled or the
// feed closes.
func (e *Engine) Run(ctx context.Context, ticks <-chan domain.Tick) error {
	e.logger.Info("trail engine consuming price feed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				e.logger.Warn("price feed closed")
				return nil
			}
			e.OnTick(t)
		}
	}
}

// Wait blocks until every background cascade has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Monitored reports whether positionID has an active monitor.
func (e *Engine) Monitored(positionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.monitors[positionID]
	return ok
}

// Monitors lists the active monitors, oldest first.
func (e *Engine) Monitors() []MonitorInfo {
	e.mu.RLock()
	list := make([]*Monitor, 0, len(e.monitors))
	for _, m := range e.monitors {
		list = append(list, m)
	}
	e.mu.RUnlock()

	out := make([]MonitorInfo, 0, len(list))
	for _, m := range list {
		out = append(out, m.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PositionID < out[j].PositionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.monitors)
	e.mu.RUnlock()
	return Stats{
		Monitors:    n,
		Ticks:       e.ticks.Load(),
		Fires:       e.fires.Load(),
		StopOuts:    e.stopOuts.Load(),
		CascadeErrs: e.cascadeErrs.Load(),
		LastEval:    time.Duration(e.lastEval.Load()),
		MaxEval:     time.Duration(e.maxEval.Load()),
	}
}
