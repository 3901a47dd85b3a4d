package trail

import (
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// Monitor tracks the high-water mark of one open position. Each monitor has
// its own mutex so ticks for different positions never contend.
type Monitor struct {
	mu sync.Mutex

	positionID string
	symbol     string
	side       domain.Side
	width      float64
	threshold  decimal.Decimal
	triggers   []string
	createdAt  time.Time

	lastPrice decimal.Decimal
	hwm       decimal.Decimal
	seeded    bool
	active    bool
	ticks     int64
}

// MonitorInfo is a read-only view of a monitor for the admin API.
type MonitorInfo struct {
	PositionID       string    `json:"position_id"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	TrailWidth       float64   `json:"trail_width"`
	Threshold        string    `json:"threshold"`
	LastPrice        string    `json:"last_price"`
	HighWaterMark    string    `json:"high_water_mark"`
	Drawdown         string    `json:"drawdown"`
	TriggerActionIDs []string  `json:"trigger_action_ids"`
	Active           bool      `json:"active"`
	Ticks            int64     `json:"ticks"`
	CreatedAt        time.Time `json:"created_at"`
}

func newMonitor(p domain.Position, threshold decimal.Decimal, at time.Time) *Monitor {
	m := &Monitor{
		positionID: p.ID,
		symbol:     normalizeSymbol(p.Symbol),
		side:       p.Side(),
		width:      p.Trail(),
		threshold:  threshold,
		triggers:   slices.Clone(p.TriggerActionIDs),
		createdAt:  at,
		active:     true,
	}
	if p.EntryPrice > 0 {
		entry := decimal.NewFromFloat(p.EntryPrice)
		m.lastPrice = entry
		m.hwm = entry
		m.seeded = true
	}
	return m
}

// evaluate applies one price and reports whether this call fired the
// monitor. A monitor fires at most once.
func (m *Monitor) evaluate(price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return false
	}
	m.ticks++
	m.lastPrice = price

	if m.width == 0 {
		m.active = false
		return true
	}
	if !m.seeded {
		m.hwm = price
		m.seeded = true
		return false
	}
	if m.favorable(price) {
		m.hwm = price
	}
	if m.drawdown().GreaterThanOrEqual(m.threshold) {
		m.active = false
		return true
	}
	return false
}

// deactivate marks the monitor inactive and reports whether it was active.
func (m *Monitor) deactivate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.active
	m.active = false
	return was
}

// favorable reports whether price improves on the high-water mark: higher for
// longs, lower for shorts.
func (m *Monitor) favorable(price decimal.Decimal) bool {
	if m.side == domain.SideSell {
		return price.LessThan(m.hwm)
	}
	return price.GreaterThan(m.hwm)
}

func (m *Monitor) drawdown() decimal.Decimal {
	if !m.seeded {
		return decimal.Zero
	}
	if m.side == domain.SideSell {
		return m.lastPrice.Sub(m.hwm)
	}
	return m.hwm.Sub(m.lastPrice)
}

func (m *Monitor) info() MonitorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorInfo{
		PositionID:       m.positionID,
		Symbol:           m.symbol,
		Side:             string(m.side),
		TrailWidth:       m.width,
		Threshold:        m.threshold.String(),
		LastPrice:        m.lastPrice.String(),
		HighWaterMark:    m.hwm.String(),
		Drawdown:         m.drawdown().String(),
		TriggerActionIDs: slices.Clone(m.triggers),
		Active:           m.active,
		Ticks:            m.ticks,
		CreatedAt:        m.createdAt,
	}
}
