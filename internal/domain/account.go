package domain

import "time"

// Account is a broker trading account as last reported by its terminal or
// by the remote store.
type Account struct {
	ID         string
	UserID     string
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
	Profit     float64
	UpdatedAt  time.Time
}

// Tick is one quote for a symbol.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// PriceFor returns the price a position on the given side would close at:
// bid for longs, ask for shorts. A missing side falls back to the other.
func (t Tick) PriceFor(side Side) float64 {
	if side == SideSell {
		if t.Ask > 0 {
			return t.Ask
		}
		return t.Bid
	}
	if t.Bid > 0 {
		return t.Bid
	}
	return t.Ask
}
