package reconcile

import (
	"math"
	"time"
)

// divergence is the outcome of comparing two observations of one entity.
type divergence struct {
	types  []ConflictType
	fields []string
	// equal is true when every tracked field matches exactly.
	equal bool
}

type numericField struct {
	name string
	a, b float64
}

func positionFields(a, b Update) ([]numericField, bool) {
	pa, pb := a.Position, b.Position
	return []numericField{
		{"volume", pa.Volume, pb.Volume},
		{"entry_price", pa.EntryPrice, pb.EntryPrice},
		{"exit_price", pa.ExitPrice, pb.ExitPrice},
		{"profit", pa.Profit, pb.Profit},
	}, pa.Status != pb.Status
}

func accountFields(a, b Update) []numericField {
	aa, ab := a.Account, b.Account
	return []numericField{
		{"balance", aa.Balance, ab.Balance},
		{"equity", aa.Equity, ab.Equity},
		{"margin", aa.Margin, ab.Margin},
		{"free_margin", aa.FreeMargin, ab.FreeMargin},
		{"profit", aa.Profit, ab.Profit},
	}
}

// compare checks an incoming update against the canonical one. Numeric
// fields conflict beyond tolerance; positions also conflict on status. Two
// non-identical updates inside the timing window are a timing conflict even
// when every difference is within tolerance.
func compare(canonical, incoming Update, tolerance float64, window time.Duration) divergence {
	var (
		fields       []numericField
		statusDiffer bool
	)
	switch canonical.Kind {
	case KindPosition:
		fields, statusDiffer = positionFields(canonical, incoming)
	case KindAccount:
		fields = accountFields(canonical, incoming)
	}

	d := divergence{equal: !statusDiffer}
	numeric := false
	for _, f := range fields {
		if f.a != f.b {
			d.equal = false
		}
		if math.Abs(f.a-f.b) > tolerance {
			numeric = true
			d.fields = append(d.fields, f.name)
		}
	}
	if numeric {
		d.types = append(d.types, ConflictNumeric)
	}
	if statusDiffer {
		d.types = append(d.types, ConflictStatus)
		d.fields = append(d.fields, "status")
	}
	if !d.equal && withinWindow(canonical.Timestamp, incoming.Timestamp, window) {
		d.types = append(d.types, ConflictTiming)
	}
	return d
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return gap <= window
}

// resolve picks the winning update. It depends only on its inputs, so
// replaying the same pair always yields the same winner.
func resolve(strategy Strategy, preferred Source, canonical, incoming Update) (winner, loser Update) {
	pick := func(preferIncoming bool) (Update, Update) {
		if preferIncoming {
			return incoming, canonical
		}
		return canonical, incoming
	}
	if strategy == StrategyTimestampPriority {
		switch {
		case incoming.Timestamp.After(canonical.Timestamp):
			return pick(true)
		case canonical.Timestamp.After(incoming.Timestamp):
			return pick(false)
		}
	}
	return pick(incoming.Source == preferred)
}
