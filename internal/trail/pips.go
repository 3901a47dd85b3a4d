package trail

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	pipStandard = decimal.New(1, -4) // 0.0001
	pipJPY      = decimal.New(1, -2) // 0.01
	pipGold     = decimal.New(1, -1) // 0.1
)

// PipTable converts pip distances into price distances per symbol.
//
// Symbols missing from the table fall back to suffix rules: a JPY quote
// currency uses 0.01, XAU uses 0.1 and everything else uses the default
// (0.0001 unless configured). The rules cover the common FX majors only;
// indices, crypto and exotic metals need explicit entries.
type PipTable struct {
	sizes map[string]decimal.Decimal
	def   decimal.Decimal
}

// NewPipTable builds a table from configured sizes. Non-positive entries are
// ignored, as is a non-positive default.
func NewPipTable(sizes map[string]float64, defaultSize float64) *PipTable {
	t := &PipTable{
		sizes: make(map[string]decimal.Decimal, len(sizes)),
		def:   pipStandard,
	}
	for sym, size := range sizes {
		if size > 0 {
			t.sizes[normalizeSymbol(sym)] = decimal.NewFromFloat(size)
		}
	}
	if defaultSize > 0 {
		t.def = decimal.NewFromFloat(defaultSize)
	}
	return t
}

// Size returns the price value of one pip for symbol.
func (t *PipTable) Size(symbol string) decimal.Decimal {
	sym := normalizeSymbol(symbol)
	if size, ok := t.sizes[sym]; ok {
		return size
	}
	switch {
	case strings.HasPrefix(sym, "XAU"):
		return pipGold
	case len(sym) >= 6 && sym[3:6] == "JPY":
		return pipJPY
	}
	return t.def
}

// Distance converts pips into a price distance for symbol.
func (t *PipTable) Distance(symbol string, pips float64) decimal.Decimal {
	return decimal.NewFromFloat(pips).Mul(t.Size(symbol))
}

// normalizeSymbol upper-cases a broker symbol and strips common suffixes such
// as "EURUSD.m" or "USDJPY#".
func normalizeSymbol(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if i := strings.IndexAny(sym, ".#_-"); i > 0 {
		sym = sym[:i]
	}
	return sym
}
