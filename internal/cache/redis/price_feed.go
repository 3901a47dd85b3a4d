package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// quote is the JSON shape of a tick published by a quote relay.
type quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   int64   `json:"time"` // unix milliseconds
}

// PriceFeed implements domain.PriceFeed over a Pub/Sub channel pattern such
// as "ch:price:*". It supplements the quotes terminals send over WebSocket.
type PriceFeed struct {
	bus     *SignalBus
	pattern string
	logger  *slog.Logger
}

// NewPriceFeed creates a PriceFeed reading pattern from bus.
func NewPriceFeed(bus *SignalBus, pattern string, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		bus:     bus,
		pattern: pattern,
		logger:  logger.With(slog.String("component", "price_feed")),
	}
}

// Subscribe streams ticks for symbols, or for every symbol when none are
// given. Malformed quotes are logged and dropped.
func (f *PriceFeed) Subscribe(ctx context.Context, symbols ...string) (<-chan domain.Tick, error) {
	raw, err := f.bus.Subscribe(ctx, f.pattern)
	if err != nil {
		return nil, fmt.Errorf("redis: price feed: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = true
	}

	out := make(chan domain.Tick, subscribeBuffer)
	go func() {
		defer close(out)
		for payload := range raw {
			t, err := decodeQuote(payload)
			if err != nil {
				f.logger.Debug("malformed quote dropped", slog.String("error", err.Error()))
				continue
			}
			if len(want) > 0 && !want[t.Symbol] {
				continue
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodeQuote(payload []byte) (domain.Tick, error) {
	var q quote
	if err := json.Unmarshal(payload, &q); err != nil {
		return domain.Tick{}, fmt.Errorf("decode quote: %w", err)
	}
	if q.Symbol == "" {
		return domain.Tick{}, fmt.Errorf("decode quote: missing symbol")
	}
	if q.Bid <= 0 && q.Ask <= 0 {
		return domain.Tick{}, fmt.Errorf("decode quote %s: no price", q.Symbol)
	}
	t := domain.Tick{Symbol: strings.ToUpper(q.Symbol), Bid: q.Bid, Ask: q.Ask}
	if q.Time > 0 {
		t.Time = time.UnixMilli(q.Time).UTC()
	} else {
		t.Time = time.Now().UTC()
	}
	return t, nil
}

var _ domain.PriceFeed = (*PriceFeed)(nil)
