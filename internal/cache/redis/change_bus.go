package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// Change bus channels.
const (
	ChannelActions   = "ch:changes:actions"
	ChannelPositions = "ch:changes:positions"
)

// ChangeBus carries remote-store change notifications between coordinator
// processes. It implements both domain.ChangePublisher and domain.ChangeFeed;
// payloads use the domain record shapes and are validated on receipt.
type ChangeBus struct {
	bus    *SignalBus
	logger *slog.Logger
}

// NewChangeBus creates a ChangeBus on bus.
func NewChangeBus(bus *SignalBus, logger *slog.Logger) *ChangeBus {
	return &ChangeBus{bus: bus, logger: logger.With(slog.String("component", "change_bus"))}
}

// PublishAction announces an action write.
func (b *ChangeBus) PublishAction(ctx context.Context, a domain.Action) error {
	data, err := json.Marshal(domain.NewActionRecord(a))
	if err != nil {
		return fmt.Errorf("redis: encode action %s: %w", a.ID, err)
	}
	return b.bus.Publish(ctx, ChannelActions, data)
}

// PublishPosition announces a position write.
func (b *ChangeBus) PublishPosition(ctx context.Context, p domain.Position) error {
	data, err := json.Marshal(domain.NewPositionRecord(p))
	if err != nil {
		return fmt.Errorf("redis: encode position %s: %w", p.ID, err)
	}
	return b.bus.Publish(ctx, ChannelPositions, data)
}

// SubscribeActions streams actions owned by userID (every user when empty).
func (b *ChangeBus) SubscribeActions(ctx context.Context, userID string) (<-chan domain.Action, error) {
	raw, err := b.bus.Subscribe(ctx, ChannelActions)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.Action, subscribeBuffer)
	go func() {
		defer close(out)
		for payload := range raw {
			a, err := domain.DecodeAction(payload)
			if err != nil {
				b.logger.Warn("malformed action change", slog.String("error", err.Error()))
				continue
			}
			if userID != "" && a.UserID != userID {
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SubscribePositions streams positions owned by userID (every user when empty).
func (b *ChangeBus) SubscribePositions(ctx context.Context, userID string) (<-chan domain.Position, error) {
	raw, err := b.bus.Subscribe(ctx, ChannelPositions)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.Position, subscribeBuffer)
	go func() {
		defer close(out)
		for payload := range raw {
			p, err := domain.DecodePosition(payload)
			if err != nil {
				b.logger.Warn("malformed position change", slog.String("error", err.Error()))
				continue
			}
			if userID != "" && p.UserID != userID {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var (
	_ domain.ChangeFeed      = (*ChangeBus)(nil)
	_ domain.ChangePublisher = (*ChangeBus)(nil)
)
