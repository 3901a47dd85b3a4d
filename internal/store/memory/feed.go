// Package memory provides in-process implementations of the remote store
// interfaces. They back the "memory" store backend and the package tests.
package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

const subscriberBuffer = 64

// Feed fans change notifications out to subscribers filtered by user. A slow
// subscriber misses notifications rather than blocking writers; the periodic
// re-sync sweep covers the gap.
type Feed struct {
	mu        sync.RWMutex
	actions   map[*actionSub]struct{}
	positions map[*positionSub]struct{}
}

type actionSub struct {
	userID string
	ch     chan domain.Action
}

type positionSub struct {
	userID string
	ch     chan domain.Position
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		actions:   make(map[*actionSub]struct{}),
		positions: make(map[*positionSub]struct{}),
	}
}

// SubscribeActions implements domain.ChangeFeed.
func (f *Feed) SubscribeActions(ctx context.Context, userID string) (<-chan domain.Action, error) {
	sub := &actionSub{userID: userID, ch: make(chan domain.Action, subscriberBuffer)}
	f.mu.Lock()
	f.actions[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.actions, sub)
		close(sub.ch)
		f.mu.Unlock()
	}()
	return sub.ch, nil
}

// SubscribePositions implements domain.ChangeFeed.
func (f *Feed) SubscribePositions(ctx context.Context, userID string) (<-chan domain.Position, error) {
	sub := &positionSub{userID: userID, ch: make(chan domain.Position, subscriberBuffer)}
	f.mu.Lock()
	f.positions[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.positions, sub)
		close(sub.ch)
		f.mu.Unlock()
	}()
	return sub.ch, nil
}

// PublishAction implements domain.ChangePublisher.
func (f *Feed) PublishAction(_ context.Context, a domain.Action) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.actions {
		if sub.userID != "" && sub.userID != a.UserID {
			continue
		}
		select {
		case sub.ch <- a:
		default:
		}
	}
	return nil
}

// PublishPosition implements domain.ChangePublisher.
func (f *Feed) PublishPosition(_ context.Context, p domain.Position) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.positions {
		if sub.userID != "" && sub.userID != p.UserID {
			continue
		}
		select {
		case sub.ch <- p.Clone():
		default:
		}
	}
	return nil
}
