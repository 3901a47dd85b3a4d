package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/store/memory"
)

func TestPositionBook_LoadSkipsTerminal(t *testing.T) {
	store := memory.NewPositionStore(nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpen}))
	require.NoError(t, store.Create(ctx, domain.Position{ID: "p2", UserID: "u1", Status: domain.PositionClosed}))
	require.NoError(t, store.Create(ctx, domain.Position{ID: "p3", UserID: "u2", Status: domain.PositionOpen}))

	book := NewPositionBook(store, nil, discardLogger())
	n, err := book.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, book.List(), 1)
}

func TestPositionBook_TransitionQueuesWrite(t *testing.T) {
	store := memory.NewPositionStore(nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpening}))

	q := &captureQueue{}
	book := NewPositionBook(store, q, discardLogger())
	clock := newFakeClock()
	book.SetClock(clock.Now)

	p, err := book.Transition(ctx, "p1", domain.PositionOpen, func(p *domain.Position) { p.EntryPrice = 1.25 })
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.Equal(t, 1.25, p.EntryPrice)
	assert.Equal(t, clock.Now(), p.UpdatedAt)

	items := q.Items(delivery.KindPositionUpdate)
	require.Len(t, items, 1)
	assert.Equal(t, domain.PositionOpen, items[0].Payload.(domain.Position).Status)

	_, err = book.Transition(ctx, "p1", domain.PositionOpening, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Len(t, q.Items(delivery.KindPositionUpdate), 1, "rejected transitions are not written")

	_, err = book.Transition(ctx, "missing", domain.PositionOpen, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionBook_PutRejectsStaleAndRevival(t *testing.T) {
	book := NewPositionBook(memory.NewPositionStore(nil), nil, discardLogger())
	now := time.Now()

	assert.True(t, book.Put(domain.Position{ID: "p1", Status: domain.PositionOpen, UpdatedAt: now}))
	assert.False(t, book.Put(domain.Position{ID: "p1", Status: domain.PositionOpening, UpdatedAt: now.Add(-time.Second)}))
	assert.True(t, book.Put(domain.Position{ID: "p1", Status: domain.PositionClosed, UpdatedAt: now.Add(time.Second)}))
	assert.False(t, book.Put(domain.Position{ID: "p1", Status: domain.PositionOpen, UpdatedAt: now.Add(time.Minute)}))

	p, err := book.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, p.Status)
}

func TestPositionBook_LateEchoDoesNotRegress(t *testing.T) {
	store := memory.NewPositionStore(nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpening}))

	book := NewPositionBook(store, &captureQueue{}, discardLogger())
	clock := newFakeClock()
	book.SetClock(clock.Now)

	_, err := book.Transition(ctx, "p1", domain.PositionOpen, nil)
	require.NoError(t, err)

	// The remote store stamps its own clock, so the echo looks newer.
	assert.False(t, book.Put(domain.Position{ID: "p1", Status: domain.PositionOpening, UpdatedAt: clock.Now().Add(time.Hour)}))

	p, err := book.Transition(ctx, "p1", domain.PositionClosing, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, p.Status)

	assert.False(t, book.Put(domain.Position{ID: "p1", Status: domain.PositionClosing, UpdatedAt: clock.Now().Add(-time.Hour)}),
		"older same-status snapshots are ignored")
	assert.True(t, book.Put(domain.Position{ID: "p1", Status: domain.PositionClosed, UpdatedAt: clock.Now().Add(-time.Hour)}),
		"a reachable status advances even with an older stamp")
}

func TestPositionBook_PruneDropsOldTerminal(t *testing.T) {
	book := NewPositionBook(memory.NewPositionStore(nil), nil, discardLogger())
	now := time.Now()
	book.Put(domain.Position{ID: "old", Status: domain.PositionClosed, UpdatedAt: now.Add(-48 * time.Hour)})
	book.Put(domain.Position{ID: "live", Status: domain.PositionOpen, UpdatedAt: now.Add(-48 * time.Hour)})
	book.Put(domain.Position{ID: "recent", Status: domain.PositionStopped, UpdatedAt: now})

	assert.Equal(t, 1, book.Prune(now.Add(-24*time.Hour)))
	assert.Len(t, book.List(), 2)
	assert.Len(t, book.List(domain.PositionOpen), 1)
}
