package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

func TestActionStore_CompareAndSetSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore(nil)
	require.NoError(t, s.Create(ctx, domain.Action{ID: "a1", UserID: "u1", Status: domain.ActionPending}))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CompareAndSetStatus(ctx, "a1", domain.ActionPending, domain.ActionExecuting); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrStatusConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuting, got.Status)
}

func TestActionStore_TerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore(nil)
	require.NoError(t, s.Create(ctx, domain.Action{ID: "a1", Status: domain.ActionExecuting}))
	require.NoError(t, s.UpdateStatus(ctx, "a1", domain.ActionExecuted, ""))
	require.NoError(t, s.UpdateStatus(ctx, "a1", domain.ActionExecuted, ""), "repeat write is a no-op")

	err := s.UpdateStatus(ctx, "a1", domain.ActionFailed, "late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFeed_FiltersByUserAndClosesOnCancel(t *testing.T) {
	feed := NewFeed()
	s := NewActionStore(feed)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := feed.SubscribeActions(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, s.Create(context.Background(), domain.Action{ID: "other", UserID: "u2", Status: domain.ActionPending}))
	require.NoError(t, s.Create(context.Background(), domain.Action{ID: "mine", UserID: "u1", Status: domain.ActionPending}))

	select {
	case a := <-ch:
		assert.Equal(t, "mine", a.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPositionStore_ListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpen, CreatedAt: base}))
	require.NoError(t, s.Create(ctx, domain.Position{ID: "p2", UserID: "u1", Status: domain.PositionClosed, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Create(ctx, domain.Position{ID: "p3", UserID: "u2", Status: domain.PositionOpen, CreatedAt: base.Add(2 * time.Second)}))

	got, err := s.ListByStatus(ctx, "u1", domain.PositionOpen, domain.PositionClosing)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)

	all, err := s.ListByStatus(ctx, "", domain.PositionOpen)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.Update(ctx, domain.Position{ID: "nope"}), domain.ErrNotFound)
	assert.ErrorIs(t, s.Create(ctx, domain.Position{ID: "p1"}), domain.ErrAlreadyExists)
}

func TestPositionStore_UpdateRejectsRegression(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore(nil)
	require.NoError(t, s.Create(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpening}))

	require.NoError(t, s.Update(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpen, Profit: 1}))
	require.NoError(t, s.Update(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpen, Profit: 2}),
		"same-status writes are accepted")

	err := s.Update(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpening})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, s.Update(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionStopped}))
	assert.ErrorIs(t, s.Update(ctx, domain.Position{ID: "p1", UserID: "u1", Status: domain.PositionOpen}), domain.ErrInvalidTransition)

	got, err := s.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStopped, got.Status)
}

func TestAuditStore_ListWindow(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time { tick = tick.Add(time.Minute); return tick }

	for _, ev := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Log(ctx, ev, nil))
	}

	since := base.Add(2 * time.Minute)
	until := base.Add(4 * time.Minute)
	got, err := s.List(ctx, domain.ListOpts{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Event)
	assert.Equal(t, "c", got[1].Event)
}
