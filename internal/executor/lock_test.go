package executor

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLockTable_AcquireIsExclusive(t *testing.T) {
	lt := NewLockTable(discardLogger())

	require.True(t, lt.Acquire("a1"))
	assert.False(t, lt.Acquire("a1"), "second acquire must fail while held")
	assert.True(t, lt.Acquire("a2"))
	assert.True(t, lt.Held("a1"))

	assert.True(t, lt.Release("a1"))
	assert.False(t, lt.Release("a1"), "double release reports false")
	assert.True(t, lt.Acquire("a1"), "released lock can be taken again")

	st := lt.Stats()
	assert.Equal(t, 2, st.Held)
	assert.Equal(t, int64(3), st.Acquired)
	assert.Equal(t, int64(1), st.Released)
}

func TestLockTable_ConcurrentAcquireSingleWinner(t *testing.T) {
	lt := NewLockTable(discardLogger())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lt.Acquire("contended") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestLockTable_SweepStale(t *testing.T) {
	clock := newFakeClock()
	lt := NewLockTable(discardLogger())
	lt.SetClock(clock.Now)

	require.True(t, lt.Acquire("old-b"))
	require.True(t, lt.Acquire("old-a"))
	clock.Advance(4 * time.Minute)
	require.True(t, lt.Acquire("young"))
	clock.Advance(time.Minute + time.Second)

	stale := lt.SweepStale(5 * time.Minute)
	assert.Equal(t, []string{"old-a", "old-b"}, stale)
	assert.False(t, lt.Held("old-a"))
	assert.True(t, lt.Held("young"))

	assert.True(t, lt.Acquire("old-a"), "recovered action can be executed again")
	assert.Equal(t, int64(2), lt.Stats().StaleRecovered)
}

func TestLockTable_ReleaseAsFailedAndForceReleaseAll(t *testing.T) {
	lt := NewLockTable(discardLogger())
	lt.Acquire("a")
	lt.Acquire("b")
	lt.Acquire("c")

	assert.True(t, lt.ReleaseAsFailed("a"))
	assert.Equal(t, 2, lt.ForceReleaseAll())
	assert.Empty(t, lt.Snapshot())

	st := lt.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(2), st.ForceReleased)
}

func TestLockTable_SnapshotOldestFirst(t *testing.T) {
	clock := newFakeClock()
	lt := NewLockTable(discardLogger())
	lt.SetClock(clock.Now)

	lt.Acquire("first")
	clock.Advance(time.Second)
	lt.Acquire("second")
	clock.Advance(time.Second)

	snap := lt.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "first", snap[0].ActionID)
	assert.Equal(t, 2*time.Second, snap[0].Age)
	assert.Equal(t, "second", snap[1].ActionID)
}
