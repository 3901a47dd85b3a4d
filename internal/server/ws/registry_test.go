package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bareConn(id string, at time.Time) *Conn {
	return &Conn{id: id, connectedAt: at}
}

func TestRegistry_CapacityAndPeak(t *testing.T) {
	r := NewRegistry(2)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	a, b, c := bareConn("a", base), bareConn("b", base.Add(time.Second)), bareConn("c", base.Add(2*time.Second))

	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	assert.ErrorIs(t, r.Add(c), ErrCapacity)
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Remove(a))
	assert.False(t, r.Remove(a))
	require.NoError(t, r.Add(c))

	assert.Equal(t, 2, r.Peak())
	assert.Equal(t, int64(3), r.Total())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].id)
	assert.Equal(t, "c", snap[1].id)
}

func TestRegistry_BindReplacesPrevious(t *testing.T) {
	r := NewRegistry(4)
	now := time.Now()
	old, fresh := bareConn("old", now), bareConn("new", now)
	require.NoError(t, r.Add(old))
	require.NoError(t, r.Add(fresh))

	assert.Nil(t, r.Bind(old, "acct-1"))
	assert.Nil(t, r.Bind(old, "acct-1"))
	assert.Same(t, old, r.Bind(fresh, "acct-1"))

	got, ok := r.ByAccount("acct-1")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	r.Remove(fresh)
	_, ok = r.ByAccount("acct-1")
	assert.False(t, ok)
}

func TestRegistry_MinimumCapacity(t *testing.T) {
	r := NewRegistry(0)
	assert.Equal(t, 1, r.Max())
}
