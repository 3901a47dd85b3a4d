package executor

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LockTable is the per-process execution lock for actions. At most one
// goroutine holds a given action ID at a time. It is safe for concurrent use.
//
// A lock held longer than the staleness timeout is assumed to belong to a
// crashed or wedged executor and is removed by SweepStale.
type LockTable struct {
	held map[string]time.Time // actionID -> acquired at
	mu   sync.Mutex
	now  func() time.Time

	logger *slog.Logger

	acquired      atomic.Int64
	released      atomic.Int64
	failed        atomic.Int64
	staleRecovery atomic.Int64
	forced        atomic.Int64
}

// LockInfo describes one held lock.
type LockInfo struct {
	ActionID   string        `json:"action_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Age        time.Duration `json:"age_ns"`
}

// LockStats is a point-in-time view of the table counters.
type LockStats struct {
	Held           int   `json:"held"`
	Acquired       int64 `json:"acquired"`
	Released       int64 `json:"released"`
	Failed         int64 `json:"failed"`
	StaleRecovered int64 `json:"stale_recovered"`
	ForceReleased  int64 `json:"force_released"`
}

// NewLockTable creates an empty lock table.
func NewLockTable(logger *slog.Logger) *LockTable {
	return &LockTable{
		held:   make(map[string]time.Time),
		now:    time.Now,
		logger: logger.With(slog.String("component", "lock_table")),
	}
}

// SetClock replaces the time source. Must be called before the table is
// shared.
func (l *LockTable) SetClock(now func() time.Time) {
	l.now = now
}

// Acquire takes the lock for actionID. It returns false if the lock is
// already held.
func (l *LockTable) Acquire(actionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[actionID]; ok {
		return false
	}
	l.held[actionID] = l.now()
	l.acquired.Add(1)
	return true
}

// Release frees the lock after a successful execution. It reports whether
// the lock was held.
func (l *LockTable) Release(actionID string) bool {
	if !l.remove(actionID) {
		return false
	}
	l.released.Add(1)
	return true
}

// ReleaseAsFailed frees the lock after a failed execution.
func (l *LockTable) ReleaseAsFailed(actionID string) bool {
	if !l.remove(actionID) {
		return false
	}
	l.failed.Add(1)
	return true
}

func (l *LockTable) remove(actionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[actionID]; !ok {
		return false
	}
	delete(l.held, actionID)
	return true
}

// Held reports whether actionID is currently locked.
func (l *LockTable) Held(actionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[actionID]
	return ok
}

// SweepStale removes every lock older than maxAge and returns the released
// action IDs in sorted order.
func (l *LockTable) SweepStale(maxAge time.Duration) []string {
	l.mu.Lock()
	now := l.now()
	var stale []string
	ages := make(map[string]time.Duration)
	for id, at := range l.held {
		if age := now.Sub(at); age >= maxAge {
			stale = append(stale, id)
			ages[id] = age
			delete(l.held, id)
		}
	}
	l.mu.Unlock()

	sort.Strings(stale)
	for _, id := range stale {
		l.staleRecovery.Add(1)
		l.logger.Warn("stale action lock recovered",
			slog.String("action_id", id),
			slog.Duration("age", ages[id]),
			slog.Duration("timeout", maxAge),
		)
	}
	return stale
}

// ForceReleaseAll drops every lock. It is an emergency operation for
// operators and returns how many locks were dropped.
func (l *LockTable) ForceReleaseAll() int {
	l.mu.Lock()
	n := len(l.held)
	l.held = make(map[string]time.Time)
	l.mu.Unlock()

	l.forced.Add(int64(n))
	l.logger.Warn("all action locks force released", slog.Int("count", n))
	return n
}

// Snapshot lists the held locks, oldest first.
func (l *LockTable) Snapshot() []LockInfo {
	l.mu.Lock()
	now := l.now()
	out := make([]LockInfo, 0, len(l.held))
	for id, at := range l.held {
		out = append(out, LockInfo{ActionID: id, AcquiredAt: at, Age: now.Sub(at)})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// Stats returns the current counters.
func (l *LockTable) Stats() LockStats {
	l.mu.Lock()
	held := len(l.held)
	l.mu.Unlock()

	return LockStats{
		Held:           held,
		Acquired:       l.acquired.Load(),
		Released:       l.released.Load(),
		Failed:         l.failed.Load(),
		StaleRecovered: l.staleRecovery.Load(),
		ForceReleased:  l.forced.Load(),
	}
}
