package delivery

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/metrics"
)

const (
	idleWait     = time.Second
	jitterFactor = 0.25
)

// Config holds retry queue parameters.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	Workers        int
	AttemptTimeout time.Duration
	StuckThreshold time.Duration
	// DeadLimit bounds the retained dead-letter set; older entries are
	// evicted first. Zero means 1000.
	DeadLimit int
}

// DefaultConfig returns the standard retry parameters.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		Multiplier:     2,
		MaxDelay:       30 * time.Second,
		Workers:        2,
		AttemptTimeout: 10 * time.Second,
		StuckThreshold: 2 * time.Minute,
		DeadLimit:      1000,
	}
}

// Stats is a point-in-time view of the queue counters.
type Stats struct {
	Ready          int   `json:"ready"`
	Delayed        int   `json:"delayed"`
	InFlight       int   `json:"in_flight"`
	Dead           int   `json:"dead"`
	Enqueued       int64 `json:"enqueued"`
	Delivered      int64 `json:"delivered"`
	Attempts       int64 `json:"attempts"`
	FailedAttempts int64 `json:"failed_attempts"`
	Retried        int64 `json:"retried"`
	Superseded     int64 `json:"superseded"`
	DeadTotal      int64 `json:"dead_total"`
}

// Queue is a prioritised, retrying delivery queue. Higher priority items run
// first, then the oldest. Failed items wait out an exponential backoff and
// are re-enqueued one priority lower until MaxRetries is exhausted.
//
// Items with the same Kind and Key share a lane: at most one of them is in
// flight at a time. For snapshot kinds a lane also holds at most one waiting
// item; a newer snapshot replaces the waiting one, and a failed attempt is
// dropped instead of retried once a newer snapshot is waiting.
type Queue struct {
	cfg       Config
	deliverer Deliverer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	jitter    func() float64

	mu       sync.Mutex
	ready    readyHeap
	delayed  delayedHeap
	inflight map[string]*Item
	busy     map[string]bool
	waiting  map[string]*Item
	dead     []DeadItem
	onDead   []func(DeadItem)
	seq      uint64
	closed   bool
	stats    Stats

	wake chan struct{}
}

// NewQueue creates a queue that hands items to d.
func NewQueue(cfg Config, d Deliverer, logger *slog.Logger, m *metrics.Metrics) *Queue {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.DeadLimit <= 0 {
		cfg.DeadLimit = def.DeadLimit
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Queue{
		cfg:       cfg,
		deliverer: d,
		logger:    logger.With(slog.String("component", "delivery_queue")),
		metrics:   m,
		now:       time.Now,
		jitter:    rand.Float64,
		inflight:  make(map[string]*Item),
		busy:      make(map[string]bool),
		waiting:   make(map[string]*Item),
		wake:      make(chan struct{}, 1),
	}
}

// SetClock replaces the time source. Must be called before Run.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// SetJitter replaces the jitter source, which must return values in [0, 1).
func (q *Queue) SetJitter(f func() float64) { q.jitter = f }

// OnDeadLetter registers a hook called for every item moved to the dead set.
// Hooks run outside the queue lock.
func (q *Queue) OnDeadLetter(fn func(DeadItem)) {
	q.mu.Lock()
	q.onDead = append(q.onDead, fn)
	q.mu.Unlock()
}

// Enqueue adds an item and returns its ID.
func (q *Queue) Enqueue(item Item) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", domain.ErrQueueClosed
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := q.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	q.seq++
	item.seq = q.seq
	it := item
	if lane := it.lane(); lane != "" && it.Kind.snapshot() {
		if old, ok := q.waiting[lane]; ok {
			q.removeLocked(old)
			q.stats.Superseded++
			it.Priority = max(it.Priority, old.Priority)
		}
		q.waiting[lane] = &it
	}
	if it.NextAttemptAt.After(now) {
		heap.Push(&q.delayed, &it)
	} else {
		heap.Push(&q.ready, &it)
	}
	q.stats.Enqueued++
	q.observeDepthLocked()
	q.mu.Unlock()

	q.signal()
	return it.ID, nil
}

// Run starts the configured number of workers and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("delivery queue started", slog.Int("workers", q.cfg.Workers))

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()

	q.logger.Info("delivery queue stopped")
	return ctx.Err()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		it, wait := q.next()
		if it != nil {
			q.attempt(ctx, it)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next pops the best ready item whose lane is free, promoting due delayed
// items first. When nothing can run it returns how long to wait.
func (q *Queue) next() (*Item, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promoteLocked(now)

	var (
		it      *Item
		blocked []*Item
	)
	for q.ready.Len() > 0 {
		c := heap.Pop(&q.ready).(*Item)
		if lane := c.lane(); lane != "" && q.busy[lane] {
			blocked = append(blocked, c)
			continue
		}
		it = c
		break
	}
	for _, b := range blocked {
		heap.Push(&q.ready, b)
	}

	if it == nil {
		wait := idleWait
		if q.delayed.Len() > 0 {
			wait = min(wait, q.delayed[0].NextAttemptAt.Sub(now))
		}
		return nil, wait
	}

	if lane := it.lane(); lane != "" {
		q.busy[lane] = true
		if q.waiting[lane] == it {
			delete(q.waiting, lane)
		}
	}
	it.Attempts++
	it.LastAttemptAt = now
	q.inflight[it.ID] = it
	q.stats.Attempts++
	q.observeDepthLocked()
	return it, 0
}

// removeLocked takes a waiting item out of whichever heap holds it.
func (q *Queue) removeLocked(it *Item) {
	if it.index < 0 {
		return
	}
	if it.index < q.ready.Len() && q.ready[it.index] == it {
		heap.Remove(&q.ready, it.index)
		return
	}
	if it.index < q.delayed.Len() && q.delayed[it.index] == it {
		heap.Remove(&q.delayed, it.index)
	}
}

// requeueLocked puts a failed item back in its lane. It reports false when a
// newer snapshot for the lane is already waiting, in which case the item is
// dropped.
func (q *Queue) requeueLocked(it *Item) bool {
	lane := it.lane()
	if lane == "" || !it.Kind.snapshot() {
		return true
	}
	if _, newer := q.waiting[lane]; newer {
		q.stats.Superseded++
		return false
	}
	q.waiting[lane] = it
	return true
}

func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].NextAttemptAt.After(now) {
		it := heap.Pop(&q.delayed).(*Item)
		heap.Push(&q.ready, it)
	}
}

func (q *Queue) attempt(ctx context.Context, it *Item) {
	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	err := q.deliverer.Deliver(actx, *it)
	cancel()

	q.complete(it, err, ctx.Err() != nil)
	q.signal()
}

// complete records the outcome of an attempt. An attempt that failed because
// the queue itself is stopping is put back without consuming a retry.
func (q *Queue) complete(it *Item, err error, aborted bool) {
	q.mu.Lock()
	delete(q.inflight, it.ID)
	if lane := it.lane(); lane != "" {
		delete(q.busy, lane)
	}

	if err == nil {
		q.stats.Delivered++
		q.observeDepthLocked()
		q.mu.Unlock()
		q.metrics.DeliveryAttempt(string(it.Kind), "delivered")
		q.logger.Debug("item delivered",
			slog.String("id", it.ID),
			slog.String("kind", string(it.Kind)),
			slog.String("key", it.Key),
			slog.Int("attempts", it.Attempts),
		)
		return
	}

	it.LastError = err.Error()
	q.stats.FailedAttempts++

	if aborted && !IsPermanent(err) {
		if q.requeueLocked(it) {
			heap.Push(&q.ready, it)
		}
		q.observeDepthLocked()
		q.mu.Unlock()
		return
	}

	if IsPermanent(err) || it.RetryCount >= q.cfg.MaxRetries {
		reason := "retries exhausted"
		if IsPermanent(err) {
			reason = "permanent failure"
		}
		dead, hooks := q.killLocked(it, reason)
		q.mu.Unlock()

		q.metrics.DeliveryAttempt(string(it.Kind), "dead")
		q.logger.Error("item moved to dead-letter set",
			slog.String("id", it.ID),
			slog.String("kind", string(it.Kind)),
			slog.String("key", it.Key),
			slog.Int("attempts", it.Attempts),
			slog.String("reason", reason),
			slog.String("error", it.LastError),
		)
		for _, fn := range hooks {
			fn(dead)
		}
		return
	}

	if !q.requeueLocked(it) {
		q.observeDepthLocked()
		q.mu.Unlock()
		q.metrics.DeliveryAttempt(string(it.Kind), "superseded")
		q.logger.Debug("failed item superseded by a newer snapshot",
			slog.String("id", it.ID),
			slog.String("kind", string(it.Kind)),
			slog.String("key", it.Key),
		)
		return
	}

	it.RetryCount++
	delay := q.backoffFor(it.RetryCount)
	it.NextAttemptAt = q.now().Add(delay)
	it.Priority--
	heap.Push(&q.delayed, it)
	q.stats.Retried++
	q.observeDepthLocked()
	q.mu.Unlock()

	q.metrics.DeliveryAttempt(string(it.Kind), "retry")
	q.logger.Warn("delivery failed, retrying",
		slog.String("id", it.ID),
		slog.String("kind", string(it.Kind)),
		slog.String("key", it.Key),
		slog.Int("retry", it.RetryCount),
		slog.Duration("delay", delay),
		slog.String("error", it.LastError),
	)
}

func (q *Queue) killLocked(it *Item, reason string) (DeadItem, []func(DeadItem)) {
	dead := DeadItem{Item: *it, DeadAt: q.now(), Reason: reason}
	q.dead = append(q.dead, dead)
	if over := len(q.dead) - q.cfg.DeadLimit; over > 0 {
		q.dead = append([]DeadItem(nil), q.dead[over:]...)
	}
	q.stats.DeadTotal++
	q.observeDepthLocked()
	return dead, slices.Clone(q.onDead)
}

// backoffFor returns the wait before retry number retry (1-based):
// base * multiplier^(retry-1), capped at MaxDelay, plus up to 25% jitter.
func (q *Queue) backoffFor(retry int) time.Duration {
	b := &backoff.Backoff{
		Min:    q.cfg.BaseDelay,
		Max:    q.cfg.MaxDelay,
		Factor: q.cfg.Multiplier,
	}
	d := b.ForAttempt(float64(retry - 1))
	return d + time.Duration(q.jitter()*jitterFactor*float64(d))
}

func (q *Queue) observeDepthLocked() {
	q.metrics.SetQueueDepth(q.ready.Len(), q.delayed.Len(), len(q.inflight), len(q.dead))
}

// Len returns the number of items not yet delivered or dead.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len() + len(q.inflight)
}

// Dead returns a copy of the retained dead-letter set, oldest first.
func (q *Queue) Dead() []DeadItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadItem(nil), q.dead...)
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Ready = q.ready.Len()
	s.Delayed = q.delayed.Len()
	s.InFlight = len(q.inflight)
	s.Dead = len(q.dead)
	return s
}

// ShutdownPolicy controls what happens to undelivered items on shutdown.
type ShutdownPolicy string

const (
	PolicyFlush ShutdownPolicy = "flush"
	PolicyDrop  ShutdownPolicy = "drop"
)

// ShutdownReport summarises a shutdown.
type ShutdownReport struct {
	Flushed int `json:"flushed"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

// Shutdown closes the queue to new items. With PolicyFlush every pending item
// gets one more attempt, ignoring backoff, until ctx expires; items that still
// fail (or are not reached) move to the dead set. With PolicyDrop pending
// items are discarded. Workers should already be stopped.
func (q *Queue) Shutdown(ctx context.Context, policy ShutdownPolicy) (ShutdownReport, error) {
	q.mu.Lock()
	q.closed = true
	pending := make([]*Item, 0, q.ready.Len()+q.delayed.Len())
	for q.ready.Len() > 0 {
		pending = append(pending, heap.Pop(&q.ready).(*Item))
	}
	var delayed []*Item
	for q.delayed.Len() > 0 {
		delayed = append(delayed, heap.Pop(&q.delayed).(*Item))
	}
	pending = append(pending, delayed...)
	clear(q.waiting)
	q.observeDepthLocked()
	q.mu.Unlock()

	var report ShutdownReport
	if policy == PolicyDrop {
		report.Dropped = len(pending)
		if report.Dropped > 0 {
			q.logger.Warn("delivery queue dropped pending items", slog.Int("count", report.Dropped))
		}
		return report, nil
	}
	if policy != PolicyFlush {
		return report, fmt.Errorf("delivery: shutdown: unknown policy %q", policy)
	}

	for i, it := range pending {
		if ctx.Err() != nil {
			for _, rest := range pending[i:] {
				rest.LastError = "shutdown deadline exceeded"
				q.bury(rest, "shutdown deadline")
			}
			report.Failed += len(pending) - i
			break
		}
		it.Attempts++
		it.LastAttemptAt = q.now()
		actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		err := q.deliverer.Deliver(actx, *it)
		cancel()

		q.mu.Lock()
		q.stats.Attempts++
		if err == nil {
			q.stats.Delivered++
			q.mu.Unlock()
			report.Flushed++
			continue
		}
		q.stats.FailedAttempts++
		q.mu.Unlock()
		it.LastError = err.Error()
		q.bury(it, "shutdown flush failed")
		report.Failed++
	}

	q.logger.Info("delivery queue flushed",
		slog.Int("flushed", report.Flushed),
		slog.Int("failed", report.Failed),
	)
	if report.Failed > 0 {
		return report, fmt.Errorf("delivery: shutdown: %d items not delivered", report.Failed)
	}
	return report, nil
}

func (q *Queue) bury(it *Item, reason string) {
	q.mu.Lock()
	dead, hooks := q.killLocked(it, reason)
	q.mu.Unlock()
	for _, fn := range hooks {
		fn(dead)
	}
}

// ---------------------------------------------------------------------------
// Heaps
// ---------------------------------------------------------------------------

type readyHeap []*Item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type delayedHeap []*Item

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayedHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
