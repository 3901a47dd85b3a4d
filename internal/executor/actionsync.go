package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/metrics"
	"github.com/alanyoungcy/hedgecoord/internal/protocol"
)

// CommandSender delivers a command to the terminal serving an account.
type CommandSender interface {
	Send(ctx context.Context, accountID string, msg protocol.Message) error
}

// Alerter forwards operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds coordinator timings.
type Config struct {
	UserID            string
	LockTimeout       time.Duration
	LockSweepInterval time.Duration
	SyncInterval      time.Duration
	TriggerDelay      time.Duration
	CommandTimeout    time.Duration
}

// DefaultConfig returns the standard coordinator timings for userID.
func DefaultConfig(userID string) Config {
	return Config{
		UserID:            userID,
		LockTimeout:       5 * time.Minute,
		LockSweepInterval: 10 * time.Second,
		SyncInterval:      5 * time.Second,
		TriggerDelay:      100 * time.Millisecond,
		CommandTimeout:    10 * time.Second,
	}
}

// retention for the executed-action and consumed-trigger memories.
const memoryRetention = 24 * time.Hour

// Stats is a point-in-time view of the coordinator counters.
type Stats struct {
	Received        int64     `json:"received"`
	Ignored         int64     `json:"ignored"`
	NotOwned        int64     `json:"not_owned"`
	Duplicates      int64     `json:"duplicates"`
	Dispatched      int64     `json:"dispatched"`
	SweepDispatched int64     `json:"sweep_dispatched"`
	Executed        int64     `json:"executed"`
	Failed          int64     `json:"failed"`
	Skipped         int64     `json:"skipped"`
	TriggerRuns     int64     `json:"trigger_runs"`
	InFlight        int64     `json:"in_flight"`
	Locks           LockStats `json:"locks"`
}

// Coordinator watches the remote action feed and executes the actions owned
// by the local user exactly once per process. Execution runs on its own
// goroutine per action so a slow terminal never blocks the feed.
type Coordinator struct {
	cfg     Config
	actions domain.ActionStore
	book    *PositionBook
	sender  CommandSender
	locks   *LockTable
	queue   Enqueuer
	feed    domain.ChangeFeed
	logger  *slog.Logger
	now     func() time.Time

	dlock   domain.LockManager
	alerter Alerter
	metrics *metrics.Metrics

	wg      sync.WaitGroup
	closing atomic.Bool

	recentMu sync.Mutex
	recent   map[string]executedMark

	triggerMu sync.Mutex
	consumed  map[string]time.Time

	received        atomic.Int64
	ignored         atomic.Int64
	notOwned        atomic.Int64
	duplicates      atomic.Int64
	dispatched      atomic.Int64
	sweepDispatched atomic.Int64
	executed        atomic.Int64
	failed          atomic.Int64
	skipped         atomic.Int64
	triggerRuns     atomic.Int64
	inflight        atomic.Int64
}

// executedMark remembers which instance of an action was already executed so
// late or repeated notifications for it are ignored.
type executedMark struct {
	version time.Time
	at      time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	cfg Config,
	actions domain.ActionStore,
	book *PositionBook,
	sender CommandSender,
	locks *LockTable,
	queue Enqueuer,
	feed domain.ChangeFeed,
	logger *slog.Logger,
) *Coordinator {
	def := DefaultConfig(cfg.UserID)
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.LockSweepInterval <= 0 {
		cfg.LockSweepInterval = def.LockSweepInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.TriggerDelay < 0 {
		cfg.TriggerDelay = 0
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	return &Coordinator{
		cfg:      cfg,
		actions:  actions,
		book:     book,
		sender:   sender,
		locks:    locks,
		queue:    queue,
		feed:     feed,
		logger:   logger.With(slog.String("component", "actionsync"), slog.String("user_id", cfg.UserID)),
		now:      time.Now,
		recent:   make(map[string]executedMark),
		consumed: make(map[string]time.Time),
	}
}

// SetDistributedLock makes every execution additionally claim the action in
// a shared lock service, for deployments running several processes per user.
func (c *Coordinator) SetDistributedLock(lm domain.LockManager) { c.dlock = lm }

// SetAlerter enables operator notifications for stale locks.
func (c *Coordinator) SetAlerter(a Alerter) { c.alerter = a }

// SetMetrics enables Prometheus instrumentation.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Run subscribes to the action feed and processes notifications until ctx is
// cancelled. The periodic re-sync sweep and the stale lock sweep run on the
// same loop.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("action sync started")
	defer c.logger.Info("action sync stopped")

	ch, err := c.feed.SubscribeActions(ctx, c.cfg.UserID)
	if err != nil {
		return fmt.Errorf("executor: subscribe actions: %w", err)
	}

	if _, err := c.Sweep(ctx); err != nil {
		c.logger.Warn("initial sweep failed", slog.String("error", err.Error()))
	}

	syncTicker := time.NewTicker(c.cfg.SyncInterval)
	defer syncTicker.Stop()
	lockTicker := time.NewTicker(c.cfg.LockSweepInterval)
	defer lockTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case a, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("action feed closed, relying on periodic sweep")
				ch = nil
				continue
			}
			c.HandleActionChange(ctx, a)

		case <-syncTicker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Warn("sweep failed", slog.String("error", err.Error()))
			}

		case <-lockTicker.C:
			c.sweepLocks(ctx)
		}
	}
}

// HandleActionChange reacts to one action notification. Only EXECUTING
// actions owned by the local user are executed, and only when no execution
// of the same action is in flight. It reports whether an execution was
// started.
func (c *Coordinator) HandleActionChange(ctx context.Context, a domain.Action) bool {
	c.received.Add(1)

	if c.closing.Load() {
		c.ignored.Add(1)
		c.metrics.ActionIgnored("shutting_down")
		return false
	}
	if a.Status != domain.ActionExecuting {
		c.ignored.Add(1)
		c.metrics.ActionIgnored("status")
		return false
	}
	if a.UserID != c.cfg.UserID {
		c.notOwned.Add(1)
		c.metrics.ActionIgnored("not_owned")
		c.logger.Debug("action not owned locally, ignoring",
			slog.String("action_id", a.ID),
			slog.String("owner", a.UserID),
		)
		return false
	}
	if c.alreadyExecuted(a) {
		c.duplicates.Add(1)
		c.metrics.ActionIgnored("already_executed")
		return false
	}
	if !c.locks.Acquire(a.ID) {
		c.duplicates.Add(1)
		c.metrics.ActionIgnored("locked")
		c.logger.Debug("action already executing", slog.String("action_id", a.ID))
		return false
	}
	c.metrics.SetLocksHeld(c.locks.Stats().Held)

	c.dispatched.Add(1)
	c.inflight.Add(1)
	c.wg.Add(1)
	execCtx := context.WithoutCancel(ctx)
	go func() {
		defer c.wg.Done()
		defer c.inflight.Add(-1)
		c.run(execCtx, a)
	}()
	return true
}

// Sweep lists the local user's EXECUTING actions and dispatches any that are
// not already running. It returns how many executions were started.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	list, err := c.actions.ListByStatus(ctx, c.cfg.UserID, domain.ActionExecuting)
	if err != nil {
		return 0, fmt.Errorf("executor: sweep: %w", err)
	}
	n := 0
	for _, a := range list {
		if c.locks.Held(a.ID) {
			continue
		}
		if c.HandleActionChange(ctx, a) {
			n++
		}
	}
	if n > 0 {
		c.sweepDispatched.Add(int64(n))
		c.logger.Info("sweep dispatched actions", slog.Int("count", n))
	}
	return n, nil
}

// run holds the lock for a. The lock is released on every path.
func (c *Coordinator) run(ctx context.Context, a domain.Action) {
	log := c.logger.With(
		slog.String("action_id", a.ID),
		slog.String("type", string(a.Type)),
		slog.String("position_id", a.PositionID),
	)

	succeeded := false
	defer func() {
		if succeeded {
			c.locks.Release(a.ID)
		} else {
			c.locks.ReleaseAsFailed(a.ID)
		}
		c.metrics.SetLocksHeld(c.locks.Stats().Held)
	}()

	if c.dlock != nil {
		unlock, err := c.dlock.Acquire(ctx, "action:"+a.ID, c.cfg.LockTimeout)
		if errors.Is(err, domain.ErrLockHeld) {
			c.skipped.Add(1)
			log.Debug("action claimed by another process")
			return
		}
		if err != nil {
			c.abort(a, log, fmt.Errorf("executor: action %s: distributed lock: %w", a.ID, err))
			return
		}
		defer unlock()
	}

	fresh, err := c.actions.GetByID(ctx, a.ID)
	if err != nil {
		c.abort(a, log, fmt.Errorf("executor: action %s: re-read: %w", a.ID, err))
		return
	}
	if fresh.Status != domain.ActionExecuting {
		c.skipped.Add(1)
		log.Debug("action no longer executing", slog.String("status", string(fresh.Status)))
		return
	}

	start := c.now()
	execErr := c.Execute(ctx, fresh)
	elapsed := c.now().Sub(start).Seconds()

	if execErr != nil {
		c.failed.Add(1)
		c.metrics.ActionExecuted(string(fresh.Type), "failed", elapsed)
		log.Error("action failed", slog.String("error", execErr.Error()))
		c.finish(fresh, domain.ActionFailed, execErr.Error())
		return
	}

	succeeded = true
	c.executed.Add(1)
	c.metrics.ActionExecuted(string(fresh.Type), "executed", elapsed)
	log.Info("action executed")
	c.finish(fresh, domain.ActionExecuted, "")
}

// abort marks a as FAILED when it could not be started.
func (c *Coordinator) abort(a domain.Action, log *slog.Logger, err error) {
	c.failed.Add(1)
	c.metrics.ActionExecuted(string(a.Type), "failed", 0)
	log.Error("action failed before execution", slog.String("error", err.Error()))
	c.finish(a, domain.ActionFailed, err.Error())
}

// Execute performs the action: ENTRY moves the position to OPENING and sends
// OPEN; CLOSE moves it to CLOSING and sends CLOSE. A failed ENTRY send
// cancels the position.
func (c *Coordinator) Execute(ctx context.Context, a domain.Action) error {
	switch a.Type {
	case domain.ActionEntry:
		return c.open(ctx, a)
	case domain.ActionClose:
		return c.close(ctx, a)
	default:
		return fmt.Errorf("executor: action %s: unknown type %q", a.ID, a.Type)
	}
}

func (c *Coordinator) open(ctx context.Context, a domain.Action) error {
	pos, err := c.book.Transition(ctx, a.PositionID, domain.PositionOpening, nil)
	if err != nil {
		return fmt.Errorf("executor: entry %s: %w", a.ID, err)
	}
	account := accountFor(a, pos)
	msg := &protocol.Open{
		Header:     protocol.NewHeader(protocol.TypeOpen, c.now()),
		AccountID:  account,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side()),
		Volume:     pos.AbsVolume(),
		TrailWidth: pos.TrailWidth,
		Metadata:   map[string]string{"actionId": a.ID},
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	if err := c.sender.Send(sendCtx, account, msg); err != nil {
		if _, cerr := c.book.Transition(ctx, pos.ID, domain.PositionCanceled, nil); cerr != nil {
			c.logger.Warn("position not canceled after failed open",
				slog.String("position_id", pos.ID),
				slog.String("error", cerr.Error()),
			)
		}
		return fmt.Errorf("executor: entry %s: send open: %w", a.ID, err)
	}
	return nil
}

func (c *Coordinator) close(ctx context.Context, a domain.Action) error {
	pos, err := c.book.Transition(ctx, a.PositionID, domain.PositionClosing, nil)
	if err != nil {
		return fmt.Errorf("executor: close %s: %w", a.ID, err)
	}
	account := accountFor(a, pos)
	msg := &protocol.Close{
		Header:     protocol.NewHeader(protocol.TypeClose, c.now()),
		AccountID:  account,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side()),
		Volume:     pos.AbsVolume(),
		Metadata:   map[string]string{"actionId": a.ID},
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	if err := c.sender.Send(sendCtx, account, msg); err != nil {
		// The position stays CLOSING; the terminal may still report CLOSED or
		// STOPPED for it.
		return fmt.Errorf("executor: close %s: send close: %w", a.ID, err)
	}
	return nil
}

func accountFor(a domain.Action, p domain.Position) string {
	if a.AccountID != "" {
		return a.AccountID
	}
	return p.AccountID
}

// finish records the terminal status locally and queues the remote write at
// high priority.
func (c *Coordinator) finish(a domain.Action, status domain.ActionStatus, errMsg string) {
	c.recentMu.Lock()
	c.recent[a.ID] = executedMark{version: a.UpdatedAt, at: c.now()}
	c.recentMu.Unlock()

	if c.queue == nil {
		return
	}
	_, err := c.queue.Enqueue(delivery.Item{
		Kind:     delivery.KindActionStatus,
		Key:      a.ID,
		Payload:  delivery.ActionStatusChange{ActionID: a.ID, Status: status, Error: errMsg},
		Priority: delivery.PriorityHigh,
	})
	if err != nil {
		c.logger.Error("action status write not queued",
			slog.String("action_id", a.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) alreadyExecuted(a domain.Action) bool {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	mark, ok := c.recent[a.ID]
	return ok && !a.UpdatedAt.After(mark.version)
}

func (c *Coordinator) sweepLocks(ctx context.Context) {
	stale := c.locks.SweepStale(c.cfg.LockTimeout)
	c.metrics.SetLocksHeld(c.locks.Stats().Held)

	cutoff := c.now().Add(-memoryRetention)
	c.recentMu.Lock()
	for id, mark := range c.recent {
		if mark.at.Before(cutoff) {
			delete(c.recent, id)
		}
	}
	c.recentMu.Unlock()
	c.triggerMu.Lock()
	for id, at := range c.consumed {
		if at.Before(cutoff) {
			delete(c.consumed, id)
		}
	}
	c.triggerMu.Unlock()
	if c.book != nil {
		c.book.Prune(cutoff)
	}

	if len(stale) == 0 {
		return
	}
	c.metrics.StaleLocksRecovered(len(stale))
	if c.alerter != nil {
		msg := fmt.Sprintf("%d action lock(s) exceeded %s and were released: %s",
			len(stale), c.cfg.LockTimeout, strings.Join(stale, ", "))
		if err := c.alerter.Notify(ctx, "stale_lock", "Stale action locks", msg); err != nil {
			c.logger.Warn("stale lock alert failed", slog.String("error", err.Error()))
		}
	}
}

// Wait blocks until every in-flight execution has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown stops accepting notifications and waits for in-flight executions
// until ctx expires. Locks still held at the deadline are left for the
// staleness sweep of the next run.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.closing.Store(true)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("action sync drained")
		return nil
	case <-ctx.Done():
		c.logger.Warn("action sync shutdown deadline reached",
			slog.Int64("in_flight", c.inflight.Load()),
			slog.Int("locks_held", c.locks.Stats().Held),
		)
		return fmt.Errorf("executor: shutdown: %w", ctx.Err())
	}
}

// Locks exposes the lock table for the admin API.
func (c *Coordinator) Locks() *LockTable { return c.locks }

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Received:        c.received.Load(),
		Ignored:         c.ignored.Load(),
		NotOwned:        c.notOwned.Load(),
		Duplicates:      c.duplicates.Load(),
		Dispatched:      c.dispatched.Load(),
		SweepDispatched: c.sweepDispatched.Load(),
		Executed:        c.executed.Load(),
		Failed:          c.failed.Load(),
		Skipped:         c.skipped.Load(),
		TriggerRuns:     c.triggerRuns.Load(),
		InFlight:        c.inflight.Load(),
		Locks:           c.locks.Stats(),
	}
}
