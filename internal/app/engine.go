package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/executor"
	"github.com/alanyoungcy/hedgecoord/internal/reconcile"
	"github.com/alanyoungcy/hedgecoord/internal/server"
	"github.com/alanyoungcy/hedgecoord/internal/server/handler"
	"github.com/alanyoungcy/hedgecoord/internal/server/ws"
	"github.com/alanyoungcy/hedgecoord/internal/trail"
)

// deadLetterNotifyTimeout bounds the alert sent when an item is dead-lettered.
const deadLetterNotifyTimeout = 10 * time.Second

// engine holds the coordination components built from Dependencies.
type engine struct {
	deps *Dependencies

	queue     *delivery.Queue
	book      *executor.PositionBook
	terminals *ws.Server
	coord     *executor.Coordinator
	trail     *trail.Engine
	reconcile *reconcile.Manager
	router    *executor.EventRouter
	http      *server.Server
}

// buildEngine constructs every coordination component and connects them.
// Nothing is started.
func (a *App) buildEngine(deps *Dependencies) *engine {
	cfg := a.cfg
	userID := cfg.Coordinator.UserID
	e := &engine{deps: deps}

	e.queue = delivery.NewQueue(delivery.Config{
		MaxRetries:     cfg.Delivery.MaxRetries,
		BaseDelay:      cfg.Delivery.BaseDelay.Duration,
		Multiplier:     cfg.Delivery.Multiplier,
		MaxDelay:       cfg.Delivery.MaxDelay.Duration,
		Workers:        cfg.Delivery.Workers,
		AttemptTimeout: cfg.Delivery.AttemptTimeout.Duration,
		StuckThreshold: cfg.Delivery.StuckThreshold.Duration,
	}, delivery.NewStoreDeliverer(deps.Positions, deps.Actions, deps.Accounts, deps.Audit), a.logger, deps.Metrics)
	e.queue.OnDeadLetter(func(d delivery.DeadItem) {
		a.logger.Error("delivery dead-lettered",
			slog.String("item_id", d.ID),
			slog.String("kind", string(d.Kind)),
			slog.String("key", d.Key),
			slog.Int("attempts", d.Attempts),
			slog.String("reason", d.Reason),
		)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), deadLetterNotifyTimeout)
			defer cancel()
			msg := fmt.Sprintf("%s %s gave up after %d attempts: %s", d.Kind, d.Key, d.Attempts, d.Reason)
			if err := deps.Notifier.Notify(ctx, "delivery_dead_letter", "Delivery dead-lettered", msg); err != nil {
				a.logger.Warn("dead-letter notification failed", slog.String("error", err.Error()))
			}
		}()
	})

	e.book = executor.NewPositionBook(deps.Positions, e.queue, a.logger)

	e.terminals = ws.NewServer(ws.Config{
		AuthToken:          cfg.Server.AuthToken,
		AuthTokenHash:      cfg.Server.AuthTokenHash,
		MaxConnections:     cfg.Server.MaxConnections,
		HeartbeatInterval:  cfg.Server.HeartbeatInterval.Duration,
		ConnectionTimeout:  cfg.Server.ConnectionTimeout.Duration,
		AuthTimeout:        cfg.Server.AuthTimeout.Duration,
		SendTimeout:        cfg.Server.SendTimeout.Duration,
		HandshakeRateLimit: cfg.Server.HandshakeRateLimit,
	}, a.logger, deps.Metrics)
	if deps.RateLimiter != nil && cfg.Server.HandshakeRateLimit > 0 {
		e.terminals.SetRateLimiter(deps.RateLimiter)
	}

	e.coord = executor.NewCoordinator(executor.Config{
		UserID:            userID,
		LockTimeout:       cfg.Coordinator.LockTimeout.Duration,
		LockSweepInterval: cfg.Coordinator.LockSweepInterval.Duration,
		SyncInterval:      cfg.Coordinator.SyncInterval.Duration,
		TriggerDelay:      cfg.Coordinator.TriggerDelay.Duration,
		CommandTimeout:    cfg.Coordinator.CommandTimeout.Duration,
	}, deps.Actions, e.book, e.terminals, executor.NewLockTable(a.logger), e.queue, deps.Feed, a.logger)
	e.coord.SetAlerter(deps.Notifier)
	e.coord.SetMetrics(deps.Metrics)
	if cfg.Coordinator.DistributedLock && deps.LockManager != nil {
		e.coord.SetDistributedLock(deps.LockManager)
	}

	e.trail = trail.NewEngine(
		trail.NewPipTable(cfg.Trail.PipSizes, cfg.Trail.DefaultPipSize),
		e.coord, a.logger, deps.Metrics,
	)

	e.reconcile = reconcile.NewManager(reconcile.Config{
		UserID:          userID,
		Strategy:        reconcile.Strategy(cfg.Reconcile.Strategy),
		PreferredSource: reconcile.Source(cfg.Reconcile.PreferredSource),
		Tolerance:       cfg.Reconcile.Tolerance,
		TimingWindow:    cfg.Reconcile.TimingWindow.Duration,
		HistorySize:     cfg.Reconcile.HistorySize,
		PullInterval:    cfg.Reconcile.PullInterval.Duration,

		TerminalRetention: cfg.Reconcile.TerminalRetention.Duration,
	}, a.logger, deps.Metrics)
	e.reconcile.AddSink(reconcile.NewAuditSink(e.queue))
	if deps.ConflictStream != nil {
		e.reconcile.AddSink(deps.ConflictStream)
	}
	e.reconcile.OnChange(func(u reconcile.Update) {
		if u.Kind == reconcile.KindPosition && u.Position != nil {
			e.book.Put(*u.Position)
		}
	})

	e.router = executor.NewEventRouter(e.book, e.trail, e.reconcile, a.logger)
	e.router.SetQueue(e.queue)
	e.router.SetAlerter(deps.Notifier)

	conflicts := handler.NewConflictHandler(e.reconcile)
	if deps.ConflictStream != nil {
		conflicts.SetReplay(deps.ConflictStream)
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: handler.NewStatusHandler(userID, cfg.Store.Backend, map[string]func() any{
			"coordinator": func() any { return e.coord.Stats() },
			"router":      func() any { return e.router.Stats() },
			"terminals":   func() any { return e.terminals.Stats() },
			"trail":       func() any { return e.trail.Stats() },
			"reconcile":   func() any { return e.reconcile.Stats() },
			"delivery":    func() any { return e.queue.Stats() },
		}),
		Connections: handler.NewConnectionHandler(e.terminals, a.logger),
		Locks:       handler.NewLockHandler(e.coord.Locks(), a.logger),
		Conflicts:   conflicts,
		Delivery:    handler.NewDeliveryHandler(e.queue),
		Monitors:    handler.NewMonitorHandler(e.trail),
		Positions:   handler.NewPositionHandler(e.book),
		Terminals:   e.terminals.HandleWS,
	}
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
	}
	e.http = server.NewServer(server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
		RateLimit:   cfg.Server.APIRateLimit,
	}, handlers, deps.RateLimiter, a.logger)

	return e
}

// restore seeds the position book from the remote store and re-arms trail
// monitors for open positions.
func (a *App) restore(ctx context.Context, e *engine) error {
	n, err := e.book.Load(ctx, a.cfg.Coordinator.UserID)
	if err != nil {
		return err
	}
	armed := 0
	for _, p := range e.book.List(domain.PositionOpen) {
		if !p.HasTrail() {
			continue
		}
		if err := e.trail.AddMonitoring(p); err != nil {
			a.logger.Warn("trail monitor not restored",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		armed++
	}
	a.logger.Info("position book restored",
		slog.Int("positions", n),
		slog.Int("trail_monitors", armed),
	)
	return nil
}

// serve runs the engine until ctx is cancelled, then shuts it down in order:
// intake stops, in-flight executions drain, the delivery queue flushes and
// finally terminal connections close.
func (a *App) serve(ctx context.Context, e *engine) error {
	cfg := a.cfg

	// The queue and the terminal connections outlive the intake loops so
	// draining executions can still send commands and persist results.
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = e.queue.Run(queueCtx)
	}()

	connCtx, stopConns := context.WithCancel(context.Background())
	defer stopConns()
	connsDone := make(chan struct{})
	go func() {
		defer close(connsDone)
		_ = e.terminals.Run(connCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.coord.Run(gctx)
	})
	g.Go(func() error {
		return e.router.Run(gctx, e.terminals.Events())
	})
	g.Go(func() error {
		return e.reconcile.Run(gctx, e.deps.Feed, e.deps.Positions)
	})

	if e.deps.PriceFeed != nil {
		ticks, err := e.deps.PriceFeed.Subscribe(gctx)
		if err != nil {
			a.logger.Warn("price feed unavailable, trailing on terminal prices only",
				slog.String("error", err.Error()),
			)
		} else {
			g.Go(func() error {
				return e.trail.Run(gctx, ticks)
			})
		}
	}

	if e.deps.Archiver != nil {
		g.Go(func() error {
			return e.deps.Archiver.Run(gctx, cfg.S3.ArchiveInterval.Duration)
		})
	}

	g.Go(func() error {
		return e.http.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.http.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownTimeout.Duration)
	if err := e.coord.Shutdown(drainCtx); err != nil {
		a.logger.Warn("coordinator did not drain", slog.String("error", err.Error()))
	}
	cancelDrain()

	stopQueue()
	<-queueDone
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.Delivery.FlushTimeout.Duration)
	report, err := e.queue.Shutdown(flushCtx, delivery.ShutdownPolicy(cfg.Delivery.ShutdownPolicy))
	cancelFlush()
	if err != nil {
		a.logger.Warn("delivery queue shutdown incomplete", slog.String("error", err.Error()))
	}
	a.logger.Info("delivery queue stopped",
		slog.Int("flushed", report.Flushed),
		slog.Int("failed", report.Failed),
		slog.Int("dropped", report.Dropped),
	)

	stopConns()
	<-connsDone
	e.router.Wait()
	e.trail.Wait()

	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return runErr
}
