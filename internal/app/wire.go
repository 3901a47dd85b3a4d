package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/hedgecoord/internal/blob/s3"
	"github.com/alanyoungcy/hedgecoord/internal/cache/redis"
	"github.com/alanyoungcy/hedgecoord/internal/config"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/metrics"
	"github.com/alanyoungcy/hedgecoord/internal/notify"
	"github.com/alanyoungcy/hedgecoord/internal/server/handler"
	"github.com/alanyoungcy/hedgecoord/internal/store/memory"
	"github.com/alanyoungcy/hedgecoord/internal/store/postgres"
)

// Dependencies bundles the infrastructure the engine runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Remote store
	Positions domain.PositionStore
	Actions   domain.ActionStore
	Accounts  domain.AccountStore
	Audit     domain.AuditStore
	Feed      domain.ChangeFeed

	// Shared state (nil when Redis is disabled)
	LockManager    domain.LockManager
	RateLimiter    domain.RateLimiter
	PriceFeed      domain.PriceFeed
	ConflictStream *redis.ConflictStream

	// Audit archive (nil when S3 is disabled)
	Archiver *s3blob.AuditArchiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks probe every external dependency for /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	// --- Redis ---
	var bus *redis.SignalBus
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Checks["redis"] = redisClient.Ping

		bus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.PriceFeed = redis.NewPriceFeed(bus, cfg.Trail.PriceChannel, logger)
		deps.ConflictStream = redis.NewConflictStream(bus)
	}

	// With feed = redis every coordinator publishes its own writes on the
	// bus; otherwise the backend's native feed is used.
	var changeBus *redis.ChangeBus
	if cfg.Store.Feed == "redis" {
		if bus == nil {
			return fail(fmt.Errorf("wire: store feed redis requires redis.enabled"))
		}
		changeBus = redis.NewChangeBus(bus, logger)
	}

	// --- Remote store ---
	switch cfg.Store.Backend {
	case "memory":
		var pub domain.ChangePublisher
		if changeBus != nil {
			pub, deps.Feed = changeBus, changeBus
		} else {
			memFeed := memory.NewFeed()
			pub, deps.Feed = memFeed, memFeed
		}
		deps.Positions = memory.NewPositionStore(pub)
		deps.Actions = memory.NewActionStore(pub)
		deps.Accounts = memory.NewAccountStore()
		deps.Audit = memory.NewAuditStore()
		logger.Warn("using the in-memory store; state is lost on restart")

	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)
		deps.Checks["postgres"] = pgClient.Ping

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		// Table triggers NOTIFY on every write, so the stores only publish
		// when the change bus replaces LISTEN.
		var pub domain.ChangePublisher
		if changeBus != nil {
			pub, deps.Feed = changeBus, changeBus
		} else {
			deps.Feed = postgres.NewFeed(pgClient.Pool(), logger)
		}
		pool := pgClient.Pool()
		deps.Positions = postgres.NewPositionStore(pool, pub)
		deps.Actions = postgres.NewActionStore(pool, pub)
		deps.Accounts = postgres.NewAccountStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)

	default:
		return fail(fmt.Errorf("wire: unknown store backend %q", cfg.Store.Backend))
	}

	// --- S3 audit archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Checks["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewAuditArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Audit,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
