package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HEDGECOORD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	normalise(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HEDGECOORD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.Host, "HEDGECOORD_SERVER_HOST")
	setInt(&cfg.Server.Port, "HEDGECOORD_SERVER_PORT")
	setStr(&cfg.Server.AuthToken, "HEDGECOORD_SERVER_AUTH_TOKEN")
	setStr(&cfg.Server.AuthTokenHash, "HEDGECOORD_SERVER_AUTH_TOKEN_HASH")
	setStr(&cfg.Server.APIKey, "HEDGECOORD_SERVER_API_KEY")
	setInt(&cfg.Server.MaxConnections, "HEDGECOORD_SERVER_MAX_CONNECTIONS")
	setDuration(&cfg.Server.HeartbeatInterval, "HEDGECOORD_SERVER_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Server.ConnectionTimeout, "HEDGECOORD_SERVER_CONNECTION_TIMEOUT")
	setDuration(&cfg.Server.AuthTimeout, "HEDGECOORD_SERVER_AUTH_TIMEOUT")
	setDuration(&cfg.Server.SendTimeout, "HEDGECOORD_SERVER_SEND_TIMEOUT")
	setInt(&cfg.Server.HandshakeRateLimit, "HEDGECOORD_SERVER_HANDSHAKE_RATE_LIMIT")
	setInt(&cfg.Server.APIRateLimit, "HEDGECOORD_SERVER_API_RATE_LIMIT")
	setStringSlice(&cfg.Server.CORSOrigins, "HEDGECOORD_SERVER_CORS_ORIGINS")

	// ── Coordinator ──
	setStr(&cfg.Coordinator.UserID, "HEDGECOORD_COORDINATOR_USER_ID")
	setDuration(&cfg.Coordinator.LockTimeout, "HEDGECOORD_COORDINATOR_LOCK_TIMEOUT")
	setDuration(&cfg.Coordinator.LockSweepInterval, "HEDGECOORD_COORDINATOR_LOCK_SWEEP_INTERVAL")
	setDuration(&cfg.Coordinator.SyncInterval, "HEDGECOORD_COORDINATOR_SYNC_INTERVAL")
	setDuration(&cfg.Coordinator.TriggerDelay, "HEDGECOORD_COORDINATOR_TRIGGER_DELAY")
	setDuration(&cfg.Coordinator.CommandTimeout, "HEDGECOORD_COORDINATOR_COMMAND_TIMEOUT")
	setDuration(&cfg.Coordinator.ShutdownTimeout, "HEDGECOORD_COORDINATOR_SHUTDOWN_TIMEOUT")
	setBool(&cfg.Coordinator.DistributedLock, "HEDGECOORD_COORDINATOR_DISTRIBUTED_LOCK")

	// ── Trail ──
	setFloat64(&cfg.Trail.DefaultPipSize, "HEDGECOORD_TRAIL_DEFAULT_PIP_SIZE")
	setStr(&cfg.Trail.PriceChannel, "HEDGECOORD_TRAIL_PRICE_CHANNEL")
	setPipSizes(cfg.Trail.PipSizes, "HEDGECOORD_TRAIL_PIP_SIZES")

	// ── Reconcile ──
	setStr(&cfg.Reconcile.Strategy, "HEDGECOORD_RECONCILE_STRATEGY")
	setStr(&cfg.Reconcile.PreferredSource, "HEDGECOORD_RECONCILE_PREFERRED_SOURCE")
	setFloat64(&cfg.Reconcile.Tolerance, "HEDGECOORD_RECONCILE_TOLERANCE")
	setDuration(&cfg.Reconcile.TimingWindow, "HEDGECOORD_RECONCILE_TIMING_WINDOW")
	setInt(&cfg.Reconcile.HistorySize, "HEDGECOORD_RECONCILE_HISTORY_SIZE")
	setDuration(&cfg.Reconcile.PullInterval, "HEDGECOORD_RECONCILE_PULL_INTERVAL")
	setDuration(&cfg.Reconcile.TerminalRetention, "HEDGECOORD_RECONCILE_TERMINAL_RETENTION")

	// ── Delivery ──
	setInt(&cfg.Delivery.MaxRetries, "HEDGECOORD_DELIVERY_MAX_RETRIES")
	setDuration(&cfg.Delivery.BaseDelay, "HEDGECOORD_DELIVERY_BASE_DELAY")
	setFloat64(&cfg.Delivery.Multiplier, "HEDGECOORD_DELIVERY_MULTIPLIER")
	setDuration(&cfg.Delivery.MaxDelay, "HEDGECOORD_DELIVERY_MAX_DELAY")
	setInt(&cfg.Delivery.Workers, "HEDGECOORD_DELIVERY_WORKERS")
	setStr(&cfg.Delivery.ShutdownPolicy, "HEDGECOORD_DELIVERY_SHUTDOWN_POLICY")
	setDuration(&cfg.Delivery.FlushTimeout, "HEDGECOORD_DELIVERY_FLUSH_TIMEOUT")

	// ── Store ──
	setStr(&cfg.Store.Backend, "HEDGECOORD_STORE_BACKEND")
	setStr(&cfg.Store.Feed, "HEDGECOORD_STORE_FEED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "HEDGECOORD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "HEDGECOORD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HEDGECOORD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HEDGECOORD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HEDGECOORD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HEDGECOORD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HEDGECOORD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "HEDGECOORD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "HEDGECOORD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "HEDGECOORD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "HEDGECOORD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "HEDGECOORD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HEDGECOORD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HEDGECOORD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "HEDGECOORD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "HEDGECOORD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "HEDGECOORD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "HEDGECOORD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "HEDGECOORD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "HEDGECOORD_S3_REGION")
	setStr(&cfg.S3.Bucket, "HEDGECOORD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "HEDGECOORD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "HEDGECOORD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "HEDGECOORD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "HEDGECOORD_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "HEDGECOORD_S3_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "HEDGECOORD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "HEDGECOORD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "HEDGECOORD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "HEDGECOORD_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "HEDGECOORD_NOTIFY_COOLDOWN")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "HEDGECOORD_METRICS_ENABLED")
	setStr(&cfg.Metrics.Namespace, "HEDGECOORD_METRICS_NAMESPACE")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "HEDGECOORD_LOG_LEVEL")
}

// normalise upper-cases pip table symbols so lookups are case-insensitive.
func normalise(cfg *Config) {
	if len(cfg.Trail.PipSizes) == 0 {
		return
	}
	sizes := make(map[string]float64, len(cfg.Trail.PipSizes))
	for sym, size := range cfg.Trail.PipSizes {
		sizes[strings.ToUpper(strings.TrimSpace(sym))] = size
	}
	cfg.Trail.PipSizes = sizes
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setPipSizes merges "SYMBOL=size" pairs separated by commas, e.g.
// "USDJPY=0.01,XAUUSD=0.1", into dst.
func setPipSizes(dst map[string]float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	for _, pair := range strings.Split(v, ",") {
		sym, size, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(size), 64); err == nil {
			dst[strings.ToUpper(strings.TrimSpace(sym))] = f
		}
	}
}
