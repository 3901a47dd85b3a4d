// Package config defines the top-level configuration for the hedge
// coordinator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by HEDGECOORD_* environment variables.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Trail       TrailConfig       `toml:"trail"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Delivery    DeliveryConfig    `toml:"delivery"`
	Store       StoreConfig       `toml:"store"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Notify      NotifyConfig      `toml:"notify"`
	Metrics     MetricsConfig     `toml:"metrics"`
	LogLevel    string            `toml:"log_level"`
}

// ServerConfig holds the terminal-facing WebSocket listener and admin API
// parameters.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// AuthToken is the shared secret terminals present on connect. Either it
	// or AuthTokenHash (bcrypt) must be set.
	AuthToken     string `toml:"auth_token"`
	AuthTokenHash string `toml:"auth_token_hash"`
	// APIKey protects the admin API; empty disables auth on /api routes.
	APIKey             string   `toml:"api_key"`
	MaxConnections     int      `toml:"max_connections"`
	HeartbeatInterval  duration `toml:"heartbeat_interval"`
	ConnectionTimeout  duration `toml:"connection_timeout"`
	AuthTimeout        duration `toml:"auth_timeout"`
	SendTimeout        duration `toml:"send_timeout"`
	HandshakeRateLimit int      `toml:"handshake_rate_limit"` // per remote IP per minute; 0 disables
	APIRateLimit       int      `toml:"api_rate_limit"`       // admin requests per remote IP per minute; 0 disables
	CORSOrigins        []string `toml:"cors_origins"`
}

// CoordinatorConfig holds ActionSync parameters.
type CoordinatorConfig struct {
	// UserID is the owner identity this process executes actions for.
	UserID            string   `toml:"user_id"`
	LockTimeout       duration `toml:"lock_timeout"`
	LockSweepInterval duration `toml:"lock_sweep_interval"`
	SyncInterval      duration `toml:"sync_interval"`
	TriggerDelay      duration `toml:"trigger_delay"`
	CommandTimeout    duration `toml:"command_timeout"`
	ShutdownTimeout   duration `toml:"shutdown_timeout"`
	// DistributedLock additionally claims each action in Redis.
	DistributedLock bool `toml:"distributed_lock"`
}

// TrailConfig holds the pip conversion table used by the trail engine.
type TrailConfig struct {
	// PipSizes maps a symbol (e.g. "USDJPY") to the price value of one pip.
	PipSizes       map[string]float64 `toml:"pip_sizes"`
	DefaultPipSize float64            `toml:"default_pip_size"`
	// PriceChannel is the Redis channel pattern quotes are published on.
	PriceChannel string `toml:"price_channel"`
}

// ReconcileConfig holds conflict detection and resolution parameters.
type ReconcileConfig struct {
	Strategy        string   `toml:"strategy"` // source_priority | timestamp_priority
	PreferredSource string   `toml:"preferred_source"`
	Tolerance       float64  `toml:"tolerance"`
	TimingWindow    duration `toml:"timing_window"`
	HistorySize     int      `toml:"history_size"`
	PullInterval    duration `toml:"pull_interval"`
	// TerminalRetention is how long a closed position's record is kept
	// before the pull tick drops it.
	TerminalRetention duration `toml:"terminal_retention"`
}

// DeliveryConfig holds retry queue parameters.
type DeliveryConfig struct {
	MaxRetries     int      `toml:"max_retries"`
	BaseDelay      duration `toml:"base_delay"`
	Multiplier     float64  `toml:"multiplier"`
	MaxDelay       duration `toml:"max_delay"`
	Workers        int      `toml:"workers"`
	AttemptTimeout duration `toml:"attempt_timeout"`
	ShutdownPolicy string   `toml:"shutdown_policy"` // flush | drop
	FlushTimeout   duration `toml:"flush_timeout"`
	StuckThreshold duration `toml:"stuck_threshold"`
}

// StoreConfig selects the remote store backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // postgres | memory
	// Feed selects where change notifications come from: postgres
	// (LISTEN/NOTIFY), redis (pub/sub, for several coordinators sharing one
	// database) or memory. Empty picks the backend's own feed.
	Feed string `toml:"feed"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archive.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			MaxConnections:    10,
			HeartbeatInterval: duration{30 * time.Second},
			ConnectionTimeout: duration{60 * time.Second},
			AuthTimeout:       duration{10 * time.Second},
			SendTimeout:       duration{5 * time.Second},
			CORSOrigins:       []string{"http://localhost:3000"},
		},
		Coordinator: CoordinatorConfig{
			LockTimeout:       duration{5 * time.Minute},
			LockSweepInterval: duration{10 * time.Second},
			SyncInterval:      duration{5 * time.Second},
			TriggerDelay:      duration{100 * time.Millisecond},
			CommandTimeout:    duration{10 * time.Second},
			ShutdownTimeout:   duration{15 * time.Second},
		},
		Trail: TrailConfig{
			PipSizes:     map[string]float64{},
			PriceChannel: "ch:price:*",
		},
		Reconcile: ReconcileConfig{
			Strategy:        "timestamp_priority",
			PreferredSource: "websocket",
			Tolerance:       0.0001,
			TimingWindow:    duration{time.Second},
			HistorySize:     1000,
			PullInterval:    duration{30 * time.Second},

			TerminalRetention: duration{10 * time.Minute},
		},
		Delivery: DeliveryConfig{
			MaxRetries:     3,
			BaseDelay:      duration{time.Second},
			Multiplier:     2,
			MaxDelay:       duration{30 * time.Second},
			Workers:        2,
			AttemptTimeout: duration{10 * time.Second},
			ShutdownPolicy: "flush",
			FlushTimeout:   duration{10 * time.Second},
			StuckThreshold: duration{2 * time.Minute},
		},
		Store: StoreConfig{
			Backend: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hedge",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "hedge-audit",
			ForcePathStyle:  true,
			ArchiveInterval: duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events:   []string{"delivery_dead_letter", "stale_lock", "terminal_error"},
			Cooldown: duration{time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "hedgecoord",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.AuthToken == "" && c.Server.AuthTokenHash == "" {
		errs = append(errs, "server: auth_token or auth_token_hash must be set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, "server: max_connections must be >= 1")
	}
	if c.Server.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "server: heartbeat_interval must be > 0")
	}
	if c.Server.ConnectionTimeout.Duration <= c.Server.HeartbeatInterval.Duration {
		errs = append(errs, "server: connection_timeout must exceed heartbeat_interval")
	}
	if c.Server.SendTimeout.Duration <= 0 {
		errs = append(errs, "server: send_timeout must be > 0")
	}
	if c.Server.HandshakeRateLimit > 0 && !c.Redis.Enabled {
		errs = append(errs, "server: handshake_rate_limit requires redis.enabled")
	}
	if c.Server.APIRateLimit > 0 && !c.Redis.Enabled {
		errs = append(errs, "server: api_rate_limit requires redis.enabled")
	}

	// Coordinator
	if strings.TrimSpace(c.Coordinator.UserID) == "" {
		errs = append(errs, "coordinator: user_id must not be empty")
	}
	if c.Coordinator.LockTimeout.Duration <= 0 {
		errs = append(errs, "coordinator: lock_timeout must be > 0")
	}
	if c.Coordinator.LockSweepInterval.Duration <= 0 {
		errs = append(errs, "coordinator: lock_sweep_interval must be > 0")
	}
	if c.Coordinator.SyncInterval.Duration <= 0 {
		errs = append(errs, "coordinator: sync_interval must be > 0")
	}
	if c.Coordinator.TriggerDelay.Duration < 0 {
		errs = append(errs, "coordinator: trigger_delay must be >= 0")
	}
	if c.Coordinator.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "coordinator: distributed_lock requires redis.enabled")
	}

	// Trail
	for sym, size := range c.Trail.PipSizes {
		if size <= 0 {
			errs = append(errs, fmt.Sprintf("trail: pip size for %s must be > 0", sym))
		}
	}
	if c.Trail.DefaultPipSize < 0 {
		errs = append(errs, "trail: default_pip_size must be >= 0")
	}

	// Reconcile
	switch c.Reconcile.Strategy {
	case "source_priority", "timestamp_priority":
	default:
		errs = append(errs, fmt.Sprintf("reconcile: unknown strategy %q (valid: source_priority, timestamp_priority)", c.Reconcile.Strategy))
	}
	switch c.Reconcile.PreferredSource {
	case "websocket", "remote":
	default:
		errs = append(errs, fmt.Sprintf("reconcile: preferred_source must be websocket or remote, got %q", c.Reconcile.PreferredSource))
	}
	if c.Reconcile.Tolerance < 0 {
		errs = append(errs, "reconcile: tolerance must be >= 0")
	}
	if c.Reconcile.HistorySize < 1 {
		errs = append(errs, "reconcile: history_size must be >= 1")
	}

	// Delivery
	if c.Delivery.MaxRetries < 0 {
		errs = append(errs, "delivery: max_retries must be >= 0")
	}
	if c.Delivery.BaseDelay.Duration <= 0 {
		errs = append(errs, "delivery: base_delay must be > 0")
	}
	if c.Delivery.Multiplier < 1 {
		errs = append(errs, "delivery: multiplier must be >= 1")
	}
	if c.Delivery.MaxDelay.Duration < c.Delivery.BaseDelay.Duration {
		errs = append(errs, "delivery: max_delay must be >= base_delay")
	}
	if c.Delivery.Workers < 1 {
		errs = append(errs, "delivery: workers must be >= 1")
	}
	if c.Delivery.ShutdownPolicy != "flush" && c.Delivery.ShutdownPolicy != "drop" {
		errs = append(errs, fmt.Sprintf("delivery: shutdown_policy must be flush or drop, got %q", c.Delivery.ShutdownPolicy))
	}

	// Store
	switch c.Store.Backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: postgres, memory)", c.Store.Backend))
	}
	switch c.Store.Feed {
	case "":
	case "postgres":
		if c.Store.Backend != "postgres" {
			errs = append(errs, "store: feed postgres requires the postgres backend")
		}
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "store: feed redis requires redis.enabled")
		}
	case "memory":
		if c.Store.Backend != "memory" {
			errs = append(errs, "store: feed memory requires the memory backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown feed %q (valid: postgres, redis, memory)", c.Store.Feed))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Store.Backend != "postgres" {
			errs = append(errs, "s3: archiving requires the postgres store backend")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
