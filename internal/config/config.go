// Package config defines the top-level configuration for the price arena
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARENA_* environment variables.
type Config struct {
	Feed     FeedConfig     `toml:"feed"`
	Round    RoundConfig    `toml:"round"`
	Spread   SpreadConfig   `toml:"spread"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// FeedConfig holds price feed provider selection and timing.
type FeedConfig struct {
	// Primary is the provider tried first and returned to by primary affinity.
	Primary   string   `toml:"primary"`
	Providers []string `toml:"providers"`
	Symbol    string   `toml:"symbol"`
	// PollInterval drives the REST cross-check poll.
	PollInterval duration `toml:"poll_interval"`
	// FailoverAfter is the silence threshold that advances to the next provider.
	FailoverAfter duration `toml:"failover_after"`
	CheckInterval duration `toml:"check_interval"`
	PrimaryCheck  duration `toml:"primary_check"`
	StatusLog     duration `toml:"status_log"`
	RESTTimeout   duration `toml:"rest_timeout"`
	// TickRecordInterval controls how often the feed price is written to
	// price_ticks. Zero uses the 60s default.
	TickRecordInterval duration `toml:"tick_record_interval"`
	PublishInterval    duration `toml:"publish_interval"`
}

// RoundConfig holds the betting cycle timings and economics.
type RoundConfig struct {
	Length       duration `toml:"length"`
	BetWindow    duration `toml:"bet_window"`
	Pause        duration `toml:"pause"`
	TickInterval duration `toml:"tick_interval"`
	FeeRate      float64  `toml:"fee_rate"`
	// WinXP is granted once per winning bet; 0 disables it.
	WinXP int64 `toml:"win_xp"`
}

// SpreadConfig holds spread tracker thresholds and polling.
type SpreadConfig struct {
	OpenBps           float64  `toml:"open_bps"`
	ConvergeBps       float64  `toml:"converge_bps"`
	Cooldown          duration `toml:"cooldown"`
	SpreadReward      int64    `toml:"spread_reward"`
	ConvergenceReward int64    `toml:"convergence_reward"`
	TransitionXP      int64    `toml:"transition_xp"`
	PollInterval      duration `toml:"poll_interval"`
	UserTrackLimit    int      `toml:"user_track_limit"`
	Concurrency       int      `toml:"concurrency"`
	FetchTimeout      duration `toml:"fetch_timeout"`
	// RequestsPerSecond caps outbound REST calls per upstream host.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	BinanceURL        string  `toml:"binance_url"`
	MexcURL           string  `toml:"mexc_url"`
	DexscreenerURL    string  `toml:"dexscreener_url"`
}

// LedgerConfig holds the XP curve and level-up rewards.
type LedgerConfig struct {
	LevelBase       float64 `toml:"level_base"`
	LevelGrowth     float64 `toml:"level_growth"`
	LevelUpBonus    int64   `toml:"level_up_bonus"`
	LimitEvery      int     `toml:"limit_every"`
	StartingBalance int64   `toml:"starting_balance"`
}

// StorageConfig selects the system of record.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `toml:"driver"`
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
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// BetRateLimit is the number of bets a single user may place per
	// BetRateWindow. Zero disables the limit.
	BetRateLimit  int      `toml:"bet_rate_limit"`
	BetRateWindow duration `toml:"bet_rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			Primary:            "binance",
			Providers:          []string{"binance", "coinbase", "bitstamp"},
			Symbol:             "BTCUSDT",
			PollInterval:       duration{1500 * time.Millisecond},
			FailoverAfter:      duration{10 * time.Second},
			CheckInterval:      duration{time.Second},
			PrimaryCheck:       duration{60 * time.Second},
			StatusLog:          duration{30 * time.Second},
			RESTTimeout:        duration{5 * time.Second},
			TickRecordInterval: duration{60 * time.Second},
			PublishInterval:    duration{time.Second},
		},
		Round: RoundConfig{
			Length:       duration{60 * time.Second},
			BetWindow:    duration{30 * time.Second},
			Pause:        duration{5 * time.Second},
			TickInterval: duration{time.Second},
			FeeRate:      0.10,
			WinXP:        100,
		},
		Spread: SpreadConfig{
			OpenBps:           30,
			ConvergeBps:       10,
			Cooldown:          duration{60 * time.Second},
			SpreadReward:      1000,
			ConvergenceReward: 1000,
			TransitionXP:      300,
			PollInterval:      duration{1500 * time.Millisecond},
			UserTrackLimit:    5,
			Concurrency:       8,
			FetchTimeout:      duration{5 * time.Second},
			RequestsPerSecond: 10,
			BinanceURL:        "https://api.binance.com",
			MexcURL:           "https://api.mexc.com",
			DexscreenerURL:    "https://api.dexscreener.com",
		},
		Ledger: LedgerConfig{
			LevelBase:       5000,
			LevelGrowth:     1.15,
			LevelUpBonus:    10000,
			LimitEvery:      5,
			StartingBalance: 0,
		},
		Storage: StorageConfig{
			Driver: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arena-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          10000,
			CORSOrigins:   []string{"http://localhost:5173"},
			BetRateLimit:  10,
			BetRateWindow: duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"round_recovered", "spread_open", "anomaly"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"rounds":  true,
	"spread":  true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// knownProviders enumerates the price feed providers the engine can build.
var knownProviders = map[string]bool{
	"binance":  true,
	"coinbase": true,
	"bitstamp": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, rounds, spread, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed
	if len(c.Feed.Providers) == 0 {
		errs = append(errs, "feed: providers must not be empty")
	}
	primaryListed := false
	for _, p := range c.Feed.Providers {
		if !knownProviders[strings.ToLower(p)] {
			errs = append(errs, fmt.Sprintf("feed: unknown provider %q", p))
		}
		if strings.EqualFold(p, c.Feed.Primary) {
			primaryListed = true
		}
	}
	if !primaryListed {
		errs = append(errs, fmt.Sprintf("feed: primary %q is not in providers", c.Feed.Primary))
	}
	if c.Feed.Symbol == "" {
		errs = append(errs, "feed: symbol must not be empty")
	}
	if c.Feed.FailoverAfter.Duration <= 0 || c.Feed.CheckInterval.Duration <= 0 {
		errs = append(errs, "feed: failover_after and check_interval must be > 0")
	}
	if c.Feed.PrimaryCheck.Duration <= c.Feed.FailoverAfter.Duration {
		errs = append(errs, "feed: primary_check must be longer than failover_after")
	}

	// Round
	if c.Round.Length.Duration <= 0 {
		errs = append(errs, "round: length must be > 0")
	}
	if c.Round.BetWindow.Duration <= 0 || c.Round.BetWindow.Duration > c.Round.Length.Duration {
		errs = append(errs, "round: bet_window must be > 0 and <= length")
	}
	if c.Round.Pause.Duration < 0 {
		errs = append(errs, "round: pause must be >= 0")
	}
	if c.Round.FeeRate < 0 || c.Round.FeeRate >= 1 {
		errs = append(errs, fmt.Sprintf("round: fee_rate must be in [0, 1), got %g", c.Round.FeeRate))
	}

	// Spread
	if c.Spread.ConvergeBps < 0 || c.Spread.OpenBps <= c.Spread.ConvergeBps {
		errs = append(errs, "spread: open_bps must be greater than converge_bps (>= 0)")
	}
	if c.Spread.UserTrackLimit < 1 {
		errs = append(errs, "spread: user_track_limit must be >= 1")
	}
	if c.Spread.PollInterval.Duration <= 0 {
		errs = append(errs, "spread: poll_interval must be > 0")
	}
	if c.Spread.Concurrency < 1 {
		errs = append(errs, "spread: concurrency must be >= 1")
	}

	// Ledger
	if c.Ledger.LevelBase <= 0 || c.Ledger.LevelGrowth <= 1 {
		errs = append(errs, "ledger: level_base must be > 0 and level_growth > 1")
	}

	// Storage
	switch c.Storage.Driver {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
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
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, memory)", c.Storage.Driver))
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

	// Archive
	if c.Archive.Enabled || strings.EqualFold(c.Mode, "archive") {
		if c.Storage.Driver != "postgres" {
			errs = append(errs, "archive: requires storage.driver = postgres")
		}
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			errs = append(errs, "s3: endpoint and bucket must be set when archiving")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.BetRateLimit > 0 && c.Server.BetRateWindow.Duration <= 0 {
			errs = append(errs, "server: bet_rate_window must be > 0 when bet_rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
