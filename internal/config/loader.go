package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARENA_* environment variable overrides, and
// returns the final Config. A missing file is not an error: the defaults plus
// environment are used. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARENA_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Legacy unprefixed names are accepted as compatibility aliases and
// lose to the ARENA_* form when both are set.
func applyEnvOverrides(cfg *Config) {
	// ── Compatibility aliases ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Feed.Primary, "PRICE_PRIMARY")
	setFloat64(&cfg.Spread.OpenBps, "SPREAD_THRESHOLD_BPS")
	setFloat64(&cfg.Spread.ConvergeBps, "CONVERGENCE_THRESHOLD_BPS")
	setSeconds(&cfg.Spread.Cooldown, "SPREAD_COOLDOWN_SEC")
	setInt64(&cfg.Spread.SpreadReward, "SPREAD_REWARD")
	setInt64(&cfg.Spread.ConvergenceReward, "CONVERGENCE_REWARD")
	setMillis(&cfg.Spread.PollInterval, "SPREAD_POLL_MS")
	setInt(&cfg.Spread.UserTrackLimit, "USER_TRACK_LIMIT")
	setSeconds(&cfg.Round.Length, "ROUND_LENGTH_SEC")

	// ── Feed ──
	setStr(&cfg.Feed.Primary, "ARENA_FEED_PRIMARY")
	setStringSlice(&cfg.Feed.Providers, "ARENA_FEED_PROVIDERS")
	setStr(&cfg.Feed.Symbol, "ARENA_FEED_SYMBOL")
	setDuration(&cfg.Feed.PollInterval, "ARENA_FEED_POLL_INTERVAL")
	setDuration(&cfg.Feed.FailoverAfter, "ARENA_FEED_FAILOVER_AFTER")
	setDuration(&cfg.Feed.CheckInterval, "ARENA_FEED_CHECK_INTERVAL")
	setDuration(&cfg.Feed.PrimaryCheck, "ARENA_FEED_PRIMARY_CHECK")
	setDuration(&cfg.Feed.StatusLog, "ARENA_FEED_STATUS_LOG")
	setDuration(&cfg.Feed.RESTTimeout, "ARENA_FEED_REST_TIMEOUT")
	setDuration(&cfg.Feed.TickRecordInterval, "ARENA_FEED_TICK_RECORD_INTERVAL")
	setDuration(&cfg.Feed.PublishInterval, "ARENA_FEED_PUBLISH_INTERVAL")

	// ── Round ──
	setDuration(&cfg.Round.Length, "ARENA_ROUND_LENGTH")
	setDuration(&cfg.Round.BetWindow, "ARENA_ROUND_BET_WINDOW")
	setDuration(&cfg.Round.Pause, "ARENA_ROUND_PAUSE")
	setDuration(&cfg.Round.TickInterval, "ARENA_ROUND_TICK_INTERVAL")
	setFloat64(&cfg.Round.FeeRate, "ARENA_ROUND_FEE_RATE")
	setInt64(&cfg.Round.WinXP, "ARENA_ROUND_WIN_XP")

	// ── Spread ──
	setFloat64(&cfg.Spread.OpenBps, "ARENA_SPREAD_OPEN_BPS")
	setFloat64(&cfg.Spread.ConvergeBps, "ARENA_SPREAD_CONVERGE_BPS")
	setDuration(&cfg.Spread.Cooldown, "ARENA_SPREAD_COOLDOWN")
	setInt64(&cfg.Spread.SpreadReward, "ARENA_SPREAD_SPREAD_REWARD")
	setInt64(&cfg.Spread.ConvergenceReward, "ARENA_SPREAD_CONVERGENCE_REWARD")
	setInt64(&cfg.Spread.TransitionXP, "ARENA_SPREAD_TRANSITION_XP")
	setDuration(&cfg.Spread.PollInterval, "ARENA_SPREAD_POLL_INTERVAL")
	setInt(&cfg.Spread.UserTrackLimit, "ARENA_SPREAD_USER_TRACK_LIMIT")
	setInt(&cfg.Spread.Concurrency, "ARENA_SPREAD_CONCURRENCY")
	setDuration(&cfg.Spread.FetchTimeout, "ARENA_SPREAD_FETCH_TIMEOUT")
	setFloat64(&cfg.Spread.RequestsPerSecond, "ARENA_SPREAD_REQUESTS_PER_SECOND")
	setStr(&cfg.Spread.BinanceURL, "ARENA_SPREAD_BINANCE_URL")
	setStr(&cfg.Spread.MexcURL, "ARENA_SPREAD_MEXC_URL")
	setStr(&cfg.Spread.DexscreenerURL, "ARENA_SPREAD_DEXSCREENER_URL")

	// ── Ledger ──
	setFloat64(&cfg.Ledger.LevelBase, "ARENA_LEDGER_LEVEL_BASE")
	setFloat64(&cfg.Ledger.LevelGrowth, "ARENA_LEDGER_LEVEL_GROWTH")
	setInt64(&cfg.Ledger.LevelUpBonus, "ARENA_LEDGER_LEVEL_UP_BONUS")
	setInt(&cfg.Ledger.LimitEvery, "ARENA_LEDGER_LIMIT_EVERY")
	setInt64(&cfg.Ledger.StartingBalance, "ARENA_LEDGER_STARTING_BALANCE")

	// ── Storage / Postgres ──
	setStr(&cfg.Storage.Driver, "ARENA_STORAGE_DRIVER")
	setStr(&cfg.Postgres.DSN, "ARENA_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARENA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARENA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARENA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARENA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARENA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARENA_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARENA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARENA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARENA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARENA_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARENA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARENA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARENA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARENA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARENA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARENA_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "ARENA_REDIS_STREAM_MAX_LEN")

	// ── S3 / Archive ──
	setStr(&cfg.S3.Endpoint, "ARENA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARENA_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARENA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARENA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARENA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARENA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARENA_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "ARENA_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ARENA_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ARENA_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARENA_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARENA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARENA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARENA_SERVER_API_KEY")
	setInt(&cfg.Server.BetRateLimit, "ARENA_SERVER_BET_RATE_LIMIT")
	setDuration(&cfg.Server.BetRateWindow, "ARENA_SERVER_BET_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARENA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARENA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARENA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARENA_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "ARENA_METRICS_ENABLED")
	setStr(&cfg.Metrics.Path, "ARENA_METRICS_PATH")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARENA_MODE")
	setStr(&cfg.LogLevel, "ARENA_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

// setSeconds reads a bare integer number of seconds.
func setSeconds(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			dst.Duration = time.Duration(n) * time.Second
		}
	}
}

// setMillis reads a bare integer number of milliseconds.
func setMillis(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			dst.Duration = time.Duration(n) * time.Millisecond
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
