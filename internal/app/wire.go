package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/pricearena/internal/blob/s3"
	cachemem "github.com/alanyoungcy/pricearena/internal/cache/memory"
	"github.com/alanyoungcy/pricearena/internal/cache/redis"
	"github.com/alanyoungcy/pricearena/internal/config"
	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/metrics"
	"github.com/alanyoungcy/pricearena/internal/notify"
	"github.com/alanyoungcy/pricearena/internal/store/memory"
	"github.com/alanyoungcy/pricearena/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Rounds  domain.RoundStore
	Spreads domain.SpreadStore
	Ticks   domain.PriceTickStore
	Users   domain.UserStore
	Audit   domain.AuditStore

	// Caches. PriceCache, RateLimiter and LockManager are nil without Redis.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archiver is nil unless archiving is enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Collector
}

// needsArchive reports whether the archiver and its bucket are wired.
func needsArchive(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Mode, "archive") || cfg.Archive.Enabled
}

// levelPolicy maps the ledger config onto the domain policy.
func levelPolicy(cfg config.LedgerConfig) domain.LevelPolicy {
	return domain.LevelPolicy{
		Curve:        domain.LevelCurve{Base: cfg.LevelBase, Growth: cfg.LevelGrowth},
		LevelUpBonus: cfg.LevelUpBonus,
		LimitEvery:   cfg.LimitEvery,
	}
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

	deps := &Dependencies{}
	policy := levelPolicy(cfg.Ledger)

	// --- System of record ---
	switch cfg.Storage.Driver {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Rounds = postgres.NewRoundStore(pool, policy, cfg.Ledger.StartingBalance)
		deps.Spreads = postgres.NewSpreadStore(pool, policy, cfg.Ledger.StartingBalance)
		deps.Ticks = postgres.NewPriceTickStore(pool)
		deps.Users = postgres.NewLedgerStore(pool, policy, cfg.Ledger.StartingBalance)
		deps.Audit = postgres.NewAuditStore(pool)

	default:
		logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
		st := memory.New(policy, cfg.Ledger.StartingBalance)
		deps.Rounds = st.Rounds()
		deps.Spreads = st.Spreads()
		deps.Ticks = st.Ticks()
		deps.Users = st
		deps.Audit = st.Audit()
	}

	// --- Redis, with an in-process bus when disabled ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			StreamMaxLen: int64(cfg.Redis.StreamMaxLen),
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, 5*time.Minute)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	} else {
		logger.WarnContext(ctx, "redis disabled; events stay in process and bet rate limiting is off")
		deps.SignalBus = cachemem.NewBus(cfg.Redis.StreamMaxLen)
	}

	// --- S3 archive ---
	if needsArchive(cfg) {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "archive bucket not reachable yet", slog.String("error", err.Error()))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Rounds, deps.Spreads, deps.Audit)
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}

	return deps, cleanup, nil
}
