package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pricearena/internal/feed"
	"github.com/alanyoungcy/pricearena/internal/pipeline"
	"github.com/alanyoungcy/pricearena/internal/platform/dexscreener"
	"github.com/alanyoungcy/pricearena/internal/platform/exchange"
	"github.com/alanyoungcy/pricearena/internal/server"
	"github.com/alanyoungcy/pricearena/internal/server/handler"
	"github.com/alanyoungcy/pricearena/internal/server/ws"
	"github.com/alanyoungcy/pricearena/internal/service"
)

// components selects the subsystems a mode runs.
type components struct {
	rounds  bool
	spread  bool
	archive bool
}

// FullMode runs the price feed, the round engine, the spread tracker, the
// tick recorder, the archiver when enabled, and the HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.run(ctx, deps, components{rounds: true, spread: true, archive: a.cfg.Archive.Enabled})
}

// RoundsMode runs the price feed, the round engine and the tick recorder.
func (a *App) RoundsMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting rounds mode")
	return a.run(ctx, deps, components{rounds: true})
}

// SpreadMode runs only the spread tracker.
func (a *App) SpreadMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting spread mode")
	return a.run(ctx, deps, components{spread: true})
}

// ArchiveMode runs only the archive cron.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver not wired")
	}
	return a.run(ctx, deps, components{archive: true})
}

func (a *App) run(ctx context.Context, deps *Dependencies, c components) error {
	g, ctx := errgroup.WithContext(ctx)

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, a.logger),
		Users:  handler.NewUserHandler(deps.Users, a.logger),
	}
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
	}

	if c.rounds {
		pf, err := a.buildFeed()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = pf.Close() })

		fc := a.cfg.Feed
		recorder := service.NewPriceRecorder(pf, deps.Ticks, service.RecorderConfig{
			Symbol:          fc.Symbol,
			RecordInterval:  fc.TickRecordInterval.Duration,
			PublishInterval: fc.PublishInterval.Duration,
		}, service.RecorderDeps{
			Cache:   deps.PriceCache,
			Bus:     deps.SignalBus,
			Metrics: deps.Metrics,
		}, a.logger)
		pf.OnPrice(recorder.OnPrice)
		pf.Start(ctx)

		rc := a.cfg.Round
		engine := service.NewRoundEngine(deps.Rounds, pf, service.RoundConfig{
			Length:       rc.Length.Duration,
			BetWindow:    rc.BetWindow.Duration,
			Pause:        rc.Pause.Duration,
			TickInterval: rc.TickInterval.Duration,
			FeeRate:      rc.FeeRate,
			WinXP:        rc.WinXP,
		}, service.RoundDeps{
			Ticks:    deps.Ticks,
			Lock:     deps.LockManager,
			Bus:      deps.SignalBus,
			Audit:    deps.Audit,
			Notifier: deps.Notifier,
			Metrics:  deps.Metrics,
		}, a.logger)
		if err := engine.Bootstrap(ctx); err != nil {
			return fmt.Errorf("rounds: bootstrap: %w", err)
		}

		g.Go(func() error { return recorder.Run(ctx) })
		g.Go(func() error { return engine.Run(ctx) })

		handlers.Rounds = handler.NewRoundHandler(engine, a.logger)
		handlers.Feed = handler.NewFeedHandler(pf)
	}

	if c.spread {
		sc := a.cfg.Spread
		tickers := exchange.NewTickers(sc.BinanceURL, sc.MexcURL, sc.FetchTimeout.Duration, sc.RequestsPerSecond)
		dex := dexscreener.New(sc.DexscreenerURL, sc.FetchTimeout.Duration, sc.RequestsPerSecond)
		tracker := service.NewSpreadTracker(deps.Spreads, tickers, dex, service.SpreadConfig{
			OpenBps:           sc.OpenBps,
			ConvergeBps:       sc.ConvergeBps,
			Cooldown:          sc.Cooldown.Duration,
			SpreadReward:      sc.SpreadReward,
			ConvergenceReward: sc.ConvergenceReward,
			TransitionXP:      sc.TransitionXP,
			PollInterval:      sc.PollInterval.Duration,
			UserTrackLimit:    sc.UserTrackLimit,
			Concurrency:       sc.Concurrency,
		}, service.SpreadDeps{
			Bus:      deps.SignalBus,
			Audit:    deps.Audit,
			Notifier: deps.Notifier,
			Metrics:  deps.Metrics,
		}, a.logger)

		g.Go(func() error { return tracker.Run(ctx) })
		handlers.Spreads = handler.NewSpreadHandler(tracker, a.logger)
	}

	if c.archive && deps.Archiver != nil {
		trigger := make(chan struct{}, 1)
		archiver := pipeline.NewArchiver(deps.Archiver, deps.Audit, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error { return archiver.RunCron(ctx, a.cfg.Archive.Cron, trigger) })
		handlers.Archive = handler.NewArchiveHandler(a.logger).WithTriggerChannel(trigger).WithAudit(deps.Audit)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, handlers)
	}

	return g.Wait()
}

// buildFeed creates the failover price feed over the configured providers.
func (a *App) buildFeed() (*feed.Feed, error) {
	fc := a.cfg.Feed
	pair, err := exchange.ParsePair(fc.Symbol)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}

	providers := make([]exchange.Provider, 0, len(fc.Providers))
	for _, name := range fc.Providers {
		def, err := exchange.Lookup(name, pair)
		if err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		providers = append(providers, exchange.New(def, fc.RESTTimeout.Duration))
	}

	return feed.New(providers, feed.Options{
		Primary:       fc.Primary,
		PollInterval:  fc.PollInterval.Duration,
		FailoverAfter: fc.FailoverAfter.Duration,
		CheckInterval: fc.CheckInterval.Duration,
		PrimaryCheck:  fc.PrimaryCheck.Duration,
		StatusLog:     fc.StatusLog.Duration,
	}, a.logger), nil
}

// startHTTPServer runs the websocket hub and the API server in g and shuts
// the server down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, handlers server.Handlers) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
	})
	g.Go(func() error { return hub.Run(ctx) })

	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Port:          sc.Port,
		CORSOrigins:   sc.CORSOrigins,
		APIKey:        sc.APIKey,
		MetricsPath:   a.cfg.Metrics.Path,
		BetRateLimit:  sc.BetRateLimit,
		BetRateWindow: sc.BetRateWindow.Duration,
	}, handlers, hub, server.Deps{
		Limiter: deps.RateLimiter,
		Metrics: deps.Metrics,
	}, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", sc.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", sc.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
