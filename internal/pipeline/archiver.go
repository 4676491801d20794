// Package pipeline runs the background archival of settled rounds and spread
// transitions to cold storage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// DefaultCron runs the archive at 03:00 UTC on the first of every month.
const DefaultCron = "0 3 1 * *"

// Archiver moves rows older than the retention period to cold storage.
type Archiver struct {
	blob      domain.Archiver
	audit     domain.AuditStore
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	running sync.Mutex
}

// NewArchiver creates an Archiver keeping retentionDays of history in the
// primary store. audit may be nil.
func NewArchiver(blob domain.Archiver, audit domain.AuditStore, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:      blob,
		audit:     audit,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// WithClock overrides the clock used to compute the cutoff.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// Run executes a single archive pass over rounds and spread events older
// than the cutoff and records the run in the audit log.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.InfoContext(ctx, "starting archive run", slog.Time("cutoff", cutoff))

	rounds, err := a.blob.ArchiveRounds(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: rounds before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	events, err := a.blob.ArchiveSpreadEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: spread events before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("rounds_archived", rounds),
		slog.Int64("spread_events_archived", events),
	)

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.run", map[string]any{
			"cutoff":        cutoff.Format(time.RFC3339),
			"rounds":        rounds,
			"spread_events": events,
		}); err != nil {
			a.logger.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// RunCron runs the archiver on a standard 5-field cron schedule, and once
// for every receive on trigger, until ctx is cancelled. trigger may be nil.
// Overlapping runs are skipped.
func (a *Archiver) RunCron(ctx context.Context, expr string, trigger <-chan struct{}) error {
	if expr == "" {
		expr = DefaultCron
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("archiver: parse cron %q: %w", expr, err)
	}

	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(sched, cron.FuncJob(func() { a.runOnce(ctx, "cron") }))
	c.Start()
	a.logger.InfoContext(ctx, "archiver cron started",
		slog.String("cron", expr),
		slog.Time("next_run", sched.Next(a.now().UTC())),
	)

	defer func() {
		<-c.Stop().Done()
		a.logger.Info("archiver cron stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trigger:
			a.runOnce(ctx, "manual")
		}
	}
}

func (a *Archiver) runOnce(ctx context.Context, reason string) {
	if !a.running.TryLock() {
		a.logger.WarnContext(ctx, "archive run already in progress", slog.String("reason", reason))
		return
	}
	defer a.running.Unlock()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.ErrorContext(ctx, "archive run failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}
