// Package retention keeps the check history bounded: raw checks are rolled
// up into hourly and daily aggregates, then trimmed past their retention
// horizons in small batches.
package retention

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/config"
	"github.com/renatoka/watchtower/pkg/metrics"
	"github.com/renatoka/watchtower/pkg/store"
)

const (
	// startupDelay postpones the first cycle so the service settles before
	// any heavy table work starts.
	startupDelay = 60 * time.Second

	// cycleInterval is the cadence of scheduled cycles.
	cycleInterval = 24 * time.Hour

	// batchPause spaces the bounded deletes so the job never monopolises the
	// pool.
	batchPause = 100 * time.Millisecond
)

// Job runs the roll-up and cleanup cycle.
type Job struct {
	store   *store.Store
	cfg     config.RetentionConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	running atomic.Bool
	now     func() time.Time
}

// NewJob creates the retention job.
func NewJob(st *store.Store, cfg config.RetentionConfig, m *metrics.Metrics, logger *zap.Logger) *Job {
	return &Job{
		store:   st,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled, executing one cycle after the startup
// delay and then once per day. Cycle failures are logged, never fatal.
func (j *Job) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(startupDelay):
	}

	j.cycle(ctx)

	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.cycle(ctx)
		}
	}
}

// RunOnce executes a single cycle on demand, sharing the reentrancy guard
// with the scheduled runs.
func (j *Job) RunOnce(ctx context.Context) error {
	if !j.running.CompareAndSwap(false, true) {
		j.logger.Info("retention cycle already running, skipping")
		return nil
	}
	defer j.running.Store(false)
	return j.execute(ctx)
}

func (j *Job) cycle(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil {
		j.logger.Error("retention cycle failed", zap.Error(err))
	}
}

// execute performs one full cycle: roll up first, delete second, so raw
// rows are never dropped before their aggregates exist.
func (j *Job) execute(ctx context.Context) error {
	if !j.cfg.DeleteEnabled {
		j.logger.Info("retention deletes disabled, skipping cycle")
		return nil
	}

	start := j.now()
	j.logger.Info("retention cycle starting",
		zap.Int("detailRetentionDays", j.cfg.DetailRetentionDays),
		zap.Int("hourlyRetentionDays", j.cfg.HourlyRetentionDays),
		zap.Int("dailyRetentionDays", j.cfg.DailyRetentionDays))

	if err := j.run(ctx, start); err != nil {
		j.metrics.RetentionRuns.WithLabelValues("error").Inc()
		return err
	}

	j.metrics.RetentionRuns.WithLabelValues("success").Inc()
	j.logger.Info("retention cycle finished",
		zap.Duration("took", j.now().Sub(start)))
	return nil
}

func (j *Job) run(ctx context.Context, start time.Time) error {
	// Roll-ups cover the full hourly retention span and stop at the current
	// hour, so the open hour is re-aggregated on the next cycle.
	until := start.Truncate(time.Hour)
	since := start.AddDate(0, 0, -j.cfg.HourlyRetentionDays)

	hourly, err := j.store.UpsertHourlyRollup(ctx, since, until)
	if err != nil {
		return fmt.Errorf("hourly roll-up: %w", err)
	}

	// Daily aggregates stop at the last day boundary so a partial current
	// day is never presented as complete.
	dayStart := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	daily, err := j.store.UpsertDailyRollup(ctx, since, dayStart)
	if err != nil {
		return fmt.Errorf("daily roll-up: %w", err)
	}
	j.logger.Info("roll-ups upserted",
		zap.Int64("hourlyRows", hourly),
		zap.Int64("dailyRows", daily))

	deleted, err := j.trimChecks(ctx, start.AddDate(0, 0, -j.cfg.DetailRetentionDays))
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.logger.Info("raw checks trimmed", zap.Int64("deleted", deleted))
	}

	if _, err := j.store.DeleteHourlyBefore(ctx, start.AddDate(0, 0, -j.cfg.HourlyRetentionDays)); err != nil {
		return err
	}
	if _, err := j.store.DeleteDailyBefore(ctx, start.AddDate(0, 0, -j.cfg.DailyRetentionDays)); err != nil {
		return err
	}

	j.store.VacuumAnalyze(ctx)
	return nil
}

// trimChecks deletes expired raw checks in bounded batches with a pause
// between each, stopping when a batch comes back empty.
func (j *Job) trimChecks(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		n, err := j.store.DeleteChecksBatch(ctx, cutoff, j.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("trim checks: %w", err)
		}
		total += n
		j.metrics.ChecksDeleted.Add(float64(n))
		if n == 0 {
			return total, nil
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(batchPause):
		}
	}
}
