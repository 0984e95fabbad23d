package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// UpsertHourlyRollup aggregates raw checks in [since, until) into
// uptime_checks_hourly, one row per (endpoint, hour). Re-running over the
// same range overwrites the aggregate fields, so the statement is idempotent.
func (s *Store) UpsertHourlyRollup(ctx context.Context, since, until time.Time) (int64, error) {
	const q = `
		INSERT INTO uptime_checks_hourly
			(endpoint_id, endpoint_name, hour_start, total_checks, successful_checks,
			 failed_checks, avg_response_time, min_response_time, max_response_time)
		SELECT endpoint_id,
		       MAX(endpoint_name),
		       date_trunc('hour', timestamp) AS hour_start,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'UP'),
		       COUNT(*) FILTER (WHERE status = 'DOWN'),
		       COALESCE(AVG(response_time), 0),
		       COALESCE(MIN(response_time), 0),
		       COALESCE(MAX(response_time), 0)
		FROM uptime_checks
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY endpoint_id, date_trunc('hour', timestamp)
		ON CONFLICT (endpoint_id, hour_start) DO UPDATE SET
			endpoint_name     = EXCLUDED.endpoint_name,
			total_checks      = EXCLUDED.total_checks,
			successful_checks = EXCLUDED.successful_checks,
			failed_checks     = EXCLUDED.failed_checks,
			avg_response_time = EXCLUDED.avg_response_time,
			min_response_time = EXCLUDED.min_response_time,
			max_response_time = EXCLUDED.max_response_time`
	res, err := s.db.ExecContext(ctx, q, since, until)
	if err != nil {
		return 0, fmt.Errorf("hourly rollup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertDailyRollup aggregates raw checks in [since, until) into
// uptime_checks_daily, additionally computing the uptime percentage.
func (s *Store) UpsertDailyRollup(ctx context.Context, since, until time.Time) (int64, error) {
	const q = `
		INSERT INTO uptime_checks_daily
			(endpoint_id, endpoint_name, day_start, total_checks, successful_checks,
			 failed_checks, uptime_percentage, avg_response_time, min_response_time, max_response_time)
		SELECT endpoint_id,
		       MAX(endpoint_name),
		       date_trunc('day', timestamp)::date AS day_start,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'UP'),
		       COUNT(*) FILTER (WHERE status = 'DOWN'),
		       ROUND((COUNT(*) FILTER (WHERE status = 'UP'))::numeric * 100 / COUNT(*), 2),
		       COALESCE(AVG(response_time), 0),
		       COALESCE(MIN(response_time), 0),
		       COALESCE(MAX(response_time), 0)
		FROM uptime_checks
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY endpoint_id, date_trunc('day', timestamp)
		ON CONFLICT (endpoint_id, day_start) DO UPDATE SET
			endpoint_name     = EXCLUDED.endpoint_name,
			total_checks      = EXCLUDED.total_checks,
			successful_checks = EXCLUDED.successful_checks,
			failed_checks     = EXCLUDED.failed_checks,
			uptime_percentage = EXCLUDED.uptime_percentage,
			avg_response_time = EXCLUDED.avg_response_time,
			min_response_time = EXCLUDED.min_response_time,
			max_response_time = EXCLUDED.max_response_time`
	res, err := s.db.ExecContext(ctx, q, since, until)
	if err != nil {
		return 0, fmt.Errorf("daily rollup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteChecksBatch removes at most batchSize raw checks older than the
// cutoff and reports how many went. The ctid subselect keeps each DELETE
// bounded so the job never takes long row locks.
func (s *Store) DeleteChecksBatch(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	const q = `
		DELETE FROM uptime_checks
		WHERE ctid IN (
			SELECT ctid FROM uptime_checks
			WHERE timestamp < $1
			LIMIT $2
		)`
	res, err := s.db.ExecContext(ctx, q, olderThan, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete checks batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteHourlyBefore trims hourly aggregates past their retention horizon.
func (s *Store) DeleteHourlyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uptime_checks_hourly WHERE hour_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete hourly aggregates: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteDailyBefore trims daily aggregates past their retention horizon.
func (s *Store) DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uptime_checks_daily WHERE day_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete daily aggregates: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// VacuumAnalyze reclaims space on the check tables. Failures are logged and
// swallowed; vacuum is maintenance, not correctness.
func (s *Store) VacuumAnalyze(ctx context.Context) {
	for _, table := range []string{"uptime_checks", "uptime_checks_hourly", "uptime_checks_daily"} {
		if _, err := s.db.ExecContext(ctx, "VACUUM ANALYZE "+table); err != nil {
			s.logger.Warn("vacuum analyze failed",
				zap.String("table", table),
				zap.Error(err))
		}
	}
}
