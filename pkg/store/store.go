// Package store is the typed adapter over the SQL store: endpoint CRUD,
// append-only check inserts, statistics reads and the roll-up/retention
// statements used by the retention job.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/renatoka/watchtower/pkg/config"
	"github.com/renatoka/watchtower/pkg/models"
)

var (
	// ErrNotFound is returned when an endpoint id is unknown.
	ErrNotFound = errors.New("endpoint not found")
	// ErrNameTaken is returned when an endpoint name collides
	// case-insensitively with an existing one.
	ErrNameTaken = errors.New("endpoint name already in use")
)

// Store wraps the connection pool with the queries the core needs. All
// statements are parameterised; none hold a transaction across calls.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to Postgres through the pgx stdlib driver and applies the
// bounded pool settings. Acquisition is capped so a pool stall surfaces as an
// error instead of wedging a probe tick.
func Open(databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.PoolMaxConns)
	db.SetMaxIdleConns(config.PoolMaxConns / 2)
	db.SetConnMaxIdleTime(config.PoolIdleTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), config.PoolConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing pool. Used by tests with a sqlmock-backed sqlx.DB.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Ping reports pool health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Endpoints ───────────────────────────────────────────────────────────────

// CreateEndpoint inserts a new endpoint. Names are unique case-insensitively.
func (s *Store) CreateEndpoint(ctx context.Context, in *models.EndpointInput) (*models.Endpoint, error) {
	taken, err := s.nameTaken(ctx, in.Name, uuid.Nil)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, in.Name)
	}

	now := models.Now()
	ep := &models.Endpoint{
		ID:             uuid.New(),
		Name:           in.Name,
		URL:            in.URL,
		CheckInterval:  in.CheckInterval,
		Timeout:        in.Timeout,
		ExpectedStatus: in.ExpectedStatus,
		Severity:       in.Severity,
		Enabled:        in.IsEnabled(),
		Tags:           pq.StringArray(in.Tags),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ep.Tags == nil {
		ep.Tags = pq.StringArray{}
	}

	const q = `
		INSERT INTO endpoints
			(id, name, url, check_interval, timeout, expected_status, severity, enabled, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := s.db.ExecContext(ctx, q,
		ep.ID, ep.Name, ep.URL, ep.CheckInterval, ep.Timeout, ep.ExpectedStatus,
		ep.Severity, ep.Enabled, ep.Tags, ep.CreatedAt, ep.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert endpoint: %w", err)
	}
	return ep, nil
}

// GetEndpoint fetches one endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, id uuid.UUID) (*models.Endpoint, error) {
	var ep models.Endpoint
	err := s.db.GetContext(ctx, &ep, `SELECT * FROM endpoints WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return &ep, nil
}

// ListEndpoints returns every endpoint, name-ordered.
func (s *Store) ListEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	var eps []models.Endpoint
	if err := s.db.SelectContext(ctx, &eps, `SELECT * FROM endpoints ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return eps, nil
}

// ListEnabledEndpoints returns the endpoints the scheduler should probe.
func (s *Store) ListEnabledEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	var eps []models.Endpoint
	if err := s.db.SelectContext(ctx, &eps, `SELECT * FROM endpoints WHERE enabled ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list enabled endpoints: %w", err)
	}
	return eps, nil
}

// UpdateEndpoint replaces the mutable fields of an endpoint.
func (s *Store) UpdateEndpoint(ctx context.Context, id uuid.UUID, in *models.EndpointInput) (*models.Endpoint, error) {
	taken, err := s.nameTaken(ctx, in.Name, id)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, in.Name)
	}

	tags := pq.StringArray(in.Tags)
	if tags == nil {
		tags = pq.StringArray{}
	}

	const q = `
		UPDATE endpoints
		SET name = $2, url = $3, check_interval = $4, timeout = $5,
		    expected_status = $6, severity = $7, enabled = $8, tags = $9, updated_at = $10
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		id, in.Name, in.URL, in.CheckInterval, in.Timeout,
		in.ExpectedStatus, in.Severity, in.IsEnabled(), tags, models.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("update endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.GetEndpoint(ctx, id)
}

// ToggleEndpoint flips the enabled flag and returns the updated row.
func (s *Store) ToggleEndpoint(ctx context.Context, id uuid.UUID) (*models.Endpoint, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET enabled = NOT enabled, updated_at = $2 WHERE id = $1`,
		id, models.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("toggle endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.GetEndpoint(ctx, id)
}

// DeleteEndpoint removes an endpoint; raw checks cascade. The boolean lets
// callers distinguish a 404 from a successful delete.
func (s *Store) DeleteEndpoint(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete endpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete endpoint: %w", err)
	}
	return n > 0, nil
}

func (s *Store) nameTaken(ctx context.Context, name string, exclude uuid.UUID) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM endpoints WHERE LOWER(name) = LOWER($1) AND id <> $2`,
		name, exclude,
	)
	if err != nil {
		return false, fmt.Errorf("check endpoint name: %w", err)
	}
	return n > 0, nil
}

// ─── Checks ──────────────────────────────────────────────────────────────────

// InsertCheck appends one probe outcome. Checks are immutable after insert.
func (s *Store) InsertCheck(ctx context.Context, check *models.UptimeCheck) error {
	if check.ID == uuid.Nil {
		check.ID = uuid.New()
	}
	if check.Timestamp.IsZero() {
		check.Timestamp = models.Now()
	}
	const q = `
		INSERT INTO uptime_checks
			(id, endpoint_id, endpoint_name, status, status_code, response_time, timestamp, error_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.db.ExecContext(ctx, q,
		check.ID, check.EndpointID, check.EndpointName, check.Status,
		check.StatusCode, check.ResponseTime, check.Timestamp, check.ErrorReason,
	); err != nil {
		return fmt.Errorf("insert check: %w", err)
	}
	return nil
}

// WindowCounts holds the aggregate numbers for one endpoint's rolling window.
type WindowCounts struct {
	Total           int     `db:"total"`
	Successful      int     `db:"successful"`
	AvgResponseTime float64 `db:"avg_response_time"`
}

// CheckWindowCounts aggregates checks for an endpoint since the given instant.
func (s *Store) CheckWindowCounts(ctx context.Context, endpointID uuid.UUID, since time.Time) (WindowCounts, error) {
	const q = `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'UP') AS successful,
		       COALESCE(AVG(response_time), 0) AS avg_response_time
		FROM uptime_checks
		WHERE endpoint_id = $1 AND timestamp >= $2`
	var wc WindowCounts
	if err := s.db.GetContext(ctx, &wc, q, endpointID, since); err != nil {
		return WindowCounts{}, fmt.Errorf("window counts: %w", err)
	}
	return wc, nil
}

// RecentChecks returns the newest checks for an endpoint, time-descending.
func (s *Store) RecentChecks(ctx context.Context, endpointID uuid.UUID, limit int) ([]models.UptimeCheck, error) {
	var checks []models.UptimeCheck
	const q = `
		SELECT * FROM uptime_checks
		WHERE endpoint_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`
	if err := s.db.SelectContext(ctx, &checks, q, endpointID, limit); err != nil {
		return nil, fmt.Errorf("recent checks: %w", err)
	}
	return checks, nil
}
