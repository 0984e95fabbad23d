// Package stats derives the 24-hour rolling uptime view per endpoint. The
// engine is a pure read path: it owns no state beyond its store handle and is
// consumed by both the prober and the live bus.
package stats

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/models"
	"github.com/renatoka/watchtower/pkg/store"
)

// Window is the rolling statistics horizon.
const Window = 24 * time.Hour

// RecentLimit caps the recent-check tail carried in each statistics view.
const RecentLimit = 10

// Engine computes UptimeStatistics from the store.
type Engine struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a statistics engine.
func NewEngine(st *store.Store, logger *zap.Logger) *Engine {
	return &Engine{store: st, logger: logger, now: time.Now}
}

// Compute returns the rolling view for one endpoint, or nil if the endpoint
// no longer exists. consecutiveFailures is the scheduler's live counter for
// the endpoint; the engine carries it through untouched.
func (e *Engine) Compute(ctx context.Context, endpointID uuid.UUID, consecutiveFailures int) (*models.UptimeStatistics, error) {
	ep, err := e.store.GetEndpoint(ctx, endpointID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	since := e.now().Add(-Window)
	counts, err := e.store.CheckWindowCounts(ctx, endpointID, since)
	if err != nil {
		return nil, err
	}

	recent, err := e.store.RecentChecks(ctx, endpointID, RecentLimit)
	if err != nil {
		return nil, err
	}

	stats := &models.UptimeStatistics{
		EndpointID:          ep.ID,
		EndpointName:        ep.Name,
		TotalChecks:         counts.Total,
		SuccessfulChecks:    counts.Successful,
		FailedChecks:        counts.Total - counts.Successful,
		UptimePercentage:    percentage(counts.Successful, counts.Total),
		ConsecutiveFailures: consecutiveFailures,
		CurrentStatus:       models.StatusUp,
		RecentChecks:        recent,
	}
	if counts.Total > 0 {
		stats.AverageResponseTime = round2(counts.AvgResponseTime)
	}
	if len(recent) > 0 {
		stats.CurrentStatus = recent[0].Status
		stats.LastCheck = &recent[0].Timestamp
	}
	return stats, nil
}

// percentage computes floor((up/total)*10000)/100, 0 when total is 0.
func percentage(successful, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Floor(float64(successful)/float64(total)*10000) / 100
}

// round2 truncates to two decimals, matching the uptime rounding rule.
func round2(v float64) float64 {
	return math.Floor(v*100) / 100
}
