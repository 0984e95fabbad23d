package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/renatoka/watchtower/pkg/bus"
	"github.com/renatoka/watchtower/pkg/models"
	"github.com/renatoka/watchtower/pkg/retention"
	"github.com/renatoka/watchtower/pkg/stats"
	"github.com/renatoka/watchtower/pkg/store"
)

// ErrInvalidInput wraps endpoint input validation failures so transport
// layers can map them to a client error.
var ErrInvalidInput = errors.New("invalid endpoint input")

// Engine is the monitoring facade: endpoint lifecycle, statistics reads and
// the long-running loops all go through it.
type Engine struct {
	store     *store.Store
	scheduler *Scheduler
	stats     *stats.Engine
	hub       *bus.Hub
	retention *retention.Job
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewEngine assembles the facade from its already-constructed parts.
func NewEngine(st *store.Store, sched *Scheduler, se *stats.Engine, hub *bus.Hub, job *retention.Job, logger *zap.Logger) *Engine {
	return &Engine{
		store:     st,
		scheduler: sched,
		stats:     se,
		hub:       hub,
		retention: job,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Run starts the probe loops, the bus sweeper and the retention job, and
// blocks until ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := e.scheduler.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		e.scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		e.retention.Run(ctx)
		return nil
	})

	return g.Wait()
}

// CreateEndpoint validates and persists a new endpoint, then starts its
// probe loop if it is enabled.
func (e *Engine) CreateEndpoint(ctx context.Context, input models.EndpointInput) (*models.Endpoint, error) {
	if err := e.checkInput(input); err != nil {
		return nil, err
	}

	ep, err := e.store.CreateEndpoint(ctx, &input)
	if err != nil {
		return nil, err
	}
	if ep.Enabled {
		if err := e.scheduler.RestartEndpoint(ctx, ep.ID); err != nil {
			e.logger.Error("failed to start monitoring for new endpoint",
				zap.String("endpoint", ep.Name), zap.Error(err))
		}
	}
	return ep, nil
}

// UpdateEndpoint validates and applies a full replacement of the endpoint
// configuration, then restarts its loop so the new settings take effect.
func (e *Engine) UpdateEndpoint(ctx context.Context, id uuid.UUID, input models.EndpointInput) (*models.Endpoint, error) {
	if err := e.checkInput(input); err != nil {
		return nil, err
	}

	ep, err := e.store.UpdateEndpoint(ctx, id, &input)
	if err != nil {
		return nil, err
	}
	if err := e.scheduler.RestartEndpoint(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to restart monitoring after update",
			zap.String("endpoint", ep.Name), zap.Error(err))
	}
	return ep, nil
}

// ToggleEndpoint flips the enabled flag. Disabling cancels the loop;
// enabling starts one.
func (e *Engine) ToggleEndpoint(ctx context.Context, id uuid.UUID) (*models.Endpoint, error) {
	ep, err := e.store.ToggleEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.scheduler.RestartEndpoint(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to apply toggle to monitoring",
			zap.String("endpoint", ep.Name), zap.Error(err))
	}
	return ep, nil
}

// DeleteEndpoint removes the endpoint. Its loop is cancelled and its agent
// and breaker state dropped; historical checks go with the row via the
// cascade.
func (e *Engine) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	deleted, err := e.store.DeleteEndpoint(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return store.ErrNotFound
	}
	e.scheduler.RemoveEndpoint(id)
	return nil
}

// GetEndpoint returns one endpoint.
func (e *Engine) GetEndpoint(ctx context.Context, id uuid.UUID) (*models.Endpoint, error) {
	return e.store.GetEndpoint(ctx, id)
}

// ListEndpoints returns all endpoints, enabled or not.
func (e *Engine) ListEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	return e.store.ListEndpoints(ctx)
}

// GetUptimeStatistics returns the rolling 24h view for one endpoint,
// carrying the scheduler's live consecutive-failure counter.
func (e *Engine) GetUptimeStatistics(ctx context.Context, id uuid.UUID) (*models.UptimeStatistics, error) {
	st, err := e.stats.Compute(ctx, id, e.scheduler.ConsecutiveFailures(id))
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, store.ErrNotFound
	}
	return st, nil
}

// GetAllUptimeStatuses computes a fresh rolling view for every enabled
// endpoint.
func (e *Engine) GetAllUptimeStatuses(ctx context.Context) ([]models.UptimeStatistics, error) {
	endpoints, err := e.store.ListEnabledEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.UptimeStatistics, 0, len(endpoints))
	for i := range endpoints {
		st, err := e.stats.Compute(ctx, endpoints[i].ID, e.scheduler.ConsecutiveFailures(endpoints[i].ID))
		if err != nil {
			return nil, err
		}
		if st != nil {
			out = append(out, *st)
		}
	}
	return out, nil
}

// CachedStatistics exposes the scheduler's last computed view per active
// endpoint, used for bulk snapshots over the live bus.
func (e *Engine) CachedStatistics() []models.UptimeStatistics {
	return e.scheduler.CachedStatistics()
}

// Hub exposes the live event hub for transport handlers.
func (e *Engine) Hub() *bus.Hub {
	return e.hub
}

// TriggerRetention runs one retention cycle on demand.
func (e *Engine) TriggerRetention(ctx context.Context) error {
	return e.retention.RunOnce(ctx)
}

func (e *Engine) checkInput(input models.EndpointInput) error {
	if err := e.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := input.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
