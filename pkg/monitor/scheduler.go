package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/breaker"
	"github.com/renatoka/watchtower/pkg/bus"
	"github.com/renatoka/watchtower/pkg/models"
	"github.com/renatoka/watchtower/pkg/stats"
	"github.com/renatoka/watchtower/pkg/store"
)

// agent is the consolidated per-endpoint record: the loop cancel, the
// consecutive-failure counter and the last statistics snapshot all live
// here, so reconfiguration tears everything down in one place.
type agent struct {
	endpoint models.Endpoint
	cancel   context.CancelFunc

	mu                  sync.Mutex
	inFlight            bool
	consecutiveFailures int
	lastStats           *models.UptimeStatistics
}

// Scheduler maintains one probe loop per enabled endpoint. Control
// operations (Start, Stop, Restart, Remove) serialise on the scheduler
// mutex, so a restart can never leave two loops registered for one endpoint.
type Scheduler struct {
	store    *store.Store
	stats    *stats.Engine
	hub      *bus.Hub
	prober   *Prober
	breakers *breaker.Registry
	logger   *zap.Logger

	mu      sync.Mutex
	agents  map[uuid.UUID]*agent
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewScheduler wires the probing loop dependencies.
func NewScheduler(st *store.Store, se *stats.Engine, hub *bus.Hub, prober *Prober, breakers *breaker.Registry, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		stats:    se,
		hub:      hub,
		prober:   prober,
		breakers: breakers,
		logger:   logger,
		agents:   make(map[uuid.UUID]*agent),
	}
}

// Start is idempotent: it tears down any existing loops, reads the enabled
// endpoints and starts a fresh loop for each.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.teardownLocked()

	endpoints, err := s.store.ListEnabledEndpoints(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("load enabled endpoints: %w", err)
	}

	for i := range endpoints {
		s.startAgentLocked(endpoints[i])
	}
	count := len(s.agents)
	s.mu.Unlock()

	if count == 0 {
		s.logger.Warn("no enabled endpoints to monitor")
		s.hub.PublishNotice("No enabled endpoints to monitor", models.NoticeWarning)
		return nil
	}

	s.logger.Info("monitoring started", zap.Int("endpoints", count))
	s.hub.PublishNotice(fmt.Sprintf("Monitoring started for %d endpoints", count), models.NoticeInfo)
	return nil
}

// Stop cancels every loop and clears all per-endpoint state, including the
// consecutive-failure counters and the statistics cache.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("monitoring engine stopped")
	s.hub.PublishNotice("Monitoring engine stopped", models.NoticeInfo)
}

// RestartEndpoint reloads an endpoint and replaces its loop. Used after
// update and toggle; a disabled or vanished endpoint ends up with no loop.
func (s *Scheduler) RestartEndpoint(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropAgentLocked(id)

	ep, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	if !ep.Enabled {
		return nil
	}
	s.startAgentLocked(*ep)
	return nil
}

// RemoveEndpoint cancels the loop and drops the agent and breaker. This is
// the delete path: no reload, no restart.
func (s *Scheduler) RemoveEndpoint(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAgentLocked(id)
}

// ConsecutiveFailures reports the live counter for one endpoint.
func (s *Scheduler) ConsecutiveFailures(id uuid.UUID) int {
	s.mu.Lock()
	a, ok := s.agents[id]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecutiveFailures
}

// CachedStatistics returns the last computed statistics for every active
// agent. The cache is bounded by the enabled endpoint set.
func (s *Scheduler) CachedStatistics() []models.UptimeStatistics {
	s.mu.Lock()
	agents := make([]*agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	out := make([]models.UptimeStatistics, 0, len(agents))
	for _, a := range agents {
		a.mu.Lock()
		if a.lastStats != nil {
			out = append(out, *a.lastStats)
		}
		a.mu.Unlock()
	}
	return out
}

// teardownLocked cancels every agent. Callers hold the scheduler mutex.
func (s *Scheduler) teardownLocked() {
	for id := range s.agents {
		s.dropAgentLocked(id)
	}
}

func (s *Scheduler) dropAgentLocked(id uuid.UUID) {
	a, ok := s.agents[id]
	if !ok {
		return
	}
	a.cancel()
	delete(s.agents, id)
	s.breakers.Drop(id)
}

// startAgentLocked registers and launches one probe loop. Callers hold the
// scheduler mutex; presence in the map guards against duplicate loops.
func (s *Scheduler) startAgentLocked(ep models.Endpoint) {
	if _, exists := s.agents[ep.ID]; exists {
		return
	}
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	loopCtx, cancel := context.WithCancel(base)
	a := &agent{endpoint: ep, cancel: cancel}
	s.agents[ep.ID] = a

	s.wg.Add(1)
	go s.runLoop(loopCtx, a)
}

// runLoop probes immediately, then on every interval tick. Ticks that
// arrive while a probe is still in flight are skipped, so probes for one
// endpoint never overlap.
func (s *Scheduler) runLoop(ctx context.Context, a *agent) {
	defer s.wg.Done()

	interval := time.Duration(a.endpoint.CheckInterval) * time.Second

	// Cancellation preempts future ticks only. A probe already in flight
	// runs on a detached context so it completes and commits its row;
	// Stop's wg.Wait observes that commit.
	probeCtx := context.WithoutCancel(ctx)

	s.probeOnce(probeCtx, a)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeOnce(probeCtx, a)
		}
	}
}

// probeOnce runs one guarded probe and drives the ordering the bus relies
// on: insert the check, read fresh statistics, emit newCheck, emit
// uptimeUpdate.
func (s *Scheduler) probeOnce(ctx context.Context, a *agent) {
	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return
	}
	a.inFlight = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}()

	res := s.prober.Probe(ctx, &a.endpoint)

	if err := s.store.InsertCheck(ctx, &res.Check); err != nil {
		// The loop must survive a bad write.
		s.logger.Error("failed to store check result",
			zap.String("endpoint", a.endpoint.Name),
			zap.Error(err))
		s.hub.PublishNotice("Failed to store check result", models.NoticeError)
		return
	}

	failures := s.applyOutcome(a, res)

	statistics, err := s.stats.Compute(ctx, a.endpoint.ID, failures)
	if err != nil {
		s.logger.Error("failed to compute statistics",
			zap.String("endpoint", a.endpoint.Name),
			zap.Error(err))
	}

	s.hub.PublishCheck(res.Check)
	if statistics != nil {
		a.mu.Lock()
		a.lastStats = statistics
		a.mu.Unlock()
		s.hub.PublishStatistics(statistics)
	}
}

// applyOutcome updates the consecutive-failure counter and emits the
// recovery / degradation notices. Short-circuits are breaker vetoes, not
// observations of the target, and never touch the counter.
func (s *Scheduler) applyOutcome(a *agent, res ProbeResult) int {
	if res.ShortCircuit {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.consecutiveFailures
	}

	a.mu.Lock()
	prior := a.consecutiveFailures
	if res.Success {
		a.consecutiveFailures = 0
	} else {
		a.consecutiveFailures++
	}
	failures := a.consecutiveFailures
	a.mu.Unlock()

	if res.Success && prior > 0 {
		s.hub.PublishNotice(
			fmt.Sprintf("%s is back online after %d failures", a.endpoint.Name, prior),
			models.NoticeInfo)
	}
	if !res.Success && failures%3 == 0 {
		s.hub.PublishNotice(
			fmt.Sprintf("%s has %d consecutive failures", a.endpoint.Name, failures),
			models.NoticeError)
	}
	return failures
}
