package breaker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renatoka/watchtower/pkg/config"
)

// Registry lazily creates one breaker per endpoint. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	breakers map[uuid.UUID]*Breaker

	// onChange, when set, observes every transition of every breaker.
	onChange func(endpointID uuid.UUID, from, to State)
}

// NewRegistry creates an empty registry. onChange may be nil.
func NewRegistry(onChange func(endpointID uuid.UUID, from, to State)) *Registry {
	return &Registry{
		breakers: make(map[uuid.UUID]*Breaker),
		onChange: onChange,
	}
}

// For returns the endpoint's breaker, creating it on first use with the
// default probe-guard configuration: failureThreshold 70%, resetTimeout
// 3x the check interval, monitoringPeriod 300s, minimumRequests 3.
func (r *Registry) For(endpointID uuid.UUID, checkInterval time.Duration) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[endpointID]; ok {
		return b
	}

	settings := Settings{
		FailureThreshold: config.BreakerFailureThreshold,
		ResetTimeout:     config.BreakerResetMultiplier * checkInterval,
		MonitoringPeriod: config.BreakerMonitoringPeriod,
		MinimumRequests:  config.BreakerMinimumRequests,
	}
	if r.onChange != nil {
		id := endpointID
		settings.OnStateChange = func(from, to State) {
			r.onChange(id, from, to)
		}
	}

	b := New(settings)
	r.breakers[endpointID] = b
	return b
}

// Drop removes an endpoint's breaker, if any. Called when the endpoint is
// deleted so breaker state does not outlive its agent.
func (r *Registry) Drop(endpointID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, endpointID)
}
