// Package breaker implements the per-endpoint circuit breaker guarding
// probes: a CLOSED/OPEN/HALF_OPEN state machine over a sliding window of
// timestamped samples.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpenCircuit is returned when a call is rejected because the breaker is
// OPEN. Rejected calls are short-circuits: they bypass the outcome recorder.
var ErrOpenCircuit = errors.New("circuit breaker open")

// State is the breaker state machine position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Settings configures one breaker instance.
type Settings struct {
	// FailureThreshold is the failure-rate percentage (0-100) that opens the
	// breaker once the window holds MinimumRequests samples.
	FailureThreshold int
	// ResetTimeout is how long an OPEN breaker rejects before the next call
	// is admitted as a HALF_OPEN probe.
	ResetTimeout time.Duration
	// MonitoringPeriod is the sliding window; samples older than this are
	// pruned on every evaluation.
	MonitoringPeriod time.Duration
	// MinimumRequests gates failure-rate evaluation in CLOSED and is the
	// success streak required to close from HALF_OPEN.
	MinimumRequests int
	// OnStateChange, when set, fires exactly once per transition, after the
	// breaker lock is released.
	OnStateChange func(from, to State)
}

type sample struct {
	at      time.Time
	failure bool
}

type stateChange struct {
	from, to State
}

// Breaker serialises its own state transitions; callers may invoke Execute
// concurrently. The wrapped operation runs without the breaker lock held.
type Breaker struct {
	mu       sync.Mutex
	settings Settings

	state             State
	window            []sample
	nextAttempt       time.Time
	halfOpenSuccesses int

	now func() time.Time
}

// New creates a breaker in the CLOSED state.
func New(settings Settings) *Breaker {
	return &Breaker{
		settings: settings,
		state:    StateClosed,
		now:      time.Now,
	}
}

// State returns the current state after pruning stale samples.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return b.state
}

// Counts returns the request/failure/success counters of the current window.
func (b *Breaker) Counts() (requests, failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	for _, s := range b.window {
		if s.failure {
			failures++
		} else {
			successes++
		}
	}
	return len(b.window), failures, successes
}

// Execute runs op through the breaker. OPEN-state rejections return
// ErrOpenCircuit without recording a sample; every admitted call records its
// outcome and may transition the state machine.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()
	now := b.now()
	b.prune(now)

	var changes []stateChange
	if b.state == StateOpen {
		if now.Before(b.nextAttempt) {
			b.mu.Unlock()
			return ErrOpenCircuit
		}
		// resetTimeout elapsed; admit this call as the HALF_OPEN probe.
		changes = append(changes, b.setState(StateHalfOpen))
		b.halfOpenSuccesses = 0
	}
	b.mu.Unlock()
	b.fire(changes)

	err := op(ctx)

	b.fire(b.record(err == nil))
	return err
}

// record appends one outcome sample and applies the transition rules,
// returning any state changes for the observer hook.
func (b *Breaker) record(success bool) []stateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.window = append(b.window, sample{at: now, failure: !success})
	b.prune(now)

	switch b.state {
	case StateClosed:
		requests, failures := b.tally()
		if b.settings.MinimumRequests > 0 && requests >= b.settings.MinimumRequests {
			rate := float64(failures) / float64(requests)
			if rate >= float64(b.settings.FailureThreshold)/100 {
				b.nextAttempt = now.Add(b.settings.ResetTimeout)
				return []stateChange{b.setState(StateOpen)}
			}
		}
	case StateHalfOpen:
		if !success {
			b.nextAttempt = now.Add(b.settings.ResetTimeout)
			b.halfOpenSuccesses = 0
			return []stateChange{b.setState(StateOpen)}
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.MinimumRequests {
			b.window = nil
			b.halfOpenSuccesses = 0
			return []stateChange{b.setState(StateClosed)}
		}
	}
	return nil
}

// prune drops samples outside the monitoring period. An emptied window means
// the counters read as zero.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.settings.MonitoringPeriod)
	i := 0
	for ; i < len(b.window); i++ {
		if !b.window[i].at.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) tally() (requests, failures int) {
	for _, s := range b.window {
		if s.failure {
			failures++
		}
	}
	return len(b.window), failures
}

// setState must be called with the lock held.
func (b *Breaker) setState(to State) stateChange {
	change := stateChange{from: b.state, to: to}
	b.state = to
	return change
}

// fire invokes the observer hook without the lock held.
func (b *Breaker) fire(changes []stateChange) {
	hook := b.settings.OnStateChange
	if hook == nil {
		return
	}
	for _, c := range changes {
		hook(c.from, c.to)
	}
}
