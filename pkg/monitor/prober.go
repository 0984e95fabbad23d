// Package monitor contains the probing core: the prober performs single HTTP
// checks guarded by the endpoint's circuit breaker, and the scheduler keeps
// one probe loop running per enabled endpoint.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/breaker"
	"github.com/renatoka/watchtower/pkg/metrics"
	"github.com/renatoka/watchtower/pkg/models"
)

// userAgent identifies the monitor on every probe request.
const userAgent = "Watchtower-Monitor/1.0"

// probeErrorKind classifies a failed probe. These are business outcomes, not
// propagated errors: every kind ends as a recorded DOWN check.
type probeErrorKind int

const (
	kindTimeout probeErrorKind = iota
	kindUnexpectedStatus
	kindTransport
)

type probeError struct {
	kind       probeErrorKind
	statusCode int
	reason     string
}

func (e *probeError) Error() string { return e.reason }

// ProbeResult is the classified outcome of one probe. Check carries the
// exact row to persist; ShortCircuit marks breaker rejections, which must
// not touch the scheduler's consecutive-failure counter.
type ProbeResult struct {
	Check        models.UptimeCheck
	Success      bool
	ShortCircuit bool
}

// Prober performs HTTP GET checks through per-endpoint circuit breakers.
type Prober struct {
	client   *http.Client
	breakers *breaker.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewProber creates a prober. The HTTP client carries no global timeout;
// each probe gets a context deadline from its endpoint's timeout.
func NewProber(breakers *breaker.Registry, m *metrics.Metrics, logger *zap.Logger) *Prober {
	return &Prober{
		client:   &http.Client{},
		breakers: breakers,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("watchtower/monitor"),
		now:      time.Now,
	}
}

// Probe runs one check against the endpoint, guarded by its breaker, and
// returns the classified outcome. It never returns an error: every path,
// including a breaker rejection, yields a persistable check row.
func (p *Prober) Probe(ctx context.Context, ep *models.Endpoint) ProbeResult {
	ctx, span := p.tracer.Start(ctx, "probe",
		trace.WithAttributes(
			attribute.String("endpoint.name", ep.Name),
			attribute.String("endpoint.url", ep.URL),
		))
	defer span.End()

	start := p.now()
	br := p.breakers.For(ep.ID, time.Duration(ep.CheckInterval)*time.Second)

	err := br.Execute(ctx, func(ctx context.Context) error {
		return p.perform(ctx, ep)
	})
	elapsed := p.now().Sub(start)
	elapsedMs := float64(elapsed.Microseconds()) / 1000

	check := models.UptimeCheck{
		EndpointID:   ep.ID,
		EndpointName: ep.Name,
		Timestamp:    models.At(start),
	}

	switch {
	case err == nil:
		check.Status = models.StatusUp
		check.StatusCode = ep.ExpectedStatus
		check.ResponseTime = elapsedMs
		p.observe(ep.Name, models.StatusUp, elapsed)
		return ProbeResult{Check: check, Success: true}

	case errors.Is(err, breaker.ErrOpenCircuit):
		// Short-circuit: no network activity happened and no time was spent.
		reason := "Circuit breaker open"
		check.Status = models.StatusDown
		check.ErrorReason = &reason
		span.RecordError(err)
		p.metrics.ProbesTotal.WithLabelValues(ep.Name, "SHORT_CIRCUIT").Inc()
		return ProbeResult{Check: check, ShortCircuit: true}

	default:
		var pe *probeError
		if !errors.As(err, &pe) {
			pe = &probeError{kind: kindTransport, reason: fmt.Sprintf("Connection failed: %v", err)}
		}
		check.Status = models.StatusDown
		check.StatusCode = pe.statusCode
		check.ResponseTime = elapsedMs
		check.ErrorReason = &pe.reason
		span.RecordError(err)
		p.observe(ep.Name, models.StatusDown, elapsed)
		return ProbeResult{Check: check}
	}
}

// perform issues the HTTP GET with the endpoint's deadline and classifies
// the outcome. Success is exactly "status == expectedStatus".
func (p *Prober) perform(ctx context.Context, ep *models.Endpoint) error {
	timeout := time.Duration(ep.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return &probeError{kind: kindTransport, reason: fmt.Sprintf("Connection failed: %v", err)}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return &probeError{
				kind:   kindTimeout,
				reason: fmt.Sprintf("Timeout after %ds", ep.Timeout),
			}
		}
		return &probeError{kind: kindTransport, reason: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != ep.ExpectedStatus {
		return &probeError{
			kind:       kindUnexpectedStatus,
			statusCode: resp.StatusCode,
			reason:     fmt.Sprintf("Got %d, expected %d", resp.StatusCode, ep.ExpectedStatus),
		}
	}
	return nil
}

func (p *Prober) observe(endpoint, status string, elapsed time.Duration) {
	p.metrics.ProbesTotal.WithLabelValues(endpoint, status).Inc()
	p.metrics.ProbeDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// isTimeout catches net-level timeouts that surface without a wrapped
// context.DeadlineExceeded.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
