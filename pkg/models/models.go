// Package models holds the domain types shared by the monitoring core:
// endpoints, checks, roll-up aggregates, derived statistics and the payloads
// published on the live event bus.
package models

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Check status values persisted in uptime_checks.status.
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// Endpoint severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Endpoint is a monitored HTTP target.
type Endpoint struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	URL            string         `db:"url" json:"url"`
	CheckInterval  int            `db:"check_interval" json:"checkInterval"`
	Timeout        int            `db:"timeout" json:"timeout"`
	ExpectedStatus int            `db:"expected_status" json:"expectedStatus"`
	Severity       string         `db:"severity" json:"severity"`
	Enabled        bool           `db:"enabled" json:"enabled"`
	Tags           pq.StringArray `db:"tags" json:"tags"`
	CreatedAt      Time           `db:"created_at" json:"createdAt"`
	UpdatedAt      Time           `db:"updated_at" json:"updatedAt"`
}

// EndpointInput carries operator-supplied endpoint fields for create and
// update calls. Field-level constraints live in the validate tags; the
// cross-field rules (URL scheme, timeout vs interval) are in Validate.
type EndpointInput struct {
	Name           string   `json:"name" validate:"required,max=255"`
	URL            string   `json:"url" validate:"required"`
	CheckInterval  int      `json:"checkInterval" validate:"min=5,max=3600"`
	Timeout        int      `json:"timeout" validate:"min=1,max=60"`
	ExpectedStatus int      `json:"expectedStatus" validate:"min=100,max=599"`
	Severity       string   `json:"severity" validate:"oneof=critical high medium low"`
	Enabled        *bool    `json:"enabled"`
	Tags           []string `json:"tags" validate:"max=10,dive,max=50"`
}

// Validate applies the cross-field rules that validator tags cannot express.
func (in *EndpointInput) Validate() error {
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http or https URL")
	}
	if in.Timeout >= in.CheckInterval {
		return fmt.Errorf("timeout (%ds) must be strictly less than checkInterval (%ds)", in.Timeout, in.CheckInterval)
	}
	return nil
}

// IsEnabled resolves the optional enabled flag, defaulting to true.
func (in *EndpointInput) IsEnabled() bool {
	if in.Enabled == nil {
		return true
	}
	return *in.Enabled
}

// UptimeCheck is one probe outcome. Immutable after insert.
type UptimeCheck struct {
	ID           uuid.UUID `db:"id" json:"id"`
	EndpointID   uuid.UUID `db:"endpoint_id" json:"endpointId"`
	EndpointName string    `db:"endpoint_name" json:"endpointName"`
	Status       string    `db:"status" json:"status"`
	StatusCode   int       `db:"status_code" json:"statusCode"`
	ResponseTime float64   `db:"response_time" json:"responseTime"`
	Timestamp    Time      `db:"timestamp" json:"timestamp"`
	ErrorReason  *string   `db:"error_reason" json:"errorReason,omitempty"`
}

// HourlyAggregate is a roll-up over one (endpoint, hour) bucket.
type HourlyAggregate struct {
	EndpointID       uuid.UUID `db:"endpoint_id" json:"endpointId"`
	EndpointName     string    `db:"endpoint_name" json:"endpointName"`
	HourStart        Time      `db:"hour_start" json:"hourStart"`
	TotalChecks      int       `db:"total_checks" json:"totalChecks"`
	SuccessfulChecks int       `db:"successful_checks" json:"successfulChecks"`
	FailedChecks     int       `db:"failed_checks" json:"failedChecks"`
	AvgResponseTime  float64   `db:"avg_response_time" json:"avgResponseTime"`
	MinResponseTime  float64   `db:"min_response_time" json:"minResponseTime"`
	MaxResponseTime  float64   `db:"max_response_time" json:"maxResponseTime"`
}

// DailyAggregate is a roll-up over one (endpoint, day) bucket.
type DailyAggregate struct {
	EndpointID       uuid.UUID `db:"endpoint_id" json:"endpointId"`
	EndpointName     string    `db:"endpoint_name" json:"endpointName"`
	DayStart         Time      `db:"day_start" json:"dayStart"`
	TotalChecks      int       `db:"total_checks" json:"totalChecks"`
	SuccessfulChecks int       `db:"successful_checks" json:"successfulChecks"`
	FailedChecks     int       `db:"failed_checks" json:"failedChecks"`
	UptimePercentage float64   `db:"uptime_percentage" json:"uptimePercentage"`
	AvgResponseTime  float64   `db:"avg_response_time" json:"avgResponseTime"`
	MinResponseTime  float64   `db:"min_response_time" json:"minResponseTime"`
	MaxResponseTime  float64   `db:"max_response_time" json:"maxResponseTime"`
}

// UptimeStatistics is the derived 24-hour rolling view for one endpoint.
// It is computed on demand and never stored.
type UptimeStatistics struct {
	EndpointID          uuid.UUID     `json:"endpointId"`
	EndpointName        string        `json:"endpointName"`
	TotalChecks         int           `json:"totalChecks"`
	SuccessfulChecks    int           `json:"successfulChecks"`
	FailedChecks        int           `json:"failedChecks"`
	UptimePercentage    float64       `json:"uptimePercentage"`
	AverageResponseTime float64       `json:"averageResponseTime"`
	LastCheck           *Time         `json:"lastCheck"`
	CurrentStatus       string        `json:"currentStatus"`
	RecentChecks        []UptimeCheck `json:"recentChecks"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}
