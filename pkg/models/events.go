package models

import "fmt"

// Event types carried on the live bus.
const (
	EventUptimeUpdate = "uptimeUpdate"
	EventNewCheck     = "newCheck"
	EventSystemStatus = "systemStatus"
	EventBulkUpdate   = "bulkUpdate"
)

// System notice levels.
const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeError   = "error"
)

// SystemStatus is an operational notice delivered to the global room.
type SystemStatus struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp Time   `json:"timestamp"`
}

// NewCheckEvent wraps a raw check result with the synthetic broadcast id
// ({endpoint_id}-{unix_ms}) dashboards use to dedupe deliveries.
type NewCheckEvent struct {
	BroadcastID string `json:"broadcastId"`
	UptimeCheck
}

// NewCheckBroadcast builds the newCheck payload for a freshly recorded check.
func NewCheckBroadcast(check UptimeCheck) NewCheckEvent {
	return NewCheckEvent{
		BroadcastID: fmt.Sprintf("%s-%d", check.EndpointID, check.Timestamp.UnixMilli()),
		UptimeCheck: check,
	}
}
