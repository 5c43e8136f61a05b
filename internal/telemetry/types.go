package telemetry

import "time"

// EventType 表示执行链路上的事件类型。
type EventType string

const (
	EventRouteSelected EventType = "route_selected"
	EventPlanned       EventType = "planned"
	EventSigned        EventType = "signed"
	EventSubmitted     EventType = "submitted"
	EventConfirmed     EventType = "confirmed"
	EventRejected      EventType = "rejected"
	EventTimedOut      EventType = "timed_out"
	EventFailed        EventType = "failed"
	EventDuplicate     EventType = "duplicate"
	EventAdmission     EventType = "admission_rejected"
	EventGuardBlocked  EventType = "guard_blocked"
)

// Event 为一次计时或结果事件。
type Event struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	RouteKind   string    `json:"route_kind,omitempty"`
	Pool        string    `json:"pool,omitempty"`
	// State 为事件发生后执行所处的阶段
	State     string  `json:"state,omitempty"`
	Attempt   int     `json:"attempt,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}
