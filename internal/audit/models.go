package audit

import "time"

// Event is an immutable, append-only record of a routing decision.
//
// Invariants:
// - Events are never updated or deleted.
// - router_id is required.
// - Recording is best-effort; dispatch never blocks on audit failures.
type Event struct {
	ID       string    `json:"id"`
	RouterID string    `json:"router_id"`
	Type     EventType `json:"type"`

	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	QueueID string `json:"queue_id,omitempty"`
	RouteID string `json:"route_id,omitempty"`

	// Message is a short human-readable description for operators.
	Message string `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTaskAssigned       EventType = "task_assigned"
	EventTaskRerouted       EventType = "task_rerouted"
	EventAssignmentRejected EventType = "assignment_rejected"
	EventTaskCompleted      EventType = "task_completed"
	EventDeliveryFailed     EventType = "delivery_failed"
)
