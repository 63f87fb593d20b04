package routing

import "comms-router/internal/domain"

// Decision is the placement the routing engine picked for a new task.
//
// It must contain only what task creation needs to place the task:
// the plan/rule/route it came from and the route itself.
type Decision struct {
	PlanID string `json:"plan_id"`
	// RuleID is empty when the plan's default route was selected.
	RuleID string       `json:"rule_id,omitempty"`
	Route  domain.Route `json:"route"`

	// Reason is intended for internal logs.
	Reason Reason `json:"reason"`
}

type Reason string

const (
	ReasonRuleMatched  Reason = "rule_matched"
	ReasonDefaultRoute Reason = "default_route"
)
