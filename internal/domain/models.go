package domain

import "time"

// Router is a routing namespace. Every other entity belongs to exactly one router.
type Router struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name,omitempty" db:"name"`
	Description string `json:"description,omitempty" db:"description"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Queue is a named waiting area. Predicate is evaluated against agent capabilities.
type Queue struct {
	ID          string `json:"id" db:"id"`
	RouterID    string `json:"router_id" db:"router_id"`
	Description string `json:"description,omitempty" db:"description"`
	Predicate   string `json:"predicate" db:"predicate"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type AgentState string

const (
	AgentStateReady       AgentState = "ready"
	AgentStateBusy        AgentState = "busy"
	AgentStateUnavailable AgentState = "unavailable"
	AgentStateOffline     AgentState = "offline"
)

func (s AgentState) Valid() bool {
	switch s {
	case AgentStateReady, AgentStateBusy, AgentStateUnavailable, AgentStateOffline:
		return true
	default:
		return false
	}
}

// Agent is a worker. QueueIDs is derived: the queues whose predicate holds for
// the current capabilities.
type Agent struct {
	ID           string     `json:"id" db:"id"`
	RouterID     string     `json:"router_id" db:"router_id"`
	Address      string     `json:"address,omitempty" db:"address"`
	Capabilities Attributes `json:"capabilities,omitempty" db:"capabilities"`
	State        AgentState `json:"state" db:"state"`
	QueueIDs     []string   `json:"queue_ids" db:"queue_ids"`

	// LastAssignedAt orders ready agents: longest idle first.
	LastAssignedAt time.Time `json:"last_assigned_at,omitempty" db:"last_assigned_at"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// InQueue reports whether queueID is part of the agent's membership.
func (a Agent) InQueue(queueID string) bool {
	for _, id := range a.QueueIDs {
		if id == queueID {
			return true
		}
	}
	return false
}

func (a Agent) Clone() Agent {
	out := a
	out.Capabilities = a.Capabilities.Clone()
	if a.QueueIDs != nil {
		out.QueueIDs = append([]string(nil), a.QueueIDs...)
	}
	return out
}

type TaskState string

const (
	TaskStateWaiting   TaskState = "waiting"
	TaskStateAssigned  TaskState = "assigned"
	TaskStateCompleted TaskState = "completed"
)

// Task is a unit of work awaiting assignment.
//
// Invariant: State == assigned implies AgentID != "", State == waiting implies AgentID == "".
type Task struct {
	ID           string     `json:"id" db:"id"`
	RouterID     string     `json:"router_id" db:"router_id"`
	Requirements Attributes `json:"requirements,omitempty" db:"requirements"`
	UserContext  Attributes `json:"user_context,omitempty" db:"user_context"`
	State        TaskState  `json:"state" db:"state"`

	QueueID string `json:"queue_id" db:"queue_id"`
	AgentID string `json:"agent_id,omitempty" db:"agent_id"`

	// PlanID/RuleID/RouteID are empty when the task was queued directly.
	// RuleID is empty when the plan's default route was selected.
	PlanID  string `json:"plan_id,omitempty" db:"plan_id"`
	RuleID  string `json:"rule_id,omitempty" db:"rule_id"`
	RouteID string `json:"route_id,omitempty" db:"route_id"`

	Priority int64 `json:"priority" db:"priority"`
	// QueuedTimeout is in seconds.
	QueuedTimeout int64 `json:"queued_timeout" db:"queued_timeout"`

	CallbackURL string `json:"callback_url,omitempty" db:"callback_url"`
	Tag         string `json:"tag,omitempty" db:"tag"`

	// Seq is the arrival order; assigned by the store on first save.
	Seq int64 `json:"-" db:"seq"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (t Task) Clone() Task {
	out := t
	out.Requirements = t.Requirements.Clone()
	out.UserContext = t.UserContext.Clone()
	return out
}

// Plan decides initial queue placement for tasks created against it.
type Plan struct {
	ID           string `json:"id" db:"id"`
	RouterID     string `json:"router_id" db:"router_id"`
	Description  string `json:"description,omitempty" db:"description"`
	Rules        []Rule `json:"rules" db:"rules"`
	DefaultRoute Route  `json:"default_route" db:"default_route"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Rule returns the rule with the given id.
func (p Plan) Rule(id string) (Rule, bool) {
	for _, r := range p.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

func (p Plan) Clone() Plan {
	out := p
	if p.Rules != nil {
		out.Rules = make([]Rule, len(p.Rules))
		for i, r := range p.Rules {
			rc := r
			rc.Routes = append([]Route(nil), r.Routes...)
			out.Rules[i] = rc
		}
	}
	return out
}

// Rule is a predicate over task requirements plus an ordered fallback list of routes.
type Rule struct {
	ID        string  `json:"id"`
	Tag       string  `json:"tag,omitempty"`
	Predicate string  `json:"predicate"`
	Routes    []Route `json:"routes"`
}

// Route points a task at a queue. Nil Priority/Timeout leave the task's value unchanged.
type Route struct {
	ID       string `json:"id"`
	QueueID  string `json:"queue_id,omitempty"`
	Priority *int64 `json:"priority,omitempty"`
	Timeout  *int64 `json:"timeout,omitempty"`
}

// MatchResult is the outcome of pairing one task with one agent. It is not persisted.
type MatchResult struct {
	Task  Task  `json:"task"`
	Agent Agent `json:"agent"`
}
