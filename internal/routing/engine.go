package routing

import (
	"fmt"
	"log/slog"

	"comms-router/internal/domain"
	"comms-router/internal/eval"
)

// RoutingEngine evaluates a plan against a task's requirements.
//
// Priority:
//  1. Rules, in plan order: the first rule whose predicate holds wins and
//     its first route is used.
//  2. The plan's default route.
//
// Return routing decision only. No side effects (no store writes, no dispatch).
//
// A rule whose predicate cannot be evaluated for these requirements (missing
// attribute, type mismatch) does not match and is logged. Syntax errors are
// rejected when the plan is created.
type RoutingEngine struct {
	ev  *eval.Evaluator
	log *slog.Logger
}

func NewRoutingEngine(ev *eval.Evaluator, log *slog.Logger) *RoutingEngine {
	if log == nil {
		log = slog.Default()
	}
	return &RoutingEngine{ev: ev, log: log}
}

func (e *RoutingEngine) Decide(p domain.Plan, requirements domain.Attributes) Decision {
	for _, r := range p.Rules {
		if len(r.Routes) == 0 {
			continue
		}
		ok, err := e.ev.Evaluate(r.Predicate, requirements)
		if err != nil {
			e.log.Warn("rule predicate failed, rule skipped", "plan_id", p.ID, "rule_id", r.ID, "err", err)
			continue
		}
		if ok {
			return Decision{PlanID: p.ID, RuleID: r.ID, Route: r.Routes[0], Reason: ReasonRuleMatched}
		}
	}
	return Decision{PlanID: p.ID, Route: p.DefaultRoute, Reason: ReasonDefaultRoute}
}

// ValidatePlan checks the plan's shape: compilable predicates, at least one
// route per rule, unique route ids within a rule, and a queue on every rule's
// first route and on the default route.
func (e *RoutingEngine) ValidatePlan(p domain.Plan) error {
	if p.DefaultRoute.QueueID == "" {
		return fmt.Errorf("%w: default route needs a queue_id", domain.ErrInvalidArgument)
	}
	ruleIDs := map[string]bool{}
	for i, r := range p.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule %d has no id", domain.ErrInvalidArgument, i)
		}
		if ruleIDs[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", domain.ErrInvalidArgument, r.ID)
		}
		ruleIDs[r.ID] = true
		if _, err := e.ev.Compile(r.Predicate); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if len(r.Routes) == 0 {
			return fmt.Errorf("%w: rule %s has no routes", domain.ErrInvalidArgument, r.ID)
		}
		if r.Routes[0].QueueID == "" {
			return fmt.Errorf("%w: rule %s first route needs a queue_id", domain.ErrInvalidArgument, r.ID)
		}
		routeIDs := map[string]bool{}
		for _, rt := range r.Routes {
			if rt.ID == "" || routeIDs[rt.ID] {
				return fmt.Errorf("%w: rule %s has a missing or duplicate route id %q", domain.ErrInvalidArgument, r.ID, rt.ID)
			}
			if rt.Timeout != nil && *rt.Timeout < 0 {
				return fmt.Errorf("%w: route %s timeout must be >= 0", domain.ErrInvalidArgument, rt.ID)
			}
			routeIDs[rt.ID] = true
		}
	}
	return nil
}
