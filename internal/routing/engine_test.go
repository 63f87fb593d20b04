package routing

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"comms-router/internal/domain"
	"comms-router/internal/eval"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func int64p(v int64) *int64 { return &v }

func newEngine(t *testing.T) *RoutingEngine {
	t.Helper()
	ev, err := eval.New(eval.DefaultCacheSize)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	return NewRoutingEngine(ev, discardLogger())
}

func samplePlan() domain.Plan {
	return domain.Plan{
		ID: "p1",
		Rules: []domain.Rule{
			{ID: "spanish", Predicate: "#{language} == 'es'", Routes: []domain.Route{{ID: "es1", QueueID: "q-es"}}},
			{ID: "vip", Predicate: "#{tier} == 'gold' || HAS(#{tags}, 'vip')", Routes: []domain.Route{
				{ID: "vip1", QueueID: "q-vip", Priority: int64p(10)},
				{ID: "vip2", QueueID: "q-general"},
			}},
		},
		DefaultRoute: domain.Route{ID: "default", QueueID: "q-general"},
	}
}

func TestRoutingEngine_FirstMatchingRuleWins(t *testing.T) {
	e := newEngine(t)

	d := e.Decide(samplePlan(), domain.Attributes{"language": "en", "tier": "gold", "tags": []any{"vip"}})
	if d.Reason != ReasonRuleMatched || d.RuleID != "vip" || d.Route.ID != "vip1" {
		t.Fatalf("expected vip rule first route, got %+v", d)
	}
}

func TestRoutingEngine_FallsBackToDefaultRoute(t *testing.T) {
	e := newEngine(t)

	d := e.Decide(samplePlan(), domain.Attributes{"language": "en", "tier": "silver", "tags": []any{}})
	if d.Reason != ReasonDefaultRoute || d.RuleID != "" || d.Route.ID != "default" {
		t.Fatalf("expected default route, got %+v", d)
	}
}

func TestRoutingEngine_UnevaluableRuleIsSkipped(t *testing.T) {
	e := newEngine(t)

	// No language attribute: the first rule cannot be evaluated.
	d := e.Decide(samplePlan(), domain.Attributes{"tier": "gold"})
	if d.RuleID != "vip" {
		t.Fatalf("expected vip rule after skipping, got %+v", d)
	}
}

func TestRoutingEngine_ValidatePlan(t *testing.T) {
	e := newEngine(t)
	if err := e.ValidatePlan(samplePlan()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	cases := map[string]func(p *domain.Plan){
		"no default queue": func(p *domain.Plan) { p.DefaultRoute.QueueID = "" },
		"no routes":        func(p *domain.Plan) { p.Rules[0].Routes = nil },
		"duplicate route":  func(p *domain.Plan) { p.Rules[1].Routes[1].ID = "vip1" },
		"duplicate rule":   func(p *domain.Plan) { p.Rules[1].ID = "spanish" },
		"first route queue": func(p *domain.Plan) {
			p.Rules[1].Routes[0].QueueID = ""
		},
		"negative timeout": func(p *domain.Plan) { p.Rules[0].Routes[0].Timeout = int64p(-1) },
	}
	for name, mutate := range cases {
		p := samplePlan().Clone()
		mutate(&p)
		if err := e.ValidatePlan(p); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", name, err)
		}
	}

	p := samplePlan().Clone()
	p.Rules[0].Predicate = "#{language} =="
	if err := e.ValidatePlan(p); !errors.Is(err, eval.ErrInvalidPredicate) {
		t.Fatalf("expected ErrInvalidPredicate, got %v", err)
	}
}
