package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"comms-router/internal/audit"
	"comms-router/internal/domain"
	"comms-router/internal/eval"
	"comms-router/internal/notify"
	"comms-router/internal/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", d)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func int64p(v int64) *int64 { return &v }

type fixture struct {
	t  *testing.T
	st *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, st: store.NewMemory()}
	f.exec(func(ctx context.Context, tx store.Tx) error {
		return tx.Routers().Save(ctx, &domain.Router{ID: "r"})
	})
	return f
}

func (f *fixture) exec(fn store.TxFunc) {
	f.t.Helper()
	if err := f.st.Execute(context.Background(), fn); err != nil {
		f.t.Fatalf("store: %v", err)
	}
}

func (f *fixture) save(v any) {
	f.t.Helper()
	f.exec(func(ctx context.Context, tx store.Tx) error {
		switch v := v.(type) {
		case *domain.Queue:
			return tx.Queues().Save(ctx, v)
		case *domain.Agent:
			return tx.Agents().Save(ctx, v)
		case *domain.Task:
			return tx.Tasks().Save(ctx, v)
		case *domain.Plan:
			return tx.Plans().Save(ctx, v)
		default:
			return fmt.Errorf("unsupported %T", v)
		}
	})
}

func (f *fixture) queue(id, predicate string) domain.Queue {
	q := domain.Queue{ID: id, RouterID: "r", Predicate: predicate}
	f.save(&q)
	return q
}

func (f *fixture) agent(id string, caps domain.Attributes, queueIDs ...string) domain.Agent {
	a := domain.Agent{ID: id, RouterID: "r", Capabilities: caps, State: domain.AgentStateReady, QueueIDs: queueIDs}
	f.save(&a)
	return a
}

func (f *fixture) task(tk domain.Task) domain.Task {
	tk.RouterID = "r"
	if tk.State == "" {
		tk.State = domain.TaskStateWaiting
	}
	f.save(&tk)
	return tk
}

func (f *fixture) getTask(id string) domain.Task {
	f.t.Helper()
	var out domain.Task
	f.exec(func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Tasks().Get(ctx, id)
		return err
	})
	return out
}

func (f *fixture) getAgent(id string) domain.Agent {
	f.t.Helper()
	var out domain.Agent
	f.exec(func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Agents().Get(ctx, id)
		return err
	})
	return out
}

func (f *fixture) assignedTo(agentID string) int {
	f.t.Helper()
	n := 0
	f.exec(func(ctx context.Context, tx store.Tx) error {
		ts, err := tx.Tasks().List(ctx, "r")
		for _, t := range ts {
			if t.State == domain.TaskStateAssigned && t.AgentID == agentID {
				n++
			}
		}
		return err
	})
	return n
}

// recorder counts notifier calls and answers with the scripted errors in order.
type recorder struct {
	mu     sync.Mutex
	calls  []domain.MatchResult
	script []error
}

func (r *recorder) OnTaskAssigned(ctx context.Context, m domain.MatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, m)
	if len(r.script) == 0 {
		return nil
	}
	err := r.script[0]
	if len(r.script) > 1 {
		r.script = r.script[1:]
	}
	return err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type harness struct {
	*fixture
	d       *Dispatcher
	n       *recorder
	metrics *Metrics
	events  *audit.MemoryRepo
}

func newHarness(t *testing.T, cfg Config, script ...error) *harness {
	t.Helper()
	f := newFixture(t)
	ev, err := eval.New(eval.DefaultCacheSize)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	if cfg.TimeoutUnit == 0 {
		cfg.TimeoutUnit = time.Millisecond
	}
	if cfg.Retry.MinDelay == 0 {
		cfg.Retry = RetryConfig{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}
	}
	h := &harness{
		fixture: f,
		n:       &recorder{script: script},
		metrics: NewMetrics(prometheus.NewRegistry()),
		events:  audit.NewMemoryRepo(),
	}
	h.d = New(cfg, f.st, ev, h.n, AuditAdapter{Audit: audit.NewService(h.events)}, h.metrics, discardLogger())
	t.Cleanup(h.d.Close)
	return h
}

func TestDispatcher_MatchesWaitingTaskAndDeliversOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.queue("q1", "#{language} == 'en'")
	h.agent("a1", domain.Attributes{"language": "en"}, "q1")
	tk := h.task(domain.Task{ID: "t1", QueueID: "q1", QueuedTimeout: 1000})

	h.d.DispatchTask(tk)

	waitFor(t, time.Second, func() bool { return h.n.count() == 1 })
	if got := h.getTask("t1"); got.State != domain.TaskStateAssigned || got.AgentID != "a1" {
		t.Fatalf("expected t1 assigned to a1, got %+v", got)
	}
	if got := h.getAgent("a1"); got.State != domain.AgentStateBusy {
		t.Fatalf("expected a1 busy, got %s", got.State)
	}

	time.Sleep(30 * time.Millisecond)
	if h.n.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", h.n.count())
	}
	if _, ok := h.d.armedRoute("t1"); ok {
		t.Fatalf("expected queued timer to be cancelled on assignment")
	}
	if v := testutil.ToFloat64(h.metrics.Matches.WithLabelValues(sourceQueue)); v != 1 {
		t.Fatalf("expected 1 queue match, got %v", v)
	}
	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues(outcomeDelivered)) == 1
	})
	if evs := h.events.ByType(audit.EventTaskAssigned); len(evs) != 1 || evs[0].AgentID != "a1" {
		t.Fatalf("expected one assignment audit event, got %+v", evs)
	}
}

func reroutePlan() domain.Plan {
	return domain.Plan{
		ID:       "p1",
		RouterID: "r",
		Rules: []domain.Rule{{
			ID:        "rule1",
			Predicate: "true",
			Routes: []domain.Route{
				{ID: "r1", QueueID: "q1", Timeout: int64p(5)},
				{ID: "r2", QueueID: "q2", Priority: int64p(7), Timeout: int64p(100000)},
				{ID: "r3", QueueID: "q1"},
			},
		}},
		DefaultRoute: domain.Route{ID: "default", QueueID: "q1"},
	}
}

func TestDispatcher_QueuedTimeoutMovesTaskToNextRoute(t *testing.T) {
	h := newHarness(t, Config{})
	h.queue("q1", "true")
	h.queue("q2", "true")
	p := reroutePlan()
	h.save(&p)
	tk := h.task(domain.Task{ID: "t1", QueueID: "q1", PlanID: "p1", RuleID: "rule1", RouteID: "r1", QueuedTimeout: 5})

	h.d.DispatchTask(tk)

	waitFor(t, time.Second, func() bool { return h.getTask("t1").RouteID == "r2" })
	got := h.getTask("t1")
	if got.QueueID != "q2" || got.Priority != 7 || got.QueuedTimeout != 100000 {
		t.Fatalf("route overrides not applied: %+v", got)
	}
	if got.State != domain.TaskStateWaiting || got.AgentID != "" {
		t.Fatalf("rerouted task must stay waiting without agent: %+v", got)
	}
	waitFor(t, time.Second, func() bool {
		r, ok := h.d.armedRoute("t1")
		return ok && r == "r2"
	})
	if v := testutil.ToFloat64(h.metrics.Reroutes); v != 1 {
		t.Fatalf("expected 1 reroute, got %v", v)
	}
	if evs := h.events.ByType(audit.EventTaskRerouted); len(evs) != 1 || evs[0].RouteID != "r2" {
		t.Fatalf("expected one reroute audit event, got %+v", evs)
	}
}

func TestDispatcher_RepeatedTimeoutDoesNotDoubleAdvance(t *testing.T) {
	h := newHarness(t, Config{TimeoutUnit: time.Hour})
	h.queue("q1", "true")
	h.queue("q2", "true")
	p := reroutePlan()
	h.save(&p)
	armed := h.task(domain.Task{ID: "t1", QueueID: "q1", PlanID: "p1", RuleID: "rule1", RouteID: "r1", QueuedTimeout: 5})

	h.d.OnQueuedTaskTimeout(context.Background(), armed)
	h.d.OnQueuedTaskTimeout(context.Background(), armed)

	if got := h.getTask("t1"); got.RouteID != "r2" {
		t.Fatalf("expected task on r2 after repeated timeouts, got %s", got.RouteID)
	}
	if v := testutil.ToFloat64(h.metrics.Reroutes); v != 1 {
		t.Fatalf("expected 1 reroute, got %v", v)
	}
}

func TestDispatcher_TimeoutNoOps(t *testing.T) {
	h := newHarness(t, Config{TimeoutUnit: time.Hour})
	h.queue("q1", "true")
	h.queue("q2", "true")
	p := reroutePlan()
	h.save(&p)
	h.agent("a1", nil)

	cases := []domain.Task{
		{ID: "assigned", QueueID: "q1", PlanID: "p1", RuleID: "rule1", RouteID: "r1", State: domain.TaskStateAssigned, AgentID: "a1"},
		{ID: "completed", QueueID: "q1", PlanID: "p1", RuleID: "rule1", RouteID: "r1", State: domain.TaskStateCompleted},
		{ID: "default", QueueID: "q1", PlanID: "p1", RouteID: "default"},
		{ID: "last", QueueID: "q1", PlanID: "p1", RuleID: "rule1", RouteID: "r3"},
		{ID: "direct", QueueID: "q1"},
	}
	for _, tk := range cases {
		saved := h.task(tk)
		h.d.OnQueuedTaskTimeout(context.Background(), saved)
		got := h.getTask(tk.ID)
		if got.RouteID != saved.RouteID || got.QueueID != saved.QueueID || got.Version != saved.Version {
			t.Fatalf("%s: expected no change, got %+v", tk.ID, got)
		}
	}
	if v := testutil.ToFloat64(h.metrics.Reroutes); v != 0 {
		t.Fatalf("expected no reroutes, got %v", v)
	}
}

func TestDispatcher_TimeoutToMissingQueueLeavesTask(t *testing.T) {
	h := newHarness(t, Config{TimeoutUnit: time.Hour})
	h.queue("q1", "true")
	p := reroutePlan()
	h.save(&p)
	armed := h.task(domain.Task{ID: "t1", QueueID: "q1", PlanID: "p1", RuleID: "rule1", RouteID: "r1"})

	h.d.OnQueuedTaskTimeout(context.Background(), armed)

	if got := h.getTask("t1"); got.RouteID != "r1" || got.QueueID != "q1" {
		t.Fatalf("expected task unchanged, got %+v", got)
	}
}

func TestDispatcher_DispatchTaskReplacesTimer(t *testing.T) {
	h := newHarness(t, Config{TimeoutUnit: time.Hour})
	h.queue("q1", "true")
	tk := h.task(domain.Task{ID: "t1", QueueID: "q1", RouteID: "r1", QueuedTimeout: 5})

	h.d.DispatchTask(tk)
	tk.RouteID = "r2"
	h.d.DispatchTask(tk)

	h.d.mu.Lock()
	n := len(h.d.timers)
	h.d.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one timer per task, got %d", n)
	}
	if r, _ := h.d.armedRoute("t1"); r != "r2" {
		t.Fatalf("expected latest timer armed for r2, got %q", r)
	}
	if v := testutil.ToFloat64(h.metrics.TaskTimers); v != 1 {
		t.Fatalf("expected timer gauge 1, got %v", v)
	}

	h.d.CancelTaskTimer("t1")
	if _, ok := h.d.armedRoute("t1"); ok {
		t.Fatalf("expected timer to be cancelled")
	}
}

func TestDispatcher_RetriesTransientFailuresUpToBudget(t *testing.T) {
	h := newHarness(t, Config{}, fmt.Errorf("%w: 503", notify.ErrDelivery))
	m := domain.MatchResult{Task: domain.Task{ID: "t1", RouterID: "r"}, Agent: domain.Agent{ID: "a1", RouterID: "r"}}

	h.d.SubmitTaskAssignment(m)

	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues(outcomeExhausted)) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if h.n.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.n.count())
	}
	if v := testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues(outcomeRetried)); v != 2 {
		t.Fatalf("expected 2 retries, got %v", v)
	}
	if evs := h.events.ByType(audit.EventDeliveryFailed); len(evs) != 1 {
		t.Fatalf("expected one delivery_failed event, got %d", len(evs))
	}
}

func TestDispatcher_RetrySucceedsAfterTransientFailure(t *testing.T) {
	h := newHarness(t, Config{}, store.ErrWriteConflict, nil)
	m := domain.MatchResult{Task: domain.Task{ID: "t1", RouterID: "r"}, Agent: domain.Agent{ID: "a1", RouterID: "r"}}

	h.d.SubmitTaskAssignment(m)

	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues(outcomeDelivered)) == 1
	})
	if h.n.count() != 2 {
		t.Fatalf("expected 2 attempts, got %d", h.n.count())
	}
}

func TestDispatcher_DoesNotRetryPermanentFailures(t *testing.T) {
	h := newHarness(t, Config{}, errors.New("callback rejected: 400"))
	m := domain.MatchResult{Task: domain.Task{ID: "t1", RouterID: "r"}, Agent: domain.Agent{ID: "a1", RouterID: "r"}}

	h.d.SubmitTaskAssignment(m)

	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues(outcomeFailed)) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if h.n.count() != 1 {
		t.Fatalf("expected a single attempt, got %d", h.n.count())
	}
}

func TestDispatcher_DispatchAgentFindsWaitingTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.queue("q1", "true")
	h.task(domain.Task{ID: "t1", QueueID: "q1"})
	h.agent("a1", nil, "q1")

	h.d.DispatchAgent("a1")

	waitFor(t, time.Second, func() bool { return h.n.count() == 1 })
	if got := h.getTask("t1"); got.AgentID != "a1" {
		t.Fatalf("expected t1 assigned to a1, got %+v", got)
	}
	if v := testutil.ToFloat64(h.metrics.Matches.WithLabelValues(sourceAgent)); v != 1 {
		t.Fatalf("expected 1 agent match, got %v", v)
	}
}

func TestDispatcher_StartRecoversPersistedWork(t *testing.T) {
	h := newHarness(t, Config{TimeoutUnit: time.Hour})
	h.queue("q1", "true")
	h.queue("q2", "true")
	h.agent("a1", nil, "q1")
	h.task(domain.Task{ID: "t1", QueueID: "q1"})
	h.task(domain.Task{ID: "t2", QueueID: "q2", RouteID: "r1", QueuedTimeout: 10})

	if err := h.d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, time.Second, func() bool { return h.n.count() == 1 })
	if r, ok := h.d.armedRoute("t2"); !ok || r != "r1" {
		t.Fatalf("expected t2 timer re-armed, got %q, %v", r, ok)
	}
	if h.d.Processors() != 2 {
		t.Fatalf("expected a processor per queue, got %d", h.d.Processors())
	}
}

func TestDispatcher_NoDoubleAssignmentUnderLoad(t *testing.T) {
	h := newHarness(t, Config{Workers: 8})
	h.queue("q1", "true")
	h.queue("q2", "true")
	var tasks []domain.Task
	for i := 0; i < 20; i++ {
		q := "q1"
		if i%2 == 1 {
			q = "q2"
		}
		tasks = append(tasks, h.task(domain.Task{ID: fmt.Sprintf("t%02d", i), QueueID: q}))
	}
	agents := []string{"a1", "a2", "a3"}
	for _, id := range agents {
		h.agent(id, nil, "q1", "q2")
	}

	var wg sync.WaitGroup
	for _, tk := range tasks {
		wg.Add(1)
		go func(tk domain.Task) {
			defer wg.Done()
			h.d.DispatchTask(tk)
		}(tk)
	}
	for _, id := range agents {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.d.DispatchAgent(id)
		}(id)
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool { return h.n.count() == 3 })
	time.Sleep(30 * time.Millisecond)
	for _, id := range agents {
		if n := h.assignedTo(id); n != 1 {
			t.Fatalf("agent %s has %d assigned tasks", id, n)
		}
	}
	if h.n.count() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", h.n.count())
	}
}

func TestDispatcher_CloseStopsTimersAndRejectsWork(t *testing.T) {
	h := newHarness(t, Config{TimeoutUnit: time.Hour})
	h.queue("q1", "true")
	tk := h.task(domain.Task{ID: "t1", QueueID: "q1", QueuedTimeout: 5})
	h.d.DispatchTask(tk)

	h.d.Close()

	if _, ok := h.d.armedRoute("t1"); ok {
		t.Fatalf("expected timers to be cleared on close")
	}
	h.d.DispatchTask(tk)
	if _, ok := h.d.armedRoute("t1"); ok {
		t.Fatalf("closed dispatcher must not arm timers")
	}
	var ran atomic.Bool
	if h.d.pool.Submit(func(context.Context) { ran.Store(true) }) {
		t.Fatalf("closed pool accepted work")
	}
}

func TestRetryConfig_DefaultBackOffIsJittered(t *testing.T) {
	cfg := Config{}.withDefaults().Retry
	if cfg.Jitter != DefaultJitter {
		t.Fatalf("expected default jitter %v, got %v", DefaultJitter, cfg.Jitter)
	}

	draw := func() []time.Duration {
		b := cfg.newBackOff()
		out := make([]time.Duration, 3)
		for i := range out {
			out[i] = b.NextBackOff()
		}
		return out
	}
	first, second := draw(), draw()

	base := cfg.MinDelay
	for i, d := range first {
		lo := time.Duration(float64(base) * (1 - cfg.Jitter))
		hi := time.Duration(float64(base) * (1 + cfg.Jitter))
		if d < lo || d > hi {
			t.Fatalf("delay %d = %v outside [%v, %v]", i, d, lo, hi)
		}
		base *= 2
	}
	if fmt.Sprint(first) == fmt.Sprint(second) {
		t.Fatalf("expected independent delays, both runs gave %v", first)
	}
}
