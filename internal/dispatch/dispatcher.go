package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"comms-router/internal/domain"
	"comms-router/internal/eval"
	"comms-router/internal/notify"
	"comms-router/internal/store"
	"comms-router/pkg/logger"
	"comms-router/pkg/tracer"
)

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	Workers         int
	EvictionDelay   time.Duration
	ShutdownGrace   time.Duration
	PredicatePolicy PredicatePolicy
	// TimeoutUnit is the length of one Task.QueuedTimeout unit. Defaults to one second.
	TimeoutUnit time.Duration
	Retry       RetryConfig
}

func (c Config) withDefaults() Config {
	out := c
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.EvictionDelay <= 0 {
		out.EvictionDelay = DefaultEvictionDelay
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = DefaultShutdownGrace
	}
	if out.PredicatePolicy == "" {
		out.PredicatePolicy = PolicySkip
	}
	if out.TimeoutUnit <= 0 {
		out.TimeoutUnit = time.Second
	}
	out.Retry = out.Retry.withDefaults()
	return out
}

// taskTimer is an armed queued-timeout. routeID is the route the task was on
// when the timer was armed.
type taskTimer struct {
	job     *ScheduledJob
	routeID string
}

// Dispatcher wires matching, queued timeouts and assignment delivery onto a
// shared worker pool. None of its public methods block on matching or delivery.
type Dispatcher struct {
	uow      store.UnitOfWork
	notifier notify.Notifier
	audit    AuditLogger
	metrics  *Metrics
	log      *slog.Logger
	clock    func() time.Time
	unit     time.Duration
	retry    RetryConfig

	pool     *Pool
	registry *Registry
	matcher  *Matcher

	mu     sync.Mutex
	timers map[string]*taskTimer
	closed bool
}

// New builds a dispatcher and starts its worker pool. auditLog and metrics may be nil.
func New(cfg Config, uow store.UnitOfWork, ev *eval.Evaluator, n notify.Notifier, auditLog AuditLogger, metrics *Metrics, log *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	log = logger.Component(log, "dispatch")
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if n == nil {
		n = notify.LogNotifier{Log: log}
	}

	d := &Dispatcher{
		uow:      uow,
		notifier: n,
		audit:    auditLog,
		metrics:  metrics,
		log:      log,
		clock:    time.Now,
		unit:     cfg.TimeoutUnit,
		retry:    cfg.Retry,
		timers:   map[string]*taskTimer{},
	}
	d.pool = NewPool(cfg.Workers, cfg.ShutdownGrace, log)
	d.matcher = NewMatcher(uow, ev, cfg.PredicatePolicy, log)
	d.registry = NewRegistry(d.pool, d.attempt, cfg.EvictionDelay, log)
	d.registry.onChange = func(n int) { d.metrics.Processors.Set(float64(n)) }
	return d
}

// Start wakes a processor for every stored queue and re-arms timers for
// waiting tasks. It is meant to run once after a restart.
func (d *Dispatcher) Start(ctx context.Context) error {
	type snapshot struct {
		queues []domain.Queue
		tasks  []domain.Task
	}
	s, err := store.Execute(ctx, d.uow, func(ctx context.Context, tx store.Tx) (snapshot, error) {
		qs, err := tx.Queues().List(ctx, "")
		if err != nil {
			return snapshot{}, err
		}
		ts, err := tx.Tasks().ListWaiting(ctx, "")
		if err != nil {
			return snapshot{}, err
		}
		return snapshot{queues: qs, tasks: ts}, nil
	})
	if err != nil {
		return fmt.Errorf("dispatch: load state: %w", err)
	}
	for _, t := range s.tasks {
		d.armTimer(t)
	}
	for _, q := range s.queues {
		d.registry.Process(q.ID)
	}
	d.log.InfoContext(ctx, "dispatcher started", "queues", len(s.queues), "waiting_tasks", len(s.tasks))
	return nil
}

// DispatchTask wakes the processor of the task's queue and (re)arms its
// queued timeout. An earlier timer for the same task is replaced.
func (d *Dispatcher) DispatchTask(t domain.Task) {
	if d.isClosed() {
		return
	}
	if t.State == domain.TaskStateWaiting {
		d.armTimer(t)
	} else {
		d.CancelTaskTimer(t.ID)
	}
	if t.QueueID != "" {
		d.registry.Process(t.QueueID)
	}
}

// DispatchAgent looks for one task for a ready agent on the pool.
func (d *Dispatcher) DispatchAgent(agentID string) {
	ok := d.pool.Submit(func(ctx context.Context) {
		res, err := d.matcher.MatchAgent(ctx, agentID)
		if err != nil {
			d.metrics.MatchErrors.Inc()
			d.log.ErrorContext(ctx, "agent match failed", "agent_id", agentID, "err", err)
			return
		}
		if res != nil {
			d.matched(ctx, *res, sourceAgent)
		}
	})
	if !ok {
		d.log.Warn("dispatcher closed, agent not dispatched", "agent_id", agentID)
	}
}

// attempt is the registry's per-queue matching step.
func (d *Dispatcher) attempt(ctx context.Context, queueID string) (bool, error) {
	res, err := d.matcher.MatchQueue(ctx, queueID)
	if err != nil {
		d.metrics.MatchErrors.Inc()
		if errors.Is(err, domain.ErrNotFound) {
			d.log.WarnContext(ctx, "queue no longer exists", "queue_id", queueID)
		} else {
			d.log.ErrorContext(ctx, "queue match failed", "queue_id", queueID, "err", err)
		}
		return false, err
	}
	if res == nil {
		return false, nil
	}
	d.matched(ctx, *res, sourceQueue)
	return true, nil
}

func (d *Dispatcher) matched(ctx context.Context, m domain.MatchResult, source string) {
	d.CancelTaskTimer(m.Task.ID)
	d.metrics.Matches.WithLabelValues(source).Inc()
	d.log.InfoContext(ctx, "task matched",
		"task_id", m.Task.ID, "agent_id", m.Agent.ID, "queue_id", m.Task.QueueID, "source", source)
	if d.audit != nil {
		if err := d.audit.LogAssigned(ctx, m); err != nil {
			d.log.WarnContext(ctx, "audit append failed", "task_id", m.Task.ID, "err", err)
		}
	}
	d.SubmitTaskAssignment(m)
}

func (d *Dispatcher) armTimer(t domain.Task) {
	if t.QueuedTimeout <= 0 {
		d.CancelTaskTimer(t.ID)
		return
	}
	armed := t.Clone()
	delay := time.Duration(t.QueuedTimeout) * d.unit

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if prev, ok := d.timers[t.ID]; ok {
		prev.job.Stop()
		delete(d.timers, t.ID)
	}
	tt := &taskTimer{routeID: t.RouteID}
	tt.job = d.pool.Schedule(delay, func(ctx context.Context) {
		d.mu.Lock()
		if d.timers[armed.ID] == tt {
			delete(d.timers, armed.ID)
			d.metrics.TaskTimers.Set(float64(len(d.timers)))
		}
		d.mu.Unlock()
		d.OnQueuedTaskTimeout(ctx, armed)
	})
	if tt.job != nil {
		d.timers[t.ID] = tt
	}
	d.metrics.TaskTimers.Set(float64(len(d.timers)))
}

// CancelTaskTimer stops the task's queued timeout, if any.
func (d *Dispatcher) CancelTaskTimer(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tt, ok := d.timers[taskID]; ok {
		tt.job.Stop()
		delete(d.timers, taskID)
		d.metrics.TaskTimers.Set(float64(len(d.timers)))
	}
}

// armedRoute returns the route the task's live timer was armed for.
func (d *Dispatcher) armedRoute(taskID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tt, ok := d.timers[taskID]
	if !ok {
		return "", false
	}
	return tt.routeID, true
}

// OnQueuedTaskTimeout moves a still-waiting task to the next route of its
// rule. armed is the task as it was when the timer was armed; if the task has
// left that route since, the timeout is stale and ignored. Errors are logged.
func (d *Dispatcher) OnQueuedTaskTimeout(ctx context.Context, armed domain.Task) {
	ctx, span := tracer.StartSpan(ctx, "dispatch.queued_timeout",
		tracer.StringAttr("task_id", armed.ID), tracer.StringAttr("route_id", armed.RouteID))
	defer span.End()
	log := d.log.With("task_id", armed.ID, "route_id", armed.RouteID)

	res, err := store.ExecuteWithLockRetry(ctx, d.uow, func(ctx context.Context, tx store.Tx) (*domain.Task, error) {
		t, err := tx.Tasks().Get(ctx, armed.ID)
		if err != nil {
			return nil, err
		}
		if t.State != domain.TaskStateWaiting || t.RouteID != armed.RouteID {
			return nil, nil
		}
		if t.PlanID == "" || t.RuleID == "" {
			return nil, nil
		}
		plan, err := tx.Plans().Get(ctx, t.PlanID)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", t.PlanID, err)
		}
		rule, ok := plan.Rule(t.RuleID)
		if !ok {
			return nil, nil
		}
		next, ok := domain.NextRoute(rule, t.RouteID)
		if !ok {
			return nil, nil
		}
		if next.QueueID != "" {
			if _, err := tx.Queues().Get(ctx, next.QueueID); err != nil {
				return nil, fmt.Errorf("route %s queue %s: %w", next.ID, next.QueueID, err)
			}
		}
		t.AdvanceRoute(next, d.clock().UTC())
		if err := tx.Tasks().Save(ctx, &t); err != nil {
			return nil, err
		}
		return &t, nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		log.ErrorContext(ctx, "queued timeout failed", "err", err)
		return
	}
	tracer.SetOK(span)
	if res == nil {
		log.DebugContext(ctx, "queued timeout, task not rerouted")
		return
	}

	d.metrics.Reroutes.Inc()
	log.InfoContext(ctx, "task rerouted", "new_route_id", res.RouteID, "queue_id", res.QueueID)
	if d.audit != nil {
		if err := d.audit.LogRerouted(ctx, *res, armed.RouteID); err != nil {
			log.WarnContext(ctx, "audit append failed", "err", err)
		}
	}
	d.DispatchTask(*res)
}

// SubmitTaskAssignment delivers m to the notifier on the pool. Transient
// failures are retried with exponential backoff; exhaustion is only logged.
func (d *Dispatcher) SubmitTaskAssignment(m domain.MatchResult) {
	b := d.retry.newBackOff()
	if !d.pool.Submit(func(ctx context.Context) { d.deliver(ctx, m, b, 1) }) {
		d.log.Warn("dispatcher closed, assignment not delivered", "task_id", m.Task.ID, "agent_id", m.Agent.ID)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, m domain.MatchResult, b backoff.BackOff, attempt int) {
	ctx, span := tracer.StartSpan(ctx, "dispatch.deliver",
		tracer.StringAttr("task_id", m.Task.ID), tracer.StringAttr("agent_id", m.Agent.ID),
		tracer.IntAttr("attempt", attempt))
	defer span.End()
	log := d.log.With("task_id", m.Task.ID, "agent_id", m.Agent.ID, "queue_id", m.Task.QueueID, "attempt", attempt)

	err := d.notifier.OnTaskAssigned(ctx, m)
	if err == nil {
		tracer.SetOK(span)
		d.metrics.Deliveries.WithLabelValues(outcomeDelivered).Inc()
		log.InfoContext(ctx, "assignment delivered")
		return
	}
	tracer.RecordError(span, err)

	if !isTransient(err) {
		d.metrics.Deliveries.WithLabelValues(outcomeFailed).Inc()
		log.ErrorContext(ctx, "assignment delivery failed", "err", err)
		d.auditDeliveryFailed(ctx, m, err)
		return
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		d.metrics.Deliveries.WithLabelValues(outcomeExhausted).Inc()
		log.ErrorContext(ctx, "assignment delivery retries exhausted", "err", err)
		d.auditDeliveryFailed(ctx, m, err)
		return
	}

	d.metrics.Deliveries.WithLabelValues(outcomeRetried).Inc()
	log.WarnContext(ctx, "assignment delivery failed, retrying", "err", err, "delay", delay)
	if d.pool.Schedule(delay, func(ctx context.Context) { d.deliver(ctx, m, b, attempt+1) }) == nil {
		log.Warn("dispatcher closed, assignment retry dropped")
	}
}

func (d *Dispatcher) auditDeliveryFailed(ctx context.Context, m domain.MatchResult, cause error) {
	if d.audit == nil {
		return
	}
	if err := d.audit.LogDeliveryFailed(ctx, m, cause); err != nil {
		d.log.WarnContext(ctx, "audit append failed", "task_id", m.Task.ID, "err", err)
	}
}

// Processors returns the number of live queue processors.
func (d *Dispatcher) Processors() int { return d.registry.Len() }

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops accepting work, cancels timers and drains the pool.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, tt := range d.timers {
		tt.job.Stop()
		delete(d.timers, id)
	}
	d.metrics.TaskTimers.Set(0)
	d.mu.Unlock()

	d.registry.Close()
	d.pool.Close()
}
