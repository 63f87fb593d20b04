package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"comms-router/internal/domain"
	"comms-router/internal/eval"
	"comms-router/internal/store"
	"comms-router/pkg/tracer"
)

// PredicatePolicy decides what a predicate failure means during matching.
type PredicatePolicy string

const (
	// PolicySkip treats the pairing as not eligible and logs the error.
	PolicySkip PredicatePolicy = "skip"
	// PolicyAbort fails the whole attempt.
	PolicyAbort PredicatePolicy = "abort"
)

func ParsePredicatePolicy(s string) (PredicatePolicy, error) {
	switch p := PredicatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicySkip, nil
	case PolicySkip, PolicyAbort:
		return p, nil
	default:
		return "", fmt.Errorf("unknown predicate error policy %q", s)
	}
}

// Matcher pairs waiting tasks with ready agents inside one unit of work.
type Matcher struct {
	uow    store.UnitOfWork
	ev     *eval.Evaluator
	policy PredicatePolicy
	log    *slog.Logger
	clock  func() time.Time
}

func NewMatcher(uow store.UnitOfWork, ev *eval.Evaluator, policy PredicatePolicy, log *slog.Logger) *Matcher {
	if policy == "" {
		policy = PolicySkip
	}
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{uow: uow, ev: ev, policy: policy, log: log, clock: time.Now}
}

// eligible re-validates the queue predicate against the agent's current capabilities.
func (m *Matcher) eligible(ctx context.Context, q domain.Queue, a domain.Agent) (bool, error) {
	ok, err := m.ev.Evaluate(q.Predicate, a.Capabilities)
	if err == nil {
		return ok, nil
	}
	if m.policy == PolicyAbort {
		return false, fmt.Errorf("queue %s predicate on agent %s: %w", q.ID, a.ID, err)
	}
	m.log.ErrorContext(ctx, "queue predicate failed, agent skipped",
		"queue_id", q.ID, "agent_id", a.ID, "err", err)
	return false, nil
}

// MatchQueue assigns the best waiting task of queueID to the longest idle
// eligible agent. It returns nil when no pairing exists.
func (m *Matcher) MatchQueue(ctx context.Context, queueID string) (*domain.MatchResult, error) {
	ctx, span := tracer.StartSpan(ctx, "dispatch.match_queue", tracer.StringAttr("queue_id", queueID))
	defer span.End()

	res, err := store.ExecuteWithLockRetry(ctx, m.uow, func(ctx context.Context, tx store.Tx) (*domain.MatchResult, error) {
		q, err := tx.Queues().Get(ctx, queueID)
		if err != nil {
			return nil, err
		}
		tasks, err := tx.Tasks().ListWaiting(ctx, queueID)
		if err != nil || len(tasks) == 0 {
			return nil, err
		}
		agents, err := tx.Agents().ListReady(ctx, queueID)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			if a.RouterID != q.RouterID {
				continue
			}
			ok, err := m.eligible(ctx, q, a)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			return m.commit(ctx, tx, tasks[0], a)
		}
		return nil, nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if res != nil {
		span.SetAttributes(tracer.StringAttr("task_id", res.Task.ID), tracer.StringAttr("agent_id", res.Agent.ID))
	}
	tracer.SetOK(span)
	return res, nil
}

// MatchAgent finds at most one task for a ready agent across the queues it is
// eligible for, best priority first, then earliest arrival.
func (m *Matcher) MatchAgent(ctx context.Context, agentID string) (*domain.MatchResult, error) {
	ctx, span := tracer.StartSpan(ctx, "dispatch.match_agent", tracer.StringAttr("agent_id", agentID))
	defer span.End()

	res, err := store.ExecuteWithLockRetry(ctx, m.uow, func(ctx context.Context, tx store.Tx) (*domain.MatchResult, error) {
		a, err := tx.Agents().Get(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if a.State != domain.AgentStateReady {
			return nil, nil
		}

		var candidates []domain.Task
		for _, queueID := range a.QueueIDs {
			q, err := tx.Queues().Get(ctx, queueID)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			ok, err := m.eligible(ctx, q, a)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			tasks, err := tx.Tasks().ListWaiting(ctx, queueID)
			if err != nil {
				return nil, err
			}
			if len(tasks) > 0 {
				candidates = append(candidates, tasks[0])
			}
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		store.SortWaiting(candidates)
		return m.commit(ctx, tx, candidates[0], a)
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return res, nil
}

func (m *Matcher) commit(ctx context.Context, tx store.Tx, t domain.Task, a domain.Agent) (*domain.MatchResult, error) {
	if err := t.Assign(&a, m.clock().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Tasks().Save(ctx, &t); err != nil {
		return nil, err
	}
	if err := tx.Agents().Save(ctx, &a); err != nil {
		return nil, err
	}
	return &domain.MatchResult{Task: t, Agent: a}, nil
}
