package routing

import (
	"context"
	"fmt"

	"comms-router/internal/domain"
	"comms-router/internal/store"
)

// TaskInput creates a task either from a plan or directly into a queue.
// Exactly one of PlanID and QueueID must be set.
type TaskInput struct {
	ID           string            `json:"id"`
	PlanID       string            `json:"plan_id"`
	QueueID      string            `json:"queue_id"`
	Requirements domain.Attributes `json:"requirements"`
	UserContext  domain.Attributes `json:"user_context"`
	Priority     *int64            `json:"priority"`
	// QueuedTimeout is in seconds; nil uses the configured default.
	QueuedTimeout *int64 `json:"queued_timeout"`
	CallbackURL   string `json:"callback_url"`
	Tag           string `json:"tag"`
}

// CreateTask places a new waiting task and hands it to the dispatcher. A plan
// task lands on the first route of the first matching rule, or on the default
// route; route priority and timeout override the task's own values.
func (s *Service) CreateTask(ctx context.Context, routerID string, in TaskInput) (domain.Task, error) {
	if (in.PlanID == "") == (in.QueueID == "") {
		return domain.Task{}, fmt.Errorf("%w: exactly one of plan_id and queue_id is required", domain.ErrInvalidArgument)
	}
	reqs, err := in.Requirements.Normalize()
	if err != nil {
		return domain.Task{}, err
	}
	uctx, err := in.UserContext.Normalize()
	if err != nil {
		return domain.Task{}, err
	}
	if in.QueuedTimeout != nil && *in.QueuedTimeout < 0 {
		return domain.Task{}, fmt.Errorf("%w: queued_timeout must be >= 0", domain.ErrInvalidArgument)
	}

	now := s.now()
	base := domain.Task{
		ID:            s.idOr(in.ID),
		RouterID:      routerID,
		Requirements:  reqs,
		UserContext:   uctx,
		State:         domain.TaskStateWaiting,
		QueueID:       in.QueueID,
		QueuedTimeout: s.cfg.DefaultQueuedTimeout,
		CallbackURL:   in.CallbackURL,
		Tag:           in.Tag,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Priority != nil {
		base.Priority = *in.Priority
	}
	if in.QueuedTimeout != nil {
		base.QueuedTimeout = *in.QueuedTimeout
	}

	t, err := store.ExecuteWithLockRetry(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Task, error) {
		t := base.Clone()
		if _, err := tx.Routers().Get(ctx, routerID); err != nil {
			return domain.Task{}, err
		}
		if in.PlanID != "" {
			p, err := getPlan(ctx, tx, routerID, in.PlanID)
			if err != nil {
				return domain.Task{}, err
			}
			d := s.engine.Decide(p, reqs)
			t.PlanID, t.RuleID = d.PlanID, d.RuleID
			t.AdvanceRoute(d.Route, now)
			if d.RuleID != "" {
				if rule, ok := p.Rule(d.RuleID); ok && rule.Tag != "" && t.Tag == "" {
					t.Tag = rule.Tag
				}
			}
			s.log.DebugContext(ctx, "plan evaluated", "task_id", t.ID, "plan_id", p.ID,
				"rule_id", d.RuleID, "route_id", d.Route.ID, "reason", d.Reason)
		}
		if _, err := getQueue(ctx, tx, routerID, t.QueueID); err != nil {
			return domain.Task{}, err
		}
		if err := tx.Tasks().Save(ctx, &t); err != nil {
			return domain.Task{}, err
		}
		return t, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if s.dispatch != nil {
		s.dispatch.DispatchTask(t)
	}
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, routerID, id string) (domain.Task, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Task, error) {
		return getTask(ctx, tx, routerID, id)
	})
}

func getTask(ctx context.Context, tx store.Tx, routerID, id string) (domain.Task, error) {
	t, err := tx.Tasks().Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return t, owned(routerID, t.RouterID, "task", id)
}

func (s *Service) ListTasks(ctx context.Context, routerID string) ([]domain.Task, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) ([]domain.Task, error) {
		if _, err := tx.Routers().Get(ctx, routerID); err != nil {
			return nil, err
		}
		return tx.Tasks().List(ctx, routerID)
	})
}

// CompleteTask finishes a waiting or assigned task. The agent of an assigned
// task becomes ready again and is offered the next task.
func (s *Service) CompleteTask(ctx context.Context, routerID, id string) (domain.Task, error) {
	var released string
	t, err := store.ExecuteWithLockRetry(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Task, error) {
		released = ""
		t, err := getTask(ctx, tx, routerID, id)
		if err != nil {
			return domain.Task{}, err
		}
		now := s.now()
		if t.State != domain.TaskStateAssigned {
			if err := t.Complete(nil, now); err != nil {
				return domain.Task{}, err
			}
			if err := tx.Tasks().Save(ctx, &t); err != nil {
				return domain.Task{}, err
			}
			return t, nil
		}
		a, err := tx.Agents().Get(ctx, t.AgentID)
		if err != nil {
			return domain.Task{}, err
		}
		if err := t.Complete(&a, now); err != nil {
			return domain.Task{}, err
		}
		if err := tx.Tasks().Save(ctx, &t); err != nil {
			return domain.Task{}, err
		}
		if err := tx.Agents().Save(ctx, &a); err != nil {
			return domain.Task{}, err
		}
		if a.State == domain.AgentStateReady {
			released = a.ID
		}
		return t, nil
	})
	if err != nil {
		return domain.Task{}, err
	}

	if s.dispatch != nil {
		s.dispatch.CancelTaskTimer(t.ID)
	}
	if s.audit != nil {
		if err := s.audit.LogTaskCompleted(ctx, t); err != nil {
			s.log.WarnContext(ctx, "audit append failed", "task_id", t.ID, "err", err)
		}
	}
	if released != "" {
		s.dispatchAgents([]string{released})
	}
	return t, nil
}

// RejectTask returns an assigned task to waiting. The rejecting agent is made
// unavailable and the task is dispatched again.
func (s *Service) RejectTask(ctx context.Context, routerID, id string) (domain.Task, error) {
	var agentID string
	t, err := store.ExecuteWithLockRetry(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Task, error) {
		t, err := getTask(ctx, tx, routerID, id)
		if err != nil {
			return domain.Task{}, err
		}
		if t.State != domain.TaskStateAssigned {
			return domain.Task{}, fmt.Errorf("%w: task %s is %s, want %s", domain.ErrInvalidTransition, t.ID, t.State, domain.TaskStateAssigned)
		}
		a, err := tx.Agents().Get(ctx, t.AgentID)
		if err != nil {
			return domain.Task{}, err
		}
		agentID = a.ID
		if err := t.RejectAssignment(&a, s.now()); err != nil {
			return domain.Task{}, err
		}
		if err := tx.Tasks().Save(ctx, &t); err != nil {
			return domain.Task{}, err
		}
		if err := tx.Agents().Save(ctx, &a); err != nil {
			return domain.Task{}, err
		}
		return t, nil
	})
	if err != nil {
		return domain.Task{}, err
	}

	if s.audit != nil {
		if err := s.audit.LogAssignmentRejected(ctx, t, agentID); err != nil {
			s.log.WarnContext(ctx, "audit append failed", "task_id", t.ID, "err", err)
		}
	}
	if s.dispatch != nil {
		s.dispatch.DispatchTask(t)
	}
	return t, nil
}

// DeleteTask removes a task that is not assigned and cancels its timer.
func (s *Service) DeleteTask(ctx context.Context, routerID, id string) error {
	err := s.uow.ExecuteWithLockRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := getTask(ctx, tx, routerID, id)
		if err != nil {
			return err
		}
		if t.State == domain.TaskStateAssigned {
			return fmt.Errorf("%w: task %s is assigned", domain.ErrInvalidTransition, id)
		}
		return tx.Tasks().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	if s.dispatch != nil {
		s.dispatch.CancelTaskTimer(id)
	}
	return nil
}
