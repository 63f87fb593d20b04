package routing

import (
	"context"
	"fmt"
	"strings"

	"comms-router/internal/domain"
	"comms-router/internal/store"
)

type QueueInput struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Predicate   string `json:"predicate"`
}

type QueueUpdate struct {
	Description *string `json:"description"`
	Predicate   *string `json:"predicate"`
}

func normalizePredicate(p string) string {
	if strings.TrimSpace(p) == "" {
		return "true"
	}
	return p
}

// CreateQueue stores the queue and adds every agent of the router whose
// capabilities satisfy its predicate.
func (s *Service) CreateQueue(ctx context.Context, routerID string, in QueueInput) (domain.Queue, error) {
	now := s.now()
	q := domain.Queue{
		ID:          s.idOr(in.ID),
		RouterID:    routerID,
		Description: in.Description,
		Predicate:   normalizePredicate(in.Predicate),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.ev.Compile(q.Predicate); err != nil {
		return domain.Queue{}, err
	}

	var joined []string
	err := s.uow.ExecuteWithLockRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		joined = nil
		if _, err := tx.Routers().Get(ctx, routerID); err != nil {
			return err
		}
		qc := q
		if err := tx.Queues().Save(ctx, &qc); err != nil {
			return err
		}
		ids, err := s.syncMembership(ctx, tx, qc, false)
		if err != nil {
			return err
		}
		joined, q = ids, qc
		return nil
	})
	if err != nil {
		return domain.Queue{}, err
	}
	s.dispatchAgents(joined)
	return q, nil
}

// syncMembership recomputes membership of q for every agent of its router and
// returns the ready agents that joined. remove drops q from every agent.
func (s *Service) syncMembership(ctx context.Context, tx store.Tx, q domain.Queue, remove bool) ([]string, error) {
	agents, err := tx.Agents().List(ctx, q.RouterID)
	if err != nil {
		return nil, err
	}
	var joined []string
	now := s.now()
	for _, a := range agents {
		member := !remove && s.isMember(ctx, q, a)
		if !setMembership(&a, q.ID, member) {
			continue
		}
		a.UpdatedAt = now
		if err := tx.Agents().Save(ctx, &a); err != nil {
			return nil, err
		}
		if member && a.State == domain.AgentStateReady {
			joined = append(joined, a.ID)
		}
	}
	return joined, nil
}

func (s *Service) GetQueue(ctx context.Context, routerID, id string) (domain.Queue, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Queue, error) {
		return getQueue(ctx, tx, routerID, id)
	})
}

func getQueue(ctx context.Context, tx store.Tx, routerID, id string) (domain.Queue, error) {
	q, err := tx.Queues().Get(ctx, id)
	if err != nil {
		return domain.Queue{}, err
	}
	return q, owned(routerID, q.RouterID, "queue", id)
}

func (s *Service) ListQueues(ctx context.Context, routerID string) ([]domain.Queue, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) ([]domain.Queue, error) {
		if _, err := tx.Routers().Get(ctx, routerID); err != nil {
			return nil, err
		}
		return tx.Queues().List(ctx, routerID)
	})
}

// UpdateQueue changes the description or predicate. A predicate change
// recomputes membership for the router's agents.
func (s *Service) UpdateQueue(ctx context.Context, routerID, id string, in QueueUpdate) (domain.Queue, error) {
	if in.Predicate != nil {
		p := normalizePredicate(*in.Predicate)
		if _, err := s.ev.Compile(p); err != nil {
			return domain.Queue{}, err
		}
		in.Predicate = &p
	}

	var joined []string
	q, err := store.ExecuteWithLockRetry(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Queue, error) {
		joined = nil
		q, err := getQueue(ctx, tx, routerID, id)
		if err != nil {
			return domain.Queue{}, err
		}
		if in.Description != nil {
			q.Description = *in.Description
		}
		changed := in.Predicate != nil && *in.Predicate != q.Predicate
		if in.Predicate != nil {
			q.Predicate = *in.Predicate
		}
		q.UpdatedAt = s.now()
		if err := tx.Queues().Save(ctx, &q); err != nil {
			return domain.Queue{}, err
		}
		if changed {
			if joined, err = s.syncMembership(ctx, tx, q, false); err != nil {
				return domain.Queue{}, err
			}
		}
		return q, nil
	})
	if err != nil {
		return domain.Queue{}, err
	}
	s.dispatchAgents(joined)
	return q, nil
}

// DeleteQueue removes a queue that no active task is placed in and no plan routes to.
func (s *Service) DeleteQueue(ctx context.Context, routerID, id string) error {
	return s.uow.ExecuteWithLockRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		q, err := getQueue(ctx, tx, routerID, id)
		if err != nil {
			return err
		}
		n, err := tx.Tasks().CountActive(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: queue %s has %d active tasks", domain.ErrReferenced, id, n)
		}
		plans, err := tx.Plans().List(ctx, routerID)
		if err != nil {
			return err
		}
		for _, p := range plans {
			if planRoutesTo(p, id) {
				return fmt.Errorf("%w: queue %s is used by plan %s", domain.ErrReferenced, id, p.ID)
			}
		}
		if _, err := s.syncMembership(ctx, tx, q, true); err != nil {
			return err
		}
		return tx.Queues().Delete(ctx, id)
	})
}

func planRoutesTo(p domain.Plan, queueID string) bool {
	if p.DefaultRoute.QueueID == queueID {
		return true
	}
	for _, r := range p.Rules {
		for _, rt := range r.Routes {
			if rt.QueueID == queueID {
				return true
			}
		}
	}
	return false
}

// QueueSize returns the number of waiting tasks in the queue.
func (s *Service) QueueSize(ctx context.Context, routerID, id string) (int, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) (int, error) {
		if _, err := getQueue(ctx, tx, routerID, id); err != nil {
			return 0, err
		}
		return tx.Tasks().CountWaiting(ctx, id)
	})
}

// QueueTasks returns the queue's waiting tasks in matching order.
func (s *Service) QueueTasks(ctx context.Context, routerID, id string) ([]domain.Task, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) ([]domain.Task, error) {
		if _, err := getQueue(ctx, tx, routerID, id); err != nil {
			return nil, err
		}
		return tx.Tasks().ListWaiting(ctx, id)
	})
}
