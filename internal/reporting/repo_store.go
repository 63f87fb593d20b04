package reporting

import (
	"context"
	"fmt"

	"comms-router/internal/domain"
	"comms-router/internal/store"
)

// StoreRepo reads reporting data through the unit of work.
type StoreRepo struct {
	UoW store.UnitOfWork
}

func (r StoreRepo) GetQueue(ctx context.Context, routerID, queueID string) (domain.Queue, error) {
	return store.Execute(ctx, r.UoW, func(ctx context.Context, tx store.Tx) (domain.Queue, error) {
		q, err := tx.Queues().Get(ctx, queueID)
		if err != nil {
			return domain.Queue{}, err
		}
		if q.RouterID != routerID {
			return domain.Queue{}, fmt.Errorf("%w: queue %s", domain.ErrNotFound, queueID)
		}
		return q, nil
	})
}

func (r StoreRepo) CountQueues(ctx context.Context, routerID string) (int, error) {
	return store.Execute(ctx, r.UoW, func(ctx context.Context, tx store.Tx) (int, error) {
		qs, err := tx.Queues().List(ctx, routerID)
		return len(qs), err
	})
}

func (r StoreRepo) ListTasks(ctx context.Context, routerID, queueID string) ([]domain.Task, error) {
	return store.Execute(ctx, r.UoW, func(ctx context.Context, tx store.Tx) ([]domain.Task, error) {
		ts, err := tx.Tasks().List(ctx, routerID)
		if err != nil || queueID == "" {
			return ts, err
		}
		out := ts[:0]
		for _, t := range ts {
			if t.QueueID == queueID {
				out = append(out, t)
			}
		}
		return out, nil
	})
}

func (r StoreRepo) ListAgents(ctx context.Context, routerID string) ([]domain.Agent, error) {
	return store.Execute(ctx, r.UoW, func(ctx context.Context, tx store.Tx) ([]domain.Agent, error) {
		return tx.Agents().List(ctx, routerID)
	})
}
