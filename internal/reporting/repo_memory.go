package reporting

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"comms-router/internal/domain"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
// It enforces router isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Queues []domain.Queue
	Tasks  []domain.Task
	Agents []domain.Agent
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) GetQueue(ctx context.Context, routerID, queueID string) (domain.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.Queues {
		if q.ID == queueID && q.RouterID == routerID {
			return q, nil
		}
	}
	return domain.Queue{}, fmt.Errorf("%w: queue %s", domain.ErrNotFound, queueID)
}

func (r *MemoryRepo) CountQueues(ctx context.Context, routerID string) (int, error) {
	if routerID == "" {
		return 0, errors.New("router_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.Queues {
		if q.RouterID == routerID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) ListTasks(ctx context.Context, routerID, queueID string) ([]domain.Task, error) {
	if routerID == "" {
		return nil, errors.New("router_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0)
	for _, t := range r.Tasks {
		if t.RouterID != routerID {
			continue
		}
		if queueID != "" && t.QueueID != queueID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *MemoryRepo) ListAgents(ctx context.Context, routerID string) ([]domain.Agent, error) {
	if routerID == "" {
		return nil, errors.New("router_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Agent, 0)
	for _, a := range r.Agents {
		if a.RouterID == routerID {
			out = append(out, a)
		}
	}
	return out, nil
}
