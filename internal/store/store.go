package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"comms-router/internal/domain"
)

// ErrWriteConflict is returned when a record changed between read and write.
// Callers running under ExecuteWithLockRetry never see it unless the retry
// budget is exhausted.
var ErrWriteConflict = errors.New("store: write conflict")

// Repositories. Every Save bumps Version on success; a Save whose Version no
// longer matches the stored one fails with ErrWriteConflict. Version 0 means insert.

type RouterRepo interface {
	Get(ctx context.Context, id string) (domain.Router, error)
	List(ctx context.Context) ([]domain.Router, error)
	Save(ctx context.Context, r *domain.Router) error
	Delete(ctx context.Context, id string) error
}

type QueueRepo interface {
	Get(ctx context.Context, id string) (domain.Queue, error)
	// List returns the router's queues; an empty routerID lists every queue.
	List(ctx context.Context, routerID string) ([]domain.Queue, error)
	Save(ctx context.Context, q *domain.Queue) error
	Delete(ctx context.Context, id string) error
}

type AgentRepo interface {
	Get(ctx context.Context, id string) (domain.Agent, error)
	List(ctx context.Context, routerID string) ([]domain.Agent, error)
	// ListReady returns ready members of queueID, longest idle first.
	ListReady(ctx context.Context, queueID string) ([]domain.Agent, error)
	Save(ctx context.Context, a *domain.Agent) error
	Delete(ctx context.Context, id string) error
}

type TaskRepo interface {
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, routerID string) ([]domain.Task, error)
	// ListWaiting returns waiting tasks of queueID by priority desc, then arrival.
	// An empty queueID lists waiting tasks of every queue.
	ListWaiting(ctx context.Context, queueID string) ([]domain.Task, error)
	CountWaiting(ctx context.Context, queueID string) (int, error)
	// CountActive counts waiting and assigned tasks placed in queueID.
	CountActive(ctx context.Context, queueID string) (int, error)
	Save(ctx context.Context, t *domain.Task) error
	Delete(ctx context.Context, id string) error
}

type PlanRepo interface {
	Get(ctx context.Context, id string) (domain.Plan, error)
	List(ctx context.Context, routerID string) ([]domain.Plan, error)
	Save(ctx context.Context, p *domain.Plan) error
	Delete(ctx context.Context, id string) error
}

// Tx is the repository view of one unit of work.
type Tx interface {
	Routers() RouterRepo
	Queues() QueueRepo
	Agents() AgentRepo
	Tasks() TaskRepo
	Plans() PlanRepo
}

type TxFunc func(ctx context.Context, tx Tx) error

// UnitOfWork runs fn atomically: either every Save/Delete inside fn is applied or none is.
type UnitOfWork interface {
	Execute(ctx context.Context, fn TxFunc) error
	// ExecuteWithLockRetry re-runs fn from scratch when it loses a write conflict.
	ExecuteWithLockRetry(ctx context.Context, fn TxFunc) error
}

// Execute runs fn in a unit of work and returns its result.
func Execute[T any](ctx context.Context, uow UnitOfWork, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var out T
	err := uow.Execute(ctx, func(ctx context.Context, tx Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// ExecuteWithLockRetry is Execute with conflict retries.
func ExecuteWithLockRetry[T any](ctx context.Context, uow UnitOfWork, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var out T
	err := uow.ExecuteWithLockRetry(ctx, func(ctx context.Context, tx Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// DefaultLockRetries is the number of extra attempts after a write conflict.
const DefaultLockRetries = 5

// retryOnConflict re-runs attempt while it fails with ErrWriteConflict.
// Other errors stop immediately.
func retryOnConflict(ctx context.Context, retries int, attempt func() error) error {
	if retries < 0 {
		retries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0

	op := func() error {
		err := attempt()
		if err == nil || errors.Is(err, ErrWriteConflict) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}
