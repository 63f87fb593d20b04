package routing

import (
	"context"
	"fmt"

	"comms-router/internal/domain"
	"comms-router/internal/store"
)

type RouterInput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type RouterUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (s *Service) CreateRouter(ctx context.Context, in RouterInput) (domain.Router, error) {
	now := s.now()
	r := domain.Router{
		ID:          s.idOr(in.ID),
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.uow.Execute(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Routers().Save(ctx, &r)
	})
	if err != nil {
		return domain.Router{}, err
	}
	return r, nil
}

func (s *Service) GetRouter(ctx context.Context, id string) (domain.Router, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Router, error) {
		return tx.Routers().Get(ctx, id)
	})
}

func (s *Service) ListRouters(ctx context.Context) ([]domain.Router, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) ([]domain.Router, error) {
		return tx.Routers().List(ctx)
	})
}

func (s *Service) UpdateRouter(ctx context.Context, id string, in RouterUpdate) (domain.Router, error) {
	return store.ExecuteWithLockRetry(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Router, error) {
		r, err := tx.Routers().Get(ctx, id)
		if err != nil {
			return domain.Router{}, err
		}
		if in.Name != nil {
			r.Name = *in.Name
		}
		if in.Description != nil {
			r.Description = *in.Description
		}
		r.UpdatedAt = s.now()
		if err := tx.Routers().Save(ctx, &r); err != nil {
			return domain.Router{}, err
		}
		return r, nil
	})
}

// DeleteRouter removes an empty router. A router that still owns queues,
// agents, plans or tasks is referenced.
func (s *Service) DeleteRouter(ctx context.Context, id string) error {
	return s.uow.ExecuteWithLockRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Routers().Get(ctx, id); err != nil {
			return err
		}
		qs, err := tx.Queues().List(ctx, id)
		if err != nil {
			return err
		}
		as, err := tx.Agents().List(ctx, id)
		if err != nil {
			return err
		}
		ps, err := tx.Plans().List(ctx, id)
		if err != nil {
			return err
		}
		ts, err := tx.Tasks().List(ctx, id)
		if err != nil {
			return err
		}
		if n := len(qs) + len(as) + len(ps) + len(ts); n > 0 {
			return fmt.Errorf("%w: router %s owns %d entities", domain.ErrReferenced, id, n)
		}
		return tx.Routers().Delete(ctx, id)
	})
}
