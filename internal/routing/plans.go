package routing

import (
	"context"
	"fmt"

	"comms-router/internal/domain"
	"comms-router/internal/store"
)

type PlanInput struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	Rules        []domain.Rule `json:"rules"`
	DefaultRoute domain.Route  `json:"default_route"`
}

// CreatePlan validates and stores a plan. Missing rule and route ids are
// generated. Every queue the plan routes to must exist in the router.
func (s *Service) CreatePlan(ctx context.Context, routerID string, in PlanInput) (domain.Plan, error) {
	now := s.now()
	p := domain.Plan{
		ID:           s.idOr(in.ID),
		RouterID:     routerID,
		Description:  in.Description,
		Rules:        make([]domain.Rule, len(in.Rules)),
		DefaultRoute: in.DefaultRoute,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	p.DefaultRoute.ID = s.idOr(p.DefaultRoute.ID)
	for i, r := range in.Rules {
		r.ID = s.idOr(r.ID)
		r.Predicate = normalizePredicate(r.Predicate)
		routes := make([]domain.Route, len(r.Routes))
		for j, rt := range r.Routes {
			rt.ID = s.idOr(rt.ID)
			routes[j] = rt
		}
		r.Routes = routes
		p.Rules[i] = r
	}
	if err := s.engine.ValidatePlan(p); err != nil {
		return domain.Plan{}, err
	}

	err := s.uow.Execute(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Routers().Get(ctx, routerID); err != nil {
			return err
		}
		for _, queueID := range planQueues(p) {
			if _, err := getQueue(ctx, tx, routerID, queueID); err != nil {
				return fmt.Errorf("%w: plan routes to unknown queue %s", domain.ErrInvalidArgument, queueID)
			}
		}
		return tx.Plans().Save(ctx, &p)
	})
	if err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

func planQueues(p domain.Plan) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(p.DefaultRoute.QueueID)
	for _, r := range p.Rules {
		for _, rt := range r.Routes {
			add(rt.QueueID)
		}
	}
	return out
}

func (s *Service) GetPlan(ctx context.Context, routerID, id string) (domain.Plan, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Plan, error) {
		return getPlan(ctx, tx, routerID, id)
	})
}

func getPlan(ctx context.Context, tx store.Tx, routerID, id string) (domain.Plan, error) {
	p, err := tx.Plans().Get(ctx, id)
	if err != nil {
		return domain.Plan{}, err
	}
	return p, owned(routerID, p.RouterID, "plan", id)
}

func (s *Service) ListPlans(ctx context.Context, routerID string) ([]domain.Plan, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) ([]domain.Plan, error) {
		if _, err := tx.Routers().Get(ctx, routerID); err != nil {
			return nil, err
		}
		return tx.Plans().List(ctx, routerID)
	})
}

// DeletePlan removes a plan no unfinished task was created from.
func (s *Service) DeletePlan(ctx context.Context, routerID, id string) error {
	return s.uow.ExecuteWithLockRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := getPlan(ctx, tx, routerID, id); err != nil {
			return err
		}
		tasks, err := tx.Tasks().List(ctx, routerID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.PlanID == id && t.State != domain.TaskStateCompleted {
				return fmt.Errorf("%w: plan %s is used by task %s", domain.ErrReferenced, id, t.ID)
			}
		}
		return tx.Plans().Delete(ctx, id)
	})
}
