package routing

import (
	"context"
	"fmt"

	"comms-router/internal/domain"
	"comms-router/internal/store"
)

type AgentInput struct {
	ID           string            `json:"id"`
	Address      string            `json:"address"`
	Capabilities domain.Attributes `json:"capabilities"`
	// State defaults to offline.
	State domain.AgentState `json:"state"`
}

type AgentUpdate struct {
	Address      *string            `json:"address"`
	Capabilities *domain.Attributes `json:"capabilities"`
	State        *domain.AgentState `json:"state"`
}

func (s *Service) CreateAgent(ctx context.Context, routerID string, in AgentInput) (domain.Agent, error) {
	caps, err := in.Capabilities.Normalize()
	if err != nil {
		return domain.Agent{}, err
	}
	state := in.State
	if state == "" {
		state = domain.AgentStateOffline
	}
	if !state.Valid() {
		return domain.Agent{}, fmt.Errorf("%w: unknown agent state %q", domain.ErrInvalidArgument, state)
	}
	if state == domain.AgentStateBusy {
		return domain.Agent{}, fmt.Errorf("%w: agent cannot be created busy", domain.ErrInvalidTransition)
	}

	now := s.now()
	a, err := store.ExecuteWithLockRetry(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Agent, error) {
		if _, err := tx.Routers().Get(ctx, routerID); err != nil {
			return domain.Agent{}, err
		}
		queues, err := tx.Queues().List(ctx, routerID)
		if err != nil {
			return domain.Agent{}, err
		}
		a := domain.Agent{
			ID:           s.idOr(in.ID),
			RouterID:     routerID,
			Address:      in.Address,
			Capabilities: caps,
			State:        state,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		a.QueueIDs = s.membership(ctx, queues, a)
		if err := tx.Agents().Save(ctx, &a); err != nil {
			return domain.Agent{}, err
		}
		return a, nil
	})
	if err != nil {
		return domain.Agent{}, err
	}
	if a.State == domain.AgentStateReady {
		s.dispatchAgents([]string{a.ID})
	}
	return a, nil
}

func (s *Service) GetAgent(ctx context.Context, routerID, id string) (domain.Agent, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Agent, error) {
		return getAgent(ctx, tx, routerID, id)
	})
}

func getAgent(ctx context.Context, tx store.Tx, routerID, id string) (domain.Agent, error) {
	a, err := tx.Agents().Get(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	return a, owned(routerID, a.RouterID, "agent", id)
}

func (s *Service) ListAgents(ctx context.Context, routerID string) ([]domain.Agent, error) {
	return store.Execute(ctx, s.uow, func(ctx context.Context, tx store.Tx) ([]domain.Agent, error) {
		if _, err := tx.Routers().Get(ctx, routerID); err != nil {
			return nil, err
		}
		return tx.Agents().List(ctx, routerID)
	})
}

// UpdateAgent applies address, capability and state changes. New capabilities
// recompute membership. An agent that ends up ready is offered a task.
func (s *Service) UpdateAgent(ctx context.Context, routerID, id string, in AgentUpdate) (domain.Agent, error) {
	var caps domain.Attributes
	if in.Capabilities != nil {
		var err error
		if caps, err = in.Capabilities.Normalize(); err != nil {
			return domain.Agent{}, err
		}
	}

	a, err := store.ExecuteWithLockRetry(ctx, s.uow, func(ctx context.Context, tx store.Tx) (domain.Agent, error) {
		a, err := getAgent(ctx, tx, routerID, id)
		if err != nil {
			return domain.Agent{}, err
		}
		now := s.now()
		if in.Address != nil {
			a.Address = *in.Address
		}
		if in.Capabilities != nil {
			a.Capabilities = caps
			queues, err := tx.Queues().List(ctx, routerID)
			if err != nil {
				return domain.Agent{}, err
			}
			a.QueueIDs = s.membership(ctx, queues, a)
		}
		if in.State != nil {
			if err := a.SetState(*in.State, now); err != nil {
				return domain.Agent{}, err
			}
		}
		a.UpdatedAt = now
		if err := tx.Agents().Save(ctx, &a); err != nil {
			return domain.Agent{}, err
		}
		return a, nil
	})
	if err != nil {
		return domain.Agent{}, err
	}
	if a.State == domain.AgentStateReady {
		s.dispatchAgents([]string{a.ID})
	}
	return a, nil
}

// DeleteAgent removes an agent that is not working on a task.
func (s *Service) DeleteAgent(ctx context.Context, routerID, id string) error {
	return s.uow.ExecuteWithLockRetry(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := getAgent(ctx, tx, routerID, id)
		if err != nil {
			return err
		}
		if a.State == domain.AgentStateBusy {
			return fmt.Errorf("%w: agent %s is busy", domain.ErrReferenced, id)
		}
		return tx.Agents().Delete(ctx, id)
	})
}
