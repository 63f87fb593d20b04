package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"comms-router/internal/domain"
	"comms-router/internal/eval"
	"comms-router/internal/store"
	"comms-router/pkg/logger"
)

// Dispatcher is the part of the dispatch engine the administrative services drive.
type Dispatcher interface {
	DispatchTask(t domain.Task)
	DispatchAgent(agentID string)
	CancelTaskTimer(taskID string)
}

// AuditLogger records task lifecycle events. Implementation should write to
// an internal audit table/stream.
type AuditLogger interface {
	LogTaskCompleted(ctx context.Context, t domain.Task) error
	LogAssignmentRejected(ctx context.Context, t domain.Task, agentID string) error
}

type Config struct {
	// DefaultQueuedTimeout applies to tasks created without one, in seconds.
	DefaultQueuedTimeout int64
}

// Service implements router, queue, agent, plan and task administration.
//
// Contract:
// - Every write runs in one unit of work with lock retry.
// - Dispatch is triggered only after the unit of work commits.
// - Entities are scoped to a router; an id from another router is not found.
type Service struct {
	uow      store.UnitOfWork
	ev       *eval.Evaluator
	engine   *RoutingEngine
	dispatch Dispatcher
	audit    AuditLogger
	log      *slog.Logger
	cfg      Config

	clock func() time.Time
	newID func() string
}

func NewService(uow store.UnitOfWork, ev *eval.Evaluator, d Dispatcher, auditLog AuditLogger, cfg Config, log *slog.Logger) *Service {
	log = logger.Component(log, "routing")
	return &Service{
		uow:      uow,
		ev:       ev,
		engine:   NewRoutingEngine(ev, log),
		dispatch: d,
		audit:    auditLog,
		log:      log,
		cfg:      cfg,
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

func (s *Service) now() time.Time { return s.clock().UTC() }

func (s *Service) idOr(id string) string {
	if id != "" {
		return id
	}
	return s.newID()
}

// owned hides entities of other routers behind ErrNotFound.
func owned(routerID, ownerID, kind, id string) error {
	if routerID != ownerID {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	return nil
}

// isMember evaluates q's predicate for a. Evaluation errors mean not a member.
func (s *Service) isMember(ctx context.Context, q domain.Queue, a domain.Agent) bool {
	ok, err := s.ev.Evaluate(q.Predicate, a.Capabilities)
	if err != nil {
		s.log.WarnContext(ctx, "queue predicate failed for agent", "queue_id", q.ID, "agent_id", a.ID, "err", err)
		return false
	}
	return ok
}

// membership returns the sorted ids of the queues a is eligible for.
func (s *Service) membership(ctx context.Context, queues []domain.Queue, a domain.Agent) []string {
	out := []string{}
	for _, q := range queues {
		if s.isMember(ctx, q, a) {
			out = append(out, q.ID)
		}
	}
	sort.Strings(out)
	return out
}

// setMembership adds or removes queueID from a's membership and reports whether it changed.
func setMembership(a *domain.Agent, queueID string, member bool) bool {
	if a.InQueue(queueID) == member {
		return false
	}
	if member {
		a.QueueIDs = append(a.QueueIDs, queueID)
		sort.Strings(a.QueueIDs)
		return true
	}
	out := make([]string, 0, len(a.QueueIDs))
	for _, id := range a.QueueIDs {
		if id != queueID {
			out = append(out, id)
		}
	}
	a.QueueIDs = out
	return true
}

func (s *Service) dispatchAgents(ids []string) {
	if s.dispatch == nil {
		return
	}
	for _, id := range ids {
		s.dispatch.DispatchAgent(id)
	}
}
