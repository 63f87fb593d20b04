package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comms-router/internal/domain"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce router filtering.
// - Implementations read a consistent snapshot per call; nothing is written.
type Repository interface {
	GetQueue(ctx context.Context, routerID, queueID string) (domain.Queue, error)
	CountQueues(ctx context.Context, routerID string) (int, error)
	// ListTasks returns the router's tasks; a non-empty queueID narrows to one queue.
	ListTasks(ctx context.Context, routerID, queueID string) ([]domain.Task, error)
	ListAgents(ctx context.Context, routerID string) ([]domain.Agent, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service { return &Service{repo: repo, clock: time.Now} }

func (s *Service) QueueStats(ctx context.Context, req QueueStatsRequest) (QueueStats, error) {
	if req.RouterID == "" || req.QueueID == "" {
		return QueueStats{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return QueueStats{}, errors.New("reporting: repository not configured")
	}
	if _, err := s.repo.GetQueue(ctx, req.RouterID, req.QueueID); err != nil {
		return QueueStats{}, err
	}

	tasks, err := s.repo.ListTasks(ctx, req.RouterID, req.QueueID)
	if err != nil {
		return QueueStats{}, err
	}
	agents, err := s.repo.ListAgents(ctx, req.RouterID)
	if err != nil {
		return QueueStats{}, err
	}

	now := s.clock().UTC()
	out := QueueStats{RouterID: req.RouterID, QueueID: req.QueueID}
	var totalWait time.Duration
	for i, t := range tasks {
		switch t.State {
		case domain.TaskStateWaiting:
			out.Size++
			wait := now.Sub(t.CreatedAt)
			if wait < 0 {
				wait = 0
			}
			totalWait += wait
			if secs := int(wait / time.Second); secs > out.OldestWaitingSeconds {
				out.OldestWaitingSeconds = secs
			}
			if out.Size == 1 || t.Priority > out.MaxWaitingPriority {
				out.MaxWaitingPriority = t.Priority
			}
		case domain.TaskStateAssigned:
			out.AssignedTasks++
		case domain.TaskStateCompleted:
			// not counted
		default:
			return QueueStats{}, fmt.Errorf("reporting: task %d has unknown state %q", i, t.State)
		}
	}
	if out.Size > 0 {
		out.AverageWaitingSeconds = int(totalWait / time.Duration(out.Size) / time.Second)
	}
	for _, a := range agents {
		if a.InQueue(req.QueueID) {
			out.Agents.add(a.State)
		}
	}
	return out, nil
}

func (s *Service) RouterSummary(ctx context.Context, routerID string) (RouterSummary, error) {
	if routerID == "" {
		return RouterSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return RouterSummary{}, errors.New("reporting: repository not configured")
	}

	n, err := s.repo.CountQueues(ctx, routerID)
	if err != nil {
		return RouterSummary{}, err
	}
	tasks, err := s.repo.ListTasks(ctx, routerID, "")
	if err != nil {
		return RouterSummary{}, err
	}
	agents, err := s.repo.ListAgents(ctx, routerID)
	if err != nil {
		return RouterSummary{}, err
	}

	out := RouterSummary{RouterID: routerID, Queues: n}
	for _, t := range tasks {
		switch t.State {
		case domain.TaskStateWaiting:
			out.WaitingTasks++
		case domain.TaskStateAssigned:
			out.AssignedTasks++
		case domain.TaskStateCompleted:
			out.CompletedTasks++
		}
	}
	for _, a := range agents {
		out.Agents.add(a.State)
	}
	return out, nil
}

func (b *AgentBreakdown) add(s domain.AgentState) {
	b.Total++
	switch s {
	case domain.AgentStateReady:
		b.Ready++
	case domain.AgentStateBusy:
		b.Busy++
	case domain.AgentStateUnavailable:
		b.Unavailable++
	case domain.AgentStateOffline:
		b.Offline++
	}
}
