package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records routing audit events.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.RouterID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogAssignmentRejected records an agent turning down an assigned task.
func (s *Service) LogAssignmentRejected(ctx context.Context, routerID, taskID, agentID, queueID string) error {
	return s.Append(ctx, Event{
		RouterID: routerID,
		Type:     EventAssignmentRejected,
		TaskID:   taskID,
		AgentID:  agentID,
		QueueID:  queueID,
		Message:  "assignment rejected by agent",
	})
}

func (s *Service) LogTaskCompleted(ctx context.Context, routerID, taskID, agentID, queueID string) error {
	return s.Append(ctx, Event{
		RouterID: routerID,
		Type:     EventTaskCompleted,
		TaskID:   taskID,
		AgentID:  agentID,
		QueueID:  queueID,
		Message:  "task completed",
	})
}
