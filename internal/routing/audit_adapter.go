package routing

import (
	"context"

	"comms-router/internal/audit"
	"comms-router/internal/domain"
)

// AuditAdapter bridges routing's audit hook to the shared audit.Service.
//
// This keeps routing internals from depending on persistence.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogTaskCompleted(ctx context.Context, t domain.Task) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.LogTaskCompleted(ctx, t.RouterID, t.ID, t.AgentID, t.QueueID)
}

func (a AuditAdapter) LogAssignmentRejected(ctx context.Context, t domain.Task, agentID string) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.LogAssignmentRejected(ctx, t.RouterID, t.ID, agentID, t.QueueID)
}
