package dispatch

import (
	"context"

	"comms-router/internal/audit"
	"comms-router/internal/domain"
)

// AuditLogger receives dispatch decisions. Failures are returned so the
// dispatcher can log them; they never affect dispatch.
type AuditLogger interface {
	LogAssigned(ctx context.Context, m domain.MatchResult) error
	LogRerouted(ctx context.Context, t domain.Task, fromRouteID string) error
	LogDeliveryFailed(ctx context.Context, m domain.MatchResult, cause error) error
}

// AuditAdapter bridges dispatch's audit hook to the shared audit.Service.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogAssigned(ctx context.Context, m domain.MatchResult) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.Append(ctx, audit.Event{
		RouterID: m.Task.RouterID,
		Type:     audit.EventTaskAssigned,
		TaskID:   m.Task.ID,
		AgentID:  m.Agent.ID,
		QueueID:  m.Task.QueueID,
		RouteID:  m.Task.RouteID,
		Message:  "task assigned",
	})
}

func (a AuditAdapter) LogRerouted(ctx context.Context, t domain.Task, fromRouteID string) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.Append(ctx, audit.Event{
		RouterID: t.RouterID,
		Type:     audit.EventTaskRerouted,
		TaskID:   t.ID,
		QueueID:  t.QueueID,
		RouteID:  t.RouteID,
		Message:  "queued timeout, moved from route " + fromRouteID,
	})
}

func (a AuditAdapter) LogDeliveryFailed(ctx context.Context, m domain.MatchResult, cause error) error {
	if a.Audit == nil {
		return nil
	}
	msg := "assignment notification failed"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return a.Audit.Append(ctx, audit.Event{
		RouterID: m.Task.RouterID,
		Type:     audit.EventDeliveryFailed,
		TaskID:   m.Task.ID,
		AgentID:  m.Agent.ID,
		QueueID:  m.Task.QueueID,
		Message:  msg,
	})
}
