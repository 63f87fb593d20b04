package notify

import (
	"context"
	"errors"
	"log/slog"

	"comms-router/internal/domain"
)

// Notifier is told about every committed assignment.
//
// Implementations return an error wrapping ErrDelivery for failures worth
// retrying (network trouble, 5xx, open breaker). Any other error is final.
type Notifier interface {
	OnTaskAssigned(ctx context.Context, m domain.MatchResult) error
}

// ErrDelivery marks a transient delivery failure.
var ErrDelivery = errors.New("notify: delivery failed")

// Func adapts a function to Notifier.
type Func func(ctx context.Context, m domain.MatchResult) error

func (f Func) OnTaskAssigned(ctx context.Context, m domain.MatchResult) error { return f(ctx, m) }

// LogNotifier only logs assignments. Used when no callback transport is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) OnTaskAssigned(ctx context.Context, m domain.MatchResult) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "task assigned",
		"task_id", m.Task.ID,
		"agent_id", m.Agent.ID,
		"queue_id", m.Task.QueueID,
		"router_id", m.Task.RouterID,
	)
	return nil
}
