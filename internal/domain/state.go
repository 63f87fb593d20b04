package domain

import (
	"fmt"
	"time"
)

// Assign pairs a waiting task with a ready agent.
// Both records are mutated only if the transition is legal for both.
func (t *Task) Assign(a *Agent, now time.Time) error {
	if t.State != TaskStateWaiting {
		return fmt.Errorf("%w: task %s is %s, want %s", ErrInvalidTransition, t.ID, t.State, TaskStateWaiting)
	}
	if a.State != AgentStateReady {
		return fmt.Errorf("%w: agent %s is %s, want %s", ErrInvalidTransition, a.ID, a.State, AgentStateReady)
	}
	if t.RouterID != a.RouterID {
		return fmt.Errorf("%w: task %s and agent %s belong to different routers", ErrInvalidArgument, t.ID, a.ID)
	}

	t.State = TaskStateAssigned
	t.AgentID = a.ID
	t.UpdatedAt = now

	a.State = AgentStateBusy
	a.LastAssignedAt = now
	a.UpdatedAt = now
	return nil
}

// Complete finishes a task. An assigned task releases its agent back to ready;
// a waiting task (no agent) is simply closed. agent may be nil for waiting tasks.
func (t *Task) Complete(a *Agent, now time.Time) error {
	switch t.State {
	case TaskStateWaiting:
		t.State = TaskStateCompleted
		t.UpdatedAt = now
		return nil
	case TaskStateAssigned:
		if a == nil || a.ID != t.AgentID {
			return fmt.Errorf("%w: task %s is assigned to %q", ErrInvalidArgument, t.ID, t.AgentID)
		}
		t.State = TaskStateCompleted
		t.UpdatedAt = now
		if a.State == AgentStateBusy {
			a.State = AgentStateReady
			a.UpdatedAt = now
		}
		return nil
	default:
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.State)
	}
}

// RejectAssignment puts an assigned task back to waiting. The agent that
// rejected it is made unavailable so it is not immediately re-offered the task.
func (t *Task) RejectAssignment(a *Agent, now time.Time) error {
	if t.State != TaskStateAssigned {
		return fmt.Errorf("%w: task %s is %s, want %s", ErrInvalidTransition, t.ID, t.State, TaskStateAssigned)
	}
	if a == nil || a.ID != t.AgentID {
		return fmt.Errorf("%w: task %s is assigned to %q", ErrInvalidArgument, t.ID, t.AgentID)
	}
	t.State = TaskStateWaiting
	t.AgentID = ""
	t.UpdatedAt = now

	a.State = AgentStateUnavailable
	a.UpdatedAt = now
	return nil
}

// AdvanceRoute moves a task onto r. Missing route fields keep the task's values.
// It reports whether the queue changed.
func (t *Task) AdvanceRoute(r Route, now time.Time) bool {
	t.RouteID = r.ID
	if r.Priority != nil {
		t.Priority = *r.Priority
	}
	if r.Timeout != nil {
		t.QueuedTimeout = *r.Timeout
	}
	changed := false
	if r.QueueID != "" && r.QueueID != t.QueueID {
		t.QueueID = r.QueueID
		changed = true
		// Should already be empty while waiting; cleared in case of a racing write.
		t.AgentID = ""
	}
	t.UpdatedAt = now
	return changed
}

// SetState applies an administrative agent state change.
// Busy is entered only through Task.Assign and left only through task completion
// or rejection.
func (a *Agent) SetState(s AgentState, now time.Time) error {
	if !s.Valid() {
		return fmt.Errorf("%w: unknown agent state %q", ErrInvalidArgument, s)
	}
	if s == a.State {
		return nil
	}
	if s == AgentStateBusy {
		return fmt.Errorf("%w: agent %s cannot be set busy directly", ErrInvalidTransition, a.ID)
	}
	if a.State == AgentStateBusy {
		return fmt.Errorf("%w: agent %s is busy", ErrInvalidTransition, a.ID)
	}
	a.State = s
	a.UpdatedAt = now
	return nil
}
