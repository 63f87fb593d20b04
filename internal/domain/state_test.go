package domain

import (
	"errors"
	"testing"
	"time"
)

func int64p(v int64) *int64 { return &v }

func TestTask_AssignMovesBothRecords(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	task := Task{ID: "t1", RouterID: "r", State: TaskStateWaiting, QueueID: "q"}
	agent := Agent{ID: "a1", RouterID: "r", State: AgentStateReady}

	if err := task.Assign(&agent, now); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if task.State != TaskStateAssigned || task.AgentID != "a1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if agent.State != AgentStateBusy || !agent.LastAssignedAt.Equal(now) {
		t.Fatalf("unexpected agent: %+v", agent)
	}
}

func TestTask_AssignRejectsBusyAgent(t *testing.T) {
	task := Task{ID: "t1", RouterID: "r", State: TaskStateWaiting}
	agent := Agent{ID: "a1", RouterID: "r", State: AgentStateBusy}

	err := task.Assign(&agent, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if task.State != TaskStateWaiting || task.AgentID != "" {
		t.Fatalf("task must be untouched on failure: %+v", task)
	}
}

func TestTask_AssignRejectsNonWaitingTask(t *testing.T) {
	task := Task{ID: "t1", RouterID: "r", State: TaskStateAssigned, AgentID: "other"}
	agent := Agent{ID: "a1", RouterID: "r", State: AgentStateReady}

	if err := task.Assign(&agent, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if agent.State != AgentStateReady {
		t.Fatalf("agent must be untouched on failure")
	}
}

func TestTask_CompleteReleasesAgent(t *testing.T) {
	task := Task{ID: "t1", RouterID: "r", State: TaskStateAssigned, AgentID: "a1"}
	agent := Agent{ID: "a1", RouterID: "r", State: AgentStateBusy}

	if err := task.Complete(&agent, time.Now()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if task.State != TaskStateCompleted {
		t.Fatalf("expected completed, got %s", task.State)
	}
	if agent.State != AgentStateReady {
		t.Fatalf("expected agent ready, got %s", agent.State)
	}

	if err := task.Complete(&agent, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second completion, got %v", err)
	}
}

func TestTask_RejectAssignment(t *testing.T) {
	task := Task{ID: "t1", RouterID: "r", State: TaskStateAssigned, AgentID: "a1"}
	agent := Agent{ID: "a1", RouterID: "r", State: AgentStateBusy}

	if err := task.RejectAssignment(&agent, time.Now()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if task.State != TaskStateWaiting || task.AgentID != "" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if agent.State != AgentStateUnavailable {
		t.Fatalf("expected agent unavailable, got %s", agent.State)
	}
}

func TestTask_AdvanceRouteKeepsMissingFields(t *testing.T) {
	task := Task{ID: "t1", State: TaskStateWaiting, QueueID: "q1", RouteID: "r1", Priority: 3, QueuedTimeout: 60}

	changed := task.AdvanceRoute(Route{ID: "r2", Timeout: int64p(120)}, time.Now())
	if changed {
		t.Fatalf("queue did not change")
	}
	if task.RouteID != "r2" || task.Priority != 3 || task.QueuedTimeout != 120 || task.QueueID != "q1" {
		t.Fatalf("unexpected task: %+v", task)
	}

	changed = task.AdvanceRoute(Route{ID: "r3", QueueID: "q2", Priority: int64p(9)}, time.Now())
	if !changed {
		t.Fatalf("expected queue change")
	}
	if task.QueueID != "q2" || task.Priority != 9 || task.QueuedTimeout != 120 {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestAgent_SetState(t *testing.T) {
	a := Agent{ID: "a1", State: AgentStateOffline}
	if err := a.SetState(AgentStateReady, time.Now()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := a.SetState(AgentStateBusy, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := a.SetState("sleeping", time.Now()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	busy := Agent{ID: "a2", State: AgentStateBusy}
	if err := busy.SetState(AgentStateOffline, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for busy agent, got %v", err)
	}
}
