package reporting

// QueueStatsRequest requests a snapshot of one queue.
// Router isolation: RouterID is required.
type QueueStatsRequest struct {
	RouterID string `json:"router_id"`
	QueueID  string `json:"queue_id"`
}

// AgentBreakdown counts agents by state.
type AgentBreakdown struct {
	Total       int `json:"total"`
	Ready       int `json:"ready"`
	Busy        int `json:"busy"`
	Unavailable int `json:"unavailable"`
	Offline     int `json:"offline"`
}

type QueueStats struct {
	RouterID string `json:"router_id"`
	QueueID  string `json:"queue_id"`

	// Size is the number of waiting tasks.
	Size          int `json:"size"`
	AssignedTasks int `json:"assigned_tasks"`

	// OldestWaitingSeconds is the age of the oldest waiting task, 0 when empty.
	OldestWaitingSeconds  int   `json:"oldest_waiting_seconds"`
	AverageWaitingSeconds int   `json:"average_waiting_seconds"`
	MaxWaitingPriority    int64 `json:"max_waiting_priority"`

	// Agents covers the queue's members.
	Agents AgentBreakdown `json:"agents"`
}

// RouterSummary aggregates every queue and agent of a router.
type RouterSummary struct {
	RouterID string `json:"router_id"`

	Queues         int `json:"queues"`
	WaitingTasks   int `json:"waiting_tasks"`
	AssignedTasks  int `json:"assigned_tasks"`
	CompletedTasks int `json:"completed_tasks"`

	Agents AgentBreakdown `json:"agents"`
}
