package protocol

import "time"

// Tool names accepted by the daemon router.
const (
	ToolRegisterWorker = "register_worker"
	ToolPollTask       = "poll_task"
	ToolAckTask        = "ack_task"
	ToolSubmitTask     = "submit_task"
	ToolWorkerDone     = "worker_done"
	ToolTaskFailed     = "task_failed"
	ToolGetStatus      = "get_status"
	ToolResetWorker    = "reset_worker"
	ToolRetryTask      = "retry_task"
	ToolTaskHistory    = "task_history"
	ToolShutdown       = "shutdown"
)

// Worker is the wire representation of a worker record.
type Worker struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	RegisteredAt  time.Time  `json:"registered_at"`
	LastActivity  time.Time  `json:"last_activity"`
	CurrentTask   string     `json:"current_task,omitempty"`
	TaskStartedAt *time.Time `json:"task_started_at,omitempty"`
}

// RegisterParams names the session registering for work.
type RegisterParams struct {
	Name string `json:"name"`
}

// RegisterData reports the resolved worker record. The name may differ from
// the requested one when a collision was disambiguated.
type RegisterData struct {
	Worker  Worker `json:"worker"`
	Message string `json:"message"`
}

// PollParams asks for the next task, waiting up to TimeoutMS.
type PollParams struct {
	Name      string `json:"name"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// PollData resolves a long poll: either a task id or a timeout marker.
type PollData struct {
	Task    *string `json:"task"`
	Timeout bool    `json:"timeout,omitempty"`
}

// AckParams acknowledges receipt of an assigned task.
type AckParams struct {
	Name   string `json:"name"`
	BeadID string `json:"bead_id"`
}

// AckData confirms the acknowledged assignment.
type AckData struct {
	Worker string `json:"worker"`
	BeadID string `json:"bead_id"`
}

// SubmitParams submits a task id for dispatch.
type SubmitParams struct {
	BeadID string `json:"bead_id"`
}

// SubmitData reports whether the task was handed to a worker or queued.
type SubmitData struct {
	Dispatched bool   `json:"dispatched"`
	Worker     string `json:"worker,omitempty"`
	BeadID     string `json:"bead_id"`
}

// DoneParams reports successful completion of a task.
type DoneParams struct {
	BeadID string `json:"bead_id"`
}

// DoneData echoes the completed task id.
type DoneData struct {
	BeadID string `json:"bead_id"`
}

// FailedParams reports task failure with a reason.
type FailedParams struct {
	BeadID string `json:"bead_id"`
	Reason string `json:"reason"`
}

// FailedData echoes the failed task id and the worker's new status.
type FailedData struct {
	BeadID string `json:"bead_id"`
	Status string `json:"status"`
}

// StatusData is the full daemon snapshot.
type StatusData struct {
	Workers        []Worker `json:"workers"`
	QueuedTasks    int      `json:"queued_tasks"`
	Queue          []string `json:"queue,omitempty"`
	PollingWorkers int      `json:"polling_workers"`
}

// ResetParams forces a worker back to idle.
type ResetParams struct {
	WorkerName string `json:"worker_name"`
}

// ResetData reports the reset worker and its status.
type ResetData struct {
	WorkerName string `json:"worker_name"`
	Status     string `json:"status"`
}

// RetryParams requeues a task at the front of the queue.
type RetryParams struct {
	BeadID string `json:"bead_id"`
}

// RetryData echoes the requeued task id.
type RetryData struct {
	BeadID string `json:"bead_id"`
}

// HistoryParams bounds the journal query.
type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryEvent is one task lifecycle journal row.
type HistoryEvent struct {
	BeadID    string    `json:"bead_id"`
	Worker    string    `json:"worker,omitempty"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryData lists recent journal rows, newest first.
type HistoryData struct {
	Events []HistoryEvent `json:"events"`
}

// ShutdownData acknowledges a graceful shutdown request.
type ShutdownData struct {
	Stopping bool `json:"stopping"`
}
