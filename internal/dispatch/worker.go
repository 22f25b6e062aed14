package dispatch

import "time"

// Status is a worker lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusPolling      Status = "polling"
	StatusPending      Status = "pending"
	StatusExecuting    Status = "executing"
	StatusDisconnected Status = "disconnected"
)

// worker is the internal registry record. The connID is a non-owning
// back-reference used only for disconnect cleanup.
type worker struct {
	name          string
	status        Status
	registeredAt  time.Time
	lastActivity  time.Time
	seq           uint64
	currentTask   string
	taskStartedAt time.Time
	lastFailure   string
	connID        uint64
	graceTimer    *time.Timer
}

// WorkerView is an immutable snapshot of a worker record.
type WorkerView struct {
	Name          string
	Status        Status
	RegisteredAt  time.Time
	LastActivity  time.Time
	CurrentTask   string
	TaskStartedAt time.Time
}

func (w *worker) view() WorkerView {
	return WorkerView{
		Name:          w.name,
		Status:        w.status,
		RegisteredAt:  w.registeredAt,
		LastActivity:  w.lastActivity,
		CurrentTask:   w.currentTask,
		TaskStartedAt: w.taskStartedAt,
	}
}

// assignment is a task handed to a worker but not yet acknowledged.
type assignment struct {
	beadID     string
	assignedAt time.Time
}

// pollOutcome resolves a suspended poll: a task id or a timeout.
type pollOutcome struct {
	beadID   string
	timedOut bool
}

// poller is a suspended poll_task call awaiting resolution. The channel is
// buffered so resolution never blocks the resolver; removal from the poller
// map before sending guarantees at most one send.
type poller struct {
	name  string
	ch    chan pollOutcome
	timer *time.Timer
}

// PollResult is the outcome of a poll_task call.
type PollResult struct {
	BeadID   string
	TimedOut bool
}

// SubmitResult reports where a submitted task went.
type SubmitResult struct {
	Dispatched bool
	Worker     string
}

// Reclaimed describes a task taken back from an overdue worker.
type Reclaimed struct {
	Worker  string
	BeadID  string
	Elapsed time.Duration
}

// Snapshot is a consistent view of the whole dispatch state.
type Snapshot struct {
	Workers        []WorkerView
	Queue          []string
	PollingWorkers int
}
