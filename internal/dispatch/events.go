package dispatch

// Event is a task lifecycle notification emitted outside the store lock.
// The daemon forwards these to the history journal.
type Event struct {
	BeadID string
	Worker string
	Name   string
	Detail string
}

// Event names recorded in the journal.
const (
	EventQueued     = "queued"
	EventDispatched = "dispatched"
	EventAcked      = "acked"
	EventCompleted  = "completed"
	EventFailed     = "failed"
	EventRequeued   = "requeued"
	EventReclaimed  = "reclaimed"
	EventReset      = "reset"
)

// EventSink receives lifecycle events. Implementations may block briefly
// (e.g. a database insert); the store never calls a sink while holding its
// lock.
type EventSink func(Event)
