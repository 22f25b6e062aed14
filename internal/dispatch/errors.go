package dispatch

import "errors"

// Logical failures reported to callers as structured errors. None of them
// mutate state.
var (
	ErrUnknownWorker      = errors.New("unknown worker")
	ErrUnknownTask        = errors.New("unknown task")
	ErrTaskMismatch       = errors.New("task mismatch")
	ErrDuplicateTask      = errors.New("task already tracked")
	ErrWorkerDisconnected = errors.New("worker disconnected")
)
