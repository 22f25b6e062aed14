package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shuttle/internal/logging"
)

// Options configures a Store.
type Options struct {
	// ExecutionBudget is how long a worker may hold a task before the sweeper
	// reclaims it.
	ExecutionBudget time.Duration
	// DisconnectGrace is how long a disconnected worker record survives
	// waiting for a reconnect.
	DisconnectGrace time.Duration
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Store owns the entire dispatch state: the worker registry, the pending
// task queue, the active task set, blocked pollers, and unacknowledged
// assignments. Every operation runs as one atomic transition under a single
// mutex, so the state invariants hold at every observable instant.
type Store struct {
	mu          sync.Mutex
	workers     map[string]*worker
	queue       []string
	active      map[string]string // bead id -> owning worker name
	pollers     map[string]*poller
	assignments map[string]assignment // worker name -> unacked task

	budget time.Duration
	grace  time.Duration
	clock  func() time.Time
	seq    uint64

	logger *slog.Logger
	sink   EventSink

	closed bool
}

// NewStore constructs an empty dispatch store. The sink may be nil.
func NewStore(opts Options, logger *slog.Logger, sink EventSink) *Store {
	if opts.ExecutionBudget <= 0 {
		opts.ExecutionBudget = 30 * time.Minute
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = 30 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		workers:     make(map[string]*worker),
		active:      make(map[string]string),
		pollers:     make(map[string]*poller),
		assignments: make(map[string]assignment),
		budget:      opts.ExecutionBudget,
		grace:       opts.DisconnectGrace,
		clock:       clock,
		logger:      logging.NewComponentLogger(logger, "dispatch"),
		sink:        sink,
	}
}

func (s *Store) emit(events []Event) {
	if s.sink == nil {
		return
	}
	for _, e := range events {
		s.sink(e)
	}
}

// Register creates or reclaims a worker record for the given connection.
// Re-registering the same name from the same connection is idempotent. A name
// held by a different live connection is disambiguated with -1, -2, … .
func (s *Store) Register(connID uint64, name string) (WorkerView, string) {
	var events []Event
	s.mu.Lock()
	now := s.clock()

	if w, ok := s.workers[name]; ok {
		if w.connID == connID {
			view := w.view()
			s.mu.Unlock()
			return view, "Already registered"
		}
		if w.status == StatusDisconnected {
			// Reconnect within the grace window reclaims the record. Any task
			// the previous session held goes back to the front of the queue:
			// the new session has no knowledge of it.
			events = append(events, s.releaseTasksLocked(w, EventRequeued, "worker reconnected")...)
			w.connID = connID
			w.status = StatusIdle
			w.lastActivity = now
			if w.graceTimer != nil {
				w.graceTimer.Stop()
				w.graceTimer = nil
			}
			events = append(events, s.flushToPollersLocked()...)
			view := w.view()
			s.mu.Unlock()
			s.emit(events)
			return view, "Reconnected"
		}
		name = s.disambiguateLocked(name)
	}

	s.seq++
	w := &worker{
		name:         name,
		status:       StatusIdle,
		registeredAt: now,
		lastActivity: now,
		seq:          s.seq,
		connID:       connID,
	}
	s.workers[name] = w
	view := w.view()
	s.mu.Unlock()

	s.logger.Info("worker registered", logging.String(logging.FieldWorker, name))
	return view, "Registered"
}

func (s *Store) disambiguateLocked(name string) string {
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if _, used := s.workers[candidate]; !used {
			return candidate
		}
	}
}

// Poll returns the worker's next task, suspending until one arrives, the
// timeout elapses, or ctx is canceled (connection teardown counts as a
// timeout). A pending assignment or a non-empty queue resolves synchronously.
// A second poll for the same name supersedes an outstanding one, which
// resolves immediately as a timeout. A poll from an Executing worker is an
// implicit abandon: the in-flight task returns to the front of the queue
// before the poll proceeds, so a worker can never hold a current task and a
// pending assignment at the same time.
func (s *Store) Poll(ctx context.Context, name string, timeout time.Duration) (PollResult, error) {
	var events []Event
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return PollResult{}, ErrUnknownWorker
	}
	if w.status == StatusDisconnected {
		s.mu.Unlock()
		return PollResult{}, ErrWorkerDisconnected
	}
	if w.status == StatusExecuting && w.currentTask != "" {
		beadID := w.currentTask
		delete(s.active, beadID)
		s.queue = append([]string{beadID}, s.queue...)
		w.currentTask = ""
		w.taskStartedAt = time.Time{}
		w.status = StatusIdle
		events = append(events, Event{BeadID: beadID, Worker: name, Name: EventRequeued, Detail: "abandoned by re-poll"})
	}
	now := s.clock()

	if a, ok := s.assignments[name]; ok {
		w.status = StatusPending
		s.mu.Unlock()
		s.emit(events)
		return PollResult{BeadID: a.beadID}, nil
	}

	if len(s.queue) > 0 {
		beadID := s.queue[0]
		s.queue = s.queue[1:]
		s.assignments[name] = assignment{beadID: beadID, assignedAt: now}
		w.status = StatusPending
		events = append(events, Event{BeadID: beadID, Worker: name, Name: EventDispatched, Detail: "drained on poll"})
		s.mu.Unlock()
		s.emit(events)
		return PollResult{BeadID: beadID}, nil
	}

	if old, ok := s.pollers[name]; ok {
		s.resolvePollerLocked(old, pollOutcome{timedOut: true})
	}

	p := &poller{name: name, ch: make(chan pollOutcome, 1)}
	p.timer = time.AfterFunc(timeout, func() { s.expirePoll(name, p) })
	s.pollers[name] = p
	w.status = StatusPolling
	s.mu.Unlock()
	s.emit(events)

	select {
	case out := <-p.ch:
		if out.timedOut {
			return PollResult{TimedOut: true}, nil
		}
		return PollResult{BeadID: out.beadID}, nil
	case <-ctx.Done():
		s.cancelPoll(name, p)
		// A task may have been assigned in the race window; honor it so the
		// assignment bookkeeping matches what we report.
		select {
		case out := <-p.ch:
			if !out.timedOut {
				return PollResult{BeadID: out.beadID}, nil
			}
		default:
		}
		return PollResult{TimedOut: true}, nil
	}
}

// resolvePollerLocked removes p from the registry, stops its timer, and
// delivers the outcome. Callers must hold the lock; the buffered channel
// makes the send non-blocking.
func (s *Store) resolvePollerLocked(p *poller, out pollOutcome) {
	if s.pollers[p.name] != p {
		return
	}
	delete(s.pollers, p.name)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- out
}

func (s *Store) expirePoll(name string, p *poller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollers[name] != p {
		return
	}
	s.resolvePollerLocked(p, pollOutcome{timedOut: true})
	if w, ok := s.workers[name]; ok && w.status == StatusPolling {
		w.status = StatusIdle
	}
}

func (s *Store) cancelPoll(name string, p *poller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollers[name] != p {
		return
	}
	s.resolvePollerLocked(p, pollOutcome{timedOut: true})
	if w, ok := s.workers[name]; ok && w.status == StatusPolling {
		w.status = StatusIdle
	}
}

// Submit offers a task for dispatch. With no eligible worker the task joins
// the back of the queue; otherwise the least recently active Idle/Polling
// worker receives it.
func (s *Store) Submit(beadID string) (SubmitResult, error) {
	var events []Event
	s.mu.Lock()
	if s.trackedLocked(beadID) {
		s.mu.Unlock()
		return SubmitResult{}, ErrDuplicateTask
	}

	target := s.selectWorkerLocked()
	if target == nil {
		s.queue = append(s.queue, beadID)
		depth := len(s.queue)
		s.mu.Unlock()
		s.emit([]Event{{BeadID: beadID, Name: EventQueued, Detail: fmt.Sprintf("queue depth %d", depth)}})
		return SubmitResult{Dispatched: false}, nil
	}

	events = append(events, s.assignLocked(target, beadID))
	s.mu.Unlock()
	s.emit(events)
	return SubmitResult{Dispatched: true, Worker: target.name}, nil
}

func (s *Store) trackedLocked(beadID string) bool {
	if _, ok := s.active[beadID]; ok {
		return true
	}
	for _, a := range s.assignments {
		if a.beadID == beadID {
			return true
		}
	}
	for _, queued := range s.queue {
		if queued == beadID {
			return true
		}
	}
	return false
}

// selectWorkerLocked picks the LRU candidate among Idle and Polling workers,
// breaking last-activity ties by registration order.
func (s *Store) selectWorkerLocked() *worker {
	var best *worker
	for _, w := range s.workers {
		if w.status != StatusIdle && w.status != StatusPolling {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		if w.lastActivity.Before(best.lastActivity) ||
			(w.lastActivity.Equal(best.lastActivity) && w.seq < best.seq) {
			best = w
		}
	}
	return best
}

// assignLocked hands beadID to w: a blocked poller resolves immediately,
// otherwise the task waits as a pending assignment for the next poll.
func (s *Store) assignLocked(w *worker, beadID string) Event {
	now := s.clock()
	s.assignments[w.name] = assignment{beadID: beadID, assignedAt: now}
	w.status = StatusPending
	if p, ok := s.pollers[w.name]; ok {
		s.resolvePollerLocked(p, pollOutcome{beadID: beadID})
	}
	return Event{BeadID: beadID, Worker: w.name, Name: EventDispatched}
}

// Ack confirms receipt of an assignment and moves the task into execution.
// A bead id that does not match the pending assignment fails without state
// change; the caller should re-poll.
func (s *Store) Ack(name, beadID string) (WorkerView, error) {
	var events []Event
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return WorkerView{}, ErrUnknownWorker
	}
	a, ok := s.assignments[name]
	if !ok || a.beadID != beadID {
		s.mu.Unlock()
		return WorkerView{}, ErrTaskMismatch
	}

	delete(s.assignments, name)
	now := s.clock()
	w.status = StatusExecuting
	w.currentTask = beadID
	w.taskStartedAt = now
	s.active[beadID] = name
	view := w.view()
	events = append(events, Event{BeadID: beadID, Worker: name, Name: EventAcked})
	s.mu.Unlock()
	s.emit(events)
	return view, nil
}

// Done marks the task complete and returns its worker to Idle. Refreshing
// last_activity here is what makes LRU dispatch rotate.
func (s *Store) Done(beadID string) (string, error) {
	var events []Event
	s.mu.Lock()
	name, ok := s.active[beadID]
	if !ok {
		s.mu.Unlock()
		return "", ErrUnknownTask
	}
	delete(s.active, beadID)
	if w, ok := s.workers[name]; ok {
		w.status = StatusIdle
		w.currentTask = ""
		w.taskStartedAt = time.Time{}
		w.lastActivity = s.clock()
	}
	events = append(events, Event{BeadID: beadID, Worker: name, Name: EventCompleted})
	s.mu.Unlock()
	s.emit(events)
	return name, nil
}

// Failed marks the task failed. The task is not requeued automatically; the
// caller decides whether to resubmit.
func (s *Store) Failed(beadID, reason string) (string, error) {
	var events []Event
	s.mu.Lock()
	name, ok := s.active[beadID]
	if !ok {
		s.mu.Unlock()
		return "", ErrUnknownTask
	}
	delete(s.active, beadID)
	if w, ok := s.workers[name]; ok {
		w.status = StatusIdle
		w.currentTask = ""
		w.taskStartedAt = time.Time{}
		w.lastActivity = s.clock()
		w.lastFailure = reason
	}
	events = append(events, Event{BeadID: beadID, Worker: name, Name: EventFailed, Detail: reason})
	s.mu.Unlock()
	s.emit(events)
	return name, nil
}

// ResetWorker forces a worker back to Idle, clearing any blocked poller,
// pending assignment, and current task. Cleared task ids are dropped from
// tracking, not requeued; retry_task is the tool for redelivery.
func (s *Store) ResetWorker(name string) (WorkerView, error) {
	var events []Event
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return WorkerView{}, ErrUnknownWorker
	}

	if p, ok := s.pollers[name]; ok {
		s.resolvePollerLocked(p, pollOutcome{timedOut: true})
	}
	if a, ok := s.assignments[name]; ok {
		delete(s.assignments, name)
		events = append(events, Event{BeadID: a.beadID, Worker: name, Name: EventReset, Detail: "assignment cleared"})
	}
	if w.currentTask != "" {
		delete(s.active, w.currentTask)
		events = append(events, Event{BeadID: w.currentTask, Worker: name, Name: EventReset, Detail: "execution cleared"})
		w.currentTask = ""
		w.taskStartedAt = time.Time{}
	}
	if w.graceTimer != nil {
		w.graceTimer.Stop()
		w.graceTimer = nil
	}
	w.status = StatusIdle
	view := w.view()
	s.mu.Unlock()
	s.emit(events)
	return view, nil
}

// RetryTask removes the bead id from wherever it is tracked and re-enqueues
// it at the front of the queue for priority redelivery. An untracked id is
// still enqueued: retry doubles as resubmission.
func (s *Store) RetryTask(beadID string) string {
	var events []Event
	var owner string
	s.mu.Lock()

	if name, ok := s.active[beadID]; ok {
		owner = name
		delete(s.active, beadID)
		if w, ok := s.workers[name]; ok {
			w.status = StatusIdle
			w.currentTask = ""
			w.taskStartedAt = time.Time{}
		}
	}
	for name, a := range s.assignments {
		if a.beadID != beadID {
			continue
		}
		owner = name
		delete(s.assignments, name)
		if w, ok := s.workers[name]; ok && w.status == StatusPending {
			w.status = StatusIdle
		}
	}
	for i, queued := range s.queue {
		if queued == beadID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}

	s.queue = append([]string{beadID}, s.queue...)
	events = append(events, Event{BeadID: beadID, Worker: owner, Name: EventRequeued, Detail: "manual retry"})
	events = append(events, s.flushToPollersLocked()...)
	s.mu.Unlock()
	s.emit(events)
	return owner
}

// SweepExpired reclaims tasks from workers that have been executing longer
// than the budget: the task returns to the front of the queue and the worker
// resets to Idle. Returns what was reclaimed for logging.
func (s *Store) SweepExpired() []Reclaimed {
	var events []Event
	var reclaimed []Reclaimed
	s.mu.Lock()
	now := s.clock()
	for _, w := range s.workers {
		if w.status != StatusExecuting || w.currentTask == "" {
			continue
		}
		elapsed := now.Sub(w.taskStartedAt)
		if elapsed <= s.budget {
			continue
		}
		beadID := w.currentTask
		delete(s.active, beadID)
		s.queue = append([]string{beadID}, s.queue...)
		w.status = StatusIdle
		w.currentTask = ""
		w.taskStartedAt = time.Time{}
		reclaimed = append(reclaimed, Reclaimed{Worker: w.name, BeadID: beadID, Elapsed: elapsed})
		events = append(events, Event{BeadID: beadID, Worker: w.name, Name: EventReclaimed, Detail: fmt.Sprintf("executing for %s", elapsed.Round(time.Second))})
	}
	events = append(events, s.flushToPollersLocked()...)
	s.mu.Unlock()
	s.emit(events)

	for _, r := range reclaimed {
		s.logger.Warn("task reclaimed from overdue worker",
			logging.String(logging.FieldWorker, r.Worker),
			logging.String(logging.FieldBeadID, r.BeadID),
			logging.Duration("elapsed", r.Elapsed),
			logging.String(logging.FieldEventType, "task_reclaimed"),
			logging.String(logging.FieldErrorHint, "worker exceeded the execution budget; task requeued at the front"))
	}
	return reclaimed
}

// ConnClosed marks every worker registered through connID as disconnected
// and starts its deletion grace timer. Blocked pollers on the connection
// resolve as timeouts, freeing the slot immediately.
func (s *Store) ConnClosed(connID uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for name, w := range s.workers {
		if w.connID != connID {
			continue
		}
		if p, ok := s.pollers[name]; ok {
			s.resolvePollerLocked(p, pollOutcome{timedOut: true})
		}
		w.status = StatusDisconnected
		if w.graceTimer != nil {
			w.graceTimer.Stop()
		}
		workerName := name
		w.graceTimer = time.AfterFunc(s.grace, func() { s.expireDisconnected(workerName, connID) })
	}
	s.mu.Unlock()
}

// expireDisconnected deletes a worker whose grace window lapsed without a
// reconnect, returning any in-flight task to the front of the queue.
func (s *Store) expireDisconnected(name string, connID uint64) {
	var events []Event
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok || w.status != StatusDisconnected || w.connID != connID {
		s.mu.Unlock()
		return
	}
	events = s.releaseTasksLocked(w, EventRequeued, "worker disconnected")
	delete(s.workers, name)
	events = append(events, s.flushToPollersLocked()...)
	s.mu.Unlock()
	s.emit(events)

	s.logger.Info("disconnected worker removed",
		logging.String(logging.FieldWorker, name),
		logging.String(logging.FieldEventType, "worker_removed"))
}

// flushToPollersLocked hands queued tasks to blocked pollers, least recently
// active first, so a requeue never makes a parked worker wait out its poll
// timeout while work sits at the queue front. Idle workers are skipped; they
// collect queued work on their next poll.
func (s *Store) flushToPollersLocked() []Event {
	var events []Event
	for len(s.queue) > 0 {
		var best *worker
		for name := range s.pollers {
			w, ok := s.workers[name]
			if !ok {
				continue
			}
			if best == nil ||
				w.lastActivity.Before(best.lastActivity) ||
				(w.lastActivity.Equal(best.lastActivity) && w.seq < best.seq) {
				best = w
			}
		}
		if best == nil {
			break
		}
		beadID := s.queue[0]
		s.queue = s.queue[1:]
		events = append(events, s.assignLocked(best, beadID))
	}
	return events
}

// releaseTasksLocked returns a worker's in-flight task bookkeeping (pending
// assignment or executing task) to the front of the queue.
func (s *Store) releaseTasksLocked(w *worker, event, detail string) []Event {
	var events []Event
	if a, ok := s.assignments[w.name]; ok {
		delete(s.assignments, w.name)
		s.queue = append([]string{a.beadID}, s.queue...)
		events = append(events, Event{BeadID: a.beadID, Worker: w.name, Name: event, Detail: detail})
	}
	if w.currentTask != "" {
		delete(s.active, w.currentTask)
		s.queue = append([]string{w.currentTask}, s.queue...)
		events = append(events, Event{BeadID: w.currentTask, Worker: w.name, Name: event, Detail: detail})
		w.currentTask = ""
		w.taskStartedAt = time.Time{}
	}
	return events
}

// Snapshot returns a consistent view of all workers (in registration order),
// the queue, and the number of blocked pollers.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].seq < workers[j].seq })

	snap := Snapshot{
		Workers:        make([]WorkerView, 0, len(workers)),
		Queue:          append([]string{}, s.queue...),
		PollingWorkers: len(s.pollers),
	}
	for _, w := range workers {
		snap.Workers = append(snap.Workers, w.view())
	}
	return snap
}

// Close resolves all blocked pollers as timeouts and stops grace timers.
// Used during daemon shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	for _, p := range s.pollers {
		s.resolvePollerLocked(p, pollOutcome{timedOut: true})
	}
	for _, w := range s.workers {
		if w.graceTimer != nil {
			w.graceTimer.Stop()
			w.graceTimer = nil
		}
	}
	s.mu.Unlock()
}
