package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Notification types carried by rasc_response events.
const (
	NotifyStart    = "start"
	NotifyComplete = "complete"
	NotifyFailed   = "failed"
)

// Notification reports progress of the active action on a target.
type Notification struct {
	Type     string
	Target   string
	ActionID string
	// Error is the failure reason for NotifyFailed.
	Error string
}

// Dispatcher executes one action. It is called from the target's worker
// goroutine; ctx ends when the routine is aborted.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *ActionEntity) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, a *ActionEntity) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, a *ActionEntity) error { return f(ctx, a) }

// Logger defines the logging interface used by the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options tune the scheduler.
type Options struct {
	// QueueSize bounds how many root actions may wait on one target.
	// Start blocks while a root's target is full.
	QueueSize int
	// ImplicitCompletion completes an action as soon as its dispatch
	// returns without error.
	ImplicitCompletion bool
	// ActionTimeout bounds the wait for an external complete notification.
	// Zero waits until the routine ends.
	ActionTimeout time.Duration
}

// Defaults used when Options leave fields zero.
const (
	DefaultQueueSize     = 32
	DefaultActionTimeout = 3 * time.Second
)

// readyQueue is one target's FIFO of eligible actions plus its active one.
type readyQueue struct {
	target  string
	pending []*ActionEntity
	active  *ActionEntity

	// slots bounds admitted root actions.
	slots chan struct{}
	// wake signals the worker that pending may be non-empty.
	wake chan struct{}
	// released signals the worker that active was cleared.
	released chan struct{}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Scheduler dispatches routine actions on per-target workers.
//
// Thread Safety:
//   - All graph and queue state is guarded by one mutex.
//   - Dispatch runs on the target's worker goroutine, never under the mutex.
type Scheduler struct {
	opts       Options
	dispatcher Dispatcher
	logger     Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queues   map[string]*readyQueue
	routines map[string]*Routine
	closed   bool
}

// New creates a scheduler. Call Close to stop its workers.
func New(d Dispatcher, opts Options) *Scheduler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:       opts,
		dispatcher: d,
		logger:     noopLogger{},
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string]*readyQueue),
		routines:   make(map[string]*Routine),
	}
}

// SetLogger sets the logger.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// queueLocked returns the target's queue, starting its worker on first use.
func (s *Scheduler) queueLocked(target string) *readyQueue {
	q, ok := s.queues[target]
	if ok {
		return q
	}
	q = &readyQueue{
		target:   target,
		slots:    make(chan struct{}, s.opts.QueueSize),
		wake:     make(chan struct{}, 1),
		released: make(chan struct{}, 1),
	}
	s.queues[target] = q
	s.wg.Add(1)
	go s.work(q)
	return q
}

// Start admits a routine and queues its root actions. It blocks while a
// root's target queue is full, until ctx ends.
func (s *Scheduler) Start(ctx context.Context, r *Routine) error {
	roots := r.Roots()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, dup := s.routines[r.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: routine %s already running", r.ID)
	}
	r.ctx, r.cancel = context.WithCancel(s.ctx)
	s.routines[r.ID] = r
	queues := make([]*readyQueue, len(roots))
	for i, a := range roots {
		queues[i] = s.queueLocked(a.Target)
	}
	s.mu.Unlock()

	for i, a := range roots {
		select {
		case queues[i].slots <- struct{}{}:
		case <-ctx.Done():
			s.Abort(r.ID, ctx.Err())
			return ctx.Err()
		case <-r.done:
			return r.Err()
		}
		s.mu.Lock()
		a.admitted = true
		s.enqueueLocked(a)
		s.mu.Unlock()
	}

	s.logger.Debug("routine started", "routine_id", r.ID, "actions", len(r.order), "roots", len(roots))
	return nil
}

func (s *Scheduler) enqueueLocked(a *ActionEntity) {
	q := s.queueLocked(a.Target)
	a.setState(ActionQueued)
	q.pending = append(q.pending, a)
	signal(q.wake)
}

// work is the target's worker: it promotes the head of the queue, runs it
// and waits until the target is released before promoting the next.
func (s *Scheduler) work(q *readyQueue) {
	defer s.wg.Done()
	for {
		select {
		case <-q.wake:
		case <-s.ctx.Done():
			return
		}
		for {
			a := s.promote(q)
			if a == nil {
				break
			}
			s.run(q, a)
		}
	}
}

// promote makes the head of the queue active. Actions of finished
// routines are dropped.
func (s *Scheduler) promote(q *readyQueue) *ActionEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.active != nil {
		return nil
	}
	for len(q.pending) > 0 {
		a := q.pending[0]
		q.pending = q.pending[1:]
		if a.admitted {
			a.admitted = false
			<-q.slots
		}
		if !a.routine.enter() {
			continue
		}
		q.active = a
		return a
	}
	return nil
}

func (s *Scheduler) run(q *readyQueue, a *ActionEntity) {
	r := a.routine
	err := s.dispatcher.Dispatch(r.ctx, a)
	r.leave()
	switch {
	case err == nil:
	case r.ctx.Err() != nil:
		s.release(q, a)
		return
	case errors.Is(err, ErrHalted):
		s.halt(q, a)
		return
	default:
		s.fail(a, err)
		return
	}

	if s.opts.ImplicitCompletion || a.Virtual() {
		_ = s.HandleEvent(Notification{Type: NotifyStart, Target: q.target, ActionID: a.ID})
		_ = s.HandleEvent(Notification{Type: NotifyComplete, Target: q.target, ActionID: a.ID})
		return
	}

	var timeout <-chan time.Time
	if s.opts.ActionTimeout > 0 {
		t := time.NewTimer(s.opts.ActionTimeout)
		defer t.Stop()
		timeout = t.C
	}
	for s.isActive(q, a) {
		select {
		case <-q.released:
		case <-r.done:
			s.release(q, a)
			return
		case <-timeout:
			s.fail(a, fmt.Errorf("%w: %s on %s", ErrActionTimeout, a.ID, q.target))
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) isActive(q *readyQueue, a *ActionEntity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return q.active == a
}

// release clears the target if a is still its active action.
func (s *Scheduler) release(q *readyQueue, a *ActionEntity) {
	s.mu.Lock()
	if q.active == a {
		q.active = nil
		signal(q.released)
	}
	s.mu.Unlock()
}

// HandleEvent applies a start, complete or failed notification to the
// target's active action.
func (s *Scheduler) HandleEvent(n Notification) error {
	s.mu.Lock()
	q, ok := s.queues[n.Target]
	if !ok || q.active == nil || q.active.ID != n.ActionID {
		s.mu.Unlock()
		s.logger.Warn("ignoring notification for inactive action",
			"type", n.Type, "target", n.Target, "action_id", n.ActionID)
		return fmt.Errorf("%w: %s %s on %s", ErrUnexpectedNotification, n.Type, n.ActionID, n.Target)
	}
	a := q.active

	switch n.Type {
	case NotifyStart:
		a.setState(ActionStarted)
		s.mu.Unlock()
		return nil

	case NotifyComplete:
		a.setState(ActionComplete)
		for _, c := range a.children {
			if c.State() == ActionPending && c.eligible() {
				s.enqueueLocked(c)
			}
		}
		q.active = nil
		signal(q.released)
		signal(q.wake)

		r := a.routine
		r.mu.Lock()
		r.remaining--
		last := r.remaining == 0
		r.mu.Unlock()
		if last {
			delete(s.routines, r.ID)
		}
		s.mu.Unlock()

		if last && r.finish(nil) {
			s.logger.Debug("routine complete", "routine_id", r.ID)
		}
		return nil

	case NotifyFailed:
		s.mu.Unlock()
		reason := n.Error
		if reason == "" {
			reason = "device reported failure"
		}
		s.fail(a, fmt.Errorf("action %s on %s: %s", a.ID, n.Target, reason))
		return nil

	default:
		s.mu.Unlock()
		return fmt.Errorf("scheduler: unknown notification type %q", n.Type)
	}
}

// fail marks a failed, releases its target and aborts the routine.
func (s *Scheduler) fail(a *ActionEntity, err error) {
	a.setState(ActionFailed)
	s.logger.Error("action failed",
		"routine_id", a.routine.ID,
		"action_id", a.ID,
		"target", a.Target,
		"error", err,
	)
	s.Abort(a.routine.ID, err)
}

// halt ends a's sequence early. a and the rest of its sequence count as
// settled for the AND-join, so sibling branches and whatever follows the
// enclosing block still run. A halt in the top-level sequence ends the
// routine with ErrHalted.
func (s *Scheduler) halt(q *readyQueue, a *ActionEntity) {
	r := a.routine
	a.setState(ActionHalted)
	if a.topLevel() {
		s.Abort(r.ID, ErrHalted)
		return
	}

	s.mu.Lock()
	if _, ok := s.routines[r.ID]; !ok {
		s.mu.Unlock()
		return
	}
	if q.active == a {
		q.active = nil
		signal(q.released)
		signal(q.wake)
	}
	done := append([]*ActionEntity{a}, a.rest()...)
	for _, d := range done[1:] {
		d.setState(ActionSkipped)
	}
	for _, d := range done {
		for _, c := range d.children {
			if c.State() == ActionPending && c.eligible() {
				s.enqueueLocked(c)
			}
		}
	}

	r.mu.Lock()
	r.remaining -= len(done)
	last := r.remaining == 0
	r.mu.Unlock()
	if last {
		delete(s.routines, r.ID)
	}
	s.mu.Unlock()

	s.logger.Debug("sequence halted", "routine_id", r.ID, "action_id", a.ID, "skipped", len(done)-1)
	if last {
		r.finish(nil)
	}
}

// Abort ends a routine: pending actions never start and every target it
// holds is released. It is a no-op for unknown routines.
func (s *Scheduler) Abort(routineID string, err error) {
	s.mu.Lock()
	r, ok := s.routines[routineID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.routines, routineID)
	for _, q := range s.queues {
		if q.active != nil && q.active.routine == r {
			q.active = nil
			signal(q.released)
			signal(q.wake)
		}
	}
	s.mu.Unlock()

	r.finish(err)
}

// Stop aborts the routine with ErrStopped.
func (s *Scheduler) Stop(routineID string) {
	s.Abort(routineID, ErrStopped)
}

// Active returns the ids of running routines.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.routines))
	for id := range s.routines {
		out = append(out, id)
	}
	return out
}

// QueueView is a point-in-time view of one target's queue.
type QueueView struct {
	Target  string   `json:"target"`
	Active  string   `json:"active,omitempty"`
	Pending []string `json:"pending,omitempty"`
}

// Queues returns a snapshot of every ready queue.
func (s *Scheduler) Queues() []QueueView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueView, 0, len(s.queues))
	for _, q := range s.queues {
		v := QueueView{Target: q.target, Pending: ids(q.pending)}
		if q.active != nil {
			v.Active = q.active.ID
		}
		out = append(out, v)
	}
	return out
}

// Close aborts every routine and stops the workers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	var ids []string
	for id := range s.routines {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Abort(id, ErrStopped)
	}
	s.cancel()
	s.wg.Wait()
}
