// Package task runs units of work on a bounded pool of background workers
// with cooperative cancellation.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Work is a unit of work. It should return promptly once ctx is done.
type Work func(ctx context.Context) error

// ErrStopped may be returned by Work to report that it honoured a stop
// request.
var ErrStopped = errors.New("task stopped")

// ErrNoOutcome is returned by Handle.Wait when nothing was ever submitted.
var ErrNoOutcome = errors.New("task has no outcome")

// State is how a unit of work ended.
type State int

const (
	Succeeded State = iota
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome describes a finished unit of work. Err is nil on success.
type Outcome struct {
	State    State
	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration is how long the work ran, excluding time spent queued.
func (o Outcome) Duration() time.Duration {
	if o.Started.IsZero() {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

// TaskBusyError is returned when a handle already has active work.
type TaskBusyError struct {
	ID   uuid.UUID
	Name string
}

func (e *TaskBusyError) Error() string {
	return fmt.Sprintf("task %s (%s) is busy", e.Name, e.ID)
}

// PanicError is the failure recorded when work panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Runner executes work with at most a fixed number of units running at once.
type Runner struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	handles []*Handle
}

// NewRunner creates a runner with the given number of workers.
func NewRunner(workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{sem: semaphore.NewWeighted(int64(workers))}
}

// NewHandle registers a new idle handle.
func (r *Runner) NewHandle(name string) *Handle {
	done := make(chan struct{})
	close(done)

	h := &Handle{
		id:     uuid.New(),
		name:   name,
		runner: r,
		done:   done,
	}

	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	return h
}

// Submit creates a handle and submits work to it.
func (r *Runner) Submit(name string, work Work) (*Handle, error) {
	h := r.NewHandle(name)
	if err := h.Submit(work); err != nil {
		return nil, err
	}
	return h, nil
}

// Handles returns the registered handles in creation order.
func (r *Runner) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Discard unregisters h. Active handles cannot be discarded.
func (r *Runner) Discard(h *Handle) error {
	if h.Active() {
		return &TaskBusyError{ID: h.id, Name: h.name}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, other := range r.handles {
		if other == h {
			r.handles = append(r.handles[:i], r.handles[i+1:]...)
			break
		}
	}
	return nil
}

// Wait blocks until all submitted work has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Handle tracks one logical sequence of work units. At most one unit runs on
// a handle at a time; the outcome of the last unit stays available until the
// next one is submitted.
type Handle struct {
	id     uuid.UUID
	name   string
	runner *Runner

	mu      sync.Mutex
	active  bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	outcome *Outcome
}

func (h *Handle) ID() uuid.UUID {
	return h.id
}

func (h *Handle) Name() string {
	return h.name
}

// SubmitOption configures a single Submit.
type SubmitOption func(*submission)

type submission struct {
	dropped func()
}

// OnDropped registers fn to run when the work is stopped before a worker
// picks it up. fn runs before Done is closed.
func OnDropped(fn func()) SubmitOption {
	return func(s *submission) {
		s.dropped = fn
	}
}

// Submit starts work in the background and returns immediately. Waiting for
// a free worker happens off the caller's goroutine.
func (h *Handle) Submit(work Work, opts ...SubmitOption) error {
	var sub submission
	for _, opt := range opts {
		opt(&sub)
	}

	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return &TaskBusyError{ID: h.id, Name: h.name}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.active = true
	h.stopped = false
	h.cancel = cancel
	h.done = done
	h.outcome = nil
	h.mu.Unlock()

	h.runner.wg.Add(1)
	go h.run(ctx, work, sub, done)
	return nil
}

func (h *Handle) run(ctx context.Context, work Work, sub submission, done chan struct{}) {
	defer h.runner.wg.Done()

	if err := h.runner.sem.Acquire(ctx, 1); err != nil {
		// Stopped while queued.
		if sub.dropped != nil {
			sub.dropped()
		}
		now := time.Now()
		h.finish(done, Outcome{State: Stopped, Err: ErrStopped, Finished: now})
		return
	}

	started := time.Now()
	err := call(ctx, work)
	finished := time.Now()
	h.runner.sem.Release(1)

	h.finish(done, Outcome{
		State:    h.classify(err),
		Err:      err,
		Started:  started,
		Finished: finished,
	})
}

func call(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return work(ctx)
}

func (h *Handle) classify(err error) State {
	var panicErr *PanicError
	switch {
	case err == nil:
		return Succeeded
	case errors.As(err, &panicErr):
		return Failed
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		return Stopped
	default:
		return Failed
	}
}

func (h *Handle) finish(done chan struct{}, o Outcome) {
	h.mu.Lock()
	h.outcome = &o
	h.active = false
	h.cancel()
	h.mu.Unlock()
	close(done)
}

// RequestStop cancels the context of the active unit, if any. Work that
// never checks its context runs to completion.
func (h *Handle) RequestStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active {
		h.stopped = true
		h.cancel()
	}
}

// StopRequested reports whether RequestStop was called for the current or
// most recent unit.
func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Done returns a channel closed when the current unit finishes. It is
// already closed when the handle is idle.
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Wait blocks until the current unit finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.Done():
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	o, ok := h.Outcome()
	if !ok {
		return Outcome{}, ErrNoOutcome
	}
	return o, nil
}

// Outcome returns the outcome of the most recent unit once it has finished.
func (h *Handle) Outcome() (Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome == nil {
		return Outcome{}, false
	}
	return *h.outcome, true
}

// Active reports whether a unit is queued or running.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}
