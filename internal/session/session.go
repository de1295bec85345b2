// Package session drives one search engine on a background worker and
// persists its parameters.
package session

import (
	"context"
	"sync"

	"github.com/jparise/treegrep/internal/params"
	"github.com/jparise/treegrep/internal/search"
	"github.com/jparise/treegrep/internal/task"
)

// Session owns an engine and the task handle its work runs on. Start,
// Resume, LoadParameters and SaveParameters return as soon as the work is
// submitted; Wait collects the result.
type Session struct {
	engine *search.Engine
	runner *task.Runner
	handle *task.Handle

	mu     sync.Mutex
	params params.Parameters
	status search.Status
}

// New creates a session whose searches report to sink.
func New(runner *task.Runner, sink search.Sink, opts ...search.Option) *Session {
	return &Session{
		engine: search.NewEngine(sink, opts...),
		runner: runner,
		handle: runner.NewHandle("search"),
		params: params.Default(),
	}
}

// Start begins a new search. Invalid parameters are reported immediately and
// nothing is submitted.
func (s *Session) Start(p params.Parameters) (*task.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIdle(); err != nil {
		return nil, err
	}
	if err := s.engine.Start(p); err != nil {
		return nil, err
	}
	s.params = p.Clone()
	return s.handle, s.submitRun()
}

// Resume continues a paused search.
func (s *Session) Resume(opt search.ResumeOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIdle(); err != nil {
		return err
	}
	if err := s.engine.Resume(opt); err != nil {
		return err
	}
	return s.submitRun()
}

// Cancel asks the running search to stop at its next checkpoint.
func (s *Session) Cancel() error {
	if err := s.engine.Cancel(); err != nil {
		return err
	}
	s.handle.RequestStop()
	return nil
}

// Wait blocks until the submitted work finishes. For a search it returns
// the run's terminal status, once; for parameter work it returns the error,
// if any.
func (s *Session) Wait(ctx context.Context) (search.Status, error) {
	o, err := s.handle.Wait(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	status := s.status
	s.status = nil
	s.mu.Unlock()

	if status != nil {
		return status, nil
	}
	if o.State == task.Failed {
		return nil, o.Err
	}
	return nil, nil
}

// LoadParameters reads parameters from path in the background. They are
// available from Parameters once Wait returns without error.
func (s *Session) LoadParameters(path string) error {
	return s.submit(func(context.Context) error {
		p, err := params.LoadFile(path)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.params = p
		s.mu.Unlock()
		return nil
	})
}

// SaveParameters validates p and writes it to path in the background.
func (s *Session) SaveParameters(path string, p params.Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.Clone()
	return s.submit(func(context.Context) error {
		if err := params.SaveFile(path, p); err != nil {
			return err
		}
		s.mu.Lock()
		s.params = p
		s.mu.Unlock()
		return nil
	})
}

// Parameters returns the parameters of the last start, load or save.
func (s *Session) Parameters() params.Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// Snapshot reports the engine's progress.
func (s *Session) Snapshot() search.Snapshot {
	return s.engine.Snapshot()
}

// Handle returns the task handle the session submits to.
func (s *Session) Handle() *task.Handle {
	return s.handle
}

// Close releases the session's handle. It fails while work is active.
func (s *Session) Close() error {
	return s.runner.Discard(s.handle)
}

func (s *Session) submit(work task.Work) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIdle(); err != nil {
		return err
	}
	s.status = nil
	return s.handle.Submit(work)
}

// checkIdle fails while earlier work is still active. The caller holds s.mu,
// which serializes submissions, so a successful check guarantees the next
// Submit succeeds.
func (s *Session) checkIdle() error {
	if s.handle.Active() {
		return &task.TaskBusyError{ID: s.handle.ID(), Name: s.handle.Name()}
	}
	return nil
}

// submitRun submits the prepared engine run. The caller holds s.mu. A run
// stopped before it reaches a worker still settles the engine, so every run
// reports exactly one status.
func (s *Session) submitRun() error {
	s.status = nil
	return s.handle.Submit(func(ctx context.Context) error {
		status := s.engine.Run(ctx)
		s.setStatus(status)

		switch st := status.(type) {
		case search.StatusCancelled:
			return task.ErrStopped
		case search.StatusFailed:
			return st.Cause
		}
		return nil
	}, task.OnDropped(func() {
		if status, err := s.engine.Abort(); err == nil {
			s.setStatus(status)
		}
	}))
}

func (s *Session) setStatus(status search.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
