package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wait(t *testing.T, h *Handle) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := h.Wait(ctx)
	require.NoError(t, err)
	return o
}

func TestOutcomeStates(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		work  Work
		state State
		err   error
	}{
		{
			name:  "success",
			work:  func(context.Context) error { return nil },
			state: Succeeded,
		},
		{
			name:  "failure",
			work:  func(context.Context) error { return boom },
			state: Failed,
			err:   boom,
		},
		{
			name:  "stopped",
			work:  func(context.Context) error { return fmt.Errorf("search: %w", ErrStopped) },
			state: Stopped,
			err:   ErrStopped,
		},
		{
			name:  "context canceled",
			work:  func(context.Context) error { return context.Canceled },
			state: Stopped,
			err:   context.Canceled,
		},
	}

	r := NewRunner(2)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := r.Submit(tt.name, tt.work)
			require.NoError(t, err)

			o := wait(t, h)
			assert.Equal(t, tt.state, o.State)
			if tt.err == nil {
				assert.NoError(t, o.Err)
			} else {
				assert.ErrorIs(t, o.Err, tt.err)
			}
			assert.False(t, o.Started.IsZero())
			assert.False(t, o.Finished.Before(o.Started))
		})
	}
}

func TestPanicIsCaptured(t *testing.T) {
	r := NewRunner(1)
	h, err := r.Submit("panics", func(context.Context) error {
		panic("kaboom")
	})
	require.NoError(t, err)

	o := wait(t, h)
	assert.Equal(t, Failed, o.State)

	var panicErr *PanicError
	require.ErrorAs(t, o.Err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)

	// The runner keeps working after a panic.
	h, err = r.Submit("after", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Succeeded, wait(t, h).State)
}

func TestSubmitWhileBusy(t *testing.T) {
	r := NewRunner(1)
	h := r.NewHandle("busy")

	release := make(chan struct{})
	require.NoError(t, h.Submit(func(context.Context) error {
		<-release
		return nil
	}))
	assert.True(t, h.Active())

	err := h.Submit(func(context.Context) error { return nil })
	var busy *TaskBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, h.ID(), busy.ID)
	assert.Equal(t, "busy", busy.Name)

	close(release)
	assert.Equal(t, Succeeded, wait(t, h).State)
	assert.False(t, h.Active())

	// Once finished the handle accepts new work.
	require.NoError(t, h.Submit(func(context.Context) error { return errors.New("second") }))
	assert.Equal(t, Failed, wait(t, h).State)
}

func TestRequestStopWhileRunning(t *testing.T) {
	r := NewRunner(1)
	started := make(chan struct{})
	h, err := r.Submit("stoppable", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	h.RequestStop()

	o := wait(t, h)
	assert.Equal(t, Stopped, o.State)
	assert.True(t, h.StopRequested())
}

func TestRequestStopWhileQueued(t *testing.T) {
	r := NewRunner(1)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker, err := r.Submit("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	ran := false
	queued, err := r.Submit("queued", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)

	queued.RequestStop()
	o := wait(t, queued)
	assert.Equal(t, Stopped, o.State)
	assert.ErrorIs(t, o.Err, ErrStopped)
	assert.True(t, o.Started.IsZero())
	assert.Zero(t, o.Duration())

	close(release)
	wait(t, blocker)
	r.Wait()
	assert.False(t, ran)
}

func TestOnDropped(t *testing.T) {
	r := NewRunner(1)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker, err := r.Submit("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	dropped := false
	queued := r.NewHandle("queued")
	require.NoError(t, queued.Submit(func(context.Context) error { return nil }, OnDropped(func() {
		dropped = true
	})))
	queued.RequestStop()

	assert.Equal(t, Stopped, wait(t, queued).State)
	assert.True(t, dropped)

	close(release)
	wait(t, blocker)

	// Work that gets a worker is not dropped.
	dropped = false
	require.NoError(t, queued.Submit(func(context.Context) error { return nil }, OnDropped(func() {
		dropped = true
	})))
	assert.Equal(t, Succeeded, wait(t, queued).State)
	assert.False(t, dropped)
}

func TestWorkIgnoringStopRunsToCompletion(t *testing.T) {
	r := NewRunner(1)
	started := make(chan struct{})
	release := make(chan struct{})
	h, err := r.Submit("stubborn", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)

	<-started
	h.RequestStop()
	close(release)

	assert.Equal(t, Succeeded, wait(t, h).State)
}

func TestWorkersAreBounded(t *testing.T) {
	const workers = 2
	r := NewRunner(workers)

	running := make(chan struct{}, 10)
	release := make(chan struct{})
	var handles []*Handle
	for i := range 5 {
		h, err := r.Submit(fmt.Sprintf("w%d", i), func(context.Context) error {
			running <- struct{}{}
			<-release
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	for range workers {
		<-running
	}
	select {
	case <-running:
		t.Fatal("more than the allowed number of workers started")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	r.Wait()
	for _, h := range handles {
		o, ok := h.Outcome()
		require.True(t, ok)
		assert.Equal(t, Succeeded, o.State)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	r := NewRunner(1)
	release := make(chan struct{})
	defer close(release)

	h, err := r.Submit("slow", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := h.Outcome()
	assert.False(t, ok)
}

func TestIdleHandle(t *testing.T) {
	r := NewRunner(1)
	h := r.NewHandle("idle")

	assert.False(t, h.Active())
	select {
	case <-h.Done():
	default:
		t.Fatal("idle handle is not done")
	}

	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoOutcome)

	// Stopping an idle handle does nothing.
	h.RequestStop()
	assert.False(t, h.StopRequested())
}

func TestHandlesAndDiscard(t *testing.T) {
	r := NewRunner(1)
	a := r.NewHandle("a")
	b := r.NewHandle("b")
	c := r.NewHandle("c")

	assert.Equal(t, []*Handle{a, b, c}, r.Handles())
	assert.NotEqual(t, a.ID(), b.ID())

	release := make(chan struct{})
	require.NoError(t, b.Submit(func(context.Context) error {
		<-release
		return nil
	}))

	var busy *TaskBusyError
	require.ErrorAs(t, r.Discard(b), &busy)

	require.NoError(t, r.Discard(a))
	assert.Equal(t, []*Handle{b, c}, r.Handles())

	close(release)
	wait(t, b)
	require.NoError(t, r.Discard(b))
	assert.Equal(t, []*Handle{c}, r.Handles())

	// The outcome stays queryable after discarding.
	o, ok := b.Outcome()
	require.True(t, ok)
	assert.Equal(t, Succeeded, o.State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "succeeded", Succeeded.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
