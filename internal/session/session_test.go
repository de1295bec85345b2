package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jparise/treegrep/internal/filter"
	"github.com/jparise/treegrep/internal/params"
	"github.com/jparise/treegrep/internal/search"
	"github.com/jparise/treegrep/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	results []search.Result
}

func (c *collector) Accept(r search.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) Skip(search.FileSkipped) {}

func (c *collector) lines() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, r := range c.results {
		out = append(out, r.Line)
	}
	return out
}

func testParams(t *testing.T, content string) params.Parameters {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte(content), 0o644))

	p := params.Default()
	p.Roots = []string{root}
	p.Pattern.Text = "TODO"
	return p
}

func waitStatus(t *testing.T, s *Session) search.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := s.Wait(ctx)
	require.NoError(t, err)
	return status
}

func TestStartAndWait(t *testing.T) {
	sink := &collector{}
	s := New(task.NewRunner(2), sink)

	h, err := s.Start(testParams(t, "a\nTODO\nb\nTODO\n"))
	require.NoError(t, err)
	assert.Equal(t, s.Handle(), h)

	assert.Equal(t, search.StatusCompleted{Matches: 2, Files: 1}, waitStatus(t, s))
	assert.Equal(t, []int{2, 4}, sink.lines())
	assert.Equal(t, search.Completed, s.Snapshot().Phase)

	o, ok := h.Outcome()
	require.True(t, ok)
	assert.Equal(t, task.Succeeded, o.State)

	// The status is delivered once per run.
	status, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestStartRejectsInvalidParameters(t *testing.T) {
	s := New(task.NewRunner(1), &collector{})

	p := testParams(t, "TODO\n")
	p.Pattern.Text = "[unclosed"

	_, err := s.Start(p)
	var cfgErr *filter.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "pattern", cfgErr.Field)

	assert.False(t, s.Handle().Active())
	_, ok := s.Handle().Outcome()
	assert.False(t, ok, "work was submitted")
	assert.Equal(t, search.Idle, s.Snapshot().Phase)
}

func TestCancelAndResume(t *testing.T) {
	first := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var lines []int

	sink := search.SinkFuncs{OnResult: func(r search.Result) {
		mu.Lock()
		lines = append(lines, r.Line)
		mu.Unlock()
		once.Do(func() {
			close(first)
			<-release
		})
	}}

	s := New(task.NewRunner(1), sink, search.WithCheckpointInterval(1))
	_, err := s.Start(testParams(t, "TODO 1\nTODO 2\nTODO 3\n"))
	require.NoError(t, err)

	<-first
	require.NoError(t, s.Cancel())

	// A resume before the run has stopped is rejected.
	var busy *task.TaskBusyError
	require.ErrorAs(t, s.Resume(search.ContinueFile), &busy)
	close(release)

	assert.Equal(t, search.StatusCancelled{Resumable: true}, waitStatus(t, s))
	assert.Equal(t, search.Paused, s.Snapshot().Phase)
	o, _ := s.Handle().Outcome()
	assert.Equal(t, task.Stopped, o.State)

	require.NoError(t, s.Resume(search.ContinueFile))
	assert.Equal(t, search.StatusCompleted{Matches: 3, Files: 1}, waitStatus(t, s))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, lines)
}

func TestCancelWhenIdle(t *testing.T) {
	s := New(task.NewRunner(1), nil)

	var stateErr *search.IllegalStateError
	assert.ErrorAs(t, s.Cancel(), &stateErr)
	assert.ErrorAs(t, s.Resume(search.SkipFile), &stateErr)
}

func TestStartWhileBusy(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	sink := search.SinkFuncs{OnResult: func(search.Result) {
		once.Do(func() { <-release })
	}}

	s := New(task.NewRunner(1), sink)
	p := testParams(t, "TODO\n")
	_, err := s.Start(p)
	require.NoError(t, err)

	_, err = s.Start(p)
	var busy *task.TaskBusyError
	require.ErrorAs(t, err, &busy)
	require.ErrorAs(t, s.SaveParameters(filepath.Join(t.TempDir(), "p.yaml"), p), &busy)

	close(release)
	assert.Equal(t, search.StatusCompleted{Matches: 1, Files: 1}, waitStatus(t, s))
}

func TestSaveAndLoadParameters(t *testing.T) {
	runner := task.NewRunner(1)
	dir := t.TempDir()
	path := filepath.Join(dir, "search.toml")

	p := testParams(t, "TODO\n")
	p.Include = []string{"*.txt"}
	p.TabWidths = []string{"*.go:4"}

	saver := New(runner, nil)
	require.NoError(t, saver.SaveParameters(path, p))
	status, err := saver.Wait(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.True(t, params.Equal(p, saver.Parameters()))

	loader := New(runner, nil)
	require.NoError(t, loader.LoadParameters(path))
	_, err = loader.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, params.Equal(p, loader.Parameters()))
}

func TestLoadParametersFailure(t *testing.T) {
	s := New(task.NewRunner(1), nil)
	require.NoError(t, s.LoadParameters(filepath.Join(t.TempDir(), "missing.yaml")))

	_, err := s.Wait(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.True(t, params.Equal(params.Default(), s.Parameters()))
}

func TestParameterWorkReplacesUncollectedStatus(t *testing.T) {
	s := New(task.NewRunner(1), &collector{})

	h, err := s.Start(testParams(t, "TODO\n"))
	require.NoError(t, err)
	<-h.Done()

	require.NoError(t, s.LoadParameters(filepath.Join(t.TempDir(), "missing.yaml")))
	status, err := s.Wait(context.Background())
	assert.Nil(t, status)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCancelWhileQueued(t *testing.T) {
	runner := task.NewRunner(1)
	started := make(chan struct{})
	release := make(chan struct{})
	_, err := runner.Submit("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	sink := &collector{}
	s := New(runner, sink)
	_, err = s.Start(testParams(t, "TODO\n"))
	require.NoError(t, err)
	require.NoError(t, s.Cancel())

	assert.Equal(t, search.StatusCancelled{Resumable: true}, waitStatus(t, s))
	assert.Equal(t, search.Paused, s.Snapshot().Phase)
	assert.Empty(t, sink.lines())
	close(release)

	// The engine is not left running, so the search can continue.
	require.NoError(t, s.Resume(search.ContinueFile))
	assert.Equal(t, search.StatusCompleted{Matches: 1, Files: 1}, waitStatus(t, s))
	assert.Equal(t, []int{1}, sink.lines())
}

func TestSaveParametersValidates(t *testing.T) {
	s := New(task.NewRunner(1), nil)
	p := params.Default()

	var cfgErr *filter.ConfigurationError
	require.ErrorAs(t, s.SaveParameters(filepath.Join(t.TempDir(), "p.json"), p), &cfgErr)
	assert.Equal(t, "roots", cfgErr.Field)
	assert.False(t, s.Handle().Active())
}

func TestClose(t *testing.T) {
	runner := task.NewRunner(1)
	s := New(runner, nil)
	assert.Len(t, runner.Handles(), 1)

	require.NoError(t, s.Close())
	assert.Empty(t, runner.Handles())
}
