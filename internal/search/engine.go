// Package search implements a resumable recursive regular expression search
// over file trees.
package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jparise/treegrep/internal/filter"
	"github.com/jparise/treegrep/internal/params"
	"github.com/karrick/godirwalk"
)

// DefaultCheckpointInterval is the number of matches within one file after
// which a stop request is observed at the next line boundary.
const DefaultCheckpointInterval = 64

// Option configures an Engine.
type Option func(*Engine)

// WithTabTable makes the engine resolve tab widths from table instead of
// building a table from each run's parameters.
func WithTabTable(table *filter.Table) Option {
	return func(e *Engine) {
		e.fixedTable = table
	}
}

// WithCheckpointInterval sets the number of matches between in-file
// checkpoints.
func WithCheckpointInterval(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.checkpointEvery = n
		}
	}
}

// Engine searches file trees for a pattern. Start and Resume prepare a run
// and return immediately; Run executes it on the calling goroutine. Cancel
// and Snapshot may be called from any goroutine.
type Engine struct {
	sink            Sink
	fixedTable      *filter.Table
	checkpointEvery int

	mu     sync.Mutex
	phase  Phase
	last   Status
	active bool

	// Owned by the goroutine executing Run while the phase is Running.
	params  params.Parameters
	re      *regexp.Regexp
	table   *filter.Table
	include filter.Set
	exclude filter.Set
	matcher filter.Matcher
	cur     *cursor
	scratch []byte

	stop    atomic.Bool
	matches atomic.Int64
	files   atomic.Int64
	skipped atomic.Int64
}

// NewEngine creates an idle engine that reports to sink.
func NewEngine(sink Sink, opts ...Option) *Engine {
	if sink == nil {
		sink = SinkFuncs{}
	}
	e := &Engine{
		sink:            sink,
		checkpointEvery: DefaultCheckpointInterval,
		scratch:         make([]byte, godirwalk.MinimumScratchBufferSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates p and prepares a new run seeded from p.Roots. Invalid
// parameters are reported here and leave the engine unchanged.
func (e *Engine) Start(p params.Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	re, err := p.Pattern.Compile()
	if err != nil {
		return err
	}
	table := e.fixedTable
	if table == nil {
		if table, err = p.TabTable(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == Running {
		return &IllegalStateError{Op: "start", Phase: e.phase}
	}

	e.params = p.Clone()
	e.re = re
	e.table = table
	e.include = filter.Set(e.params.Include)
	e.exclude = filter.Set(e.params.Exclude)
	e.matcher = e.params.Matcher()
	e.reset()
	e.phase = Running
	e.last = nil
	return nil
}

// Resume prepares the continuation of a paused run.
func (e *Engine) Resume(opt ResumeOption) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != Paused || e.cur == nil {
		return &IllegalStateError{Op: "resume", Phase: e.phase}
	}

	if opt == RestartSearch {
		e.reset()
	} else if err := e.cur.apply(opt); err != nil {
		return err
	}

	e.stop.Store(false)
	e.phase = Running
	e.last = nil
	return nil
}

// Cancel asks the running search to stop at its next checkpoint.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != Running {
		return &IllegalStateError{Op: "cancel", Phase: e.phase}
	}
	e.stop.Store(true)
	return nil
}

// Abort settles a prepared run that will never execute, as though it had
// been cancelled at its first checkpoint. It returns the resulting status.
func (e *Engine) Abort() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != Running || e.active {
		return nil, &IllegalStateError{Op: "abort", Phase: e.phase}
	}
	status := StatusCancelled{Resumable: true}
	e.phase = Paused
	e.last = status
	return status, nil
}

// Snapshot returns the current phase and counters.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Snapshot{
		Phase:   e.phase,
		Matches: e.matches.Load(),
		Files:   e.files.Load(),
		Skipped: e.skipped.Load(),
		Status:  e.last,
	}
}

// Run executes the prepared run until the roots are exhausted, a checkpoint
// observes a stop request (from Cancel or ctx), or a fault occurs.
func (e *Engine) Run(ctx context.Context) (status Status) {
	e.mu.Lock()
	if e.phase != Running || e.active {
		phase := e.phase
		e.mu.Unlock()
		return StatusFailed{Cause: &IllegalStateError{Op: "run", Phase: phase}}
	}
	e.active = true
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			status = StatusFailed{Cause: &EngineFault{Reason: fmt.Sprintf("panic: %v", r)}}
		}
		e.finish(status)
	}()

	return e.traverse(ctx)
}

// reset discards the cursor and counters. The caller holds e.mu.
func (e *Engine) reset() {
	e.cur = newCursor(e.params.Roots)
	e.stop.Store(false)
	e.matches.Store(0)
	e.files.Store(0)
	e.skipped.Store(0)
}

func (e *Engine) finish(status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch status.(type) {
	case StatusCompleted:
		e.phase = Completed
		e.cur = nil
	case StatusCancelled:
		e.phase = Paused
	default:
		e.phase = Failed
		e.cur = nil
	}
	e.last = status
	e.active = false
}

func (e *Engine) stopRequested(ctx context.Context) bool {
	return e.stop.Load() || ctx.Err() != nil
}

func (e *Engine) skip(path string, err error) {
	e.skipped.Add(1)
	e.sink.Skip(FileSkipped{Path: path, Err: err})
}

func (e *Engine) traverse(ctx context.Context) Status {
	c := e.cur
	if err := c.check(); err != nil {
		return StatusFailed{Cause: &EngineFault{Reason: err.Error()}}
	}

	for {
		if c.file != nil {
			// Start-of-file checkpoint.
			if e.stopRequested(ctx) {
				return StatusCancelled{Resumable: true}
			}
			if e.scanFile(ctx, c.file) {
				return StatusCancelled{Resumable: true}
			}
			continue
		}

		top := c.top()
		if top == nil {
			return StatusCompleted{Matches: e.matches.Load(), Files: e.files.Load()}
		}
		if top.next >= len(top.names) {
			c.pop()
			continue
		}

		// Start-of-entry checkpoint, taken before the entry is consumed so
		// that a resumed run visits it.
		if e.stopRequested(ctx) {
			return StatusCancelled{Resumable: true}
		}

		name := top.names[top.next]
		top.next++
		if err := e.visit(top, name); err != nil {
			return StatusFailed{Cause: &EngineFault{Reason: err.Error()}}
		}
	}
}

// visit handles one directory entry: directories are pushed as new frames,
// files become the cursor's open file, anything else is ignored.
func (e *Engine) visit(parent *frame, name string) error {
	c := e.cur
	p := parent.path(name)

	root := parent.root
	if parent.isRoots() {
		root = p
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		rel = filepath.Base(p)
	}

	// Roots are never filtered. Excludes apply to every entry, includes
	// only to files; an entry matching both is excluded.
	filtered := !parent.isRoots()
	if filtered && len(e.exclude) > 0 && e.exclude.Match(e.matcher, rel, e.params.FullPath) {
		return nil
	}

	info, err := os.Stat(p)
	if err != nil {
		if !filtered || e.included(rel) {
			e.skip(p, err)
		}
		return nil
	}

	key := visitKey(p)

	switch {
	case info.IsDir():
		if filtered && !e.params.Recursive {
			return nil
		}
		if !c.markVisited(key) {
			return nil
		}
		names, err := godirwalk.ReadDirnames(p, e.scratch)
		if err != nil {
			e.skip(p, err)
			return nil
		}
		// Sorted so that a resumed run sees the same order.
		slices.Sort(names)
		c.push(&frame{dir: p, root: root, names: names})

	case info.Mode().IsRegular():
		if filtered && !e.included(rel) {
			return nil
		}
		if !e.eligible(info) {
			return nil
		}
		if !c.markVisited(key) {
			return nil
		}
		width, ok := e.table.ResolvePath(rel, e.params.FullPath)
		if !ok {
			width = e.params.DefaultTabWidth
		}
		c.file = &openFile{path: p, width: width}
	}

	return c.check()
}

func (e *Engine) included(rel string) bool {
	return len(e.include) == 0 || e.include.Match(e.matcher, rel, e.params.FullPath)
}

// eligible applies the size and modification time limits.
func (e *Engine) eligible(info os.FileInfo) bool {
	p := &e.params
	if p.MinSize > 0 && info.Size() < p.MinSize {
		return false
	}
	if p.MaxSize > 0 && info.Size() > p.MaxSize {
		return false
	}
	if p.ChangedAfter != nil && info.ModTime().Before(*p.ChangedAfter) {
		return false
	}
	if p.ChangedBefore != nil && info.ModTime().After(*p.ChangedBefore) {
		return false
	}
	return true
}

// visitKey identifies a path for de-duplication, following symlinks so
// that loops and aliased roots are only visited once.
func visitKey(p string) string {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		p = real
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return p
}
