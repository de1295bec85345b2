package search

import (
	"context"
	"fmt"
	"strings"
)

// Phase is the lifecycle position of an Engine.
type Phase int

const (
	Idle Phase = iota
	Running
	// Paused is reached when a run is cancelled at a checkpoint. The cursor
	// is retained so the run can be resumed.
	Paused
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Status is the terminal status of one run: exactly one of StatusCompleted,
// StatusCancelled or StatusFailed.
type Status interface {
	fmt.Stringer
	terminal()
}

// StatusCompleted reports that every root was exhausted.
type StatusCompleted struct {
	Matches int64
	Files   int64
}

// StatusCancelled reports that the run stopped at a checkpoint.
type StatusCancelled struct {
	Resumable bool
}

// StatusFailed reports an unrecoverable error.
type StatusFailed struct {
	Cause error
}

func (StatusCompleted) terminal() {}
func (StatusCancelled) terminal() {}
func (StatusFailed) terminal()    {}

func (s StatusCompleted) String() string {
	return fmt.Sprintf("completed: %d matches in %d files", s.Matches, s.Files)
}

func (s StatusCancelled) String() string {
	if s.Resumable {
		return "cancelled (resumable)"
	}
	return "cancelled"
}

func (s StatusFailed) String() string {
	return fmt.Sprintf("failed: %v", s.Cause)
}

// ResumeOption selects how a paused run continues.
type ResumeOption int

const (
	// ContinueFile resumes at the first unprocessed line of the current file.
	ContinueFile ResumeOption = iota
	// SkipFile abandons the current file and moves to the next entry.
	SkipFile
	// SkipDirectory abandons the rest of the current directory.
	SkipDirectory
	// RestartSearch discards the cursor and starts again from the roots.
	RestartSearch
)

var resumeOptionNames = map[ResumeOption]string{
	ContinueFile:  "continue",
	SkipFile:      "skip-file",
	SkipDirectory: "skip-directory",
	RestartSearch: "restart",
}

func (o ResumeOption) String() string {
	if name, ok := resumeOptionNames[o]; ok {
		return name
	}
	return fmt.Sprintf("ResumeOption(%d)", int(o))
}

// ParseResumeOption parses the names produced by ResumeOption.String.
func ParseResumeOption(s string) (ResumeOption, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for opt, name := range resumeOptionNames {
		if name == s {
			return opt, nil
		}
	}
	return 0, fmt.Errorf("unknown resume option %q: must be one of continue, skip-file, skip-directory, or restart", s)
}

// Result is a single match. Results are never modified after being emitted.
type Result struct {
	Path string
	// Line is 1-based.
	Line int
	// Column is the 1-based display column of the match start, with tabs
	// expanded to the file's tab width.
	Column int
	Text   string
	Groups []string
	// Context is the line containing the match, or for a long line the
	// chunks around it. Offset is the byte offset of the match within it.
	Context string
	Offset  int
}

// FileSkipped is a non-fatal diagnostic for a path that could not be read.
type FileSkipped struct {
	Path string
	Err  error
}

func (s FileSkipped) Error() string {
	return fmt.Sprintf("%s: %v", s.Path, s.Err)
}

func (s FileSkipped) Unwrap() error {
	return s.Err
}

// Sink receives results and diagnostics in traversal order, on the goroutine
// running the search. A slow sink slows the search down.
type Sink interface {
	Accept(Result)
	Skip(FileSkipped)
}

// SinkFuncs adapts plain functions to a Sink. Nil functions discard.
type SinkFuncs struct {
	OnResult func(Result)
	OnSkip   func(FileSkipped)
}

func (s SinkFuncs) Accept(r Result) {
	if s.OnResult != nil {
		s.OnResult(r)
	}
}

func (s SinkFuncs) Skip(d FileSkipped) {
	if s.OnSkip != nil {
		s.OnSkip(d)
	}
}

// Event carries either a Result or a FileSkipped through a ChannelSink.
type Event struct {
	Result  *Result
	Skipped *FileSkipped
}

// ChannelSink forwards events over a bounded channel. Sends block while the
// channel is full, which applies backpressure to the search. Events are
// dropped once ctx is done.
type ChannelSink struct {
	ctx context.Context
	ch  chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(ctx context.Context, size int) *ChannelSink {
	return &ChannelSink{ctx: ctx, ch: make(chan Event, size)}
}

// Events returns the receive side of the channel.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close closes the channel. It must only be called once no search is
// writing to the sink.
func (s *ChannelSink) Close() {
	close(s.ch)
}

func (s *ChannelSink) Accept(r Result) {
	s.send(Event{Result: &r})
}

func (s *ChannelSink) Skip(d FileSkipped) {
	s.send(Event{Skipped: &d})
}

func (s *ChannelSink) send(ev Event) {
	select {
	case s.ch <- ev:
	case <-s.ctx.Done():
	}
}

// Snapshot is a point-in-time copy of an engine's progress.
type Snapshot struct {
	Phase   Phase
	Matches int64
	Files   int64
	Skipped int64
	// Status is the terminal status of the most recent run, or nil.
	Status Status
}
