// Package output renders search results and diagnostics for a terminal.
package output

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/jparise/treegrep/internal/search"
	"github.com/mgutz/ansi"
)

// Output handles all output formatting with optional color and hyperlink
// support. It implements search.Sink.
type Output struct {
	mu         sync.Mutex
	stdout     io.Writer
	stderr     io.Writer
	hostname   string
	hyperlinks bool

	cyan   func(string) string
	green  func(string) string
	white  func(string) string
	yellow func(string) string
	red    func(string) string
}

// NewOutput creates a new Output with optional color and hyperlink support.
func NewOutput(stdout, stderr io.Writer, colorize, hyperlinks bool) *Output {
	hostname, _ := os.Hostname()

	color := func(name string) func(string) string {
		if colorize {
			return ansi.ColorFunc(name)
		}
		return ansi.ColorFunc("")
	}

	return &Output{
		stdout:     stdout,
		stderr:     stderr,
		hostname:   hostname,
		hyperlinks: hyperlinks,
		cyan:       color("cyan"),
		green:      color("green+b"),
		white:      color("white"),
		yellow:     color("yellow"),
		red:        color("red+b"),
	}
}

func makeHyperlink(url, text string) string {
	return fmt.Sprintf("\033]8;;%s\033\\%s\033]8;;\033\\", url, text)
}

// fileURL returns a file:// URL for path on this host.
func (o *Output) fileURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := url.URL{Scheme: "file", Host: o.hostname, Path: filepath.ToSlash(path)}
	return u.String()
}

// Match writes a result in the format: path:line:column:context, with the
// matched text highlighted.
func (o *Output) Match(r search.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	location := o.cyan(r.Path)
	if o.hyperlinks {
		location = makeHyperlink(o.fileURL(r.Path), location)
	}

	line := r.Context
	if end := r.Offset + len(r.Text); r.Offset >= 0 && end <= len(line) && r.Text != "" {
		line = line[:r.Offset] + o.red(r.Text) + line[end:]
	}

	fmt.Fprintf(o.stdout, "%s:%s:%s:%s\n",
		location,
		o.green(fmt.Sprint(r.Line)),
		o.white(fmt.Sprint(r.Column)),
		line)
}

// Accept implements search.Sink.
func (o *Output) Accept(r search.Result) {
	o.Match(r)
}

// Skip implements search.Sink by reporting the skipped path as a warning.
func (o *Output) Skip(s search.FileSkipped) {
	o.Warningf("skipped %s: %v", s.Path, s.Err)
}

// Summary writes the terminal status of a run to stderr.
func (o *Output) Summary(status search.Status) {
	switch st := status.(type) {
	case search.StatusCompleted:
		o.Infof("%d %s in %d %s",
			st.Matches, plural(st.Matches, "match", "matches"),
			st.Files, plural(st.Files, "file", "files"))
	case search.StatusCancelled:
		if st.Resumable {
			o.Warningf("Search cancelled; it can be resumed")
		} else {
			o.Warningf("Search cancelled")
		}
	case search.StatusFailed:
		o.Errorf("%v", st.Cause)
	}
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// Warningf writes a warning to stderr.
func (o *Output) Warningf(format string, args ...any) {
	o.diag(o.yellow("Warning: "), format, args)
}

// Errorf writes an error to stderr.
func (o *Output) Errorf(format string, args ...any) {
	o.diag(o.red("Error: "), format, args)
}

// Infof writes an unprefixed message to stderr.
func (o *Output) Infof(format string, args ...any) {
	o.diag("", format, args)
}

func (o *Output) diag(prefix, format string, args []any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.stderr, prefix+format+"\n", args...)
}
