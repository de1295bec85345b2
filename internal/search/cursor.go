package search

import (
	"fmt"
	"path/filepath"
)

// frame is one directory level of the traversal. The bottom frame is
// synthetic: it has no dir and lists the roots themselves.
type frame struct {
	dir   string
	root  string
	names []string
	next  int
}

func (f *frame) isRoots() bool {
	return f.dir == ""
}

func (f *frame) path(name string) string {
	if f.isRoots() {
		return name
	}
	return filepath.Join(f.dir, name)
}

// openFile is the file currently being scanned.
type openFile struct {
	path  string
	width int
	// line is the number of lines already fully processed.
	line    int
	counted bool
}

// cursor is the resumable position of a search.
type cursor struct {
	stack   []*frame
	file    *openFile
	visited map[string]bool
}

func newCursor(roots []string) *cursor {
	names := make([]string, 0, len(roots))
	for _, r := range roots {
		names = append(names, filepath.Clean(r))
	}
	return &cursor{
		stack:   []*frame{{names: names}},
		visited: make(map[string]bool),
	}
}

func (c *cursor) top() *frame {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

func (c *cursor) push(f *frame) {
	c.stack = append(c.stack, f)
}

func (c *cursor) pop() {
	c.stack = c.stack[:len(c.stack)-1]
}

// markVisited records key and reports whether it was new.
func (c *cursor) markVisited(key string) bool {
	if c.visited[key] {
		return false
	}
	c.visited[key] = true
	return true
}

// check verifies the cursor's structural invariants.
func (c *cursor) check() error {
	if len(c.stack) == 0 && c.file != nil {
		return fmt.Errorf("open file %s without a directory frame", c.file.path)
	}
	for i, f := range c.stack {
		if f.next < 0 || f.next > len(f.names) {
			return fmt.Errorf("frame %d (%s) index %d out of range [0,%d]", i, f.dir, f.next, len(f.names))
		}
		if i > 0 && f.isRoots() {
			return fmt.Errorf("frame %d has no directory", i)
		}
	}
	if c.file != nil && c.file.line < 0 {
		return fmt.Errorf("negative line offset %d in %s", c.file.line, c.file.path)
	}
	return nil
}

// apply moves the cursor according to a resume option. RestartSearch is
// handled by the engine, which builds a new cursor.
func (c *cursor) apply(opt ResumeOption) error {
	switch opt {
	case ContinueFile:
		// The open file, if any, is re-opened at its recorded line.
	case SkipFile:
		c.file = nil
	case SkipDirectory:
		c.file = nil
		// Skipping the list of roots would end the search, so at the
		// bottom frame this only skips the file.
		if top := c.top(); top != nil && !top.isRoots() {
			c.pop()
		}
	default:
		return fmt.Errorf("unsupported resume option %v", opt)
	}
	return nil
}
