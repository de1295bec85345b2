package filter

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Entry associates a tab width with a set of filename filters.
type Entry struct {
	Filters  Set
	TabWidth int
}

// ParseEntry parses an entry of the form "<filters>:<width>", for example
// "*.go *.c:4". The separator is the last colon in the string.
func ParseEntry(spec string) (Entry, error) {
	i := strings.LastIndex(spec, ":")
	if i < 0 {
		return Entry{}, &ConfigurationError{
			Field: "tab width entry",
			Value: spec,
			Err:   fmt.Errorf("missing ':' separator"),
		}
	}

	width, err := strconv.Atoi(strings.TrimSpace(spec[i+1:]))
	if err != nil {
		return Entry{}, &ConfigurationError{Field: "tab width entry", Value: spec, Err: err}
	}

	return NewEntry(spec[:i], width)
}

// NewEntry builds an entry from a filter specification and a width.
func NewEntry(filterSpec string, width int) (Entry, error) {
	if width < 0 {
		return Entry{}, &ConfigurationError{
			Field: "tab width",
			Value: strconv.Itoa(width),
			Err:   fmt.Errorf("must not be negative"),
		}
	}

	set, err := ParseSet(filterSpec)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Filters: set, TabWidth: width}, nil
}

// String renders the entry in the form accepted by ParseEntry.
func (e Entry) String() string {
	return fmt.Sprintf("%s:%d", e.Filters, e.TabWidth)
}

// CompareEntries orders entries by ascending tab width. Tables never sort
// themselves; callers that want width order sort with this function.
func CompareEntries(a, b Entry) int {
	return cmp.Compare(a.TabWidth, b.TabWidth)
}

// Table resolves a tab width for a path from an ordered list of entries.
// A Table must not be modified while a search is using it.
type Table struct {
	matcher Matcher
	entries []Entry
}

// NewTable creates an empty table using m for all filter matching.
func NewTable(m Matcher) *Table {
	return &Table{matcher: m}
}

// Add parses filterSpec and appends an entry with the given width.
func (t *Table) Add(filterSpec string, width int) error {
	e, err := NewEntry(filterSpec, width)
	if err != nil {
		return err
	}
	t.entries = append(t.entries, e)
	return nil
}

// AddEntry appends an already parsed entry.
func (t *Table) AddEntry(e Entry) {
	t.entries = append(t.entries, e)
}

// Entries returns a copy of the table's entries in table order.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Resolve returns the tab width of the first entry, in table order, whose
// filters match path. The second result is false when nothing matches.
func (t *Table) Resolve(path string) (int, bool) {
	return t.ResolvePath(path, false)
}

// ResolvePath is Resolve with the fullPath rule of Set.Match. Filters
// containing a slash match all of path, so callers pass a path relative to
// the search root.
func (t *Table) ResolvePath(path string, fullPath bool) (int, bool) {
	if t == nil {
		return 0, false
	}
	for _, e := range t.entries {
		if e.Filters.Match(t.matcher, path, fullPath) {
			return e.TabWidth, true
		}
	}
	return 0, false
}
