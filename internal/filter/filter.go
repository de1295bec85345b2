// Package filter implements filename filters and the tab width table that
// resolves per-file display attributes from them.
package filter

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
)

// ConfigurationError reports a malformed filter, pattern or parameter value.
// It is always detected before a search starts.
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Matcher matches filenames against glob filters. The case toggle is fixed at
// construction so that matching is deterministic for the duration of a search.
type Matcher struct {
	IgnoreCase bool
}

// Match reports whether name matches the glob pattern.
func (m Matcher) Match(pattern, name string) (bool, error) {
	if m.IgnoreCase {
		pattern = strings.ToLower(pattern)
		name = strings.ToLower(name)
	}

	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		return false, fmt.Errorf("pattern %q failed to match %q: %w", pattern, name, err)
	}
	return matched, nil
}

// Set is an ordered list of filename filters combined with OR semantics.
type Set []string

// ParseSet splits a filter specification on whitespace and commas. A
// specification without any non-empty filter is rejected, as is any filter
// that is not a valid glob.
func ParseSet(spec string) (Set, error) {
	fields := strings.FieldsFunc(spec, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	if len(fields) == 0 {
		return nil, &ConfigurationError{
			Field: "filter",
			Value: spec,
			Err:   fmt.Errorf("no filters given"),
		}
	}

	set := make(Set, 0, len(fields))
	for _, f := range fields {
		if err := ValidateFilter(f); err != nil {
			return nil, err
		}
		set = append(set, f)
	}
	return set, nil
}

// ValidateFilter checks that a single filter is a usable glob.
func ValidateFilter(f string) error {
	if strings.TrimSpace(f) == "" {
		return &ConfigurationError{Field: "filter", Value: f, Err: fmt.Errorf("empty filter")}
	}
	if !doublestar.ValidatePattern(f) {
		return &ConfigurationError{Field: "filter", Value: f, Err: doublestar.ErrBadPattern}
	}
	return nil
}

// Match reports whether p matches any filter in the set. Filters are matched
// against the base name of p unless they contain a slash or fullPath is set,
// in which case the whole slash-separated path is used.
func (s Set) Match(m Matcher, p string, fullPath bool) bool {
	p = filepath.ToSlash(p)
	base := path.Base(p)

	for _, f := range s {
		subject := base
		if fullPath || strings.Contains(f, "/") {
			subject = p
		}
		// Filters are validated on construction, so an error here means the
		// filter cannot match anything.
		if ok, err := m.Match(f, subject); err == nil && ok {
			return true
		}
	}
	return false
}

// String renders the set in the form accepted by ParseSet.
func (s Set) String() string {
	return strings.Join(s, " ")
}
