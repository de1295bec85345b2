// Package params holds the configuration of a single search run and its
// persisted form.
package params

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jparise/treegrep/internal/filter"
)

const (
	// DefaultTabWidth applies to files that no tab width entry matches.
	DefaultTabWidth = 8
	// DefaultMaxLineChunk bounds how much of a single line is held in memory.
	DefaultMaxLineChunk = 64 * 1024
)

// ErrInvalidPattern is wrapped by the configuration error returned for a
// regular expression that does not compile.
var ErrInvalidPattern = errors.New("pattern does not compile")

// Pattern is a regular expression and its compilation flags.
type Pattern struct {
	Text       string `json:"text" yaml:"text" toml:"text"`
	IgnoreCase bool   `json:"ignore_case" yaml:"ignore_case" toml:"ignore_case"`
	Multiline  bool   `json:"multiline" yaml:"multiline" toml:"multiline"`
	Literal    bool   `json:"literal" yaml:"literal" toml:"literal"`
}

// Expr returns the expression handed to the regexp compiler.
func (p Pattern) Expr() string {
	expr := p.Text
	if p.Literal {
		expr = regexp.QuoteMeta(expr)
	}

	var flags string
	if p.IgnoreCase {
		flags += "i"
	}
	if p.Multiline {
		flags += "m"
	}
	if flags != "" {
		expr = "(?" + flags + ")" + expr
	}
	return expr
}

// Compile compiles the pattern. Failures are configuration errors.
func (p Pattern) Compile() (*regexp.Regexp, error) {
	if p.Text == "" {
		return nil, &filter.ConfigurationError{
			Field: "pattern",
			Err:   fmt.Errorf("%w: empty pattern", ErrInvalidPattern),
		}
	}

	re, err := regexp.Compile(p.Expr())
	if err != nil {
		return nil, &filter.ConfigurationError{
			Field: "pattern",
			Value: p.Text,
			Err:   fmt.Errorf("%w: %v", ErrInvalidPattern, err),
		}
	}
	return re, nil
}

// Parameters configures one search run. A copy is taken when a search
// starts, so later edits never affect a running search.
type Parameters struct {
	Roots            []string   `json:"roots" yaml:"roots" toml:"roots"`
	Include          []string   `json:"include,omitempty" yaml:"include,omitempty" toml:"include,omitempty"`
	Exclude          []string   `json:"exclude,omitempty" yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	FilterIgnoreCase bool       `json:"filter_ignore_case" yaml:"filter_ignore_case" toml:"filter_ignore_case"`
	FullPath         bool       `json:"full_path" yaml:"full_path" toml:"full_path"`
	Pattern          Pattern    `json:"pattern" yaml:"pattern" toml:"pattern"`
	Recursive        bool       `json:"recursive" yaml:"recursive" toml:"recursive"`
	TabWidths        []string   `json:"tab_widths,omitempty" yaml:"tab_widths,omitempty" toml:"tab_widths,omitempty"`
	DefaultTabWidth  int        `json:"default_tab_width" yaml:"default_tab_width" toml:"default_tab_width"`
	MinSize          int64      `json:"min_size,omitempty" yaml:"min_size,omitempty" toml:"min_size,omitempty"`
	MaxSize          int64      `json:"max_size,omitempty" yaml:"max_size,omitempty" toml:"max_size,omitempty"`
	ChangedAfter     *time.Time `json:"changed_after,omitempty" yaml:"changed_after,omitempty" toml:"changed_after,omitempty"`
	ChangedBefore    *time.Time `json:"changed_before,omitempty" yaml:"changed_before,omitempty" toml:"changed_before,omitempty"`
	MaxLineChunk     int        `json:"max_line_chunk" yaml:"max_line_chunk" toml:"max_line_chunk"`
}

// Default returns parameters with every optional setting at its default.
func Default() Parameters {
	return Parameters{
		Recursive:       true,
		DefaultTabWidth: DefaultTabWidth,
		MaxLineChunk:    DefaultMaxLineChunk,
	}
}

// Clone returns a deep copy of p.
func (p Parameters) Clone() Parameters {
	c := p
	c.Roots = slices.Clone(p.Roots)
	c.Include = slices.Clone(p.Include)
	c.Exclude = slices.Clone(p.Exclude)
	c.TabWidths = slices.Clone(p.TabWidths)
	if p.ChangedAfter != nil {
		t := *p.ChangedAfter
		c.ChangedAfter = &t
	}
	if p.ChangedBefore != nil {
		t := *p.ChangedBefore
		c.ChangedBefore = &t
	}
	return c
}

// Matcher returns the filename matcher selected by the parameters.
func (p Parameters) Matcher() filter.Matcher {
	return filter.Matcher{IgnoreCase: p.FilterIgnoreCase}
}

// TabTable builds the tab width table described by TabWidths.
func (p Parameters) TabTable() (*filter.Table, error) {
	table := filter.NewTable(p.Matcher())
	for _, spec := range p.TabWidths {
		e, err := filter.ParseEntry(spec)
		if err != nil {
			return nil, err
		}
		table.AddEntry(e)
	}
	return table, nil
}

// Validate reports the first configuration problem in p.
func (p Parameters) Validate() error {
	if len(p.Roots) == 0 {
		return &filter.ConfigurationError{Field: "roots", Err: fmt.Errorf("at least one root is required")}
	}
	for _, root := range p.Roots {
		if strings.TrimSpace(root) == "" {
			return &filter.ConfigurationError{Field: "roots", Err: fmt.Errorf("empty root")}
		}
	}

	if _, err := p.Pattern.Compile(); err != nil {
		return err
	}

	for _, f := range slices.Concat(p.Include, p.Exclude) {
		if err := filter.ValidateFilter(f); err != nil {
			return err
		}
	}

	if _, err := p.TabTable(); err != nil {
		return err
	}

	if p.DefaultTabWidth < 0 {
		return &filter.ConfigurationError{
			Field: "default tab width",
			Value: fmt.Sprint(p.DefaultTabWidth),
			Err:   fmt.Errorf("must not be negative"),
		}
	}
	if p.MaxLineChunk <= 0 {
		return &filter.ConfigurationError{
			Field: "max line chunk",
			Value: fmt.Sprint(p.MaxLineChunk),
			Err:   fmt.Errorf("must be greater than 0"),
		}
	}
	if p.MinSize < 0 || p.MaxSize < 0 {
		return &filter.ConfigurationError{Field: "size", Err: fmt.Errorf("sizes cannot be negative")}
	}
	if p.MinSize > 0 && p.MaxSize > 0 && p.MinSize > p.MaxSize {
		return &filter.ConfigurationError{Field: "size", Err: fmt.Errorf("min size cannot be greater than max size")}
	}
	if p.ChangedAfter != nil && p.ChangedBefore != nil && p.ChangedAfter.After(*p.ChangedBefore) {
		return &filter.ConfigurationError{Field: "changed", Err: fmt.Errorf("changed-after cannot be later than changed-before")}
	}

	return nil
}

// Equal reports whether a and b describe the same search.
func Equal(a, b Parameters) bool {
	return slices.Equal(a.Roots, b.Roots) &&
		slices.Equal(a.Include, b.Include) &&
		slices.Equal(a.Exclude, b.Exclude) &&
		a.FilterIgnoreCase == b.FilterIgnoreCase &&
		a.FullPath == b.FullPath &&
		a.Pattern == b.Pattern &&
		a.Recursive == b.Recursive &&
		slices.Equal(a.TabWidths, b.TabWidths) &&
		a.DefaultTabWidth == b.DefaultTabWidth &&
		a.MinSize == b.MinSize &&
		a.MaxSize == b.MaxSize &&
		equalTime(a.ChangedAfter, b.ChangedAfter) &&
		equalTime(a.ChangedBefore, b.ChangedBefore) &&
		a.MaxLineChunk == b.MaxLineChunk
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
