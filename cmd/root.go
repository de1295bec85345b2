package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/cli/go-gh/v2/pkg/term"
	"github.com/jparise/treegrep/internal/output"
	"github.com/jparise/treegrep/internal/params"
	"github.com/jparise/treegrep/internal/search"
	"github.com/jparise/treegrep/internal/session"
	"github.com/jparise/treegrep/internal/task"
	"github.com/jparise/treegrep/internal/timeparse"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	// ErrNoMatches is returned when a search completes without matches.
	ErrNoMatches = errors.New("no matches")
	// ErrCancelled is returned when a search is stopped and not resumed.
	ErrCancelled = errors.New("search cancelled")
)

// ExitCode maps the error returned by Execute to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoMatches):
		return 1
	case errors.Is(err, ErrCancelled):
		return 130
	default:
		return 2
	}
}

// colorMode represents when to use colored output.
type colorMode string

const (
	colorAuto   colorMode = "auto"
	colorAlways colorMode = "always"
	colorNever  colorMode = "never"
)

func (c *colorMode) String() string {
	return string(*c)
}

// Set implements pflag.Value.
func (c *colorMode) Set(v string) error {
	switch v {
	case "auto", "always", "never":
		*c = colorMode(v)
		return nil
	default:
		return fmt.Errorf("must be one of \"auto\", \"always\", or \"never\"")
	}
}

func (c *colorMode) Type() string {
	return "colorMode"
}

var (
	version = "dev"

	// Flags.
	color            = colorAuto
	hyperlinks       bool
	ignoreCase       bool
	literal          bool
	multiline        bool
	includes         []string
	excludes         []string
	filterIgnoreCase bool
	fullPath         bool
	noRecursive      bool
	tabWidths        []string
	defaultTabWidth  int
	maxLineChunk     string
	minSize          string
	maxSize          string
	changedWithin    string
	changedAfter     string
	changedBefore    string
	loadPath         string
	savePath         string
	timeout          time.Duration
	interactive      bool
	stats            bool
)

var rootCmd = &cobra.Command{
	Use:   "treegrep [<pattern>] [<root>...]",
	Short: "Search file trees for a regular expression",
	Long: `treegrep searches files below one or more roots for lines matching a
regular expression and prints each match as path:line:column:text.

<pattern> uses RE2 syntax. Columns are 1-based display columns with tabs
expanded; the tab width is chosen per file by --tab-width entries and
falls back to --default-tab-width.

<root> defaults to the current directory. Files are visited in lexical
order, and every file or directory is visited at most once even when it is
reachable through several roots or symlinks.

Filters are glob patterns matched against the base name, or against the
path relative to the root when the filter contains a "/" or --full-path is
given:
  *              Match any characters (e.g., "*.go")
  **             Match across directories (e.g., "vendor/**")
  ?              Match single character (e.g., "file?.txt")
  {...}          Match alternatives (e.g., "*.{go,md}")

--exclude applies to files and directories, --include only to files, and
exclusion wins when both match.

Press Ctrl-C to stop a search. With --interactive, a stopped search can be
continued, moved past the current file or directory, or restarted.

Search parameters can be saved with --save and reused with --load; the file
format (yaml, toml, or json) follows the file extension. Flags given
together with --load override the loaded values.

Examples:
  treegrep TODO
  treegrep -i "fixme|xxx" src docs
  treegrep -I "*.go" -E vendor -E "*_test.go" "func \w+\(" .
  treegrep -t "*.go:4" -t "Makefile,*.mk:8" --default-tab-width 2 "\tfoo" .
  treegrep --changed-within 2d --max-size 1M panic /var/log
  treegrep --save todo.yaml -I "*.{go,py}" TODO src
  treegrep --load todo.yaml --interactive`,
	Version:       version,
	Args:          cobra.ArbitraryArgs,
	SilenceErrors: true,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && loadPath == "" {
			return fmt.Errorf("a pattern is required unless --load is given")
		}
		if changedWithin != "" && changedAfter != "" {
			return fmt.Errorf("--changed-within and --changed-after cannot be combined")
		}
		if timeout < 0 {
			return fmt.Errorf("--timeout cannot be negative")
		}
		return nil
	},
	RunE: run,
}

func init() {
	rootCmd.Flags().Var(&color, "color",
		"colorize output: auto, always, never")
	rootCmd.Flags().BoolVar(&hyperlinks, "hyperlinks", false,
		"link paths to their files in supporting terminals")
	rootCmd.Flags().BoolVarP(&ignoreCase, "ignore-case", "i", false,
		"case-insensitive pattern matching")
	rootCmd.Flags().BoolVarP(&literal, "fixed-strings", "F", false,
		"treat the pattern as a literal string")
	rootCmd.Flags().BoolVar(&multiline, "multiline", false,
		"let ^ and $ match at line boundaries within a line chunk")
	rootCmd.Flags().StringSliceVarP(&includes, "include", "I", []string{},
		"only search files matching these filters (can be specified multiple times)")
	rootCmd.Flags().StringSliceVarP(&excludes, "exclude", "E", []string{},
		"skip files and directories matching these filters (can be specified multiple times)")
	rootCmd.Flags().BoolVar(&filterIgnoreCase, "filter-ignore-case", false,
		"case-insensitive include, exclude, and tab width filters")
	rootCmd.Flags().BoolVarP(&fullPath, "full-path", "p", false,
		"match filters against the path relative to the root (default: basename only)")
	rootCmd.Flags().BoolVar(&noRecursive, "no-recursive", false,
		"do not descend into subdirectories of the roots")
	rootCmd.Flags().StringArrayVarP(&tabWidths, "tab-width", "t", []string{},
		"tab width for matching files as filters:width, e.g. \"*.go,*.c:4\" (first match wins)")
	rootCmd.Flags().IntVar(&defaultTabWidth, "default-tab-width", params.DefaultTabWidth,
		"tab width for files without a --tab-width match (0 counts a tab as one column)")
	rootCmd.Flags().StringVar(&maxLineChunk, "max-line-chunk", "",
		"longest line chunk matched at once (e.g., 64k)")
	rootCmd.Flags().StringVar(&minSize, "min-size", "",
		"minimum file size (e.g., 1M, 500k, 1GB)")
	rootCmd.Flags().StringVar(&maxSize, "max-size", "",
		"maximum file size (e.g., 5M, 1GB)")
	rootCmd.Flags().StringVar(&changedWithin, "changed-within", "",
		"only files modified within a duration (e.g., 2d, 1w, 3h30m)")
	rootCmd.Flags().StringVar(&changedAfter, "changed-after", "",
		"only files modified after a time or duration ago (e.g., 2024-01-31, 2d)")
	rootCmd.Flags().StringVar(&changedBefore, "changed-before", "",
		"only files modified before a time or duration ago")
	rootCmd.Flags().StringVar(&loadPath, "load", "",
		"load search parameters from a yaml, toml, or json file")
	rootCmd.Flags().StringVar(&savePath, "save", "",
		"save the search parameters to a yaml, toml, or json file")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0,
		"stop the search after this long (e.g., 30s, 5m)")
	rootCmd.Flags().BoolVar(&interactive, "interactive", false,
		"ask how to continue when a search is interrupted (requires a terminal)")
	rootCmd.Flags().BoolVar(&stats, "stats", false,
		"print a summary when the search ends")
}

func Execute() error {
	return rootCmd.Execute()
}

var byteUnits = map[string]float64{
	"": 1, "b": 1,
	"k": 1 << 10, "kb": 1 << 10, "kib": 1 << 10,
	"m": 1 << 20, "mb": 1 << 20, "mib": 1 << 20,
	"g": 1 << 30, "gb": 1 << 30, "gib": 1 << 30,
	"t": 1 << 40, "tb": 1 << 40, "tib": 1 << 40,
}

// parseByteSize parses sizes such as "1024", "500k" or "1.5G". Units are
// case-insensitive and binary.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	numStr := strings.TrimRightFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	unit := strings.ToLower(strings.TrimSpace(s[len(numStr):]))
	multiplier, ok := byteUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q (supported: b, k, m, g, t)", unit)
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative")
	}

	size := num * multiplier
	if size > float64(math.MaxInt64) {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(size), nil
}

// parsePositiveSize parses the value of a size flag, which must not be zero.
func parsePositiveSize(flag, value string) (int64, error) {
	size, err := parseByteSize(value)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, value, err)
	}
	if size == 0 {
		return 0, fmt.Errorf("--%s must be greater than 0", flag)
	}
	return size, nil
}

// buildParameters applies the arguments and every flag given on the command
// line to base. Flags left at their defaults keep the values from base.
func buildParameters(cmd *cobra.Command, args []string, base params.Parameters, now time.Time) (params.Parameters, error) {
	p := base.Clone()
	flags := cmd.Flags()

	if len(args) > 0 {
		p.Pattern.Text = args[0]
	}
	if len(args) > 1 {
		p.Roots = args[1:]
	}
	if len(p.Roots) == 0 {
		p.Roots = []string{"."}
	}

	if flags.Changed("ignore-case") {
		p.Pattern.IgnoreCase = ignoreCase
	}
	if flags.Changed("fixed-strings") {
		p.Pattern.Literal = literal
	}
	if flags.Changed("multiline") {
		p.Pattern.Multiline = multiline
	}
	if flags.Changed("include") {
		p.Include = includes
	}
	if flags.Changed("exclude") {
		p.Exclude = excludes
	}
	if flags.Changed("filter-ignore-case") {
		p.FilterIgnoreCase = filterIgnoreCase
	}
	if flags.Changed("full-path") {
		p.FullPath = fullPath
	}
	if flags.Changed("no-recursive") {
		p.Recursive = !noRecursive
	}
	if flags.Changed("tab-width") {
		p.TabWidths = tabWidths
	}
	if flags.Changed("default-tab-width") {
		p.DefaultTabWidth = defaultTabWidth
	}

	if maxLineChunk != "" {
		size, err := parsePositiveSize("max-line-chunk", maxLineChunk)
		if err != nil {
			return p, err
		}
		if size > math.MaxInt32 {
			return p, fmt.Errorf("--max-line-chunk is too large")
		}
		p.MaxLineChunk = int(size)
	}
	if minSize != "" {
		size, err := parsePositiveSize("min-size", minSize)
		if err != nil {
			return p, err
		}
		p.MinSize = size
	}
	if maxSize != "" {
		size, err := parsePositiveSize("max-size", maxSize)
		if err != nil {
			return p, err
		}
		p.MaxSize = size
	}

	if changedWithin != "" {
		d, err := timeparse.ParseDuration(changedWithin)
		if err != nil {
			return p, fmt.Errorf("invalid --changed-within: %w", err)
		}
		after := now.Add(-d)
		p.ChangedAfter = &after
	}
	if changedAfter != "" {
		after, err := timeparse.ParseInstant(changedAfter, now)
		if err != nil {
			return p, fmt.Errorf("invalid --changed-after: %w", err)
		}
		p.ChangedAfter = &after
	}
	if changedBefore != "" {
		before, err := timeparse.ParseInstant(changedBefore, now)
		if err != nil {
			return p, fmt.Errorf("invalid --changed-before: %w", err)
		}
		p.ChangedBefore = &before
	}

	return p, nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var promptChoices = map[string]search.ResumeOption{
	"":  search.ContinueFile,
	"c": search.ContinueFile,
	"f": search.SkipFile,
	"d": search.SkipDirectory,
	"r": search.RestartSearch,
}

// promptResume asks how to continue a paused search. It returns false when
// the user quits or the input ends.
func promptResume(in *bufio.Reader, out io.Writer) (search.ResumeOption, bool, error) {
	for {
		fmt.Fprint(out, "Search paused. [c]ontinue, skip [f]ile, skip [d]irectory, [r]estart, or [q]uit? ")

		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return 0, false, nil
			}
			return 0, false, err
		}

		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "q" || answer == "quit" {
			return 0, false, nil
		}
		if opt, ok := promptChoices[answer]; ok {
			return opt, true, nil
		}
		if opt, err := search.ParseResumeOption(answer); err == nil {
			return opt, true, nil
		}
		fmt.Fprintf(out, "Unknown choice %q.\n", answer)
	}
}

// waitInterruptible waits for the session's current run and cancels it on
// an interrupt or when ctx is done.
func waitInterruptible(ctx context.Context, s *session.Session) (search.Status, error) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	stopCancel := context.AfterFunc(sigCtx, func() {
		// The run may already have finished.
		_ = s.Cancel()
	})
	defer stopCancel()

	return s.Wait(context.Background())
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var colorize bool
	switch color {
	case colorAlways:
		colorize = true
	case colorNever:
		colorize = false
	case colorAuto:
		terminal := term.FromEnv()
		colorize = terminal.IsColorEnabled()
	}

	out := output.NewOutput(cmd.OutOrStdout(), cmd.ErrOrStderr(), colorize, hyperlinks)
	runner := task.NewRunner(1)
	defer runner.Wait()
	s := session.New(runner, out)

	base := params.Default()
	if loadPath != "" {
		if err := s.LoadParameters(loadPath); err != nil {
			return err
		}
		if _, err := s.Wait(ctx); err != nil {
			return fmt.Errorf("failed to load %s: %w", loadPath, err)
		}
		base = s.Parameters()
	}

	p, err := buildParameters(cmd, args, base, time.Now())
	if err != nil {
		return err
	}

	if savePath != "" {
		if err := s.SaveParameters(savePath, p); err != nil {
			return err
		}
		if _, err := s.Wait(ctx); err != nil {
			return fmt.Errorf("failed to save %s: %w", savePath, err)
		}
	}

	if _, err := s.Start(p); err != nil {
		return err
	}

	prompt := interactive && isTerminal(cmd.InOrStdin())
	in := bufio.NewReader(cmd.InOrStdin())

	for {
		status, err := waitInterruptible(ctx, s)
		if err != nil {
			return err
		}
		if stats {
			out.Summary(status)
		}

		switch st := status.(type) {
		case search.StatusCompleted:
			if st.Matches == 0 {
				return ErrNoMatches
			}
			return nil
		case search.StatusFailed:
			return st.Cause
		case search.StatusCancelled:
			if !st.Resumable || !prompt || ctx.Err() != nil {
				return ErrCancelled
			}
			snap := s.Snapshot()
			out.Infof("%d matches in %d files so far", snap.Matches, snap.Files)

			opt, ok, err := promptResume(in, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !ok {
				return ErrCancelled
			}
			if err := s.Resume(opt); err != nil {
				return err
			}
		default:
			return fmt.Errorf("search ended without a status")
		}
	}
}
