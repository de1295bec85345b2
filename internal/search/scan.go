package search

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"unicode/utf8"
)

// minChunk is the smallest buffer bufio will allocate.
const minChunk = 16

// advanceColumn returns the 0-based display column reached after b when
// starting at col. Tabs advance to the next multiple of width; a width of
// zero counts a tab as one column.
func advanceColumn(b []byte, col, width int) int {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r == '\t' && width > 0 {
			col = (col/width + 1) * width
			continue
		}
		col++
	}
	return col
}

// scanFile matches the pattern against the open file starting at its
// recorded line. It returns true when a checkpoint observed a stop request;
// the cursor then still points at the file with the next unprocessed line.
func (e *Engine) scanFile(ctx context.Context, of *openFile) bool {
	f, err := os.Open(of.path)
	if err != nil {
		e.skip(of.path, err)
		e.cur.file = nil
		return false
	}
	defer f.Close()

	if !of.counted {
		of.counted = true
		e.files.Add(1)
	}

	chunk := max(e.params.MaxLineChunk, minChunk)
	r := bufio.NewReaderSize(f, chunk)

	// A long line arrives in several chunks. Each chunk is matched once its
	// successor is known, inside a window made of its neighbours, so that
	// anchors and word boundaries see the rest of the line.
	var (
		lineNo     int
		col        int
		sinceCheck int
		inLine     bool
		prev, cur  []byte
		pending    bool
		carry      []byte
	)
	for {
		b, isPrefix, err := r.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.skip(of.path, err)
			}
			break
		}

		if !inLine {
			lineNo++
			col = 0
			prev, cur, pending = nil, nil, false
			inLine = true
		}
		// Lines before the recorded offset were handled by an earlier run.
		replay := lineNo <= of.line

		// ReadLine reuses its buffer, and a chunk must end on a rune boundary
		// for columns to be counted correctly.
		piece := make([]byte, 0, len(carry)+len(b))
		piece = append(append(piece, carry...), b...)
		carry = nil
		if isPrefix {
			n := len(piece) - partialRune(piece)
			carry = append([]byte(nil), piece[n:]...)
			piece = piece[:n]
		}

		if pending {
			if !replay {
				sinceCheck += e.matchChunk(of, lineNo, col, prev, cur, piece)
			}
			col = advanceColumn(cur, col, of.width)
			prev = cur
		}
		cur, pending = piece, true

		if isPrefix {
			continue
		}
		if !replay {
			sinceCheck += e.matchChunk(of, lineNo, col, prev, cur, nil)
		}
		inLine = false

		if lineNo > of.line {
			of.line = lineNo
		}
		if sinceCheck >= e.checkpointEvery {
			sinceCheck = 0
			if e.stopRequested(ctx) {
				return true
			}
		}
	}

	e.cur.file = nil
	return false
}

// partialRune returns the length of an incomplete UTF-8 sequence at the end
// of b.
func partialRune(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return 0
			}
			return len(b) - i
		}
	}
	return 0
}

// matchChunk emits a Result for every match starting in cur and returns the
// count. prev and next are the neighbouring chunks of the same line, if any,
// and col is the display column at which cur starts. A match at the very end
// of cur belongs to next when the line continues.
func (e *Engine) matchChunk(of *openFile, lineNo, col int, prev, cur, next []byte) int {
	window := cur
	if len(prev) > 0 || len(next) > 0 {
		window = make([]byte, 0, len(prev)+len(cur)+len(next))
		window = append(append(append(window, prev...), cur...), next...)
	}
	lo, hi := len(prev), len(prev)+len(cur)

	matches := e.re.FindAllSubmatchIndex(window, -1)
	if len(matches) == 0 {
		return 0
	}

	var (
		line  string
		count int
	)
	for _, m := range matches {
		if m[0] < lo || m[0] > hi || (m[0] == hi && next != nil) {
			continue
		}
		if count == 0 {
			line = string(window)
		}

		var groups []string
		for i := 2; i+1 < len(m); i += 2 {
			if m[i] < 0 {
				groups = append(groups, "")
				continue
			}
			groups = append(groups, string(window[m[i]:m[i+1]]))
		}

		count++
		e.matches.Add(1)
		e.sink.Accept(Result{
			Path:    of.path,
			Line:    lineNo,
			Column:  advanceColumn(window[lo:m[0]], col, of.width) + 1,
			Text:    string(window[m[0]:m[1]]),
			Groups:  groups,
			Context: line,
			Offset:  m[0],
		})
	}
	return count
}
