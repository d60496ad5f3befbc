// Package cliprompt implements the first-run interactive calendar
// selection prompt. No prompt library appears anywhere in the example
// pack, so this sticks to bufio/strconv, the same way the rest of the
// corpus falls back to the standard library for one-off terminal I/O.
package cliprompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/macjediwizard/calendarsync/internal/calendarbackend"
)

// ErrTooFewSelections is returned when fewer than two calendars were
// selected; a mesh needs at least a Source and one Copy to be meaningful.
var ErrTooFewSelections = errors.New("cliprompt: at least two calendars must be selected")

// SelectCalendars prints the numbered list of calendars to out, reads a
// comma-separated list of 1-based indices from in, and returns the
// selected calendar ids. It requires at least two selections.
func SelectCalendars(in io.Reader, out io.Writer, calendars []calendarbackend.Calendar) ([]string, error) {
	fmt.Fprintln(out, "Select calendars to sync (comma-separated numbers, at least two):")
	for i, cal := range calendars {
		fmt.Fprintf(out, "  %d. %s (%s)\n", i+1, cal.Name, cal.CalendarID)
	}
	fmt.Fprint(out, "> ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("cliprompt: reading selection: %w", err)
		}
		return nil, ErrTooFewSelections
	}

	indices, err := parseIndices(scanner.Text(), len(calendars))
	if err != nil {
		return nil, err
	}
	if len(indices) < 2 {
		return nil, ErrTooFewSelections
	}

	ids := make([]string, 0, len(indices))
	for _, i := range indices {
		ids = append(ids, calendars[i-1].CalendarID)
	}
	return ids, nil
}

func parseIndices(line string, count int) ([]int, error) {
	fields := strings.Split(line, ",")
	out := make([]int, 0, len(fields))
	seen := make(map[int]bool, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 || n > count {
			return nil, fmt.Errorf("cliprompt: invalid selection %q", f)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}
