package reconciler

import (
	"strings"
	"time"

	"github.com/macjediwizard/calendarsync/internal/calendarbackend"
)

const (
	fuzzyStartToleranceSeconds = 300
	fuzzyWindow                = 24 * time.Hour
)

// fuzzyMatch returns the first event in candidates whose trimmed title
// equals anchor's trimmed title and whose start time is within
// fuzzyStartToleranceSeconds of anchor's start, considering only
// candidates within anchor.StartDate +/- fuzzyWindow. Ambiguity is
// resolved by taking the first match in iteration order; candidates are
// expected to already be restricted to the calendar being searched.
func fuzzyMatch(anchor calendarbackend.Event, candidates []calendarbackend.Event) (calendarbackend.Event, bool) {
	title := strings.TrimSpace(anchor.Title)
	windowStart := anchor.StartDate.Add(-fuzzyWindow)
	windowEnd := anchor.StartDate.Add(fuzzyWindow)

	for _, c := range candidates {
		if c.StartDate.Before(windowStart) || c.StartDate.After(windowEnd) {
			continue
		}
		if strings.TrimSpace(c.Title) != title {
			continue
		}
		if secondsDiff(c.StartDate, anchor.StartDate) > fuzzyStartToleranceSeconds {
			continue
		}
		return c, true
	}
	return calendarbackend.Event{}, false
}

func secondsDiff(a, b time.Time) float64 {
	d := a.Sub(b).Seconds()
	if d < 0 {
		return -d
	}
	return d
}
