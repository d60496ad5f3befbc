// Package copier implements the Event Field Copier: a deterministic,
// idempotent projection of a Source event's observable fields onto a
// Target event.
package copier

import (
	"fmt"
	"strings"

	"github.com/macjediwizard/calendarsync/internal/calendarbackend"
)

const metadataSeparator = "\n\n\n--- Sync Metadata ---\n"

// CopyFields overwrites target's title, start, end, all-day flag, location,
// url, and notes with source's. The notes field is composed as source's
// notes, a separator of two blank lines, a "Sync Metadata" header, a
// "Source: <name>" line naming
// sourceCalendarName, and — if source has attendees — a "Participants"
// list. Fields the backend would silently drop, such as attendees
// themselves, are never copied onto target.
//
// Applying CopyFields twice in succession to the same (source, target)
// pair leaves target unchanged after the second application: the notes
// block is rebuilt from source each time rather than appended to, so it
// cannot accumulate duplicate metadata blocks across repeated runs.
func CopyFields(source *calendarbackend.Event, target *calendarbackend.Event, sourceCalendarName string) {
	target.Title = source.Title
	target.StartDate = source.StartDate
	target.EndDate = source.EndDate
	target.IsAllDay = source.IsAllDay
	target.Location = source.Location
	target.URL = source.URL
	target.Notes = composeNotes(source, sourceCalendarName)
}

func composeNotes(source *calendarbackend.Event, sourceCalendarName string) string {
	var b strings.Builder
	b.WriteString(source.Notes)
	b.WriteString(metadataSeparator)
	fmt.Fprintf(&b, "Source: %s", sourceCalendarName)

	if len(source.Attendees) > 0 {
		b.WriteString("\nParticipants")
		for _, a := range source.Attendees {
			status := a.ParticipationStatus
			if status == "" {
				status = calendarbackend.StatusUnknown
			}
			fmt.Fprintf(&b, "\n- %s (%s)", a.Name, status)
		}
	}
	return b.String()
}
