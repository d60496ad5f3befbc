package calendarbackend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// ICSBackend is a Backend implementation where each calendar is a directory
// of ".ics" files, one per event, encoded/decoded with emersion/go-ical —
// the same encoder/decoder the teacher's caldav.Client uses for CalDAV
// payloads, here applied directly to the filesystem for local/offline use.
//
// Recurring events (an RRULE property on the VEVENT) are expanded into
// individual occurrence Events for the window requested by GetEvents, using
// teambition/rrule-go; each occurrence gets a distinct EventID so that an
// edit to a single occurrence round-trips independently of the series.
type ICSBackend struct {
	root string // one subdirectory per calendar, named by CalendarID
	name map[string]string
}

// seriesLookaroundWindow bounds how far GetEvent expands a recurring series
// when it has no occurrence suffix to narrow the search, so a series with
// no UNTIL/COUNT can't enumerate an effectively unbounded occurrence set.
const seriesLookaroundWindow = 5 * 365 * 24 * time.Hour

// NewICSBackend creates an adapter rooted at dir, with one subdirectory per
// calendar in the (id -> display name) map. Missing subdirectories are
// created on first use.
func NewICSBackend(dir string, calendars map[string]string) *ICSBackend {
	return &ICSBackend{root: dir, name: calendars}
}

func (b *ICSBackend) calDir(calendarID string) string {
	return filepath.Join(b.root, calendarID)
}

// ListCalendars returns the configured calendars.
func (b *ICSBackend) ListCalendars(ctx context.Context) ([]Calendar, error) {
	out := make([]Calendar, 0, len(b.name))
	for id, name := range b.name {
		out = append(out, Calendar{CalendarID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CalendarID < out[j].CalendarID })
	return out, nil
}

// GetEvents reads every ".ics" file in each calendar's directory, expanding
// any RRULE into individual occurrences, and returns those whose start
// falls within [start, end).
func (b *ICSBackend) GetEvents(ctx context.Context, calendars []Calendar, start, end time.Time) ([]Event, error) {
	var out []Event
	for _, cal := range calendars {
		dir := b.calDir(cal.CalendarID)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrConnectionFailed, dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ics") {
				continue
			}
			events, err := b.readOccurrences(cal.CalendarID, filepath.Join(dir, entry.Name()), start, end)
			if err != nil {
				// A malformed file is skipped, not fatal to the whole run.
				continue
			}
			out = append(out, events...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CalendarID != out[j].CalendarID {
			return out[i].CalendarID < out[j].CalendarID
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// readOccurrences decodes a single .ics file and expands it into the
// occurrence(s) starting within [start, end).
func (b *ICSBackend) readOccurrences(calendarID, path string, start, end time.Time) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := ical.NewDecoder(f)
	cal, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("malformed ics %s: %w", path, err)
	}

	var out []Event
	for _, comp := range cal.Events() {
		base, err := eventFromComponent(calendarID, &comp)
		if err != nil {
			continue
		}

		rruleText, _ := comp.Props.Text(ical.PropRecurrenceRule)
		if rruleText == "" {
			if !base.StartDate.Before(start) && base.StartDate.Before(end) {
				out = append(out, *base)
			}
			continue
		}

		rule, err := rrule.StrToRRule(rruleText)
		if err != nil {
			out = append(out, *base)
			continue
		}
		rule.DTStart(base.StartDate)
		duration := base.EndDate.Sub(base.StartDate)
		for _, occStart := range rule.Between(start, end, true) {
			if !occStart.Before(end) {
				continue
			}
			occ := *base
			occ.EventID = fmt.Sprintf("%s@%d", base.EventID, occStart.Unix())
			occ.StartDate = occStart
			occ.EndDate = occStart.Add(duration)
			out = append(out, occ)
		}
	}
	return out, nil
}

func eventFromComponent(calendarID string, comp *ical.Event) (*Event, error) {
	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, fmt.Errorf("event missing UID")
	}
	title, _ := comp.Props.Text(ical.PropSummary)
	location, _ := comp.Props.Text(ical.PropLocation)
	url, _ := comp.Props.Text(ical.PropURL)
	notes, _ := comp.Props.Text(ical.PropDescription)

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, fmt.Errorf("event missing DTSTART")
	}
	start, isAllDay, err := decodeDateTime(startProp)
	if err != nil {
		return nil, err
	}

	end := start
	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if t, _, err := decodeDateTime(endProp); err == nil {
			end = t
		}
	}

	lastModified := start
	if lm, err := comp.Props.DateTime(ical.PropLastModified, time.UTC); err == nil {
		lastModified = lm
	}

	return &Event{
		EventID:      uid,
		CalendarID:   calendarID,
		Title:        title,
		StartDate:    start,
		EndDate:      end,
		IsAllDay:     isAllDay,
		Location:     location,
		URL:          url,
		Notes:        notes,
		LastModified: lastModified,
	}, nil
}

func decodeDateTime(prop *ical.Prop) (time.Time, bool, error) {
	if v, ok := prop.Params["VALUE"]; ok && len(v) > 0 && v[0] == "DATE" {
		t, err := time.ParseInLocation("20060102", prop.Value, time.UTC)
		return t, true, err
	}
	t, err := prop.DateTime(time.UTC)
	return t, false, err
}

// GetEvent looks a single event up by scanning the calendar directory for a
// file matching its UID (the series file, stripping any "@<occurrence>"
// suffix synthesized by GetEvents).
func (b *ICSBackend) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	seriesUID, occurrence := splitOccurrenceID(eventID)
	path := filepath.Join(b.calDir(calendarID), seriesUID+".ics")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	if occurrence == "" {
		// Bound the expansion window defensively: an unbounded window would
		// let a recurring series with no UNTIL/COUNT enumerate occurrences
		// without limit. GetEvents returns bare ids for non-recurring
		// events and "@<occurrence>"-suffixed ids for expanded series, but
		// a bare id may still name a recurring series file.
		now := time.Now()
		events, err := b.readOccurrences(calendarID, path, now.Add(-seriesLookaroundWindow), now.Add(seriesLookaroundWindow))
		if err != nil || len(events) == 0 {
			return nil, nil
		}
		return &events[0], nil
	}

	occSeconds, err := strconv.ParseInt(occurrence, 10, 64)
	if err != nil {
		return nil, nil
	}
	occTime := time.Unix(occSeconds, 0)
	events, err := b.readOccurrences(calendarID, path, occTime, occTime.Add(time.Second))
	if err != nil {
		return nil, nil
	}
	for _, e := range events {
		if e.EventID == eventID {
			return &e, nil
		}
	}
	return nil, nil
}

func splitOccurrenceID(eventID string) (seriesUID, occurrence string) {
	idx := strings.LastIndex(eventID, "@")
	if idx < 0 {
		return eventID, ""
	}
	return eventID[:idx], eventID[idx+1:]
}

// CreateEvent returns an uncommitted Event bound to calendarID.
func (b *ICSBackend) CreateEvent(ctx context.Context, calendarID string) (*Event, error) {
	return &Event{CalendarID: calendarID}, nil
}

// Save writes the event to "<uid>.ics" in its calendar's directory,
// assigning a UID on first save.
func (b *ICSBackend) Save(ctx context.Context, event *Event) error {
	if event.EventID == "" {
		event.EventID = fmt.Sprintf("%s-%d", event.CalendarID, time.Now().UnixNano())
	}
	seriesUID, _ := splitOccurrenceID(event.EventID)

	dir := b.calDir(event.CalendarID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}

	comp := eventToComponent(event, seriesUID)
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calendarsync//EN")
	cal.Children = append(cal.Children, comp.Component)

	path := filepath.Join(dir, seriesUID+".ics")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	enc := ical.NewEncoder(f)
	if err := enc.Encode(cal); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return nil
}

func eventToComponent(event *Event, uid string) *ical.Event {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, uid)
	comp.Props.SetText(ical.PropSummary, event.Title)
	comp.Props.SetText(ical.PropLocation, event.Location)
	comp.Props.SetText(ical.PropURL, event.URL)
	comp.Props.SetText(ical.PropDescription, event.Notes)
	if event.IsAllDay {
		comp.Props.SetDate(ical.PropDateTimeStart, event.StartDate)
		comp.Props.SetDate(ical.PropDateTimeEnd, event.EndDate)
	} else {
		comp.Props.SetDateTime(ical.PropDateTimeStart, event.StartDate)
		comp.Props.SetDateTime(ical.PropDateTimeEnd, event.EndDate)
	}
	comp.Props.SetDateTime(ical.PropLastModified, event.LastModified)
	return &ical.Event{Component: comp}
}

// Remove deletes the backing .ics file for a non-recurring/series event.
func (b *ICSBackend) Remove(ctx context.Context, calendarID, eventID string) error {
	seriesUID, _ := splitOccurrenceID(eventID)
	path := filepath.Join(b.calDir(calendarID), seriesUID+".ics")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, calendarID, eventID)
		}
		return fmt.Errorf("%w: %w", ErrRemoveFailed, err)
	}
	return nil
}
