// Package calendarbackend defines the Calendar Backend Adapter contract —
// opaque access to calendars and events — plus three concrete
// implementations: an in-memory fake, a directory-of-.ics-files adapter,
// and a network CalDAV adapter.
package calendarbackend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the named event or calendar does not
	// exist (Remove, and MemoryBackend.CreateEvent). GetEvent does not use
	// it: a missing event is reported as (nil, nil).
	ErrNotFound = errors.New("calendarbackend: event not found")
	// ErrConnectionFailed wraps transport-level failures talking to a backend.
	ErrConnectionFailed = errors.New("calendarbackend: connection failed")
	// ErrSaveFailed wraps failures persisting a single event.
	ErrSaveFailed = errors.New("calendarbackend: save failed")
	// ErrRemoveFailed wraps failures deleting a single event.
	ErrRemoveFailed = errors.New("calendarbackend: remove failed")
)

// ParticipationStatus mirrors the attendee response values the Copier
// renders into the Sync Metadata block.
type ParticipationStatus string

const (
	StatusAccepted  ParticipationStatus = "Accepted"
	StatusDeclined  ParticipationStatus = "Declined"
	StatusTentative ParticipationStatus = "Tentative"
	StatusPending   ParticipationStatus = "Pending"
	StatusUnknown   ParticipationStatus = "Unknown"
)

// Attendee is one invitee on an Event.
type Attendee struct {
	Name                string
	ParticipationStatus ParticipationStatus
}

// Calendar is a named, addressable container of events with a stable
// identifier across runs.
type Calendar struct {
	CalendarID string
	Name       string
}

// Event is a scheduled item with a start, end, title, and optional
// location/url/notes/attendees.
type Event struct {
	EventID      string
	CalendarID   string
	Title        string
	StartDate    time.Time
	EndDate      time.Time
	IsAllDay     bool
	Location     string
	URL          string
	Notes        string
	LastModified time.Time
	Attendees    []Attendee
}

// Backend is the Calendar Backend Adapter contract. Implementations must
// provide stable CalendarIDs across runs and must not silently drop the
// fields listed in Event, with one exception: the ICS and CalDAV adapters
// do not store Attendees, which is why the Copier never copies them.
type Backend interface {
	// ListCalendars returns all writable calendars known to the backend.
	ListCalendars(ctx context.Context) ([]Calendar, error)

	// GetEvents returns every event across the given calendars whose start
	// falls within [start, end). Recurring events are expanded into
	// individual occurrence Events, each with a distinct EventID.
	GetEvents(ctx context.Context, calendars []Calendar, start, end time.Time) ([]Event, error)

	// GetEvent returns the event if it still exists, or (nil, nil) if it
	// has been deleted or never existed.
	GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error)

	// CreateEvent returns an uncommitted Event bound to the given calendar;
	// callers populate fields and call Save.
	CreateEvent(ctx context.Context, calendarID string) (*Event, error)

	// Save persists the event, assigning EventID on first save. It stores
	// LastModified as given and does not refresh it; callers set it before
	// saving.
	Save(ctx context.Context, event *Event) error

	// Remove deletes the event. A backend error here is non-fatal to the
	// caller; the Reconciler logs it and continues the run. When a removal
	// fails during a group teardown the reference is still tombstoned, so
	// the removal is not attempted again on a later run.
	Remove(ctx context.Context, calendarID, eventID string) error
}
