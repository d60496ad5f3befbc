package calendarbackend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is a deterministic in-memory fake of Backend. It is the
// adapter the property tests and end-to-end scenarios in
// internal/reconciler run against, and is selectable in the CLI via
// CALENDARSYNC_BACKEND=memory for quick, offline demos.
type MemoryBackend struct {
	mu         sync.Mutex
	calendars  []Calendar
	events     map[string]map[string]*Event // calendarID -> eventID -> event
	nextID     int
	saveErrors map[string]error // calendarID/eventID -> forced error, for fault injection in tests
}

// NewMemoryBackend creates an empty backend seeded with the given calendars.
func NewMemoryBackend(calendars ...Calendar) *MemoryBackend {
	events := make(map[string]map[string]*Event, len(calendars))
	for _, c := range calendars {
		events[c.CalendarID] = make(map[string]*Event)
	}
	return &MemoryBackend{
		calendars:  calendars,
		events:     events,
		saveErrors: make(map[string]error),
	}
}

// ListCalendars returns the seeded calendars.
func (b *MemoryBackend) ListCalendars(ctx context.Context) ([]Calendar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Calendar, len(b.calendars))
	copy(out, b.calendars)
	return out, nil
}

// GetEvents returns every stored event in the given calendars whose start
// falls within [start, end).
func (b *MemoryBackend) GetEvents(ctx context.Context, calendars []Calendar, start, end time.Time) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, cal := range calendars {
		for _, e := range b.events[cal.CalendarID] {
			if !e.StartDate.Before(start) && e.StartDate.Before(end) {
				out = append(out, *e)
			}
		}
	}
	// Deterministic ordering for reproducible test output; the spec's
	// invariant 5 (ordering irrelevance) means the reconciler must not
	// depend on this, but a stable order keeps test diffs readable.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CalendarID != out[j].CalendarID {
			return out[i].CalendarID < out[j].CalendarID
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// GetEvent returns the stored event, or (nil, nil) if it no longer exists.
func (b *MemoryBackend) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cal, ok := b.events[calendarID]
	if !ok {
		return nil, nil
	}
	e, ok := cal[eventID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// CreateEvent returns an uncommitted Event bound to calendarID.
func (b *MemoryBackend) CreateEvent(ctx context.Context, calendarID string) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.events[calendarID]; !ok {
		return nil, fmt.Errorf("%w: unknown calendar %q", ErrNotFound, calendarID)
	}
	return &Event{CalendarID: calendarID}, nil
}

// Save persists the event, assigning an id on first save.
func (b *MemoryBackend) Save(ctx context.Context, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.saveErrors[event.CalendarID+"/"+event.EventID]; ok {
		return err
	}

	cal, ok := b.events[event.CalendarID]
	if !ok {
		return fmt.Errorf("%w: unknown calendar %q", ErrSaveFailed, event.CalendarID)
	}
	if event.EventID == "" {
		b.nextID++
		event.EventID = fmt.Sprintf("evt-%d", b.nextID)
	}
	cp := *event
	cal[event.EventID] = &cp
	return nil
}

// Remove deletes the event.
func (b *MemoryBackend) Remove(ctx context.Context, calendarID, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.saveErrors[calendarID+"/"+eventID]; ok {
		return err
	}
	cal, ok := b.events[calendarID]
	if !ok {
		return fmt.Errorf("%w: unknown calendar %q", ErrRemoveFailed, calendarID)
	}
	if _, ok := cal[eventID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, calendarID, eventID)
	}
	delete(cal, eventID)
	return nil
}

// SeedEvent directly inserts an event without going through Save, for test
// setup (it simulates an event that was already live before the run).
func (b *MemoryBackend) SeedEvent(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[e.CalendarID]; !ok {
		b.events[e.CalendarID] = make(map[string]*Event)
	}
	cp := e
	b.events[e.CalendarID][e.EventID] = &cp
}

// FailOn forces every later Save/Remove of (calendarID, eventID) to return
// err (the forced error is never cleared), to exercise the "single failed save/remove is non-fatal" error path.
func (b *MemoryBackend) FailOn(calendarID, eventID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveErrors[calendarID+"/"+eventID] = err
}
