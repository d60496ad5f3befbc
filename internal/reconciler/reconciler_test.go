package reconciler

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/macjediwizard/calendarsync/internal/calendarbackend"
	"github.com/macjediwizard/calendarsync/internal/clock"
	"github.com/macjediwizard/calendarsync/internal/idgen"
	"github.com/macjediwizard/calendarsync/internal/meshstate"
)

func discardLog() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func names() map[string]string {
	return map[string]string{"cal-a": "A", "cal-b": "B"}
}

func newHarness(t *testing.T, now time.Time) (*calendarbackend.MemoryBackend, *meshstate.Store, *Reconciler) {
	t.Helper()
	backend := calendarbackend.NewMemoryBackend(
		calendarbackend.Calendar{CalendarID: "cal-a", Name: "A"},
		calendarbackend.Calendar{CalendarID: "cal-b", Name: "B"},
	)
	store := meshstate.NewStore(t.TempDir() + "/state.json")
	rec := New(backend, store, idgen.NewSequence("group-1"), clock.Fixed(now), discardLog(), names())
	return backend, store, rec
}

func selectedCalendars() []calendarbackend.Calendar {
	return []calendarbackend.Calendar{
		{CalendarID: "cal-a", Name: "A"},
		{CalendarID: "cal-b", Name: "B"},
	}
}

// Scenario 1: first-run replication.
func TestScenarioFirstRunReplication(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, store, rec := newHarness(t, now)

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})

	if err := rec.Run(context.Background(), selectedCalendars()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, err := backend.GetEvents(context.Background(), []calendarbackend.Calendar{{CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 replica in cal-b, got %d", len(events))
	}
	copy := events[0]
	if copy.Title != "Lunch" {
		t.Errorf("Title = %q, want Lunch", copy.Title)
	}
	if !copy.StartDate.Equal(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("StartDate = %v, want 12:00", copy.StartDate)
	}
	if !strings.HasSuffix(copy.Notes, "--- Sync Metadata ---\nSource: A") {
		t.Errorf("Notes = %q, want suffix with Source: A", copy.Notes)
	}

	groups := store.Groups()
	if len(groups) != 1 {
		t.Fatalf("expected 1 sync group, got %d", len(groups))
	}
	if !groups[0].IsSource("cal-a", "evt-lunch") {
		t.Errorf("expected cal-a/evt-lunch to be Source")
	}
	if len(groups[0].References) != 2 {
		t.Errorf("expected 2 references, got %d", len(groups[0].References))
	}
}

// Scenario 2: source update propagation.
func TestScenarioSourceUpdatePropagation(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, _, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	source, err := backend.GetEvent(ctx, "cal-a", "evt-lunch")
	if err != nil || source == nil {
		t.Fatalf("expected source event to exist: %v", err)
	}
	source.Title = "Team Lunch"
	source.LastModified = time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC)
	if err := backend.Save(ctx, source); err != nil {
		t.Fatalf("saving updated source: %v", err)
	}

	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	events, _ := backend.GetEvents(ctx, []calendarbackend.Calendar{{CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(events) != 1 {
		t.Fatalf("expected 1 replica, got %d", len(events))
	}
	if events[0].Title != "Team Lunch" {
		t.Errorf("Title = %q, want Team Lunch", events[0].Title)
	}
	if !strings.Contains(events[0].Notes, "--- Sync Metadata ---") {
		t.Errorf("expected metadata block intact, got %q", events[0].Notes)
	}
}

// Scenario 3: copy edit is not pushed back, and becomes a no-op next run.
func TestScenarioCopyEditIsNotPushedBack(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, _, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	events, _ := backend.GetEvents(ctx, []calendarbackend.Calendar{{CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	copyEvent := events[0]
	copyEvent.Title = "Other"
	copyEvent.LastModified = time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC)
	if err := backend.Save(ctx, &copyEvent); err != nil {
		t.Fatalf("saving edited copy: %v", err)
	}

	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	source, _ := backend.GetEvent(ctx, "cal-a", "evt-lunch")
	if source.Title != "Lunch" {
		t.Errorf("expected source unchanged, got %q", source.Title)
	}
	after, _ := backend.GetEvent(ctx, "cal-b", copyEvent.EventID)
	if after.Title != "Other" {
		t.Errorf("expected copy edit retained, got %q", after.Title)
	}

	writesBefore := countWrites(backend)
	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if countWrites(backend) != writesBefore {
		t.Errorf("expected third run to be a no-op write-wise")
	}
}

// Scenario 4: copy deletion resurrects.
func TestScenarioCopyDeletionResurrects(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, store, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	events, _ := backend.GetEvents(ctx, []calendarbackend.Calendar{{CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	oldCopyID := events[0].EventID
	if err := backend.Remove(ctx, "cal-b", oldCopyID); err != nil {
		t.Fatalf("removing copy: %v", err)
	}

	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	after, _ := backend.GetEvents(ctx, []calendarbackend.Calendar{{CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(after) != 1 {
		t.Fatalf("expected exactly 1 resurrected replica, got %d", len(after))
	}
	if after[0].EventID == oldCopyID {
		t.Errorf("expected a fresh eventId, got the same one")
	}

	_, oldRef := store.FindByEventID("cal-b", oldCopyID)
	if oldRef == nil || !oldRef.IsDeleted {
		t.Errorf("expected old reference tombstoned")
	}
	_, newRef := store.FindByEventID("cal-b", after[0].EventID)
	if newRef == nil || newRef.IsDeleted {
		t.Errorf("expected fresh reference present and live")
	}
}

// Scenario 5: source deletion propagates (tears the group down).
func TestScenarioSourceDeletionPropagates(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, store, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	if err := backend.Remove(ctx, "cal-a", "evt-lunch"); err != nil {
		t.Fatalf("removing source: %v", err)
	}

	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	events, _ := backend.GetEvents(ctx, []calendarbackend.Calendar{{CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(events) != 0 {
		t.Fatalf("expected cal-b copy removed, got %d events", len(events))
	}

	groups := store.Groups()
	for _, g := range groups {
		for _, ref := range g.References {
			if !ref.IsDeleted {
				t.Errorf("expected all references tombstoned, found live %+v", ref)
			}
		}
	}
}

// Scenario 6: fuzzy-match adoption, no duplicate created.
func TestScenarioFuzzyMatchAdoption(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, store, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-a",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-b",
		EventID:      "evt-b",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 2, 0, 0, time.UTC), // 120s later
		EndDate:      time.Date(2025, 1, 15, 13, 2, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})

	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	groups := store.Groups()
	if len(groups) != 1 {
		t.Fatalf("expected exactly 1 group, got %d", len(groups))
	}
	if len(groups[0].References) != 2 {
		t.Fatalf("expected 2 references (no duplicate created), got %d", len(groups[0].References))
	}

	events, _ := backend.GetEvents(ctx, []calendarbackend.Calendar{{CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(events) != 1 {
		t.Errorf("expected no duplicate event created in cal-b, got %d", len(events))
	}
}

// Property: idempotence — a second run with an unchanged universe creates
// or removes no events (see countWrites) and leaves the group structure
// unchanged.
func TestPropertyIdempotence(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, store, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	before := store.Groups()
	writesBefore := countWrites(backend)

	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	after := store.Groups()
	if countWrites(backend) != writesBefore {
		t.Errorf("expected zero additional backend writes on unchanged second run")
	}
	if len(before) != len(after) || before[0].ID != after[0].ID || len(before[0].References) != len(after[0].References) {
		t.Errorf("expected state unchanged across idempotent run")
	}
}

// Property: uniqueness — no (calendarId, eventId) pair appears twice.
func TestPropertyUniqueness(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, store, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	for i := 0; i < 3; i++ {
		if err := rec.Run(ctx, selectedCalendars()); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	seen := make(map[string]int)
	for _, g := range store.Groups() {
		for _, ref := range g.References {
			seen[ref.CalendarID+"/"+ref.EventID]++
		}
	}
	for key, count := range seen {
		if count > 1 {
			t.Errorf("pair %s appears %d times, want at most 1", key, count)
		}
	}
}

// Property: Source immutability — the Source event is never saved or
// removed as long as it is never itself modified.
func TestPropertySourceImmutability(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, _, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})

	for i := 0; i < 3; i++ {
		if err := rec.Run(ctx, selectedCalendars()); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		events, _ := backend.GetEvents(ctx, []calendarbackend.Calendar{{CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
		if len(events) != 1 {
			t.Fatalf("run %d: expected stable single replica, got %d", i, len(events))
		}
		copyEvent := events[0]
		copyEvent.Title = "Drifted"
		copyEvent.LastModified = now.Add(time.Duration(i+1) * time.Hour)
		if err := backend.Save(ctx, &copyEvent); err != nil {
			t.Fatalf("run %d: saving drifted copy: %v", i, err)
		}
	}

	source, _ := backend.GetEvent(ctx, "cal-a", "evt-lunch")
	if source.Title != "Lunch" {
		t.Errorf("expected Source untouched despite Copy drift, got %q", source.Title)
	}
}

// Property: tombstone persistence — a tombstoned reference stays
// tombstoned across a no-op run.
func TestPropertyTombstonePersistence(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	backend, store, rec := newHarness(t, now)
	ctx := context.Background()

	backend.SeedEvent(calendarbackend.Event{
		CalendarID:   "cal-a",
		EventID:      "evt-lunch",
		Title:        "Lunch",
		StartDate:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		LastModified: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	})
	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := backend.Remove(ctx, "cal-a", "evt-lunch"); err != nil {
		t.Fatalf("removing source: %v", err)
	}
	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	_, ref := store.FindByEventID("cal-a", "evt-lunch")
	if ref == nil || !ref.IsDeleted {
		t.Fatalf("expected source reference tombstoned")
	}

	if err := rec.Run(ctx, selectedCalendars()); err != nil {
		t.Fatalf("third Run: %v", err)
	}
	_, ref = store.FindByEventID("cal-a", "evt-lunch")
	if ref == nil || !ref.IsDeleted {
		t.Errorf("expected tombstone to persist across no-op run")
	}
}

// countWrites is a crude backend-write counter: it sums live event counts
// across both calendars, which changes only when an event is created or
// removed. An in-place Save of an existing event does not change it.
func countWrites(backend *calendarbackend.MemoryBackend) int {
	ctx := context.Background()
	events, _ := backend.GetEvents(ctx, []calendarbackend.Calendar{{CalendarID: "cal-a"}, {CalendarID: "cal-b"}}, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	return len(events)
}
