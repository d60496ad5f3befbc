package copier

import (
	"strings"
	"testing"
	"time"

	"github.com/macjediwizard/calendarsync/internal/calendarbackend"
)

func TestCopyFieldsProducesMetadataBlock(t *testing.T) {
	source := &calendarbackend.Event{
		Title:     "Lunch",
		StartDate: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		Notes:     "bring sandwiches",
	}
	target := &calendarbackend.Event{}

	CopyFields(source, target, "A")

	if target.Title != "Lunch" {
		t.Errorf("Title = %q, want Lunch", target.Title)
	}
	if !strings.HasSuffix(target.Notes, "--- Sync Metadata ---\nSource: A") {
		t.Errorf("Notes = %q, want suffix with metadata block", target.Notes)
	}
	if !strings.HasPrefix(target.Notes, "bring sandwiches") {
		t.Errorf("Notes = %q, want source notes preserved at head", target.Notes)
	}
}

func TestCopyFieldsListsParticipants(t *testing.T) {
	source := &calendarbackend.Event{
		Title: "Standup",
		Attendees: []calendarbackend.Attendee{
			{Name: "Ada", ParticipationStatus: calendarbackend.StatusAccepted},
			{Name: "Grace", ParticipationStatus: calendarbackend.StatusTentative},
		},
	}
	target := &calendarbackend.Event{}

	CopyFields(source, target, "Team")

	want := "Participants\n- Ada (Accepted)\n- Grace (Tentative)"
	if !strings.HasSuffix(target.Notes, want) {
		t.Errorf("Notes = %q, want suffix %q", target.Notes, want)
	}
}

func TestCopyFieldsIsIdempotentAcrossRepeatedApplication(t *testing.T) {
	source := &calendarbackend.Event{
		Title: "Retro",
		Attendees: []calendarbackend.Attendee{
			{Name: "Ada", ParticipationStatus: calendarbackend.StatusAccepted},
		},
		Notes: "retro notes",
	}
	target := &calendarbackend.Event{}

	CopyFields(source, target, "Eng")
	first := target.Notes

	CopyFields(source, target, "Eng")
	second := target.Notes

	if first != second {
		t.Errorf("notes changed on second application:\nfirst:  %q\nsecond: %q", first, second)
	}
	if strings.Count(second, "--- Sync Metadata ---") != 1 {
		t.Errorf("expected exactly one metadata block, got notes %q", second)
	}
}

func TestCopyFieldsNeverCopiesAttendees(t *testing.T) {
	source := &calendarbackend.Event{
		Attendees: []calendarbackend.Attendee{{Name: "Ada"}},
	}
	target := &calendarbackend.Event{
		Attendees: []calendarbackend.Attendee{{Name: "Existing"}},
	}

	CopyFields(source, target, "A")

	if len(target.Attendees) != 1 || target.Attendees[0].Name != "Existing" {
		t.Errorf("expected target.Attendees untouched, got %+v", target.Attendees)
	}
}
