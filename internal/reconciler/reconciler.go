// Package reconciler implements the Sync Engine: the single-shot, batch
// reconciliation pass that classifies live calendar events against the
// Mesh State, propagates creates and updates from Source to Copies, heals
// broken links by fuzzy matching, merges accidentally-forked groups, and
// resurrects improperly deleted copies.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/macjediwizard/calendarsync/internal/calendarbackend"
	"github.com/macjediwizard/calendarsync/internal/clock"
	"github.com/macjediwizard/calendarsync/internal/copier"
	"github.com/macjediwizard/calendarsync/internal/idgen"
	"github.com/macjediwizard/calendarsync/internal/meshstate"
)

// Reconciler runs one reconciliation pass over a fixed set of calendars. It
// holds no state of its own beyond its collaborators — the Mesh State
// Store is the only thing that persists across runs.
type Reconciler struct {
	backend calendarbackend.Backend
	state   *meshstate.Store
	ids     idgen.Generator
	clock   clock.Clock
	log     *slog.Logger
	names   map[string]string // calendarID -> display name, for the Copier's Sync Metadata block
}

// New builds a Reconciler. names maps calendar ids to the display names
// the Copier renders into the "Source: <name>" metadata line; a calendar
// missing from names falls back to its id.
func New(backend calendarbackend.Backend, state *meshstate.Store, ids idgen.Generator, clk clock.Clock, log *slog.Logger, names map[string]string) *Reconciler {
	return &Reconciler{backend: backend, state: state, ids: ids, clock: clk, log: log, names: names}
}

// Run executes one reconciliation pass over calendars: collect live
// events, classify and propagate, detect and heal deletions, prune, and
// persist. The reconciliation window is [now-1 month, now+1 year); the
// pruning horizon is now-1 month.
func (r *Reconciler) Run(ctx context.Context, calendars []calendarbackend.Calendar) error {
	now := r.clock.Now()
	windowStart := now.AddDate(0, -1, 0)
	windowEnd := now.AddDate(1, 0, 0)

	if err := r.state.Load(); err != nil {
		if !errors.Is(err, meshstate.ErrCorrupt) {
			return fmt.Errorf("reconciler: loading state: %w", err)
		}
		r.log.Warn("state file was corrupt, continuing with empty state")
	}

	live, err := r.backend.GetEvents(ctx, calendars, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("reconciler: collecting live events: %w", err)
	}

	// liveIDs is keyed on the (calendarId, eventId) pair rather than bare
	// eventId: backend-issued ids are only guaranteed unique within a
	// single calendar, and keying on the pair keeps deletion detection
	// correct even if two backends happen to emit colliding bare ids.
	liveIDs := make(map[string]struct{}, len(live))
	for _, e := range live {
		liveIDs[pairKey(e.CalendarID, e.EventID)] = struct{}{}
	}

	for _, e := range live {
		r.classifyAndPropagate(ctx, e, calendars, liveIDs)
	}

	calendarIDs := make([]string, len(calendars))
	for i, c := range calendars {
		calendarIDs[i] = c.CalendarID
	}

	handledGroups := make(map[string]struct{})
	for _, ref := range r.state.AllReferences(calendarIDs) {
		if _, ok := liveIDs[pairKey(ref.CalendarID, ref.EventID)]; ok {
			continue
		}
		group, _ := r.state.FindByEventID(ref.CalendarID, ref.EventID)
		if group == nil {
			continue
		}
		if _, done := handledGroups[group.ID]; done {
			continue
		}
		handledGroups[group.ID] = struct{}{}
		r.handleMissing(ctx, group.ID, calendars, liveIDs)
	}

	horizon := now.AddDate(0, -1, 0)
	r.state.Prune(epochFromTime(horizon))

	if err := r.state.Save(); err != nil {
		return fmt.Errorf("reconciler: saving state: %w", err)
	}
	return nil
}

// classifyAndPropagate implements Step 2 for a single live event.
func (r *Reconciler) classifyAndPropagate(ctx context.Context, e calendarbackend.Event, calendars []calendarbackend.Calendar, liveIDs map[string]struct{}) {
	group, ref := r.state.FindByEventID(e.CalendarID, e.EventID)
	lastModified := epochFromTime(e.LastModified)
	startDate := epochFromTime(e.StartDate)

	if group == nil {
		groupID := r.ids.NewID()
		r.state.UpsertReference(e.CalendarID, e.EventID, lastModified, &startDate, groupID)
		r.state.SetSource(groupID, e.CalendarID, e.EventID)
		r.log.Info("new sync group", "action", "group_created", "groupId", groupID, "calendarId", e.CalendarID, "eventId", e.EventID)
		r.propagateNew(ctx, e, groupID, calendars, liveIDs)
		return
	}

	if lastModified <= ref.LastModified {
		return
	}

	isSource := group.IsSource(e.CalendarID, e.EventID)
	sourceless := !group.HasSource()
	groupID := group.ID

	if isSource || sourceless {
		if sourceless {
			r.log.Warn("propagating modification from sourceless group", "groupId", groupID, "calendarId", e.CalendarID, "eventId", e.EventID)
		}
		r.propagateUpdate(ctx, e, groupID)
	}

	r.state.UpsertReference(e.CalendarID, e.EventID, lastModified, &startDate, groupID)
}

// propagateNew fans a freshly discovered Source event out to every other
// selected calendar: adopt a fuzzy-matched existing event if one exists,
// otherwise create a fresh Copy via the Event Field Copier.
func (r *Reconciler) propagateNew(ctx context.Context, source calendarbackend.Event, groupID string, calendars []calendarbackend.Calendar, liveIDs map[string]struct{}) {
	for _, cal := range calendars {
		if cal.CalendarID == source.CalendarID {
			continue
		}

		candidates, err := r.backend.GetEvents(ctx, []calendarbackend.Calendar{cal}, source.StartDate.Add(-fuzzyWindow), source.StartDate.Add(fuzzyWindow))
		if err != nil {
			r.log.Error("fetching candidates for new event failed", "calendarId", cal.CalendarID, "error", err.Error())
			continue
		}

		if match, ok := fuzzyMatch(source, candidates); ok {
			r.state.UpsertReference(match.CalendarID, match.EventID, epochFromTime(match.LastModified), ptr(epochFromTime(match.StartDate)), groupID)
			liveIDs[pairKey(match.CalendarID, match.EventID)] = struct{}{}
			r.log.Info("adopted fuzzy-matched event", "groupId", groupID, "calendarId", match.CalendarID, "eventId", match.EventID)
			continue
		}

		target, err := r.backend.CreateEvent(ctx, cal.CalendarID)
		if err != nil {
			r.log.Error("creating new copy failed", "calendarId", cal.CalendarID, "error", err.Error())
			continue
		}
		copier.CopyFields(&source, target, r.calendarName(source.CalendarID))
		target.LastModified = r.clock.Now()
		if err := r.backend.Save(ctx, target); err != nil {
			r.log.Error("saving new copy failed", "calendarId", cal.CalendarID, "error", err.Error())
			continue
		}
		r.state.UpsertReference(target.CalendarID, target.EventID, epochFromTime(target.LastModified), ptr(epochFromTime(target.StartDate)), groupID)
	}
}

// propagateUpdate pushes source's fields to every live, non-Source
// reference in groupID.
func (r *Reconciler) propagateUpdate(ctx context.Context, source calendarbackend.Event, groupID string) {
	group := r.state.GroupByID(groupID)
	if group == nil {
		return
	}
	for _, ref := range group.References {
		if group.IsSource(ref.CalendarID, ref.EventID) || ref.IsDeleted {
			continue
		}
		target, err := r.backend.GetEvent(ctx, ref.CalendarID, ref.EventID)
		if err != nil {
			r.log.Error("fetching copy for update failed", "calendarId", ref.CalendarID, "eventId", ref.EventID, "error", err.Error())
			continue
		}
		if target == nil {
			r.log.Warn("copy missing during update, deferring to deletion pass", "calendarId", ref.CalendarID, "eventId", ref.EventID)
			continue
		}
		copier.CopyFields(&source, target, r.calendarName(source.CalendarID))
		target.LastModified = r.clock.Now()
		if err := r.backend.Save(ctx, target); err != nil {
			r.log.Error("saving updated copy failed", "calendarId", ref.CalendarID, "eventId", ref.EventID, "error", err.Error())
			continue
		}
		r.state.UpsertReference(target.CalendarID, target.EventID, epochFromTime(target.LastModified), ptr(epochFromTime(target.StartDate)), groupID)
	}
}

// handleMissing implements HandleMissing for one group: it partitions the
// group's live references from its missing ones, then either tombstones
// the whole group (Source and all), heals each missing reference by
// fuzzy match or resurrection, or tears the group down when the Source
// itself is gone.
func (r *Reconciler) handleMissing(ctx context.Context, groupID string, calendars []calendarbackend.Calendar, liveIDs map[string]struct{}) {
	group := r.state.GroupByID(groupID)
	if group == nil {
		return
	}

	calendarSet := make(map[string]calendarbackend.Calendar, len(calendars))
	for _, c := range calendars {
		calendarSet[c.CalendarID] = c
	}

	var validEvents []calendarbackend.Event
	var missingRefs []meshstate.Reference
	for _, ref := range group.References {
		if ref.IsDeleted {
			continue
		}
		ev, err := r.backend.GetEvent(ctx, ref.CalendarID, ref.EventID)
		if err != nil {
			r.log.Error("checking reference during deletion pass failed", "calendarId", ref.CalendarID, "eventId", ref.EventID, "error", err.Error())
			continue
		}
		if ev == nil {
			missingRefs = append(missingRefs, ref)
		} else {
			validEvents = append(validEvents, *ev)
		}
	}

	if len(validEvents) == 0 {
		for _, ref := range group.References {
			r.state.Tombstone(ref.CalendarID, ref.EventID)
		}
		r.log.Info("group fully torn down, no live references remain", "groupId", groupID)
		return
	}

	anchor := validEvents[0]

	var sourceEvent calendarbackend.Event
	sourceAlive := false
	if group.HasSource() {
		for _, ev := range validEvents {
			if group.IsSource(ev.CalendarID, ev.EventID) {
				sourceEvent = ev
				sourceAlive = true
				break
			}
		}
	}

	for _, m := range missingRefs {
		if _, stillSelected := calendarSet[m.CalendarID]; !stillSelected {
			r.state.Tombstone(m.CalendarID, m.EventID)
			continue
		}

		cal := calendarSet[m.CalendarID]
		candidates, err := r.backend.GetEvents(ctx, []calendarbackend.Calendar{cal}, anchor.StartDate.Add(-fuzzyWindow), anchor.StartDate.Add(fuzzyWindow))
		if err != nil {
			r.log.Error("fetching candidates during healing failed", "calendarId", cal.CalendarID, "error", err.Error())
			continue
		}

		if match, ok := fuzzyMatch(anchor, candidates); ok {
			if otherGroup, _ := r.state.FindByEventID(match.CalendarID, match.EventID); otherGroup != nil && otherGroup.ID != groupID {
				r.state.MergeGroups(otherGroup.ID, groupID)
			} else {
				r.state.UpsertReference(match.CalendarID, match.EventID, epochFromTime(match.LastModified), ptr(epochFromTime(match.StartDate)), groupID)
			}
			r.state.Tombstone(m.CalendarID, m.EventID)
			liveIDs[pairKey(match.CalendarID, match.EventID)] = struct{}{}
			continue
		}

		if sourceAlive {
			target, err := r.backend.CreateEvent(ctx, m.CalendarID)
			if err != nil {
				r.log.Error("recreating deleted copy failed", "calendarId", m.CalendarID, "error", err.Error())
				continue
			}
			copier.CopyFields(&sourceEvent, target, r.calendarName(sourceEvent.CalendarID))
			target.LastModified = r.clock.Now()
			if err := r.backend.Save(ctx, target); err != nil {
				r.log.Error("recreating deleted copy failed", "calendarId", m.CalendarID, "error", err.Error())
				continue
			}
			r.state.UpsertReference(target.CalendarID, target.EventID, epochFromTime(target.LastModified), ptr(epochFromTime(target.StartDate)), groupID)
			r.state.Tombstone(m.CalendarID, m.EventID)
			r.log.Info("resurrected deleted copy", "groupId", groupID, "calendarId", m.CalendarID)
			continue
		}

		r.log.Info("source deleted, honoring deletion across group", "groupId", groupID)
		r.state.Tombstone(m.CalendarID, m.EventID)
		for _, ev := range validEvents {
			if err := r.backend.Remove(ctx, ev.CalendarID, ev.EventID); err != nil {
				r.log.Error("removing copy after source deletion failed", "calendarId", ev.CalendarID, "eventId", ev.EventID, "error", err.Error())
			}
			r.state.Tombstone(ev.CalendarID, ev.EventID)
		}
		return
	}
}

func (r *Reconciler) calendarName(calendarID string) string {
	if name, ok := r.names[calendarID]; ok {
		return name
	}
	return calendarID
}

func pairKey(calendarID, eventID string) string {
	return calendarID + "/" + eventID
}

func epochFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func ptr(f float64) *float64 {
	return &f
}
