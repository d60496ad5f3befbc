package meshstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrCorrupt is returned (after the corrupt file has already been
	// quarantined) when Load had to fall back to an empty state.
	ErrCorrupt = errors.New("meshstate: state file corrupt, started fresh")
)

// Store is the Mesh State Store: the single JSON document recording every
// Sync Group, with atomic save-with-backup and corrupt-file quarantine
// discipline, mirroring the teacher's JSON-over-files conventions adapted
// for a single flat document rather than a row-keyed table.
type Store struct {
	mu   sync.Mutex
	path string

	doc document
	// index maps "calendarID/eventID" to the owning group's position in
	// doc.Groups, rebuilt after every load and structural mutation so
	// FindByEventID stays a map lookup rather than a linear scan once the
	// state grows past a handful of groups.
	index map[string]int
}

// NewStore creates a Store backed by the JSON file at path. The file and
// its parent directory are created lazily on first Save.
func NewStore(path string) *Store {
	return &Store{path: path, index: make(map[string]int)}
}

// Load reads the state file. A missing file yields an empty state, not an
// error — that is the expected condition on first run. A malformed file is
// quarantined under a ".corrupt.<epoch>" suffix and Load proceeds with an
// empty state, returning ErrCorrupt so the caller can log it.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.doc = document{}
		s.rebuildIndex()
		return nil
	}
	if err != nil {
		return fmt.Errorf("meshstate: reading %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, quarantine); renameErr != nil {
			return fmt.Errorf("meshstate: quarantining corrupt state: %w", renameErr)
		}
		s.doc = document{}
		s.rebuildIndex()
		return ErrCorrupt
	}

	s.doc = doc
	s.rebuildIndex()
	return nil
}

func (s *Store) rebuildIndex() {
	s.index = make(map[string]int, len(s.doc.Groups))
	for i, g := range s.doc.Groups {
		for _, ref := range g.References {
			s.index[refKey(ref.CalendarID, ref.EventID)] = i
		}
	}
}

func refKey(calendarID, eventID string) string {
	return calendarID + "/" + eventID
}

// Save copies the prior file into backups/state_backup_<epoch>.json, then
// writes the current document via temp-file-and-rename, so a crash mid-write
// never leaves a half-written state file and the previous state is always
// recoverable.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("meshstate: creating %s: %w", dir, err)
	}

	if err := s.backupLocked(dir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("meshstate: marshalling state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("meshstate: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("meshstate: renaming %s: %w", tmp, err)
	}
	return nil
}

func (s *Store) backupLocked(dir string) error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	prior, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("meshstate: reading prior state for backup: %w", err)
	}
	backupDir := filepath.Join(dir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("meshstate: creating backup dir: %w", err)
	}
	backupPath := filepath.Join(backupDir, fmt.Sprintf("state_backup_%d.json", time.Now().Unix()))
	if err := os.WriteFile(backupPath, prior, 0o644); err != nil {
		return fmt.Errorf("meshstate: writing backup: %w", err)
	}
	return nil
}

// FindByEventID returns the group and reference for (calendarID, eventID),
// or (nil, nil) if untracked.
func (s *Store) FindByEventID(calendarID, eventID string) (*Group, *Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(calendarID, eventID)
}

func (s *Store) findLocked(calendarID, eventID string) (*Group, *Reference) {
	i, ok := s.index[refKey(calendarID, eventID)]
	if !ok || i >= len(s.doc.Groups) {
		return nil, nil
	}
	g := &s.doc.Groups[i]
	ref := g.Find(calendarID, eventID)
	if ref == nil {
		return nil, nil
	}
	return g, ref
}

// UpsertReference records (calendarID, eventID) as live with the given
// timestamps. If the pair already exists anywhere, its timestamps are
// updated and any tombstone cleared (resurrection). Otherwise it is
// appended to the group named by groupID, or to a freshly created group
// with that id if no such group exists yet.
func (s *Store) UpsertReference(calendarID, eventID string, lastModified float64, startDate *float64, groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ref := s.findLocked(calendarID, eventID); ref != nil {
		ref.LastModified = lastModified
		ref.StartDate = startDate
		ref.IsDeleted = false
		return
	}

	gi := s.groupIndexLocked(groupID)
	if gi < 0 {
		s.doc.Groups = append(s.doc.Groups, Group{ID: groupID})
		gi = len(s.doc.Groups) - 1
	}
	s.doc.Groups[gi].References = append(s.doc.Groups[gi].References, Reference{
		CalendarID:   calendarID,
		EventID:      eventID,
		LastModified: lastModified,
		StartDate:    startDate,
	})
	s.index[refKey(calendarID, eventID)] = gi
}

func (s *Store) groupIndexLocked(groupID string) int {
	for i, g := range s.doc.Groups {
		if g.ID == groupID {
			return i
		}
	}
	return -1
}

// Tombstone marks (calendarID, eventID) as deleted. A no-op if untracked.
func (s *Store) Tombstone(calendarID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ref := s.findLocked(calendarID, eventID); ref != nil {
		ref.IsDeleted = true
	}
}

// SetSource records the Source pointer for groupID. A no-op if the group
// does not exist.
func (s *Store) SetSource(groupID, calendarID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gi := s.groupIndexLocked(groupID)
	if gi < 0 {
		return
	}
	cal, evt := calendarID, eventID
	s.doc.Groups[gi].SourceCalendarID = &cal
	s.doc.Groups[gi].SourceEventID = &evt
}

// GroupByID returns the group with the given id, or nil.
func (s *Store) GroupByID(groupID string) *Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	gi := s.groupIndexLocked(groupID)
	if gi < 0 {
		return nil
	}
	return &s.doc.Groups[gi]
}

// MergeGroups concatenates loserID's references into winnerID and removes
// the loser. The winner's Source pointer is retained; the loser's is
// discarded. A no-op if either group is unknown or they are the same group.
func (s *Store) MergeGroups(loserID, winnerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loserID == winnerID {
		return
	}
	li, wi := s.groupIndexLocked(loserID), s.groupIndexLocked(winnerID)
	if li < 0 || wi < 0 {
		return
	}
	loser := s.doc.Groups[li]
	s.doc.Groups[wi].References = append(s.doc.Groups[wi].References, loser.References...)
	s.doc.Groups = append(s.doc.Groups[:li], s.doc.Groups[li+1:]...)
	s.rebuildIndex()
}

// AllReferences returns every non-deleted reference whose calendar is in
// calendarIDs.
func (s *Store) AllReferences(calendarIDs []string) []Reference {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(calendarIDs))
	for _, id := range calendarIDs {
		wanted[id] = struct{}{}
	}

	var out []Reference
	for _, g := range s.doc.Groups {
		for _, ref := range g.References {
			if ref.IsDeleted {
				continue
			}
			if _, ok := wanted[ref.CalendarID]; ok {
				out = append(out, ref)
			}
		}
	}
	return out
}

// Groups returns every Sync Group currently in the state.
func (s *Store) Groups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Group, len(s.doc.Groups))
	copy(out, s.doc.Groups)
	return out
}

// Prune drops references whose StartDate is strictly less than horizon
// (epoch seconds), and removes groups left with no references. References
// with no recorded StartDate (legacy data) are never pruned by this rule.
func (s *Store) Prune(horizon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.doc.Groups[:0]
	for _, g := range s.doc.Groups {
		refs := g.References[:0]
		for _, ref := range g.References {
			if ref.StartDate != nil && *ref.StartDate < horizon {
				continue
			}
			refs = append(refs, ref)
		}
		g.References = refs
		if len(g.References) > 0 {
			kept = append(kept, g)
		}
	}
	s.doc.Groups = kept
	s.rebuildIndex()
}
