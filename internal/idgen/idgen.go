// Package idgen provides an injectable source of unique identifiers for
// Sync Groups, so tests can supply deterministic ids instead of random UUIDs.
package idgen

import "github.com/google/uuid"

// Generator produces a freshly generated, UUID-shaped unique identifier
// string. Group ids in the Mesh State are created through this interface
// rather than calling uuid.NewString() directly, so tests can inject a
// deterministic sequence.
type Generator interface {
	NewID() string
}

// UUIDGenerator is the production Generator, backed by google/uuid.
type UUIDGenerator struct{}

// NewID returns a new random UUID string (e.g. "b3f2...").
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// Sequence is a deterministic Generator for tests: it returns ids from a
// fixed list in order; once the list is exhausted it returns random UUIDs
// from google/uuid, so only the listed ids are deterministic.
type Sequence struct {
	ids []string
	n   int
}

// NewSequence returns a Generator that yields ids in the given order.
func NewSequence(ids ...string) *Sequence {
	return &Sequence{ids: ids}
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() string {
	if s.n < len(s.ids) {
		id := s.ids[s.n]
		s.n++
		return id
	}
	s.n++
	return uuid.NewString()
}
