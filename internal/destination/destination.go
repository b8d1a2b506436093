// Package destination owns the table of known exit nodes, keyed by a
// stable identifier, in insertion order. The ordering and diff-on-replace
// style follow getployz-ployz's machine/convergence/loop.go applyEvent,
// generalized from one event at a time to a whole-set swap.
package destination

import (
	"errors"
	"fmt"

	"mixvpn"
)

// ErrNotFound is returned by Resolve for an unknown destination.
var ErrNotFound = errors.New("destination not found")

// Store holds the destination table for one config epoch. The zero value is
// an empty, usable Store.
type Store struct {
	order []string
	byID  map[string]mixvpn.Destination
}

// New creates an empty Store.
func New() *Store {
	return &Store{byID: make(map[string]mixvpn.Destination)}
}

// Resolve looks up a destination by ID.
func (s *Store) Resolve(id string) (mixvpn.Destination, error) {
	d, ok := s.byID[id]
	if !ok {
		return mixvpn.Destination{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// List returns destinations in stable, insertion order.
func (s *Store) List() []mixvpn.Destination {
	out := make([]mixvpn.Destination, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Diff is the result of Replace: the destinations added, removed, and
// changed (same ID, different Meta/Path) by the swap.
type Diff struct {
	Added   []mixvpn.Destination
	Removed []mixvpn.Destination
	Changed []mixvpn.Destination
}

// Replace atomically swaps in a new destination set, loaded from a fresh
// config epoch, and reports what changed so the engine can act (tearing
// down sessions to removed destinations, per spec.md §3).
func (s *Store) Replace(newSet []mixvpn.Destination) Diff {
	var diff Diff

	newByID := make(map[string]mixvpn.Destination, len(newSet))
	newOrder := make([]string, 0, len(newSet))
	for _, d := range newSet {
		newByID[d.ID] = d
		newOrder = append(newOrder, d.ID)
	}

	for id, old := range s.byID {
		if _, stillPresent := newByID[id]; !stillPresent {
			diff.Removed = append(diff.Removed, old)
		}
	}
	for _, d := range newSet {
		old, existed := s.byID[d.ID]
		switch {
		case !existed:
			diff.Added = append(diff.Added, d)
		case !destinationEqual(old, d):
			diff.Changed = append(diff.Changed, d)
		}
	}

	s.byID = newByID
	s.order = newOrder
	return diff
}

func destinationEqual(a, b mixvpn.Destination) bool {
	if !pathEqual(a.Path, b.Path) {
		return false
	}
	if len(a.Meta) != len(b.Meta) {
		return false
	}
	for k, v := range a.Meta {
		if b.Meta[k] != v {
			return false
		}
	}
	return true
}

func pathEqual(a, b mixvpn.PathSpec) bool {
	if a.Hops != b.Hops || len(a.Intermediates) != len(b.Intermediates) {
		return false
	}
	for i, hop := range a.Intermediates {
		if b.Intermediates[i] != hop {
			return false
		}
	}
	return true
}
