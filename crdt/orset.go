package crdt

import (
	"sort"

	"github.com/google/uuid"
)

// ORSet is an observed-remove set: each add mints a fresh unique tag for
// the element, and a remove tombstones every tag the remover has observed.
// An element is visible while it has at least one non-tombstoned tag, so a
// concurrent add always survives a concurrent remove of an older tag.
type ORSet struct {
	// Tags maps element -> tag -> tombstoned.
	Tags map[string]map[string]bool `json:"tags"`
}

// NewORSet creates an empty observed-remove set.
func NewORSet() ORSet {
	return ORSet{Tags: make(map[string]map[string]bool)}
}

// Add inserts element with a fresh unique tag and returns the updated set.
func (s ORSet) Add(element string) ORSet {
	return s.AddTagged(element, uuid.New().String())
}

// AddTagged inserts element under an explicit tag. Used by callers that
// need deterministic tags (tests, replication from a recorded event).
func (s ORSet) AddTagged(element, tag string) ORSet {
	out := s.clone()
	if out.Tags[element] == nil {
		out.Tags[element] = make(map[string]bool)
	}
	if _, exists := out.Tags[element][tag]; !exists {
		out.Tags[element][tag] = false
	}
	return out
}

// Remove tombstones every currently-visible tag for element and returns
// the updated set. Removing an absent element is a no-op.
func (s ORSet) Remove(element string) ORSet {
	out := s.clone()
	for tag := range out.Tags[element] {
		out.Tags[element][tag] = true
	}
	return out
}

// Contains reports whether element has at least one non-tombstoned tag.
func (s ORSet) Contains(element string) bool {
	for _, tombstoned := range s.Tags[element] {
		if !tombstoned {
			return true
		}
	}
	return false
}

// Elements returns the visible elements in sorted order.
func (s ORSet) Elements() []string {
	var out []string
	for element := range s.Tags {
		if s.Contains(element) {
			out = append(out, element)
		}
	}
	sort.Strings(out)
	return out
}

func (s ORSet) clone() ORSet {
	out := ORSet{Tags: make(map[string]map[string]bool, len(s.Tags))}
	for element, tags := range s.Tags {
		copied := make(map[string]bool, len(tags))
		for tag, tombstoned := range tags {
			copied[tag] = tombstoned
		}
		out.Tags[element] = copied
	}
	return out
}

// MergeORSet merges two observed-remove sets: the union of tag sets per
// element, with a tag tombstoned if either side has tombstoned it.
func MergeORSet(a, b ORSet) ORSet {
	out := a.clone()
	for element, tags := range b.Tags {
		if out.Tags[element] == nil {
			out.Tags[element] = make(map[string]bool, len(tags))
		}
		for tag, tombstoned := range tags {
			out.Tags[element][tag] = out.Tags[element][tag] || tombstoned
		}
	}
	return out
}
