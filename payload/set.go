package payload

import "sort"

// Set is an immutable, duplicate-free collection of payloads held in the
// total order defined by Payload.Compare. A Set is never modified after
// construction; every new version of a unit's data is a distinct Set value
// shared read-only between the publisher and all consumers.
type Set struct {
	entries []Payload
}

var emptySet = &Set{}

// EmptySet returns the canonical empty set.
func EmptySet() *Set {
	return emptySet
}

// Len returns the number of payloads in the set.
func (s *Set) Len() int {
	return len(s.entries)
}

// IsEmpty reports whether the set contains no payloads.
func (s *Set) IsEmpty() bool {
	return len(s.entries) == 0
}

// Entries returns the payloads in sorted order. The returned slice is the
// set's backing storage and must not be modified.
func (s *Set) Entries() []Payload {
	return s.entries
}

// Contains reports whether the set holds the given payload.
func (s *Set) Contains(p Payload) bool {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Compare(p) >= 0
	})
	return idx < len(s.entries) && s.entries[idx].Compare(p) == 0
}

// Equal reports whether two sets hold exactly the same payloads.
func (s *Set) Equal(other *Set) bool {
	if len(s.entries) != len(other.entries) {
		return false
	}
	for i := range s.entries {
		if s.entries[i].Compare(other.entries[i]) != 0 {
			return false
		}
	}
	return true
}

// Merge returns the union of the two sets.
func (s *Set) Merge(other *Set) *Set {
	out := make([]Payload, 0, len(s.entries)+len(other.entries))
	i, j := 0, 0
	for i < len(s.entries) && j < len(other.entries) {
		switch c := s.entries[i].Compare(other.entries[j]); {
		case c < 0:
			out = append(out, s.entries[i])
			i++
		case c > 0:
			out = append(out, other.entries[j])
			j++
		default:
			out = append(out, s.entries[i])
			i++
			j++
		}
	}
	out = append(out, s.entries[i:]...)
	out = append(out, other.entries[j:]...)
	return &Set{entries: out}
}

// Filter returns the set of payloads for which keep returns true.
func (s *Set) Filter(keep func(Payload) bool) *Set {
	out := make([]Payload, 0, len(s.entries))
	for _, p := range s.entries {
		if keep(p) {
			out = append(out, p)
		}
	}
	return &Set{entries: out}
}

// Origins returns only the route origin payloads of the set.
func (s *Set) Origins() []RouteOrigin {
	var out []RouteOrigin
	for _, p := range s.entries {
		if o, ok := p.(RouteOrigin); ok {
			out = append(out, o)
		}
	}
	return out
}

// RouterKeys returns only the router key payloads of the set.
func (s *Set) RouterKeys() []RouterKey {
	var out []RouterKey
	for _, p := range s.entries {
		if k, ok := p.(RouterKey); ok {
			out = append(out, k)
		}
	}
	return out
}

// Aspas returns only the ASPA payloads of the set.
func (s *Set) Aspas() []Aspa {
	var out []Aspa
	for _, p := range s.entries {
		if a, ok := p.(Aspa); ok {
			out = append(out, a)
		}
	}
	return out
}

// SetBuilder accumulates payloads and finalizes them into a Set. Insertion
// order does not matter and duplicates collapse. The zero value is ready
// for use.
type SetBuilder struct {
	entries []Payload
}

// Add inserts a payload into the builder.
func (b *SetBuilder) Add(p Payload) {
	b.entries = append(b.entries, p)
}

// AddSet inserts every payload of an existing set.
func (b *SetBuilder) AddSet(s *Set) {
	b.entries = append(b.entries, s.entries...)
}

// Len returns the number of payloads added so far, duplicates included.
func (b *SetBuilder) Len() int {
	return len(b.entries)
}

// Finalize sorts, deduplicates, and returns the built set. The builder is
// reset and can be reused.
func (b *SetBuilder) Finalize() *Set {
	entries := b.entries
	b.entries = nil
	if len(entries) == 0 {
		return emptySet
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Compare(entries[j]) < 0
	})
	dedup := entries[:1]
	for _, p := range entries[1:] {
		if dedup[len(dedup)-1].Compare(p) != 0 {
			dedup = append(dedup, p)
		}
	}
	return &Set{entries: dedup}
}

// FromSlice builds a set directly from a slice of payloads.
func FromSlice(entries []Payload) *Set {
	var b SetBuilder
	for _, p := range entries {
		b.Add(p)
	}
	return b.Finalize()
}
