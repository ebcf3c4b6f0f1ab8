package payload

// Diff is the difference between two payload sets: the payloads that appear
// in the successor but not the predecessor (announced) and the payloads
// that appear in the predecessor but not the successor (withdrawn). The two
// lists are disjoint, sorted, and immutable.
type Diff struct {
	announced []Payload
	withdrawn []Payload
}

var emptyDiff = &Diff{}

// EmptyDiff returns the canonical diff that changes nothing.
func EmptyDiff() *Diff {
	return emptyDiff
}

// ComputeDiff computes the diff that transforms old into new.
func ComputeDiff(old, new *Set) *Diff {
	var announced, withdrawn []Payload
	i, j := 0, 0
	oldE, newE := old.entries, new.entries
	for i < len(oldE) && j < len(newE) {
		switch c := oldE[i].Compare(newE[j]); {
		case c < 0:
			withdrawn = append(withdrawn, oldE[i])
			i++
		case c > 0:
			announced = append(announced, newE[j])
			j++
		default:
			i++
			j++
		}
	}
	withdrawn = append(withdrawn, oldE[i:]...)
	announced = append(announced, newE[j:]...)
	if len(announced) == 0 && len(withdrawn) == 0 {
		return emptyDiff
	}
	return &Diff{announced: announced, withdrawn: withdrawn}
}

// Announced returns the announced payloads in sorted order. Read-only.
func (d *Diff) Announced() []Payload {
	return d.announced
}

// Withdrawn returns the withdrawn payloads in sorted order. Read-only.
func (d *Diff) Withdrawn() []Payload {
	return d.withdrawn
}

// IsEmpty reports whether the diff changes nothing.
func (d *Diff) IsEmpty() bool {
	return len(d.announced) == 0 && len(d.withdrawn) == 0
}

// Len returns the total number of changed payloads.
func (d *Diff) Len() int {
	return len(d.announced) + len(d.withdrawn)
}

// Apply transforms a set this diff was computed against into the successor
// set. Applying a diff to any other set still removes all withdrawn and
// adds all announced payloads.
func (d *Diff) Apply(s *Set) *Set {
	out := make([]Payload, 0, len(s.entries)+len(d.announced))
	i, j := 0, 0
	entries := s.entries
	for _, w := range d.withdrawn {
		for i < len(entries) && entries[i].Compare(w) < 0 {
			out = append(out, entries[i])
			i++
		}
		if i < len(entries) && entries[i].Compare(w) == 0 {
			i++
		}
	}
	out = append(out, entries[i:]...)

	// merge announcements into the withdrawal-filtered remainder
	merged := make([]Payload, 0, len(out)+len(d.announced))
	i = 0
	for i < len(out) && j < len(d.announced) {
		switch c := out[i].Compare(d.announced[j]); {
		case c < 0:
			merged = append(merged, out[i])
			i++
		case c > 0:
			merged = append(merged, d.announced[j])
			j++
		default:
			merged = append(merged, out[i])
			i++
			j++
		}
	}
	merged = append(merged, out[i:]...)
	merged = append(merged, d.announced[j:]...)
	return &Set{entries: merged}
}

// Extend combines this diff with a later diff computed against this diff's
// successor, yielding the diff from this diff's predecessor straight to the
// later successor. Records announced and then withdrawn (or vice versa)
// across the span cancel out:
//
//	announced = (d.announced \ next.withdrawn) ∪ (next.announced \ d.withdrawn)
//	withdrawn = (d.withdrawn \ next.announced) ∪ (next.withdrawn \ d.announced)
func (d *Diff) Extend(next *Diff) *Diff {
	announced := mergeDisjoint(
		subtract(d.announced, next.withdrawn),
		subtract(next.announced, d.withdrawn),
	)
	withdrawn := mergeDisjoint(
		subtract(d.withdrawn, next.announced),
		subtract(next.withdrawn, d.announced),
	)
	if len(announced) == 0 && len(withdrawn) == 0 {
		return emptyDiff
	}
	return &Diff{announced: announced, withdrawn: withdrawn}
}

// subtract returns a \ b for sorted slices.
func subtract(a, b []Payload) []Payload {
	var out []Payload
	i, j := 0, 0
	for i < len(a) {
		for j < len(b) && b[j].Compare(a[i]) < 0 {
			j++
		}
		if j < len(b) && b[j].Compare(a[i]) == 0 {
			i++
			continue
		}
		out = append(out, a[i])
		i++
	}
	return out
}

// mergeDisjoint merges two sorted slices known to share no elements.
func mergeDisjoint(a, b []Payload) []Payload {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]Payload, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Compare(b[j]) < 0 {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
