// Package state keeps the per-target RTR session state: the session id, the
// current serial and payload set, and the bounded history of recent diffs
// that lets reconnecting clients resync incrementally.
package state

import (
	"sync/atomic"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/rtr"
)

// DefaultHistorySize is the diff history bound used when the target does
// not configure one.
const DefaultHistorySize = 10

type taggedDiff struct {
	// serial is the serial the diff produces.
	serial rtr.Serial
	diff   *payload.Diff
}

type snapshot struct {
	session uint16
	serial  rtr.Serial
	set     *payload.Set
	// diffs is ordered oldest first and always covers the contiguous
	// serial range (serial-len(diffs), serial].
	diffs []taggedDiff
}

// Cache is the shared state between a target task and its connection
// handlers. The target task is the single writer through Push; handlers
// read consistent snapshots without locking.
type Cache struct {
	historySize int
	data        atomic.Pointer[snapshot]
}

// New creates a cache for a fresh session. No data is available until the
// first Push.
func New(session uint16, initialSerial rtr.Serial, historySize int) *Cache {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	c := &Cache{historySize: historySize}
	c.data.Store(&snapshot{session: session, serial: initialSerial})
	return c
}

// Session returns the session id.
func (c *Cache) Session() uint16 {
	return c.data.Load().session
}

// Current returns the current set and serial. The set is nil until the
// first Push.
func (c *Cache) Current() (*payload.Set, rtr.Serial) {
	snap := c.data.Load()
	return snap.set, snap.serial
}

// HistoryLen returns the number of diffs currently retained.
func (c *Cache) HistoryLen() int {
	return len(c.data.Load().diffs)
}

// Push installs a new payload set. The first Push establishes the data at
// the initial serial; every later Push computes the diff against the
// previous set, advances the serial by one, and appends the diff to the
// history, evicting the oldest entry beyond the history bound. It returns
// the serial now current and whether the push produced a new version (a
// set equal to the current one is suppressed).
func (c *Cache) Push(set *payload.Set) (rtr.Serial, bool) {
	prev := c.data.Load()

	if prev.set == nil {
		c.data.Store(&snapshot{session: prev.session, serial: prev.serial, set: set})
		return prev.serial, true
	}
	if prev.set.Equal(set) {
		return prev.serial, false
	}

	diff := payload.ComputeDiff(prev.set, set)
	serial := prev.serial.Next()

	diffs := make([]taggedDiff, 0, len(prev.diffs)+1)
	diffs = append(diffs, prev.diffs...)
	diffs = append(diffs, taggedDiff{serial: serial, diff: diff})
	if len(diffs) > c.historySize {
		diffs = diffs[len(diffs)-c.historySize:]
	}

	c.data.Store(&snapshot{
		session: prev.session,
		serial:  serial,
		set:     set,
		diffs:   diffs,
	})
	return serial, true
}

// DiffFrom returns the combined diff leading from the given client serial
// to the current serial. The second return value is false when the history
// does not reach back far enough (or the serial lies ahead of the current
// one), in which case the client needs a full resync.
func (c *Cache) DiffFrom(serial rtr.Serial) (*payload.Diff, rtr.Serial, bool) {
	snap := c.data.Load()
	if snap.set == nil {
		return nil, snap.serial, false
	}
	if serial == snap.serial {
		return payload.EmptyDiff(), snap.serial, true
	}
	if serial.After(snap.serial) {
		return nil, snap.serial, false
	}

	distance := serial.Distance(snap.serial)
	if uint64(distance) > uint64(len(snap.diffs)) {
		return nil, snap.serial, false
	}

	start := len(snap.diffs) - int(distance)
	combined := snap.diffs[start].diff
	for _, tagged := range snap.diffs[start+1:] {
		combined = combined.Extend(tagged.diff)
	}
	return combined, snap.serial, true
}
