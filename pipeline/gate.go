// Package pipeline provides the single-writer multi-reader publication
// primitive connecting units to their consumers. A Gate is the publishing
// side owned by exactly one unit; a Link is the subscribing side held by a
// consumer.
//
// Publishing never blocks on consumers: the current value is installed with
// an atomic pointer swap and subscribers are woken through one-slot
// notification channels, so a slow consumer only ever coalesces versions it
// missed, in the manner of a latest-only channel pipe.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sumkincpp/rtrtr/payload"
)

// ErrGateGone is returned from Link.Updated once the publishing unit has
// terminated for good.
var ErrGateGone = errors.New("pipeline: gate is gone")

type gateState struct {
	set   *payload.Set
	token uint64
	gone  bool
}

// Gate is the publishing end. Only the owning unit may call Publish or
// Terminate; consumers attach with Subscribe.
type Gate struct {
	current atomic.Pointer[gateState]

	mu   sync.Mutex
	subs map[*Link]struct{}
}

// NewGate returns a gate with no published data yet.
func NewGate() *Gate {
	g := &Gate{
		subs: make(map[*Link]struct{}),
	}
	g.current.Store(&gateState{})
	return g
}

// Publish atomically installs a new current value and wakes all
// subscribers. It returns the update token assigned to this version.
// Tokens increase by one per publish.
func (g *Gate) Publish(set *payload.Set) uint64 {
	prev := g.current.Load()
	next := &gateState{set: set, token: prev.token + 1}
	g.current.Store(next)
	g.notifyAll()
	return next.token
}

// PublishIfChanged publishes the set unless it equals the currently
// published one, suppressing spurious duplicate versions. It reports
// whether a new version was actually published.
func (g *Gate) PublishIfChanged(set *payload.Set) (uint64, bool) {
	prev := g.current.Load()
	if prev.set != nil && prev.set.Equal(set) {
		return prev.token, false
	}
	return g.Publish(set), true
}

// Terminate transitions the gate into its terminal gone state. Subscribers
// blocked in Updated observe ErrGateGone. Further publishes are not
// permitted.
func (g *Gate) Terminate() {
	prev := g.current.Load()
	g.current.Store(&gateState{set: prev.set, token: prev.token, gone: true})
	g.notifyAll()
}

func (g *Gate) notifyAll() {
	g.mu.Lock()
	for link := range g.subs {
		select {
		case link.notify <- struct{}{}:
		default:
			// a wake-up is already pending; the link will read the
			// latest state when it gets to it
		}
	}
	g.mu.Unlock()
}

// Current returns the currently published set and its token without
// subscribing. The set is nil until the first publish.
func (g *Gate) Current() (*payload.Set, uint64) {
	st := g.current.Load()
	return st.set, st.token
}

// Subscribe attaches a new link to the gate.
func (g *Gate) Subscribe() *Link {
	l := &Link{
		gate:   g,
		notify: make(chan struct{}, 1),
	}
	g.mu.Lock()
	g.subs[l] = struct{}{}
	g.mu.Unlock()
	return l
}

// SubscriberCount returns the number of attached links.
func (g *Gate) SubscriberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Link is the consuming end of a gate.
type Link struct {
	gate   *Gate
	notify chan struct{}
	seen   uint64
}

// Current returns the currently published set and its token without
// waiting. The set is nil until the first publish.
func (l *Link) Current() (*payload.Set, uint64) {
	st := l.gate.current.Load()
	return st.set, st.token
}

// Updated blocks until a version newer than the last one observed through
// this link is available and returns it. Intermediate versions are
// coalesced: if several publishes happened since the last call, only the
// latest is returned. Returns ErrGateGone once the gate has terminated and
// no unobserved version remains.
func (l *Link) Updated(ctx context.Context) (*payload.Set, uint64, error) {
	for {
		st := l.gate.current.Load()
		if st.token > l.seen {
			l.seen = st.token
			return st.set, st.token, nil
		}
		if st.gone {
			return nil, 0, ErrGateGone
		}
		select {
		case <-l.notify:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// Close detaches the link from its gate. Safe to call more than once.
func (l *Link) Close() {
	l.gate.mu.Lock()
	delete(l.gate.subs, l)
	l.gate.mu.Unlock()
}
