package manager

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/config"
	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/pipeline"
)

// recorder collects what stub components saw, keyed by component name.
type recorder struct {
	lock   sync.Mutex
	starts map[string]int
	sets   map[string][]*payload.Set
}

func newRecorder() *recorder {
	return &recorder{
		starts: make(map[string]int),
		sets:   make(map[string][]*payload.Set),
	}
}

func (r *recorder) started(name string) {
	r.lock.Lock()
	r.starts[name]++
	r.lock.Unlock()
}

func (r *recorder) record(name string, set *payload.Set) {
	r.lock.Lock()
	r.sets[name] = append(r.sets[name], set)
	r.lock.Unlock()
}

func (r *recorder) startCount(name string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.starts[name]
}

func (r *recorder) setCount(name string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sets[name])
}

// stubSource publishes one fixed origin and then idles. A different ASN
// makes the config count as changed on reload.
type stubSource struct {
	ASN uint32

	rec *recorder
}

func (u *stubSource) SourceNames() []string { return nil }

func (u *stubSource) Run(
	ctx context.Context,
	comp *pipeline.Component,
	gate *pipeline.Gate,
	sources []*pipeline.Link,
) error {
	u.rec.started(comp.Name)
	prefix := netip.MustParsePrefix("10.0.0.0/24")
	gate.PublishIfChanged(payload.FromSlice([]payload.Payload{
		payload.RouteOrigin{Prefix: prefix, MaxLength: 24, ASN: payload.ASN(u.ASN)},
	}))
	<-ctx.Done()
	return nil
}

// stubSink records every version it observes from its source.
type stubSink struct {
	Source string

	rec *recorder
}

func (t *stubSink) SourceName() string { return t.Source }

func (t *stubSink) Run(ctx context.Context, comp *pipeline.Component, source *pipeline.Link) error {
	t.rec.started(comp.Name)
	defer source.Close()
	for {
		set, _, err := source.Updated(ctx)
		if err != nil {
			return nil
		}
		t.rec.record(comp.Name, set)
	}
}

func testConfig(rec *recorder, sourceASN uint32) *config.Config {
	return &config.Config{
		ShutdownTimeout: 1,
		Units: map[string]config.Unit{
			"src": &stubSource{ASN: sourceASN, rec: rec},
		},
		Targets: map[string]config.Target{
			"sink": &stubSink{Source: "src", rec: rec},
		},
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}

func TestStartWiresUnitsToTargets(t *testing.T) {
	rec := newRecorder()
	mgr := New(zap.NewNop())
	mgr.Start(testConfig(rec, 64500))
	defer mgr.Shutdown()

	eventually(t, func() bool { return rec.setCount("sink") == 1 },
		"sink observed the source's version")
	assert.Equal(t, 1, rec.startCount("src"))
	assert.Equal(t, 1, rec.startCount("sink"))
}

func TestReloadKeepsUnchangedComponents(t *testing.T) {
	rec := newRecorder()
	mgr := New(zap.NewNop())
	mgr.Start(testConfig(rec, 64500))
	defer mgr.Shutdown()

	eventually(t, func() bool { return rec.setCount("sink") == 1 }, "initial sync")

	mgr.Reload(testConfig(rec, 64500))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, rec.startCount("src"), "unchanged unit must keep running")
	assert.Equal(t, 1, rec.startCount("sink"), "unchanged target must keep running")
}

func TestReloadReplacesChangedUnit(t *testing.T) {
	rec := newRecorder()
	mgr := New(zap.NewNop())
	mgr.Start(testConfig(rec, 64500))
	defer mgr.Shutdown()

	eventually(t, func() bool { return rec.setCount("sink") == 1 }, "initial sync")

	// same names, different unit options: the unit restarts, the target
	// keeps its link and sees the new version through the same gate
	mgr.Reload(testConfig(rec, 64999))

	eventually(t, func() bool { return rec.setCount("sink") == 2 },
		"sink observed the replacement unit's version")
	assert.Equal(t, 2, rec.startCount("src"))
	assert.Equal(t, 1, rec.startCount("sink"))
}

func TestReloadAddsAndRemovesComponents(t *testing.T) {
	rec := newRecorder()
	mgr := New(zap.NewNop())
	mgr.Start(testConfig(rec, 64500))
	defer mgr.Shutdown()

	eventually(t, func() bool { return rec.setCount("sink") == 1 }, "initial sync")

	// drop the target, add a second unit
	next := &config.Config{
		ShutdownTimeout: 1,
		Units: map[string]config.Unit{
			"src":   &stubSource{ASN: 64500, rec: rec},
			"extra": &stubSource{ASN: 64501, rec: rec},
		},
		Targets: map[string]config.Target{},
	}
	mgr.Reload(next)

	eventually(t, func() bool { return rec.startCount("extra") == 1 }, "added unit started")
	require.Contains(t, mgr.Status(), "unit extra")
	assert.NotContains(t, mgr.Status(), "target sink")
}

func TestShutdownStopsEverything(t *testing.T) {
	rec := newRecorder()
	mgr := New(zap.NewNop())
	mgr.Start(testConfig(rec, 64500))

	eventually(t, func() bool { return rec.setCount("sink") == 1 }, "initial sync")

	done := make(chan struct{})
	go func() {
		mgr.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not complete")
	}
	assert.Empty(t, mgr.Status())
}
