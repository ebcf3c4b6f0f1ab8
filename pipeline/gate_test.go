package pipeline

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sumkincpp/rtrtr/payload"
)

func testSet(prefix string, asn payload.ASN) *payload.Set {
	p := netip.MustParsePrefix(prefix)
	return payload.FromSlice([]payload.Payload{
		payload.RouteOrigin{Prefix: p, MaxLength: uint8(p.Bits()), ASN: asn},
	})
}

func TestLinkBlocksUntilFirstPublish(t *testing.T) {
	gate := NewGate()
	link := gate.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := link.Updated(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestPublishWakesSubscriber(t *testing.T) {
	gate := NewGate()
	link := gate.Subscribe()

	want := testSet("10.0.0.0/24", 64500)
	token := gate.Publish(want)
	if token != 1 {
		t.Fatalf("unexpected first token %d", token)
	}

	set, gotToken, err := link.Updated(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotToken != token || !set.Equal(want) {
		t.Fatalf("unexpected update: token=%d", gotToken)
	}
}

func TestUpdatedCoalescesToLatest(t *testing.T) {
	gate := NewGate()
	link := gate.Subscribe()

	gate.Publish(testSet("10.0.0.0/24", 64500))
	gate.Publish(testSet("192.0.2.0/24", 64501))
	latest := testSet("198.51.100.0/24", 64502)
	gate.Publish(latest)

	set, token, err := link.Updated(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != 3 || !set.Equal(latest) {
		t.Fatalf("expected latest version, got token %d", token)
	}

	// nothing further pending
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = link.Updated(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestSubscribersObserveSameOrder(t *testing.T) {
	gate := NewGate()
	linkA := gate.Subscribe()
	linkB := gate.Subscribe()

	var wg sync.WaitGroup
	observe := func(link *Link, out *[]uint64) {
		defer wg.Done()
		for {
			_, token, err := link.Updated(context.Background())
			if err != nil {
				return
			}
			*out = append(*out, token)
		}
	}

	var seenA, seenB []uint64
	wg.Add(2)
	go observe(linkA, &seenA)
	go observe(linkB, &seenB)

	for i := 0; i < 20; i++ {
		gate.Publish(testSet("10.0.0.0/24", payload.ASN(64500+i)))
	}
	gate.Terminate()
	wg.Wait()

	for name, seen := range map[string][]uint64{"a": seenA, "b": seenB} {
		for i := 1; i < len(seen); i++ {
			if seen[i] <= seen[i-1] {
				t.Fatalf("subscriber %s observed tokens out of order: %v", name, seen)
			}
		}
	}
}

func TestPublishIfChangedSuppressesDuplicates(t *testing.T) {
	gate := NewGate()
	link := gate.Subscribe()

	set := testSet("10.0.0.0/24", 64500)
	if _, published := gate.PublishIfChanged(set); !published {
		t.Fatalf("first publish must go through")
	}
	if _, published := gate.PublishIfChanged(testSet("10.0.0.0/24", 64500)); published {
		t.Fatalf("identical set must be suppressed")
	}

	_, token, err := link.Updated(context.Background())
	if err != nil || token != 1 {
		t.Fatalf("expected exactly one observable version, got token %d err %v", token, err)
	}
}

func TestTerminateReleasesWaiters(t *testing.T) {
	gate := NewGate()
	link := gate.Subscribe()

	done := make(chan error, 1)
	go func() {
		_, _, err := link.Updated(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	gate.Terminate()

	select {
	case err := <-done:
		if err != ErrGateGone {
			t.Fatalf("expected ErrGateGone, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was not released")
	}
}

func TestCloseDetachesLink(t *testing.T) {
	gate := NewGate()
	link := gate.Subscribe()
	if gate.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber")
	}
	link.Close()
	link.Close()
	if gate.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers")
	}
}
