package state

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/rtr"
)

func origin(prefix string, asn payload.ASN) payload.RouteOrigin {
	p := netip.MustParsePrefix(prefix)
	return payload.RouteOrigin{Prefix: p, MaxLength: uint8(p.Bits()), ASN: asn}
}

func setOf(payloads ...payload.Payload) *payload.Set {
	return payload.FromSlice(payloads)
}

func TestFirstPushEstablishesInitialSerial(t *testing.T) {
	cache := New(0x1234, 5, 10)

	set, serial := cache.Current()
	assert.Nil(t, set)
	assert.Equal(t, rtr.Serial(5), serial)

	serial, published := cache.Push(setOf(origin("10.0.0.0/24", 64500)))
	assert.True(t, published)
	assert.Equal(t, rtr.Serial(5), serial)
	assert.Zero(t, cache.HistoryLen())
}

func TestPushAdvancesSerialAndRecordsDiff(t *testing.T) {
	cache := New(0x1234, 0, 10)
	cache.Push(setOf(origin("10.0.0.0/24", 64500)))

	serial, published := cache.Push(setOf(
		origin("10.0.0.0/24", 64500),
		origin("192.0.2.0/24", 64501),
	))
	require.True(t, published)
	assert.Equal(t, rtr.Serial(1), serial)
	assert.Equal(t, 1, cache.HistoryLen())

	diff, current, ok := cache.DiffFrom(0)
	require.True(t, ok)
	assert.Equal(t, rtr.Serial(1), current)
	require.Len(t, diff.Announced(), 1)
	assert.Zero(t, diff.Announced()[0].Compare(origin("192.0.2.0/24", 64501)))
	assert.Empty(t, diff.Withdrawn())
}

func TestPushSuppressesEqualSet(t *testing.T) {
	cache := New(1, 0, 10)
	cache.Push(setOf(origin("10.0.0.0/24", 64500)))

	serial, published := cache.Push(setOf(origin("10.0.0.0/24", 64500)))
	assert.False(t, published)
	assert.Equal(t, rtr.Serial(0), serial)
	assert.Zero(t, cache.HistoryLen())
}

func TestDiffFromCombinesSpan(t *testing.T) {
	cache := New(1, 2, 10)
	s2 := setOf()
	s3 := setOf(origin("10.0.0.0/24", 64500), origin("192.0.2.0/24", 64501))
	s4 := setOf(origin("192.0.2.0/24", 64501))
	s5 := setOf(origin("192.0.2.0/24", 64501), origin("198.51.100.0/24", 64502))
	cache.Push(s2)
	cache.Push(s3)
	cache.Push(s4)
	cache.Push(s5)

	diff, current, ok := cache.DiffFrom(3)
	require.True(t, ok)
	assert.Equal(t, rtr.Serial(5), current)
	assert.True(t, diff.Apply(s3).Equal(s5))

	// 10.0.0.0/24 was announced at 3 and withdrawn at 4: net effect from
	// serial 2 is only the other two announcements
	diff, _, ok = cache.DiffFrom(2)
	require.True(t, ok)
	assert.Len(t, diff.Announced(), 2)
	assert.Empty(t, diff.Withdrawn())
}

func TestDiffFromCurrentSerialIsEmpty(t *testing.T) {
	cache := New(1, 0, 10)
	cache.Push(setOf(origin("10.0.0.0/24", 64500)))

	diff, current, ok := cache.DiffFrom(0)
	require.True(t, ok)
	assert.Equal(t, rtr.Serial(0), current)
	assert.True(t, diff.IsEmpty())
}

func TestDiffFromGapFails(t *testing.T) {
	cache := New(1, 0, 3)
	cache.Push(setOf(origin("10.0.0.0/24", 64500)))
	for i := 0; i < 10; i++ {
		cache.Push(setOf(origin("10.0.0.0/24", payload.ASN(64501+i))))
	}

	_, serial := cache.Current()
	assert.Equal(t, rtr.Serial(10), serial)
	assert.Equal(t, 3, cache.HistoryLen())

	_, _, ok := cache.DiffFrom(1)
	assert.False(t, ok)
	_, _, ok = cache.DiffFrom(6)
	assert.False(t, ok)
	_, _, ok = cache.DiffFrom(7)
	assert.True(t, ok)

	// a serial from the future is a gap too
	_, _, ok = cache.DiffFrom(11)
	assert.False(t, ok)
}

func TestHistoryStaysBounded(t *testing.T) {
	cache := New(1, 0, 3)
	cache.Push(setOf(origin("10.0.0.0/24", 64500)))
	for i := 0; i < 50; i++ {
		cache.Push(setOf(origin("10.0.0.0/24", payload.ASN(64501+i))))
		assert.LessOrEqual(t, cache.HistoryLen(), 3)
	}
}

func TestSerialWrapAcrossHistory(t *testing.T) {
	cache := New(1, 0xfffffffe, 10)
	cache.Push(setOf(origin("10.0.0.0/24", 64500)))
	cache.Push(setOf(origin("10.0.0.0/24", 64501))) // 0xffffffff
	cache.Push(setOf(origin("10.0.0.0/24", 64502))) // 0

	_, serial := cache.Current()
	assert.Equal(t, rtr.Serial(0), serial)

	diff, current, ok := cache.DiffFrom(0xfffffffe)
	require.True(t, ok)
	assert.Equal(t, rtr.Serial(0), current)
	assert.True(t, diff.Apply(setOf(origin("10.0.0.0/24", 64500))).
		Equal(setOf(origin("10.0.0.0/24", 64502))))
}
