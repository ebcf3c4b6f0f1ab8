package payload

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustOrigin(t *testing.T, prefix string, maxLen uint8, asn ASN) RouteOrigin {
	t.Helper()
	p, err := netip.ParsePrefix(prefix)
	require.NoError(t, err)
	return RouteOrigin{Prefix: p, MaxLength: maxLen, ASN: asn}
}

func TestParseASN(t *testing.T) {
	for _, input := range []string{"64500", "AS64500", "as64500", "As64500"} {
		asn, err := ParseASN(input)
		require.NoError(t, err, input)
		assert.Equal(t, ASN(64500), asn)
	}

	_, err := ParseASN("ASAS64500")
	assert.Error(t, err)
	_, err = ParseASN("")
	assert.Error(t, err)
	_, err = ParseASN("4294967296")
	assert.Error(t, err)
}

func TestPayloadOrdering(t *testing.T) {
	v4 := mustOrigin(t, "10.0.0.0/24", 24, 64500)
	v4Wider := mustOrigin(t, "10.0.0.0/25", 25, 64500)
	v6 := mustOrigin(t, "2001:db8::/32", 48, 64501)
	key := RouterKey{ASN: 64502}
	aspa := NewAspa(64503, []ASN{64504})

	// variant tag dominates
	assert.Negative(t, v6.Compare(key))
	assert.Negative(t, key.Compare(aspa))

	// v4 before v6
	assert.Negative(t, v4.Compare(v6))
	assert.Positive(t, v6.Compare(v4))

	// same address, shorter prefix first
	assert.Negative(t, v4.Compare(v4Wider))

	assert.Zero(t, v4.Compare(mustOrigin(t, "10.0.0.0/24", 24, 64500)))
}

func TestAspaProvidersNormalized(t *testing.T) {
	a := NewAspa(64500, []ASN{3, 1, 2, 1, 3})
	assert.Equal(t, []ASN{1, 2, 3}, a.Providers)
	b := NewAspa(64500, []ASN{1, 2, 3})
	assert.Zero(t, a.Compare(b))
}

func TestSetBuilderDeduplicates(t *testing.T) {
	var b SetBuilder
	b.Add(mustOrigin(t, "10.0.0.0/24", 24, 64500))
	b.Add(mustOrigin(t, "192.0.2.0/24", 24, 64501))
	b.Add(mustOrigin(t, "10.0.0.0/24", 24, 64500))
	set := b.Finalize()

	require.Equal(t, 2, set.Len())
	assert.True(t, set.Contains(mustOrigin(t, "10.0.0.0/24", 24, 64500)))
	assert.True(t, set.Contains(mustOrigin(t, "192.0.2.0/24", 24, 64501)))
	assert.False(t, set.Contains(mustOrigin(t, "10.0.0.0/24", 25, 64500)))
}

func TestSetMerge(t *testing.T) {
	a := FromSlice([]Payload{
		mustOrigin(t, "10.0.0.0/24", 24, 64500),
		mustOrigin(t, "192.0.2.0/24", 24, 64501),
	})
	b := FromSlice([]Payload{
		mustOrigin(t, "192.0.2.0/24", 24, 64501),
		mustOrigin(t, "198.51.100.0/24", 24, 64502),
	})

	merged := a.Merge(b)
	assert.Equal(t, 3, merged.Len())
	assert.True(t, merged.Equal(b.Merge(a)))
}

func TestDiffApplyRoundTrip(t *testing.T) {
	before := FromSlice([]Payload{
		mustOrigin(t, "10.0.0.0/24", 24, 64500),
		mustOrigin(t, "192.0.2.0/24", 24, 64501),
		NewAspa(64503, []ASN{64504}),
	})
	after := FromSlice([]Payload{
		mustOrigin(t, "10.0.0.0/24", 24, 64500),
		mustOrigin(t, "198.51.100.0/24", 24, 64502),
	})

	diff := ComputeDiff(before, after)
	assert.Len(t, diff.Announced(), 1)
	assert.Len(t, diff.Withdrawn(), 2)
	assert.True(t, diff.Apply(before).Equal(after))

	// diffing a set against itself is empty
	assert.True(t, ComputeDiff(after, after).IsEmpty())
}

func TestDiffExtendMatchesDirectDiff(t *testing.T) {
	s1 := FromSlice([]Payload{
		mustOrigin(t, "10.0.0.0/24", 24, 64500),
		mustOrigin(t, "192.0.2.0/24", 24, 64501),
	})
	s2 := FromSlice([]Payload{
		mustOrigin(t, "192.0.2.0/24", 24, 64501),
		mustOrigin(t, "198.51.100.0/24", 24, 64502),
	})
	s3 := FromSlice([]Payload{
		// 10.0.0.0/24 comes back: its withdraw and re-announce must cancel
		mustOrigin(t, "10.0.0.0/24", 24, 64500),
		mustOrigin(t, "192.0.2.0/24", 24, 64501),
		mustOrigin(t, "203.0.113.0/24", 24, 64503),
	})

	d12 := ComputeDiff(s1, s2)
	d23 := ComputeDiff(s2, s3)
	combined := d12.Extend(d23)

	direct := ComputeDiff(s1, s3)
	assert.Equal(t, direct.Announced(), combined.Announced())
	assert.Equal(t, direct.Withdrawn(), combined.Withdrawn())
	assert.True(t, combined.Apply(s1).Equal(s3))
}

func TestFeedRoundTrip(t *testing.T) {
	key := RouterKey{ASN: 64505, SubjectPublicKeyInfo: []byte("example-spki")}
	copy(key.SubjectKeyID[:], bytes.Repeat([]byte{0xab}, KeyIdentifierLen))
	set := FromSlice([]Payload{
		mustOrigin(t, "10.0.0.0/24", 24, 64500),
		mustOrigin(t, "2001:db8::/32", 48, 64501),
		key,
		NewAspa(64503, []ASN{64504, 64505}),
	})

	var buf bytes.Buffer
	require.NoError(t, WriteFeed(&buf, set))

	decoded, err := ParseFeed(&buf)
	require.NoError(t, err)
	assert.True(t, decoded.Equal(set))
}

func TestFeedAcceptsNumericAndPrefixedASNs(t *testing.T) {
	doc := `{
		"metadata": {"generated": 1},
		"roas": [
			{"asn": 64500, "prefix": "10.0.0.0/24", "maxLength": 24, "ta": "test"},
			{"asn": "64501", "prefix": "192.0.2.0/24", "maxLength": 24},
			{"asn": "AS64502", "prefix": "198.51.100.0/24", "maxLength": 25}
		]
	}`
	set, err := ParseFeed(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
	assert.True(t, set.Contains(mustOrigin(t, "10.0.0.0/24", 24, 64500)))
	assert.True(t, set.Contains(mustOrigin(t, "192.0.2.0/24", 24, 64501)))
	assert.True(t, set.Contains(mustOrigin(t, "198.51.100.0/24", 25, 64502)))
}

func TestFeedNeverDoublesASPrefix(t *testing.T) {
	set := FromSlice([]Payload{mustOrigin(t, "10.0.0.0/24", 24, 64500)})

	var buf bytes.Buffer
	require.NoError(t, WriteFeed(&buf, set))
	encoded := buf.String()

	assert.Equal(t, 1, strings.Count(encoded, `"AS64500"`))
	assert.NotContains(t, encoded, "ASAS")
	assert.Equal(t, 1, strings.Count(encoded, `"maxLength"`))
}

func TestFeedRejectsBadInput(t *testing.T) {
	_, err := ParseFeed(strings.NewReader(`{`))
	assert.Error(t, err)

	_, err = ParseFeed(strings.NewReader(`{"roas": [{"asn": "ASAS64500", "prefix": "10.0.0.0/24", "maxLength": 24}]}`))
	assert.Error(t, err)

	_, err = ParseFeed(strings.NewReader(`{"roas": [{"asn": 64500, "prefix": "10.0.0.0.0/24", "maxLength": 24}]}`))
	assert.Error(t, err)
}
