package payload

import (
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Kind discriminates the payload variants. The numeric order of the kinds
// defines the first key of the total payload ordering, so route origins
// always sort before router keys which sort before ASPA records.
type Kind uint8

const (
	KindOrigin Kind = iota
	KindRouterKey
	KindAspa
)

func (k Kind) String() string {
	switch k {
	case KindOrigin:
		return "route-origin"
	case KindRouterKey:
		return "router-key"
	case KindAspa:
		return "aspa"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload is a single record flowing through the pipeline. Implementations
// are immutable value types; a payload placed in a Set must never change.
//
// Compare defines a total order over all payloads regardless of variant:
// first by Kind, then by the variant's fields in declared order. Two
// payloads are the same record exactly when Compare returns 0.
type Payload interface {
	Kind() Kind
	Compare(other Payload) int
	fmt.Stringer
}

// ASN is an autonomous system number.
type ASN uint32

func (a ASN) String() string {
	return "AS" + strconv.FormatUint(uint64(a), 10)
}

// ParseASN parses an ASN from its decimal form, optionally carrying a
// case-insensitive `AS` prefix.
func ParseASN(s string) (ASN, error) {
	digits := s
	if len(s) >= 2 && (s[0] == 'A' || s[0] == 'a') && (s[1] == 'S' || s[1] == 's') {
		digits = s[2:]
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid ASN %q", s)
	}
	return ASN(n), nil
}

// RouteOrigin is a validated ROA payload: an address prefix, the longest
// acceptable more-specific length, and the AS authorized to originate it.
type RouteOrigin struct {
	Prefix    netip.Prefix
	MaxLength uint8
	ASN       ASN
}

func (RouteOrigin) Kind() Kind { return KindOrigin }

func (o RouteOrigin) String() string {
	return fmt.Sprintf("%s-%d %s", o.Prefix, o.MaxLength, o.ASN)
}

func (o RouteOrigin) Compare(other Payload) int {
	if c := compareKind(o, other); c != 0 {
		return c
	}
	p := other.(RouteOrigin)
	if c := comparePrefix(o.Prefix, p.Prefix); c != 0 {
		return c
	}
	if c := compareUint(uint32(o.MaxLength), uint32(p.MaxLength)); c != 0 {
		return c
	}
	return compareUint(uint32(o.ASN), uint32(p.ASN))
}

// KeyIdentifierLen is the wire size of a router key's subject key identifier.
const KeyIdentifierLen = 20

// RouterKey is a BGPsec router key record.
type RouterKey struct {
	SubjectKeyID [KeyIdentifierLen]byte
	ASN          ASN
	// SubjectPublicKeyInfo holds the DER-encoded key. Treated as opaque
	// bytes; ordering over it is plain lexicographic.
	SubjectPublicKeyInfo []byte
}

func (RouterKey) Kind() Kind { return KindRouterKey }

func (k RouterKey) String() string {
	return fmt.Sprintf("router-key %x %s", k.SubjectKeyID, k.ASN)
}

func (k RouterKey) Compare(other Payload) int {
	if c := compareKind(k, other); c != 0 {
		return c
	}
	p := other.(RouterKey)
	if c := bytes.Compare(k.SubjectKeyID[:], p.SubjectKeyID[:]); c != 0 {
		return c
	}
	if c := compareUint(uint32(k.ASN), uint32(p.ASN)); c != 0 {
		return c
	}
	return bytes.Compare(k.SubjectPublicKeyInfo, p.SubjectPublicKeyInfo)
}

// Aspa is an ASPA record: the customer AS and its authorized providers.
// Providers must be sorted ascending with no duplicates; NewAspa enforces
// this so that Compare stays a pure field comparison.
type Aspa struct {
	CustomerASN ASN
	Providers   []ASN
}

// NewAspa builds an Aspa with the provider list sorted and deduplicated.
func NewAspa(customer ASN, providers []ASN) Aspa {
	out := make([]ASN, 0, len(providers))
	out = append(out, providers...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	dedup := out[:0]
	for i, p := range out {
		if i == 0 || p != out[i-1] {
			dedup = append(dedup, p)
		}
	}
	return Aspa{CustomerASN: customer, Providers: dedup}
}

func (Aspa) Kind() Kind { return KindAspa }

func (a Aspa) String() string {
	providers := make([]string, len(a.Providers))
	for i, p := range a.Providers {
		providers[i] = p.String()
	}
	return fmt.Sprintf("aspa %s -> [%s]", a.CustomerASN, strings.Join(providers, " "))
}

func (a Aspa) Compare(other Payload) int {
	if c := compareKind(a, other); c != 0 {
		return c
	}
	p := other.(Aspa)
	if c := compareUint(uint32(a.CustomerASN), uint32(p.CustomerASN)); c != 0 {
		return c
	}
	for i := 0; i < len(a.Providers) && i < len(p.Providers); i++ {
		if c := compareUint(uint32(a.Providers[i]), uint32(p.Providers[i])); c != 0 {
			return c
		}
	}
	return compareUint(uint32(len(a.Providers)), uint32(len(p.Providers)))
}

func compareKind(a, b Payload) int {
	return int(a.Kind()) - int(b.Kind())
}

func compareUint(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// comparePrefix orders prefixes IPv4 before IPv6, then by address bytes,
// then by prefix length. This matches the byte order the prefixes take on
// the wire, so a sorted set serializes deterministically.
func comparePrefix(a, b netip.Prefix) int {
	aAddr, bAddr := a.Addr(), b.Addr()
	if aAddr.Is4() != bAddr.Is4() {
		if aAddr.Is4() {
			return -1
		}
		return 1
	}
	if c := aAddr.Compare(bAddr); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}
