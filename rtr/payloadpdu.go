package rtr

import (
	"fmt"

	"github.com/sumkincpp/rtrtr/payload"
)

// FromPayload builds the payload PDU announcing or withdrawing the given
// record under the given protocol version. Router key and ASPA records do
// not exist before version 1; for those under version 0 the second return
// value is false and the record is silently suppressed.
func FromPayload(version Version, p payload.Payload, flags uint8) (Pdu, bool) {
	switch p := p.(type) {
	case payload.RouteOrigin:
		if p.Prefix.Addr().Is4() {
			return &Ipv4Prefix{
				Version:   version,
				Flags:     flags,
				PrefixLen: uint8(p.Prefix.Bits()),
				MaxLen:    p.MaxLength,
				Prefix:    p.Prefix.Addr(),
				ASN:       uint32(p.ASN),
			}, true
		}
		return &Ipv6Prefix{
			Version:   version,
			Flags:     flags,
			PrefixLen: uint8(p.Prefix.Bits()),
			MaxLen:    p.MaxLength,
			Prefix:    p.Prefix.Addr(),
			ASN:       uint32(p.ASN),
		}, true

	case payload.RouterKey:
		if version < Version1 {
			return nil, false
		}
		return &RouterKey{
			Version:      version,
			Flags:        flags,
			SubjectKeyID: p.SubjectKeyID,
			ASN:          uint32(p.ASN),
			SPKI:         p.SubjectPublicKeyInfo,
		}, true

	case payload.Aspa:
		if version < Version1 {
			return nil, false
		}
		providers := make([]uint32, len(p.Providers))
		for i, provider := range p.Providers {
			providers[i] = uint32(provider)
		}
		return &Aspa{
			Version:     version,
			Flags:       flags,
			CustomerASN: uint32(p.CustomerASN),
			Providers:   providers,
		}, true

	default:
		return nil, false
	}
}

// ToPayload converts a received payload PDU back into a record and its
// flags. For non-payload PDUs the returned record is nil and the error is
// nil.
func ToPayload(p Pdu) (payload.Payload, uint8, error) {
	switch p := p.(type) {
	case *Ipv4Prefix:
		prefix, err := p.Prefix.Prefix(int(p.PrefixLen))
		if err != nil {
			return nil, 0, fmt.Errorf("invalid IPv4 prefix length %d", p.PrefixLen)
		}
		return payload.RouteOrigin{
			Prefix:    prefix,
			MaxLength: p.MaxLen,
			ASN:       payload.ASN(p.ASN),
		}, p.Flags, nil

	case *Ipv6Prefix:
		prefix, err := p.Prefix.Prefix(int(p.PrefixLen))
		if err != nil {
			return nil, 0, fmt.Errorf("invalid IPv6 prefix length %d", p.PrefixLen)
		}
		return payload.RouteOrigin{
			Prefix:    prefix,
			MaxLength: p.MaxLen,
			ASN:       payload.ASN(p.ASN),
		}, p.Flags, nil

	case *RouterKey:
		return payload.RouterKey{
			SubjectKeyID:         p.SubjectKeyID,
			ASN:                  payload.ASN(p.ASN),
			SubjectPublicKeyInfo: p.SPKI,
		}, p.Flags, nil

	case *Aspa:
		providers := make([]payload.ASN, len(p.Providers))
		for i, provider := range p.Providers {
			providers[i] = payload.ASN(provider)
		}
		return payload.NewAspa(payload.ASN(p.CustomerASN), providers), p.Flags, nil

	default:
		return nil, 0, nil
	}
}
