package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
)

// The feed format is the JSON document exchanged with HTTP sources and
// served by HTTP targets: an object carrying a `roas` array plus optional
// `routerKeys` and `aspas` arrays. Unknown members, including `metadata`,
// are ignored on input and never emitted on output.

type feedDocument struct {
	Roas       []feedRoa       `json:"roas"`
	RouterKeys []feedRouterKey `json:"routerKeys,omitempty"`
	Aspas      []feedAspa      `json:"aspas,omitempty"`
}

type feedInput struct {
	Roas       []feedRoa       `json:"roas"`
	RouterKeys []feedRouterKey `json:"routerKeys"`
	// bgpsecKeys is an older alias for routerKeys some producers emit.
	BgpsecKeys []feedRouterKey `json:"bgpsecKeys"`
	Aspas      []feedAspa      `json:"aspas"`
}

type feedRoa struct {
	Asn       jsonASN `json:"asn"`
	Prefix    string  `json:"prefix"`
	MaxLength uint8   `json:"maxLength"`
}

type feedRouterKey struct {
	Asn             jsonASN `json:"asn"`
	SKI             string  `json:"SKI"`
	RouterPublicKey string  `json:"routerPublicKey"`
}

type feedAspa struct {
	CustomerAsn jsonASN   `json:"customerAsn"`
	Providers   []jsonASN `json:"providers"`
}

// jsonASN decodes an AS number given as either a JSON number or a string
// with or without a leading `AS`. It always encodes as a string with a
// single `AS` prefix.
type jsonASN ASN

func (a jsonASN) MarshalJSON() ([]byte, error) {
	return json.Marshal(ASN(a).String())
}

func (a *jsonASN) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseASN(s)
		if err != nil {
			return err
		}
		*a = jsonASN(parsed)
		return nil
	}
	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid ASN %s", string(data))
	}
	*a = jsonASN(n)
	return nil
}

// keyB64 is the encoding for key identifiers and public keys in the feed
// and in SLURM files: base64url without padding per RFC 8416.
var keyB64 = base64.RawURLEncoding

// DecodeKeyB64 decodes base64url key material, tolerating standard base64
// and padded input from older producers.
func DecodeKeyB64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 key data %q", s)
}

// EncodeKeyB64 encodes key material the way the feed emits it.
func EncodeKeyB64(b []byte) string {
	return keyB64.EncodeToString(b)
}

// ParseFeed decodes a feed document into a payload set.
func ParseFeed(r io.Reader) (*Set, error) {
	var doc feedInput
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON feed: %w", err)
	}

	var b SetBuilder
	for _, roa := range doc.Roas {
		prefix, err := netip.ParsePrefix(roa.Prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid prefix %q: %w", roa.Prefix, err)
		}
		b.Add(RouteOrigin{
			Prefix:    prefix.Masked(),
			MaxLength: roa.MaxLength,
			ASN:       ASN(roa.Asn),
		})
	}

	keys := doc.RouterKeys
	if len(keys) == 0 {
		keys = doc.BgpsecKeys
	}
	for _, key := range keys {
		ski, err := DecodeKeyB64(key.SKI)
		if err != nil {
			return nil, err
		}
		if len(ski) != KeyIdentifierLen {
			return nil, fmt.Errorf("key identifier must be %d bytes, got %d", KeyIdentifierLen, len(ski))
		}
		spki, err := DecodeKeyB64(key.RouterPublicKey)
		if err != nil {
			return nil, err
		}
		rk := RouterKey{ASN: ASN(key.Asn), SubjectPublicKeyInfo: spki}
		copy(rk.SubjectKeyID[:], ski)
		b.Add(rk)
	}

	for _, aspa := range doc.Aspas {
		providers := make([]ASN, len(aspa.Providers))
		for i, p := range aspa.Providers {
			providers[i] = ASN(p)
		}
		b.Add(NewAspa(ASN(aspa.CustomerAsn), providers))
	}

	return b.Finalize(), nil
}

// WriteFeed encodes the set as a feed document.
func WriteFeed(w io.Writer, s *Set) error {
	doc := feedDocument{
		// roas must be present even when empty
		Roas: []feedRoa{},
	}
	for _, o := range s.Origins() {
		doc.Roas = append(doc.Roas, feedRoa{
			Asn:       jsonASN(o.ASN),
			Prefix:    o.Prefix.String(),
			MaxLength: o.MaxLength,
		})
	}
	for _, k := range s.RouterKeys() {
		doc.RouterKeys = append(doc.RouterKeys, feedRouterKey{
			Asn:             jsonASN(k.ASN),
			SKI:             EncodeKeyB64(k.SubjectKeyID[:]),
			RouterPublicKey: EncodeKeyB64(k.SubjectPublicKeyInfo),
		})
	}
	for _, a := range s.Aspas() {
		providers := make([]jsonASN, len(a.Providers))
		for i, p := range a.Providers {
			providers[i] = jsonASN(p)
		}
		doc.Aspas = append(doc.Aspas, feedAspa{
			CustomerAsn: jsonASN(a.CustomerASN),
			Providers:   providers,
		})
	}
	enc := json.NewEncoder(w)
	return enc.Encode(&doc)
}
