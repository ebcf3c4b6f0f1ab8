// Package slurm implements the local exception mechanism of RFC 8416:
// filters that drop payloads from a set and assertions that insert locally
// configured payloads.
package slurm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/sumkincpp/rtrtr/payload"
)

// File is the parsed content of a single SLURM file. Files are immutable
// after parsing; a reloaded file replaces the whole value.
type File struct {
	prefixFilters []PrefixFilter
	bgpsecFilters []BgpsecFilter
	assertions    *payload.Set
}

// PrefixFilter drops route origins. At least one of Prefix and ASN is set;
// a filter matches when every set field matches. A prefix matches all
// origins whose prefix it covers or equals.
type PrefixFilter struct {
	Prefix *netip.Prefix
	ASN    *payload.ASN
}

// Matches reports whether the filter drops the given origin.
func (f *PrefixFilter) Matches(o payload.RouteOrigin) bool {
	if f.Prefix != nil {
		if f.Prefix.Addr().Is4() != o.Prefix.Addr().Is4() {
			return false
		}
		if !f.Prefix.Contains(o.Prefix.Addr()) || f.Prefix.Bits() > o.Prefix.Bits() {
			return false
		}
	}
	if f.ASN != nil && *f.ASN != o.ASN {
		return false
	}
	return true
}

// BgpsecFilter drops router keys by ASN and/or key identifier.
type BgpsecFilter struct {
	ASN *payload.ASN
	SKI *[payload.KeyIdentifierLen]byte
}

// Matches reports whether the filter drops the given router key.
func (f *BgpsecFilter) Matches(k payload.RouterKey) bool {
	if f.ASN != nil && *f.ASN != k.ASN {
		return false
	}
	if f.SKI != nil && *f.SKI != k.SubjectKeyID {
		return false
	}
	return true
}

type fileJSON struct {
	SlurmVersion            int `json:"slurmVersion"`
	ValidationOutputFilters struct {
		PrefixFilters []prefixFilterJSON `json:"prefixFilters"`
		BgpsecFilters []bgpsecFilterJSON `json:"bgpsecFilters"`
	} `json:"validationOutputFilters"`
	LocallyAddedAssertions struct {
		PrefixAssertions []prefixAssertionJSON `json:"prefixAssertions"`
		BgpsecAssertions []bgpsecAssertionJSON `json:"bgpsecAssertions"`
	} `json:"locallyAddedAssertions"`
}

type prefixFilterJSON struct {
	Prefix  *string `json:"prefix"`
	Asn     *uint32 `json:"asn"`
	Comment string  `json:"comment"`
}

type bgpsecFilterJSON struct {
	Asn     *uint32 `json:"asn"`
	SKI     *string `json:"SKI"`
	Comment string  `json:"comment"`
}

type prefixAssertionJSON struct {
	Prefix          string `json:"prefix"`
	Asn             uint32 `json:"asn"`
	MaxPrefixLength *uint8 `json:"maxPrefixLength"`
	Comment         string `json:"comment"`
}

type bgpsecAssertionJSON struct {
	Asn             uint32 `json:"asn"`
	SKI             string `json:"SKI"`
	RouterPublicKey string `json:"routerPublicKey"`
	Comment         string `json:"comment"`
}

// Parse reads and validates a SLURM file.
func Parse(r io.Reader) (*File, error) {
	var doc fileJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid SLURM file: %w", err)
	}
	if doc.SlurmVersion != 1 {
		return nil, fmt.Errorf("unsupported slurmVersion %d", doc.SlurmVersion)
	}

	file := &File{}
	for _, f := range doc.ValidationOutputFilters.PrefixFilters {
		if f.Prefix == nil && f.Asn == nil {
			return nil, fmt.Errorf("prefix filter needs a prefix or an asn")
		}
		var filter PrefixFilter
		if f.Prefix != nil {
			p, err := netip.ParsePrefix(*f.Prefix)
			if err != nil {
				return nil, fmt.Errorf("invalid filter prefix %q: %w", *f.Prefix, err)
			}
			p = p.Masked()
			filter.Prefix = &p
		}
		if f.Asn != nil {
			asn := payload.ASN(*f.Asn)
			filter.ASN = &asn
		}
		file.prefixFilters = append(file.prefixFilters, filter)
	}

	for _, f := range doc.ValidationOutputFilters.BgpsecFilters {
		if f.Asn == nil && f.SKI == nil {
			return nil, fmt.Errorf("bgpsec filter needs an asn or an SKI")
		}
		var filter BgpsecFilter
		if f.Asn != nil {
			asn := payload.ASN(*f.Asn)
			filter.ASN = &asn
		}
		if f.SKI != nil {
			ski, err := decodeSKI(*f.SKI)
			if err != nil {
				return nil, err
			}
			filter.SKI = &ski
		}
		file.bgpsecFilters = append(file.bgpsecFilters, filter)
	}

	var assertions payload.SetBuilder
	for _, a := range doc.LocallyAddedAssertions.PrefixAssertions {
		p, err := netip.ParsePrefix(a.Prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid assertion prefix %q: %w", a.Prefix, err)
		}
		p = p.Masked()
		maxLength := uint8(p.Bits())
		if a.MaxPrefixLength != nil {
			maxLength = *a.MaxPrefixLength
			if int(maxLength) < p.Bits() || int(maxLength) > p.Addr().BitLen() {
				return nil, fmt.Errorf("maxPrefixLength %d out of range for %s", maxLength, p)
			}
		}
		assertions.Add(payload.RouteOrigin{
			Prefix:    p,
			MaxLength: maxLength,
			ASN:       payload.ASN(a.Asn),
		})
	}
	for _, a := range doc.LocallyAddedAssertions.BgpsecAssertions {
		ski, err := decodeSKI(a.SKI)
		if err != nil {
			return nil, err
		}
		spki, err := payload.DecodeKeyB64(a.RouterPublicKey)
		if err != nil {
			return nil, err
		}
		assertions.Add(payload.RouterKey{
			SubjectKeyID:         ski,
			ASN:                  payload.ASN(a.Asn),
			SubjectPublicKeyInfo: spki,
		})
	}
	file.assertions = assertions.Finalize()

	return file, nil
}

// ParseFile parses the SLURM file at the given path.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func decodeSKI(s string) ([payload.KeyIdentifierLen]byte, error) {
	var ski [payload.KeyIdentifierLen]byte
	raw, err := payload.DecodeKeyB64(s)
	if err != nil {
		return ski, err
	}
	if len(raw) != payload.KeyIdentifierLen {
		return ski, fmt.Errorf("SKI must be %d bytes, got %d", payload.KeyIdentifierLen, len(raw))
	}
	copy(ski[:], raw)
	return ski, nil
}

// Assertions returns the payloads this file inserts.
func (f *File) Assertions() *payload.Set {
	return f.assertions
}

// Apply filters the set and merges in the assertions. Filters run first;
// an assertion matching one of the filters is still inserted.
func (f *File) Apply(set *payload.Set) *payload.Set {
	filtered := set.Filter(func(p payload.Payload) bool {
		switch p := p.(type) {
		case payload.RouteOrigin:
			for i := range f.prefixFilters {
				if f.prefixFilters[i].Matches(p) {
					return false
				}
			}
		case payload.RouterKey:
			for i := range f.bgpsecFilters {
				if f.bgpsecFilters[i].Matches(p) {
					return false
				}
			}
		}
		return true
	})
	return filtered.Merge(f.assertions)
}
