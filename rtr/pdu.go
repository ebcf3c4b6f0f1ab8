// Package rtr implements the RPKI-to-Router wire protocol of RFC 6810 and
// RFC 8210: PDU framing, encoding and decoding, and serial-number
// arithmetic. All multi-byte integers are big-endian.
package rtr

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// Version is the RTR protocol version of a session.
type Version uint8

const (
	// Version0 is RFC 6810: prefix payloads only.
	Version0 Version = 0
	// Version1 is RFC 8210: adds router keys, timer values in End of
	// Data, and ASPA payloads.
	Version1 Version = 1

	// MaxVersion is the highest version this implementation speaks.
	MaxVersion = Version1
)

// PduType identifies a PDU.
type PduType uint8

const (
	TypeSerialNotify  PduType = 0
	TypeSerialQuery   PduType = 1
	TypeResetQuery    PduType = 2
	TypeCacheResponse PduType = 3
	TypeIpv4Prefix    PduType = 4
	TypeIpv6Prefix    PduType = 6
	// TypeEndOfData is 7; Cache Reset is 8. Early implementations got
	// these two backwards, the RFC numbering is authoritative.
	TypeEndOfData   PduType = 7
	TypeCacheReset  PduType = 8
	TypeRouterKey   PduType = 9
	TypeErrorReport PduType = 10
	TypeAspa        PduType = 11
)

func (t PduType) String() string {
	switch t {
	case TypeSerialNotify:
		return "Serial Notify"
	case TypeSerialQuery:
		return "Serial Query"
	case TypeResetQuery:
		return "Reset Query"
	case TypeCacheResponse:
		return "Cache Response"
	case TypeIpv4Prefix:
		return "IPv4 Prefix"
	case TypeIpv6Prefix:
		return "IPv6 Prefix"
	case TypeEndOfData:
		return "End of Data"
	case TypeCacheReset:
		return "Cache Reset"
	case TypeRouterKey:
		return "Router Key"
	case TypeErrorReport:
		return "Error Report"
	case TypeAspa:
		return "ASPA"
	default:
		return fmt.Sprintf("PDU type %d", uint8(t))
	}
}

// Payload PDU flags.
const (
	FlagWithdraw uint8 = 0
	FlagAnnounce uint8 = 1
)

// ErrorCode is the code carried in an Error Report PDU.
type ErrorCode uint16

const (
	ErrCorruptData                ErrorCode = 0
	ErrInternalError              ErrorCode = 1
	ErrNoDataAvailable            ErrorCode = 2
	ErrInvalidRequest             ErrorCode = 3
	ErrUnsupportedProtocolVersion ErrorCode = 4
	ErrUnsupportedPduType         ErrorCode = 5
	ErrWithdrawalOfUnknownRecord  ErrorCode = 6
	ErrDuplicateAnnouncement      ErrorCode = 7
	ErrUnexpectedProtocolVersion  ErrorCode = 8
)

const headerLen = 8

// maxPduLen bounds the length field of an incoming PDU so a corrupt or
// hostile peer cannot make us allocate arbitrary buffers.
const maxPduLen = 65536

// Pdu is a single decoded protocol data unit.
type Pdu interface {
	Type() PduType
	// Encode returns the complete wire representation of the PDU.
	Encode() []byte
}

// ProtocolError describes a protocol violation by the peer. It carries
// everything needed to build the Error Report PDU that answers it.
type ProtocolError struct {
	Code    ErrorCode
	Causing []byte
	Text    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rtr: protocol error %d: %s", e.Code, e.Text)
}

// Report builds the Error Report PDU answering this error.
func (e *ProtocolError) Report(version Version) *ErrorReport {
	return &ErrorReport{
		Version: version,
		Code:    e.Code,
		Causing: e.Causing,
		Text:    e.Text,
	}
}

func putHeader(buf []byte, version Version, typ PduType, session uint16, length uint32) {
	buf[0] = byte(version)
	buf[1] = byte(typ)
	binary.BigEndian.PutUint16(buf[2:], session)
	binary.BigEndian.PutUint32(buf[4:], length)
}

// SerialNotify tells the client a new serial is available.
type SerialNotify struct {
	Version Version
	Session uint16
	Serial  Serial
}

func (*SerialNotify) Type() PduType { return TypeSerialNotify }

func (p *SerialNotify) Encode() []byte {
	buf := make([]byte, 12)
	putHeader(buf, p.Version, TypeSerialNotify, p.Session, 12)
	binary.BigEndian.PutUint32(buf[8:], uint32(p.Serial))
	return buf
}

// SerialQuery asks for the changes since the given serial.
type SerialQuery struct {
	Version Version
	Session uint16
	Serial  Serial
}

func (*SerialQuery) Type() PduType { return TypeSerialQuery }

func (p *SerialQuery) Encode() []byte {
	buf := make([]byte, 12)
	putHeader(buf, p.Version, TypeSerialQuery, p.Session, 12)
	binary.BigEndian.PutUint32(buf[8:], uint32(p.Serial))
	return buf
}

// ResetQuery asks for the complete current data set.
type ResetQuery struct {
	Version Version
}

func (*ResetQuery) Type() PduType { return TypeResetQuery }

func (p *ResetQuery) Encode() []byte {
	buf := make([]byte, 8)
	putHeader(buf, p.Version, TypeResetQuery, 0, 8)
	return buf
}

// CacheResponse opens a sequence of payload PDUs.
type CacheResponse struct {
	Version Version
	Session uint16
}

func (*CacheResponse) Type() PduType { return TypeCacheResponse }

func (p *CacheResponse) Encode() []byte {
	buf := make([]byte, 8)
	putHeader(buf, p.Version, TypeCacheResponse, p.Session, 8)
	return buf
}

// Ipv4Prefix announces or withdraws an IPv4 route origin.
type Ipv4Prefix struct {
	Version   Version
	Flags     uint8
	PrefixLen uint8
	MaxLen    uint8
	Prefix    netip.Addr
	ASN       uint32
}

func (*Ipv4Prefix) Type() PduType { return TypeIpv4Prefix }

func (p *Ipv4Prefix) Encode() []byte {
	buf := make([]byte, 20)
	putHeader(buf, p.Version, TypeIpv4Prefix, 0, 20)
	buf[8] = p.Flags
	buf[9] = p.PrefixLen
	buf[10] = p.MaxLen
	addr := p.Prefix.As4()
	copy(buf[12:16], addr[:])
	binary.BigEndian.PutUint32(buf[16:], p.ASN)
	return buf
}

// Ipv6Prefix announces or withdraws an IPv6 route origin.
type Ipv6Prefix struct {
	Version   Version
	Flags     uint8
	PrefixLen uint8
	MaxLen    uint8
	Prefix    netip.Addr
	ASN       uint32
}

func (*Ipv6Prefix) Type() PduType { return TypeIpv6Prefix }

func (p *Ipv6Prefix) Encode() []byte {
	buf := make([]byte, 32)
	putHeader(buf, p.Version, TypeIpv6Prefix, 0, 32)
	buf[8] = p.Flags
	buf[9] = p.PrefixLen
	buf[10] = p.MaxLen
	addr := p.Prefix.As16()
	copy(buf[12:28], addr[:])
	binary.BigEndian.PutUint32(buf[28:], p.ASN)
	return buf
}

// EndOfData closes a sequence of payload PDUs. The timer values are only
// on the wire from version 1 on.
type EndOfData struct {
	Version Version
	Session uint16
	Serial  Serial
	Refresh uint32
	Retry   uint32
	Expire  uint32
}

func (*EndOfData) Type() PduType { return TypeEndOfData }

func (p *EndOfData) Encode() []byte {
	if p.Version == Version0 {
		buf := make([]byte, 12)
		putHeader(buf, p.Version, TypeEndOfData, p.Session, 12)
		binary.BigEndian.PutUint32(buf[8:], uint32(p.Serial))
		return buf
	}
	buf := make([]byte, 24)
	putHeader(buf, p.Version, TypeEndOfData, p.Session, 24)
	binary.BigEndian.PutUint32(buf[8:], uint32(p.Serial))
	binary.BigEndian.PutUint32(buf[12:], p.Refresh)
	binary.BigEndian.PutUint32(buf[16:], p.Retry)
	binary.BigEndian.PutUint32(buf[20:], p.Expire)
	return buf
}

// CacheReset tells the client to drop its state and start over with a
// Reset Query.
type CacheReset struct {
	Version Version
}

func (*CacheReset) Type() PduType { return TypeCacheReset }

func (p *CacheReset) Encode() []byte {
	buf := make([]byte, 8)
	putHeader(buf, p.Version, TypeCacheReset, 0, 8)
	return buf
}

// RouterKey announces or withdraws a BGPsec router key. Version 1 only.
type RouterKey struct {
	Version      Version
	Flags        uint8
	SubjectKeyID [20]byte
	ASN          uint32
	SPKI         []byte
}

func (*RouterKey) Type() PduType { return TypeRouterKey }

func (p *RouterKey) Encode() []byte {
	length := 32 + len(p.SPKI)
	buf := make([]byte, length)
	putHeader(buf, p.Version, TypeRouterKey, uint16(p.Flags)<<8, uint32(length))
	copy(buf[8:28], p.SubjectKeyID[:])
	binary.BigEndian.PutUint32(buf[28:], p.ASN)
	copy(buf[32:], p.SPKI)
	return buf
}

// Aspa announces or withdraws an ASPA record. Version 1 only.
type Aspa struct {
	Version     Version
	Flags       uint8
	CustomerASN uint32
	Providers   []uint32
}

func (*Aspa) Type() PduType { return TypeAspa }

func (p *Aspa) Encode() []byte {
	length := 12 + 4*len(p.Providers)
	buf := make([]byte, length)
	putHeader(buf, p.Version, TypeAspa, uint16(p.Flags)<<8, uint32(length))
	binary.BigEndian.PutUint32(buf[8:], p.CustomerASN)
	for i, provider := range p.Providers {
		binary.BigEndian.PutUint32(buf[12+4*i:], provider)
	}
	return buf
}

// ErrorReport reports a protocol error to the peer. The connection is torn
// down after sending or receiving one with a non-recoverable code.
type ErrorReport struct {
	Version Version
	Code    ErrorCode
	// Causing holds the raw bytes of the PDU that triggered the error,
	// if any.
	Causing []byte
	Text    string
}

func (*ErrorReport) Type() PduType { return TypeErrorReport }

func (p *ErrorReport) Encode() []byte {
	length := headerLen + 4 + len(p.Causing) + 4 + len(p.Text)
	buf := make([]byte, length)
	putHeader(buf, p.Version, TypeErrorReport, uint16(p.Code), uint32(length))
	off := headerLen
	binary.BigEndian.PutUint32(buf[off:], uint32(len(p.Causing)))
	off += 4
	copy(buf[off:], p.Causing)
	off += len(p.Causing)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(p.Text)))
	off += 4
	copy(buf[off:], p.Text)
	return buf
}

// ReadPdu reads and decodes one PDU from the stream. I/O failures are
// returned as-is; malformed input is returned as a *ProtocolError carrying
// the offending bytes so the caller can answer with an Error Report.
func ReadPdu(r io.Reader) (Pdu, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	version := Version(header[0])
	typ := PduType(header[1])
	field := binary.BigEndian.Uint16(header[2:])
	length := binary.BigEndian.Uint32(header[4:])

	if version > MaxVersion {
		return nil, &ProtocolError{
			Code:    ErrUnsupportedProtocolVersion,
			Causing: header[:],
			Text:    fmt.Sprintf("unsupported protocol version %d", version),
		}
	}
	if length < headerLen || length > maxPduLen {
		return nil, &ProtocolError{
			Code:    ErrCorruptData,
			Causing: header[:],
			Text:    fmt.Sprintf("implausible PDU length %d", length),
		}
	}

	body := make([]byte, length-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	full := func() []byte {
		return append(append([]byte{}, header[:]...), body...)
	}
	badLength := func() (Pdu, error) {
		return nil, &ProtocolError{
			Code:    ErrCorruptData,
			Causing: full(),
			Text:    fmt.Sprintf("wrong length %d for %s", length, typ),
		}
	}

	switch typ {
	case TypeSerialNotify:
		if length != 12 {
			return badLength()
		}
		return &SerialNotify{
			Version: version,
			Session: field,
			Serial:  Serial(binary.BigEndian.Uint32(body)),
		}, nil

	case TypeSerialQuery:
		if length != 12 {
			return badLength()
		}
		return &SerialQuery{
			Version: version,
			Session: field,
			Serial:  Serial(binary.BigEndian.Uint32(body)),
		}, nil

	case TypeResetQuery:
		if length != 8 {
			return badLength()
		}
		return &ResetQuery{Version: version}, nil

	case TypeCacheResponse:
		if length != 8 {
			return badLength()
		}
		return &CacheResponse{Version: version, Session: field}, nil

	case TypeIpv4Prefix:
		if length != 20 {
			return badLength()
		}
		var addr [4]byte
		copy(addr[:], body[4:8])
		return &Ipv4Prefix{
			Version:   version,
			Flags:     body[0],
			PrefixLen: body[1],
			MaxLen:    body[2],
			Prefix:    netip.AddrFrom4(addr),
			ASN:       binary.BigEndian.Uint32(body[8:]),
		}, nil

	case TypeIpv6Prefix:
		if length != 32 {
			return badLength()
		}
		var addr [16]byte
		copy(addr[:], body[4:20])
		return &Ipv6Prefix{
			Version:   version,
			Flags:     body[0],
			PrefixLen: body[1],
			MaxLen:    body[2],
			Prefix:    netip.AddrFrom16(addr),
			ASN:       binary.BigEndian.Uint32(body[20:]),
		}, nil

	case TypeEndOfData:
		if version == Version0 {
			if length != 12 {
				return badLength()
			}
			return &EndOfData{
				Version: version,
				Session: field,
				Serial:  Serial(binary.BigEndian.Uint32(body)),
			}, nil
		}
		if length != 24 {
			return badLength()
		}
		return &EndOfData{
			Version: version,
			Session: field,
			Serial:  Serial(binary.BigEndian.Uint32(body)),
			Refresh: binary.BigEndian.Uint32(body[4:]),
			Retry:   binary.BigEndian.Uint32(body[8:]),
			Expire:  binary.BigEndian.Uint32(body[12:]),
		}, nil

	case TypeCacheReset:
		if length != 8 {
			return badLength()
		}
		return &CacheReset{Version: version}, nil

	case TypeRouterKey:
		if version == Version0 {
			return nil, &ProtocolError{
				Code:    ErrUnsupportedPduType,
				Causing: full(),
				Text:    "Router Key PDU not available in version 0",
			}
		}
		if length < 32 {
			return badLength()
		}
		p := &RouterKey{
			Version: version,
			Flags:   uint8(field >> 8),
			ASN:     binary.BigEndian.Uint32(body[20:]),
			SPKI:    append([]byte{}, body[24:]...),
		}
		copy(p.SubjectKeyID[:], body[:20])
		return p, nil

	case TypeErrorReport:
		if length < headerLen+8 {
			return badLength()
		}
		causingLen := binary.BigEndian.Uint32(body)
		if uint32(len(body)) < 4+causingLen+4 {
			return badLength()
		}
		causing := append([]byte{}, body[4:4+causingLen]...)
		rest := body[4+causingLen:]
		textLen := binary.BigEndian.Uint32(rest)
		if uint32(len(rest)) < 4+textLen {
			return badLength()
		}
		return &ErrorReport{
			Version: version,
			Code:    ErrorCode(field),
			Causing: causing,
			Text:    string(rest[4 : 4+textLen]),
		}, nil

	case TypeAspa:
		if version == Version0 {
			return nil, &ProtocolError{
				Code:    ErrUnsupportedPduType,
				Causing: full(),
				Text:    "ASPA PDU not available in version 0",
			}
		}
		if length < 12 || (length-12)%4 != 0 {
			return badLength()
		}
		providers := make([]uint32, (length-12)/4)
		for i := range providers {
			providers[i] = binary.BigEndian.Uint32(body[4+4*i:])
		}
		return &Aspa{
			Version:     version,
			Flags:       uint8(field >> 8),
			CustomerASN: binary.BigEndian.Uint32(body),
			Providers:   providers,
		}, nil

	default:
		return nil, &ProtocolError{
			Code:    ErrUnsupportedPduType,
			Causing: full(),
			Text:    fmt.Sprintf("unsupported PDU type %d", uint8(typ)),
		}
	}
}
