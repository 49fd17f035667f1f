// Package ptp provides the PTPv2 message representation shared by the
// forwarding engine and the port dispatch layer, along with the
// reference-counted message lifecycle (retain/release) and byte-order
// helpers.
//
// Field layout follows IEEE 1588-2019 Table 35 (common header) and Tables
// 43-49 (message bodies).
package ptp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// MessageType enumerates the PTP message types the TC core inspects.
type MessageType uint8

// Message types, low nibble of the first header octet.
const (
	TypeSync               MessageType = 0x0
	TypeDelayReq            MessageType = 0x1
	TypePDelayReq           MessageType = 0x2
	TypePDelayResp          MessageType = 0x3
	TypeFollowUp            MessageType = 0x8
	TypeDelayResp           MessageType = 0x9
	TypePDelayRespFollowUp  MessageType = 0xA
	TypeAnnounce            MessageType = 0xB
	TypeSignaling           MessageType = 0xC
	TypeManagement          MessageType = 0xD
)

func (t MessageType) String() string {
	switch t {
	case TypeSync:
		return "SYNC"
	case TypeDelayReq:
		return "DELAY_REQ"
	case TypePDelayReq:
		return "PDELAY_REQ"
	case TypePDelayResp:
		return "PDELAY_RESP"
	case TypeFollowUp:
		return "FOLLOW_UP"
	case TypeDelayResp:
		return "DELAY_RESP"
	case TypePDelayRespFollowUp:
		return "PDELAY_RESP_FOLLOW_UP"
	case TypeAnnounce:
		return "ANNOUNCE"
	case TypeSignaling:
		return "SIGNALING"
	case TypeManagement:
		return "MANAGEMENT"
	default:
		return fmt.Sprintf("MessageType(%#x)", uint8(t))
	}
}

// FlagUnicast is the UNICAST bit inspected in flagField[0]: bit 2 of the
// first on-wire octet of the flag field, which is the high byte of the
// big-endian decoded FlagField.
const FlagUnicast uint16 = 1 << (8 + 2)

const headerSize = 34

// Errors classifying why a received message is unusable. PostRecv returns
// ErrBadMessage or ErrNoTimestamp; no check in PostRecv produces
// ErrProtocol.
var (
	ErrBadMessage  = errors.New("ptp: malformed message")
	ErrNoTimestamp = errors.New("ptp: missing timestamp")
	ErrProtocol    = errors.New("ptp: protocol-irrelevant message")
)

// PortIdentity identifies a PTP port: a 64-bit clock identity plus a port
// number, compared for equality by the TC core's matching logic.
type PortIdentity struct {
	ClockIdentity uint64
	PortNumber    uint16
}

// Equal reports whether two port identities refer to the same port.
func (p PortIdentity) Equal(o PortIdentity) bool {
	return p.ClockIdentity == o.ClockIdentity && p.PortNumber == o.PortNumber
}

// PreciseOriginTimestamp is the 48-bit-seconds/32-bit-nanoseconds timestamp
// format carried by FOLLOW_UP's preciseOriginTimestamp field.
type PreciseOriginTimestamp struct {
	SecondsMSB  uint16
	SecondsLSB  uint32
	Nanoseconds uint32
}

// HWTimestamp is a hardware-captured timestamp plus its validity bit, as
// delivered by the transport on send (event messages) or receive.
type HWTimestamp struct {
	Value time.Time
	Valid bool
}

// Header is the common PTPv2 message header (Table 35).
type Header struct {
	Type               MessageType
	TransportSpecific  uint8
	Version            uint8
	MessageLength      uint16
	DomainNumber       uint8
	FlagField          uint16
	CorrectionField    int64 // decoded, host order
	SourcePortIdentity PortIdentity
	SequenceID         uint16
	ControlField       uint8
	LogMessageInterval int8
}

// Message is the mutable, reference-counted PTP message the TC core reads
// and writes. Only CorrectionField and (for FOLLOW_UP) PreciseOriginTimestamp
// are ever mutated by the core; every other field is treated as immutable
// once decoded.
type Message struct {
	Header

	// Body carries the raw, type-specific bytes following the header.
	// For FOLLOW_UP its first bytes are the preciseOriginTimestamp, which
	// DecodeBody reads and PreSend rewrites; for every other type it
	// round-trips unchanged through Forward/FwdEvent.
	Body []byte

	// PreciseOriginTimestamp is valid only for FOLLOW_UP messages.
	PreciseOriginTimestamp PreciseOriginTimestamp

	// HWTimestamp is the hardware capture at ingress (after Recv) or
	// egress (after a Send with event=true).
	HWTimestamp HWTimestamp

	// HostTimestamp is monotonic host time tagged when the core first
	// sees the message; used only for prune aging.
	HostTimestamp time.Time

	// PDUTimestampSec/Nsec hold the parsed PDU-level precise origin time
	// for a SYNC's companion FOLLOW_UP, in the (sec, nsec) shape
	// forward/fwd_folup re-splits into PreciseOriginTimestamp.
	PDUTimestampSec  int64
	PDUTimestampNsec int32

	refs int32
}

// NewMessage allocates a zero-value message with one reference held by the
// caller.
func NewMessage() *Message {
	return &Message{refs: 1}
}

// Retain increments the reference count. Every holder of a Message -
// including a parked tc.Txd - must call Retain when it takes a reference it
// did not originally allocate.
func (m *Message) Retain() {
	atomic.AddInt32(&m.refs, 1)
}

// Release decrements the reference count, returning true if this was the
// last reference (the message is now free for reuse/collection).
func (m *Message) Release() bool {
	return atomic.AddInt32(&m.refs, -1) == 0
}

// RefCount returns the current reference count, for tests and diagnostics.
func (m *Message) RefCount() int32 {
	return atomic.LoadInt32(&m.refs)
}

// SourcePortIdentityEqual reports whether a and b carry the same source
// port identity.
func SourcePortIdentityEqual(a, b *Message) bool {
	return a.SourcePortIdentity.Equal(b.SourcePortIdentity)
}

// IsUnicast reports whether the UNICAST flag is set.
func (m *Message) IsUnicast() bool {
	return m.FlagField&FlagUnicast != 0
}

// followUpBodySize is the preciseOriginTimestamp: 48-bit seconds plus
// 32-bit nanoseconds.
const followUpBodySize = 10

// PreSend performs on-wire pre-send validation and encoding. It is called
// before every transmit; a non-nil error aborts the send. For FOLLOW_UP
// messages the precise origin timestamp is re-serialized into the body so
// that any rewrite by the forwarding path reaches the wire.
func (m *Message) PreSend() error {
	if int(m.MessageLength) != 0 && m.MessageLength < headerSize {
		return fmt.Errorf("%w: message length %d shorter than header", ErrBadMessage, m.MessageLength)
	}
	if m.Type == TypeFollowUp {
		if len(m.Body) < followUpBodySize {
			m.Body = append(m.Body, make([]byte, followUpBodySize-len(m.Body))...)
		}
		t := m.PreciseOriginTimestamp
		binary.BigEndian.PutUint16(m.Body[0:], t.SecondsMSB)
		binary.BigEndian.PutUint32(m.Body[2:], t.SecondsLSB)
		binary.BigEndian.PutUint32(m.Body[6:], t.Nanoseconds)
	}
	return nil
}

// DecodeBody parses the type-specific fields the TC core understands out
// of the raw body bytes. Called by the transport after DecodeHeader; body
// bytes the core does not interpret stay in Body and round-trip unchanged.
func (m *Message) DecodeBody() error {
	if m.Type != TypeFollowUp {
		return nil
	}
	if len(m.Body) < followUpBodySize {
		return ErrBadMessage
	}
	m.PreciseOriginTimestamp = PreciseOriginTimestamp{
		SecondsMSB:  binary.BigEndian.Uint16(m.Body[0:]),
		SecondsLSB:  binary.BigEndian.Uint32(m.Body[2:]),
		Nanoseconds: binary.BigEndian.Uint32(m.Body[6:]),
	}
	m.PDUTimestampSec = int64(m.PreciseOriginTimestamp.SecondsMSB)<<32 |
		int64(m.PreciseOriginTimestamp.SecondsLSB)
	m.PDUTimestampNsec = int32(m.PreciseOriginTimestamp.Nanoseconds)
	return nil
}

// PostRecv validates a just-received message against the byte count
// reported by the transport.
func (m *Message) PostRecv(n int) error {
	if n < headerSize {
		return ErrBadMessage
	}
	if !m.HWTimestamp.Valid {
		return ErrNoTimestamp
	}
	switch m.Type {
	case TypeDelayReq, TypeDelayResp:
		// Valid PTP, but not meaningful for a P2P transparent clock;
		// the port layer drops these silently rather than treating
		// them as protocol errors.
	}
	return nil
}

// HostToNet64 is the counterpart of NetToHost64: it returns v's bit pattern
// unchanged as a uint64. Big-endian byte encoding happens where the header
// is marshaled (MarshalBinaryTo).
func HostToNet64(v int64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return binary.BigEndian.Uint64(b[:])
}

// NetToHost64 converts a network-order 64-bit value to host order. With
// Go's integer types the bit pattern is unchanged; the function exists to
// name the point in the code where correction-field accumulation happens
// on a decoded value.
func NetToHost64(v uint64) int64 {
	return int64(v)
}

// DecodeHeader parses the common PTPv2 header from b (at least headerSize
// bytes) into h.
func DecodeHeader(b []byte, h *Header) error {
	if len(b) < headerSize {
		return ErrBadMessage
	}
	first := b[0]
	h.TransportSpecific = first >> 4
	h.Type = MessageType(first & 0x0f)
	h.Version = b[1]
	h.MessageLength = binary.BigEndian.Uint16(b[2:])
	h.DomainNumber = b[4]
	h.FlagField = binary.BigEndian.Uint16(b[6:])
	h.CorrectionField = int64(binary.BigEndian.Uint64(b[8:]))
	h.SourcePortIdentity.ClockIdentity = binary.BigEndian.Uint64(b[20:])
	h.SourcePortIdentity.PortNumber = binary.BigEndian.Uint16(b[28:])
	h.SequenceID = binary.BigEndian.Uint16(b[30:])
	h.ControlField = b[32]
	h.LogMessageInterval = int8(b[33])
	return nil
}

// MarshalBinaryTo encodes the header into b, returning the number of bytes
// written. b must have at least headerSize capacity.
func (h *Header) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("ptp: buffer too small for header")
	}
	b[0] = byte(h.TransportSpecific<<4) | byte(h.Type)
	b[1] = h.Version
	binary.BigEndian.PutUint16(b[2:], h.MessageLength)
	b[4] = h.DomainNumber
	b[5] = 0
	binary.BigEndian.PutUint16(b[6:], h.FlagField)
	binary.BigEndian.PutUint64(b[8:], uint64(h.CorrectionField))
	binary.BigEndian.PutUint32(b[16:], 0)
	binary.BigEndian.PutUint64(b[20:], h.SourcePortIdentity.ClockIdentity)
	binary.BigEndian.PutUint16(b[28:], h.SourcePortIdentity.PortNumber)
	binary.BigEndian.PutUint16(b[30:], h.SequenceID)
	b[32] = h.ControlField
	b[33] = byte(h.LogMessageInterval)
	return headerSize, nil
}

// ApplyFollowUpTimestamp rewrites PreciseOriginTimestamp from the
// PDU-level (sec, nsec) fields, splitting the seconds into their 16/32-bit
// wire halves.
func (m *Message) ApplyFollowUpTimestamp() {
	m.PreciseOriginTimestamp = PreciseOriginTimestamp{
		SecondsMSB:  uint16(m.PDUTimestampSec >> 32),
		SecondsLSB:  uint32(m.PDUTimestampSec & 0xFFFFFFFF),
		Nanoseconds: uint32(m.PDUTimestampNsec),
	}
}
