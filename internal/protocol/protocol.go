// Package protocol implements the layered wire format spoken to lighting
// devices: an outer envelope identifying the sending controller, a session
// frame routing payloads by endpoint, and the opaque device-control payload.
package protocol

import (
	"errors"
	"net/netip"

	"github.com/google/uuid"
)

const (
	// Envelope header: magic(2) + version(1) + cid(16) + length(2)
	magicHi byte = 0x4F // 'O'
	magicLo byte = 0x4C // 'L'

	Version byte = 0x01

	EnvelopeHeaderSize = 21

	// Session header: endpoint(2) + sequence(4) + kind(1) + length(2)
	SessionHeaderSize = 9

	// MaxBody bounds the envelope body length; anything larger is treated
	// as stream corruption.
	MaxBody = 4096

	// ControlEndpoint is the reserved control channel. Heartbeat frames are
	// only valid here.
	ControlEndpoint uint16 = 0
)

// FrameKind discriminates session frames.
type FrameKind uint8

const (
	FrameData      FrameKind = 0x00
	FrameHeartbeat FrameKind = 0x01
)

// TransportKind identifies how a packet arrived.
type TransportKind int

const (
	TransportTCP TransportKind = iota
	TransportUDP
)

// TransportHeader carries per-packet transport metadata down the inflator
// chain.
type TransportHeader struct {
	Source    netip.AddrPort
	Transport TransportKind
}

// EnvelopeHeader is the decoded outer layer header.
type EnvelopeHeader struct {
	CID uuid.UUID
}

// SessionHeader is the decoded session layer header.
type SessionHeader struct {
	Endpoint uint16
	Sequence uint32
	Kind     FrameKind
}

// Decode errors. A failed decode drops the single offending packet; the
// connection stays up.
var (
	ErrShortHeader    = errors.New("protocol: truncated header")
	ErrBadMagic       = errors.New("protocol: bad magic")
	ErrBadVersion     = errors.New("protocol: unsupported version")
	ErrLengthMismatch = errors.New("protocol: declared length does not match data")
	ErrBodyTooLarge   = errors.New("protocol: body exceeds maximum size")
	ErrUnknownKind    = errors.New("protocol: unknown frame kind")
	ErrNoInflator     = errors.New("protocol: no next inflator registered")
)
