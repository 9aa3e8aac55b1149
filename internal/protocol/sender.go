package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// RootSender builds envelope packets carrying this controller's CID.
type RootSender struct {
	cid uuid.UUID
}

// NewRootSender creates a sender for the given controller identity.
func NewRootSender(cid uuid.UUID) *RootSender {
	return &RootSender{cid: cid}
}

// CID returns the controller identity stamped on outgoing envelopes.
func (s *RootSender) CID() uuid.UUID {
	return s.cid
}

// Pack wraps body in an envelope ready for transmission.
func (s *RootSender) Pack(body []byte) ([]byte, error) {
	if len(body) > MaxBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}

	packet := make([]byte, EnvelopeHeaderSize+len(body))
	packet[0] = magicHi
	packet[1] = magicLo
	packet[2] = Version
	copy(packet[3:19], s.cid[:])
	binary.BigEndian.PutUint16(packet[19:21], uint16(len(body)))
	copy(packet[EnvelopeHeaderSize:], body)
	return packet, nil
}

// SessionSender builds session frames and wraps them through a RootSender.
// The sequence counter is not synchronized; callers drive it from the reactor
// goroutine only.
type SessionSender struct {
	root *RootSender
	seq  uint32
}

// NewSessionSender creates a session sender layered on root.
func NewSessionSender(root *RootSender) *SessionSender {
	return &SessionSender{root: root}
}

// Frame builds a complete wire packet for the given endpoint and payload.
func (s *SessionSender) Frame(endpoint uint16, kind FrameKind, payload []byte) ([]byte, error) {
	if kind != FrameData && kind != FrameHeartbeat {
		return nil, ErrUnknownKind
	}
	if len(payload) > MaxBody-SessionHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(payload))
	}

	s.seq++
	body := make([]byte, SessionHeaderSize+len(payload))
	binary.BigEndian.PutUint16(body[0:2], endpoint)
	binary.BigEndian.PutUint32(body[2:6], s.seq)
	body[6] = byte(kind)
	binary.BigEndian.PutUint16(body[7:9], uint16(len(payload)))
	copy(body[SessionHeaderSize:], payload)

	return s.root.Pack(body)
}

// Heartbeat builds a heartbeat frame on the control endpoint.
func (s *SessionSender) Heartbeat() ([]byte, error) {
	return s.Frame(ControlEndpoint, FrameHeartbeat, nil)
}
