package protocol

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
)

// PayloadHandler receives a fully decoded non-heartbeat frame.
type PayloadHandler func(th TransportHeader, eh EnvelopeHeader, sh SessionHeader, payload []byte)

// RootInflator strips the envelope layer and hands the body to the session
// inflator. Malformed packets are dropped with a warning; decoding never
// tears down the connection.
type RootInflator struct {
	next   *SessionInflator
	logger *log.Logger
}

// NewRootInflator creates the outer layer decoder.
func NewRootInflator(logger *log.Logger) *RootInflator {
	if logger == nil {
		logger = log.New(os.Stderr, "[Protocol] ", log.LstdFlags)
	}
	return &RootInflator{logger: logger}
}

// AddInflator registers the session layer as the next stage.
func (ri *RootInflator) AddInflator(next *SessionInflator) {
	ri.next = next
}

// Inflate decodes one complete envelope packet. The returned error reports
// why a packet was dropped; callers may ignore it.
func (ri *RootInflator) Inflate(th TransportHeader, packet []byte) error {
	eh, body, err := decodeEnvelope(packet)
	if err != nil {
		ri.logger.Printf("dropping packet from %s: %v", th.Source, err)
		return err
	}
	if ri.next == nil {
		ri.logger.Printf("dropping packet from %s: %v", th.Source, ErrNoInflator)
		return ErrNoInflator
	}
	return ri.next.inflate(th, eh, body)
}

func decodeEnvelope(packet []byte) (EnvelopeHeader, []byte, error) {
	var eh EnvelopeHeader
	if len(packet) < EnvelopeHeaderSize {
		return eh, nil, fmt.Errorf("%w: envelope %d bytes", ErrShortHeader, len(packet))
	}
	if packet[0] != magicHi || packet[1] != magicLo {
		return eh, nil, ErrBadMagic
	}
	if packet[2] != Version {
		return eh, nil, fmt.Errorf("%w: 0x%02x", ErrBadVersion, packet[2])
	}
	copy(eh.CID[:], packet[3:19])
	length := int(binary.BigEndian.Uint16(packet[19:21]))
	if length > MaxBody {
		return eh, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, length)
	}
	if length != len(packet)-EnvelopeHeaderSize {
		return eh, nil, fmt.Errorf("%w: declared %d, have %d",
			ErrLengthMismatch, length, len(packet)-EnvelopeHeaderSize)
	}
	return eh, packet[EnvelopeHeaderSize:], nil
}

// SessionInflator strips the session layer and routes payloads to handlers
// registered per endpoint. Heartbeat frames are consumed by the heartbeat
// callback and never forwarded.
type SessionInflator struct {
	handlers  map[uint16]PayloadHandler
	heartbeat func(th TransportHeader, eh EnvelopeHeader)
	frameHook func(th TransportHeader)
	logger    *log.Logger
}

// NewSessionInflator creates the session layer decoder.
func NewSessionInflator(logger *log.Logger) *SessionInflator {
	if logger == nil {
		logger = log.New(os.Stderr, "[Protocol] ", log.LstdFlags)
	}
	return &SessionInflator{
		handlers: make(map[uint16]PayloadHandler),
		logger:   logger,
	}
}

// SetHandler registers the payload handler for an endpoint, replacing any
// previous registration.
func (si *SessionInflator) SetHandler(endpoint uint16, h PayloadHandler) {
	si.handlers[endpoint] = h
}

// SetHeartbeatHandler registers the callback invoked for heartbeat frames on
// the control endpoint.
func (si *SessionInflator) SetHeartbeatHandler(fn func(th TransportHeader, eh EnvelopeHeader)) {
	si.heartbeat = fn
}

// SetFrameHook registers a callback invoked for every well-formed session
// frame, heartbeats included. Used to refresh connection liveness on any
// traffic.
func (si *SessionInflator) SetFrameHook(fn func(th TransportHeader)) {
	si.frameHook = fn
}

func (si *SessionInflator) inflate(th TransportHeader, eh EnvelopeHeader, body []byte) error {
	if len(body) < SessionHeaderSize {
		si.logger.Printf("dropping frame from %s: %v", th.Source, ErrShortHeader)
		return fmt.Errorf("%w: session %d bytes", ErrShortHeader, len(body))
	}

	sh := SessionHeader{
		Endpoint: binary.BigEndian.Uint16(body[0:2]),
		Sequence: binary.BigEndian.Uint32(body[2:6]),
		Kind:     FrameKind(body[6]),
	}
	length := int(binary.BigEndian.Uint16(body[7:9]))
	if length != len(body)-SessionHeaderSize {
		si.logger.Printf("dropping frame from %s: %v", th.Source, ErrLengthMismatch)
		return fmt.Errorf("%w: declared %d, have %d",
			ErrLengthMismatch, length, len(body)-SessionHeaderSize)
	}
	payload := body[SessionHeaderSize:]

	switch sh.Kind {
	case FrameHeartbeat:
		if sh.Endpoint != ControlEndpoint {
			si.logger.Printf("dropping heartbeat from %s on endpoint %d", th.Source, sh.Endpoint)
			return ErrUnknownKind
		}
		if si.frameHook != nil {
			si.frameHook(th)
		}
		if si.heartbeat != nil {
			si.heartbeat(th, eh)
		}
		return nil

	case FrameData:
		if si.frameHook != nil {
			si.frameHook(th)
		}
		h, ok := si.handlers[sh.Endpoint]
		if !ok {
			si.logger.Printf("no handler for endpoint %d, dropping frame from %s", sh.Endpoint, th.Source)
			return nil
		}
		h(th, eh, sh, payload)
		return nil

	default:
		si.logger.Printf("dropping frame from %s: %v 0x%02x", th.Source, ErrUnknownKind, body[6])
		return ErrUnknownKind
	}
}
