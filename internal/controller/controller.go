// Package controller assembles the connection engine: the reactor, the
// registry and connector, the protocol chain, discovery, and the NATS
// uplink/downlink bridge. It is the single place that knows how the pieces
// fit together.
package controller

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"openlcs/controller/internal/backoff"
	"openlcs/controller/internal/config"
	"openlcs/controller/internal/connector"
	"openlcs/controller/internal/discovery"
	"openlcs/controller/internal/params"
	"openlcs/controller/internal/protocol"
	"openlcs/controller/internal/reactor"
	"openlcs/controller/internal/registry"
)

const (
	// UplinkSubject carries every decoded non-heartbeat frame.
	UplinkSubject = "lcs.uplink.frame"

	// DownlinkSubjectPrefix is completed with the controller ID.
	DownlinkSubjectPrefix = "lcs.downlink."

	writeTimeout = 2 * time.Second

	// writeBacklog bounds the per-connection write queue; frames beyond it
	// are dropped rather than blocking the caller.
	writeBacklog = 16
)

var errWriteBacklog = errors.New("controller: write queue full")

// Controller runs the connection lifecycle engine for one process.
type Controller struct {
	cfg *config.Config
	cid uuid.UUID

	r    *reactor.Reactor
	conn *connector.Connector
	reg  *registry.Registry

	root    *protocol.RootSender
	rootInf *protocol.RootInflator
	sessInf *protocol.SessionInflator

	nc      *nats.Conn
	pstore  *params.Store
	sweeper *discovery.Sweeper
	downSub *nats.Subscription

	logger *log.Logger
}

// New wires up a controller. rdb may be nil to run without the Redis session
// mirror; onEvent may be nil. onEvent is invoked on the reactor goroutine and
// must not block.
func New(cfg *config.Config, nc *nats.Conn, rdb *redis.Client, pstore *params.Store, onEvent func(registry.Event)) *Controller {
	if pstore == nil {
		pstore = params.Empty()
	}
	c := &Controller{
		cfg:    cfg,
		cid:    uuid.New(),
		r:      reactor.New(nil),
		nc:     nc,
		pstore: pstore,
		logger: log.New(os.Stderr, "[Controller] ", log.LstdFlags),
	}

	c.root = protocol.NewRootSender(c.cid)
	c.rootInf = protocol.NewRootInflator(c.logger)
	c.sessInf = protocol.NewSessionInflator(c.logger)
	c.rootInf.AddInflator(c.sessInf)
	c.sessInf.SetFrameHook(func(th protocol.TransportHeader) {
		c.reg.HeartbeatReceived(th.Source)
	})
	c.sessInf.SetHandler(protocol.ControlEndpoint, c.endpointRequest)

	policy := backoff.NewWithJitter(cfg.RetryInitial, cfg.RetryMax, cfg.RetryJitter)
	c.conn = connector.New(c.r, policy, cfg.ConnectTimeout,
		func(addr netip.AddrPort, conn net.Conn, attempts uint) {
			c.reg.OnConnected(addr, conn, attempts)
		})

	var sessions registry.SessionStore
	if rdb != nil {
		sessions = registry.NewRedisSessions(rdb, cfg.ControllerID, c.cid.String())
	}
	c.reg = registry.New(registry.Config{
		Reactor:   c.r,
		Connector: c.conn,
		NewSender: func(conn net.Conn) registry.FrameSender {
			return newFrameSender(protocol.NewSessionSender(c.root), conn, c.logger)
		},
		Receive: func(addr netip.AddrPort, packet []byte) {
			th := protocol.TransportHeader{Source: addr, Transport: protocol.TransportTCP}
			c.rootInf.Inflate(th, packet)
		},
		Sessions:          sessions,
		OnEvent:           onEvent,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessMult:      cfg.LivenessMult,
		HealthyReset:      cfg.HealthyReset,
		EvictAfter:        cfg.EvictAfter,
	})
	return c
}

// CID returns the controller identity carried in every envelope.
func (c *Controller) CID() uuid.UUID {
	return c.cid
}

// Start subscribes the downlink consumer. Discovery is started separately so
// a manual target list can bypass it entirely.
func (c *Controller) Start() error {
	if c.nc == nil {
		return nil
	}
	subject := DownlinkSubjectPrefix + c.cfg.ControllerID
	sub, err := c.nc.Subscribe(subject, c.onDownlink)
	if err != nil {
		return fmt.Errorf("controller: subscribe %s: %w", subject, err)
	}
	c.downSub = sub
	c.logger.Printf("consuming downlink commands on %s", subject)
	return nil
}

// StartDiscovery launches the periodic discovery sweep.
func (c *Controller) StartDiscovery() error {
	c.sweeper = discovery.New(c.nc, c.cfg.DiscoveryWindow, c.cfg.DiscoveryPeriod, c.discoveryResults)
	return c.sweeper.Start()
}

// AddAddress begins tracking a manually supplied target.
func (c *Controller) AddAddress(addr netip.AddrPort) {
	c.r.Submit(func() { c.reg.EnsureTracked(addr) })
}

// Run drives the reactor until Stop is called.
func (c *Controller) Run() {
	c.r.Run()
}

// Stop shuts everything down. Safe to call once from any goroutine.
func (c *Controller) Stop() {
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	if c.downSub != nil {
		c.downSub.Unsubscribe()
	}
	c.r.Terminate()
}

// discoveryResults runs on the discovery worker; it only crosses into the
// registry through the reactor queue.
func (c *Controller) discoveryResults(ok bool, locators []string) {
	if !ok {
		c.logger.Printf("discovery sweep failed")
		return
	}
	c.r.Submit(func() {
		for _, locator := range locators {
			uid, addr, err := discovery.ParseLocator(locator)
			if err != nil {
				c.logger.Printf("skipping locator: %v", err)
				continue
			}
			if uid.IsBroadcast() {
				c.logger.Printf("skipping broadcast uid %s at %s", uid, addr)
				continue
			}
			c.logger.Printf("located %s at %s", uid, addr)
			c.reg.EnsureTracked(addr)
		}
	})
}

// uplinkFrame is the JSON shape published for every decoded data frame.
type uplinkFrame struct {
	Source    string `json:"source"`
	CID       string `json:"cid"`
	Endpoint  uint16 `json:"endpoint"`
	Sequence  uint32 `json:"sequence"`
	Param     string `json:"param,omitempty"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// endpointRequest handles decoded data frames on the control endpoint and
// publishes them uplink. Payload semantics stay opaque to the core; only the
// leading parameter ID is annotated when the descriptor file knows it.
func (c *Controller) endpointRequest(th protocol.TransportHeader, eh protocol.EnvelopeHeader, sh protocol.SessionHeader, payload []byte) {
	c.logger.Printf("got message from %s (endpoint %d, seq %d, %d bytes)",
		th.Source, sh.Endpoint, sh.Sequence, len(payload))
	if c.nc == nil {
		return
	}

	frame := uplinkFrame{
		Source:    th.Source.String(),
		CID:       eh.CID.String(),
		Endpoint:  sh.Endpoint,
		Sequence:  sh.Sequence,
		Param:     c.pstore.Annotate(payload),
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Printf("failed to marshal uplink frame: %v", err)
		return
	}
	c.nc.Publish(UplinkSubject, data)
	c.nc.Publish(fmt.Sprintf("lcs.uplink.ep.%d", sh.Endpoint), data)
}

// downlinkCommand is the JSON shape accepted from NATS and the HTTP API.
type downlinkCommand struct {
	Address    string `json:"address"`
	Endpoint   uint16 `json:"endpoint"`
	PayloadB64 string `json:"payload_b64"`
}

// onDownlink runs on a NATS delivery goroutine.
func (c *Controller) onDownlink(msg *nats.Msg) {
	var cmd downlinkCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.logger.Printf("failed to unmarshal downlink command: %v", err)
		return
	}
	if err := c.SendCommand(cmd.Address, cmd.Endpoint, cmd.PayloadB64); err != nil {
		c.logger.Printf("downlink command failed: %v", err)
	}
}

// SendCommand encodes payloadB64 into a data frame and writes it to the
// peer's live connection. Safe to call from any goroutine.
func (c *Controller) SendCommand(address string, endpoint uint16, payloadB64 string) error {
	addr, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("controller: bad address %q: %w", address, err)
	}
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return fmt.Errorf("controller: bad payload: %w", err)
	}

	var sendErr error
	if !c.r.SubmitWait(func() {
		sendErr = c.reg.SendFrame(addr, endpoint, payload)
	}) {
		return fmt.Errorf("controller: not running")
	}
	return sendErr
}

// PeerInfo is a snapshot of one tracked peer for the API surface.
type PeerInfo struct {
	Address     string    `json:"address"`
	Connected   bool      `json:"connected"`
	Attempts    uint      `json:"attempts"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// Peers snapshots all tracked peers. Safe to call from any goroutine.
func (c *Controller) Peers() []PeerInfo {
	peers := []PeerInfo{}
	c.r.SubmitWait(func() {
		c.reg.Each(func(e *registry.Entry) {
			info := PeerInfo{
				Address:   e.Addr.String(),
				Connected: e.Conn != nil,
				Attempts:  e.Attempts,
			}
			if e.Conn != nil {
				info.ConnectedAt = e.ConnectedAt
			}
			if e.Health != nil {
				info.LastSeen = e.Health.LastHeard()
			}
			peers = append(peers, info)
		})
	})
	return peers
}

// frameSender owns the write side of one connection. Frames are handed to a
// writer goroutine through a bounded queue so a stalled peer never blocks the
// caller; a full queue drops the frame with an error. Sequence numbers
// advance on the reactor goroutine only.
type frameSender struct {
	sess   *protocol.SessionSender
	conn   net.Conn
	out    chan []byte
	once   sync.Once
	logger *log.Logger
}

func newFrameSender(sess *protocol.SessionSender, conn net.Conn, logger *log.Logger) *frameSender {
	s := &frameSender{
		sess:   sess,
		conn:   conn,
		out:    make(chan []byte, writeBacklog),
		logger: logger,
	}
	go s.writeLoop()
	return s
}

func (s *frameSender) SendHeartbeat() error {
	packet, err := s.sess.Heartbeat()
	if err != nil {
		return err
	}
	return s.enqueue(packet)
}

func (s *frameSender) SendFrame(endpoint uint16, payload []byte) error {
	packet, err := s.sess.Frame(endpoint, protocol.FrameData, payload)
	if err != nil {
		return err
	}
	return s.enqueue(packet)
}

func (s *frameSender) enqueue(packet []byte) error {
	select {
	case s.out <- packet:
		return nil
	default:
		return fmt.Errorf("%w: %s", errWriteBacklog, s.conn.RemoteAddr())
	}
}

// Close stops the writer goroutine; queued frames not yet written are lost
// with the socket. Callers must not enqueue after Close.
func (s *frameSender) Close() error {
	s.once.Do(func() { close(s.out) })
	return nil
}

func (s *frameSender) writeLoop() {
	for packet := range s.out {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := s.conn.Write(packet); err != nil {
			// The reader will notice the dead socket and trigger teardown.
			s.logger.Printf("write to %s failed: %v", s.conn.RemoteAddr(), err)
		}
	}
}
