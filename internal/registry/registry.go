// Package registry tracks every known peer and owns its connection state:
// the live socket, the health checker layered on it, and the attempt counter.
// Entries are created on first sighting and, unless the eviction policy is
// enabled, live for the rest of the process.
package registry

import (
	"errors"
	"log"
	"net"
	"net/netip"
	"os"
	"time"

	"openlcs/controller/internal/connector"
	"openlcs/controller/internal/health"
	"openlcs/controller/internal/protocol"
	"openlcs/controller/internal/reactor"
)

// ErrNotConnected is returned when a frame is sent to a peer without a live
// connection.
var ErrNotConnected = errors.New("registry: peer not connected")

// FrameSender transmits frames on one connection. Built per connection by the
// owner so the registry stays free of wire-format details. Close releases any
// resources the sender holds (a writer goroutine, buffers) and is called by
// the registry during teardown, before the socket closes.
type FrameSender interface {
	health.Sender
	SendFrame(endpoint uint16, payload []byte) error
	Close() error
}

// Event describes a connection lifecycle transition, for logging surfaces and
// the websocket stream.
type Event struct {
	Type     string    `json:"type"` // tracked | connected | unhealthy | closed | evicted
	Address  string    `json:"address"`
	Attempts uint      `json:"attempts"`
	Time     time.Time `json:"time"`
}

// SessionStore mirrors connection state into an external store (Redis).
// Implementations must not block the caller.
type SessionStore interface {
	Register(addr netip.AddrPort, attempts uint)
	Touch(addr netip.AddrPort)
	Remove(addr netip.AddrPort)
}

// NopSessions is a SessionStore that does nothing.
type NopSessions struct{}

func (NopSessions) Register(netip.AddrPort, uint) {}
func (NopSessions) Touch(netip.AddrPort)          {}
func (NopSessions) Remove(netip.AddrPort)         {}

// Entry is the connection state for one peer. Conn and Health are nil while
// disconnected; Health non-nil implies Conn non-nil.
type Entry struct {
	Addr        netip.AddrPort
	Conn        net.Conn
	Health      *health.Checker
	Sender      FrameSender
	Attempts    uint
	ConnectedAt time.Time

	stream   *protocol.StreamReader
	lastSeen time.Time
}

// Config wires a Registry's collaborators and policy.
type Config struct {
	Reactor   *reactor.Reactor
	Connector *connector.Connector

	// NewSender builds the frame sender for a fresh connection.
	NewSender func(conn net.Conn) FrameSender

	// Receive is handed every complete envelope packet from a peer.
	Receive func(addr netip.AddrPort, packet []byte)

	Sessions SessionStore
	OnEvent  func(Event)

	HeartbeatInterval time.Duration
	LivenessMult      int

	// HealthyReset zeroes the attempt counter once a connection has stayed
	// healthy this long. Zero disables.
	HealthyReset time.Duration

	// EvictAfter drops disconnected entries idle this long. Zero disables.
	EvictAfter time.Duration

	Logger *log.Logger
}

// Registry maps peer addresses to connection state. All methods must run on
// the reactor goroutine.
type Registry struct {
	cfg     Config
	entries map[netip.AddrPort]*Entry
	logger  *log.Logger
}

// New creates a registry and, when eviction is enabled, starts its sweep
// timer.
func New(cfg Config) *Registry {
	if cfg.Sessions == nil {
		cfg.Sessions = NopSessions{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[Registry] ", log.LstdFlags)
	}
	g := &Registry{
		cfg:     cfg,
		entries: make(map[netip.AddrPort]*Entry),
		logger:  cfg.Logger,
	}
	if cfg.EvictAfter > 0 {
		cfg.Reactor.ScheduleRepeating(cfg.EvictAfter, g.sweep)
	}
	return g
}

// EnsureTracked creates the entry for addr if absent and starts connection
// attempts for it. Idempotent.
func (g *Registry) EnsureTracked(addr netip.AddrPort) {
	if _, ok := g.entries[addr]; ok {
		return
	}
	g.logger.Printf("tracking %s", addr)
	e := &Entry{Addr: addr, lastSeen: g.cfg.Reactor.Now()}
	g.entries[addr] = e
	g.emit("tracked", e)
	g.cfg.Connector.AddTarget(addr)
}

// Lookup returns the entry for addr, or nil.
func (g *Registry) Lookup(addr netip.AddrPort) *Entry {
	return g.entries[addr]
}

// Len returns the number of tracked peers.
func (g *Registry) Len() int {
	return len(g.entries)
}

// Each calls fn for every tracked entry.
func (g *Registry) Each(fn func(e *Entry)) {
	for _, e := range g.entries {
		fn(e)
	}
}

// OnConnected attaches a freshly connected socket to its entry, arms the
// health checker, and starts the read loop. A socket for an untracked address
// is a logic error: it is closed immediately so no descriptor leaks.
func (g *Registry) OnConnected(addr netip.AddrPort, conn net.Conn, attempts uint) {
	e, ok := g.entries[addr]
	if !ok {
		g.logger.Printf("SEVERE: connected socket for untracked address %s, discarding", addr)
		conn.Close()
		return
	}
	if e.Conn != nil {
		g.logger.Printf("SEVERE: duplicate connection for %s, discarding the new socket", addr)
		conn.Close()
		return
	}

	g.logger.Printf("connected to %s (attempt %d)", addr, attempts)
	e.Conn = conn
	e.Attempts = attempts
	e.ConnectedAt = g.cfg.Reactor.Now()
	e.Sender = g.cfg.NewSender(conn)
	e.stream = protocol.NewStreamReader()

	h := health.New(g.cfg.Reactor, e.Sender, g.cfg.HeartbeatInterval, g.cfg.LivenessMult,
		func() { g.OnUnhealthy(addr) })
	h.SetLogger(g.logger)
	if err := h.Setup(); err != nil {
		g.logger.Printf("heartbeat setup for %s failed: %v", addr, err)
		e.Sender.Close()
		conn.Close()
		e.Conn = nil
		e.Sender = nil
		e.stream = nil
		g.cfg.Connector.AddTarget(addr)
		return
	}
	e.Health = h

	g.cfg.Sessions.Register(addr, attempts)
	g.emit("connected", e)

	go g.readLoop(addr, conn)
}

// readLoop blocks on the socket and hands everything it reads back to the
// reactor. It exits when the socket errors or is closed by teardown.
func (g *Registry) readLoop(addr netip.AddrPort, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			g.cfg.Reactor.Submit(func() { g.onData(addr, conn, data) })
		}
		if err != nil {
			g.cfg.Reactor.Submit(func() { g.onReadClosed(addr, conn) })
			return
		}
	}
}

func (g *Registry) onData(addr netip.AddrPort, conn net.Conn, data []byte) {
	e, ok := g.entries[addr]
	if !ok || e.Conn != conn {
		// Late delivery from a connection already torn down.
		return
	}
	e.lastSeen = g.cfg.Reactor.Now()
	for _, packet := range e.stream.Feed(data) {
		g.cfg.Receive(addr, packet)
	}
}

func (g *Registry) onReadClosed(addr netip.AddrPort, conn net.Conn) {
	e, ok := g.entries[addr]
	if !ok || e.Conn != conn {
		return
	}
	g.OnClosed(addr)
}

// HeartbeatReceived refreshes the liveness deadline for addr and applies the
// sustained-health attempt reset policy.
func (g *Registry) HeartbeatReceived(addr netip.AddrPort) {
	e, ok := g.entries[addr]
	if !ok || e.Health == nil {
		return
	}
	e.Health.HeartbeatReceived()
	e.lastSeen = g.cfg.Reactor.Now()
	g.cfg.Sessions.Touch(addr)

	if g.cfg.HealthyReset > 0 && e.Attempts > 0 &&
		g.cfg.Reactor.Now().Sub(e.ConnectedAt) >= g.cfg.HealthyReset {
		g.cfg.Connector.ResetAttempts(addr)
		e.Attempts = 0
	}
}

// OnUnhealthy tears down addr's connection after a liveness failure and
// schedules a reconnect.
func (g *Registry) OnUnhealthy(addr netip.AddrPort) {
	g.logger.Printf("connection to %s went unhealthy", addr)
	g.teardown(addr, "unhealthy")
}

// OnClosed tears down addr's connection after a close and schedules a
// reconnect. Idempotent.
func (g *Registry) OnClosed(addr netip.AddrPort) {
	g.logger.Printf("connection to %s was closed", addr)
	g.teardown(addr, "closed")
}

// teardown stops the health checker, then closes the socket, in that order,
// and re-adds the target so reconnection proceeds under backoff.
func (g *Registry) teardown(addr netip.AddrPort, event string) {
	e, ok := g.entries[addr]
	if !ok {
		g.logger.Printf("SEVERE: teardown for untracked address %s", addr)
		return
	}
	if e.Conn == nil && e.Health == nil {
		return
	}

	if e.Health != nil {
		e.Health.Stop()
		e.Health = nil
	}
	if e.Sender != nil {
		e.Sender.Close()
		e.Sender = nil
	}
	if e.Conn != nil {
		e.Conn.Close() // stops the read loop
		e.Conn = nil
	}
	e.stream = nil

	g.cfg.Sessions.Remove(addr)
	g.emit(event, e)
	g.cfg.Connector.AddTarget(addr)
}

// SendFrame transmits a data frame to addr over its live connection.
func (g *Registry) SendFrame(addr netip.AddrPort, endpoint uint16, payload []byte) error {
	e, ok := g.entries[addr]
	if !ok || e.Sender == nil {
		return ErrNotConnected
	}
	return e.Sender.SendFrame(endpoint, payload)
}

// sweep applies the eviction policy: disconnected entries with no traffic
// for EvictAfter are dropped. The connector state goes first so no stale
// callback can reference the removed entry.
func (g *Registry) sweep() {
	cutoff := g.cfg.Reactor.Now().Add(-g.cfg.EvictAfter)
	for addr, e := range g.entries {
		if e.Conn != nil || e.Health != nil {
			continue
		}
		if e.lastSeen.After(cutoff) {
			continue
		}
		g.logger.Printf("evicting stale peer %s", addr)
		g.cfg.Connector.Forget(addr)
		delete(g.entries, addr)
		g.emit("evicted", e)
	}
}

func (g *Registry) emit(typ string, e *Entry) {
	if g.cfg.OnEvent == nil {
		return
	}
	g.cfg.OnEvent(Event{
		Type:     typ,
		Address:  e.Addr.String(),
		Attempts: e.Attempts,
		Time:     g.cfg.Reactor.Now(),
	})
}
