package registry

import (
	"errors"
	"io"
	"log"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openlcs/controller/internal/backoff"
	"openlcs/controller/internal/connector"
	"openlcs/controller/internal/protocol"
	"openlcs/controller/internal/reactor"
)

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:5569")
	addrB = netip.MustParseAddrPort("10.0.0.2:5569")
)

type fakeSender struct {
	mu         sync.Mutex
	heartbeats int
	frames     [][]byte
	closed     int
	fail       bool
}

func (s *fakeSender) SendHeartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.heartbeats++
	return nil
}

func (s *fakeSender) SendFrame(endpoint uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// pipeDialer hands out net.Pipe client ends and keeps the server ends.
type pipeDialer struct {
	mu      sync.Mutex
	fail    bool
	servers map[string][]net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(map[string][]net.Conn)}
}

func (d *pipeDialer) dial(addr string, timeout time.Duration) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	d.servers[addr] = append(d.servers[addr], server)
	return client, nil
}

func (d *pipeDialer) server(addr netip.AddrPort, i int) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.servers[addr.String()]
	if i >= len(conns) {
		return nil
	}
	return conns[i]
}

func (d *pipeDialer) dialCount(addr netip.AddrPort) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.servers[addr.String()])
}

type fixture struct {
	mock *clock.Mock
	r    *reactor.Reactor
	c    *connector.Connector
	g    *Registry
	d    *pipeDialer

	mu       sync.Mutex
	events   []Event
	received [][]byte
	senders  []*fakeSender

	failSetup bool
}

func newFixture(t *testing.T, evictAfter time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		mock: clock.NewMock(),
		d:    newPipeDialer(),
	}
	f.r = reactor.New(f.mock)
	quiet := log.New(io.Discard, "", 0)

	f.c = connector.New(f.r, backoff.New(5*time.Second, 60*time.Second), time.Second,
		func(addr netip.AddrPort, conn net.Conn, attempts uint) {
			f.g.OnConnected(addr, conn, attempts)
		})
	f.c.SetDialFunc(f.d.dial)
	f.c.SetLogger(quiet)

	f.g = New(Config{
		Reactor:   f.r,
		Connector: f.c,
		NewSender: func(conn net.Conn) FrameSender {
			s := &fakeSender{fail: f.failSetup}
			f.mu.Lock()
			f.senders = append(f.senders, s)
			f.mu.Unlock()
			return s
		},
		Receive: func(addr netip.AddrPort, packet []byte) {
			f.mu.Lock()
			f.received = append(f.received, packet)
			f.mu.Unlock()
		},
		OnEvent: func(ev Event) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		},
		HeartbeatInterval: 2 * time.Second,
		LivenessMult:      3,
		EvictAfter:        evictAfter,
		Logger:            quiet,
	})
	go f.r.Run()
	t.Cleanup(f.r.Terminate)
	return f
}

func (f *fixture) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, ev := range f.events {
		types = append(types, ev.Type+" "+ev.Address)
	}
	return types
}

// track adds addr and waits for the first dial to complete.
func (f *fixture) track(t *testing.T, addr netip.AddrPort) {
	t.Helper()
	f.r.SubmitWait(func() { f.g.EnsureTracked(addr) })
	f.mock.Add(time.Millisecond)
	f.waitConnected(t, addr)
}

func (f *fixture) waitConnected(t *testing.T, addr netip.AddrPort) {
	t.Helper()
	require.Eventually(t, func() bool {
		connected := false
		f.r.SubmitWait(func() {
			e := f.g.Lookup(addr)
			connected = e != nil && e.Conn != nil && e.Health != nil
		})
		return connected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEnsureTrackedIdempotent(t *testing.T) {
	f := newFixture(t, 0)

	f.r.SubmitWait(func() {
		f.g.EnsureTracked(addrA)
		f.g.EnsureTracked(addrA)
		f.g.EnsureTracked(addrA)
	})
	f.r.SubmitWait(func() { assert.Equal(t, 1, f.g.Len()) })

	f.mock.Add(time.Millisecond)
	f.waitConnected(t, addrA)
	assert.Equal(t, 1, f.d.dialCount(addrA))
}

func TestOnConnectedUntrackedAddressDiscarded(t *testing.T) {
	f := newFixture(t, 0)

	client, server := net.Pipe()
	f.r.SubmitWait(func() { f.g.OnConnected(addrA, client, 1) })
	f.r.SubmitWait(func() { assert.Nil(t, f.g.Lookup(addrA)) })

	// The registry closed its end; reads on the server side fail.
	server.SetReadDeadline(time.Now().Add(time.Second))
	_, err := server.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestDuplicateConnectionDiscarded(t *testing.T) {
	f := newFixture(t, 0)
	f.track(t, addrA)

	dup, server := net.Pipe()
	f.r.SubmitWait(func() { f.g.OnConnected(addrA, dup, 2) })

	// At most one live socket: the original survives, the duplicate dies.
	f.r.SubmitWait(func() {
		e := f.g.Lookup(addrA)
		require.NotNil(t, e)
		assert.NotNil(t, e.Conn)
		assert.NotSame(t, dup, e.Conn)
		assert.Equal(t, uint(1), e.Attempts)
	})
	server.SetReadDeadline(time.Now().Add(time.Second))
	_, err := server.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestHeartbeatSetupFailureTearsDownAndRetries(t *testing.T) {
	f := newFixture(t, 0)
	f.failSetup = true

	f.r.SubmitWait(func() { f.g.EnsureTracked(addrA) })
	f.mock.Add(time.Millisecond)

	require.Eventually(t, func() bool {
		pending := false
		f.r.SubmitWait(func() {
			e := f.g.Lookup(addrA)
			pending = e != nil && e.Conn == nil && f.c.Pending(addrA)
		})
		return pending
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnhealthyTeardownAndReconnectScenario(t *testing.T) {
	f := newFixture(t, 0)
	f.track(t, addrA)
	f.track(t, addrB)

	// A goes silent; keep B alive through the whole window.
	for i := 0; i < 3; i++ {
		f.mock.Add(2 * time.Second)
		f.r.SubmitWait(func() { f.g.HeartbeatReceived(addrB) })
	}

	f.r.SubmitWait(func() {
		a := f.g.Lookup(addrA)
		require.NotNil(t, a)
		assert.Nil(t, a.Conn, "A should be torn down")
		assert.Nil(t, a.Health)
		assert.True(t, f.c.Pending(addrA), "reconnect should be scheduled for A")
		assert.Equal(t, uint(2), f.c.Attempts(addrA), "reconnect runs as attempt 2")

		b := f.g.Lookup(addrB)
		require.NotNil(t, b)
		assert.NotNil(t, b.Conn, "B must be unaffected")
		assert.NotNil(t, b.Health)
	})

	// Reconnect waits out attempt 2's delay (10s), then succeeds.
	f.mock.Add(10 * time.Second)
	f.waitConnected(t, addrA)
	assert.Equal(t, 2, f.d.dialCount(addrA))
	f.r.SubmitWait(func() {
		assert.Equal(t, uint(2), f.g.Lookup(addrA).Attempts)
		assert.False(t, f.c.Pending(addrA))
	})
}

func TestPeerCloseTriggersReconnect(t *testing.T) {
	f := newFixture(t, 0)
	f.track(t, addrA)

	// Remote end closes the connection.
	f.d.server(addrA, 0).Close()

	require.Eventually(t, func() bool {
		down := false
		f.r.SubmitWait(func() {
			e := f.g.Lookup(addrA)
			down = e != nil && e.Conn == nil && f.c.Pending(addrA)
		})
		return down
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, f.eventTypes(), "closed "+addrA.String())
}

func TestTeardownIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	f.track(t, addrA)

	f.r.SubmitWait(func() {
		f.g.OnClosed(addrA)
		f.g.OnClosed(addrA)
		f.g.OnUnhealthy(addrA)
	})
	f.r.SubmitWait(func() {
		e := f.g.Lookup(addrA)
		require.NotNil(t, e)
		assert.Nil(t, e.Conn)
		assert.Nil(t, e.Health)
	})

	// Only one teardown event was emitted for the three calls, and the
	// sender was released exactly once.
	teardowns := 0
	for _, ev := range f.eventTypes() {
		if ev == "closed "+addrA.String() || ev == "unhealthy "+addrA.String() {
			teardowns++
		}
	}
	assert.Equal(t, 1, teardowns)

	f.mu.Lock()
	require.Len(t, f.senders, 1)
	closed := f.senders[0].closed
	f.mu.Unlock()
	assert.Equal(t, 1, closed)
}

func TestIncomingBytesReachReceive(t *testing.T) {
	f := newFixture(t, 0)
	f.track(t, addrA)

	sender := protocol.NewSessionSender(protocol.NewRootSender(uuid.New()))
	packet, err := sender.Frame(protocol.ControlEndpoint, protocol.FrameData, []byte{1, 2, 3})
	require.NoError(t, err)

	server := f.d.server(addrA, 0)
	require.NotNil(t, server)
	_, err = server.Write(packet)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.received) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.mu.Lock()
	assert.Equal(t, packet, f.received[0])
	f.mu.Unlock()
}

func TestSendFrameRequiresConnection(t *testing.T) {
	f := newFixture(t, 0)

	f.r.SubmitWait(func() {
		assert.ErrorIs(t, f.g.SendFrame(addrA, 0, []byte{1}), ErrNotConnected)
	})

	f.track(t, addrA)
	f.r.SubmitWait(func() {
		require.NoError(t, f.g.SendFrame(addrA, 0, []byte{0xAB}))
	})
}

func TestEvictionDropsStaleDisconnectedPeer(t *testing.T) {
	f := newFixture(t, 30*time.Second)
	f.d.fail = true

	f.r.SubmitWait(func() { f.g.EnsureTracked(addrA) })
	f.mock.Add(time.Millisecond)

	// Dials keep failing; after the idle window the sweep drops the entry
	// and cancels the connector state.
	require.Eventually(t, func() bool {
		gone := false
		f.r.SubmitWait(func() {
			gone = f.g.Lookup(addrA) == nil && !f.c.Pending(addrA)
		})
		if !gone {
			f.mock.Add(10 * time.Second)
		}
		return gone
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, f.eventTypes(), "evicted "+addrA.String())
}
