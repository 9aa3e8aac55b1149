// Package connector owns outbound connection attempts: one non-blocking
// dial in flight per target, a connect timeout, and backoff-scheduled
// retries. It never touches registry state; results are delivered through the
// connected callback on the reactor goroutine.
package connector

import (
	"log"
	"net"
	"net/netip"
	"os"
	"time"

	"openlcs/controller/internal/backoff"
	"openlcs/controller/internal/reactor"
)

// ConnectedFunc receives the live connection once a dial succeeds. attempts
// is the number of attempts made so far, the successful one included.
type ConnectedFunc func(addr netip.AddrPort, conn net.Conn, attempts uint)

// DialFunc performs the blocking dial; replaceable in tests.
type DialFunc func(addr string, timeout time.Duration) (net.Conn, error)

type target struct {
	attempts uint
	timer    *reactor.Timer
	inFlight bool
}

// Connector schedules and retries outbound connects. All methods must be
// called on the reactor goroutine.
type Connector struct {
	r           *reactor.Reactor
	policy      *backoff.Policy
	timeout     time.Duration
	onConnected ConnectedFunc
	dial        DialFunc
	targets     map[netip.AddrPort]*target
	logger      *log.Logger
}

// New creates a connector.
func New(r *reactor.Reactor, policy *backoff.Policy, timeout time.Duration, onConnected ConnectedFunc) *Connector {
	return &Connector{
		r:           r,
		policy:      policy,
		timeout:     timeout,
		onConnected: onConnected,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		targets: make(map[netip.AddrPort]*target),
		logger:  log.New(os.Stderr, "[Connector] ", log.LstdFlags),
	}
}

// SetDialFunc replaces the dialer. Test hook.
func (c *Connector) SetDialFunc(dial DialFunc) {
	c.dial = dial
}

// SetLogger replaces the default logger.
func (c *Connector) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// AddTarget schedules a connection attempt for addr. A no-op while an attempt
// is already scheduled or in flight. The first attempt runs immediately;
// later ones wait out the backoff delay for the new attempt count.
func (c *Connector) AddTarget(addr netip.AddrPort) {
	tg, ok := c.targets[addr]
	if !ok {
		tg = &target{}
		c.targets[addr] = tg
	}
	if tg.timer != nil || tg.inFlight {
		return
	}
	c.schedule(addr, tg)
}

func (c *Connector) schedule(addr netip.AddrPort, tg *target) {
	tg.attempts++
	var delay time.Duration
	if tg.attempts > 1 {
		delay = c.policy.NextDelay(tg.attempts)
	}
	if delay > 0 {
		c.logger.Printf("retrying %s in %v (attempt %d)", addr, delay, tg.attempts)
	}
	tg.timer = c.r.Schedule(delay, func() {
		tg.timer = nil
		c.attempt(addr, tg)
	})
}

func (c *Connector) attempt(addr netip.AddrPort, tg *target) {
	tg.inFlight = true
	attempts := tg.attempts
	go func() {
		conn, err := c.dial(addr.String(), c.timeout)
		c.r.Submit(func() {
			// The target may have been forgotten while dialing.
			if c.targets[addr] != tg {
				if conn != nil {
					conn.Close()
				}
				return
			}
			tg.inFlight = false
			if err != nil {
				c.logger.Printf("connect to %s failed (attempt %d): %v", addr, attempts, err)
				c.schedule(addr, tg)
				return
			}
			c.onConnected(addr, conn, attempts)
		})
	}()
}

// Attempts returns the attempt count for addr, zero for unknown targets.
func (c *Connector) Attempts(addr netip.AddrPort) uint {
	if tg, ok := c.targets[addr]; ok {
		return tg.attempts
	}
	return 0
}

// Pending reports whether an attempt is scheduled or in flight for addr.
func (c *Connector) Pending(addr netip.AddrPort) bool {
	tg, ok := c.targets[addr]
	return ok && (tg.timer != nil || tg.inFlight)
}

// ResetAttempts zeroes addr's attempt counter, so the next AddTarget connects
// immediately again. Applied by the registry's sustained-health policy.
func (c *Connector) ResetAttempts(addr netip.AddrPort) {
	if tg, ok := c.targets[addr]; ok {
		tg.attempts = 0
	}
}

// Forget cancels any scheduled attempt and drops all state for addr. A dial
// already in flight has its result discarded.
func (c *Connector) Forget(addr netip.AddrPort) {
	tg, ok := c.targets[addr]
	if !ok {
		return
	}
	if tg.timer != nil {
		tg.timer.Cancel()
		tg.timer = nil
	}
	delete(c.targets, addr)
}
