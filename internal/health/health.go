// Package health layers a heartbeat protocol over one established
// connection. It sends a heartbeat every interval and declares the connection
// unhealthy when nothing is heard back within the liveness deadline. Socket
// teardown stays with the owner; this package only reports.
package health

import (
	"fmt"
	"log"
	"os"
	"time"

	"openlcs/controller/internal/reactor"
)

// Sender serializes and transmits one heartbeat frame. Implemented by the
// per-connection frame sender.
type Sender interface {
	SendHeartbeat() error
}

// State of a checked connection.
type State int

const (
	StateSetup State = iota
	StateArmed
	StateUnhealthy
	StateStopped
)

// Checker is the heartbeat state machine for a single connection. All methods
// must run on the reactor goroutine.
type Checker struct {
	r           *reactor.Reactor
	sender      Sender
	interval    time.Duration
	mult        int
	onUnhealthy func()

	state     State
	hbTimer   *reactor.Timer
	deadline  *reactor.Timer
	lastHeard time.Time
	logger    *log.Logger
}

// New creates a checker in the SETUP state. mult is the number of missed
// intervals tolerated before the connection is declared unhealthy; values
// below 2 are raised to 2.
func New(r *reactor.Reactor, sender Sender, interval time.Duration, mult int, onUnhealthy func()) *Checker {
	if mult < 2 {
		mult = 2
	}
	return &Checker{
		r:           r,
		sender:      sender,
		interval:    interval,
		mult:        mult,
		onUnhealthy: onUnhealthy,
		logger:      log.New(os.Stderr, "[Health] ", log.LstdFlags),
	}
}

// SetLogger replaces the default logger.
func (h *Checker) SetLogger(logger *log.Logger) {
	h.logger = logger
}

// Setup sends the initial heartbeat and arms the timers. On error the checker
// holds no timers and the caller must tear down the connection itself.
func (h *Checker) Setup() error {
	if h.state != StateSetup {
		return fmt.Errorf("health: setup in state %d", h.state)
	}
	if err := h.sender.SendHeartbeat(); err != nil {
		return fmt.Errorf("health: initial heartbeat: %w", err)
	}

	h.state = StateArmed
	h.lastHeard = h.r.Now()
	h.hbTimer = h.r.ScheduleRepeating(h.interval, h.tick)
	h.deadline = h.r.Schedule(h.livenessWindow(), h.expire)
	return nil
}

// HeartbeatReceived pushes the liveness deadline forward from now. Called by
// the dispatch chain for any recognized traffic on this connection.
func (h *Checker) HeartbeatReceived() {
	if h.state != StateArmed {
		return
	}
	h.lastHeard = h.r.Now()
	h.deadline.Cancel()
	h.deadline = h.r.Schedule(h.livenessWindow(), h.expire)
}

// LastHeard returns when traffic was last observed.
func (h *Checker) LastHeard() time.Time {
	return h.lastHeard
}

// Armed reports whether the checker is live and monitoring.
func (h *Checker) Armed() bool {
	return h.state == StateArmed
}

// Stop cancels all timers at any state. After Stop no callback fires.
func (h *Checker) Stop() {
	if h.hbTimer != nil {
		h.hbTimer.Cancel()
		h.hbTimer = nil
	}
	if h.deadline != nil {
		h.deadline.Cancel()
		h.deadline = nil
	}
	if h.state != StateUnhealthy {
		h.state = StateStopped
	}
}

func (h *Checker) livenessWindow() time.Duration {
	return time.Duration(h.mult) * h.interval
}

func (h *Checker) tick() {
	if h.state != StateArmed {
		return
	}
	if err := h.sender.SendHeartbeat(); err != nil {
		// The socket is likely gone; the reader will notice and the owner
		// will tear us down.
		h.logger.Printf("heartbeat send failed: %v", err)
	}
}

func (h *Checker) expire() {
	if h.state != StateArmed {
		return
	}
	h.state = StateUnhealthy
	if h.hbTimer != nil {
		h.hbTimer.Cancel()
		h.hbTimer = nil
	}
	h.deadline = nil
	h.onUnhealthy()
}
