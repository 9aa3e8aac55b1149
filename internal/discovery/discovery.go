// Package discovery locates lighting devices on the network. A background
// worker periodically publishes a probe and collects locator replies for a
// window, then hands the batch to a single callback. The callback runs on the
// worker goroutine; the receiver is responsible for marshalling onto its own
// thread before touching connection state.
package discovery

import (
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ProbeSubject is where devices listen for discovery probes. Each device
// replies to the probe's inbox with one locator string.
const ProbeSubject = "lcs.disc.probe"

// Callback receives one sweep's results. ok is false when the sweep itself
// failed; locators may be empty on a successful sweep of a quiet network.
type Callback func(ok bool, locators []string)

// Sweeper runs discovery sweeps on its own goroutine.
type Sweeper struct {
	nc     *nats.Conn
	window time.Duration
	period time.Duration
	cb     Callback

	quit   chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger
}

// New creates a sweeper. Start must be called before any sweep runs.
func New(nc *nats.Conn, window, period time.Duration, cb Callback) *Sweeper {
	return &Sweeper{
		nc:     nc,
		window: window,
		period: period,
		cb:     cb,
		quit:   make(chan struct{}),
		logger: log.New(os.Stderr, "[Discovery] ", log.LstdFlags),
	}
}

// SetLogger replaces the default logger.
func (s *Sweeper) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// Start launches the worker. The first sweep begins immediately.
func (s *Sweeper) Start() error {
	if s.nc == nil {
		return errors.New("discovery: no NATS connection")
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop terminates the worker and waits for it to exit. No callback fires
// after Stop returns.
func (s *Sweeper) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	for {
		ok, locators := s.sweep()
		select {
		case <-s.quit:
			return
		default:
		}
		s.cb(ok, locators)

		select {
		case <-time.After(s.period):
		case <-s.quit:
			return
		}
	}
}

// sweep publishes one probe and collects replies until the window closes.
func (s *Sweeper) sweep() (bool, []string) {
	inbox := nats.NewInbox()
	sub, err := s.nc.SubscribeSync(inbox)
	if err != nil {
		s.logger.Printf("sweep failed to subscribe: %v", err)
		return false, nil
	}
	defer sub.Unsubscribe()

	if err := s.nc.PublishRequest(ProbeSubject, inbox, nil); err != nil {
		s.logger.Printf("sweep failed to publish probe: %v", err)
		return false, nil
	}

	var locators []string
	deadline := time.Now().Add(s.window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := sub.NextMsg(remaining)
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) {
				s.logger.Printf("sweep receive error: %v", err)
				return false, nil
			}
			break
		}
		locators = append(locators, string(msg.Data))
	}
	return true, locators
}
