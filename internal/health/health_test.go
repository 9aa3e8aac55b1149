package health

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openlcs/controller/internal/reactor"
)

type fakeSender struct {
	mu   sync.Mutex
	sent int
	fail bool
}

func (s *fakeSender) SendHeartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.sent++
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

type fixture struct {
	mock   *clock.Mock
	r      *reactor.Reactor
	sender *fakeSender

	mu        sync.Mutex
	unhealthy int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mock: clock.NewMock(), sender: &fakeSender{}}
	f.r = reactor.New(f.mock)
	go f.r.Run()
	t.Cleanup(f.r.Terminate)
	return f
}

func (f *fixture) newChecker(t *testing.T, interval time.Duration, mult int) *Checker {
	t.Helper()
	var h *Checker
	f.r.SubmitWait(func() {
		h = New(f.r, f.sender, interval, mult, func() {
			f.mu.Lock()
			f.unhealthy++
			f.mu.Unlock()
		})
		h.SetLogger(log.New(io.Discard, "", 0))
	})
	return h
}

func (f *fixture) unhealthyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unhealthy
}

// step advances the mock clock and waits for the reactor to drain.
func (f *fixture) step(d time.Duration) {
	f.mock.Add(d)
	f.r.SubmitWait(func() {})
}

func TestSetupSendsInitialHeartbeat(t *testing.T) {
	f := newFixture(t)
	h := f.newChecker(t, 2*time.Second, 3)

	f.r.SubmitWait(func() { require.NoError(t, h.Setup()) })
	assert.Equal(t, 1, f.sender.count())
	f.r.SubmitWait(func() { assert.True(t, h.Armed()) })
}

func TestSetupFailsWhenSendFails(t *testing.T) {
	f := newFixture(t)
	f.sender.fail = true
	h := f.newChecker(t, 2*time.Second, 3)

	f.r.SubmitWait(func() { require.Error(t, h.Setup()) })
	f.r.SubmitWait(func() { assert.False(t, h.Armed()) })

	// No timers were armed; nothing fires later.
	f.step(time.Minute)
	assert.Zero(t, f.unhealthyCount())
}

func TestPeriodicHeartbeats(t *testing.T) {
	f := newFixture(t)
	h := f.newChecker(t, 2*time.Second, 3)
	f.r.SubmitWait(func() { require.NoError(t, h.Setup()) })

	for i := 2; i <= 5; i++ {
		f.step(2 * time.Second)
		// Keep the connection alive so only the send path is exercised.
		f.r.SubmitWait(func() { h.HeartbeatReceived() })
		require.Equal(t, i, f.sender.count())
	}
	assert.Zero(t, f.unhealthyCount())
}

func TestUnhealthyFiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	h := f.newChecker(t, 2*time.Second, 3)
	f.r.SubmitWait(func() { require.NoError(t, h.Setup()) })

	// Silence for 3 x interval trips the deadline.
	f.step(6 * time.Second)
	assert.Equal(t, 1, f.unhealthyCount())
	f.r.SubmitWait(func() { assert.False(t, h.Armed()) })

	// Nothing more fires, heartbeats stop.
	sent := f.sender.count()
	f.step(time.Minute)
	assert.Equal(t, 1, f.unhealthyCount())
	assert.Equal(t, sent, f.sender.count())
}

func TestHeartbeatsKeepConnectionAlive(t *testing.T) {
	f := newFixture(t)
	h := f.newChecker(t, 2*time.Second, 3)
	f.r.SubmitWait(func() { require.NoError(t, h.Setup()) })

	// Refresh just inside the deadline, repeatedly.
	for i := 0; i < 10; i++ {
		f.step(5 * time.Second)
		f.r.SubmitWait(func() { h.HeartbeatReceived() })
	}
	assert.Zero(t, f.unhealthyCount())

	// Then go silent past the deadline.
	f.step(6 * time.Second)
	assert.Equal(t, 1, f.unhealthyCount())
}

func TestStopCancelsEverything(t *testing.T) {
	f := newFixture(t)
	h := f.newChecker(t, 2*time.Second, 3)
	f.r.SubmitWait(func() { require.NoError(t, h.Setup()) })

	f.r.SubmitWait(func() { h.Stop() })
	sent := f.sender.count()

	f.step(time.Minute)
	assert.Zero(t, f.unhealthyCount())
	assert.Equal(t, sent, f.sender.count())

	// HeartbeatReceived after Stop is a harmless no-op.
	f.r.SubmitWait(func() { h.HeartbeatReceived() })
	f.step(time.Minute)
	assert.Zero(t, f.unhealthyCount())
}

func TestMultBelowTwoRaised(t *testing.T) {
	f := newFixture(t)
	h := f.newChecker(t, time.Second, 0)
	f.r.SubmitWait(func() { require.NoError(t, h.Setup()) })

	// Deadline is 2 x interval, not 0 x interval.
	f.step(1500 * time.Millisecond)
	assert.Zero(t, f.unhealthyCount())
	f.step(500 * time.Millisecond)
	assert.Equal(t, 1, f.unhealthyCount())
}
