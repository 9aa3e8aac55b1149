// Package reactor provides the single-goroutine event loop that owns all
// connection state. Sockets are read on their own goroutines, but every state
// mutation is funneled through Submit so that timers, decode dispatch and
// registry bookkeeping never race.
package reactor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const taskQueueSize = 256

// Reactor runs queued callbacks and clock-driven timers on one goroutine.
// Run blocks until Terminate is called from any goroutine.
type Reactor struct {
	clk   clock.Clock
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
}

// New creates a reactor. A nil clock selects the wall clock; tests pass
// clock.NewMock to drive timers deterministically.
func New(clk clock.Clock) *Reactor {
	if clk == nil {
		clk = clock.New()
	}
	return &Reactor{
		clk:   clk,
		tasks: make(chan func(), taskQueueSize),
		quit:  make(chan struct{}),
	}
}

// Now returns the reactor clock's current time.
func (r *Reactor) Now() time.Time {
	return r.clk.Now()
}

// Submit queues fn for execution on the reactor goroutine. Safe to call from
// any goroutine; after Terminate the task is dropped.
func (r *Reactor) Submit(fn func()) {
	select {
	case r.tasks <- fn:
	case <-r.quit:
	}
}

// SubmitWait runs fn on the reactor goroutine and blocks until it returns.
// Returns false if the reactor has terminated.
func (r *Reactor) SubmitWait(fn func()) bool {
	done := make(chan struct{})
	r.Submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-r.quit:
		return false
	}
}

// Run executes queued tasks until Terminate is called.
func (r *Reactor) Run() {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.quit:
			return
		}
	}
}

// Terminate stops Run. Idempotent and safe from any goroutine.
func (r *Reactor) Terminate() {
	r.once.Do(func() { close(r.quit) })
}

// Timer is a pending callback scheduled on the reactor. Cancel must only be
// called from the reactor goroutine.
type Timer struct {
	r         *Reactor
	t         *clock.Timer
	interval  time.Duration
	deadline  time.Time
	repeating bool
	stopped   bool
	fn        func()
}

// Schedule runs fn once on the reactor goroutine after d.
func (r *Reactor) Schedule(d time.Duration, fn func()) *Timer {
	tm := &Timer{r: r, fn: fn}
	tm.t = r.clk.AfterFunc(d, func() { r.Submit(tm.fire) })
	return tm
}

// ScheduleRepeating runs fn on the reactor goroutine every interval until the
// timer is cancelled.
func (r *Reactor) ScheduleRepeating(interval time.Duration, fn func()) *Timer {
	tm := &Timer{r: r, fn: fn, interval: interval, repeating: true}
	tm.deadline = r.clk.Now().Add(interval)
	tm.t = r.clk.AfterFunc(interval, func() { r.Submit(tm.fire) })
	return tm
}

func (tm *Timer) fire() {
	if tm.stopped {
		return
	}
	tm.fn()
	if tm.repeating && !tm.stopped {
		// Re-arm from the previous deadline so a slow task queue does not
		// drift the cadence.
		tm.deadline = tm.deadline.Add(tm.interval)
		d := tm.deadline.Sub(tm.r.clk.Now())
		if d < 0 {
			d = 0
		}
		tm.t.Reset(d)
	}
}

// Cancel stops the timer; a fire already queued becomes a no-op.
func (tm *Timer) Cancel() {
	tm.stopped = true
	tm.t.Stop()
}
