// Package clock abstracts wall and monotonic time so that CI_MODE boots
// produce reproducible event sequences.
package clock

import (
	"sync"
	"time"
)

// Clock supplies timestamps and tickers to control-plane components.
type Clock interface {
	Now() time.Time
	// Mono returns a monotonically increasing counter independent of the
	// wall clock. Two calls never return the same value.
	Mono() uint64
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// Ticker is the subset of time.Ticker the control plane relies on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production clock backed by the time package.
type Real struct {
	mu   sync.Mutex
	mono uint64
}

// NewReal returns a wall-clock backed Clock.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) Now() time.Time { return time.Now() }

func (r *Real) Mono() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mono++
	return r.mono
}

func (r *Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *Real) Sleep(d time.Duration) { time.Sleep(d) }

func (r *Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

type realTicker struct {
	t *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.t.C }
func (rt *realTicker) Stop()               { rt.t.Stop() }

// Deterministic is a manually advanced clock. Each Now() call advances the
// wall time by a fixed step so independent boots observe identical
// sequences. After and NewTicker register deadlines that fire once the
// clock passes them, whether it moves through Now or Advance.
type Deterministic struct {
	mu      sync.Mutex
	now     time.Time
	step    time.Duration
	mono    uint64
	waiters []*detWaiter
	tickers []*detTicker
}

type detWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

type detTicker struct {
	clk      *Deterministic
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewDeterministic returns a clock starting at epoch, advancing step per Now.
func NewDeterministic(epoch time.Time, step time.Duration) *Deterministic {
	if step <= 0 {
		step = time.Millisecond
	}
	return &Deterministic{now: epoch.UTC(), step: step}
}

func (d *Deterministic) Now() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = d.now.Add(d.step)
	d.fireDueLocked()
	return d.now
}

func (d *Deterministic) Mono() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mono++
	return d.mono
}

// Advance moves the clock forward without producing a timestamp, releasing
// any waits the move overtakes.
func (d *Deterministic) Advance(delta time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = d.now.Add(delta)
	d.fireDueLocked()
}

func (d *Deterministic) NewTicker(dur time.Duration) Ticker {
	if dur <= 0 {
		dur = d.step
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &detTicker{
		clk:      d,
		ch:       make(chan time.Time, 1),
		interval: dur,
		next:     d.now.Add(dur),
	}
	d.tickers = append(d.tickers, t)
	return t
}

func (d *Deterministic) Sleep(time.Duration) {}

func (d *Deterministic) After(dur time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if dur <= 0 {
		ch <- d.now
		return ch
	}
	d.waiters = append(d.waiters, &detWaiter{deadline: d.now.Add(dur), ch: ch})
	return ch
}

// fireDueLocked releases every waiter and ticker slot whose deadline the
// clock has passed. Waiter channels are buffered and receive exactly once.
func (d *Deterministic) fireDueLocked() {
	kept := d.waiters[:0]
	for _, w := range d.waiters {
		if w.deadline.After(d.now) {
			kept = append(kept, w)
			continue
		}
		w.ch <- d.now
	}
	d.waiters = kept

	for _, t := range d.tickers {
		for !t.stopped && !t.next.After(d.now) {
			select {
			case t.ch <- t.next:
			default: // slow consumer drops ticks, like time.Ticker
			}
			t.next = t.next.Add(t.interval)
		}
	}
}

func (t *detTicker) C() <-chan time.Time { return t.ch }

func (t *detTicker) Stop() {
	t.clk.mu.Lock()
	t.stopped = true
	t.clk.mu.Unlock()
}
