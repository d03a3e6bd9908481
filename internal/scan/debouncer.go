package scan

import (
	"sync"
	"time"
)

// Debouncer owns at most one pending callback. Scheduling replaces any
// callback that has not fired yet, so bursts collapse into a single call.
// The owner must Close it when torn down.
type Debouncer struct {
	clock Clock

	mu      sync.Mutex
	timer   Timer
	pending func()
	gen     uint64
	closed  bool
}

// NewDebouncer creates a debouncer driven by clock
func NewDebouncer(clock Clock) *Debouncer {
	if clock == nil {
		clock = RealClock()
	}
	return &Debouncer{clock: clock}
}

// Schedule arranges for fn to run after delay, cancelling whatever was
// scheduled before. Returns false once the debouncer is closed.
func (d *Debouncer) Schedule(fn func(), delay time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen
	d.pending = fn
	d.timer = d.clock.AfterFunc(delay, func() { d.fire(gen) })
	return true
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.gen != gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	fn()
}

// Cancel drops the pending callback. Reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

func (d *Debouncer) cancelLocked() bool {
	had := d.pending != nil
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	d.timer = nil
	d.pending = nil
	return had
}

// Flush runs the pending callback now, on the caller's goroutine.
// Reports whether a callback ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	fn := d.pending
	d.cancelLocked()
	d.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Pending reports whether a callback is waiting to fire
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Close cancels the pending callback and rejects future schedules
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.closed = true
}
