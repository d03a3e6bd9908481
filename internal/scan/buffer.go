// Package scan turns the noisy stream of decoded reads coming off the
// scanning surface into single confirmed scans.
//
// A code is confirmed once the last Threshold reads inside Window all agree.
// After a confirmation the buffer locks for Lock (and, when configured, until
// the caller reports that product resolution finished) so that one physical
// scan can never produce two logical scans. Reads are still accepted while
// locked. An idle buffer clears itself after Reset.
package scan

import (
	"sort"
	"sync"
	"time"

	"pos-sync/internal/models"
)

// State is the buffer's externally visible state
type State string

const (
	StateIdle      State = "idle"
	StateVerifying State = "verifying"
	StateConfirmed State = "confirmed"
	StateLocked    State = "locked"
)

// Config tunes the consensus. All four values are required.
type Config struct {
	Threshold int
	Window    time.Duration
	Lock      time.Duration
	Reset     time.Duration

	// HoldUntilResolved keeps the buffer locked after a confirmation until
	// ResolutionDone is called, in addition to the Lock duration.
	HoldUntilResolved bool
}

// DefaultConfig returns the tuning used on handheld devices
func DefaultConfig() Config {
	return Config{
		Threshold:         5,
		Window:            1000 * time.Millisecond,
		Lock:              1300 * time.Millisecond,
		Reset:             1500 * time.Millisecond,
		HoldUntilResolved: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold < 1 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Lock <= 0 {
		c.Lock = d.Lock
	}
	if c.Reset <= 0 {
		c.Reset = d.Reset
	}
	return c
}

// Result is returned for every observation
type Result struct {
	State         State  `json:"state"`
	Progress      int    `json:"progress"`
	ConfirmedCode string `json:"confirmed_code,omitempty"`
	DistinctCodes int    `json:"distinct_codes"`
}

// Buffer is the scan confirmation buffer. Safe for concurrent use.
type Buffer struct {
	cfg   Config
	clock Clock
	reset *Debouncer

	mu          sync.Mutex
	events      []models.ScanEvent
	lastSeen    int64
	lockedUntil int64
	resolving   bool
	closed      bool
}

// NewBuffer creates a buffer. A nil clock means wall time.
func NewBuffer(cfg Config, clock Clock) *Buffer {
	if clock == nil {
		clock = RealClock()
	}
	return &Buffer{
		cfg:   cfg.withDefaults(),
		clock: clock,
		reset: NewDebouncer(clock),
	}
}

// Config returns the effective configuration
func (b *Buffer) Config() Config {
	return b.cfg
}

// Observe feeds one raw read into the buffer
func (b *Buffer) Observe(event models.ScanEvent) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Result{State: StateIdle}
	}

	now := event.Timestamp
	if now < b.lastSeen {
		now = b.lastSeen
	}
	if len(b.events) > 0 && !b.lockedAt(now) && now-b.lastSeen >= b.cfg.Reset.Milliseconds() {
		b.events = b.events[:0]
	}
	b.lastSeen = now
	b.reset.Schedule(b.idleReset, b.cfg.Reset)

	b.insert(event)
	b.prune(now)

	if b.lockedAt(now) {
		return Result{State: StateLocked, DistinctCodes: b.distinct()}
	}

	k := b.cfg.Threshold
	if len(b.events) < k {
		return Result{
			State:         StateVerifying,
			Progress:      len(b.events) * 100 / k,
			DistinctCodes: b.distinct(),
		}
	}

	tail := b.events[len(b.events)-k:]
	code := tail[len(tail)-1].Code
	run := 0
	for i := len(tail) - 1; i >= 0 && tail[i].Code == code; i-- {
		run++
	}
	if run < k {
		return Result{
			State:         StateVerifying,
			Progress:      run * 100 / k,
			DistinctCodes: b.distinct(),
		}
	}

	b.events = b.events[:0]
	b.lockedUntil = now + b.cfg.Lock.Milliseconds()
	b.resolving = b.cfg.HoldUntilResolved
	return Result{
		State:         StateConfirmed,
		Progress:      100,
		ConfirmedCode: code,
		DistinctCodes: 1,
	}
}

// ResolutionDone releases the post-confirmation hold. The time-based lock
// still applies.
func (b *Buffer) ResolutionDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolving = false
}

// State reports the buffer state at the clock's current time
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.lockedAt(b.clock.Now().UnixMilli()):
		return StateLocked
	case len(b.events) == 0:
		return StateIdle
	default:
		return StateVerifying
	}
}

// Clear drops buffered reads. An active lock is kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = b.events[:0]
}

// Close cancels the timers owned by the buffer. Later observations are ignored.
func (b *Buffer) Close() {
	b.reset.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.events = nil
}

func (b *Buffer) idleReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.lockedAt(b.clock.Now().UnixMilli()) {
		b.reset.Schedule(b.idleReset, b.cfg.Reset)
		return
	}
	b.events = b.events[:0]
}

func (b *Buffer) lockedAt(now int64) bool {
	return b.resolving || now < b.lockedUntil
}

func (b *Buffer) insert(event models.ScanEvent) {
	n := len(b.events)
	b.events = append(b.events, event)
	if n > 0 && b.events[n-1].Timestamp > event.Timestamp {
		sort.SliceStable(b.events, func(i, j int) bool {
			return b.events[i].Timestamp < b.events[j].Timestamp
		})
	}
}

func (b *Buffer) prune(now int64) {
	cutoff := now - b.cfg.Window.Milliseconds()
	i := 0
	for i < len(b.events) && b.events[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		b.events = append(b.events[:0], b.events[i:]...)
	}
}

func (b *Buffer) distinct() int {
	seen := make(map[string]struct{}, len(b.events))
	for _, e := range b.events {
		seen[e.Code] = struct{}{}
	}
	return len(seen)
}
