//go:build property
// +build property

package scan

import (
	"testing"
	"time"

	"pos-sync/internal/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestNoDoubleConfirmationWithinLock verifies that, for any read stream,
// two confirmations are always at least Lock apart and each one is backed by
// Threshold identical reads.
func TestNoDoubleConfirmationWithinLock(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("confirmations respect the lock", prop.ForAll(
		func(codes []int, gaps []int) bool {
			cfg := DefaultConfig()
			cfg.HoldUntilResolved = false
			clock := NewManualClock(epoch)
			buf := NewBuffer(cfg, clock)
			defer buf.Close()

			var last int64 = -1
			var run int
			var prev string
			for i := 0; i < len(codes) && i < len(gaps); i++ {
				clock.Advance(time.Duration(gaps[i]) * time.Millisecond)
				code := string(rune('A' + codes[i]))
				if code == prev {
					run++
				} else {
					run, prev = 1, code
				}

				now := clock.Now().UnixMilli()
				res := buf.Observe(models.ScanEvent{Code: code, Timestamp: now})
				if res.State != StateConfirmed {
					continue
				}
				if res.ConfirmedCode != code || run < cfg.Threshold {
					return false
				}
				if last >= 0 && now-last < cfg.Lock.Milliseconds() {
					return false
				}
				last = now
			}
			return true
		},
		gen.SliceOfN(120, gen.IntRange(0, 2)),
		gen.SliceOfN(120, gen.IntRange(0, 120)),
	))

	properties.Property("K-1 identical reads then a different code never confirm", prop.ForAll(
		func(k int, gap int) bool {
			cfg := DefaultConfig()
			cfg.Threshold = k
			clock := NewManualClock(epoch)
			buf := NewBuffer(cfg, clock)
			defer buf.Close()

			for i := 0; i < k-1; i++ {
				clock.Advance(time.Duration(gap) * time.Millisecond)
				if buf.Observe(models.ScanEvent{Code: "A", Timestamp: clock.Now().UnixMilli()}).State == StateConfirmed {
					return false
				}
			}
			clock.Advance(time.Duration(gap) * time.Millisecond)
			return buf.Observe(models.ScanEvent{Code: "B", Timestamp: clock.Now().UnixMilli()}).State != StateConfirmed
		},
		gen.IntRange(2, 10),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}
