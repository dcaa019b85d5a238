package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ThrottleWindow is one (period, volume limit) pair. Windows are
// typically nested short/medium/long but nothing enforces that; each is
// checked independently and any single breach trips the throttler.
type ThrottleWindow struct {
	Period time.Duration
	Limit  decimal.Decimal
}

type throttleSample struct {
	at  time.Time
	vol decimal.Decimal
}

// Throttler tracks volume over several sliding windows. Samples older
// than the longest window are pruned on every touch, so memory is
// bounded by the event rate times the longest period.
type Throttler struct {
	windows []ThrottleWindow
	longest time.Duration
	samples []throttleSample
}

func NewThrottler(windows []ThrottleWindow) *Throttler {
	t := &Throttler{windows: windows}
	for _, w := range windows {
		if w.Period > t.longest {
			t.longest = w.Period
		}
	}
	return t
}

// Check reports whether adding vol at now would breach any window. The
// returned error names the first breached window; the sample is NOT
// recorded, so a rejected event costs nothing.
func (t *Throttler) Check(now time.Time, vol decimal.Decimal) error {
	t.prune(now)
	for i, w := range t.windows {
		if w.Limit.Sign() <= 0 {
			continue
		}
		sum := vol
		cutoff := now.Add(-w.Period)
		for _, s := range t.samples {
			if s.at.After(cutoff) {
				sum = sum.Add(s.vol)
			}
		}
		if sum.GreaterThan(w.Limit) {
			return fmt.Errorf("throttle window %d breached: %s over limit %s in %s",
				i, sum.String(), w.Limit.String(), w.Period)
		}
	}
	return nil
}

// Record adds an accepted event's volume.
func (t *Throttler) Record(now time.Time, vol decimal.Decimal) {
	t.prune(now)
	t.samples = append(t.samples, throttleSample{at: now, vol: vol})
}

func (t *Throttler) prune(now time.Time) {
	if t.longest <= 0 {
		t.samples = t.samples[:0]
		return
	}
	cutoff := now.Add(-t.longest)
	keep := 0
	for _, s := range t.samples {
		if s.at.After(cutoff) {
			t.samples[keep] = s
			keep++
		}
	}
	t.samples = t.samples[:keep]
}
