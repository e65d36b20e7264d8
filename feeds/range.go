package feeds

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROLLING RANGE + BREAKOUT DETECTION
// ═══════════════════════════════════════════════════════════════════════════════
//
// Odds inside a window drift in a band until the spot commits to a side, then
// run. RollingRange keeps the last N prints in a ring and answers extrema
// queries; BreakoutDetector reads it to spot the run.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RollingRange retains the last N observations of one series. Not safe for
// concurrent use; strategies evaluate on a single lane per symbol.
type RollingRange struct {
	buf   []decimal.Decimal
	next  int // ring write position
	count int
}

// NewRollingRange sizes the ring. A range needs at least two prints.
func NewRollingRange(size int) *RollingRange {
	if size < 2 {
		size = 2
	}
	return &RollingRange{buf: make([]decimal.Decimal, size)}
}

// Push records an observation, evicting the oldest once the ring is full.
func (r *RollingRange) Push(v decimal.Decimal) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// First returns the oldest retained observation, zero when empty.
func (r *RollingRange) First() decimal.Decimal {
	if r.count == 0 {
		return decimal.Zero
	}
	if r.count < len(r.buf) {
		return r.buf[0]
	}
	return r.buf[r.next]
}

// Last returns the most recent observation, zero when empty.
func (r *RollingRange) Last() decimal.Decimal {
	if r.count == 0 {
		return decimal.Zero
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)]
}

// High returns the maximum retained observation.
func (r *RollingRange) High() decimal.Decimal {
	if r.count == 0 {
		return decimal.Zero
	}
	hi := r.buf[0]
	for _, v := range r.buf[1:r.count] {
		if v.GreaterThan(hi) {
			hi = v
		}
	}
	return hi
}

// Low returns the minimum retained observation.
func (r *RollingRange) Low() decimal.Decimal {
	if r.count == 0 {
		return decimal.Zero
	}
	lo := r.buf[0]
	for _, v := range r.buf[1:r.count] {
		if v.LessThan(lo) {
			lo = v
		}
	}
	return lo
}

// Span returns High minus Low.
func (r *RollingRange) Span() decimal.Decimal {
	if r.count == 0 {
		return decimal.Zero
	}
	return r.High().Sub(r.Low())
}

// Len returns the number of retained observations.
func (r *RollingRange) Len() int { return r.count }

// Full reports whether the ring has wrapped at least once.
func (r *RollingRange) Full() bool { return r.count == len(r.buf) }

// Reset drops all observations.
func (r *RollingRange) Reset() {
	r.next = 0
	r.count = 0
}

// BreakoutDetector flags a series leaving its recent band. threshold is the
// fraction of the band the latest print must clear (0.9 = top or bottom
// decile); minSpan filters bands too flat to mean anything.
type BreakoutDetector struct {
	rng       *RollingRange
	threshold decimal.Decimal
	minSpan   decimal.Decimal
}

func NewBreakoutDetector(size int, threshold, minSpan decimal.Decimal) *BreakoutDetector {
	return &BreakoutDetector{
		rng:       NewRollingRange(size),
		threshold: threshold,
		minSpan:   minSpan,
	}
}

// Update records the next print.
func (bd *BreakoutDetector) Update(price decimal.Decimal) {
	bd.rng.Push(price)
}

// IsBreakoutUp reports the latest print clearing the top of the band.
func (bd *BreakoutDetector) IsBreakoutUp() bool {
	if !bd.rng.Full() {
		return false
	}
	span := bd.rng.Span()
	if span.LessThan(bd.minSpan) {
		return false
	}
	line := bd.rng.Low().Add(span.Mul(bd.threshold))
	return bd.rng.Last().GreaterThanOrEqual(line)
}

// IsBreakoutDown reports the latest print clearing the bottom of the band.
func (bd *BreakoutDetector) IsBreakoutDown() bool {
	if !bd.rng.Full() {
		return false
	}
	span := bd.rng.Span()
	if span.LessThan(bd.minSpan) {
		return false
	}
	line := bd.rng.High().Sub(span.Mul(bd.threshold))
	return bd.rng.Last().LessThanOrEqual(line)
}
