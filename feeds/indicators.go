package feeds

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATORS - Momentum, volatility and smoothing for strategy filters
// ═══════════════════════════════════════════════════════════════════════════════

// MomentumTracker measures the drift of a series over its lookback: the
// difference between the newest and oldest retained print.
type MomentumTracker struct {
	mu  sync.RWMutex
	rng *RollingRange
}

func NewMomentumTracker(lookback int) *MomentumTracker {
	return &MomentumTracker{rng: NewRollingRange(lookback)}
}

// Update records the next print.
func (mt *MomentumTracker) Update(price decimal.Decimal) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.rng.Push(price)
}

// Momentum returns newest minus oldest over the lookback, zero until two
// prints have arrived.
func (mt *MomentumTracker) Momentum() decimal.Decimal {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if mt.rng.Len() < 2 {
		return decimal.Zero
	}
	return mt.rng.Last().Sub(mt.rng.First())
}

// ROC returns the percentage rate of change over the lookback.
func (mt *MomentumTracker) ROC() decimal.Decimal {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if mt.rng.Len() < 2 {
		return decimal.Zero
	}
	base := mt.rng.First()
	if base.IsZero() {
		return decimal.Zero
	}
	return mt.rng.Last().Sub(base).Div(base).Mul(decimal.NewFromInt(100))
}

// IsPositive reports upward drift.
func (mt *MomentumTracker) IsPositive() bool { return mt.Momentum().IsPositive() }

// IsNegative reports downward drift.
func (mt *MomentumTracker) IsNegative() bool { return mt.Momentum().IsNegative() }

// bar is one volatility observation: a print with the high/low seen since
// the previous one.
type bar struct {
	close decimal.Decimal
	high  decimal.Decimal
	low   decimal.Decimal
}

// VolatilityTracker watches a series' true range and dispersion. ATR is an
// EMA of the per-print true range; StdDev is the population deviation over
// the retained closes.
type VolatilityTracker struct {
	mu    sync.RWMutex
	limit int
	bars  []bar
	trEMA *EMA
}

func NewVolatilityTracker(period int) *VolatilityTracker {
	return &VolatilityTracker{
		limit: period,
		bars:  make([]bar, 0, period),
		trEMA: NewEMA(period),
	}
}

// Update records the next observation.
func (vt *VolatilityTracker) Update(price, high, low decimal.Decimal) {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	b := bar{close: price, high: high, low: low}
	if len(vt.bars) > 0 {
		vt.trEMA.Update(trueRange(b, vt.bars[len(vt.bars)-1].close))
	}
	vt.bars = append(vt.bars, b)
	if len(vt.bars) > vt.limit {
		vt.bars = vt.bars[1:]
	}
}

// trueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func trueRange(b bar, prevClose decimal.Decimal) decimal.Decimal {
	tr := b.high.Sub(b.low)
	if hc := b.high.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := b.low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// ATR returns the smoothed true range, zero until two observations.
func (vt *VolatilityTracker) ATR() decimal.Decimal {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	return vt.trEMA.Value()
}

// StdDev returns the population standard deviation of the retained closes.
func (vt *VolatilityTracker) StdDev() decimal.Decimal {
	vt.mu.RLock()
	defer vt.mu.RUnlock()

	n := len(vt.bars)
	if n < 2 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, b := range vt.bars {
		sum = sum.Add(b.close)
	}
	mean := sum.Div(decimal.NewFromInt(int64(n)))

	variance := decimal.Zero
	for _, b := range vt.bars {
		dev := b.close.Sub(mean)
		variance = variance.Add(dev.Mul(dev))
	}
	variance = variance.Div(decimal.NewFromInt(int64(n)))

	return sqrtDecimal(variance)
}

// EMA is an exponentially weighted average with the standard 2/(n+1)
// multiplier. The first update seeds it directly.
type EMA struct {
	mu     sync.RWMutex
	alpha  decimal.Decimal
	value  decimal.Decimal
	seeded bool
}

func NewEMA(period int) *EMA {
	return &EMA{
		alpha: decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period) + 1)),
	}
}

// Update folds the next observation into the average.
func (e *EMA) Update(v decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seeded {
		e.value = v
		e.seeded = true
		return
	}
	e.value = v.Sub(e.value).Mul(e.alpha).Add(e.value)
}

// Value returns the current average, zero before the first update.
func (e *EMA) Value() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value
}

// sqrtDecimal refines a float64 square-root seed with a few Newton steps so
// the result holds at decimal precision.
func sqrtDecimal(v decimal.Decimal) decimal.Decimal {
	if v.Sign() <= 0 {
		return decimal.Zero
	}
	x := decimal.NewFromFloat(math.Sqrt(v.InexactFloat64()))
	if x.IsZero() {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	for i := 0; i < 4; i++ {
		x = x.Add(v.Div(x)).Div(two)
	}
	return x
}
