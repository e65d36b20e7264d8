package feeds

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMomentumTracker(t *testing.T) {
	mt := NewMomentumTracker(5)

	// One observation is not momentum
	mt.Update(d("100"))
	assert.True(t, mt.Momentum().IsZero())

	mt.Update(d("103"))
	assert.True(t, mt.Momentum().Equal(d("3")))
	assert.True(t, mt.ROC().Equal(d("3")))
	assert.True(t, mt.IsPositive())
	assert.False(t, mt.IsNegative())

	// Lookback slides: after 5 more updates the base price rolls forward
	for _, p := range []string{"104", "105", "106", "107", "108"} {
		mt.Update(d(p))
	}
	// Ring now holds 104..108, momentum = 108 - 104
	assert.True(t, mt.Momentum().Equal(d("4")), "got %s", mt.Momentum())
}

func TestMomentumTrackerNegative(t *testing.T) {
	mt := NewMomentumTracker(10)
	mt.Update(d("200"))
	mt.Update(d("190"))

	assert.True(t, mt.Momentum().Equal(d("-10")))
	assert.True(t, mt.ROC().Equal(d("-5")))
	assert.True(t, mt.IsNegative())
}

func TestVolatilityTrackerATR(t *testing.T) {
	vt := NewVolatilityTracker(10)

	// Not enough data
	vt.Update(d("100"), d("101"), d("99"))
	assert.True(t, vt.ATR().IsZero())

	// Second bar: TR = max(high-low, |high-prevClose|, |low-prevClose|)
	//            = max(102-98, |102-100|, |98-100|) = 4, seeds the smoothing
	vt.Update(d("100"), d("102"), d("98"))
	assert.True(t, vt.ATR().Equal(d("4")), "got %s", vt.ATR())

	// Third bar: TR = 3 folds in at 2/11 weight: 4 - 2/11 ≈ 3.81818
	vt.Update(d("101"), d("103"), d("100"))
	diff := vt.ATR().Sub(d("3.8181818182")).Abs()
	assert.True(t, diff.LessThan(d("0.000001")), "got %s", vt.ATR())
}

func TestVolatilityTrackerStdDev(t *testing.T) {
	vt := NewVolatilityTracker(10)
	vt.Update(d("10"), d("10"), d("10"))
	vt.Update(d("14"), d("14"), d("14"))

	// Mean 12, variance ((10-12)^2+(14-12)^2)/2 = 4, stddev 2
	require.False(t, vt.StdDev().IsZero())
	diff := vt.StdDev().Sub(d("2")).Abs()
	assert.True(t, diff.LessThan(d("0.0001")), "stddev %s", vt.StdDev())
}

func TestEMA(t *testing.T) {
	e := NewEMA(9) // multiplier 0.2

	e.Update(d("10"))
	assert.True(t, e.Value().Equal(d("10")), "first update seeds the EMA")

	// EMA = (20-10)*0.2 + 10 = 12
	e.Update(d("20"))
	assert.True(t, e.Value().Equal(d("12")), "got %s", e.Value())

	// EMA = (12-12)*0.2 + 12 = 12
	e.Update(d("12"))
	assert.True(t, e.Value().Equal(d("12")))
}
