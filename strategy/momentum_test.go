package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestMomentum(t *testing.T) *Momentum {
	t.Setenv("MOMENTUM_MIN_TIME_SEC", "15")
	t.Setenv("MOMENTUM_MAX_TIME_SEC", "60")
	t.Setenv("MOMENTUM_MIN_ODDS", "0.85")
	t.Setenv("MOMENTUM_MAX_ODDS", "0.95")
	t.Setenv("MOMENTUM_STAKE_USD", "4")
	t.Setenv("MOMENTUM_BTC_MIN_MOVE_PCT", "0.10")
	t.Setenv("MOMENTUM_LOOKBACK_TICKS", "5")
	t.Setenv("MOMENTUM_COOLDOWN_SEC", "10")
	t.Setenv("MOMENTUM_MAX_TRADES_PER_WINDOW", "1")
	return NewMomentum()
}

func momentumTick(spot string, timeLeft time.Duration) feeds.Tick {
	return feeds.Tick{
		Symbol:    "BTC",
		Spot:      d(spot),
		Strike:    d("50000"),
		WindowID:  "btc-15m-1700000100",
		MarketID:  "mkt-1",
		UpToken:   "tok-up",
		DownToken: "tok-down",
		UpBook:    types.BestPrices{Bid: d("0.88"), Ask: d("0.90")},
		DownBook:  types.BestPrices{Bid: d("0.08"), Ask: d("0.10")},
		TimeLeft:  timeLeft,
		At:        time.Now().UTC(),
	}
}

// prime feeds rising spots outside the action zone so the momentum tracker
// confirms the direction without emitting.
func prime(t *testing.T, s *Momentum, spots ...string) {
	t.Helper()
	for _, spot := range spots {
		require.Nil(t, s.OnTick(momentumTick(spot, 5*time.Minute)))
	}
}

func TestMomentumBuysConfirmedUpMove(t *testing.T) {
	s := newTestMomentum(t)
	prime(t, s, "50010", "50020", "50040", "50050")

	// +0.12% vs strike with 30s left, odds at 0.90
	sig := s.OnTick(momentumTick("50060", 30*time.Second))
	require.NotNil(t, sig)

	assert.Equal(t, "tok-up", sig.TokenID)
	assert.Equal(t, types.SideBuy, sig.Side)
	assert.Equal(t, types.TokenUp, sig.TokenSide)
	assert.Equal(t, types.OrderTypeFOK, sig.OrderType)
	assert.True(t, sig.Size.Equal(d("4")))
	require.True(t, sig.Limit.Valid)
	assert.True(t, sig.Limit.Decimal.Equal(d("0.90")))
	assert.Equal(t, "momentum", sig.Strategy)
	assert.Equal(t, "btc-15m-1700000100", sig.WindowID)
	assert.Contains(t, sig.Reason, "above strike")
	assert.True(t, sig.ModelProb.GreaterThan(d("0.5")))
}

func TestMomentumBuysDownMove(t *testing.T) {
	s := newTestMomentum(t)
	prime(t, s, "49990", "49980", "49960", "49950")

	tick := momentumTick("49940", 30*time.Second) // -0.12%
	tick.DownBook = types.BestPrices{Bid: d("0.86"), Ask: d("0.88")}

	sig := s.OnTick(tick)
	require.NotNil(t, sig)
	assert.Equal(t, "tok-down", sig.TokenID)
	assert.Equal(t, types.TokenDown, sig.TokenSide)
	assert.True(t, sig.Limit.Decimal.Equal(d("0.88")))
	assert.Contains(t, sig.Reason, "below strike")
}

func TestMomentumOnePerWindow(t *testing.T) {
	s := newTestMomentum(t)
	prime(t, s, "50010", "50020", "50040", "50050")

	require.NotNil(t, s.OnTick(momentumTick("50060", 30*time.Second)))
	assert.Nil(t, s.OnTick(momentumTick("50070", 25*time.Second)), "window trade cap reached")
}

func TestMomentumFiltersQuietAndMistimedTicks(t *testing.T) {
	s := newTestMomentum(t)
	prime(t, s, "50010", "50020", "50040", "50050")

	// Move under the 0.10% threshold
	assert.Nil(t, s.OnTick(momentumTick("50030", 30*time.Second)))
	// Too early
	assert.Nil(t, s.OnTick(momentumTick("50060", 2*time.Minute)))
	// Too late to fill
	assert.Nil(t, s.OnTick(momentumTick("50060", 10*time.Second)))
	// No strike locked yet
	tick := momentumTick("50060", 30*time.Second)
	tick.Strike = decimal.Zero
	assert.Nil(t, s.OnTick(tick))
}

func TestMomentumOddsZone(t *testing.T) {
	s := newTestMomentum(t)
	prime(t, s, "50010", "50020", "50040", "50050")

	// Market disagrees with the move: odds too cheap
	tick := momentumTick("50060", 30*time.Second)
	tick.UpBook.Ask = d("0.70")
	assert.Nil(t, s.OnTick(tick))

	// No edge left after fees: odds too rich
	tick = momentumTick("50060", 30*time.Second)
	tick.UpBook.Ask = d("0.97")
	assert.Nil(t, s.OnTick(tick))
}

func TestMomentumVetoesReversingSpot(t *testing.T) {
	s := newTestMomentum(t)
	// Spot above strike but falling hard into the close
	prime(t, s, "50500", "50400", "50300", "50200")

	assert.Nil(t, s.OnTick(momentumTick("50100", 30*time.Second)),
		"an up bet against downward momentum is a coin flip")
}

func TestMomentumConfidenceShape(t *testing.T) {
	s := newTestMomentum(t)

	small := s.confidence(d("0.1"), 60)
	big := s.confidence(d("0.3"), 60)
	late := s.confidence(d("0.1"), 15)

	assert.True(t, big.GreaterThan(small), "bigger moves read more decided")
	assert.True(t, late.GreaterThan(small), "less time left reads more decided")
	assert.True(t, s.confidence(d("5"), 0).LessThanOrEqual(d("0.99")))
}
