package feeds

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderbookUpdateFromWS(t *testing.T) {
	ob := NewOrderbook("cond-1", "BTC")

	// Unsorted input with a zero-size level that must be dropped
	ob.UpdateFromWS(
		[][]any{{"0.60", "100"}, {"0.62", "50"}, {"0.61", "0"}},
		[][]any{{"0.66", "80"}, {"0.64", "40"}},
	)

	assert.True(t, ob.BestBid().Equal(d("0.62")), "bids sort descending")
	assert.True(t, ob.BestAsk().Equal(d("0.64")), "asks sort ascending")
	assert.True(t, ob.BestBidSize().Equal(d("50")))
	assert.True(t, ob.BestAskSize().Equal(d("40")))
	assert.True(t, ob.Spread().Equal(d("0.02")))
	assert.True(t, ob.Mid().Equal(d("0.63")))
}

func TestOrderbookEmpty(t *testing.T) {
	ob := NewOrderbook("cond-1", "ETH")

	assert.True(t, ob.BestBid().IsZero())
	assert.True(t, ob.BestAsk().IsZero())
	assert.True(t, ob.Mid().IsZero(), "mid is undefined on a one-sided or empty book")
	assert.True(t, ob.Imbalance().IsZero())
}

func TestOrderbookImbalance(t *testing.T) {
	ob := NewOrderbook("cond-1", "BTC")

	// Bid-heavy book: 300 vs 100 over the top levels
	ob.UpdateFromWS(
		[][]any{{"0.60", "100"}, {"0.59", "100"}, {"0.58", "100"}},
		[][]any{{"0.62", "100"}},
	)

	// (300-100)/400 = 0.5
	assert.True(t, ob.Imbalance().Equal(d("0.5")), "got %s", ob.Imbalance())
}

func TestOrderbookNumericPayload(t *testing.T) {
	// Venue sometimes sends numbers, not strings
	ob := NewOrderbook("cond-1", "SOL")
	ob.UpdateFromWS(
		[][]any{{0.55, 10.0}},
		[][]any{{0.60, 5.0}},
	)

	assert.True(t, ob.BestBid().Equal(d("0.55")))
	assert.True(t, ob.BestAskSize().Equal(d("5")))
}

func TestOrderbookDepth(t *testing.T) {
	ob := NewOrderbook("cond-1", "BTC")
	ob.UpdateFromWS(
		[][]any{{"0.60", "10"}, {"0.59", "20"}, {"0.58", "30"}, {"0.57", "40"}},
		[][]any{{"0.62", "5"}},
	)

	bid, ask := ob.Depth(2)
	assert.True(t, bid.Equal(d("30")))
	assert.True(t, ask.Equal(d("5")))
}
