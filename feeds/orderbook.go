package feeds

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOME TOKEN BOOK
// ═══════════════════════════════════════════════════════════════════════════════
//
// One book per outcome token, rebuilt from every WS snapshot. Prices are
// odds in (0,1), sizes are share counts.
//
// ═══════════════════════════════════════════════════════════════════════════════

// level is one price level of a book side.
type level struct {
	price decimal.Decimal
	size  decimal.Decimal
}

// Orderbook holds the current state of one token's book. Bids are kept best
// (highest) first, asks best (lowest) first.
type Orderbook struct {
	mu     sync.RWMutex
	market string
	asset  string
	bids   []level
	asks   []level
}

func NewOrderbook(market, asset string) *Orderbook {
	return &Orderbook{market: market, asset: asset}
}

// UpdateFromWS replaces both sides from a WS book snapshot. Levels arrive as
// [price, size] pairs, usually strings but occasionally raw numbers.
func (ob *Orderbook) UpdateFromWS(bids, asks [][]any) {
	newBids := parseLevels(bids)
	newAsks := parseLevels(asks)

	sort.Slice(newBids, func(i, j int) bool { return newBids[i].price.GreaterThan(newBids[j].price) })
	sort.Slice(newAsks, func(i, j int) bool { return newAsks[i].price.LessThan(newAsks[j].price) })

	ob.mu.Lock()
	ob.bids = newBids
	ob.asks = newAsks
	ob.mu.Unlock()
}

// parseLevels converts raw [price, size] pairs, dropping malformed and
// zero-size entries.
func parseLevels(raw [][]any) []level {
	out := make([]level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, ok := toDecimal(pair[0])
		if !ok {
			continue
		}
		size, ok := toDecimal(pair[1])
		if !ok || !size.IsPositive() {
			continue
		}
		out = append(out, level{price: price, size: size})
	}
	return out
}

// toDecimal accepts the venue's string and numeric level encodings.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case string:
		dec, err := decimal.NewFromString(x)
		return dec, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	}
	return decimal.Decimal{}, false
}

// BestBid returns the highest resting bid, zero on an empty side.
func (ob *Orderbook) BestBid() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bids) == 0 {
		return decimal.Zero
	}
	return ob.bids[0].price
}

// BestAsk returns the lowest resting ask, zero on an empty side.
func (ob *Orderbook) BestAsk() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.asks) == 0 {
		return decimal.Zero
	}
	return ob.asks[0].price
}

// BestBidSize returns the resting size at the best bid.
func (ob *Orderbook) BestBidSize() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bids) == 0 {
		return decimal.Zero
	}
	return ob.bids[0].size
}

// BestAskSize returns the resting size at the best ask.
func (ob *Orderbook) BestAskSize() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.asks) == 0 {
		return decimal.Zero
	}
	return ob.asks[0].size
}

// Spread returns ask minus bid at the top of the book.
func (ob *Orderbook) Spread() decimal.Decimal {
	return ob.BestAsk().Sub(ob.BestBid())
}

// Mid returns the top-of-book midpoint, zero while either side is empty.
func (ob *Orderbook) Mid() decimal.Decimal {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// Depth sums resting size over the top n levels of each side.
func (ob *Orderbook) Depth(n int) (bidDepth, askDepth decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for i := 0; i < n && i < len(ob.bids); i++ {
		bidDepth = bidDepth.Add(ob.bids[i].size)
	}
	for i := 0; i < n && i < len(ob.asks); i++ {
		askDepth = askDepth.Add(ob.asks[i].size)
	}
	return bidDepth, askDepth
}

// Imbalance returns (bid-ask)/(bid+ask) depth over the top three levels:
// +1 all bids, -1 all asks, zero balanced or empty.
func (ob *Orderbook) Imbalance() decimal.Decimal {
	bidDepth, askDepth := ob.Depth(3)
	total := bidDepth.Add(askDepth)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidDepth.Sub(askDepth).Div(total)
}
