package strategy

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BREAKOUT STRATEGY - Odds breakout inside a window
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: the UP token's mid breaks out of its recent range while in the
// 85-93¢ zone. An upward breakout buys UP, a downward one buys DOWN (whose
// odds mirror 1-up). Disabled by default; enable with BREAKOUT_ENABLED=true.
//
// Filters:
// - Book imbalance on the bought side > 0.3 (more bids than asks)
// - Odds volatility under a ceiling (choppy books fake breakouts)
// - Per-window cooldown
//
// ═══════════════════════════════════════════════════════════════════════════════

type Breakout struct {
	mu      sync.RWMutex
	enabled bool

	entryMin decimal.Decimal
	entryMax decimal.Decimal
	stake    decimal.Decimal
	minImbal decimal.Decimal
	maxATR   decimal.Decimal

	windowSize int
	threshold  decimal.Decimal
	minRange   decimal.Decimal

	detectors  map[string]*feeds.BreakoutDetector
	volatility map[string]*feeds.VolatilityTracker
	lastSignal map[string]time.Time
	cooldown   time.Duration

	signalCount int
}

// NewBreakout creates the odds-breakout strategy
func NewBreakout() *Breakout {
	entryMin := envDecimal("BREAKOUT_ENTRY_MIN", 0.85)
	entryMax := envDecimal("BREAKOUT_ENTRY_MAX", 0.93)
	stake := envDecimal("BREAKOUT_STAKE_USD", 3)
	minImbal := envDecimal("BREAKOUT_MIN_IMBALANCE", 0.3)
	maxATR := envDecimal("BREAKOUT_MAX_ATR", 0.15)
	windowSize := envInt("BREAKOUT_WINDOW_TICKS", 60)
	threshold := envDecimal("BREAKOUT_THRESHOLD", 0.9)
	minRange := envDecimal("BREAKOUT_MIN_RANGE", 0.03)
	cooldownSec := envInt("BREAKOUT_COOLDOWN_SEC", 60)
	enabled := envBool("BREAKOUT_ENABLED", false)

	strat := &Breakout{
		enabled:    enabled,
		entryMin:   entryMin,
		entryMax:   entryMax,
		stake:      stake,
		minImbal:   minImbal,
		maxATR:     maxATR,
		windowSize: windowSize,
		threshold:  threshold,
		minRange:   minRange,
		detectors:  make(map[string]*feeds.BreakoutDetector),
		volatility: make(map[string]*feeds.VolatilityTracker),
		lastSignal: make(map[string]time.Time),
		cooldown:   time.Duration(cooldownSec) * time.Second,
	}

	log.Info().
		Bool("enabled", enabled).
		Str("entry", entryMin.StringFixed(2)+"-"+entryMax.StringFixed(2)).
		Str("stake", stake.StringFixed(2)).
		Msg("📊 Breakout strategy initialized")

	return strat
}

// Name returns the strategy name
func (b *Breakout) Name() string {
	return "breakout"
}

// Enabled returns if strategy is active
func (b *Breakout) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// Config returns configuration
func (b *Breakout) Config() map[string]interface{} {
	return map[string]interface{}{
		"entry_min":     b.entryMin.String(),
		"entry_max":     b.entryMax.String(),
		"stake_usd":     b.stake.String(),
		"min_imbalance": b.minImbal.String(),
		"max_atr":       b.maxATR.String(),
		"window_ticks":  b.windowSize,
		"cooldown":      b.cooldown.String(),
	}
}

// OnTick evaluates one tick and returns a signal or nil
func (b *Breakout) OnTick(tick feeds.Tick) *Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return nil
	}

	upMid := tick.UpBook.Mid
	if upMid.IsZero() {
		return nil
	}

	// Detector and volatility are scoped to the window: odds reset every
	// epoch, carrying state across would poison the range.
	det, ok := b.detectors[tick.WindowID]
	if !ok {
		det = feeds.NewBreakoutDetector(b.windowSize, b.threshold, b.minRange)
		b.detectors[tick.WindowID] = det
		vol := feeds.NewVolatilityTracker(20)
		b.volatility[tick.WindowID] = vol
		b.pruneWindows(tick.WindowID, tick.Symbol)
	}
	vol := b.volatility[tick.WindowID]

	det.Update(upMid)
	vol.Update(upMid, tick.UpBook.Ask, tick.UpBook.Bid)

	if last, ok := b.lastSignal[tick.WindowID]; ok && time.Since(last) < b.cooldown {
		return nil
	}

	// Choppy odds fake breakouts
	if vol.ATR().GreaterThan(b.maxATR) {
		return nil
	}

	var tokenID string
	var tokenSide types.TokenSide
	var book types.BestPrices
	switch {
	case det.IsBreakoutUp():
		tokenID = tick.UpToken
		tokenSide = types.TokenUp
		book = tick.UpBook
	case det.IsBreakoutDown():
		tokenID = tick.DownToken
		tokenSide = types.TokenDown
		book = tick.DownBook
	default:
		return nil
	}
	if tokenID == "" || book.Ask.IsZero() {
		return nil
	}

	// Entry zone on the side we buy
	if book.Ask.LessThan(b.entryMin) || book.Ask.GreaterThan(b.entryMax) {
		return nil
	}

	// Book must lean our way
	if !book.BidSize.IsZero() && !book.AskSize.IsZero() {
		total := book.BidSize.Add(book.AskSize)
		imbalance := book.BidSize.Sub(book.AskSize).Div(total)
		if imbalance.LessThan(b.minImbal) {
			log.Debug().
				Str("symbol", tick.Symbol).
				Str("imbalance", imbalance.StringFixed(2)).
				Msg("Rejected: weak book imbalance")
			return nil
		}
	}

	b.signalCount++
	b.lastSignal[tick.WindowID] = time.Now()

	sig := NewSignal().
		TokenID(tokenID).
		Side(types.SideBuy).
		Size(b.stake).
		Limit(book.Ask).
		Type(types.OrderTypeIOC).
		Window(tick.WindowID).
		Market(tick.MarketID).
		Symbol(tick.Symbol).
		TokenSide(tokenSide).
		Strategy(b.Name()).
		ModelProb(decimal.NewFromFloat(0.7)).
		Edge(decimal.NewFromFloat(0.7).Sub(book.Ask)).
		Reason("odds breakout toward " + string(tokenSide) + ", book leaning in").
		Build()

	log.Info().
		Str("symbol", tick.Symbol).
		Str("side", string(tokenSide)).
		Str("odds", book.Ask.StringFixed(2)).
		Msg("📊 BREAKOUT SIGNAL")

	return sig
}

// pruneWindows drops per-window state from earlier epochs of this symbol.
func (b *Breakout) pruneWindows(currentWindowID, symbol string) {
	prefix := strings.ToLower(symbol) + "-"
	for id := range b.detectors {
		if id != currentWindowID && strings.HasPrefix(id, prefix) {
			delete(b.detectors, id)
			delete(b.volatility, id)
			delete(b.lastSignal, id)
		}
	}
}
