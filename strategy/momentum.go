package strategy

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MOMENTUM STRATEGY - Late-window confirmed moves
// ═══════════════════════════════════════════════════════════════════════════════
//
// CORE LOGIC:
//   1. Wait until the LAST 15-60 seconds of a window
//   2. Check if spot moved 0.1%+ from the strike
//   3. If so the outcome is nearly decided (no time to reverse)
//   4. Buy the winning side while its odds sit in the 85-95¢ zone
//   5. Position manager rides it to settlement or the trailing stop
//
// The entry zone keeps us out of two traps: odds below the floor mean the
// market disagrees with the spot move (something is off), odds above the
// ceiling leave no edge after fees.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Momentum implements the late-window momentum strategy
type Momentum struct {
	mu      sync.RWMutex
	enabled bool

	// Entry window
	minTimeSec float64
	maxTimeSec float64

	// Odds zone
	minOdds decimal.Decimal
	maxOdds decimal.Decimal

	// Per-asset move thresholds, percent vs strike
	minMove map[string]decimal.Decimal

	// Sizing
	stake decimal.Decimal

	// Momentum confirmation
	lookback int

	// Per-window throttling
	cooldown  time.Duration
	maxTrades int

	momentum    map[string]*feeds.MomentumTracker
	lastSignal  map[string]time.Time
	windowCount map[string]int

	signalCount int
}

// NewMomentum creates the bundled default strategy
func NewMomentum() *Momentum {
	minTimeSec := envFloat("MOMENTUM_MIN_TIME_SEC", 15)
	maxTimeSec := envFloat("MOMENTUM_MAX_TIME_SEC", 60)
	minOdds := envDecimal("MOMENTUM_MIN_ODDS", 0.85)
	maxOdds := envDecimal("MOMENTUM_MAX_ODDS", 0.95)
	stake := envDecimal("MOMENTUM_STAKE_USD", 4)

	minMove := map[string]decimal.Decimal{
		"BTC": envDecimal("MOMENTUM_BTC_MIN_MOVE_PCT", 0.10),
		"ETH": envDecimal("MOMENTUM_ETH_MIN_MOVE_PCT", 0.10),
		"SOL": envDecimal("MOMENTUM_SOL_MIN_MOVE_PCT", 0.15),
	}

	lookback := envInt("MOMENTUM_LOOKBACK_TICKS", 5)
	cooldownSec := envInt("MOMENTUM_COOLDOWN_SEC", 10)
	maxTrades := envInt("MOMENTUM_MAX_TRADES_PER_WINDOW", 1)

	strat := &Momentum{
		enabled:     true,
		minTimeSec:  minTimeSec,
		maxTimeSec:  maxTimeSec,
		minOdds:     minOdds,
		maxOdds:     maxOdds,
		minMove:     minMove,
		stake:       stake,
		lookback:    lookback,
		cooldown:    time.Duration(cooldownSec) * time.Second,
		maxTrades:   maxTrades,
		momentum:    make(map[string]*feeds.MomentumTracker),
		lastSignal:  make(map[string]time.Time),
		windowCount: make(map[string]int),
	}

	log.Info().
		Float64("min_time_sec", minTimeSec).
		Float64("max_time_sec", maxTimeSec).
		Str("odds_zone", minOdds.StringFixed(2)+"-"+maxOdds.StringFixed(2)).
		Str("stake", stake.StringFixed(2)).
		Msg("🎯 Momentum strategy initialized")

	return strat
}

// Name returns the strategy name
func (s *Momentum) Name() string {
	return "momentum"
}

// Enabled returns if strategy is active
func (s *Momentum) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Config returns configuration
func (s *Momentum) Config() map[string]interface{} {
	return map[string]interface{}{
		"min_time_sec": s.minTimeSec,
		"max_time_sec": s.maxTimeSec,
		"min_odds":     s.minOdds.String(),
		"max_odds":     s.maxOdds.String(),
		"stake_usd":    s.stake.String(),
		"btc_min_move": s.minMove["BTC"].String(),
		"eth_min_move": s.minMove["ETH"].String(),
		"sol_min_move": s.minMove["SOL"].String(),
		"max_trades":   s.maxTrades,
	}
}

// OnTick evaluates one tick and returns a signal or nil
func (s *Momentum) OnTick(tick feeds.Tick) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}

	// Momentum tracker feeds on every tick, filters come after
	mt, ok := s.momentum[tick.Symbol]
	if !ok {
		mt = feeds.NewMomentumTracker(s.lookback)
		s.momentum[tick.Symbol] = mt
	}
	if !tick.Spot.IsZero() {
		mt.Update(tick.Spot)
	}

	// No strike yet means the window just opened
	if tick.Strike.IsZero() || tick.Spot.IsZero() {
		return nil
	}

	// Only act in the closing seconds
	timeLeft := tick.TimeLeft.Seconds()
	if timeLeft < s.minTimeSec || timeLeft > s.maxTimeSec {
		return nil
	}

	// Move vs strike must clear the per-asset threshold
	movePct := tick.Spot.Sub(tick.Strike).Div(tick.Strike).Mul(decimal.NewFromInt(100))
	minMove := s.minMoveFor(tick.Symbol)
	if movePct.Abs().LessThan(minMove) {
		return nil
	}
	isUp := movePct.IsPositive()

	// Buy the side the move points at
	var tokenID string
	var tokenSide types.TokenSide
	var odds decimal.Decimal
	if isUp {
		tokenID = tick.UpToken
		tokenSide = types.TokenUp
		odds = tick.UpBook.Ask
	} else {
		tokenID = tick.DownToken
		tokenSide = types.TokenDown
		odds = tick.DownBook.Ask
	}
	if tokenID == "" || odds.IsZero() {
		return nil
	}

	// Odds zone check
	if odds.LessThan(s.minOdds) || odds.GreaterThan(s.maxOdds) {
		log.Debug().
			Str("symbol", tick.Symbol).
			Str("side", string(tokenSide)).
			Str("odds", odds.StringFixed(2)).
			Msg("Skipped: odds outside entry zone")
		return nil
	}

	// Spot must not be reversing against the move
	if isUp && mt.IsNegative() {
		log.Debug().Str("symbol", tick.Symbol).Msg("Skipped: momentum reversing down")
		return nil
	}
	if !isUp && mt.IsPositive() {
		log.Debug().Str("symbol", tick.Symbol).Msg("Skipped: momentum reversing up")
		return nil
	}

	// Per-window throttles
	if s.windowCount[tick.WindowID] >= s.maxTrades {
		return nil
	}
	if last, ok := s.lastSignal[tick.WindowID]; ok && time.Since(last) < s.cooldown {
		return nil
	}

	s.signalCount++
	s.windowCount[tick.WindowID]++
	s.lastSignal[tick.WindowID] = time.Now()
	s.pruneThrottles(tick.WindowID, tick.Symbol)

	conf := s.confidence(movePct.Abs(), timeLeft)

	sig := NewSignal().
		TokenID(tokenID).
		Side(types.SideBuy).
		Size(s.stake).
		Limit(odds).
		Type(types.OrderTypeFOK).
		Window(tick.WindowID).
		Market(tick.MarketID).
		Symbol(tick.Symbol).
		TokenSide(tokenSide).
		Strategy(s.Name()).
		Edge(conf.Sub(odds)).
		ModelProb(conf).
		Reason(momentumReason(tick.Symbol, movePct, timeLeft, tokenSide)).
		Build()

	log.Info().
		Str("symbol", tick.Symbol).
		Str("side", string(tokenSide)).
		Str("odds", odds.StringFixed(2)).
		Str("move", movePct.StringFixed(3)+"%").
		Float64("time_left_sec", timeLeft).
		Int("signal_#", s.signalCount).
		Msg("🎯 MOMENTUM SIGNAL")

	return sig
}

// minMoveFor returns the move threshold for a symbol
func (s *Momentum) minMoveFor(symbol string) decimal.Decimal {
	if m, ok := s.minMove[symbol]; ok {
		return m
	}
	return s.minMove["BTC"]
}

// confidence grows with move size and shrinks with time remaining.
// 0.1% move ≈ 0.70, 0.3%+ ≈ 0.90; up to +0.10 as the clock runs out.
func (s *Momentum) confidence(absMovePct decimal.Decimal, timeLeftSec float64) decimal.Decimal {
	moveConf := absMovePct.InexactFloat64()/0.3*0.2 + 0.7
	if moveConf > 0.95 {
		moveConf = 0.95
	}

	timeBonus := (s.maxTimeSec - timeLeftSec) / s.maxTimeSec * 0.10
	if timeBonus < 0 {
		timeBonus = 0
	}

	conf := moveConf + timeBonus
	if conf > 0.99 {
		conf = 0.99
	}
	return decimal.NewFromFloat(conf)
}

// pruneThrottles drops throttle entries for windows of other epochs, keeping
// the maps bounded across the session.
func (s *Momentum) pruneThrottles(currentWindowID, symbol string) {
	prefix := strings.ToLower(symbol) + "-"
	for id := range s.windowCount {
		if id != currentWindowID && strings.HasPrefix(id, prefix) {
			delete(s.windowCount, id)
			delete(s.lastSignal, id)
		}
	}
}

// momentumReason builds the human-readable signal context
func momentumReason(symbol string, movePct decimal.Decimal, timeLeft float64, side types.TokenSide) string {
	direction := "above"
	if movePct.IsNegative() {
		direction = "below"
	}
	return symbol + " " + movePct.Abs().StringFixed(3) + "% " + direction +
		" strike, " + strconv.FormatFloat(timeLeft, 'f', 0, 64) + "s left, buy " + string(side)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPER FUNCTIONS
// ═══════════════════════════════════════════════════════════════════════════════

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func envDecimal(key string, fallback float64) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return decimal.NewFromFloat(fallback)
}

func envBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}
