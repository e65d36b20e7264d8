package controls

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPERATOR CONTROLS - Kill switch ladder and runtime-mutable trading limits
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything a human can change while the engine runs lives here:
//
//   kill switch   off → pause → flatten → emergency
//   trading mode  PAPER / DRY_RUN freely, LIVE only with confirmation
//   allow-lists   instruments and strategies, csv or *
//   limits        max position dollars, max session loss
//
// The strategy runner consults this as its admission gate.
//
// ═══════════════════════════════════════════════════════════════════════════════

// EscalateHandler observes kill-switch changes. flatten and emergency are the
// levels with side effects; the wiring decides what those are.
type EscalateHandler func(level types.KillSwitch, reason string)

type Controls struct {
	mu sync.RWMutex

	level       types.KillSwitch
	levelReason string
	levelAt     time.Time

	mode        types.Mode
	pendingLive bool

	instruments map[string]bool // nil means all
	strategies  map[string]bool // nil means all
	active      string          // single selected strategy, empty means any allowed

	maxPositionUSD decimal.Decimal
	maxSessionLoss decimal.Decimal

	onEscalate []EscalateHandler
	onChange   []func(control string)
}

func New(cfg *config.Config) *Controls {
	c := &Controls{
		level:          types.KillOff,
		mode:           cfg.TradingMode,
		instruments:    parseAllowList(cfg.AllowedInstruments),
		strategies:     parseAllowList(cfg.AllowedStrategies),
		active:         cfg.ActiveStrategy,
		maxPositionUSD: cfg.MaxPositionUSD,
		maxSessionLoss: cfg.MaxSessionLoss,
		levelAt:        time.Now().UTC(),
	}
	killSwitchLevel.Set(0)
	log.Info().
		Str("mode", string(c.mode)).
		Str("instruments", cfg.AllowedInstruments).
		Str("strategies", cfg.AllowedStrategies).
		Str("active_strategy", c.active).
		Str("max_position_usd", c.maxPositionUSD.String()).
		Str("max_session_loss", c.maxSessionLoss.String()).
		Msg("🛡️ Controls initialized")
	return c
}

// parseAllowList turns "btc,eth" into a set; "*" or "" admits everything.
func parseAllowList(csv string) map[string]bool {
	csv = strings.TrimSpace(csv)
	if csv == "" || csv == "*" {
		return nil
	}
	set := make(map[string]bool)
	for _, part := range strings.Split(csv, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			set[p] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// OnEscalate registers a handler fired whenever the kill switch moves.
func (c *Controls) OnEscalate(h EscalateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEscalate = append(c.onEscalate, h)
}

// OnChange registers a handler fired after any control changes, with the
// control's name. Handlers run outside the lock and may read back.
func (c *Controls) OnChange(fn func(control string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *Controls) notifyChange(control string) {
	controlChanges.WithLabelValues(control).Inc()
	c.mu.RLock()
	handlers := c.onChange
	c.mu.RUnlock()
	for _, fn := range handlers {
		fn(control)
	}
}

// ── strategy.Gate ──

// TradingPaused reports whether new orders are blocked.
func (c *Controls) TradingPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level.Rank() >= types.KillPause.Rank()
}

// InstrumentAllowed checks the instrument allow-list.
func (c *Controls) InstrumentAllowed(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.instruments == nil {
		return true
	}
	return c.instruments[strings.ToUpper(symbol)]
}

// StrategyAllowed checks both the allow-list and the single-strategy
// selection.
func (c *Controls) StrategyAllowed(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.strategies != nil && !c.strategies[strings.ToUpper(name)] {
		return false
	}
	if c.active != "" && !strings.EqualFold(c.active, name) {
		return false
	}
	return true
}

// ── kill switch ──

// KillLevel returns the current level.
func (c *Controls) KillLevel() types.KillSwitch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// SetKillSwitch moves the ladder in either direction. Escalations fire the
// registered handlers; de-escalation is an operator decision and fires them
// too, so the wiring can log and broadcast it.
func (c *Controls) SetKillSwitch(level types.KillSwitch, reason string) error {
	if level.Rank() < 0 {
		return types.NewErrorf(types.ErrValidation, "unknown kill switch level %q", level)
	}

	c.mu.Lock()
	prev := c.level
	if prev == level {
		c.mu.Unlock()
		return nil
	}
	c.level = level
	c.levelReason = reason
	c.levelAt = time.Now().UTC()
	handlers := c.onEscalate
	c.mu.Unlock()

	ev := log.Warn()
	if level == types.KillOff {
		ev = log.Info()
	}
	ev.Str("from", string(prev)).
		Str("to", string(level)).
		Str("reason", reason).
		Msg("🛡️ Kill switch moved")
	killSwitchLevel.Set(float64(level.Rank()))

	for _, h := range handlers {
		h(level, reason)
	}
	c.notifyChange("kill_switch")
	return nil
}

// Escalate raises the level if the new one outranks the current; it never
// lowers. Automated trips use this so they cannot undo an operator's stronger
// setting.
func (c *Controls) Escalate(level types.KillSwitch, reason string) {
	c.mu.RLock()
	current := c.level
	c.mu.RUnlock()
	if level.Rank() <= current.Rank() {
		return
	}
	_ = c.SetKillSwitch(level, reason)
}

// TripFatal is the hook for unrecoverable errors: straight to flatten.
func (c *Controls) TripFatal(reason string) {
	log.Error().Str("reason", reason).Msg("🚨 FATAL error reported, flattening")
	c.Escalate(types.KillFlatten, "fatal: "+reason)
}

// TripSessionLoss pauses trading when the session loss limit is crossed.
// Positions stay managed; only new entries stop.
func (c *Controls) TripSessionLoss(total decimal.Decimal) {
	c.Escalate(types.KillPause, "session loss limit crossed at "+total.StringFixed(2))
}

// ── trading mode ──

// Mode returns the current trading mode.
func (c *Controls) Mode() types.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// RequestMode switches modes. PAPER and DRY_RUN apply immediately. LIVE is
// armed and takes effect only after ConfirmLive.
func (c *Controls) RequestMode(mode types.Mode) (pending bool, err error) {
	switch mode {
	case types.ModePaper, types.ModeDryRun:
		c.mu.Lock()
		c.mode = mode
		c.pendingLive = false
		c.mu.Unlock()
		log.Info().Str("mode", string(mode)).Msg("🛡️ Trading mode switched")
		c.notifyChange("trading_mode")
		return false, nil
	case types.ModeLive:
		c.mu.Lock()
		c.pendingLive = true
		c.mu.Unlock()
		log.Warn().Msg("🛡️ LIVE mode requested, waiting for confirmation")
		c.notifyChange("trading_mode")
		return true, nil
	}
	return false, types.NewErrorf(types.ErrValidation, "unknown trading mode %q", mode)
}

// ConfirmLive completes a pending LIVE switch.
func (c *Controls) ConfirmLive() error {
	c.mu.Lock()
	if !c.pendingLive {
		c.mu.Unlock()
		return types.NewError(types.ErrValidation, "no LIVE switch pending")
	}
	c.mode = types.ModeLive
	c.pendingLive = false
	c.mu.Unlock()
	log.Warn().Msg("🛡️ LIVE mode confirmed, real orders from here on")
	c.notifyChange("trading_mode")
	return nil
}

// CancelPendingLive discards an unconfirmed LIVE request.
func (c *Controls) CancelPendingLive() {
	c.mu.Lock()
	armed := c.pendingLive
	c.pendingLive = false
	c.mu.Unlock()
	if armed {
		log.Info().Msg("🛡️ Pending LIVE switch cancelled")
		c.notifyChange("trading_mode")
	}
}

// ── allow-lists and limits ──

func (c *Controls) SetAllowedInstruments(csv string) {
	c.mu.Lock()
	c.instruments = parseAllowList(csv)
	c.mu.Unlock()
	log.Info().Str("instruments", csv).Msg("🛡️ Instrument allow-list updated")
	c.notifyChange("allowed_instruments")
}

func (c *Controls) SetAllowedStrategies(csv string) {
	c.mu.Lock()
	c.strategies = parseAllowList(csv)
	c.mu.Unlock()
	log.Info().Str("strategies", csv).Msg("🛡️ Strategy allow-list updated")
	c.notifyChange("allowed_strategies")
}

func (c *Controls) SetActiveStrategy(name string) {
	c.mu.Lock()
	c.active = strings.TrimSpace(name)
	c.mu.Unlock()
	log.Info().Str("strategy", name).Msg("🛡️ Active strategy updated")
	c.notifyChange("active_strategy")
}

func (c *Controls) SetMaxPositionUSD(d decimal.Decimal) error {
	if !d.IsPositive() {
		return types.NewError(types.ErrValidation, "max position must be positive")
	}
	c.mu.Lock()
	c.maxPositionUSD = d
	c.mu.Unlock()
	log.Info().Str("max_position_usd", d.String()).Msg("🛡️ Position ceiling updated")
	c.notifyChange("max_position_usd")
	return nil
}

func (c *Controls) SetMaxSessionLoss(d decimal.Decimal) error {
	if !d.IsPositive() {
		return types.NewError(types.ErrValidation, "max session loss must be positive")
	}
	c.mu.Lock()
	c.maxSessionLoss = d
	c.mu.Unlock()
	log.Info().Str("max_session_loss", d.String()).Msg("🛡️ Session loss limit updated")
	c.notifyChange("max_session_loss")
	return nil
}

// MaxPositionUSD returns the per-position dollar ceiling.
func (c *Controls) MaxPositionUSD() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxPositionUSD
}

// MaxSessionLoss returns the session loss limit.
func (c *Controls) MaxSessionLoss() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxSessionLoss
}

// Apply sets one control from its string form. The REST API and the operator
// bot both come through here, so they cannot drift apart.
func (c *Controls) Apply(key, value string) (pending bool, err error) {
	switch key {
	case "kill_switch":
		level, ok := types.ParseKillSwitch(value)
		if !ok {
			return false, types.NewErrorf(types.ErrValidation, "unknown kill switch level %q", value)
		}
		return false, c.SetKillSwitch(level, "operator")
	case "trading_mode":
		mode, ok := types.ParseMode(value)
		if !ok {
			return false, types.NewErrorf(types.ErrValidation, "unknown trading mode %q", value)
		}
		return c.RequestMode(mode)
	case "confirm_live":
		return false, c.ConfirmLive()
	case "cancel_live":
		c.CancelPendingLive()
		return false, nil
	case "active_strategy":
		c.SetActiveStrategy(value)
		return false, nil
	case "allowed_instruments":
		c.SetAllowedInstruments(value)
		return false, nil
	case "allowed_strategies":
		c.SetAllowedStrategies(value)
		return false, nil
	case "max_position_usd":
		d, err := decimal.NewFromString(value)
		if err != nil {
			return false, types.NewErrorf(types.ErrValidation, "%q is not a decimal", value)
		}
		return false, c.SetMaxPositionUSD(d)
	case "max_session_loss":
		d, err := decimal.NewFromString(value)
		if err != nil {
			return false, types.NewErrorf(types.ErrValidation, "%q is not a decimal", value)
		}
		return false, c.SetMaxSessionLoss(d)
	}
	return false, types.NewErrorf(types.ErrValidation, "unknown control %q", key)
}

// Snapshot is the control surface as shown to operators.
type Snapshot struct {
	KillSwitch     types.KillSwitch `json:"kill_switch"`
	KillReason     string           `json:"kill_reason,omitempty"`
	KillChangedAt  time.Time        `json:"kill_changed_at"`
	TradingMode    types.Mode       `json:"trading_mode"`
	PendingLive    bool             `json:"pending_live"`
	Instruments    string           `json:"allowed_instruments"`
	Strategies     string           `json:"allowed_strategies"`
	ActiveStrategy string           `json:"active_strategy"`
	MaxPositionUSD decimal.Decimal  `json:"max_position_usd"`
	MaxSessionLoss decimal.Decimal  `json:"max_session_loss"`
}

// View snapshots the current settings.
func (c *Controls) View() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		KillSwitch:     c.level,
		KillReason:     c.levelReason,
		KillChangedAt:  c.levelAt,
		TradingMode:    c.mode,
		PendingLive:    c.pendingLive,
		Instruments:    renderAllowList(c.instruments),
		Strategies:     renderAllowList(c.strategies),
		ActiveStrategy: c.active,
		MaxPositionUSD: c.maxPositionUSD,
		MaxSessionLoss: c.maxSessionLoss,
	}
}

func renderAllowList(set map[string]bool) string {
	if set == nil {
		return "*"
	}
	parts := make([]string, 0, len(set))
	for k := range set {
		parts = append(parts, k)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
