package position

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/assertions"
	"github.com/web3guy0/updown/execution"
	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/strategy"
	"github.com/web3guy0/updown/types"
	"github.com/web3guy0/updown/window"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - One position per (symbol, epoch, token side)
// ═══════════════════════════════════════════════════════════════════════════════
//
// Lifecycle:
//   buy fill → MONITORING → (STOP|TP triggered) → EXIT_PENDING → sell fill → CLOSED
//
// Positions are valued at the bid of their outcome token. The trailing stop
// arms once the mark clears the activation price and then never lets the
// locked-in floor move down. Window end settles whatever is still open at the
// resolved outcome value.
//
// ═══════════════════════════════════════════════════════════════════════════════

const exitRetryInterval = 5 * time.Second

// Executor places exit orders. Satisfied by *execution.Manager.
type Executor interface {
	Execute(ctx context.Context, sig *strategy.Signal, mode types.Mode) (*execution.Result, error)
}

// exitOrder is a decided exit waiting for its sell to be placed.
type exitOrder struct {
	posID     uint
	tokenID   string
	shares    decimal.Decimal
	windowID  string
	marketID  string
	symbol    string
	tokenSide types.TokenSide
	mode      types.Mode
	reason    string
}

type Manager struct {
	mu   sync.RWMutex
	cfg  *config.Config
	db   *storage.Database
	exec Executor

	open     map[uint]*storage.Position // state <> CLOSED
	marks    map[string]decimal.Decimal // tokenID → last bid
	lastExit map[uint]time.Time         // exit attempt throttle

	sessionStart time.Time
	sessionPnL   decimal.Decimal
	lossLimit    decimal.Decimal
	lossTripped  bool
	wins, losses int

	onClose       []func(p *storage.Position)
	onSessionLoss func(total decimal.Decimal)

	ctx context.Context
	now func() time.Time
}

func NewManager(cfg *config.Config, db *storage.Database, exec Executor) *Manager {
	return &Manager{
		cfg:          cfg,
		db:           db,
		exec:         exec,
		open:         make(map[uint]*storage.Position),
		marks:        make(map[string]decimal.Decimal),
		lastExit:     make(map[uint]time.Time),
		sessionStart: time.Now().UTC(),
		sessionPnL:   decimal.Zero,
		lossLimit:    cfg.MaxSessionLoss,
		ctx:          context.Background(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetSessionLossLimit replaces the session loss limit at runtime.
func (m *Manager) SetSessionLossLimit(d decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lossLimit = d
}

// OnClose registers a handler fired after a position reaches CLOSED.
func (m *Manager) OnClose(h func(p *storage.Position)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, h)
}

// OnSessionLoss registers the handler fired once when cumulative realized
// losses cross the session limit.
func (m *Manager) OnSessionLoss(h func(total decimal.Decimal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSessionLoss = h
}

// SetContext sets the context used for exit orders.
func (m *Manager) SetContext(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
}

// Recover reloads open positions and today's realized PnL after a restart.
// Monitoring resumes exactly where the last session stopped.
func (m *Manager) Recover() (int, error) {
	positions, err := m.db.OpenPositions()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	for i := range positions {
		p := positions[i]
		m.open[p.ID] = &p
	}
	n := len(m.open)
	m.mu.Unlock()

	if pnl, err := m.db.RealizedPnLSince(m.sessionStart); err == nil {
		m.mu.Lock()
		m.sessionPnL = pnl
		m.mu.Unlock()
	}

	if n > 0 {
		log.Warn().Int("count", n).Msg("📥 Recovered open positions from previous session")
	}
	openPositions.Set(float64(n))
	return n, nil
}

// HandleFill is registered with the order manager. Buy fills open or extend,
// sell fills settle a pending exit.
func (m *Manager) HandleFill(o *storage.Order) {
	if o == nil || !o.FilledSize.IsPositive() {
		return
	}
	if o.Side == types.SideBuy {
		m.openOrExtend(o)
		return
	}
	m.settleExit(o)
}

func (m *Manager) openOrExtend(o *storage.Order) {
	_, epoch, ok := window.ParseID(o.WindowID)
	if !ok {
		log.Error().Str("window", o.WindowID).Msg("⚠️ buy fill with unparseable window id, position skipped")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p := m.findLocked(o.Symbol, epoch, o.TokenSide); p != nil {
		cost := o.AvgFillPrice.Mul(o.FilledSize)
		newShares := p.Shares.Add(o.FilledSize)
		p.AvgEntry = p.CostBasis.Add(cost).Div(newShares).Round(8)
		p.Shares = newShares
		p.CostBasis = p.CostBasis.Add(cost)
		if err := m.db.SavePosition(p); err != nil {
			log.Error().Err(err).Uint("position_id", p.ID).Msg("⚠️ position extend not persisted")
		}
		m.linkOrder(o, p.ID)
		log.Info().
			Uint("position_id", p.ID).
			Str("symbol", p.Symbol).
			Str("side", string(p.TokenSide)).
			Str("shares", p.Shares.String()).
			Str("avg_entry", p.AvgEntry.String()).
			Msg("📈 Position extended")
		return
	}

	one := decimal.NewFromInt(1)
	entry := o.AvgFillPrice
	p := &storage.Position{
		Symbol:          o.Symbol,
		Epoch:           epoch,
		WindowID:        o.WindowID,
		MarketID:        o.MarketID,
		TokenID:         o.TokenID,
		TokenSide:       o.TokenSide,
		Mode:            o.Mode,
		StrategyID:      o.StrategyID,
		Shares:          o.FilledSize,
		AvgEntry:        entry,
		CostBasis:       entry.Mul(o.FilledSize),
		HighWaterMark:   entry,
		ActivationPrice: entry.Mul(one.Add(m.cfg.TrailingActivatePct)).Round(8),
		StopPrice:       entry.Mul(one.Sub(m.cfg.StopLossPct)).Round(8),
		State:           types.PositionMonitoring,
		OpenedAt:        m.now(),
	}
	if err := m.db.CreatePosition(p); err != nil {
		log.Error().Err(err).Str("symbol", o.Symbol).Msg("💥 position row insert failed, tracking in memory only")
	}
	m.open[p.ID] = p
	m.linkOrder(o, p.ID)
	positionsOpened.WithLabelValues(p.Symbol).Inc()
	openPositions.Set(float64(len(m.open)))

	log.Info().
		Uint("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", string(p.TokenSide)).
		Str("mode", string(p.Mode)).
		Str("entry", entry.String()).
		Str("shares", p.Shares.String()).
		Str("activation", p.ActivationPrice.String()).
		Str("stop", p.StopPrice.String()).
		Msg("📈 Position opened")
}

func (m *Manager) linkOrder(o *storage.Order, positionID uint) {
	if positionID == 0 {
		return
	}
	if err := m.db.SetOrderPosition(o.OrderID, positionID); err != nil {
		log.Debug().Err(err).Str("order_id", o.OrderID).Msg("order→position link not persisted")
	}
}

// findLocked returns the open position for (symbol, epoch, side), if any.
// Callers hold m.mu.
func (m *Manager) findLocked(symbol string, epoch int64, side types.TokenSide) *storage.Position {
	for _, p := range m.open {
		if p.Symbol == symbol && p.Epoch == epoch && p.TokenSide == side {
			return p
		}
	}
	return nil
}

// OnTick refreshes marks and evaluates exit conditions for the tick's symbol.
// Exits decided under the lock are placed after it is released: the sell runs
// back through the order manager, whose fill callback re-enters this manager.
// Placement is async so a slow exchange cannot stall the tick loop; the
// EXIT_PENDING state plus the retry throttle prevent duplicate sells.
func (m *Manager) OnTick(tick feeds.Tick) {
	for _, e := range m.collectExits(tick) {
		e := e
		go m.placeExit(&e)
	}
}

func (m *Manager) collectExits(tick feeds.Tick) []exitOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tick.UpToken != "" && tick.UpBook.Bid.IsPositive() {
		m.marks[tick.UpToken] = tick.UpBook.Bid
	}
	if tick.DownToken != "" && tick.DownBook.Bid.IsPositive() {
		m.marks[tick.DownToken] = tick.DownBook.Bid
	}

	var exits []exitOrder
	for _, p := range m.open {
		if p.Symbol != tick.Symbol {
			continue
		}
		mark, ok := m.marks[p.TokenID]
		if !ok || !mark.IsPositive() {
			continue
		}

		switch p.State {
		case types.PositionExitPending:
			// A sell is in flight or failed. Re-attempt after the throttle.
			if m.now().Sub(m.lastExit[p.ID]) >= exitRetryInterval {
				exits = append(exits, m.exitLocked(p, p.ExitReason))
			}
		case types.PositionMonitoring:
			if reason, due := m.evaluateLocked(p, mark); due {
				exits = append(exits, m.exitLocked(p, reason))
			}
		}
	}
	return exits
}

// evaluateLocked updates watermark state for one position and reports whether
// an exit is due. Callers hold m.mu.
func (m *Manager) evaluateLocked(p *storage.Position, mark decimal.Decimal) (string, bool) {
	one := decimal.NewFromInt(1)
	dirty := false

	pnlPct := mark.Sub(p.AvgEntry).Div(p.AvgEntry)
	if pnlPct.GreaterThan(p.PeakPnLPct) {
		p.PeakPnLPct = pnlPct
		dirty = true
	}

	if mark.GreaterThan(p.HighWaterMark) {
		p.HighWaterMark = mark
		dirty = true
	}

	if !p.TrailingActive && mark.GreaterThanOrEqual(p.ActivationPrice) {
		p.TrailingActive = true
		dirty = true
		log.Info().
			Uint("position_id", p.ID).
			Str("symbol", p.Symbol).
			Str("mark", mark.String()).
			Msg("🎯 Trailing stop armed")
	}

	if p.TrailingActive {
		// The stop rides the high-water mark but never drops below the
		// profit floor above entry.
		trail := p.HighWaterMark.Mul(one.Sub(m.cfg.TrailingPct))
		floor := p.AvgEntry.Mul(one.Add(m.cfg.ProfitFloorPct))
		stop := decimal.Max(trail, floor).Round(8)
		if !stop.Equal(p.StopPrice) {
			p.StopPrice = stop
			dirty = true
		}
	}

	if dirty {
		if err := m.db.SavePosition(p); err != nil {
			log.Debug().Err(err).Uint("position_id", p.ID).Msg("watermark update not persisted")
		}
	}

	if p.TrailingActive && mark.LessThanOrEqual(p.StopPrice) {
		p.State = types.PositionTPTriggered
		return "trailing_stop", true
	}
	if !p.StopLossTriggered && pnlPct.LessThanOrEqual(m.cfg.StopLossPct.Neg()) {
		p.StopLossTriggered = true
		p.State = types.PositionStopTriggered
		return "stop_loss", true
	}
	return "", false
}

// exitLocked flips the position to EXIT_PENDING and snapshots what the sell
// needs. Callers hold m.mu.
func (m *Manager) exitLocked(p *storage.Position, reason string) exitOrder {
	p.State = types.PositionExitPending
	p.ExitReason = reason
	m.lastExit[p.ID] = m.now()
	if err := m.db.SavePosition(p); err != nil {
		log.Error().Err(err).Uint("position_id", p.ID).Msg("⚠️ EXIT_PENDING not persisted")
	}
	return exitOrder{
		posID:     p.ID,
		tokenID:   p.TokenID,
		shares:    p.Shares,
		windowID:  p.WindowID,
		marketID:  p.MarketID,
		symbol:    p.Symbol,
		tokenSide: p.TokenSide,
		mode:      p.Mode,
		reason:    reason,
	}
}

// placeExit sells the full position through the order manager. Exits run in
// the mode the position was opened in, never the operator's current one.
func (m *Manager) placeExit(e *exitOrder) {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()

	sig := strategy.NewSignal().
		TokenID(e.tokenID).
		Side(types.SideSell).
		Size(e.shares).
		Type(types.OrderTypeFOK).
		Window(e.windowID).
		Market(e.marketID).
		Symbol(e.symbol).
		TokenSide(e.tokenSide).
		Strategy("position_manager").
		Reason(e.reason).
		Build()

	log.Info().
		Uint("position_id", e.posID).
		Str("symbol", e.symbol).
		Str("side", string(e.tokenSide)).
		Str("shares", e.shares.String()).
		Str("reason", e.reason).
		Msg("📤 Exit order placing")

	if _, err := m.exec.Execute(ctx, sig, e.mode); err != nil {
		exitFailures.WithLabelValues(e.reason).Inc()
		log.Warn().Err(err).
			Uint("position_id", e.posID).
			Str("reason", e.reason).
			Msg("⚠️ Exit order failed, will retry")
	}
}

// settleExit closes the position a sell fill belongs to.
func (m *Manager) settleExit(o *storage.Order) {
	_, epoch, ok := window.ParseID(o.WindowID)
	if !ok {
		return
	}

	m.mu.Lock()
	p := m.findLocked(o.Symbol, epoch, o.TokenSide)
	if p == nil {
		m.mu.Unlock()
		assertions.Fail("position.unmatched_sell_fill",
			"sell order %s filled with no open %s %s position for epoch %d",
			o.OrderID, o.Symbol, o.TokenSide, epoch)
		return
	}
	reason := p.ExitReason
	if reason == "" {
		reason = "sell_fill"
	}
	proceeds := o.AvgFillPrice.Mul(o.FilledSize).Sub(o.FeeAmount)
	m.closeLocked(p, o.AvgFillPrice, proceeds.Sub(p.CostBasis), reason)
	m.mu.Unlock()

	m.linkOrder(o, p.ID)
	m.afterClose(p)
}

// closeLocked finalizes a position. Callers hold m.mu and must call
// afterClose once the lock is released.
func (m *Manager) closeLocked(p *storage.Position, exitPrice, realized decimal.Decimal, reason string) {
	now := m.now()
	p.State = types.PositionClosed
	p.ExitPrice = exitPrice
	p.ExitReason = reason
	p.RealizedPnL = realized
	p.ClosedAt = &now
	if err := m.db.SavePosition(p); err != nil {
		log.Error().Err(err).Uint("position_id", p.ID).Msg("💥 position close not persisted")
	}
	delete(m.open, p.ID)
	delete(m.lastExit, p.ID)

	m.sessionPnL = m.sessionPnL.Add(realized)
	if realized.IsPositive() {
		m.wins++
	} else {
		m.losses++
	}

	positionsClosed.WithLabelValues(p.Symbol, reason).Inc()
	openPositions.Set(float64(len(m.open)))
	sessionRealized.Set(m.sessionPnL.InexactFloat64())

	log.Info().
		Uint("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", string(p.TokenSide)).
		Str("entry", p.AvgEntry.String()).
		Str("exit", exitPrice.String()).
		Str("pnl", realized.StringFixed(4)).
		Str("reason", reason).
		Msg("📊 Position closed")

	if !m.lossTripped && m.onSessionLoss != nil &&
		m.sessionPnL.LessThanOrEqual(m.lossLimit.Neg()) {
		m.lossTripped = true
		total := m.sessionPnL
		h := m.onSessionLoss
		go h(total)
		log.Error().
			Str("session_pnl", total.StringFixed(2)).
			Str("limit", m.lossLimit.String()).
			Msg("🚨 Session loss limit crossed")
	}
}

func (m *Manager) afterClose(p *storage.Position) {
	m.mu.RLock()
	handlers := m.onClose
	m.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

// CheckOpposite gates buy signals against an open position on the other side
// of the same window. Flipping is allowed only when the held side is in
// profit past the reversal threshold; the flip closes it first.
func (m *Manager) CheckOpposite(sig *strategy.Signal) (bool, string) {
	if sig.Side != types.SideBuy || sig.TokenSide == "" {
		return true, ""
	}
	_, epoch, ok := window.ParseID(sig.WindowID)
	if !ok {
		return true, ""
	}
	opposite := types.TokenDown
	if sig.TokenSide == types.TokenDown {
		opposite = types.TokenUp
	}

	m.mu.Lock()
	p := m.findLocked(sig.Symbol, epoch, opposite)
	if p == nil || p.State != types.PositionMonitoring {
		m.mu.Unlock()
		return true, ""
	}
	mark, ok := m.marks[p.TokenID]
	if !ok || !mark.IsPositive() {
		m.mu.Unlock()
		return false, "opposite_position_unpriced"
	}
	pnlPct := mark.Sub(p.AvgEntry).Div(p.AvgEntry)
	if pnlPct.LessThan(m.cfg.ReversalThreshold) {
		m.mu.Unlock()
		return false, "opposite_position_unprofitable"
	}
	e := m.exitLocked(p, "reversal")
	m.mu.Unlock()

	log.Info().
		Uint("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("pnl_pct", pnlPct.StringFixed(4)).
		Msg("🔄 Reversal: closing opposite side first")
	m.placeExit(&e)
	return true, ""
}

// HandleWindowEnd settles whatever is still open when a window resolves. A
// resolved outcome prices the token at its terminal value; without one the
// position falls back to a market sell.
func (m *Manager) HandleWindowEnd(ev window.EndEvent) {
	var exits []exitOrder
	var closed []*storage.Position

	m.mu.Lock()
	for _, p := range m.open {
		if p.Symbol != ev.Symbol || p.Epoch != ev.Epoch {
			continue
		}
		if ev.Outcome != "" {
			value := decimal.Zero
			if string(p.TokenSide) == string(ev.Outcome) {
				value = decimal.NewFromInt(1)
			}
			proceeds := value.Mul(p.Shares)
			m.closeLocked(p, value, proceeds.Sub(p.CostBasis), "window_settlement")
			closed = append(closed, p)
			continue
		}
		exits = append(exits, m.exitLocked(p, "window_end"))
	}
	m.mu.Unlock()

	for _, p := range closed {
		m.afterClose(p)
	}
	for _, e := range exits {
		e := e
		go m.placeExit(&e)
	}
}

// CloseOrphans settles positions stranded in epochs before the current one,
// pricing them from their window's recorded outcome when it exists. Runs as
// the second window-end handler, after same-window settlement.
func (m *Manager) CloseOrphans(symbol string, currentEpoch int64) {
	var closed []*storage.Position

	m.mu.Lock()
	for _, p := range m.open {
		if p.Symbol != symbol || p.Epoch >= currentEpoch {
			continue
		}
		value := decimal.Zero
		reason := "orphan_unresolved"
		if we, err := m.db.GetWindowEvent(p.WindowID); err == nil && we.Outcome != "" {
			reason = "orphan_settlement"
			if p.TokenSide == types.TokenSide(we.Outcome) {
				value = decimal.NewFromInt(1)
			}
		} else {
			log.Warn().
				Uint("position_id", p.ID).
				Str("window", p.WindowID).
				Msg("⚠️ orphaned position with no resolved window, settling at zero")
		}
		proceeds := value.Mul(p.Shares)
		m.closeLocked(p, value, proceeds.Sub(p.CostBasis), reason)
		closed = append(closed, p)
	}
	m.mu.Unlock()

	for _, p := range closed {
		m.afterClose(p)
	}
}

// ForceCloseAll market-sells every open position. The flatten ladder and
// shutdown both land here.
func (m *Manager) ForceCloseAll(reason string) int {
	var exits []exitOrder

	m.mu.Lock()
	for _, p := range m.open {
		if p.State == types.PositionExitPending {
			continue
		}
		exits = append(exits, m.exitLocked(p, reason))
	}
	m.mu.Unlock()

	if len(exits) > 0 {
		log.Warn().Int("count", len(exits)).Str("reason", reason).Msg("🚨 Force-closing all positions")
	}
	for _, e := range exits {
		e := e
		go m.placeExit(&e)
	}
	return len(exits)
}

// Stats summarizes the session for the UI and the bot.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"open_positions": len(m.open),
		"session_pnl":    m.sessionPnL.StringFixed(4),
		"wins":           m.wins,
		"losses":         m.losses,
		"loss_tripped":   m.lossTripped,
	}
}

// OpenPositions snapshots the tracked positions with live marks for display.
func (m *Manager) OpenPositions() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.open))
	for _, p := range m.open {
		mark := m.marks[p.TokenID]
		pnl := decimal.Zero
		pnlPct := decimal.Zero
		if mark.IsPositive() {
			pnl = mark.Mul(p.Shares).Sub(p.CostBasis)
			pnlPct = mark.Sub(p.AvgEntry).Div(p.AvgEntry)
		}
		out = append(out, Snapshot{
			ID:        p.ID,
			Symbol:    p.Symbol,
			WindowID:  p.WindowID,
			TokenSide: p.TokenSide,
			Mode:      p.Mode,
			State:     p.State,
			Shares:    p.Shares,
			AvgEntry:  p.AvgEntry,
			Mark:      mark,
			PnL:       pnl,
			PnLPct:    pnlPct,
			Trailing:  p.TrailingActive,
			StopPrice: p.StopPrice,
			OpenedAt:  p.OpenedAt,
		})
	}
	return out
}

// Snapshot is a display view of one open position.
type Snapshot struct {
	ID        uint                `json:"id"`
	Symbol    string              `json:"symbol"`
	WindowID  string              `json:"window_id"`
	TokenSide types.TokenSide     `json:"token_side"`
	Mode      types.Mode          `json:"mode"`
	State     types.PositionState `json:"state"`
	Shares    decimal.Decimal     `json:"shares"`
	AvgEntry  decimal.Decimal     `json:"avg_entry"`
	Mark      decimal.Decimal     `json:"mark"`
	PnL       decimal.Decimal     `json:"pnl"`
	PnLPct    decimal.Decimal     `json:"pnl_pct"`
	Trailing  bool                `json:"trailing"`
	StopPrice decimal.Decimal     `json:"stop_price"`
	OpenedAt  time.Time           `json:"opened_at"`
}

// SessionPnL returns realized PnL accumulated since start.
func (m *Manager) SessionPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionPnL
}

// CostBasisFor sums the open cost basis on one side of a window. The signal
// path uses it to enforce the per-position dollar ceiling.
func (m *Manager) CostBasisFor(symbol string, epoch int64, side types.TokenSide) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p := m.findLocked(symbol, epoch, side); p != nil {
		return p.CostBasis
	}
	return decimal.Zero
}
