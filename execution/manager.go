package execution

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/assertions"
	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/strategy"
	"github.com/web3guy0/updown/types"
	"github.com/web3guy0/updown/wal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER MANAGER - The only path to the exchange. Intent first, side effect
// second, row third: a crash between any two steps is recoverable from the WAL.
// ═══════════════════════════════════════════════════════════════════════════════

// Exchange is the slice of the exchange client the manager needs.
type Exchange interface {
	PlaceBuy(ctx context.Context, tokenID string, dollars, limit decimal.Decimal, typ types.OrderType, clientOrderID string) (*types.OrderAck, error)
	PlaceSell(ctx context.Context, tokenID string, shares, limit decimal.Decimal, typ types.OrderType, clientOrderID string) (*types.OrderAck, error)
	Cancel(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*types.OrderAck, error)
	GetBestPrices(ctx context.Context, tokenID string) (*types.BestPrices, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Result is what a completed execution reports back to the caller.
type Result struct {
	IntentID            uint                `json:"intent_id"`
	OrderID             string              `json:"order_id"`
	Status              types.OrderStatus   `json:"status"`
	Mode                types.Mode          `json:"mode"`
	FillPrice           decimal.Decimal     `json:"fill_price"`
	FilledSize          decimal.Decimal     `json:"filled_size"`
	FeeAmount           decimal.Decimal     `json:"fee_amount"`
	LatencyMs           int64               `json:"latency_ms"`
	SubmittedAt         *time.Time          `json:"submitted_at,omitempty"`
	AckedAt             *time.Time          `json:"acked_at,omitempty"`
	SubmittedToExchange bool                `json:"submitted_to_exchange"`
	DBWriteFailed       bool                `json:"db_write_failed"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	Book                *types.BookSnapshot `json:"book,omitempty"`
}

// FillHandler is invoked whenever an order reaches FILLED. The order row is
// the in-memory struct; its ID is zero when the insert failed.
type FillHandler func(o *storage.Order)

// intentPayload is the shape written to the WAL for a place intent. The
// reconciler unmarshals the same struct after a crash.
type intentPayload struct {
	Mode   types.Mode       `json:"mode"`
	Signal *strategy.Signal `json:"signal"`
}

// Manager serializes order lifecycles. One instance per process.
type Manager struct {
	cfg *config.Config
	db  *storage.Database
	wal *wal.IntentLog
	ex  Exchange

	slots chan struct{} // in-flight executions; full ⇒ BUSY
	locks keyedLocks

	mu           sync.RWMutex
	fillHandlers []FillHandler

	now func() time.Time
}

// New builds the order manager on a durable store, a WAL and an exchange.
func New(cfg *config.Config, db *storage.Database, intents *wal.IntentLog, ex Exchange) *Manager {
	m := &Manager{
		cfg:   cfg,
		db:    db,
		wal:   intents,
		ex:    ex,
		slots: make(chan struct{}, cfg.MaxInflightOrders),
		locks: newKeyedLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	log.Info().
		Int("max_inflight", cfg.MaxInflightOrders).
		Str("per_order_cap", cfg.PerOrderCapUSD.String()).
		Int("window_order_cap", cfg.WindowOrderCap).
		Msg("⚡ Order manager initialized")
	return m
}

// OnFill registers a handler for orders reaching FILLED. Handlers run on the
// executing goroutine; keep them fast.
func (m *Manager) OnFill(h FillHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillHandlers = append(m.fillHandlers, h)
}

// Execute runs one signal through the full order pipeline for the given mode.
// The error, when non-nil, carries a types.ErrorCode the caller can branch on;
// BUSY in particular means the signal was shed before any intent was written.
func (m *Manager) Execute(ctx context.Context, sig *strategy.Signal, mode types.Mode) (*Result, error) {
	select {
	case m.slots <- struct{}{}:
		defer func() { <-m.slots }()
	default:
		ordersShed.Inc()
		return nil, types.NewError(types.ErrBusy, "order manager saturated")
	}

	if err := m.validate(sig); err != nil {
		return nil, err
	}

	intentID, err := m.wal.LogIntent(types.IntentPlace, sig.WindowID, intentPayload{Mode: mode, Signal: sig})
	if err != nil {
		return nil, err
	}
	if err := m.wal.MarkExecuting(intentID); err != nil {
		return nil, err
	}

	if mode != types.ModeLive {
		return m.executeSimulated(ctx, sig, mode, intentID)
	}
	return m.executeLive(ctx, sig, intentID)
}

// validate rejects malformed signals before any intent is written.
func (m *Manager) validate(sig *strategy.Signal) error {
	switch {
	case sig == nil:
		return types.NewError(types.ErrValidation, "nil signal")
	case sig.TokenID == "":
		return types.NewError(types.ErrValidation, "tokenId is required")
	case sig.WindowID == "":
		return types.NewError(types.ErrValidation, "windowId is required")
	case sig.MarketID == "":
		return types.NewError(types.ErrValidation, "marketId is required")
	case !sig.Side.Valid():
		return types.NewErrorf(types.ErrValidation, "invalid side %q", sig.Side)
	case !sig.OrderType.Valid():
		return types.NewErrorf(types.ErrValidation, "invalid order type %q", sig.OrderType)
	case !sig.Size.IsPositive():
		return types.NewErrorf(types.ErrValidation, "size must be positive, got %s", sig.Size)
	}
	// The dollar cap binds buys. Sells are share-denominated and must be able
	// to flatten a position in full.
	if sig.Side == types.SideBuy && sig.Size.GreaterThan(m.cfg.PerOrderCapUSD) {
		return types.NewErrorf(types.ErrValidation, "size %s exceeds per-order cap %s",
			sig.Size, m.cfg.PerOrderCapUSD)
	}
	if sig.Limit.Valid && !types.PriceInBounds(sig.Limit.Decimal) {
		return types.NewErrorf(types.ErrValidation, "limit %s outside [%s, %s]",
			sig.Limit.Decimal, types.MinPrice, types.MaxPrice)
	}
	return nil
}

// executeLive is the real-money pipeline. Admission checks run after the
// intent is durable, so a denial leaves a FAILED intent behind as evidence.
func (m *Manager) executeLive(ctx context.Context, sig *strategy.Signal, intentID uint) (*Result, error) {
	if err := m.admit(ctx, sig); err != nil {
		if werr := m.wal.MarkFailed(intentID, err); werr != nil {
			log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent FAILED mark did not stick")
		}
		return nil, err
	}

	limit := decimal.Zero
	if sig.Limit.Valid {
		limit = sig.Limit.Decimal
	}
	clientOrderID := strconv.FormatUint(uint64(intentID), 10)

	submittedAt := m.now()
	var ack *types.OrderAck
	var err error
	if sig.Side == types.SideBuy {
		ack, err = m.ex.PlaceBuy(ctx, sig.TokenID, sig.Size, limit, sig.OrderType, clientOrderID)
	} else {
		ack, err = m.ex.PlaceSell(ctx, sig.TokenID, sig.Size, limit, sig.OrderType, clientOrderID)
	}
	if err != nil {
		if types.IsCode(err, types.ErrAmbiguousSubmission) {
			ack, err = m.confirmByClientID(ctx, clientOrderID, err)
			if err != nil {
				return nil, err // intent state already settled inside
			}
		} else {
			if werr := m.wal.MarkFailed(intentID, err); werr != nil {
				log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent FAILED mark did not stick")
			}
			return nil, err
		}
	}
	ackedAt := m.now()

	if ack.OrderID == "" {
		ferr := types.NewError(types.ErrSubmissionFailed, "exchange ack missing orderId")
		if werr := m.wal.MarkFailed(intentID, ferr); werr != nil {
			log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent FAILED mark did not stick")
		}
		return nil, ferr
	}

	status := types.MapExchangeStatus(ack.Status, sig.OrderType)
	errMsg := ""

	// GTC acks that map to OPEN are polled briefly: most resting orders in
	// these books either match within seconds or never.
	var obs *types.OrderAck
	if sig.OrderType == types.OrderTypeGTC && status == types.StatusOpen {
		var timedOut bool
		obs, timedOut = m.confirm(ctx, ack.OrderID, sig.OrderType)
		switch {
		case timedOut:
			status = types.StatusUnknown
			errMsg = "Order confirmation timed out"
			log.Warn().
				Str("order_id", ack.OrderID).
				Dur("budget", m.cfg.ConfirmPollBudget).
				Msg("⏱️ Order confirmation timed out, parking as UNKNOWN")
		case obs != nil:
			status = types.MapExchangeStatus(obs.Status, sig.OrderType)
		}
	}

	fillPrice, filledSize, fee := extractFill(sig, limit, ack, obs, status)
	latency := ackedAt.Sub(submittedAt).Milliseconds()

	res := &Result{
		IntentID:            intentID,
		OrderID:             ack.OrderID,
		Status:              status,
		Mode:                types.ModeLive,
		FillPrice:           fillPrice,
		FilledSize:          filledSize,
		FeeAmount:           fee,
		LatencyMs:           latency,
		SubmittedAt:         &submittedAt,
		AckedAt:             &ackedAt,
		SubmittedToExchange: true,
		ErrorMessage:        errMsg,
	}

	o := m.orderRow(sig, types.ModeLive, intentID, ack.OrderID, limit, status, res)
	if err := m.db.CreateOrder(o); err != nil {
		res.DBWriteFailed = true
		dbWriteFailures.Inc()
		log.Error().Err(err).
			Str("order_id", ack.OrderID).
			Uint("intent_id", intentID).
			Msg("💥 CRITICAL: exchange accepted order but row insert failed, reconciler owns the gap")
	}

	if werr := m.wal.MarkCompleted(intentID, res); werr != nil {
		log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent COMPLETED mark did not stick")
	}

	ordersTotal.WithLabelValues(string(types.ModeLive), string(status)).Inc()
	orderLatency.WithLabelValues(string(types.ModeLive)).Observe(float64(latency) / 1000)

	ev := log.Info()
	if status == types.StatusUnknown {
		ev = log.Warn()
	}
	ev.Str("order_id", ack.OrderID).
		Str("window", sig.WindowID).
		Str("side", string(sig.Side)).
		Str("type", string(sig.OrderType)).
		Str("status", string(status)).
		Str("size", sig.Size.String()).
		Int64("latency_ms", latency).
		Msg("🚀 LIVE order executed")

	if status == types.StatusFilled {
		m.notifyFill(o)
	}
	return res, nil
}

// admit runs the balance, window-cap and unresolved-order gates. The checks
// fail open on infrastructure errors: a flaky balance endpoint or a slow DB
// must not silently halt trading. The caps themselves are hard.
func (m *Manager) admit(ctx context.Context, sig *strategy.Signal) error {
	if sig.Side == types.SideBuy {
		bal, err := m.ex.GetBalance(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ balance check failed, proceeding")
		} else if bal.LessThan(sig.Size) {
			return types.NewErrorf(types.ErrInsufficientBalance, "need %s, have %s", sig.Size, bal).
				WithDetail("window_id", sig.WindowID)
		}
	}
	return m.capGates(sig)
}

// capGates enforces the per-window order cap and the UNKNOWN-order re-entry
// block. Shared by the live and simulated paths.
func (m *Manager) capGates(sig *strategy.Signal) error {
	n, err := m.db.CountWindowOrders(sig.WindowID, sig.TokenID)
	if err != nil {
		log.Warn().Err(err).Str("window", sig.WindowID).Msg("⚠️ window cap check failed, proceeding")
	} else if n >= int64(m.cfg.WindowOrderCap) {
		return types.NewErrorf(types.ErrWindowCapExceeded, "window %s token %s already has %d orders (cap %d)",
			sig.WindowID, sig.TokenID, n, m.cfg.WindowOrderCap)
	}

	unresolved, err := m.db.HasUnresolvedOrder(sig.WindowID, sig.TokenID)
	if err != nil {
		log.Warn().Err(err).Str("window", sig.WindowID).Msg("⚠️ unresolved-order check failed, proceeding")
	} else if unresolved {
		return types.NewErrorf(types.ErrUnresolvedOrder, "window %s token %s has an UNKNOWN order pending resolution",
			sig.WindowID, sig.TokenID)
	}
	return nil
}

// confirm polls a live GTC order until it maps to a terminal status or the
// budget runs out. An observation landing exactly on the deadline counts.
// Returns the last useful observation; timedOut means no terminal state was
// seen inside the budget.
func (m *Manager) confirm(ctx context.Context, orderID string, typ types.OrderType) (obs *types.OrderAck, timedOut bool) {
	deadline := m.now().Add(m.cfg.ConfirmPollBudget)
	for {
		if err := sleepCtx(ctx, m.cfg.ConfirmPollInterval); err != nil {
			return obs, true
		}
		got, err := m.ex.GetOrder(ctx, orderID)
		if err != nil {
			log.Debug().Err(err).Str("order_id", orderID).Msg("confirmation poll errored, retrying")
		} else {
			obs = got
			if types.MapExchangeStatus(got.Status, typ).Terminal() {
				return obs, false
			}
		}
		if !m.now().Before(deadline) {
			return obs, true
		}
	}
}

// confirmByClientID resolves an ambiguous submission: the request may or may
// not have created an order, so ask the exchange by clientOrderId. Definitive
// absence fails the intent; a definitive hit is adopted as the ack. If the
// budget ends with no answer the intent stays EXECUTING for the reconciler.
func (m *Manager) confirmByClientID(ctx context.Context, clientOrderID string, cause error) (*types.OrderAck, error) {
	intentID64, _ := strconv.ParseUint(clientOrderID, 10, 64)
	intentID := uint(intentID64)
	deadline := m.now().Add(m.cfg.ConfirmPollBudget)
	for {
		if err := sleepCtx(ctx, m.cfg.ConfirmPollInterval); err != nil {
			break
		}
		got, err := m.ex.GetOrder(ctx, clientOrderID)
		if err == nil {
			log.Warn().
				Str("client_order_id", clientOrderID).
				Str("order_id", got.OrderID).
				Msg("🌀 ambiguous submission resolved: order exists")
			return got, nil
		}
		if types.IsCode(err, types.ErrNotFound) {
			ferr := types.WrapError(types.ErrSubmissionFailed, "order never reached the exchange", cause)
			if werr := m.wal.MarkFailed(intentID, ferr); werr != nil {
				log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent FAILED mark did not stick")
			}
			return nil, ferr
		}
		if !m.now().Before(deadline) {
			break
		}
	}
	// No definitive answer. Leaving the intent EXECUTING keeps the
	// reconciler on the hook; marking it FAILED here could orphan a live order.
	log.Error().
		Str("client_order_id", clientOrderID).
		Msg("🌀 ambiguous submission unresolved, leaving intent EXECUTING for the reconciler")
	return nil, cause
}

// extractFill picks fill economics with poll observations beating the initial
// ack, and both beating what was requested. Out-of-bounds reported prices are
// discarded rather than persisted.
func extractFill(sig *strategy.Signal, limit decimal.Decimal, ack, obs *types.OrderAck, status types.OrderStatus) (price, size, fee decimal.Decimal) {
	if status != types.StatusFilled {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}

	candidates := make([]*types.OrderAck, 0, 2)
	if obs != nil {
		candidates = append(candidates, obs)
	}
	if ack != nil {
		candidates = append(candidates, ack)
	}

	for _, c := range candidates {
		if c.PriceFilled.IsPositive() {
			if !types.PriceInBounds(c.PriceFilled) {
				priceBoundViolations.Inc()
				assertions.Fail("order.fill_price_bounds",
					"order %s reported fill price %s outside (%s, %s)",
					c.OrderID, c.PriceFilled, types.MinPrice, types.MaxPrice)
				continue
			}
			price = c.PriceFilled
			break
		}
	}
	if price.IsZero() {
		// Derive from reported economics, then fall back to the requested limit.
		for _, c := range candidates {
			if c.Cost.IsPositive() && c.Shares.IsPositive() {
				price = c.Cost.Div(c.Shares).Round(8)
				break
			}
		}
	}
	if price.IsZero() {
		price = limit
	}

	for _, c := range candidates {
		if c.Shares.IsPositive() {
			size = c.Shares
			break
		}
	}
	if size.IsZero() {
		if sig.Side == types.SideBuy {
			if price.IsPositive() {
				size = sig.Size.Div(price).Round(8)
			}
		} else {
			size = sig.Size
		}
	}

	for _, c := range candidates {
		if c.Fee.IsPositive() {
			fee = c.Fee
			break
		}
	}
	return price, size, fee
}

// orderRow builds the persistent row for an executed order.
func (m *Manager) orderRow(sig *strategy.Signal, mode types.Mode, intentID uint, orderID string, limit decimal.Decimal, status types.OrderStatus, res *Result) *storage.Order {
	o := &storage.Order{
		OrderID:      orderID,
		IntentID:     intentID,
		WindowID:     sig.WindowID,
		TokenID:      sig.TokenID,
		MarketID:     sig.MarketID,
		Side:         sig.Side,
		OrderType:    sig.OrderType,
		Price:        limit,
		Size:         sig.Size,
		Status:       status,
		Mode:         mode,
		FilledSize:   res.FilledSize,
		AvgFillPrice: res.FillPrice,
		FeeAmount:    res.FeeAmount,
		SubmittedAt:  res.SubmittedAt,
		AckedAt:      res.AckedAt,
		ErrorMessage: res.ErrorMessage,
		Symbol:       sig.Symbol,
		StrategyID:   sig.Strategy,
		TokenSide:    sig.TokenSide,
		Edge:         sig.Edge,
		ModelProb:    sig.ModelProb,
	}
	if status == types.StatusFilled {
		at := m.now()
		o.FilledAt = &at
	}
	return o
}

// UpdateOrderStatus applies a status transition under the per-order lock and,
// on a terminal move, closes out the parent intent. Fill handlers fire when
// the move lands on FILLED.
func (m *Manager) UpdateOrderStatus(orderID string, newStatus types.OrderStatus, updates map[string]any) (*storage.Order, error) {
	unlock := m.locks.lock(orderID)
	defer unlock()
	return m.updateLocked(orderID, newStatus, updates)
}

func (m *Manager) updateLocked(orderID string, newStatus types.OrderStatus, updates map[string]any) (*storage.Order, error) {
	o, err := m.db.UpdateOrderStatus(orderID, newStatus, updates)
	if err != nil {
		return nil, err
	}
	if newStatus.Terminal() && o.IntentID != 0 {
		if werr := m.wal.MarkCompleted(o.IntentID, map[string]any{
			"order_id": orderID,
			"status":   string(newStatus),
		}); werr != nil {
			log.Warn().Err(werr).Uint("intent_id", o.IntentID).Msg("parent intent completion skipped")
		}
	}
	if newStatus == types.StatusFilled {
		m.notifyFill(o)
	}
	return o, nil
}

// HandlePartialFill folds one execution report into an order. The running
// average is share-weighted and rounded to 1e-8; reaching the ordered size
// promotes the order to FILLED.
func (m *Manager) HandlePartialFill(orderID string, fillSize, fillPrice decimal.Decimal) (*storage.Order, error) {
	if !fillSize.IsPositive() {
		return nil, types.NewErrorf(types.ErrValidation, "fill size must be positive, got %s", fillSize)
	}
	if !types.PriceInBounds(fillPrice) {
		return nil, types.NewErrorf(types.ErrValidation, "fill price %s outside [%s, %s]",
			fillPrice, types.MinPrice, types.MaxPrice)
	}

	unlock := m.locks.lock(orderID)
	defer unlock()

	o, err := m.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != types.StatusOpen && o.Status != types.StatusPartiallyFilled {
		return nil, types.NewErrorf(types.ErrInvalidTransition, "partial fill on %s order %s", o.Status, orderID)
	}

	newFilled := o.FilledSize.Add(fillSize)
	newAvg := fillPrice
	if o.FilledSize.IsPositive() {
		newAvg = o.AvgFillPrice.Mul(o.FilledSize).
			Add(fillPrice.Mul(fillSize)).
			Div(newFilled).
			Round(8)
	}

	next := types.StatusPartiallyFilled
	if newFilled.GreaterThanOrEqual(o.Size) {
		next = types.StatusFilled
	}

	partialFills.Inc()
	log.Info().
		Str("order_id", orderID).
		Str("fill_size", fillSize.String()).
		Str("fill_price", fillPrice.String()).
		Str("cum_filled", newFilled.String()).
		Str("avg_price", newAvg.String()).
		Str("next", string(next)).
		Msg("🧩 Partial fill applied")

	return m.updateLocked(orderID, next, map[string]any{
		"filled_size":    newFilled,
		"avg_fill_price": newAvg,
	})
}

func (m *Manager) notifyFill(o *storage.Order) {
	if !m.positionEligible(o.Mode) {
		return
	}
	m.mu.RLock()
	handlers := m.fillHandlers
	m.mu.RUnlock()
	for _, h := range handlers {
		h(o)
	}
}

// positionEligible reports whether fills in this mode feed the position
// lifecycle. DRY_RUN is analytics-only unless explicitly opted in.
func (m *Manager) positionEligible(mode types.Mode) bool {
	switch mode {
	case types.ModeLive:
		return true
	case types.ModePaper:
		return m.cfg.PaperPositions
	case types.ModeDryRun:
		return m.cfg.DryRunPositions
	}
	return false
}

// keyedLocks hands out one mutex per order id. Ids are session-bounded, so
// entries are not reclaimed.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() keyedLocks {
	return keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
