package execution

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Closes the gap between what the WAL says we were doing and
// what the exchange says actually happened.
// ═══════════════════════════════════════════════════════════════════════════════
//
// After a restart:
// 1. Every intent stranded in EXECUTING is resolved against the exchange
//    by clientOrderId (the intent id)
// 2. Order rows lost to a crash between ack and insert are recreated
// 3. Parked UNKNOWN orders get one sweep
//
// Trading must not start until the startup pass returns.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Reconciler struct {
	m *Manager
}

func NewReconciler(m *Manager) *Reconciler {
	return &Reconciler{m: m}
}

// Run performs the startup pass.
func (r *Reconciler) Run(ctx context.Context) error {
	intents, err := r.m.wal.ExecutingIntents()
	if err != nil {
		return err
	}
	if len(intents) > 0 {
		log.Warn().Int("count", len(intents)).Msg("🔁 Found intents stranded in EXECUTING")
	}
	for i := range intents {
		r.reconcileIntent(ctx, &intents[i])
	}

	resolved, parked := r.SweepUnknown(ctx)
	log.Info().
		Int("stranded_intents", len(intents)).
		Int("unknown_resolved", resolved).
		Int("unknown_parked", parked).
		Msg("✅ Reconciliation pass complete")
	return nil
}

// RunSweepLoop re-queries parked UNKNOWN orders until the context ends.
func (r *Reconciler) RunSweepLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.SweepUnknown(ctx)
		}
	}
}

func (r *Reconciler) reconcileIntent(ctx context.Context, in *storage.Intent) {
	switch in.Kind {
	case types.IntentPlace:
		r.reconcilePlace(ctx, in)
	case types.IntentCancel:
		r.reconcileCancel(ctx, in)
	default:
		log.Error().Uint("intent_id", in.ID).Str("kind", string(in.Kind)).Msg("⚠️ unknown intent kind, failing it")
		_ = r.m.wal.MarkFailed(in.ID, types.NewErrorf(types.ErrValidation, "unknown intent kind %q", in.Kind))
	}
}

// reconcilePlace asks the exchange about the clientOrderId. Absence means the
// order was never created; presence means it was, and any order row lost in
// the crash is recreated from exchange state.
func (r *Reconciler) reconcilePlace(ctx context.Context, in *storage.Intent) {
	clientOrderID := strconv.FormatUint(uint64(in.ID), 10)
	obs, err := r.m.ex.GetOrder(ctx, clientOrderID)
	if err != nil {
		if types.IsCode(err, types.ErrNotFound) {
			_ = r.m.wal.MarkFailed(in.ID, types.NewError(types.ErrSubmissionFailed, "no exchange record after restart"))
			log.Info().Uint("intent_id", in.ID).Msg("🔁 stranded place intent never reached the exchange, FAILED")
			return
		}
		log.Warn().Err(err).Uint("intent_id", in.ID).Msg("🔁 exchange unreachable for stranded intent, retrying next pass")
		return
	}

	var payload intentPayload
	if err := json.Unmarshal([]byte(in.Payload), &payload); err != nil || payload.Signal == nil {
		log.Error().Err(err).Uint("intent_id", in.ID).Msg("⚠️ stranded intent payload unreadable")
		_ = r.m.wal.MarkFailed(in.ID, types.NewError(types.ErrValidation, "intent payload unreadable during reconciliation"))
		return
	}
	sig := payload.Signal
	status := types.MapExchangeStatus(obs.Status, sig.OrderType)

	if existing, err := r.m.db.GetOrderByIntent(in.ID); err == nil {
		// Row survived the crash. Settle the intent; the sweep will move the
		// status if the exchange has since advanced it.
		_ = r.m.wal.MarkCompleted(in.ID, map[string]any{
			"order_id":   existing.OrderID,
			"status":     string(existing.Status),
			"reconciled": true,
		})
		return
	} else if !types.IsCode(err, types.ErrNotFound) {
		log.Warn().Err(err).Uint("intent_id", in.ID).Msg("🔁 order lookup failed, retrying next pass")
		return
	}

	// The order exists on the exchange but the row insert never happened.
	limit := decimal.Zero
	if sig.Limit.Valid {
		limit = sig.Limit.Decimal
	}
	price, size, fee := extractFill(sig, limit, obs, nil, status)
	now := r.m.now()
	res := &Result{
		IntentID:            in.ID,
		OrderID:             obs.OrderID,
		Status:              status,
		Mode:                payload.Mode,
		FillPrice:           price,
		FilledSize:          size,
		FeeAmount:           fee,
		SubmittedAt:         &now,
		AckedAt:             &now,
		SubmittedToExchange: true,
	}
	o := r.m.orderRow(sig, payload.Mode, in.ID, obs.OrderID, limit, status, res)
	if err := r.m.db.CreateOrder(o); err != nil {
		log.Error().Err(err).Uint("intent_id", in.ID).Msg("💥 reconciler could not insert recovered order row")
		return
	}
	_ = r.m.wal.MarkCompleted(in.ID, res)
	log.Warn().
		Uint("intent_id", in.ID).
		Str("order_id", obs.OrderID).
		Str("status", string(status)).
		Msg("📥 Recovered order row from exchange state")
	if status == types.StatusFilled {
		r.m.notifyFill(o)
	}
}

// reconcileCancel checks whether a stranded cancel took effect.
func (r *Reconciler) reconcileCancel(ctx context.Context, in *storage.Intent) {
	var payload struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal([]byte(in.Payload), &payload); err != nil || payload.OrderID == "" {
		_ = r.m.wal.MarkFailed(in.ID, types.NewError(types.ErrValidation, "cancel payload unreadable during reconciliation"))
		return
	}

	obs, err := r.m.ex.GetOrder(ctx, payload.OrderID)
	if err != nil {
		if types.IsCode(err, types.ErrNotFound) {
			_ = r.m.wal.MarkCompleted(in.ID, map[string]any{"order_id": payload.OrderID, "note": "order gone"})
			return
		}
		log.Warn().Err(err).Uint("intent_id", in.ID).Msg("🔁 exchange unreachable for stranded cancel, retrying next pass")
		return
	}

	o, err := r.m.db.GetOrder(payload.OrderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", payload.OrderID).Msg("🔁 row missing for cancelled order")
		_ = r.m.wal.MarkFailed(in.ID, err)
		return
	}

	switch types.MapExchangeStatus(obs.Status, o.OrderType) {
	case types.StatusCancelled, types.StatusRejected:
		if o.Status.Cancellable() {
			_, _ = r.m.UpdateOrderStatus(o.OrderID, types.StatusCancelled, nil)
		}
		_ = r.m.wal.MarkCompleted(in.ID, map[string]any{"order_id": o.OrderID, "status": "CANCELLED"})
	case types.StatusFilled:
		if o.Status.Cancellable() {
			_, _ = r.m.UpdateOrderStatus(o.OrderID, types.StatusFilled, fillColumns(o, obs))
		}
		_ = r.m.wal.MarkFailed(in.ID, types.NewError(types.ErrSubmissionFailed, "order filled before cancel took effect"))
	default:
		// Still live: the cancel never happened.
		_ = r.m.wal.MarkFailed(in.ID, types.NewError(types.ErrSubmissionFailed, "order still live after restart"))
	}
}

// SweepUnknown re-queries every order parked in UNKNOWN. Orders the exchange
// no longer knows become CANCELLED; matched ones become FILLED with their
// real economics. Orders still resting stay parked, blocking re-entry on
// their (window, token) until something definitive happens.
func (r *Reconciler) SweepUnknown(ctx context.Context) (resolved, parked int) {
	orders, err := r.m.db.ListOrdersByStatus(types.StatusUnknown)
	if err != nil {
		log.Error().Err(err).Msg("⚠️ UNKNOWN sweep could not list orders")
		return 0, 0
	}
	for i := range orders {
		o := &orders[i]
		obs, err := r.m.ex.GetOrder(ctx, o.OrderID)
		if err != nil {
			if types.IsCode(err, types.ErrNotFound) {
				if _, uerr := r.m.UpdateOrderStatus(o.OrderID, types.StatusCancelled, map[string]any{
					"error_message": "not found on exchange during sweep",
				}); uerr == nil {
					unknownResolved.WithLabelValues(string(types.StatusCancelled)).Inc()
					resolved++
					log.Info().Str("order_id", o.OrderID).Msg("🧹 UNKNOWN order vanished from exchange, CANCELLED")
				}
				continue
			}
			parked++
			continue
		}

		switch mapped := types.MapExchangeStatus(obs.Status, o.OrderType); mapped {
		case types.StatusFilled:
			if _, uerr := r.m.UpdateOrderStatus(o.OrderID, types.StatusFilled, fillColumns(o, obs)); uerr == nil {
				unknownResolved.WithLabelValues(string(types.StatusFilled)).Inc()
				resolved++
				log.Info().Str("order_id", o.OrderID).Msg("🧹 UNKNOWN order resolved: FILLED")
			}
		case types.StatusCancelled, types.StatusExpired, types.StatusRejected:
			// UNKNOWN can only leave via FILLED, CANCELLED or EXPIRED, so the
			// immediate-order REJECTED mapping lands on CANCELLED here.
			target := mapped
			if mapped == types.StatusRejected {
				target = types.StatusCancelled
			}
			if _, uerr := r.m.UpdateOrderStatus(o.OrderID, target, nil); uerr == nil {
				unknownResolved.WithLabelValues(string(target)).Inc()
				resolved++
				log.Info().Str("order_id", o.OrderID).Str("status", string(target)).Msg("🧹 UNKNOWN order resolved")
			}
		default:
			// Still live on the exchange. Stays parked.
			parked++
		}
	}
	return resolved, parked
}

// fillColumns builds the update map for an order discovered to be filled.
func fillColumns(o *storage.Order, obs *types.OrderAck) map[string]any {
	price := obs.PriceFilled
	if !price.IsPositive() || !types.PriceInBounds(price) {
		if obs.Cost.IsPositive() && obs.Shares.IsPositive() {
			price = obs.Cost.Div(obs.Shares).Round(8)
		} else {
			price = o.Price
		}
	}
	size := obs.Shares
	if !size.IsPositive() {
		if o.Side == types.SideBuy && price.IsPositive() {
			size = o.Size.Div(price).Round(8)
		} else {
			size = o.Size
		}
	}
	cols := map[string]any{
		"filled_size":    size,
		"avg_fill_price": price,
	}
	if obs.Fee.IsPositive() {
		cols["fee_amount"] = obs.Fee
	}
	return cols
}
