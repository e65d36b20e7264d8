package execution

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/updown/types"
)

// CancelOrder cancels one live order through the same intent discipline as
// placement. An exchange failure fails the cancel intent and leaves the order
// status untouched: the order is still live and must not be forgotten.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	unlock := m.locks.lock(orderID)
	defer unlock()

	o, err := m.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if !o.Status.Cancellable() {
		return types.NewErrorf(types.ErrInvalidCancelState, "cannot cancel %s order %s", o.Status, orderID)
	}

	intentID, err := m.wal.LogIntent(types.IntentCancel, o.WindowID, map[string]any{
		"order_id": orderID,
		"status":   string(o.Status),
	})
	if err != nil {
		return err
	}
	if err := m.wal.MarkExecuting(intentID); err != nil {
		return err
	}

	start := m.now()
	if err := m.ex.Cancel(ctx, orderID); err != nil {
		cancelsTotal.WithLabelValues("failed").Inc()
		if werr := m.wal.MarkFailed(intentID, err); werr != nil {
			log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent FAILED mark did not stick")
		}
		log.Warn().Err(err).Str("order_id", orderID).Msg("🛑 Cancel rejected by exchange, order left as-is")
		return err
	}
	latency := m.now().Sub(start).Milliseconds()

	if _, err := m.updateLocked(orderID, types.StatusCancelled, nil); err != nil {
		// Exchange says cancelled; a local transition failure is a bookkeeping
		// problem, not a trading one.
		log.Error().Err(err).Str("order_id", orderID).Msg("⚠️ cancel succeeded but status update failed")
	}

	if werr := m.wal.MarkCompleted(intentID, map[string]any{
		"order_id":   orderID,
		"latency_ms": latency,
	}); werr != nil {
		log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent COMPLETED mark did not stick")
	}

	cancelsTotal.WithLabelValues("cancelled").Inc()
	log.Info().
		Str("order_id", orderID).
		Int64("latency_ms", latency).
		Msg("🛑 Order cancelled")
	return nil
}

// CancelAll cancels every order currently resting on the exchange. Used by
// the flatten ladder and on shutdown.
func (m *Manager) CancelAll(ctx context.Context) (cancelled, failed int) {
	orders, err := m.db.ListOpenOrders()
	if err != nil {
		log.Error().Err(err).Msg("⚠️ cancel-all could not list open orders")
		return 0, 0
	}
	for i := range orders {
		if err := m.CancelOrder(ctx, orders[i].OrderID); err != nil {
			failed++
		} else {
			cancelled++
		}
	}
	if cancelled+failed > 0 {
		log.Info().Int("cancelled", cancelled).Int("failed", failed).Msg("🧹 Cancel-all finished")
	}
	return cancelled, failed
}

// CancelWindowOrders cancels whatever is still resting for one window,
// normally at window end when resting GTC orders have no future.
func (m *Manager) CancelWindowOrders(ctx context.Context, windowID string) (cancelled, failed int) {
	orders, err := m.db.ListWindowOrders(windowID)
	if err != nil {
		log.Error().Err(err).Str("window", windowID).Msg("⚠️ window cancel could not list orders")
		return 0, 0
	}
	for i := range orders {
		if !orders[i].Status.Cancellable() {
			continue
		}
		if err := m.CancelOrder(ctx, orders[i].OrderID); err != nil {
			failed++
		} else {
			cancelled++
		}
	}
	if cancelled+failed > 0 {
		log.Info().
			Str("window", windowID).
			Int("cancelled", cancelled).
			Int("failed", failed).
			Msg("🧹 Window orders cancelled")
	}
	return cancelled, failed
}
