package execution

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/strategy"
	"github.com/web3guy0/updown/types"
)

// Simulated execution for PAPER and DRY_RUN. The pipeline is the real one
// right up to the exchange call: validation, intent, admission caps and
// persistence all behave exactly as in LIVE, so a paper session exercises the
// same failure surfaces.

// executeSimulated fills immediately against the current book. Buys take the
// ask, sells hit the bid; with no book the requested limit stands in.
func (m *Manager) executeSimulated(ctx context.Context, sig *strategy.Signal, mode types.Mode, intentID uint) (*Result, error) {
	if err := m.capGates(sig); err != nil {
		if werr := m.wal.MarkFailed(intentID, err); werr != nil {
			log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent FAILED mark did not stick")
		}
		return nil, err
	}

	var book *types.BookSnapshot
	if bp, err := m.ex.GetBestPrices(ctx, sig.TokenID); err != nil {
		log.Debug().Err(err).Str("token", sig.TokenID).Msg("book unavailable for simulated fill")
	} else {
		book = &types.BookSnapshot{
			Bid:     bp.Bid,
			Ask:     bp.Ask,
			BidSize: bp.BidSize,
			AskSize: bp.AskSize,
			At:      bp.At,
		}
	}

	fillPrice := decimal.Zero
	if book != nil {
		if sig.Side == types.SideBuy {
			fillPrice = book.Ask
		} else {
			fillPrice = book.Bid
		}
	}
	if fillPrice.IsZero() && sig.Limit.Valid {
		fillPrice = sig.Limit.Decimal
	}
	if fillPrice.IsZero() {
		ferr := types.NewError(types.ErrSubmissionFailed, "no book and no limit price, cannot price simulated fill")
		if werr := m.wal.MarkFailed(intentID, ferr); werr != nil {
			log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent FAILED mark did not stick")
		}
		return nil, ferr
	}

	var shares, cost decimal.Decimal
	if sig.Side == types.SideBuy {
		cost = sig.Size
		shares = sig.Size.Div(fillPrice).Round(8)
	} else {
		shares = sig.Size
		cost = sig.Size.Mul(fillPrice).Round(8)
	}

	prefix := "paper"
	if mode == types.ModeDryRun {
		prefix = "dryrun"
	}
	orderID := fmt.Sprintf("%s-%d-%s", prefix, m.now().UnixMilli(), uuid.NewString()[:8])

	now := m.now()
	res := &Result{
		IntentID:            intentID,
		OrderID:             orderID,
		Status:              types.StatusFilled,
		Mode:                mode,
		FillPrice:           fillPrice,
		FilledSize:          shares,
		FeeAmount:           decimal.Zero,
		LatencyMs:           0,
		SubmittedAt:         &now,
		AckedAt:             &now,
		SubmittedToExchange: false,
		Book:                book,
	}

	limit := decimal.Zero
	if sig.Limit.Valid {
		limit = sig.Limit.Decimal
	}
	o := m.orderRow(sig, mode, intentID, orderID, limit, types.StatusFilled, res)
	if book != nil {
		if blob, err := json.Marshal(book); err == nil {
			o.BookSnapshot = string(blob)
		}
	}

	if err := m.db.CreateOrder(o); err != nil {
		res.DBWriteFailed = true
		dbWriteFailures.Inc()
		log.Error().Err(err).Str("order_id", orderID).Msg("💥 simulated order row insert failed")
	}
	if err := m.db.SavePaperTrade(&storage.PaperTrade{
		OrderID:    orderID,
		WindowID:   sig.WindowID,
		Symbol:     sig.Symbol,
		TokenSide:  sig.TokenSide,
		Side:       sig.Side,
		Mode:       mode,
		Shares:     shares,
		Price:      fillPrice,
		Cost:       cost,
		StrategyID: sig.Strategy,
	}); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("paper trade row insert failed")
	}

	if werr := m.wal.MarkCompleted(intentID, res); werr != nil {
		log.Error().Err(werr).Uint("intent_id", intentID).Msg("⚠️ intent COMPLETED mark did not stick")
	}

	ordersTotal.WithLabelValues(string(mode), string(types.StatusFilled)).Inc()

	log.Info().
		Str("order_id", orderID).
		Str("mode", string(mode)).
		Str("window", sig.WindowID).
		Str("side", string(sig.Side)).
		Str("price", fillPrice.String()).
		Str("shares", shares.String()).
		Str("strategy", sig.Strategy).
		Msg("📝 Simulated fill")

	m.notifyFill(o)
	return res, nil
}
