package core

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/strategy"
)

// State views for the UI server. Storage models carry no json tags on
// purpose, so everything crossing the wire goes through a view here.

// instrumentView is one symbol's live trading picture.
type instrumentView struct {
	Symbol    string          `json:"symbol"`
	Spot      decimal.Decimal `json:"spot"`
	SpotRule  string          `json:"spot_rule,omitempty"`
	SpotAt    time.Time       `json:"spot_at,omitempty"`
	WindowID  string          `json:"window_id,omitempty"`
	Epoch     int64           `json:"epoch,omitempty"`
	Strike    decimal.Decimal `json:"strike"`
	StrikeSet bool            `json:"strike_set"`
	TimeLeft  int64           `json:"time_left_seconds"`
	MarketID  string          `json:"market_id,omitempty"`
	UpToken   string          `json:"up_token,omitempty"`
	DownToken string          `json:"down_token,omitempty"`
	ImpliedUp decimal.Decimal `json:"implied_up"`
	BookLean  decimal.Decimal `json:"book_lean"`
	Spread    decimal.Decimal `json:"source_spread"`
}

// SystemState is the full-state payload broadcast to dashboards.
func (e *Engine) SystemState() any {
	e.mu.RLock()
	started := e.startedAt
	e.mu.RUnlock()

	return map[string]any{
		"mode":           e.ctrl.Mode(),
		"uptime_seconds": int64(time.Since(started).Seconds()),
		"controls":       e.ctrl.View(),
		"instruments":    e.instrumentViews(),
		"positions":      e.positions.OpenPositions(),
		"session":        e.positions.Stats(),
		"runner":         e.runner.Stats(),
	}
}

// InstrumentStates backs /api/instruments.
func (e *Engine) InstrumentStates() any {
	return e.instrumentViews()
}

func (e *Engine) instrumentViews() []instrumentView {
	out := make([]instrumentView, 0, len(e.cfg.Symbols))
	for _, symbol := range e.cfg.Symbols {
		v := instrumentView{Symbol: symbol}

		if res, ok := e.resolver.Last(symbol); ok {
			v.Spot = res.Price
			v.SpotRule = res.Rule
			v.SpotAt = res.At
		}
		v.Spread = e.resolver.Spread(symbol)

		if st, ok := e.windows.Current(symbol); ok {
			v.WindowID = st.WindowID
			v.Epoch = st.Epoch
			v.Strike = st.Strike
			v.StrikeSet = st.StrikeSet
			v.TimeLeft = int64(e.windows.TimeLeft(symbol).Seconds())
		}

		if inst, ok := e.instruments.Get(symbol); ok {
			v.MarketID = inst.MarketID
			v.UpToken = inst.UpToken
			v.DownToken = inst.DownToken
			if bp, ok := e.books.Best(inst.UpToken); ok {
				v.ImpliedUp = bp.Mid
			}
			v.BookLean = e.books.Lean(inst.UpToken)
		}
		out = append(out, v)
	}
	return out
}

func signalView(sig *strategy.Signal) map[string]any {
	return map[string]any{
		"strategy":   sig.Strategy,
		"symbol":     sig.Symbol,
		"token_side": sig.TokenSide,
		"side":       sig.Side,
		"size":       sig.Size,
		"window_id":  sig.WindowID,
		"edge":       sig.Edge,
		"model_prob": sig.ModelProb,
		"reason":     sig.Reason,
	}
}

func fillView(o *storage.Order) map[string]any {
	return map[string]any{
		"order_id":   o.OrderID,
		"symbol":     o.Symbol,
		"token_side": o.TokenSide,
		"side":       o.Side,
		"mode":       o.Mode,
		"status":     o.Status,
		"price":      o.AvgFillPrice,
		"size":       o.FilledSize,
		"fee":        o.FeeAmount,
		"window_id":  o.WindowID,
		"strategy":   o.StrategyID,
	}
}
