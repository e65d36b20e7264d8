package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// All strategies implement this interface:
//   OnTick(Tick) *Signal
//
// The runner calls OnTick for each composed tick, strategy returns nil or a
// Signal destined for the order manager.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy is the interface all trading strategies must implement
type Strategy interface {
	// Name returns the strategy identifier
	Name() string

	// OnTick processes a tick and returns a signal (or nil)
	OnTick(tick feeds.Tick) *Signal

	// Enabled returns whether strategy is active
	Enabled() bool

	// Config returns strategy configuration
	Config() map[string]interface{}
}

// Signal is a trade request emitted by a strategy. Size is dollars for buys
// and shares for sells; an unset Limit means a market order.
type Signal struct {
	TokenID   string
	Side      types.Side
	Size      decimal.Decimal
	Limit     decimal.NullDecimal
	OrderType types.OrderType
	WindowID  string
	MarketID  string

	// Context carried onto the order row for forensics
	Symbol    string
	TokenSide types.TokenSide
	Strategy  string
	Edge      decimal.Decimal
	ModelProb decimal.Decimal
	Reason    string
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL BUILDER - Helper for creating signals
// ═══════════════════════════════════════════════════════════════════════════════

// SignalBuilder helps construct signals
type SignalBuilder struct {
	signal *Signal
}

// NewSignal creates a new signal builder
func NewSignal() *SignalBuilder {
	return &SignalBuilder{
		signal: &Signal{
			Side:      types.SideBuy,
			OrderType: types.OrderTypeFOK,
		},
	}
}

// TokenID sets the outcome token to trade
func (sb *SignalBuilder) TokenID(tokenID string) *SignalBuilder {
	sb.signal.TokenID = tokenID
	return sb
}

// Side sets buy or sell
func (sb *SignalBuilder) Side(side types.Side) *SignalBuilder {
	sb.signal.Side = side
	return sb
}

// Size sets the order size (dollars for buys, shares for sells)
func (sb *SignalBuilder) Size(size decimal.Decimal) *SignalBuilder {
	sb.signal.Size = size
	return sb
}

// Limit sets the limit price; leave unset for market orders
func (sb *SignalBuilder) Limit(price decimal.Decimal) *SignalBuilder {
	sb.signal.Limit = decimal.NullDecimal{Decimal: price, Valid: true}
	return sb
}

// Type sets the time-in-force
func (sb *SignalBuilder) Type(typ types.OrderType) *SignalBuilder {
	sb.signal.OrderType = typ
	return sb
}

// Window sets the window id
func (sb *SignalBuilder) Window(windowID string) *SignalBuilder {
	sb.signal.WindowID = windowID
	return sb
}

// Market sets the market id
func (sb *SignalBuilder) Market(marketID string) *SignalBuilder {
	sb.signal.MarketID = marketID
	return sb
}

// Symbol sets the underlying symbol
func (sb *SignalBuilder) Symbol(symbol string) *SignalBuilder {
	sb.signal.Symbol = symbol
	return sb
}

// TokenSide tags which outcome token the signal targets
func (sb *SignalBuilder) TokenSide(side types.TokenSide) *SignalBuilder {
	sb.signal.TokenSide = side
	return sb
}

// Strategy sets the source strategy name
func (sb *SignalBuilder) Strategy(name string) *SignalBuilder {
	sb.signal.Strategy = name
	return sb
}

// Edge sets the modeled edge over the entry price
func (sb *SignalBuilder) Edge(edge decimal.Decimal) *SignalBuilder {
	sb.signal.Edge = edge
	return sb
}

// ModelProb sets the modeled win probability
func (sb *SignalBuilder) ModelProb(p decimal.Decimal) *SignalBuilder {
	sb.signal.ModelProb = p
	return sb
}

// Reason sets the human-readable signal context
func (sb *SignalBuilder) Reason(reason string) *SignalBuilder {
	sb.signal.Reason = reason
	return sb
}

// Build returns the completed signal
func (sb *SignalBuilder) Build() *Signal {
	return sb.signal
}
