package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the order direction on the exchange
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is a known value
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the exchange time-in-force
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeIOC OrderType = "IOC"
)

// Immediate reports whether the type is fill-now-or-die (FOK/IOC)
func (t OrderType) Immediate() bool {
	return t == OrderTypeFOK || t == OrderTypeIOC
}

// Valid reports whether the order type is a known value
func (t OrderType) Valid() bool {
	return t == OrderTypeGTC || t == OrderTypeFOK || t == OrderTypeIOC
}

// Mode is the execution style
type Mode string

const (
	ModeLive   Mode = "LIVE"   // real exchange
	ModePaper  Mode = "PAPER"  // simulated but tracked
	ModeDryRun Mode = "DRY_RUN" // simulated and inert
)

// Valid reports whether the mode is a known value
func (m Mode) Valid() bool {
	return m == ModeLive || m == ModePaper || m == ModeDryRun
}

// ParseMode normalizes user input into a Mode
func ParseMode(s string) (Mode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIVE":
		return ModeLive, true
	case "PAPER":
		return ModePaper, true
	case "DRY_RUN", "DRYRUN", "DRY":
		return ModeDryRun, true
	}
	return "", false
}

// Direction is a resolved window outcome
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// TokenSide tags which outcome token a signal targets
type TokenSide string

const (
	TokenUp   TokenSide = "UP"
	TokenDown TokenSide = "DOWN"
)

// KillSwitch is the operator escalation ladder
type KillSwitch string

const (
	KillOff       KillSwitch = "off"       // normal operation
	KillPause     KillSwitch = "pause"     // no new orders
	KillFlatten   KillSwitch = "flatten"   // cancel open orders, close positions
	KillEmergency KillSwitch = "emergency" // hard stop
)

// Rank orders kill-switch levels for escalation comparisons
func (k KillSwitch) Rank() int {
	switch k {
	case KillOff:
		return 0
	case KillPause:
		return 1
	case KillFlatten:
		return 2
	case KillEmergency:
		return 3
	}
	return -1
}

// ParseKillSwitch normalizes user input into a KillSwitch level
func ParseKillSwitch(s string) (KillSwitch, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return KillOff, true
	case "pause":
		return KillPause, true
	case "flatten":
		return KillFlatten, true
	case "emergency":
		return KillEmergency, true
	}
	return "", false
}

// IntentKind distinguishes the two mutating actions
type IntentKind string

const (
	IntentPlace  IntentKind = "place"
	IntentCancel IntentKind = "cancel"
)

// IntentState is the write-ahead log state
type IntentState string

const (
	IntentPending   IntentState = "PENDING"
	IntentExecuting IntentState = "EXECUTING"
	IntentCompleted IntentState = "COMPLETED"
	IntentFailed    IntentState = "FAILED"
)

// Terminal reports whether the intent state is final
func (s IntentState) Terminal() bool {
	return s == IntentCompleted || s == IntentFailed
}

// PositionState is the position lifecycle
type PositionState string

const (
	PositionEntry         PositionState = "ENTRY"
	PositionMonitoring    PositionState = "MONITORING"
	PositionStopTriggered PositionState = "STOP_TRIGGERED"
	PositionTPTriggered   PositionState = "TP_TRIGGERED"
	PositionExitPending   PositionState = "EXIT_PENDING"
	PositionExpiry        PositionState = "EXPIRY"
	PositionClosed        PositionState = "CLOSED"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE RESULT SHAPES
// ═══════════════════════════════════════════════════════════════════════════════

// OrderAck is the normalized exchange response for place/get calls
type OrderAck struct {
	OrderID     string
	Status      string // raw exchange status: live|matched|cancelled|expired|killed
	PriceFilled decimal.Decimal
	Shares      decimal.Decimal
	Cost        decimal.Decimal
	Fee         decimal.Decimal
	Raw         string // original body for forensics
}

// BestPrices is the normalized top-of-book for one token
type BestPrices struct {
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
	Spread  decimal.Decimal
	Mid     decimal.Decimal
	At      time.Time
}

// BookSnapshot captures the book at decision time, stored with the order
type BookSnapshot struct {
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	At      time.Time       `json:"at"`
}

// Price bounds for the binary outcome tokens
var (
	MinPrice = decimal.RequireFromString("0.01")
	MaxPrice = decimal.RequireFromString("0.99")
)

// PriceInBounds reports whether p is a tradeable token price
func PriceInBounds(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(MinPrice) && p.LessThanOrEqual(MaxPrice)
}
