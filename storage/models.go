package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTED MODELS - DB rows are the source of truth, not in-memory caches
// ═══════════════════════════════════════════════════════════════════════════════

// Intent is one durable record per mutating action (place or cancel).
// Rows are never deleted; they are the ground truth of "was this attempted".
type Intent struct {
	ID        uint              `gorm:"primaryKey;autoIncrement"`
	Kind      types.IntentKind  `gorm:"index"`
	WindowID  string            `gorm:"index"`
	Payload   string            // request parameters, JSON
	State     types.IntentState `gorm:"index"`
	Result    string            // result-or-error blob, JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is one row per exchange order id.
type Order struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	OrderID  string `gorm:"uniqueIndex;not null"` // exchange-assigned
	IntentID uint   `gorm:"uniqueIndex:idx_orders_window_token_intent"`
	WindowID string `gorm:"index;uniqueIndex:idx_orders_window_token_intent"`
	MarketID string
	TokenID  string `gorm:"index;uniqueIndex:idx_orders_window_token_intent"`

	Side      types.Side        `gorm:"index"`
	OrderType types.OrderType
	Price     decimal.Decimal   `gorm:"type:decimal(10,6)"`
	Size      decimal.Decimal   `gorm:"type:decimal(20,8)"` // dollars for buys, shares for sells
	Status    types.OrderStatus `gorm:"index"`
	Mode      types.Mode        `gorm:"index"` // immutable once written

	FilledSize   decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvgFillPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	FeeAmount    decimal.Decimal `gorm:"type:decimal(20,8)"`

	SubmittedAt  *time.Time
	AckedAt      *time.Time
	FilledAt     *time.Time
	CancelledAt  *time.Time
	ErrorMessage string
	PositionID   *uint `gorm:"index"`

	// Signal context, for forensics and the dashboard
	Symbol       string `gorm:"index"`
	StrategyID   string
	TokenSide    types.TokenSide
	Edge         decimal.Decimal `gorm:"type:decimal(10,6)"`
	ModelProb    decimal.Decimal `gorm:"type:decimal(10,6)"`
	BookSnapshot string          // JSON, optional

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Position opens on the first buy fill for a (symbol, epoch, token side).
type Position struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Symbol     string `gorm:"index"`
	Epoch      int64  `gorm:"index"`
	WindowID   string `gorm:"index"`
	MarketID   string
	TokenID    string
	TokenSide  types.TokenSide
	Mode       types.Mode
	StrategyID string

	Shares    decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvgEntry  decimal.Decimal `gorm:"type:decimal(20,8)"`
	CostBasis decimal.Decimal `gorm:"type:decimal(20,8)"`

	HighWaterMark     decimal.Decimal `gorm:"type:decimal(20,8)"`
	TrailingActive    bool
	ActivationPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopPrice         decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopLossTriggered bool
	PeakPnLPct        decimal.Decimal `gorm:"type:decimal(10,6)"`

	State       types.PositionState `gorm:"index"`
	ExitPrice   decimal.Decimal     `gorm:"type:decimal(20,8)"`
	ExitReason  string
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,8)"`

	OpenedAt  time.Time
	ClosedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WindowEvent is one row per (symbol, epoch). The strike is locked on the
// first resolved reference price after open and never changes afterwards.
type WindowEvent struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	WindowID string `gorm:"uniqueIndex"`
	Symbol   string `gorm:"index"`
	Epoch    int64  `gorm:"index"`

	OpenTime  time.Time
	CloseTime time.Time

	Strike       decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	StrikeSource string              // primary_oracle | secondary_oracle | exchange_median
	StrikeAt     *time.Time

	Outcome      types.Direction // set on close
	FinalSpot    decimal.Decimal `gorm:"type:decimal(20,8)"`
	ChainOutcome types.Direction // on-chain resolution if later observed
	ResolvedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (WindowEvent) TableName() string {
	return "window_close_events"
}

// Tick is a sampled market snapshot kept for the dashboard and forensics.
// The live tick stream is in-memory; only a 1-in-N sample lands here.
type Tick struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Symbol   string `gorm:"index"`
	WindowID string `gorm:"index"`

	Spot     decimal.Decimal `gorm:"type:decimal(20,8)"`
	UpBid    decimal.Decimal `gorm:"type:decimal(10,6)"`
	UpAsk    decimal.Decimal `gorm:"type:decimal(10,6)"`
	DownBid  decimal.Decimal `gorm:"type:decimal(10,6)"`
	DownAsk  decimal.Decimal `gorm:"type:decimal(10,6)"`
	UpProb   decimal.Decimal `gorm:"type:decimal(10,6)"`
	TimeLeft int64           // seconds remaining in window

	At time.Time `gorm:"index"`
}

// PaperTrade records simulated fills (PAPER and DRY_RUN) for accounting.
type PaperTrade struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	OrderID    string          `gorm:"index"`
	WindowID   string          `gorm:"index"`
	Symbol     string          `gorm:"index"`
	TokenSide  types.TokenSide
	Side       types.Side
	Mode       types.Mode      `gorm:"index"`
	Shares     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Price      decimal.Decimal `gorm:"type:decimal(10,6)"`
	Cost       decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnL        decimal.Decimal `gorm:"type:decimal(20,8)"`
	StrategyID string
	CreatedAt  time.Time
}
