package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/updown/types"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedOrder(t *testing.T, db *Database, orderID string, intentID uint, status types.OrderStatus) *Order {
	t.Helper()
	o := &Order{
		OrderID:   orderID,
		IntentID:  intentID,
		WindowID:  "btc-15m-1700000100",
		MarketID:  "mkt-1",
		TokenID:   "tok-up",
		Side:      types.SideBuy,
		OrderType: types.OrderTypeFOK,
		Price:     d("0.90"),
		Size:      d("5"),
		Status:    status,
		Mode:      types.ModePaper,
		Symbol:    "BTC",
		TokenSide: types.TokenUp,
	}
	require.NoError(t, db.CreateOrder(o))
	return o
}

func TestCreateOrderValidation(t *testing.T) {
	db := newTestDB(t)

	err := db.CreateOrder(&Order{Status: types.StatusPending})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))

	err = db.CreateOrder(&Order{OrderID: "o-1", Status: "LIMBO"})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestCreateOrderTerminalTimestamps(t *testing.T) {
	db := newTestDB(t)

	filled := seedOrder(t, db, "o-filled", 1, types.StatusFilled)
	require.NotNil(t, filled.FilledAt, "filled rows carry a fill time from the start")

	rejected := seedOrder(t, db, "o-rejected", 2, types.StatusRejected)
	require.NotNil(t, rejected.CancelledAt)
}

func TestUpdateOrderStatusHappyPath(t *testing.T) {
	db := newTestDB(t)
	seedOrder(t, db, "o-1", 1, types.StatusPending)

	o, err := db.UpdateOrderStatus("o-1", types.StatusFilled, map[string]any{
		"filled_size":    d("5.55"),
		"avg_fill_price": d("0.90"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, o.Status)
	assert.True(t, o.FilledSize.Equal(d("5.55")))
	assert.True(t, o.AvgFillPrice.Equal(d("0.90")))
	assert.NotNil(t, o.FilledAt)
}

func TestUpdateOrderStatusRejectsIllegalMove(t *testing.T) {
	db := newTestDB(t)
	seedOrder(t, db, "o-1", 1, types.StatusFilled)

	_, err := db.UpdateOrderStatus("o-1", types.StatusCancelled, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.CodeOf(err))

	// Row untouched
	o, err := db.GetOrder("o-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, o.Status)
}

func TestUpdateOrderStatusDropsUnknownColumns(t *testing.T) {
	db := newTestDB(t)
	seedOrder(t, db, "o-1", 1, types.StatusPending)

	// mode is immutable; a sneaky update map must not reach SQL
	o, err := db.UpdateOrderStatus("o-1", types.StatusOpen, map[string]any{
		"mode":     types.ModeLive,
		"order_id": "o-hijacked",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ModePaper, o.Mode)
	assert.Equal(t, "o-1", o.OrderID)
}

func TestUpdateOrderStatusNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.UpdateOrderStatus("ghost", types.StatusOpen, nil)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestCountWindowOrdersExcludesNeverHeld(t *testing.T) {
	db := newTestDB(t)

	seedOrder(t, db, "o-1", 1, types.StatusFilled)
	seedOrder(t, db, "o-2", 2, types.StatusOpen)
	seedOrder(t, db, "o-3", 3, types.StatusRejected)
	seedOrder(t, db, "o-4", 4, types.StatusCancelled)
	seedOrder(t, db, "o-5", 5, types.StatusUnknown)

	n, err := db.CountWindowOrders("btc-15m-1700000100", "tok-up")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "rejected and cancelled give their budget back")
}

func TestHasUnresolvedOrder(t *testing.T) {
	db := newTestDB(t)

	ok, err := db.HasUnresolvedOrder("btc-15m-1700000100", "tok-up")
	require.NoError(t, err)
	assert.False(t, ok)

	seedOrder(t, db, "o-1", 1, types.StatusUnknown)
	ok, err = db.HasUnresolvedOrder("btc-15m-1700000100", "tok-up")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetOrderByIntent(t *testing.T) {
	db := newTestDB(t)
	seedOrder(t, db, "o-1", 42, types.StatusOpen)

	o, err := db.GetOrderByIntent(42)
	require.NoError(t, err)
	assert.Equal(t, "o-1", o.OrderID)

	_, err = db.GetOrderByIntent(99)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestIntentConditionalUpdate(t *testing.T) {
	db := newTestDB(t)

	in := &Intent{Kind: types.IntentPlace, WindowID: "btc-15m-1700000100", State: types.IntentPending}
	require.NoError(t, db.CreateIntent(in))

	ok, err := db.UpdateIntent(in.ID, []types.IntentState{types.IntentPending},
		map[string]any{"state": types.IntentExecuting})
	require.NoError(t, err)
	assert.True(t, ok)

	// Same precondition again: the row moved, so nothing matches
	ok, err = db.UpdateIntent(in.ID, []types.IntentState{types.IntentPending},
		map[string]any{"state": types.IntentExecuting})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockStrikeImmutable(t *testing.T) {
	db := newTestDB(t)

	we := &WindowEvent{
		WindowID:  "btc-15m-1700000100",
		Symbol:    "BTC",
		Epoch:     1700000100,
		OpenTime:  time.Now().UTC(),
		CloseTime: time.Now().UTC().Add(15 * time.Minute),
	}
	require.NoError(t, db.OpenWindowEvent(we))

	ok, err := db.LockStrike("btc-15m-1700000100", d("50000"), "primary_oracle", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	// A second lock must change nothing
	ok, err = db.LockStrike("btc-15m-1700000100", d("51000"), "exchange_median", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := db.GetWindowEvent("btc-15m-1700000100")
	require.NoError(t, err)
	require.True(t, got.Strike.Valid)
	assert.True(t, got.Strike.Decimal.Equal(d("50000")))
	assert.Equal(t, "primary_oracle", got.StrikeSource)
}

func TestOpenWindowEventIdempotent(t *testing.T) {
	db := newTestDB(t)

	a := &WindowEvent{WindowID: "eth-15m-1700000100", Symbol: "ETH", Epoch: 1700000100}
	require.NoError(t, db.OpenWindowEvent(a))
	b := &WindowEvent{WindowID: "eth-15m-1700000100", Symbol: "ETH", Epoch: 1700000100}
	require.NoError(t, db.OpenWindowEvent(b))

	assert.Equal(t, a.ID, b.ID, "same window id re-adopts the existing row")
}

func TestResolveWindow(t *testing.T) {
	db := newTestDB(t)

	we := &WindowEvent{WindowID: "btc-15m-1700000100", Symbol: "BTC", Epoch: 1700000100}
	require.NoError(t, db.OpenWindowEvent(we))

	now := time.Now().UTC()
	require.NoError(t, db.ResolveWindow("btc-15m-1700000100", types.DirectionUp, d("50123.45"), now))
	require.NoError(t, db.SetChainOutcome("btc-15m-1700000100", types.DirectionUp))

	got, err := db.GetWindowEvent("btc-15m-1700000100")
	require.NoError(t, err)
	assert.Equal(t, types.DirectionUp, got.Outcome)
	assert.Equal(t, types.DirectionUp, got.ChainOutcome)
	assert.True(t, got.FinalSpot.Equal(d("50123.45")))
	require.NotNil(t, got.ResolvedAt)
}

func TestOpenPositionForToken(t *testing.T) {
	db := newTestDB(t)

	p := &Position{
		Symbol: "BTC", Epoch: 1700000100, WindowID: "btc-15m-1700000100",
		TokenSide: types.TokenUp, Mode: types.ModePaper,
		Shares: d("10"), AvgEntry: d("0.90"), CostBasis: d("9"),
		State: types.PositionMonitoring, OpenedAt: time.Now().UTC(),
	}
	require.NoError(t, db.CreatePosition(p))

	got, err := db.OpenPositionForToken("BTC", 1700000100, types.TokenUp)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = db.OpenPositionForToken("BTC", 1700000100, types.TokenDown)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))

	// Closed positions stop matching
	now := time.Now().UTC()
	p.State = types.PositionClosed
	p.ClosedAt = &now
	require.NoError(t, db.SavePosition(p))

	_, err = db.OpenPositionForToken("BTC", 1700000100, types.TokenUp)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestDailyStatsAndSessionPnL(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	closedPos := func(pnl string, closedAt time.Time) {
		p := &Position{
			Symbol: "BTC", Epoch: 1700000100, WindowID: "btc-15m-1700000100",
			TokenSide: types.TokenUp, Mode: types.ModePaper,
			State: types.PositionClosed, RealizedPnL: d(pnl),
			OpenedAt: closedAt.Add(-5 * time.Minute), ClosedAt: &closedAt,
		}
		require.NoError(t, db.CreatePosition(p))
	}

	closedPos("2.50", now)
	closedPos("-1.00", now)
	closedPos("0.75", now)
	closedPos("5.00", now.AddDate(0, 0, -10)) // outside the 7-day window

	stats, err := db.DailyStats(7)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, now.Format("2006-01-02"), stats[0].Day)
	assert.Equal(t, int64(3), stats[0].Trades)
	assert.Equal(t, int64(2), stats[0].Wins)
	assert.Equal(t, int64(1), stats[0].Losses)
	assert.True(t, stats[0].PnL.Equal(d("2.25")), "got %s", stats[0].PnL)

	pnl, err := db.RealizedPnLSince(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d("2.25")))
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	seedOrder(t, db, "o-1", 1, types.StatusFilled)
	seedOrder(t, db, "o-2", 2, types.StatusUnknown)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["total_orders"])
	assert.Equal(t, int64(1), stats["filled_orders"])
	assert.Equal(t, int64(1), stats["unknown_orders"])
}
