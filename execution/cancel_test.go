package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/types"
)

func seedRestingOrder(t *testing.T, db *storage.Database, orderID, windowID string, status types.OrderStatus) {
	t.Helper()
	require.NoError(t, db.CreateOrder(&storage.Order{
		OrderID: orderID, IntentID: uint(1000 + len(orderID)),
		WindowID: windowID, TokenID: "tok-" + orderID, MarketID: "mkt-1",
		Side: types.SideBuy, OrderType: types.OrderTypeGTC,
		Price: d("0.9"), Size: d("5"), Status: status, Mode: types.ModeLive,
		Symbol: "BTC", TokenSide: types.TokenUp,
	}))
}

func TestCancelOrder(t *testing.T) {
	var cancelled []string
	ex := &stubExchange{
		cancel: func(_ context.Context, orderID string) error {
			cancelled = append(cancelled, orderID)
			return nil
		},
	}
	m, db, intents := newTestManager(t, ex, nil)
	seedRestingOrder(t, db, "gc-1", "btc-15m-1700000100", types.StatusOpen)

	require.NoError(t, m.CancelOrder(context.Background(), "gc-1"))
	assert.Equal(t, []string{"gc-1"}, cancelled)

	o, err := db.GetOrder("gc-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, o.Status)
	assert.NotNil(t, o.CancelledAt)

	wi, err := intents.WindowIntents("btc-15m-1700000100")
	require.NoError(t, err)
	require.Len(t, wi, 1)
	assert.Equal(t, types.IntentCancel, wi[0].Kind)
	assert.Equal(t, types.IntentCompleted, wi[0].State)
}

func TestCancelOrderExchangeFailureLeavesOrderLive(t *testing.T) {
	ex := &stubExchange{
		cancel: func(context.Context, string) error {
			return types.NewError(types.ErrSubmissionFailed, "exchange said no")
		},
	}
	m, db, intents := newTestManager(t, ex, nil)
	seedRestingOrder(t, db, "gc-2", "btc-15m-1700000100", types.StatusOpen)

	err := m.CancelOrder(context.Background(), "gc-2")
	require.Error(t, err)

	// Still live on the exchange, so still live here
	o, err := db.GetOrder("gc-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, o.Status)

	wi, err := intents.WindowIntents("btc-15m-1700000100")
	require.NoError(t, err)
	require.Len(t, wi, 1)
	assert.Equal(t, types.IntentFailed, wi[0].State)
}

func TestCancelOrderRejectsTerminalStatus(t *testing.T) {
	calls := 0
	ex := &stubExchange{
		cancel: func(context.Context, string) error { calls++; return nil },
	}
	m, db, _ := newTestManager(t, ex, nil)
	seedRestingOrder(t, db, "gc-3", "btc-15m-1700000100", types.StatusFilled)

	err := m.CancelOrder(context.Background(), "gc-3")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidCancelState, types.CodeOf(err))
	assert.Zero(t, calls, "terminal orders never reach the exchange")
}

func TestCancelOrderUnknownID(t *testing.T) {
	m, _, _ := newTestManager(t, &stubExchange{}, nil)
	err := m.CancelOrder(context.Background(), "no-such-order")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestCancelAll(t *testing.T) {
	ex := &stubExchange{
		cancel: func(_ context.Context, orderID string) error {
			if orderID == "ca-2" {
				return types.NewError(types.ErrSubmissionFailed, "too late")
			}
			return nil
		},
	}
	m, db, _ := newTestManager(t, ex, nil)
	seedRestingOrder(t, db, "ca-1", "btc-15m-1700000100", types.StatusOpen)
	seedRestingOrder(t, db, "ca-2", "btc-15m-1700000100", types.StatusPartiallyFilled)
	seedRestingOrder(t, db, "ca-3", "btc-15m-1700000100", types.StatusFilled)

	done, failed := m.CancelAll(context.Background())
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, failed)

	o, err := db.GetOrder("ca-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, o.Status)

	o, err = db.GetOrder("ca-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartiallyFilled, o.Status)

	o, err = db.GetOrder("ca-3")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, o.Status, "filled orders are not open, not touched")
}

func TestCancelWindowOrders(t *testing.T) {
	var cancelled []string
	ex := &stubExchange{
		cancel: func(_ context.Context, orderID string) error {
			cancelled = append(cancelled, orderID)
			return nil
		},
	}
	m, db, _ := newTestManager(t, ex, nil)
	seedRestingOrder(t, db, "cw-1", "btc-15m-1700000100", types.StatusOpen)
	seedRestingOrder(t, db, "cw-2", "btc-15m-1700000100", types.StatusFilled)
	seedRestingOrder(t, db, "cw-3", "btc-15m-1700001000", types.StatusOpen)

	done, failed := m.CancelWindowOrders(context.Background(), "btc-15m-1700000100")
	assert.Equal(t, 1, done)
	assert.Zero(t, failed)
	assert.Equal(t, []string{"cw-1"}, cancelled)

	// The other window's resting order is untouched
	o, err := db.GetOrder("cw-3")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, o.Status)
}
