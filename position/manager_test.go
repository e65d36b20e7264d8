package position

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/updown/execution"
	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/strategy"
	"github.com/web3guy0/updown/types"
	"github.com/web3guy0/updown/window"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubExecutor struct {
	mu    sync.Mutex
	sigs  []*strategy.Signal
	modes []types.Mode
	err   error
}

func (s *stubExecutor) Execute(_ context.Context, sig *strategy.Signal, mode types.Mode) (*execution.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs = append(s.sigs, sig)
	s.modes = append(s.modes, mode)
	if s.err != nil {
		return nil, s.err
	}
	return &execution.Result{Status: types.StatusFilled}, nil
}

func (s *stubExecutor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sigs)
}

func (s *stubExecutor) last() (*strategy.Signal, types.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sigs) == 0 {
		return nil, ""
	}
	return s.sigs[len(s.sigs)-1], s.modes[len(s.modes)-1]
}

func newTestPositions(t *testing.T, tweak func(*config.Config)) (*Manager, *storage.Database, *stubExecutor) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		TrailingActivatePct: d("0.1"),
		TrailingPct:         d("0.05"),
		ProfitFloorPct:      d("0.02"),
		StopLossPct:         d("0.15"),
		ReversalThreshold:   d("0.05"),
		MaxSessionLoss:      d("1"),
	}
	if tweak != nil {
		tweak(cfg)
	}
	exec := &stubExecutor{}
	return NewManager(cfg, db, exec), db, exec
}

const testWindow = "btc-15m-1700000100"

func buyFill(orderID, windowID string, side types.TokenSide, price, shares string) *storage.Order {
	tokenID := "tok-up"
	if side == types.TokenDown {
		tokenID = "tok-down"
	}
	return &storage.Order{
		OrderID: orderID, WindowID: windowID, MarketID: "mkt-1",
		Symbol: "BTC", TokenID: tokenID, TokenSide: side,
		Side: types.SideBuy, Mode: types.ModePaper,
		AvgFillPrice: d(price), FilledSize: d(shares),
	}
}

func sellFill(orderID, windowID string, side types.TokenSide, price, shares string) *storage.Order {
	o := buyFill(orderID, windowID, side, price, shares)
	o.Side = types.SideSell
	return o
}

func upTick(mark string) feeds.Tick {
	return feeds.Tick{
		Symbol:  "BTC",
		UpToken: "tok-up",
		UpBook:  types.BestPrices{Bid: d(mark)},
	}
}

func TestBuyFillOpensPosition(t *testing.T) {
	m, db, _ := newTestPositions(t, nil)

	m.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))

	snaps := m.OpenPositions()
	require.Len(t, snaps, 1)
	assert.Equal(t, "BTC", snaps[0].Symbol)
	assert.Equal(t, types.TokenUp, snaps[0].TokenSide)
	assert.Equal(t, types.PositionMonitoring, snaps[0].State)
	assert.True(t, snaps[0].Shares.Equal(d("10")))
	assert.True(t, snaps[0].AvgEntry.Equal(d("0.5")))

	var p *storage.Position
	for _, v := range m.open {
		p = v
	}
	require.NotNil(t, p)
	assert.True(t, p.CostBasis.Equal(d("5")))
	assert.True(t, p.ActivationPrice.Equal(d("0.55")))
	assert.True(t, p.StopPrice.Equal(d("0.425")))
	assert.True(t, p.HighWaterMark.Equal(d("0.5")))
	assert.Equal(t, int64(1700000100), p.Epoch)

	rows, err := db.OpenPositions()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestZeroFillIgnored(t *testing.T) {
	m, _, _ := newTestPositions(t, nil)
	o := buyFill("o-1", testWindow, types.TokenUp, "0.5", "10")
	o.FilledSize = decimal.Zero
	m.HandleFill(o)
	assert.Empty(t, m.OpenPositions())
}

func TestBuyFillExtendsExisting(t *testing.T) {
	m, _, _ := newTestPositions(t, nil)

	m.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))
	m.HandleFill(buyFill("o-2", testWindow, types.TokenUp, "0.6", "10"))

	snaps := m.OpenPositions()
	require.Len(t, snaps, 1, "same (symbol, epoch, side) extends rather than duplicates")
	assert.True(t, snaps[0].Shares.Equal(d("20")))
	assert.True(t, snaps[0].AvgEntry.Equal(d("0.55")))

	assert.True(t, m.CostBasisFor("BTC", 1700000100, types.TokenUp).Equal(d("11")))
	assert.True(t, m.CostBasisFor("BTC", 1700000100, types.TokenDown).IsZero())
}

func TestTrailingStopArmsRidesAndFires(t *testing.T) {
	m, _, exec := newTestPositions(t, nil)
	m.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))

	var p *storage.Position
	for _, v := range m.open {
		p = v
	}

	// Below activation: nothing arms, nothing exits
	assert.Empty(t, m.collectExits(upTick("0.54")))
	assert.False(t, p.TrailingActive)

	// Above activation: arm, stop trails the high-water mark
	assert.Empty(t, m.collectExits(upTick("0.56")))
	assert.True(t, p.TrailingActive)
	assert.True(t, p.StopPrice.Equal(d("0.532"))) // 0.56 * 0.95 beats the 0.51 floor

	// New high lifts the stop and never lowers it
	assert.Empty(t, m.collectExits(upTick("0.6")))
	assert.True(t, p.StopPrice.Equal(d("0.57")))
	assert.Empty(t, m.collectExits(upTick("0.58")))
	assert.True(t, p.StopPrice.Equal(d("0.57")), "retracement must not walk the stop back down")

	// Crossing the stop fires the exit
	exits := m.collectExits(upTick("0.565"))
	require.Len(t, exits, 1)
	assert.Equal(t, "trailing_stop", exits[0].reason)
	assert.Equal(t, types.PositionExitPending, p.State)

	m.placeExit(&exits[0])
	require.Equal(t, 1, exec.count())
	sig, mode := exec.last()
	assert.Equal(t, types.SideSell, sig.Side)
	assert.Equal(t, types.OrderTypeFOK, sig.OrderType)
	assert.True(t, sig.Size.Equal(d("10")))
	assert.Equal(t, "tok-up", sig.TokenID)
	assert.Equal(t, "position_manager", sig.Strategy)
	assert.Equal(t, "trailing_stop", sig.Reason)
	assert.Equal(t, types.ModePaper, mode, "exits run in the mode the position was opened in")

	// Sell fill settles the position
	var closed []*storage.Position
	m.OnClose(func(p *storage.Position) { closed = append(closed, p) })
	m.HandleFill(sellFill("o-exit", testWindow, types.TokenUp, "0.565", "10"))

	require.Len(t, closed, 1)
	assert.Equal(t, types.PositionClosed, closed[0].State)
	assert.True(t, closed[0].RealizedPnL.Equal(d("0.65"))) // 5.65 proceeds - 5 cost
	assert.Empty(t, m.OpenPositions())
	assert.True(t, m.SessionPnL().Equal(d("0.65")))
}

func TestStopLossFiresAndRetriesAfterThrottle(t *testing.T) {
	m, _, _ := newTestPositions(t, nil)
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	m.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))

	// -16% breaches the 15% hard stop
	exits := m.collectExits(upTick("0.42"))
	require.Len(t, exits, 1)
	assert.Equal(t, "stop_loss", exits[0].reason)

	var p *storage.Position
	for _, v := range m.open {
		p = v
	}
	assert.True(t, p.StopLossTriggered)
	assert.Equal(t, types.PositionExitPending, p.State)

	// Still inside the retry throttle: no duplicate sell
	assert.Empty(t, m.collectExits(upTick("0.42")))

	// Past the throttle the pending exit is re-attempted
	base = base.Add(6 * time.Second)
	exits = m.collectExits(upTick("0.42"))
	require.Len(t, exits, 1)
	assert.Equal(t, "stop_loss", exits[0].reason)
}

func TestCheckOppositeGate(t *testing.T) {
	m, _, exec := newTestPositions(t, nil)
	m.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))

	downSig := &strategy.Signal{
		Side: types.SideBuy, TokenSide: types.TokenDown,
		WindowID: testWindow, Symbol: "BTC", TokenID: "tok-down",
	}

	// Held side has no mark yet: block
	ok, reason := m.CheckOpposite(downSig)
	assert.False(t, ok)
	assert.Equal(t, "opposite_position_unpriced", reason)

	// Held side barely in profit, under the reversal threshold: block
	m.collectExits(upTick("0.51"))
	ok, reason = m.CheckOpposite(downSig)
	assert.False(t, ok)
	assert.Equal(t, "opposite_position_unprofitable", reason)

	// Held side past the threshold: allowed, and the flip sells it first
	m.collectExits(upTick("0.55"))
	ok, _ = m.CheckOpposite(downSig)
	assert.True(t, ok)
	require.Equal(t, 1, exec.count())
	sig, _ := exec.last()
	assert.Equal(t, types.SideSell, sig.Side)
	assert.Equal(t, "tok-up", sig.TokenID)
	assert.Equal(t, "reversal", sig.Reason)

	// Sells and off-window signals pass untouched
	ok, _ = m.CheckOpposite(&strategy.Signal{Side: types.SideSell})
	assert.True(t, ok)
}

func TestWindowEndSettlesAtTerminalValue(t *testing.T) {
	m, _, exec := newTestPositions(t, nil)
	m.HandleFill(buyFill("o-up", testWindow, types.TokenUp, "0.5", "10"))
	m.HandleFill(buyFill("o-down", testWindow, types.TokenDown, "0.4", "5"))

	var closed []*storage.Position
	m.OnClose(func(p *storage.Position) { closed = append(closed, p) })

	m.HandleWindowEnd(window.EndEvent{
		Symbol:  "BTC",
		Epoch:   1700000100,
		Outcome: types.DirectionUp,
	})

	require.Len(t, closed, 2)
	assert.Empty(t, m.OpenPositions())
	assert.Zero(t, exec.count(), "settlement needs no sell orders")

	byl := map[types.TokenSide]*storage.Position{}
	for _, p := range closed {
		byl[p.TokenSide] = p
	}
	// Winning token settles at 1, losing at 0
	assert.True(t, byl[types.TokenUp].ExitPrice.Equal(d("1")))
	assert.True(t, byl[types.TokenUp].RealizedPnL.Equal(d("5")))
	assert.True(t, byl[types.TokenDown].ExitPrice.IsZero())
	assert.True(t, byl[types.TokenDown].RealizedPnL.Equal(d("-2")))
	assert.Equal(t, "window_settlement", byl[types.TokenUp].ExitReason)

	assert.True(t, m.SessionPnL().Equal(d("3")))
	stats := m.Stats()
	assert.Equal(t, 1, stats["wins"])
	assert.Equal(t, 1, stats["losses"])
}

func TestWindowEndWithoutOutcomeMarketSells(t *testing.T) {
	m, _, exec := newTestPositions(t, nil)
	m.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))

	m.HandleWindowEnd(window.EndEvent{Symbol: "BTC", Epoch: 1700000100})

	require.Eventually(t, func() bool { return exec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	sig, _ := exec.last()
	assert.Equal(t, types.SideSell, sig.Side)
	assert.Equal(t, "window_end", sig.Reason)
}

func TestCloseOrphans(t *testing.T) {
	m, db, _ := newTestPositions(t, nil)

	resolvedWindow := "btc-15m-1699999200"
	require.NoError(t, db.OpenWindowEvent(&storage.WindowEvent{
		WindowID: resolvedWindow, Symbol: "BTC", Epoch: 1699999200,
	}))
	require.NoError(t, db.ResolveWindow(resolvedWindow, types.DirectionUp, d("50100"), time.Now().UTC()))

	m.HandleFill(buyFill("o-1", resolvedWindow, types.TokenUp, "0.5", "10"))
	m.HandleFill(buyFill("o-2", "btc-15m-1699998300", types.TokenUp, "0.4", "5"))
	m.HandleFill(buyFill("o-3", testWindow, types.TokenUp, "0.5", "10"))

	m.CloseOrphans("BTC", 1700000100)

	snaps := m.OpenPositions()
	require.Len(t, snaps, 1, "the current window's position stays open")
	assert.Equal(t, testWindow, snaps[0].WindowID)

	rows, err := db.RecentPositions(10)
	require.NoError(t, err)
	byWindow := map[string]*storage.Position{}
	for i := range rows {
		if rows[i].State == types.PositionClosed {
			byWindow[rows[i].WindowID] = &rows[i]
		}
	}
	require.Len(t, byWindow, 2)
	// Recorded outcome prices the orphan; no outcome settles at zero
	assert.Equal(t, "orphan_settlement", byWindow[resolvedWindow].ExitReason)
	assert.True(t, byWindow[resolvedWindow].RealizedPnL.Equal(d("5")))
	assert.Equal(t, "orphan_unresolved", byWindow["btc-15m-1699998300"].ExitReason)
	assert.True(t, byWindow["btc-15m-1699998300"].RealizedPnL.Equal(d("-2")))
}

func TestSessionLossFiresOnce(t *testing.T) {
	m, _, _ := newTestPositions(t, nil)

	tripped := make(chan decimal.Decimal, 2)
	m.OnSessionLoss(func(total decimal.Decimal) { tripped <- total })

	m.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))
	m.HandleFill(sellFill("o-2", testWindow, types.TokenUp, "0.3", "10")) // -2

	select {
	case total := <-tripped:
		assert.True(t, total.Equal(d("-2")))
	case <-time.After(2 * time.Second):
		t.Fatal("session loss handler never fired")
	}

	// Further losses do not re-fire the handler
	m.HandleFill(buyFill("o-3", testWindow, types.TokenDown, "0.5", "10"))
	m.HandleFill(sellFill("o-4", testWindow, types.TokenDown, "0.3", "10"))
	assert.True(t, m.SessionPnL().Equal(d("-4")))
	select {
	case <-tripped:
		t.Fatal("loss limit must trip exactly once per session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForceCloseAllSkipsPendingExits(t *testing.T) {
	m, _, exec := newTestPositions(t, nil)
	m.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))
	m.HandleFill(buyFill("o-2", testWindow, types.TokenDown, "0.4", "5"))
	m.HandleFill(buyFill("o-3", "btc-15m-1700001000", types.TokenUp, "0.5", "10"))

	for _, p := range m.open {
		if p.TokenSide == types.TokenDown {
			p.State = types.PositionExitPending
		}
	}

	n := m.ForceCloseAll("kill_switch")
	assert.Equal(t, 2, n)
	require.Eventually(t, func() bool { return exec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	sig, _ := exec.last()
	assert.Equal(t, "kill_switch", sig.Reason)
}

func TestRecoverReloadsOpenPositionsAndPnL(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		TrailingActivatePct: d("0.1"), TrailingPct: d("0.05"),
		ProfitFloorPct: d("0.02"), StopLossPct: d("0.15"),
		ReversalThreshold: d("0.05"), MaxSessionLoss: d("1"),
	}
	a := NewManager(cfg, db, &stubExecutor{})
	a.HandleFill(buyFill("o-1", testWindow, types.TokenUp, "0.5", "10"))
	a.HandleFill(buyFill("o-2", testWindow, types.TokenDown, "0.4", "5"))
	a.HandleFill(sellFill("o-3", testWindow, types.TokenDown, "0.2", "5")) // realized -1

	b := NewManager(cfg, db, &stubExecutor{})
	b.sessionStart = time.Now().UTC().Add(-time.Hour)
	n, err := b.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snaps := b.OpenPositions()
	require.Len(t, snaps, 1)
	assert.Equal(t, types.TokenUp, snaps[0].TokenSide)
	assert.True(t, snaps[0].Shares.Equal(d("10")))
	assert.True(t, b.SessionPnL().Equal(d("-1")))
}
