package controls

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestControls() *Controls {
	return New(&config.Config{
		TradingMode:        types.ModePaper,
		AllowedInstruments: "*",
		AllowedStrategies:  "*",
		MaxPositionUSD:     d("100"),
		MaxSessionLoss:     d("50"),
	})
}

type escalationLog struct {
	mu      sync.Mutex
	levels  []types.KillSwitch
	reasons []string
}

func (e *escalationLog) record(level types.KillSwitch, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.levels = append(e.levels, level)
	e.reasons = append(e.reasons, reason)
}

func TestEscalateOnlyRaises(t *testing.T) {
	c := newTestControls()
	c.Escalate(types.KillFlatten, "ws feed dead")
	assert.Equal(t, types.KillFlatten, c.KillLevel())

	// A weaker automated trip cannot undo a stronger setting
	c.Escalate(types.KillPause, "session loss")
	assert.Equal(t, types.KillFlatten, c.KillLevel())

	c.Escalate(types.KillEmergency, "unrecoverable")
	assert.Equal(t, types.KillEmergency, c.KillLevel())
}

func TestSetKillSwitchMovesBothWays(t *testing.T) {
	c := newTestControls()
	esc := &escalationLog{}
	c.OnEscalate(esc.record)

	require.NoError(t, c.SetKillSwitch(types.KillEmergency, "drill"))
	require.NoError(t, c.SetKillSwitch(types.KillOff, "drill over"))
	assert.Equal(t, types.KillOff, c.KillLevel())

	// De-escalation fires handlers too
	assert.Equal(t, []types.KillSwitch{types.KillEmergency, types.KillOff}, esc.levels)
	assert.Equal(t, []string{"drill", "drill over"}, esc.reasons)
}

func TestSetKillSwitchSameLevelIsNoop(t *testing.T) {
	c := newTestControls()
	esc := &escalationLog{}
	c.OnEscalate(esc.record)

	require.NoError(t, c.SetKillSwitch(types.KillOff, "already there"))
	assert.Empty(t, esc.levels)
}

func TestSetKillSwitchRejectsUnknownLevel(t *testing.T) {
	c := newTestControls()
	err := c.SetKillSwitch(types.KillSwitch("halt"), "typo")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestTradingPausedFromPauseUpward(t *testing.T) {
	c := newTestControls()
	assert.False(t, c.TradingPaused())

	require.NoError(t, c.SetKillSwitch(types.KillPause, ""))
	assert.True(t, c.TradingPaused())

	require.NoError(t, c.SetKillSwitch(types.KillFlatten, ""))
	assert.True(t, c.TradingPaused())
}

func TestLiveModeRequiresConfirmation(t *testing.T) {
	c := newTestControls()

	pending, err := c.RequestMode(types.ModeLive)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, types.ModePaper, c.Mode(), "armed but not switched")

	require.NoError(t, c.ConfirmLive())
	assert.Equal(t, types.ModeLive, c.Mode())

	err = c.ConfirmLive()
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestCancelPendingLive(t *testing.T) {
	c := newTestControls()

	_, err := c.RequestMode(types.ModeLive)
	require.NoError(t, err)
	c.CancelPendingLive()

	require.Error(t, c.ConfirmLive())
	assert.Equal(t, types.ModePaper, c.Mode())
}

func TestPaperAndDryRunApplyImmediately(t *testing.T) {
	c := newTestControls()

	pending, err := c.RequestMode(types.ModeDryRun)
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, types.ModeDryRun, c.Mode())

	// Switching away disarms a pending LIVE request
	_, err = c.RequestMode(types.ModeLive)
	require.NoError(t, err)
	_, err = c.RequestMode(types.ModePaper)
	require.NoError(t, err)
	require.Error(t, c.ConfirmLive())
	assert.Equal(t, types.ModePaper, c.Mode())
}

func TestRequestModeRejectsUnknown(t *testing.T) {
	c := newTestControls()
	_, err := c.RequestMode(types.Mode("SHADOW"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestInstrumentAllowList(t *testing.T) {
	c := newTestControls()
	assert.True(t, c.InstrumentAllowed("BTC"), "wildcard admits everything")

	c.SetAllowedInstruments("btc, eth")
	assert.True(t, c.InstrumentAllowed("BTC"))
	assert.True(t, c.InstrumentAllowed("eth"))
	assert.False(t, c.InstrumentAllowed("SOL"))

	c.SetAllowedInstruments("*")
	assert.True(t, c.InstrumentAllowed("SOL"))
}

func TestStrategyAllowListAndActiveSelection(t *testing.T) {
	c := newTestControls()
	c.SetAllowedStrategies("momentum,breakout")
	assert.True(t, c.StrategyAllowed("momentum"))
	assert.False(t, c.StrategyAllowed("meanrevert"))

	c.SetActiveStrategy("breakout")
	assert.False(t, c.StrategyAllowed("momentum"), "only the selected strategy runs")
	assert.True(t, c.StrategyAllowed("Breakout"))

	c.SetActiveStrategy("")
	assert.True(t, c.StrategyAllowed("momentum"))
}

func TestLimitsMustBePositive(t *testing.T) {
	c := newTestControls()

	require.Error(t, c.SetMaxPositionUSD(d("-5")))
	require.Error(t, c.SetMaxPositionUSD(decimal.Zero))
	require.NoError(t, c.SetMaxPositionUSD(d("250")))
	assert.True(t, c.MaxPositionUSD().Equal(d("250")))

	require.Error(t, c.SetMaxSessionLoss(d("0")))
	require.NoError(t, c.SetMaxSessionLoss(d("75")))
	assert.True(t, c.MaxSessionLoss().Equal(d("75")))
}

func TestApply(t *testing.T) {
	c := newTestControls()

	_, err := c.Apply("kill_switch", "flatten")
	require.NoError(t, err)
	assert.Equal(t, types.KillFlatten, c.KillLevel())

	pending, err := c.Apply("trading_mode", "live")
	require.NoError(t, err)
	assert.True(t, pending)

	_, err = c.Apply("confirm_live", "")
	require.NoError(t, err)
	assert.Equal(t, types.ModeLive, c.Mode())

	_, err = c.Apply("active_strategy", "momentum")
	require.NoError(t, err)
	assert.Equal(t, "momentum", c.View().ActiveStrategy)

	_, err = c.Apply("max_position_usd", "250.5")
	require.NoError(t, err)
	assert.True(t, c.MaxPositionUSD().Equal(d("250.5")))
}

func TestApplyRejectsBadInput(t *testing.T) {
	c := newTestControls()

	_, err := c.Apply("kill_switch", "halt")
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = c.Apply("trading_mode", "shadow")
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = c.Apply("max_position_usd", "lots")
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = c.Apply("volume_knob", "11")
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestOnChangeFiresWithControlName(t *testing.T) {
	c := newTestControls()
	var mu sync.Mutex
	var changed []string
	c.OnChange(func(control string) {
		mu.Lock()
		changed = append(changed, control)
		mu.Unlock()
	})

	_, err := c.Apply("max_session_loss", "75")
	require.NoError(t, err)
	c.SetAllowedInstruments("btc")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"max_session_loss", "allowed_instruments"}, changed)
}

func TestTripSessionLossPausesOnly(t *testing.T) {
	c := newTestControls()
	esc := &escalationLog{}
	c.OnEscalate(esc.record)

	c.TripSessionLoss(d("-25.504"))
	assert.Equal(t, types.KillPause, c.KillLevel())
	require.Len(t, esc.reasons, 1)
	assert.Contains(t, esc.reasons[0], "-25.50")

	// Already flattened: the loss trip must not weaken it
	require.NoError(t, c.SetKillSwitch(types.KillFlatten, "operator"))
	c.TripSessionLoss(d("-30"))
	assert.Equal(t, types.KillFlatten, c.KillLevel())
}

func TestTripFatalFlattens(t *testing.T) {
	c := newTestControls()
	esc := &escalationLog{}
	c.OnEscalate(esc.record)

	c.TripFatal("intent log unwritable")
	assert.Equal(t, types.KillFlatten, c.KillLevel())
	require.Len(t, esc.reasons, 1)
	assert.Equal(t, "fatal: intent log unwritable", esc.reasons[0])
}

func TestViewSnapshot(t *testing.T) {
	c := newTestControls()
	c.SetAllowedInstruments("eth,btc")
	c.SetActiveStrategy("momentum")
	require.NoError(t, c.SetKillSwitch(types.KillPause, "lunch"))

	v := c.View()
	assert.Equal(t, types.KillPause, v.KillSwitch)
	assert.Equal(t, "lunch", v.KillReason)
	assert.False(t, v.KillChangedAt.IsZero())
	assert.Equal(t, types.ModePaper, v.TradingMode)
	assert.False(t, v.PendingLive)
	assert.Equal(t, "BTC,ETH", v.Instruments, "rendered sorted and upper-cased")
	assert.Equal(t, "*", v.Strategies)
	assert.Equal(t, "momentum", v.ActiveStrategy)
	assert.True(t, v.MaxPositionUSD.Equal(d("100")))
	assert.True(t, v.MaxSessionLoss.Equal(d("50")))
}
