package window

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/refprice"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEpoch(t *testing.T) {
	base := time.Unix(1700000100, 0) // 1700000100 = 1888889*900
	assert.Equal(t, int64(1700000100), Epoch(base, 900))
	assert.Equal(t, int64(1700000100), Epoch(base.Add(14*time.Minute+59*time.Second), 900))
	assert.Equal(t, int64(1700001000), Epoch(base.Add(15*time.Minute), 900))
}

func TestIDAndParse(t *testing.T) {
	id := ID("BTC", 900, 1700000100)
	assert.Equal(t, "btc-15m-1700000100", id)

	symbol, epoch, ok := ParseID(id)
	require.True(t, ok)
	assert.Equal(t, "btc", symbol)
	assert.Equal(t, int64(1700000100), epoch)

	for _, bad := range []string{"", "nonsense", "btc-15m-xyz", "15m-123"} {
		_, _, ok := ParseID(bad)
		assert.False(t, ok, "ParseID(%q)", bad)
	}
}

// harness wires a manager to a real store and a resolver fed by hand.
// The manager clock is synthetic; resolver freshness is generous so test
// wall-clock time never expires an applied price.
type harness struct {
	mgr      *Manager
	db       *storage.Database
	resolver *refprice.Resolver
	now      time.Time

	opens []OpenEvent
	ends  []EndEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:       db,
		resolver: refprice.New(time.Hour, time.Hour),
		// 1770000300 is epoch-aligned; the synthetic clock starts 10s in
		now: time.Unix(1770000300, 0).UTC().Add(10 * time.Second),
	}
	h.mgr = New(db, h.resolver, []string{"BTC"}, 900, 10*time.Second)
	h.mgr.now = func() time.Time { return h.now }
	h.mgr.OnWindowOpen(func(ev OpenEvent) { h.opens = append(h.opens, ev) })
	h.mgr.OnWindowEnd(func(ev EndEvent) { h.ends = append(h.ends, ev) })
	return h
}

func (h *harness) feedPrimary(price string) {
	h.resolver.Apply(feeds.PriceUpdate{
		Source: "chainlink",
		Kind:   feeds.KindPrimaryOracle,
		Symbol: "BTC",
		Price:  d(price),
		At:     time.Now(),
	})
}

func TestOpenLocksStrike(t *testing.T) {
	h := newHarness(t)
	h.feedPrimary("50000")

	h.mgr.check()

	st, ok := h.mgr.Current("BTC")
	require.True(t, ok)
	assert.True(t, st.StrikeSet)
	assert.True(t, st.Strike.Equal(d("50000")))
	assert.Equal(t, refprice.RulePrimary, st.StrikeSource)
	require.Len(t, h.opens, 1)
	assert.Equal(t, st.WindowID, h.opens[0].WindowID)

	// Persisted too
	ev, err := h.db.GetWindowEvent(st.WindowID)
	require.NoError(t, err)
	require.True(t, ev.Strike.Valid)
	assert.True(t, ev.Strike.Decimal.Equal(d("50000")))
}

func TestStrikeWaitsForFirstPrice(t *testing.T) {
	h := newHarness(t)

	// No reference price yet: window opens unlocked
	h.mgr.check()
	st, ok := h.mgr.Current("BTC")
	require.True(t, ok)
	assert.False(t, st.StrikeSet)

	// NoteUpdate locks as soon as a price lands, off-cadence
	h.feedPrimary("50000")
	h.mgr.NoteUpdate("BTC")

	st, _ = h.mgr.Current("BTC")
	assert.True(t, st.StrikeSet)
	assert.True(t, st.Strike.Equal(d("50000")))
}

func TestBoundaryResolvesUp(t *testing.T) {
	h := newHarness(t)
	h.feedPrimary("50000")
	h.mgr.check()

	first, _ := h.mgr.Current("BTC")

	// Cross the boundary with the spot above the strike
	h.feedPrimary("50100")
	h.now = h.now.Add(900 * time.Second)
	h.mgr.check()

	require.Len(t, h.ends, 1)
	end := h.ends[0]
	assert.Equal(t, first.WindowID, end.WindowID)
	assert.Equal(t, types.DirectionUp, end.Outcome)
	assert.True(t, end.FinalSpot.Equal(d("50100")))
	assert.True(t, end.StrikeSet)

	ev, err := h.db.GetWindowEvent(first.WindowID)
	require.NoError(t, err)
	assert.Equal(t, types.DirectionUp, ev.Outcome)
	assert.True(t, ev.FinalSpot.Equal(d("50100")))
	require.NotNil(t, ev.ResolvedAt)

	// The next window is already tracked
	next, ok := h.mgr.Current("BTC")
	require.True(t, ok)
	assert.Equal(t, first.Epoch+900, next.Epoch)
	require.Len(t, h.opens, 2)
}

func TestBoundaryResolvesDown(t *testing.T) {
	h := newHarness(t)
	h.feedPrimary("50000")
	h.mgr.check()
	first, _ := h.mgr.Current("BTC")

	h.feedPrimary("49900")
	h.now = h.now.Add(900 * time.Second)
	h.mgr.check()

	require.Len(t, h.ends, 1)
	assert.Equal(t, types.DirectionDown, h.ends[0].Outcome)

	ev, err := h.db.GetWindowEvent(first.WindowID)
	require.NoError(t, err)
	assert.Equal(t, types.DirectionDown, ev.Outcome)
}

func TestEqualSpotResolvesUp(t *testing.T) {
	h := newHarness(t)
	h.feedPrimary("50000")
	h.mgr.check()
	first, _ := h.mgr.Current("BTC")

	// Final exactly at the strike counts as UP
	h.now = h.now.Add(900 * time.Second)
	h.mgr.check()

	ev, err := h.db.GetWindowEvent(first.WindowID)
	require.NoError(t, err)
	assert.Equal(t, types.DirectionUp, ev.Outcome)
}

func TestUnresolvableWindow(t *testing.T) {
	h := newHarness(t)

	// No prices at all: no strike, and the boundary cannot resolve
	h.mgr.check()
	first, _ := h.mgr.Current("BTC")

	h.now = h.now.Add(900 * time.Second)
	h.mgr.check()

	require.Len(t, h.ends, 1)
	end := h.ends[0]
	assert.False(t, end.StrikeSet)
	assert.Equal(t, types.Direction(""), end.Outcome)

	ev, err := h.db.GetWindowEvent(first.WindowID)
	require.NoError(t, err)
	assert.Nil(t, ev.ResolvedAt)
}

func TestChainOutcomeCaptured(t *testing.T) {
	h := newHarness(t)
	h.feedPrimary("50000")
	h.mgr.check()
	first, _ := h.mgr.Current("BTC")

	// Post-close oracle round lands above the strike
	h.feedPrimary("50200")
	h.now = h.now.Add(900 * time.Second)
	h.mgr.check()

	ev, err := h.db.GetWindowEvent(first.WindowID)
	require.NoError(t, err)
	assert.Equal(t, types.DirectionUp, ev.ChainOutcome)
}

func TestRestartReadoptsLockedStrike(t *testing.T) {
	h := newHarness(t)
	h.feedPrimary("50000")
	h.mgr.check()
	first, _ := h.mgr.Current("BTC")
	require.True(t, first.StrikeSet)

	// Fresh manager on the same store mid-window, with a different spot on
	// the feed. The stored strike wins; the new price must not rewrite it.
	again := New(h.db, h.resolver, []string{"BTC"}, 900, 10*time.Second)
	again.now = h.mgr.now
	h.feedPrimary("51000")
	again.check()

	st, ok := again.Current("BTC")
	require.True(t, ok)
	assert.True(t, st.StrikeSet)
	assert.True(t, st.Strike.Equal(d("50000")), "restart keeps the locked strike, got %s", st.Strike)
}

func TestTimeLeft(t *testing.T) {
	h := newHarness(t)
	h.feedPrimary("50000")
	h.mgr.check()

	// Window opened 10s into the epoch
	left := h.mgr.TimeLeft("BTC")
	assert.Equal(t, 890*time.Second, left)

	h.now = h.now.Add(2000 * time.Second)
	assert.Equal(t, time.Duration(0), h.mgr.TimeLeft("BTC"), "past the close it clamps to zero")
}
