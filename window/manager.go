package window

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/assertions"
	"github.com/web3guy0/updown/refprice"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOW MANAGER - 15-minute window lifecycle
// ═══════════════════════════════════════════════════════════════════════════════
//
// Windows are synthetic: epoch = ⌊now/windowSeconds⌋·windowSeconds, one window
// per symbol per epoch, id "{symbol}-15m-{epoch}". The manager:
//
//   - opens the current window for every tracked symbol
//   - freezes the strike at the first resolvable reference price after open
//   - detects the boundary on a 10s cadence and resolves the closing window
//     (outcome = finalSpot >= strike ? UP : DOWN)
//   - records the on-chain direction once the primary oracle reports a
//     post-close round
//
// It is the only writer of window_close_events rows.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	windowsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_windows_opened_total",
		Help: "Windows opened per symbol",
	}, []string{"symbol"})

	windowsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_windows_resolved_total",
		Help: "Windows resolved per symbol and outcome",
	}, []string{"symbol", "outcome"})

	strikeLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_strike_locks_total",
		Help: "Strike locks per symbol and reference-price rule",
	}, []string{"symbol", "rule"})

	windowTimeLeft = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "updown_window_time_left_seconds",
		Help: "Seconds until the current window closes",
	}, []string{"symbol"})
)

// Epoch returns the window-aligned epoch containing t.
func Epoch(t time.Time, windowSeconds int64) int64 {
	return t.Unix() / windowSeconds * windowSeconds
}

// ID builds the canonical window id, e.g. "btc-15m-1755000000".
func ID(symbol string, windowSeconds, epoch int64) string {
	return fmt.Sprintf("%s-%dm-%d", strings.ToLower(symbol), windowSeconds/60, epoch)
}

// ParseID splits a window id back into its lowercased symbol and epoch.
func ParseID(windowID string) (symbol string, epoch int64, ok bool) {
	i := strings.LastIndexByte(windowID, '-')
	if i < 0 {
		return "", 0, false
	}
	e, err := strconv.ParseInt(windowID[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	j := strings.LastIndexByte(windowID[:i], '-')
	if j < 0 {
		return "", 0, false
	}
	return windowID[:j], e, true
}

// State is the tracked view of one symbol's current window.
type State struct {
	Symbol       string
	Epoch        int64
	WindowID     string
	OpenTime     time.Time
	CloseTime    time.Time
	Strike       decimal.Decimal
	StrikeSource string
	StrikeAt     time.Time
	StrikeSet    bool

	lockInFlight bool
}

// OpenEvent is delivered when a new window starts.
type OpenEvent struct {
	Symbol    string
	Epoch     int64
	WindowID  string
	OpenTime  time.Time
	CloseTime time.Time
}

// EndEvent is delivered when a window crosses its boundary. Outcome is empty
// when the window could not be resolved (no strike or no final price).
type EndEvent struct {
	Symbol    string
	Epoch     int64
	WindowID  string
	Strike    decimal.Decimal
	StrikeSet bool
	FinalSpot decimal.Decimal
	FinalRule string
	Outcome   types.Direction
}

// OpenHandler observes window opens.
type OpenHandler func(ev OpenEvent)

// EndHandler observes window closes. Handlers run on the manager goroutine in
// registration order; position force-close registers before orphan cleanup.
type EndHandler func(ev EndEvent)

// pendingChain tracks a closed window awaiting a post-close oracle round.
type pendingChain struct {
	symbol    string
	strike    decimal.Decimal
	closeTime time.Time
	deadline  time.Time
}

// Manager drives window lifecycle for all tracked symbols.
type Manager struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	db       *storage.Database
	resolver *refprice.Resolver

	symbols       []string
	windowSeconds int64
	checkInterval time.Duration

	current map[string]*State
	chain   map[string]pendingChain

	onOpen []OpenHandler
	onEnd  []EndHandler

	now func() time.Time
}

// New creates a window manager for the given symbols.
func New(db *storage.Database, resolver *refprice.Resolver, symbols []string, windowSeconds int64, checkInterval time.Duration) *Manager {
	return &Manager{
		stopCh:        make(chan struct{}),
		db:            db,
		resolver:      resolver,
		symbols:       symbols,
		windowSeconds: windowSeconds,
		checkInterval: checkInterval,
		current:       make(map[string]*State),
		chain:         make(map[string]pendingChain),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// OnWindowOpen registers an open handler. Not safe after Start.
func (m *Manager) OnWindowOpen(h OpenHandler) {
	m.onOpen = append(m.onOpen, h)
}

// OnWindowEnd registers an end handler. Not safe after Start.
func (m *Manager) OnWindowEnd(h EndHandler) {
	m.onEnd = append(m.onEnd, h)
}

// Start opens the current windows and begins boundary checks.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.check()
	go m.checkLoop()
	log.Info().Int("symbols", len(m.symbols)).Msg("🗓️ Window manager started")
}

// Stop halts boundary checks. Open windows stay open in storage.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("Window manager stopped")
}

// Current returns a copy of the symbol's tracked window.
func (m *Manager) Current(symbol string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.current[symbol]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// TimeLeft returns the duration until the symbol's window closes.
func (m *Manager) TimeLeft(symbol string) time.Duration {
	m.mu.RLock()
	st, ok := m.current[symbol]
	m.mu.RUnlock()

	if !ok {
		return 0
	}
	left := st.CloseTime.Sub(m.now())
	if left < 0 {
		return 0
	}
	return left
}

// NoteUpdate gives the manager a chance to freeze the strike as soon as the
// first reference price of a new window lands, rather than waiting for the
// next cadence check. Call after feeding the resolver.
func (m *Manager) NoteUpdate(symbol string) {
	m.mu.RLock()
	st, ok := m.current[symbol]
	locked := ok && st.StrikeSet
	m.mu.RUnlock()

	if !ok || locked {
		return
	}
	m.tryLockStrike(symbol)
}

func (m *Manager) checkLoop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check rolls every symbol forward to the epoch containing now.
func (m *Manager) check() {
	now := m.now()
	epoch := Epoch(now, m.windowSeconds)

	for _, symbol := range m.symbols {
		m.mu.RLock()
		st := m.current[symbol]
		m.mu.RUnlock()

		switch {
		case st == nil:
			m.open(symbol, epoch)
		case st.Epoch != epoch:
			m.end(*st, now)
			m.open(symbol, epoch)
		case !st.StrikeSet:
			m.tryLockStrike(symbol)
		}

		windowTimeLeft.WithLabelValues(symbol).Set(m.TimeLeft(symbol).Seconds())
	}

	m.captureChainOutcomes(now)
}

// open creates (or re-adopts after restart) the window for (symbol, epoch).
func (m *Manager) open(symbol string, epoch int64) {
	windowID := ID(symbol, m.windowSeconds, epoch)
	ev := storage.WindowEvent{
		WindowID:  windowID,
		Symbol:    symbol,
		Epoch:     epoch,
		OpenTime:  time.Unix(epoch, 0).UTC(),
		CloseTime: time.Unix(epoch+m.windowSeconds, 0).UTC(),
	}
	if err := m.db.OpenWindowEvent(&ev); err != nil {
		log.Error().Err(err).Str("window", windowID).Msg("Failed to open window event")
	}

	st := &State{
		Symbol:    symbol,
		Epoch:     epoch,
		WindowID:  windowID,
		OpenTime:  ev.OpenTime,
		CloseTime: ev.CloseTime,
	}
	// OpenWindowEvent loads the existing row when one is already there, so a
	// restart mid-window picks the locked strike back up.
	if ev.Strike.Valid {
		st.Strike = ev.Strike.Decimal
		st.StrikeSource = ev.StrikeSource
		if ev.StrikeAt != nil {
			st.StrikeAt = *ev.StrikeAt
		}
		st.StrikeSet = true
	}

	m.mu.Lock()
	m.current[symbol] = st
	m.mu.Unlock()

	windowsOpened.WithLabelValues(symbol).Inc()
	log.Info().
		Str("window", windowID).
		Time("close", st.CloseTime).
		Bool("strike_set", st.StrikeSet).
		Msg("🎯 Window opened")

	for _, h := range m.onOpen {
		h(OpenEvent{
			Symbol:    symbol,
			Epoch:     epoch,
			WindowID:  windowID,
			OpenTime:  st.OpenTime,
			CloseTime: st.CloseTime,
		})
	}

	if !st.StrikeSet {
		m.tryLockStrike(symbol)
	}
}

// tryLockStrike freezes the strike at the current reference price. The strike
// is immutable once set: the conditional write in LockStrike refuses a second
// lock, and a refusal means another writer (a previous run) got there first.
func (m *Manager) tryLockStrike(symbol string) {
	m.mu.Lock()
	st, ok := m.current[symbol]
	if !ok || st.StrikeSet || st.lockInFlight {
		m.mu.Unlock()
		return
	}
	st.lockInFlight = true
	windowID := st.WindowID
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if cur, ok := m.current[symbol]; ok && cur.WindowID == windowID {
			cur.lockInFlight = false
		}
		m.mu.Unlock()
	}()

	res, ok := m.resolver.Resolve(symbol)
	if !ok {
		return
	}

	locked, err := m.db.LockStrike(windowID, res.Price, res.Rule, res.At)
	if err != nil {
		log.Error().Err(err).Str("window", windowID).Msg("Strike lock write failed")
		return
	}
	if !locked {
		// Row already carries a strike; adopt it instead of ours. Within one
		// run the StrikeSet guard makes this unreachable, so losing the
		// conditional write means another writer is live on our window.
		assertions.Fail("window.strike_immutable",
			"window %s already locked, kept stored strike over %s (%s)",
			windowID, res.Price, res.Rule)
		ev, err := m.db.GetWindowEvent(windowID)
		if err != nil || !ev.Strike.Valid {
			return
		}
		res.Price = ev.Strike.Decimal
		res.Rule = ev.StrikeSource
		if ev.StrikeAt != nil {
			res.At = *ev.StrikeAt
		}
	}

	m.mu.Lock()
	if cur, ok := m.current[symbol]; ok && cur.WindowID == windowID {
		cur.Strike = res.Price
		cur.StrikeSource = res.Rule
		cur.StrikeAt = res.At
		cur.StrikeSet = true
	}
	m.mu.Unlock()

	strikeLocks.WithLabelValues(symbol, res.Rule).Inc()
	log.Info().
		Str("window", windowID).
		Str("strike", res.Price.String()).
		Str("source", res.Rule).
		Msg("🔒 Strike locked")
}

// end resolves a window that has crossed its boundary and notifies handlers.
func (m *Manager) end(st State, now time.Time) {
	var (
		outcome   types.Direction
		finalSpot decimal.Decimal
		finalRule string
	)

	res, ok := m.resolver.Resolve(st.Symbol)
	if ok {
		finalSpot = res.Price
		finalRule = res.Rule
	}

	if st.StrikeSet && ok {
		if finalSpot.GreaterThanOrEqual(st.Strike) {
			outcome = types.DirectionUp
		} else {
			outcome = types.DirectionDown
		}
		if err := m.db.ResolveWindow(st.WindowID, outcome, finalSpot, now); err != nil {
			log.Error().Err(err).Str("window", st.WindowID).Msg("Failed to persist window resolution")
		}
		windowsResolved.WithLabelValues(st.Symbol, strings.ToLower(string(outcome))).Inc()
		log.Info().
			Str("window", st.WindowID).
			Str("strike", st.Strike.String()).
			Str("final", finalSpot.String()).
			Str("rule", finalRule).
			Str("outcome", string(outcome)).
			Msg("🏁 Window resolved")

		m.mu.Lock()
		m.chain[st.WindowID] = pendingChain{
			symbol:    st.Symbol,
			strike:    st.Strike,
			closeTime: st.CloseTime,
			deadline:  now.Add(2 * time.Minute),
		}
		m.mu.Unlock()
	} else {
		windowsResolved.WithLabelValues(st.Symbol, "unresolved").Inc()
		log.Warn().
			Str("window", st.WindowID).
			Bool("strike_set", st.StrikeSet).
			Bool("spot_available", ok).
			Msg("Window closed without resolution")
	}

	for _, h := range m.onEnd {
		h(EndEvent{
			Symbol:    st.Symbol,
			Epoch:     st.Epoch,
			WindowID:  st.WindowID,
			Strike:    st.Strike,
			StrikeSet: st.StrikeSet,
			FinalSpot: finalSpot,
			FinalRule: finalRule,
			Outcome:   outcome,
		})
	}
}

// captureChainOutcomes records the primary oracle's first post-close answer
// for recently resolved windows. Gives up after the deadline.
func (m *Manager) captureChainOutcomes(now time.Time) {
	m.mu.Lock()
	pending := make(map[string]pendingChain, len(m.chain))
	for id, p := range m.chain {
		pending[id] = p
	}
	m.mu.Unlock()

	for windowID, p := range pending {
		price, at, ok := m.resolver.PrimaryPrice(p.symbol)
		if ok && !at.Before(p.closeTime) {
			dir := types.DirectionDown
			if price.GreaterThanOrEqual(p.strike) {
				dir = types.DirectionUp
			}
			if err := m.db.SetChainOutcome(windowID, dir); err != nil {
				log.Error().Err(err).Str("window", windowID).Msg("Failed to record chain outcome")
			} else {
				log.Info().
					Str("window", windowID).
					Str("outcome", string(dir)).
					Msg("⛓️ On-chain outcome recorded")
			}
			m.mu.Lock()
			delete(m.chain, windowID)
			m.mu.Unlock()
			continue
		}

		if now.After(p.deadline) {
			log.Debug().Str("window", windowID).Msg("No post-close oracle round, giving up")
			m.mu.Lock()
			delete(m.chain, windowID)
			m.mu.Unlock()
		}
	}
}
