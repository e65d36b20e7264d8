package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/updown/bot"
	"github.com/web3guy0/updown/controls"
	"github.com/web3guy0/updown/exchange"
	"github.com/web3guy0/updown/execution"
	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/position"
	"github.com/web3guy0/updown/refprice"
	"github.com/web3guy0/updown/server"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/strategy"
	"github.com/web3guy0/updown/types"
	"github.com/web3guy0/updown/wal"
	"github.com/web3guy0/updown/window"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Wiring and lifecycle
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns every component and the seams between them:
//
//   feeds → resolver → window manager (strike lock, window end)
//                    → tick builder → strategy runner → signal handler → orders
//   order fills → position manager → exits back through the order manager
//   controls → admission gate, kill-switch ladder, trading mode
//
// Startup replays the intent log before any signal can reach the order
// manager. Shutdown stops signal intake first and unplugs I/O last.
//
// ═══════════════════════════════════════════════════════════════════════════════

// instrumentRefreshBudget caps how long window-open market discovery retries.
// Past it the window trades blind: ticks skip the symbol until the next open.
const instrumentRefreshBudget = 90 * time.Second

type Engine struct {
	cfg *config.Config
	db  *storage.Database

	ctrl        *controls.Controls
	ex          *exchange.Client
	catalog     *exchange.Catalog
	instruments *Instruments

	intents   *wal.IntentLog
	exec      *execution.Manager
	recon     *execution.Reconciler
	positions *position.Manager

	agg      *feeds.Aggregator
	books    *feeds.BookWS
	resolver *refprice.Resolver
	windows  *window.Manager
	runner   *strategy.Runner

	srv *server.Server
	tg  *bot.Bot

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.RWMutex
	running    bool
	startedAt  time.Time
	lastSample map[string]time.Time
}

// New assembles the engine. Nothing runs until Start.
func New(cfg *config.Config, db *storage.Database) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		db:         db,
		stopCh:     make(chan struct{}),
		lastSample: make(map[string]time.Time),
	}

	// ====== CONTROL SURFACE ======
	e.ctrl = controls.New(cfg)

	// ====== EXCHANGE ======
	e.ex = exchange.New(cfg)
	e.catalog = exchange.NewCatalog(cfg)
	e.instruments = NewInstruments(e.catalog)

	// ====== ORDER PIPELINE ======
	e.intents = wal.New(db)
	e.exec = execution.New(cfg, db, e.intents, e.ex)
	e.recon = execution.NewReconciler(e.exec)

	// ====== POSITIONS ======
	// Exits go through the halt guard so an emergency stop freezes them too.
	e.positions = position.NewManager(cfg, db, &haltGuard{exec: e.exec, ctrl: e.ctrl})

	// ====== FEEDS ======
	e.agg = feeds.NewAggregator()
	e.agg.Register(feeds.NewChainlinkOracle(cfg.OracleRPCURL, cfg.Symbols, cfg.OraclePollInterval, cfg.OracleRPCTimeout))
	if cfg.AuxOracleURL != "" {
		e.agg.Register(feeds.NewHTTPOracle(cfg.AuxOracleURL, cfg.AuxOracleAPIKey, cfg.Symbols, cfg.AuxOraclePollInterval))
	}
	for name, url := range cfg.FeedSources {
		e.agg.Register(feeds.NewTickerWS(name, url, cfg.Symbols))
	}
	e.books = feeds.NewBookWS(cfg.ExchangeBookWSURL)
	e.resolver = refprice.New(cfg.OracleFreshness, cfg.ResolverMaxStale)

	// ====== WINDOWS ======
	e.windows = window.New(db, e.resolver, cfg.Symbols, cfg.WindowSeconds, cfg.WindowCheckInterval)

	// ====== STRATEGIES ======
	e.runner = strategy.NewRunner(cfg.StrategyPoolSize, cfg.StrategyQueueSize, e.ctrl, e.handleSignal)
	e.runner.Register(strategy.NewMomentum())
	e.runner.Register(strategy.NewBreakout())

	// ====== UI + OPERATOR ======
	e.srv = server.New(cfg, db, e.ctrl, e)
	tg, err := bot.New(cfg, e.ctrl, db, e.positions, e.ex)
	if err != nil {
		return nil, err
	}
	e.tg = tg

	e.wire()
	return e, nil
}

// wire connects the component seams. Registration order is load-bearing in
// two places: fills reach the position manager before anyone is notified,
// and same-window settlement runs before the orphan sweep.
func (e *Engine) wire() {
	e.exec.OnFill(e.positions.HandleFill)
	e.exec.OnFill(func(o *storage.Order) {
		e.srv.Emit("fill", fillView(o))
		e.tg.NotifyFill(o)
	})

	e.positions.OnClose(func(p *storage.Position) {
		e.tg.NotifyClose(p.Symbol, p.TokenSide, p.ExitReason, p.RealizedPnL)
	})
	e.positions.OnSessionLoss(e.ctrl.TripSessionLoss)

	e.ctrl.OnEscalate(func(level types.KillSwitch, reason string) {
		e.tg.NotifyKillSwitch(level, reason)
		e.srv.Emit("error", map[string]any{
			"kind":   "kill_switch",
			"level":  string(level),
			"reason": reason,
		})
		if level == types.KillFlatten {
			go e.flatten(reason)
		}
		if level == types.KillEmergency {
			go e.emergencyStop(reason)
		}
	})
	e.ctrl.OnChange(func(control string) {
		if control == "max_session_loss" {
			e.positions.SetSessionLossLimit(e.ctrl.MaxSessionLoss())
		}
	})

	e.windows.OnWindowOpen(func(ev window.OpenEvent) {
		e.srv.Emit("window", map[string]any{
			"phase":     "open",
			"symbol":    ev.Symbol,
			"window_id": ev.WindowID,
			"epoch":     ev.Epoch,
			"close_at":  ev.CloseTime,
		})
		go e.trackWindow(ev)
	})
	e.windows.OnWindowEnd(e.positions.HandleWindowEnd)
	e.windows.OnWindowEnd(func(ev window.EndEvent) {
		// Stragglers from earlier epochs. The window that just ended keeps
		// its exit orders working until the next boundary.
		e.positions.CloseOrphans(ev.Symbol, ev.Epoch)
		e.srv.Emit("window", map[string]any{
			"phase":      "end",
			"symbol":     ev.Symbol,
			"window_id":  ev.WindowID,
			"epoch":      ev.Epoch,
			"outcome":    string(ev.Outcome),
			"strike":     ev.Strike,
			"final_spot": ev.FinalSpot,
			"final_rule": ev.FinalRule,
		})
	})
}

// Start replays unfinished intents, recovers positions, then opens the tap.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.positions.SetContext(e.ctx)

	// Crash recovery strictly precedes trading: no signal is admitted until
	// every PENDING/EXECUTING intent from the previous run is terminal.
	if err := e.recon.Run(e.ctx); err != nil {
		return err
	}
	if _, err := e.positions.Recover(); err != nil {
		return err
	}

	e.agg.Start()
	e.books.Start()

	updates := e.agg.Subscribe()
	e.wg.Add(1)
	go e.feedLoop(updates)

	e.windows.Start()
	e.runner.Start()

	e.wg.Add(1)
	go e.tickLoop()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.recon.RunSweepLoop(e.ctx, e.cfg.UnknownSweepInterval)
	}()

	e.srv.Start()
	e.tg.Start()
	e.tg.NotifyStartup(e.ctrl.Mode(), e.cfg.Symbols)

	engineUp.WithLabelValues(string(e.ctrl.Mode())).Set(1)
	log.Info().
		Str("mode", string(e.ctrl.Mode())).
		Strs("symbols", e.cfg.Symbols).
		Msg("⚡ Engine started")
	return nil
}

// Stop shuts down in reverse dependency order: signal intake first, open
// I/O last. Open positions stay in storage and are recovered next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	log.Info().Msg("🛑 Engine stopping")

	// No new signals; waits out in-flight executions, which self-bound at
	// the confirmation poll budget.
	e.runner.Stop()
	e.windows.Stop()

	close(e.stopCh)
	e.agg.Stop()
	e.books.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		log.Warn().Msg("⏱️ Shutdown grace expired with loops still running")
	}

	e.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.srv.Stop(ctx)
	e.tg.Stop()

	engineUp.WithLabelValues(string(e.ctrl.Mode())).Set(0)
	log.Info().Msg("Engine stopped")
}

// feedLoop drains the aggregator into the resolver and nudges the window
// manager so a fresh window's strike locks on the first price rather than
// the next cadence check.
func (e *Engine) feedLoop(updates <-chan feeds.PriceUpdate) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			e.resolver.Apply(u)
			e.windows.NoteUpdate(u.Symbol)
		}
	}
}

// tickLoop composes one strategy tick per symbol per interval.
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickBuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			for _, symbol := range e.cfg.Symbols {
				tick, ok := e.buildTick(symbol)
				if !ok {
					continue
				}
				e.runner.Dispatch(tick)
				e.positions.OnTick(tick)
				e.sampleTick(tick)
			}
		}
	}
}

// buildTick joins the resolved spot, the window state and the token books
// into the snapshot strategies evaluate. Any missing ingredient skips the
// symbol this round.
func (e *Engine) buildTick(symbol string) (feeds.Tick, bool) {
	res, ok := e.resolver.Resolve(symbol)
	if !ok {
		tickSkips.WithLabelValues(symbol, "no_spot").Inc()
		return feeds.Tick{}, false
	}
	st, ok := e.windows.Current(symbol)
	if !ok {
		tickSkips.WithLabelValues(symbol, "no_window").Inc()
		return feeds.Tick{}, false
	}
	inst, ok := e.instruments.Get(symbol)
	if !ok || inst.Epoch != st.Epoch {
		tickSkips.WithLabelValues(symbol, "no_instrument").Inc()
		return feeds.Tick{}, false
	}

	tick := feeds.Tick{
		Symbol:    symbol,
		Spot:      res.Price,
		WindowID:  st.WindowID,
		Epoch:     st.Epoch,
		Strike:    st.Strike,
		MarketID:  inst.MarketID,
		UpToken:   inst.UpToken,
		DownToken: inst.DownToken,
		TimeLeft:  e.windows.TimeLeft(symbol),
		At:        time.Now().UTC(),
	}
	if bp, ok := e.books.Best(inst.UpToken); ok {
		tick.UpBook = bp
	}
	if bp, ok := e.books.Best(inst.DownToken); ok {
		tick.DownBook = bp
	}
	if tick.UpBook.Mid.IsPositive() {
		tick.ImpliedUp = tick.UpBook.Mid
	}

	ticksBuilt.WithLabelValues(symbol).Inc()
	return tick, true
}

// sampleTick persists at most one tick row per symbol per sample interval.
func (e *Engine) sampleTick(t feeds.Tick) {
	e.mu.Lock()
	if t.At.Sub(e.lastSample[t.Symbol]) < e.cfg.TickSampleInterval {
		e.mu.Unlock()
		return
	}
	e.lastSample[t.Symbol] = t.At
	e.mu.Unlock()

	row := &storage.Tick{
		Symbol:   t.Symbol,
		WindowID: t.WindowID,
		Spot:     t.Spot,
		UpBid:    t.UpBook.Bid,
		UpAsk:    t.UpBook.Ask,
		DownBid:  t.DownBook.Bid,
		DownAsk:  t.DownBook.Ask,
		UpProb:   t.ImpliedUp,
		TimeLeft: int64(t.TimeLeft.Seconds()),
		At:       t.At,
	}
	if err := e.db.SaveTick(row); err != nil {
		log.Debug().Err(err).Str("symbol", t.Symbol).Msg("Tick sample not saved")
	}
}

// handleSignal is the runner's admitted-signal sink: position-level checks,
// then the order manager in the current mode.
func (e *Engine) handleSignal(sig *strategy.Signal) error {
	if sig.Side == types.SideBuy {
		if ok, reason := e.positions.CheckOpposite(sig); !ok {
			signalsHandled.WithLabelValues(sig.Strategy, reason).Inc()
			log.Debug().
				Str("strategy", sig.Strategy).
				Str("symbol", sig.Symbol).
				Str("reason", reason).
				Msg("Signal blocked by held position")
			return nil
		}
		if _, epoch, ok := window.ParseID(sig.WindowID); ok {
			basis := e.positions.CostBasisFor(sig.Symbol, epoch, sig.TokenSide)
			if basis.Add(sig.Size).GreaterThan(e.ctrl.MaxPositionUSD()) {
				signalsHandled.WithLabelValues(sig.Strategy, "position_ceiling").Inc()
				log.Debug().
					Str("symbol", sig.Symbol).
					Str("basis", basis.String()).
					Str("size", sig.Size.String()).
					Msg("Signal blocked by position ceiling")
				return nil
			}
		}
	}

	e.srv.Emit("signal", signalView(sig))

	res, err := e.exec.Execute(e.ctx, sig, e.ctrl.Mode())
	if err != nil {
		if types.IsCode(err, types.ErrFatal) {
			e.ctrl.TripFatal(err.Error())
		}
		if !types.IsCode(err, types.ErrBusy) {
			signalsHandled.WithLabelValues(sig.Strategy, "error").Inc()
		}
		return err
	}

	signalsHandled.WithLabelValues(sig.Strategy, "executed").Inc()
	e.srv.Emit("order", res)
	return nil
}

// trackWindow resolves the venue market for a fresh window and repoints the
// book stream at its tokens.
func (e *Engine) trackWindow(ev window.OpenEvent) {
	prev, hadPrev := e.instruments.Get(ev.Symbol)

	ctx, cancel := context.WithTimeout(e.ctx, instrumentRefreshBudget)
	defer cancel()
	if err := e.instruments.Refresh(ctx, ev.Symbol, ev.Epoch, ev.WindowID); err != nil {
		log.Error().Err(err).Str("window", ev.WindowID).Msg("💥 Window market discovery failed")
		return
	}

	inst, _ := e.instruments.Get(ev.Symbol)
	e.books.Track(inst.MarketID, inst.UpToken, inst.DownToken)
	if hadPrev && prev.MarketID != "" && prev.MarketID != inst.MarketID {
		e.books.Untrack(prev.MarketID)
	}
}

// flatten cancels everything resting and market-exits every open position.
func (e *Engine) flatten(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelled, failed := e.exec.CancelAll(ctx)
	closing := e.positions.ForceCloseAll(reason)
	log.Warn().
		Int("cancelled", cancelled).
		Int("cancel_failed", failed).
		Int("closing", closing).
		Str("reason", reason).
		Msg("🚨 Flatten executed")
}

// emergencyStop cancels resting orders and freezes all placement, exits
// included. Positions are left as they stand for the operator.
func (e *Engine) emergencyStop(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelled, failed := e.exec.CancelAll(ctx)
	log.Error().
		Int("cancelled", cancelled).
		Int("cancel_failed", failed).
		Str("reason", reason).
		Msg("🚨 EMERGENCY STOP: order placement frozen")
}

// haltGuard sits between the position manager and the order manager. Exits
// keep flowing through pause and flatten; emergency refuses everything.
type haltGuard struct {
	exec *execution.Manager
	ctrl *controls.Controls
}

func (g *haltGuard) Execute(ctx context.Context, sig *strategy.Signal, mode types.Mode) (*execution.Result, error) {
	if g.ctrl.KillLevel() == types.KillEmergency {
		return nil, types.NewError(types.ErrValidation, "emergency stop active, order placement frozen")
	}
	return g.exec.Execute(ctx, sig, mode)
}
