package strategy

import (
	"sync"

	"github.com/alitto/pond"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/updown/feeds"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY RUNNER - Tick dispatch and signal admission
// ═══════════════════════════════════════════════════════════════════════════════
//
// One lane per symbol keeps ticks of that symbol in arrival order; lanes
// conflate (newest tick wins) when evaluation falls behind. Evaluations fan
// out across strategies on a shared bounded pool; the lane waits for the
// whole fan-out before taking the next tick, so a strategy never sees symbol
// ticks out of order.
//
// Signals pass admission (not paused, instrument allowed, strategy allowed)
// and are handed to the registered handler. A BUSY result is dropped quietly;
// the strategy re-fires on the next tick if the setup still holds.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Gate answers admission questions for emitted signals. A nil gate admits
// everything.
type Gate interface {
	TradingPaused() bool
	InstrumentAllowed(symbol string) bool
	StrategyAllowed(name string) bool
}

// Handler receives admitted signals. Returning a BUSY-coded error tells the
// runner the signal was shed on backpressure.
type Handler func(sig *Signal) error

// Runner dispatches ticks into registered strategies.
type Runner struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	pool       *pond.WorkerPool
	strategies []Strategy
	lanes      map[string]chan feeds.Tick

	gate    Gate
	handler Handler
}

// NewRunner creates a runner with a bounded evaluation pool.
func NewRunner(poolSize, queueSize int, gate Gate, handler Handler) *Runner {
	if poolSize <= 0 {
		poolSize = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Runner{
		stopCh:  make(chan struct{}),
		pool:    pond.New(poolSize, queueSize, pond.MinWorkers(1)),
		lanes:   make(map[string]chan feeds.Tick),
		gate:    gate,
		handler: handler,
	}
}

// Register adds a strategy. Not safe after Start.
func (r *Runner) Register(strat Strategy) {
	r.strategies = append(r.strategies, strat)
	log.Info().Str("strategy", strat.Name()).Msg("🧠 Strategy registered")
}

// Strategies returns the registered strategies.
func (r *Runner) Strategies() []Strategy {
	return r.strategies
}

// Start marks the runner live.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	log.Info().Int("strategies", len(r.strategies)).Msg("🧠 Strategy runner started")
}

// Stop drains the pool and halts all lanes.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.pool.StopAndWait()
	log.Info().Msg("Strategy runner stopped")
}

// Dispatch queues a tick for evaluation. Never blocks: when the symbol's lane
// is occupied the older tick is replaced.
func (r *Runner) Dispatch(tick feeds.Tick) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	lane, ok := r.lanes[tick.Symbol]
	if !ok {
		lane = make(chan feeds.Tick, 1)
		r.lanes[tick.Symbol] = lane
		go r.laneLoop(lane)
	}
	r.mu.Unlock()

	ticksDispatched.WithLabelValues(tick.Symbol).Inc()

	select {
	case lane <- tick:
	default:
		select {
		case <-lane:
			ticksConflated.WithLabelValues(tick.Symbol).Inc()
		default:
		}
		select {
		case lane <- tick:
		default:
		}
	}
}

// laneLoop evaluates one symbol's ticks in order.
func (r *Runner) laneLoop(lane chan feeds.Tick) {
	for {
		select {
		case <-r.stopCh:
			return
		case tick := <-lane:
			r.evaluate(tick)
		}
	}
}

// evaluate fans the tick out to every enabled strategy and waits for all of
// them before returning control to the lane.
func (r *Runner) evaluate(tick feeds.Tick) {
	var wg sync.WaitGroup
	for _, strat := range r.strategies {
		if !strat.Enabled() {
			continue
		}
		st := strat
		wg.Add(1)
		submitted := r.pool.TrySubmit(func() {
			defer wg.Done()
			if sig := st.OnTick(tick); sig != nil {
				r.admit(sig)
			}
		})
		if !submitted {
			wg.Done()
			evalsDropped.WithLabelValues(st.Name()).Inc()
		}
	}
	wg.Wait()
}

// admit applies the gate and forwards the signal to the handler.
func (r *Runner) admit(sig *Signal) {
	if r.gate != nil {
		switch {
		case r.gate.TradingPaused():
			r.block(sig, "paused")
			return
		case !r.gate.InstrumentAllowed(sig.Symbol):
			r.block(sig, "instrument_not_allowed")
			return
		case !r.gate.StrategyAllowed(sig.Strategy):
			r.block(sig, "strategy_not_allowed")
			return
		}
	}

	if r.handler == nil {
		return
	}

	signalsEmitted.WithLabelValues(sig.Strategy).Inc()
	if err := r.handler(sig); err != nil {
		if types.IsCode(err, types.ErrBusy) {
			signalsBlocked.WithLabelValues(sig.Strategy, "busy").Inc()
			log.Debug().Str("strategy", sig.Strategy).Msg("Order manager busy, signal shed")
			return
		}
		log.Warn().
			Err(err).
			Str("strategy", sig.Strategy).
			Str("token", sig.TokenID).
			Msg("Signal execution failed")
	}
}

func (r *Runner) block(sig *Signal, reason string) {
	signalsBlocked.WithLabelValues(sig.Strategy, reason).Inc()
	log.Debug().
		Str("strategy", sig.Strategy).
		Str("symbol", sig.Symbol).
		Str("reason", reason).
		Msg("Signal blocked at admission")
}

// Stats exposes pool and per-strategy state for the API surface.
func (r *Runner) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"running_workers": r.pool.RunningWorkers(),
		"idle_workers":    r.pool.IdleWorkers(),
		"waiting_tasks":   r.pool.WaitingTasks(),
		"submitted_tasks": r.pool.SubmittedTasks(),
	}
	for _, s := range r.strategies {
		stats[s.Name()] = map[string]interface{}{
			"enabled": s.Enabled(),
			"config":  s.Config(),
		}
	}
	return stats
}
