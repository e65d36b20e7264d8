package feeds

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEED AGGREGATOR - One connection per source, one shared update stream
// ═══════════════════════════════════════════════════════════════════════════════

// SourceKind ranks a source for reference-price resolution.
type SourceKind string

const (
	KindPrimaryOracle   SourceKind = "primary_oracle"
	KindSecondaryOracle SourceKind = "secondary_oracle"
	KindExchange        SourceKind = "exchange"
)

// PriceUpdate is the normalized tick every source emits.
type PriceUpdate struct {
	Source string
	Kind   SourceKind
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// Source is one upstream price feed. Implementations own their connection
// and reconnect forever until Stop.
type Source interface {
	Name() string
	Kind() SourceKind
	Start(out chan<- PriceUpdate)
	Stop()
}

// Tick is the strategy-facing market snapshot, built once per interval per
// symbol from the resolved spot, the window state and the token books.
type Tick struct {
	Symbol    string
	Spot      decimal.Decimal
	WindowID  string
	Epoch     int64
	Strike    decimal.Decimal
	MarketID  string
	UpToken   string
	DownToken string
	UpBook    types.BestPrices
	DownBook  types.BestPrices
	ImpliedUp decimal.Decimal // UP probability implied by the UP book mid
	TimeLeft  time.Duration
	At        time.Time
}

// Aggregator fans updates from every registered source into subscriber
// channels. Ingestion is lossy under pressure: when a subscriber's buffer
// is full the oldest update is evicted so the newest wins, and the drop is
// counted.
type Aggregator struct {
	mu          sync.RWMutex
	sources     []Source
	intake      chan PriceUpdate
	subscribers []chan PriceUpdate
	stopCh      chan struct{}
	running     bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		intake: make(chan PriceUpdate, 1024),
		stopCh: make(chan struct{}),
	}
}

// Register adds a source. Call before Start.
func (a *Aggregator) Register(src Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, src)
}

// Subscribe returns a channel that receives every update.
func (a *Aggregator) Subscribe() <-chan PriceUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan PriceUpdate, 256)
	a.subscribers = append(a.subscribers, ch)
	return ch
}

// Start launches every source and the fan-out loop.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	sources := a.sources
	a.mu.Unlock()

	for _, src := range sources {
		src.Start(a.intake)
	}
	go a.fanout()

	log.Info().Int("sources", len(sources)).Msg("📡 Feed aggregator started")
}

// Stop stops all sources and the fan-out loop.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	sources := a.sources
	close(a.stopCh)
	a.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
	log.Info().Msg("Feed aggregator stopped")
}

func (a *Aggregator) fanout() {
	for {
		select {
		case <-a.stopCh:
			return
		case u := <-a.intake:
			feedUpdates.WithLabelValues(u.Source, u.Symbol).Inc()
			a.publish(u)
		}
	}
}

func (a *Aggregator) publish(u PriceUpdate) {
	a.mu.RLock()
	subs := a.subscribers
	a.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- u:
			continue
		default:
		}
		// Full: evict the oldest so the newest gets through.
		select {
		case <-ch:
			droppedUpdates.WithLabelValues(u.Source).Inc()
		default:
		}
		select {
		case ch <- u:
		default:
			droppedUpdates.WithLabelValues(u.Source).Inc()
		}
	}
}
