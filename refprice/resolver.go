package refprice

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/feeds"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REFERENCE-PRICE RESOLVER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per symbol, keeps the latest (price, timestamp) from every source and
// resolves the oracle-aligned reference price by priority:
//
//   primary oracle (fresh) > secondary oracle (fresh)
//     > median of fresh exchanges (needs ≥ 2) > last resolved value
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	RulePrimary      = "primary_oracle"
	RuleSecondary    = "secondary_oracle"
	RuleMedian       = "exchange_median"
	RuleLastResolved = "last_resolved"
)

var (
	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_refprice_resolutions_total",
		Help: "Reference-price resolutions by symbol and winning rule.",
	}, []string{"symbol", "rule"})

	sourceSpread = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "updown_refprice_spread",
		Help: "Max-min spread across sources per symbol, for feed health.",
	}, []string{"symbol"})
)

type snapshot struct {
	price decimal.Decimal
	at    time.Time
	kind  feeds.SourceKind
}

// Resolved is one reference-price resolution.
type Resolved struct {
	Symbol string
	Price  decimal.Decimal
	Rule   string
	Source string // winning source name, or the rule for synthetic values
	At     time.Time
}

// Resolver consumes the aggregator stream and answers "what is the
// oracle-aligned price right now".
type Resolver struct {
	mu        sync.Mutex
	freshness time.Duration
	maxStale  time.Duration
	snapshots map[string]map[string]snapshot // symbol -> source -> latest
	resolved  map[string]Resolved

	now func() time.Time
}

func New(freshness, maxStale time.Duration) *Resolver {
	return &Resolver{
		freshness: freshness,
		maxStale:  maxStale,
		snapshots: make(map[string]map[string]snapshot),
		resolved:  make(map[string]Resolved),
		now:       time.Now,
	}
}

// Apply records one update. Out-of-order updates from the same source are
// ignored so a delayed message cannot roll a source backwards.
func (r *Resolver) Apply(u feeds.PriceUpdate) {
	if u.Price.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bySource, ok := r.snapshots[u.Symbol]
	if !ok {
		bySource = make(map[string]snapshot)
		r.snapshots[u.Symbol] = bySource
	}
	if prev, ok := bySource[u.Source]; ok && u.At.Before(prev.at) {
		return
	}
	bySource[u.Source] = snapshot{price: u.Price, at: u.At, kind: u.Kind}
}

// Consume drains an aggregator subscription until it closes or stopCh fires.
func (r *Resolver) Consume(updates <-chan feeds.PriceUpdate, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			r.Apply(u)
		}
	}
}

// Resolve returns the current reference price for a symbol. The boolean is
// false only when no rule can produce a value.
func (r *Resolver) Resolve(symbol string) (Resolved, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bySource := r.snapshots[symbol]

	if name, snap, ok := freshest(bySource, feeds.KindPrimaryOracle, now, r.freshness); ok {
		return r.commit(Resolved{Symbol: symbol, Price: snap.price, Rule: RulePrimary, Source: name, At: snap.at})
	}
	if name, snap, ok := freshest(bySource, feeds.KindSecondaryOracle, now, r.freshness); ok {
		return r.commit(Resolved{Symbol: symbol, Price: snap.price, Rule: RuleSecondary, Source: name, At: snap.at})
	}

	var exchanges []decimal.Decimal
	var latest time.Time
	for _, snap := range bySource {
		if snap.kind != feeds.KindExchange || now.Sub(snap.at) > r.freshness {
			continue
		}
		exchanges = append(exchanges, snap.price)
		if snap.at.After(latest) {
			latest = snap.at
		}
	}
	if len(exchanges) >= 2 {
		return r.commit(Resolved{Symbol: symbol, Price: median(exchanges), Rule: RuleMedian, Source: RuleMedian, At: latest})
	}

	if last, ok := r.resolved[symbol]; ok && now.Sub(last.At) <= r.maxStale {
		resolutions.WithLabelValues(symbol, RuleLastResolved).Inc()
		out := last
		out.Rule = RuleLastResolved
		return out, true
	}
	return Resolved{}, false
}

func (r *Resolver) commit(res Resolved) (Resolved, bool) {
	r.resolved[res.Symbol] = res
	resolutions.WithLabelValues(res.Symbol, res.Rule).Inc()
	return res, true
}

// Last returns the most recent committed resolution without re-running the
// fallback chain. Display surfaces read this so polling cannot inflate the
// resolution counters.
func (r *Resolver) Last(symbol string) (Resolved, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.resolved[symbol]
	return last, ok
}

// PrimaryPrice returns the fresh primary-oracle price when one exists,
// bypassing the fallback chain. Window resolution audits use this.
func (r *Resolver) PrimaryPrice(symbol string) (decimal.Decimal, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, snap, ok := freshest(r.snapshots[symbol], feeds.KindPrimaryOracle, r.now(), r.freshness)
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return snap.price, snap.at, true
}

// Spread reports max-min across every source this symbol has heard from,
// and updates the feed-health gauge.
func (r *Resolver) Spread(symbol string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()

	var min, max decimal.Decimal
	first := true
	for _, snap := range r.snapshots[symbol] {
		if first {
			min, max = snap.price, snap.price
			first = false
			continue
		}
		if snap.price.LessThan(min) {
			min = snap.price
		}
		if snap.price.GreaterThan(max) {
			max = snap.price
		}
	}
	if first {
		return decimal.Zero
	}
	spread := max.Sub(min)
	f, _ := spread.Float64()
	sourceSpread.WithLabelValues(symbol).Set(f)
	return spread
}

// SourceAges reports how long ago each source last spoke, for /health.
func (r *Resolver) SourceAges(symbol string) map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make(map[string]time.Duration, len(r.snapshots[symbol]))
	for name, snap := range r.snapshots[symbol] {
		out[name] = now.Sub(snap.at)
	}
	return out
}

func freshest(bySource map[string]snapshot, kind feeds.SourceKind, now time.Time, threshold time.Duration) (string, snapshot, bool) {
	var bestName string
	var best snapshot
	found := false
	for name, snap := range bySource {
		if snap.kind != kind || now.Sub(snap.at) > threshold {
			continue
		}
		if !found || snap.at.After(best.at) {
			bestName, best, found = name, snap, true
		}
	}
	return bestName, best, found
}

func median(prices []decimal.Decimal) decimal.Decimal {
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	n := len(prices)
	if n%2 == 1 {
		return prices[n/2]
	}
	return prices[n/2-1].Add(prices[n/2]).Div(decimal.NewFromInt(2))
}
