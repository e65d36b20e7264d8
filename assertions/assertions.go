// Package assertions is the runtime invariant registry. Components report
// violations of conditions that should never happen in a correct run (a
// locked strike being rewritten, a reported fill price outside token bounds,
// a sell fill with no matching position). Violations are counted per check,
// logged, exported as metrics and pushed to subscribers so the UI can show
// them; they never panic and never stop trading by themselves.
package assertions

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "updown_assertion_violations_total",
	Help: "Runtime invariant violations by check name",
}, []string{"check"})

// Violation is one check's aggregated record.
type Violation struct {
	Check   string    `json:"check"`
	Detail  string    `json:"detail"` // most recent occurrence
	Count   uint64    `json:"count"`
	FirstAt time.Time `json:"first_at"`
	LastAt  time.Time `json:"last_at"`
}

type Registry struct {
	mu     sync.RWMutex
	checks map[string]*Violation
	subs   []func(Violation)
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		checks: make(map[string]*Violation),
		now:    time.Now,
	}
}

// Subscribe registers a callback fired on every violation. Callbacks run on
// the reporting goroutine and must not block.
func (r *Registry) Subscribe(fn func(Violation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Fail records a violation of the named check.
func (r *Registry) Fail(check, format string, args ...any) {
	detail := fmt.Sprintf(format, args...)
	now := r.now().UTC()

	r.mu.Lock()
	v, ok := r.checks[check]
	if !ok {
		v = &Violation{Check: check, FirstAt: now}
		r.checks[check] = v
	}
	v.Count++
	v.Detail = detail
	v.LastAt = now
	snapshot := *v
	subs := r.subs
	r.mu.Unlock()

	violationsTotal.WithLabelValues(check).Inc()
	log.Warn().
		Str("check", check).
		Str("detail", detail).
		Uint64("count", snapshot.Count).
		Msg("🚨 Assertion violated")

	for _, fn := range subs {
		fn(snapshot)
	}
}

// Snapshot lists all checks that have fired, sorted by name.
func (r *Registry) Snapshot() []Violation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Violation, 0, len(r.checks))
	for _, v := range r.checks {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Check < out[j].Check })
	return out
}

// Total is the sum of all violation counts.
func (r *Registry) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n uint64
	for _, v := range r.checks {
		n += v.Count
	}
	return n
}

// Default is the process-wide registry. Package-level helpers mirror how the
// metrics in this codebase register against the default Prometheus registerer.
var Default = NewRegistry()

func Fail(check, format string, args ...any) { Default.Fail(check, format, args...) }
func Subscribe(fn func(Violation))           { Default.Subscribe(fn) }
func Snapshot() []Violation                  { return Default.Snapshot() }
