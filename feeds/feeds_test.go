package feeds

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name    string
	updates []PriceUpdate
	stopped bool
}

func (s *stubSource) Name() string     { return s.name }
func (s *stubSource) Kind() SourceKind { return KindExchange }
func (s *stubSource) Stop()            { s.stopped = true }

func (s *stubSource) Start(out chan<- PriceUpdate) {
	for _, u := range s.updates {
		out <- u
	}
}

func TestAggregatorFanout(t *testing.T) {
	agg := NewAggregator()
	src := &stubSource{
		name: "stub",
		updates: []PriceUpdate{
			{Source: "stub", Kind: KindExchange, Symbol: "BTC", Price: d("50000"), At: time.Now()},
			{Source: "stub", Kind: KindExchange, Symbol: "BTC", Price: d("50001"), At: time.Now()},
			{Source: "stub", Kind: KindExchange, Symbol: "ETH", Price: d("3000"), At: time.Now()},
		},
	}
	agg.Register(src)

	subA := agg.Subscribe()
	subB := agg.Subscribe()

	agg.Start()
	defer agg.Stop()

	recvAll := func(ch <-chan PriceUpdate, n int) []PriceUpdate {
		var got []PriceUpdate
		deadline := time.After(2 * time.Second)
		for len(got) < n {
			select {
			case u := <-ch:
				got = append(got, u)
			case <-deadline:
				t.Fatalf("timed out after %d updates", len(got))
			}
		}
		return got
	}

	gotA := recvAll(subA, 3)
	gotB := recvAll(subB, 3)

	// Every subscriber sees every update, in arrival order
	for _, got := range [][]PriceUpdate{gotA, gotB} {
		require.Len(t, got, 3)
		assert.True(t, got[0].Price.Equal(d("50000")))
		assert.True(t, got[1].Price.Equal(d("50001")))
		assert.Equal(t, "ETH", got[2].Symbol)
	}
}

func TestAggregatorStopStopsSources(t *testing.T) {
	agg := NewAggregator()
	src := &stubSource{name: "stub"}
	agg.Register(src)

	agg.Start()
	agg.Stop()
	assert.True(t, src.stopped)

	// Second Stop is a no-op, not a panic
	agg.Stop()
}

func TestAggregatorEvictsOldestUnderPressure(t *testing.T) {
	agg := NewAggregator()
	sub := agg.Subscribe()

	// Overrun the subscriber buffer without draining; publish is synchronous
	// so afterwards the channel must hold the newest update.
	for i := 1; i <= 400; i++ {
		agg.publish(PriceUpdate{
			Source: "stub",
			Symbol: "BTC",
			Price:  d("100").Add(decimal.NewFromInt(int64(i))),
			At:     time.Now(),
		})
	}

	var got []PriceUpdate
drain:
	for {
		select {
		case u := <-sub:
			got = append(got, u)
		default:
			break drain
		}
	}

	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 256, "buffer bounds hold")
	last := got[len(got)-1]
	assert.True(t, last.Price.Equal(d("500")), "newest update survives eviction, got %s", last.Price)
}
