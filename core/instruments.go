package core

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/updown/exchange"
	"github.com/web3guy0/updown/types"
)

// Instrument is the venue identity of one symbol's current window: which
// market and which outcome tokens a signal for that symbol trades right now.
type Instrument struct {
	Symbol      string    `json:"symbol"`
	WindowID    string    `json:"window_id"`
	Epoch       int64     `json:"epoch"`
	MarketID    string    `json:"market_id"`
	UpToken     string    `json:"up_token"`
	DownToken   string    `json:"down_token"`
	Slug        string    `json:"slug"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Instruments maps symbols to their current window market. Every window open
// triggers a refresh through the catalog; tick building reads the result.
type Instruments struct {
	mu       sync.RWMutex
	catalog  *exchange.Catalog
	bySymbol map[string]*Instrument

	retryInterval time.Duration
}

func NewInstruments(catalog *exchange.Catalog) *Instruments {
	return &Instruments{
		catalog:       catalog,
		bySymbol:      make(map[string]*Instrument),
		retryInterval: 2 * time.Second,
	}
}

// Refresh resolves the market for a symbol's window and stores it. Windows
// are often listed moments after they open, so NotFound retries on an
// interval until ctx expires; any other error is returned as-is.
func (i *Instruments) Refresh(ctx context.Context, symbol string, epoch int64, windowID string) error {
	symbol = strings.ToUpper(symbol)

	for {
		wm, err := i.catalog.WindowMarket(ctx, symbol, epoch)
		if err == nil {
			i.mu.Lock()
			i.bySymbol[symbol] = &Instrument{
				Symbol:      symbol,
				WindowID:    windowID,
				Epoch:       epoch,
				MarketID:    wm.MarketID,
				UpToken:     wm.UpToken,
				DownToken:   wm.DownToken,
				Slug:        wm.Slug,
				RefreshedAt: time.Now().UTC(),
			}
			i.mu.Unlock()

			instrumentRefreshes.WithLabelValues(symbol, "ok").Inc()
			log.Info().
				Str("symbol", symbol).
				Str("window", windowID).
				Str("market_id", wm.MarketID).
				Msg("🧩 Instrument refreshed")
			return nil
		}

		if !types.IsCode(err, types.ErrNotFound) {
			instrumentRefreshes.WithLabelValues(symbol, "error").Inc()
			return err
		}

		select {
		case <-ctx.Done():
			instrumentRefreshes.WithLabelValues(symbol, "timeout").Inc()
			return types.WrapError(types.ErrNotFound, "window market never listed: "+windowID, ctx.Err())
		case <-time.After(i.retryInterval):
		}
	}
}

// Get returns the instrument for a symbol when one is resolved.
func (i *Instruments) Get(symbol string) (Instrument, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	inst, ok := i.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return Instrument{}, false
	}
	return *inst, true
}

// All returns every resolved instrument, sorted by symbol.
func (i *Instruments) All() []Instrument {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]Instrument, 0, len(i.bySymbol))
	for _, inst := range i.bySymbol {
		out = append(out, *inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Symbol < out[b].Symbol })
	return out
}
