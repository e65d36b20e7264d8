package feeds

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AUXILIARY HTTP ORACLE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls a multi-symbol quote endpoint over HTTPS. Ranks second in
// reference-price resolution, behind the on-chain aggregator.
//
// ═══════════════════════════════════════════════════════════════════════════════

// HTTPOracle polls a pricemultifull-style endpoint at a fixed cadence.
type HTTPOracle struct {
	mu sync.Mutex

	url      string
	apiKey   string
	symbols  []string
	interval time.Duration

	http    *resty.Client
	running bool
	stopCh  chan struct{}
}

func NewHTTPOracle(url, apiKey string, symbols []string, interval time.Duration) *HTTPOracle {
	return &HTTPOracle{
		url:      url,
		apiKey:   apiKey,
		symbols:  symbols,
		interval: interval,
		http: resty.New().
			SetTimeout(4 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(250 * time.Millisecond),
		stopCh: make(chan struct{}),
	}
}

func (o *HTTPOracle) Name() string     { return "aux_oracle" }
func (o *HTTPOracle) Kind() SourceKind { return KindSecondaryOracle }

// Start begins polling.
func (o *HTTPOracle) Start(out chan<- PriceUpdate) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	go o.pollLoop(out)
	log.Info().Dur("interval", o.interval).Msg("🌐 Auxiliary oracle started")
}

// Stop stops the poll loop.
func (o *HTTPOracle) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	close(o.stopCh)
}

func (o *HTTPOracle) pollLoop(out chan<- PriceUpdate) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.fetch(out)

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.fetch(out)
		}
	}
}

func (o *HTTPOracle) fetch(out chan<- PriceUpdate) {
	req := o.http.R().
		SetQueryParam("fsyms", strings.Join(o.symbols, ",")).
		SetQueryParam("tsyms", "USD")
	if o.apiKey != "" {
		req.SetHeader("authorization", "Apikey "+o.apiKey)
	}

	resp, err := req.Get(o.url)
	if err != nil || resp.StatusCode() != 200 {
		log.Debug().Err(err).Msg("Auxiliary oracle fetch failed")
		return
	}

	var result struct {
		RAW map[string]struct {
			USD struct {
				PRICE float64 `json:"PRICE"`
			} `json:"USD"`
		} `json:"RAW"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		log.Debug().Err(err).Msg("Auxiliary oracle parse failed")
		return
	}

	now := time.Now().UTC()
	for _, symbol := range o.symbols {
		data, ok := result.RAW[symbol]
		if !ok || data.USD.PRICE <= 0 {
			continue
		}
		select {
		case out <- PriceUpdate{
			Source: o.Name(),
			Kind:   KindSecondaryOracle,
			Symbol: symbol,
			Price:  decimal.NewFromFloat(data.USD.PRICE),
			At:     now,
		}:
		case <-o.stopCh:
			return
		}
	}
}
