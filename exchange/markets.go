package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET CATALOG
// ═══════════════════════════════════════════════════════════════════════════════
//
// The CLOB trades outcome tokens by id; which token ids mean "BTC up, this
// window" is answered by the venue's metadata API. One event per window,
// addressed by slug:
//
//   {asset}-updown-{minutes}m-{epoch}   e.g. btc-updown-15m-1755000000
//
// The catalog resolves a (symbol, epoch) pair to the market id and the UP and
// DOWN token ids. Lookups are unauthenticated reads and retry on transport
// faults.
//
// ═══════════════════════════════════════════════════════════════════════════════

// WindowMarket is the venue-side identity of one binary window market.
type WindowMarket struct {
	Symbol      string
	Epoch       int64
	Slug        string
	MarketID    string
	ConditionID string
	UpToken     string
	DownToken   string
	Active      bool
	Closed      bool
	EndAt       time.Time
}

// Catalog looks up window markets on the metadata endpoint.
type Catalog struct {
	http          *resty.Client
	windowSeconds int64
}

// NewCatalog builds a catalog against the configured metadata endpoint.
func NewCatalog(cfg *config.Config) *Catalog {
	c := &Catalog{windowSeconds: cfg.WindowSeconds}
	c.http = resty.New().
		SetBaseURL(cfg.ExchangeDataURL).
		SetTimeout(cfg.ExchangeTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	log.Info().Str("data_url", cfg.ExchangeDataURL).Msg("🗂️ Market catalog initialized")
	return c
}

// Slug builds the venue slug for a symbol's window.
func (c *Catalog) Slug(symbol string, epoch int64) string {
	return fmt.Sprintf("%s-updown-%dm-%d", strings.ToLower(symbol), c.windowSeconds/60, epoch)
}

// Wire shapes

type eventResponse struct {
	ID      string           `json:"id"`
	Slug    string           `json:"slug"`
	Title   string           `json:"title"`
	Markets []marketResponse `json:"markets"`
}

type marketResponse struct {
	ID           string `json:"id"`
	ConditionID  string `json:"conditionId"`
	Question     string `json:"question"`
	Outcomes     string `json:"outcomes"`     // JSON-encoded array, e.g. ["Up","Down"]
	ClobTokenIDs string `json:"clobTokenIds"` // JSON-encoded array, same order as Outcomes
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	EndDate      string `json:"endDate"`
}

// WindowMarket resolves the market for one (symbol, epoch). A missing event
// surfaces as NotFound; windows are listed shortly before they open, so
// callers retry on that code rather than treating it as fatal.
func (c *Catalog) WindowMarket(ctx context.Context, symbol string, epoch int64) (*WindowMarket, error) {
	slug := c.Slug(symbol, epoch)

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		Get("/events")
	observe("markets", start, err)
	if err != nil {
		return nil, types.WrapError(types.ErrSubmissionFailed, "market lookup failed", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, types.NewErrorf(types.ErrSubmissionFailed, "market lookup rejected: HTTP %d", resp.StatusCode())
	}

	var events []eventResponse
	if err := json.Unmarshal(resp.Body(), &events); err != nil {
		return nil, types.WrapError(types.ErrSubmissionFailed, "parse market lookup response", err)
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return nil, types.NewErrorf(types.ErrNotFound, "no market listed for %s", slug)
	}

	mkt := events[0].Markets[0]
	up, down, err := outcomeTokens(mkt.Outcomes, mkt.ClobTokenIDs)
	if err != nil {
		return nil, types.WrapError(types.ErrSubmissionFailed, fmt.Sprintf("market %s for %s", mkt.ID, slug), err)
	}

	wm := &WindowMarket{
		Symbol:      strings.ToUpper(symbol),
		Epoch:       epoch,
		Slug:        slug,
		MarketID:    mkt.ID,
		ConditionID: mkt.ConditionID,
		UpToken:     up,
		DownToken:   down,
		Active:      mkt.Active,
		Closed:      mkt.Closed,
	}
	if mkt.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, mkt.EndDate); err == nil {
			wm.EndAt = t.UTC()
		}
	}

	log.Debug().
		Str("slug", slug).
		Str("market_id", wm.MarketID).
		Bool("active", wm.Active).
		Msg("🗂️ Window market resolved")
	return wm, nil
}

// outcomeTokens pairs the doubly-encoded outcome and token arrays. The venue
// does not promise label order, so tokens are matched by label rather than
// assumed UP-first.
func outcomeTokens(outcomesJSON, tokensJSON string) (up, down string, err error) {
	var outcomes, tokens []string
	if err := json.Unmarshal([]byte(outcomesJSON), &outcomes); err != nil {
		return "", "", fmt.Errorf("parse outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(tokensJSON), &tokens); err != nil {
		return "", "", fmt.Errorf("parse token ids: %w", err)
	}
	if len(outcomes) != 2 || len(tokens) != 2 {
		return "", "", fmt.Errorf("expected 2 outcomes, got %d outcomes and %d tokens", len(outcomes), len(tokens))
	}

	for i, label := range outcomes {
		switch {
		case strings.EqualFold(label, "Up"):
			up = tokens[i]
		case strings.EqualFold(label, "Down"):
			down = tokens[i]
		}
	}
	if up == "" || down == "" {
		return "", "", fmt.Errorf("outcomes %v are not an up/down pair", outcomes)
	}
	return up, down, nil
}
