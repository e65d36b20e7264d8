package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Wraps the CLOB order API. Reads retry on transport faults and 5xx; the
// order-placement path never auto-retries, because a retry after an
// ambiguous send is how you double-spend. Callers handle AMBIGUOUS_SUBMISSION
// by polling getOrder with the clientOrderId instead.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Client struct {
	read    *resty.Client // GET + DELETE, retry-enabled
	write   *resty.Client // POST /order, no retry
	limiter *rate.Limiter

	apiKey     string
	apiSecret  string
	passphrase string
}

// New builds a client against the configured CLOB endpoint. A single token
// bucket is shared by every caller, reads and writes alike.
func New(cfg *config.Config) *Client {
	c := &Client{
		limiter:    rate.NewLimiter(rate.Limit(cfg.ExchangeRateLimit), cfg.ExchangeBurst),
		apiKey:     cfg.ExchangeAPIKey,
		apiSecret:  cfg.ExchangeAPISecret,
		passphrase: cfg.ExchangePassphrase,
	}

	c.read = resty.New().
		SetBaseURL(cfg.ExchangeBaseURL).
		SetTimeout(cfg.ExchangeTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		OnBeforeRequest(c.throttle).
		OnBeforeRequest(c.sign)

	c.write = resty.New().
		SetBaseURL(cfg.ExchangeBaseURL).
		SetTimeout(cfg.ExchangeTimeout).
		OnBeforeRequest(c.throttle).
		OnBeforeRequest(c.sign)

	log.Info().
		Str("base_url", cfg.ExchangeBaseURL).
		Float64("rate_limit", cfg.ExchangeRateLimit).
		Msg("🔌 Exchange client initialized")

	return c
}

func (c *Client) throttle(_ *resty.Client, r *resty.Request) error {
	return c.limiter.Wait(r.Context())
}

func (c *Client) sign(_ *resty.Client, r *resty.Request) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	r.SetHeader("POLY_API_KEY", c.apiKey)
	r.SetHeader("POLY_TIMESTAMP", ts)
	r.SetHeader("POLY_PASSPHRASE", c.passphrase)
	if c.apiSecret != "" {
		path := r.URL
		if u, err := url.Parse(r.URL); err == nil {
			path = u.Path
		}
		mac := hmac.New(sha256.New, []byte(c.apiSecret))
		mac.Write([]byte(ts + r.Method + path))
		r.SetHeader("POLY_SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
	}
	return nil
}

// Wire shapes

type orderResponse struct {
	OrderID     string          `json:"orderId"`
	Status      string          `json:"status"`
	PriceFilled decimal.Decimal `json:"priceFilled"`
	Shares      decimal.Decimal `json:"shares"`
	Cost        decimal.Decimal `json:"cost"`
	Fee         decimal.Decimal `json:"fee"`
	Error       string          `json:"error"`
}

type pricesResponse struct {
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bidSize"`
	AskSize decimal.Decimal `json:"askSize"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// PlaceBuy submits a buy for `dollars` of a token. limit may be zero for a
// market order. clientOrderID carries the intent id for reconciliation.
func (c *Client) PlaceBuy(ctx context.Context, tokenID string, dollars, limit decimal.Decimal, typ types.OrderType, clientOrderID string) (*types.OrderAck, error) {
	return c.placeOrder(ctx, tokenID, types.SideBuy, dollars, limit, typ, clientOrderID)
}

// PlaceSell submits a sell for `shares` of a token.
func (c *Client) PlaceSell(ctx context.Context, tokenID string, shares, limit decimal.Decimal, typ types.OrderType, clientOrderID string) (*types.OrderAck, error) {
	return c.placeOrder(ctx, tokenID, types.SideSell, shares, limit, typ, clientOrderID)
}

func (c *Client) placeOrder(ctx context.Context, tokenID string, side types.Side, size, limit decimal.Decimal, typ types.OrderType, clientOrderID string) (*types.OrderAck, error) {
	payload := map[string]any{
		"tokenId":       tokenID,
		"side":          string(side),
		"size":          size.String(),
		"type":          string(typ),
		"clientOrderId": clientOrderID,
	}
	if !limit.IsZero() {
		payload["price"] = limit.String()
	}

	start := time.Now()
	resp, err := c.write.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post("/order")
	observe("place", start, err)
	if err != nil {
		return nil, classifySendFailure(err, clientOrderID)
	}
	if resp.StatusCode() >= 500 {
		// The exchange saw the request; whether the order exists is unknowable here.
		return nil, types.NewErrorf(types.ErrAmbiguousSubmission, "place returned HTTP %d", resp.StatusCode()).
			WithDetail("client_order_id", clientOrderID).
			WithDetail("body", string(resp.Body()))
	}
	if resp.StatusCode() >= 400 {
		return nil, types.NewErrorf(types.ErrSubmissionFailed, "place rejected: HTTP %d: %s", resp.StatusCode(), resp.Body())
	}

	var out orderResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		// 2xx with an unreadable body: the order may well exist.
		return nil, types.WrapError(types.ErrAmbiguousSubmission, "parse place response", err).
			WithDetail("client_order_id", clientOrderID)
	}
	if out.Error != "" {
		return nil, types.NewErrorf(types.ErrSubmissionFailed, "exchange error: %s", out.Error)
	}
	return ackFrom(&out, resp.Body()), nil
}

// Cancel removes a live order.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	start := time.Now()
	resp, err := c.read.R().SetContext(ctx).Delete("/order/" + orderID)
	observe("cancel", start, err)
	if err != nil {
		return types.WrapError(types.ErrSubmissionFailed, "cancel call failed", err)
	}
	if resp.StatusCode() >= 400 {
		return types.NewErrorf(types.ErrSubmissionFailed, "cancel rejected: HTTP %d: %s", resp.StatusCode(), resp.Body())
	}
	var out cancelResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return types.WrapError(types.ErrSubmissionFailed, "parse cancel response", err)
	}
	if !out.Success {
		return types.NewErrorf(types.ErrSubmissionFailed, "cancel unsuccessful: %s", out.Error)
	}
	return nil
}

// GetOrder fetches current exchange state for one order id. A 404 surfaces
// as NotFound, which the reconciler reads as "the exchange never saw it".
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OrderAck, error) {
	start := time.Now()
	resp, err := c.read.R().SetContext(ctx).Get("/order/" + orderID)
	observe("get_order", start, err)
	if err != nil {
		return nil, types.WrapError(types.ErrSubmissionFailed, "getOrder call failed", err)
	}
	if resp.StatusCode() == 404 {
		return nil, types.NewErrorf(types.ErrNotFound, "order %s not on exchange", orderID)
	}
	if resp.StatusCode() >= 400 {
		return nil, types.NewErrorf(types.ErrSubmissionFailed, "getOrder rejected: HTTP %d", resp.StatusCode())
	}
	var out orderResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, types.WrapError(types.ErrSubmissionFailed, "parse getOrder response", err)
	}
	return ackFrom(&out, resp.Body()), nil
}

// GetBestPrices fetches top-of-book for a token.
func (c *Client) GetBestPrices(ctx context.Context, tokenID string) (*types.BestPrices, error) {
	start := time.Now()
	resp, err := c.read.R().SetContext(ctx).Get("/prices/" + tokenID)
	observe("prices", start, err)
	if err != nil {
		return nil, types.WrapError(types.ErrSubmissionFailed, "prices call failed", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, types.NewErrorf(types.ErrSubmissionFailed, "prices rejected: HTTP %d", resp.StatusCode())
	}
	var out pricesResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, types.WrapError(types.ErrSubmissionFailed, "parse prices response", err)
	}
	bp := &types.BestPrices{
		Bid:     out.Bid,
		Ask:     out.Ask,
		BidSize: out.BidSize,
		AskSize: out.AskSize,
		Spread:  out.Ask.Sub(out.Bid),
		At:      time.Now().UTC(),
	}
	if !out.Bid.IsZero() || !out.Ask.IsZero() {
		bp.Mid = out.Bid.Add(out.Ask).Div(decimal.NewFromInt(2))
	}
	return bp, nil
}

// GetBalance fetches the available dollar balance.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	start := time.Now()
	resp, err := c.read.R().SetContext(ctx).Get("/balance")
	observe("balance", start, err)
	if err != nil {
		return decimal.Zero, types.WrapError(types.ErrSubmissionFailed, "balance call failed", err)
	}
	if resp.StatusCode() >= 400 {
		return decimal.Zero, types.NewErrorf(types.ErrSubmissionFailed, "balance rejected: HTTP %d", resp.StatusCode())
	}
	var out balanceResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return decimal.Zero, types.WrapError(types.ErrSubmissionFailed, "parse balance response", err)
	}
	return out.Balance, nil
}

func ackFrom(r *orderResponse, raw []byte) *types.OrderAck {
	return &types.OrderAck{
		OrderID:     r.OrderID,
		Status:      r.Status,
		PriceFilled: r.PriceFilled,
		Shares:      r.Shares,
		Cost:        r.Cost,
		Fee:         r.Fee,
		Raw:         string(raw),
	}
}

// classifySendFailure splits "never reached the exchange" from "sent but
// unacknowledged". Timeouts land in the second bucket and force the caller
// into confirmation polling.
func classifySendFailure(err error, clientOrderID string) error {
	ambiguous := errors.Is(err, context.DeadlineExceeded)
	if !ambiguous {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			ambiguous = true
		}
	}
	if ambiguous {
		return types.WrapError(types.ErrAmbiguousSubmission,
			fmt.Sprintf("place timed out after send (clientOrderId=%s)", clientOrderID), err).
			WithDetail("client_order_id", clientOrderID)
	}
	return types.WrapError(types.ErrSubmissionFailed, "place call failed before ack", err)
}
