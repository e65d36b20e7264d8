package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN BOOK FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Maintains in-memory books for the outcome tokens of tracked markets. The
// tick builder reads top-of-book from here; the simulated fill path uses it
// before falling back to the REST prices endpoint.
//
// ═══════════════════════════════════════════════════════════════════════════════

// BookWS manages the market-channel WebSocket and per-token book state.
type BookWS struct {
	mu sync.RWMutex

	url       string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	// market -> token ids, resubscribed after every reconnect
	markets map[string][]string

	// token id -> book
	orderbooks map[string]*Orderbook
}

func NewBookWS(url string) *BookWS {
	return &BookWS{
		url:        url,
		stopCh:     make(chan struct{}),
		markets:    make(map[string][]string),
		orderbooks: make(map[string]*Orderbook),
	}
}

// Start connects and begins processing.
func (f *BookWS) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📚 Book feed started")
}

// Stop closes the connection.
func (f *BookWS) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Book feed stopped")
}

// Track subscribes to a market's book channel for the given tokens. Called
// as each window's instrument is discovered.
func (f *BookWS) Track(market string, tokenIDs ...string) {
	f.mu.Lock()
	f.markets[market] = tokenIDs
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.subscribeMarket(conn, market, tokenIDs)
	}
}

// Untrack drops a market and its token books after the window closes.
func (f *BookWS) Untrack(market string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tokenID := range f.markets[market] {
		delete(f.orderbooks, tokenID)
	}
	delete(f.markets, market)
}

// Best returns the current top-of-book for a token.
func (f *BookWS) Best(tokenID string) (types.BestPrices, bool) {
	f.mu.RLock()
	ob, ok := f.orderbooks[tokenID]
	f.mu.RUnlock()

	if !ok {
		return types.BestPrices{}, false
	}
	bp := types.BestPrices{
		Bid:     ob.BestBid(),
		Ask:     ob.BestAsk(),
		BidSize: ob.BestBidSize(),
		AskSize: ob.BestAskSize(),
		At:      time.Now().UTC(),
	}
	bp.Spread = bp.Ask.Sub(bp.Bid)
	bp.Mid = ob.Mid()
	return bp, true
}

// Lean returns the book imbalance for a token, positive when bids dominate.
// Zero for unknown tokens and empty books.
func (f *BookWS) Lean(tokenID string) decimal.Decimal {
	f.mu.RLock()
	ob, ok := f.orderbooks[tokenID]
	f.mu.RUnlock()

	if !ok {
		return decimal.Zero
	}
	return ob.Imbalance()
}

// connectionLoop maintains the WebSocket connection.
func (f *BookWS) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			wsReconnects.WithLabelValues("book").Inc()
			log.Error().Err(err).Msg("Book connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		wsReconnects.WithLabelValues("book").Inc()
		time.Sleep(reconnectDelay)
	}
}

func (f *BookWS) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	markets := make(map[string][]string, len(f.markets))
	for m, toks := range f.markets {
		markets[m] = toks
	}
	f.mu.Unlock()

	log.Info().Msg("🔌 Book WebSocket connected")

	go f.pingLoop()

	for m, toks := range markets {
		if err := f.subscribeMarket(conn, m, toks); err != nil {
			return err
		}
	}
	return nil
}

func (f *BookWS) subscribeMarket(conn *websocket.Conn, market string, tokenIDs []string) error {
	msg := map[string]any{
		"type":       "subscribe",
		"market":     market,
		"assets_ids": tokenIDs,
		"channel":    "market",
	}
	return conn.WriteJSON(msg)
}

// pingLoop sends periodic pings to keep the connection alive.
func (f *BookWS) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			connected := f.connected
			f.mu.RUnlock()

			if connected && conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

// readLoop reads messages until the connection errors out.
func (f *BookWS) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Book read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

type bookMessage struct {
	EventType string  `json:"event_type"`
	Market    string  `json:"market"`
	Asset     string  `json:"asset_id"`
	Bids      [][]any `json:"bids"`
	Asks      [][]any `json:"asks"`
}

func (f *BookWS) processMessage(data []byte) {
	var msgs []bookMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg bookMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []bookMessage{msg}
	}

	for _, msg := range msgs {
		if msg.EventType != "book" || msg.Asset == "" {
			continue
		}
		f.handleBookUpdate(msg)
	}
}

func (f *BookWS) handleBookUpdate(msg bookMessage) {
	f.mu.Lock()
	ob, exists := f.orderbooks[msg.Asset]
	if !exists {
		ob = NewOrderbook(msg.Market, msg.Asset)
		f.orderbooks[msg.Asset] = ob
	}
	f.mu.Unlock()

	ob.UpdateFromWS(msg.Bids, msg.Asks)
	feedUpdates.WithLabelValues("book", msg.Asset).Inc()
}
