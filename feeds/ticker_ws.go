package feeds

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE TICKER FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// One instance per exchange. Subscribes to the per-symbol ticker stream;
// messages carry {s, c} where c is the last trade price.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// TickerWS is an exchange last-price source over WebSocket.
type TickerWS struct {
	mu sync.RWMutex

	name  string
	url   string
	pairs map[string]string // stream pair -> engine symbol, e.g. BTCUSDT -> BTC

	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	out chan<- PriceUpdate
}

// NewTickerWS builds a ticker source for one exchange endpoint covering the
// given engine symbols (BTC, ETH, ...).
func NewTickerWS(name, url string, symbols []string) *TickerWS {
	pairs := make(map[string]string, len(symbols))
	for _, s := range symbols {
		pairs[strings.ToUpper(s)+"USDT"] = strings.ToUpper(s)
	}
	return &TickerWS{
		name:   name,
		url:    url,
		pairs:  pairs,
		stopCh: make(chan struct{}),
	}
}

func (f *TickerWS) Name() string     { return f.name }
func (f *TickerWS) Kind() SourceKind { return KindExchange }

// Start connects and begins processing.
func (f *TickerWS) Start(out chan<- PriceUpdate) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.out = out
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("source", f.name).Msg("📈 Ticker feed started")
}

// Stop closes the connection.
func (f *TickerWS) Stop() {
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
	log.Info().Str("source", f.name).Msg("Ticker feed stopped")
}

// connectionLoop maintains the WebSocket connection.
func (f *TickerWS) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			wsReconnects.WithLabelValues(f.name).Inc()
			log.Error().Err(err).Str("source", f.name).Msg("Connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		wsReconnects.WithLabelValues(f.name).Inc()
		time.Sleep(reconnectDelay)
	}
}

func (f *TickerWS) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Str("source", f.name).Msg("🔌 Ticker WebSocket connected")

	go f.pingLoop()

	return f.subscribe(conn)
}

func (f *TickerWS) subscribe(conn *websocket.Conn) error {
	params := make([]string, 0, len(f.pairs))
	for pair := range f.pairs {
		params = append(params, strings.ToLower(pair)+"@ticker")
	}
	msg := map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	}
	return conn.WriteJSON(msg)
}

// pingLoop sends periodic pings to keep the connection alive.
func (f *TickerWS) pingLoop() {
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
func (f *TickerWS) readLoop() {
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
			log.Warn().Err(err).Str("source", f.name).Msg("Read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

type tickerMessage struct {
	S string `json:"s"`
	C string `json:"c"`
}

func (f *TickerWS) processMessage(data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.S == "" {
		// Combined-stream envelope
		var wrapped struct {
			Data tickerMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return
		}
		msg = wrapped.Data
	}

	symbol, ok := f.pairs[msg.S]
	if !ok {
		return
	}
	price, err := decimal.NewFromString(msg.C)
	if err != nil || price.IsZero() {
		return
	}

	update := PriceUpdate{
		Source: f.name,
		Kind:   KindExchange,
		Symbol: symbol,
		Price:  price,
		At:     time.Now().UTC(),
	}

	select {
	case f.out <- update:
	case <-f.stopCh:
	}
}
