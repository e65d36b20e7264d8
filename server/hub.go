package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Envelope is the wire format pushed to dashboards.
//
//	{type:"init"|"state", ts, data}          full system state
//	{type:"event", event, ts, data}          one occurrence
//
// event ∈ {signal, order, fill, assertion, window, error}.
type Envelope struct {
	Type  string    `json:"type"`
	Event string    `json:"event,omitempty"`
	TS    time.Time `json:"ts"`
	Data  any       `json:"data"`
}

// Hub fans envelopes out to every connected dashboard. Slow clients are
// dropped rather than allowed to back-pressure the engine.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	stopCh     chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		stopCh:     make(chan struct{}),
	}
}

// Run owns the client set. Single goroutine, so no lock around the map.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			wsClients.Set(float64(len(h.clients)))
			log.Info().Int("clients", len(h.clients)).Msg("🔌 Dashboard connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			wsClients.Set(float64(len(h.clients)))
			log.Info().Int("clients", len(h.clients)).Msg("🔌 Dashboard disconnected")

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}

		case <-h.stopCh:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			wsClients.Set(0)
			return
		}
	}
}

func (h *Hub) stop() {
	close(h.stopCh)
}

// Broadcast marshals and queues an envelope for every client. The envelope
// is dropped when the queue is full; dashboards are advisory.
func (h *Hub) Broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", env.Type).Msg("envelope marshal failed")
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.stopCh:
	default:
		wsDropped.Inc()
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// client is one websocket connection with its outbound queue.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c
	go c.writePump()
	go c.readPump()
	return c
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection. The stream is one-directional; anything
// the client sends is discarded, but reads are how we notice the close.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}
