package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/updown/assertions"
	"github.com/web3guy0/updown/controls"
	"github.com/web3guy0/updown/internal/config"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// UI SERVER - WebSocket state stream plus the operator REST surface
// ═══════════════════════════════════════════════════════════════════════════════
//
//   GET  /ws               state stream: init on connect, state on a cadence,
//                          event per occurrence
//   GET  /health           liveness, includes a db ping
//   GET  /metrics          Prometheus
//   GET  /api/controls     current control surface
//   POST /api/controls     {key, value} applied to the control surface
//   GET  /api/trades       daily stats plus recent orders
//   GET  /api/instruments  tracked instruments with their live window view
//   GET  /api/assertions   invariant violations observed this run
//
// ═══════════════════════════════════════════════════════════════════════════════

// StateSource supplies the payloads the engine owns. Implemented by core.
type StateSource interface {
	SystemState() any
	InstrumentStates() any
}

type Server struct {
	cfg  *config.Config
	db   *storage.Database
	ctrl *controls.Controls
	src  StateSource

	hub      *Hub
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	stopCh   chan struct{}
}

func New(cfg *config.Config, db *storage.Database, ctrl *controls.Controls, src StateSource) *Server {
	s := &Server{
		cfg:    cfg,
		db:     db,
		ctrl:   ctrl,
		src:    src,
		hub:    NewHub(),
		stopCh: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/controls", s.handleControls)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/instruments", s.handleInstruments)
	mux.HandleFunc("/api/assertions", s.handleAssertions)

	s.httpSrv = &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// originAllowed admits every origin unless SERVER_ALLOWED_ORIGINS narrows it.
func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) Start() {
	go s.hub.Run()
	go s.stateLoop()

	// Assertion violations stream to dashboards as they happen.
	assertions.Subscribe(func(v assertions.Violation) {
		s.Emit("assertion", v)
	})
	// Control changes push a fresh state so every dashboard converges.
	s.ctrl.OnChange(func(string) {
		s.broadcastState()
	})

	go func() {
		log.Info().Str("addr", s.cfg.ServerAddr).Msg("🌐 UI server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("💥 UI server failed")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)
	s.hub.stop()
	return s.httpSrv.Shutdown(ctx)
}

// Emit broadcasts one occurrence to every dashboard.
func (s *Server) Emit(event string, data any) {
	s.hub.Broadcast(Envelope{Type: "event", Event: event, TS: time.Now().UTC(), Data: data})
}

func (s *Server) stateLoop() {
	ticker := time.NewTicker(s.cfg.StateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.broadcastState()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) broadcastState() {
	s.hub.Broadcast(Envelope{Type: "state", TS: time.Now().UTC(), Data: s.src.SystemState()})
}

// ── handlers ──

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newClient(s.hub, conn)

	init := Envelope{Type: "init", TS: time.Now().UTC(), Data: s.src.SystemState()}
	data, err := json.Marshal(init)
	if err != nil {
		log.Error().Err(err).Msg("init envelope marshal failed")
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "db": "ok"}
	code := http.StatusOK
	if err := s.db.Health(); err != nil {
		status["status"] = "degraded"
		status["db"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleControls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.ctrl.View())
	case http.MethodPost:
		var req struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "body must be {key, value}")
			return
		}
		pending, err := s.ctrl.Apply(req.Key, req.Value)
		if err != nil {
			code := http.StatusInternalServerError
			if types.IsCode(err, types.ErrValidation) {
				code = http.StatusBadRequest
			}
			writeError(w, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"controls":     s.ctrl.View(),
			"pending_live": pending,
		})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "GET or POST")
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 90 {
			days = n
		}
	}
	daily, err := s.db.DailyStats(days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	orders, err := s.db.RecentOrders(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recent := make([]tradeView, 0, len(orders))
	for i := range orders {
		recent = append(recent, newTradeView(&orders[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"daily":  daily,
		"recent": recent,
	})
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.InstrumentStates())
}

func (s *Server) handleAssertions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, assertions.Snapshot())
}

// tradeView is the order row as shown in the trades feed.
type tradeView struct {
	OrderID    string            `json:"order_id"`
	WindowID   string            `json:"window_id"`
	Symbol     string            `json:"symbol"`
	TokenSide  types.TokenSide   `json:"token_side"`
	Side       types.Side        `json:"side"`
	Mode       types.Mode        `json:"mode"`
	Status     types.OrderStatus `json:"status"`
	Price      string            `json:"price"`
	Size       string            `json:"size"`
	FilledSize string            `json:"filled_size"`
	AvgFill    string            `json:"avg_fill_price"`
	Fee        string            `json:"fee"`
	Strategy   string            `json:"strategy"`
	CreatedAt  time.Time         `json:"created_at"`
}

func newTradeView(o *storage.Order) tradeView {
	return tradeView{
		OrderID:    o.OrderID,
		WindowID:   o.WindowID,
		Symbol:     o.Symbol,
		TokenSide:  o.TokenSide,
		Side:       o.Side,
		Mode:       o.Mode,
		Status:     o.Status,
		Price:      o.Price.String(),
		Size:       o.Size.String(),
		FilledSize: o.FilledSize.String(),
		AvgFill:    o.AvgFillPrice.String(),
		Fee:        o.FeeAmount.String(),
		Strategy:   o.StrategyID,
		CreatedAt:  o.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
