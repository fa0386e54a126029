package relay

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handler serves the websocket endpoint and the read-only JSON views of the
// hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// NewHandler returns a handler that attaches upgraded connections to hub.
func NewHandler(hub *Hub, config ConnectionConfig) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// HandleWebSocket upgrades the request and starts the connection pumps.
// Every peer starts unclassified until it sends a register message.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.hub.Done():
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade websocket connection")
		return
	}

	outbox := NewChanOutbox(h.config.OutboxSize)
	id, err := h.hub.Attach(r.Context(), outbox, r.RemoteAddr)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to attach connection")
		conn.Close()
		return
	}

	p := &peer{id: id, hub: h.hub, conn: conn, outbox: outbox, config: h.config}
	go p.writePump()
	go p.readPump()

	log.Info().
		Uint64("connection_id", id).
		Str("remote_addr", r.RemoteAddr).
		Msg("websocket connection established")
}

// HandleStats returns the hub stats as JSON.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.hub.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleDevices returns the registered devices as JSON.
func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.hub.Devices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// HandleHealth reports whether the hub loop is running.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.hub.Done():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// RegisterRoutes registers the relay routes with an HTTP mux. "/" is kept as
// an alias of "/ws" for phones that connect to the bare host.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/api/devices", h.HandleDevices)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/{$}", h.HandleWebSocket)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}
