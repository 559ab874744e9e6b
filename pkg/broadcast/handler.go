package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const defaultReadLimit = 64 * 1024

type HandlerOptions struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or "*" allows any.
	AllowedOrigins []string
	ReadLimit      int64
}

// Handler upgrades viewer requests to websockets and keeps them subscribed to the hub
// until the viewer goes away.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	opts     HandlerOptions
}

func NewHandler(hub *Hub, opts HandlerOptions) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	h := &Handler{hub: hub, opts: opts}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	log.Warn().Str("component", "broadcast").Str("origin", origin).Msg("rejecting viewer from disallowed origin")
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("component", "broadcast").Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	v := h.hub.Subscribe(conn)
	wsLog := log.With().
		Str("component", "broadcast").
		Str("remote", conn.RemoteAddr().String()).
		Str("viewer_id", v.ID).
		Logger()
	wsLog.Info().Msg("viewer connected")

	defer h.hub.Unsubscribe(v)
	defer wsLog.Info().Msg("viewer disconnected")
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType == websocket.TextMessage && isPing(data) {
			_ = h.hub.SendTo(v, Event{Type: TypePong, ViewerID: v.ID, ServerTime: time.Now().UnixMilli()})
		}
	}
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ping") || strings.EqualFold(v.Type, "ws.ping")
}
