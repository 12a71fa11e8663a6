// Package realtime implements the websocket transcription surface: a
// session state machine fed by base64 PCM16 frames, an energy-based voice
// activity detector, and WAV assembly for the whisper backend.
package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// Handler upgrades realtime connections and runs one session per socket. It
// is mounted at /api/v1/realtime on the websocket listener.
type Handler struct {
	log         logging.Logger
	transcriber Transcriber
	upgrader    websocket.Upgrader
}

// NewHandler creates the realtime websocket handler.
func NewHandler(log logging.Logger, transcriber Transcriber) *Handler {
	return &Handler{
		log:         log,
		transcriber: transcriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The server is a local gateway; browsers connect from
			// file:// pages and local dev hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if intent := r.URL.Query().Get("intent"); intent != "transcription" {
		http.Error(w, "unsupported intent: only transcription is available", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		h.log.Debugf("Realtime upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	session, err := NewSession(h.log, h.transcriber, func(event serverEvent) error {
		return conn.WriteJSON(event)
	})
	if err != nil {
		h.log.Debugf("Unable to announce realtime session: %v", err)
		return
	}
	defer session.Close()
	h.log.Infof("Realtime session %s connected", session.ID())

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugf("Realtime session %s read error: %v", session.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			if err := session.sendError("invalid_request_error", "expected text frames"); err != nil {
				return
			}
			continue
		}
		if err := session.HandleMessage(r.Context(), raw); err != nil {
			h.log.Debugf("Realtime session %s closing: %v", session.ID(), err)
			return
		}
	}
}
