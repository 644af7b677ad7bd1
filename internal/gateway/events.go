package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const eventWriteTimeout = 10 * time.Second

// handleEvents streams hub events to one WebSocket client as JSON text frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, getRequestID(r), http.StatusServiceUnavailable, "unavailable", "event stream is not configured")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "unexpected close")
	}()

	events, unsubscribe := s.deps.Events.Subscribe(0)
	defer unsubscribe()

	// Clients only listen; CloseRead handles control frames and cancels ctx on disconnect.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("event stream client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.runCtx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				slog.Warn("encode event failed", "type", event.Type, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("event stream client gone", "error", err)
				return
			}
		}
	}
}
