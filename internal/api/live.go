package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	liveBuffer   = 64
)

// LiveMessage is one frame on the /v1/live websocket. The first frame has
// Type "subscribed"; every later one is a "child_added".
type LiveMessage struct {
	Type  string          `json:"type"`
	Path  string          `json:"path"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}

// GET /v1/live?path=sagas/active streams children added under path.
func (h *Handler) live(w http.ResponseWriter, r *http.Request) {
	path := notify.Clean(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if h.deps.Notify == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed unavailable")
		return
	}

	wc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	defer wc.Close()

	ctx := r.Context()
	send := make(chan LiveMessage, liveBuffer)
	unsubscribe, err := h.deps.Notify.SubscribeChildAdded(ctx, path, func(key string, value json.RawMessage) {
		select {
		case send <- LiveMessage{Type: "child_added", Path: path, Key: key, Value: value}:
		default:
			h.logger.Warn().Str("path", path).Str("key", key).Msg("api: live client too slow, frame dropped")
		}
	})
	if err != nil {
		h.logger.Error().Err(err).Str("path", path).Msg("api: live subscribe failed")
		_ = wc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeTimeout))
		return
	}
	defer unsubscribe()
	_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wc.WriteJSON(LiveMessage{Type: "subscribed", Path: path}); err != nil {
		return
	}

	// The client never sends data; reading only notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := wc.NextReader(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug().Str("path", path).Msg("api: live client connected")
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case msg := <-send:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteJSON(msg); err != nil {
				return
			}
		case <-t.C:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			h.logger.Debug().Str("path", path).Msg("api: live client disconnected")
			return
		case <-ctx.Done():
			return
		}
	}
}
