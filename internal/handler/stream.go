package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"trafficwatch/internal/dto"
	"trafficwatch/internal/logger"
	"trafficwatch/internal/model"
	"trafficwatch/internal/service"
	"trafficwatch/internal/service/dispatcher"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// sseRetry is the reconnect delay suggested to SSE clients, in milliseconds.
	sseRetry = 3000
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// closeCode picks the WebSocket close code for the viewer's final event.
func closeCode(e model.Event) int {
	if closed, ok := e.(model.SessionClosed); ok && closed.Reason == dispatcher.ReasonDegraded {
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseNormalClosure
}

// StreamWebsocketHandler handles GET /api/sessions/{id}/ws. The viewer gets
// accidents, heartbeats and finally session_closed, after which the socket is
// closed. Messages sent by the client are ignored.
func StreamWebsocketHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		viewer, err := manager.GetDispatcher().Attach(id)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		defer viewer.Detach()

		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}
		defer connection.Close()

		logger.Info("Session %s: WebSocket viewer %s connected", id, viewer.ID)

		connection.SetReadLimit(512)
		connection.SetReadDeadline(time.Now().Add(pongWait))
		connection.SetPongHandler(func(appData string) error {
			connection.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		// The read loop only notices the client going away.
		go func() {
			for {
				if _, _, err := connection.ReadMessage(); err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						logger.Warning("Session %s: viewer %s read error: %v", id, viewer.ID, err)
					}
					viewer.Detach()
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case e, ok := <-viewer.Events():
				if !ok {
					logger.Info("Session %s: WebSocket viewer %s gone (%v)", id, viewer.ID, viewer.Err())
					return
				}
				msg, ok := dto.NewStreamMessage(e)
				if !ok {
					continue
				}

				connection.SetWriteDeadline(time.Now().Add(writeWait))
				if err := connection.WriteJSON(msg); err != nil {
					logger.Warning("Session %s: write to viewer %s failed: %v", id, viewer.ID, err)
					return
				}

				if e.Kind() == model.KindSessionClosed {
					connection.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(closeCode(e), msg.Reason), time.Now().Add(writeWait))
					return
				}
			case <-ticker.C:
				connection.SetWriteDeadline(time.Now().Add(writeWait))
				if err := connection.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

// writeSSE writes one server-sent event.
func writeSSE(w http.ResponseWriter, msg dto.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if id := msg.EventID(); id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	return err
}

// StreamEventsHandler handles GET /api/sessions/{id}/events as a
// server-sent event stream carrying the same messages as the WebSocket.
func StreamEventsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, logger, http.StatusInternalServerError, "internal", "Streaming unsupported")
			return
		}

		id := mux.Vars(r)["id"]
		viewer, err := manager.GetDispatcher().Attach(id)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		defer viewer.Detach()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "retry: %d\n\n", sseRetry)
		flusher.Flush()

		logger.Info("Session %s: SSE viewer %s connected", id, viewer.ID)

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-viewer.Events():
				if !ok {
					if err := viewer.Err(); err != nil && !errors.Is(err, dispatcher.ErrSessionClosed) {
						logger.Info("Session %s: SSE viewer %s gone (%v)", id, viewer.ID, err)
					}
					return
				}
				msg, ok := dto.NewStreamMessage(e)
				if !ok {
					continue
				}
				if err := writeSSE(w, msg); err != nil {
					logger.Warning("Session %s: write to SSE viewer %s failed: %v", id, viewer.ID, err)
					return
				}
				flusher.Flush()
				if e.Kind() == model.KindSessionClosed {
					return
				}
			}
		}
	}
}
