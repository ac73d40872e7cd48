// Package handlers provides HTTP request handlers for the postalscan API.
// This file implements the WebSocket stream of job status changes.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/postalscan/internal/api/middleware"
	"github.com/anstrom/postalscan/internal/jobs"
)

const (
	// WebSocket configuration constants.
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
)

// Message types sent on the events stream.
const (
	MessageSnapshot = "snapshot"
	MessageStatus   = "status"
)

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// EventsHandler streams job status changes over WebSocket.
type EventsHandler struct {
	service  JobService
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewEventsHandler creates a new events handler. checkOrigin may be nil to
// accept any origin.
func NewEventsHandler(service JobService, logger *slog.Logger, checkOrigin func(r *http.Request) bool) *EventsHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &EventsHandler{
		service: service,
		logger:  logger.With("handler", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ScanEvents sends the job's current state, then one message per status
// change, and closes the stream once the job is completed or failed.
func (h *EventsHandler) ScanEvents(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	id, err := extractJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	// Subscribe before reading the snapshot so no transition falls between.
	events, unsubscribe := h.service.Subscribe(id)
	defer unsubscribe()

	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			h.logger.Debug("Error closing WebSocket connection", "request_id", requestID, "error", err)
		}
	}()

	h.logger.Info("New events WebSocket connection", "request_id", requestID, "job_id", id)

	snapshot := jobs.Event{JobID: id, Status: rec.Job.Status, Error: rec.Job.Error, Time: time.Now().UTC()}
	if err := h.send(conn, MessageSnapshot, snapshot, requestID); err != nil {
		return
	}
	if rec.Job.Status.IsTerminal() {
		h.closeNormally(conn, "job finished")
		return
	}

	closed := h.readPump(conn, requestID)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				h.closeNormally(conn, "job finished")
				return
			}
			if err := h.send(conn, MessageStatus, ev, requestID); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *EventsHandler) send(conn *websocket.Conn, kind string, data interface{}, requestID string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	err := conn.WriteJSON(WebSocketMessage{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
		RequestID: requestID,
	})
	if err != nil {
		h.logger.Debug("Write failed, closing connection", "request_id", requestID, "error", err)
	}
	return err
}

func (h *EventsHandler) closeNormally(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readPump discards client messages and reports when the peer goes away.
func (h *EventsHandler) readPump(conn *websocket.Conn, requestID string) <-chan struct{} {
	closed := make(chan struct{})

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("WebSocket unexpected close", "request_id", requestID, "error", err)
				}
				return
			}
		}
	}()
	return closed
}
