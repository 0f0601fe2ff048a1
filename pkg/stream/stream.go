// Package stream bridges broadcast topics to WebSocket subscribers. One
// socket binds to one session; inbound frames carry control actions and
// heartbeats, outbound frames carry message, status and error events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kafdeck/kafdeck/pkg/broadcast"
	"github.com/kafdeck/kafdeck/pkg/httputil"
	"github.com/kafdeck/kafdeck/pkg/session"
	"go.uber.org/zap"
)

// Action is the closed set of control intents a subscriber may send. Unknown
// tags are rejected at the boundary, never dispatched.
type Action string

const (
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionHeartbeat Action = "heartbeat"
)

type controlFrame struct {
	Action Action `json:"action"`
}

var errUnknownAction = errors.New("unknown action")

// ParseControl decodes an inbound control frame once, at the boundary.
func ParseControl(data []byte) (Action, error) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", fmt.Errorf("malformed control frame: %w", err)
	}
	switch frame.Action {
	case ActionStart, ActionStop, ActionPause, ActionResume, ActionHeartbeat:
		return frame.Action, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownAction, frame.Action)
	}
}

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxControlSize = 512
)

// Bridge upgrades HTTP requests to session-bound WebSocket subscriptions.
type Bridge struct {
	controller *session.Controller
	broker     *broadcast.Broker
	monitor    *broadcast.Monitor
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func NewBridge(controller *session.Controller, broker *broadcast.Broker, monitor *broadcast.Monitor, logger *zap.Logger) *Bridge {
	return &Bridge{
		controller: controller,
		broker:     broker,
		monitor:    monitor,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the dashboard UI is same-origin; CORS middleware guards the rest
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves GET /sessions/{id}/stream.
func (b *Bridge) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if _, err := b.controller.Get(r.Context(), sessionID); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				httputil.Error(w, http.StatusNotFound, err.Error())
				return
			}
			httputil.Error(w, http.StatusInternalServerError, err.Error())
			return
		}

		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		b.serve(conn, sessionID)
	}
}

func (b *Bridge) serve(conn *websocket.Conn, sessionID string) {
	channelID := uuid.NewString()
	logger := b.logger.With(zap.String("session", sessionID), zap.String("channel", channelID))

	msgs := b.broker.Subscribe(broadcast.MessageTopic(sessionID))
	statuses := b.broker.Subscribe(broadcast.StatusTopic(sessionID))
	errs := b.broker.Subscribe(broadcast.ErrorTopic(sessionID))

	// control replies produced by this socket's own read loop
	replies := make(chan broadcast.Event, 16)
	done := make(chan struct{})

	// a missed-heartbeat eviction just closes the socket; teardown below
	// releases the channel bindings
	b.monitor.Track(channelID, func() { conn.Close() })

	ctx := context.Background()
	if err := b.controller.BindSubscriber(ctx, sessionID, channelID); err != nil {
		logger.Warn("Failed to bind subscriber", zap.Error(err))
	}

	teardown := func() {
		b.broker.Unsubscribe(msgs)
		b.broker.Unsubscribe(statuses)
		b.broker.Unsubscribe(errs)
		b.monitor.Forget(channelID)
		if err := b.controller.BindSubscriber(ctx, sessionID, ""); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			logger.Warn("Failed to unbind subscriber", zap.Error(err))
		}
		conn.Close()
	}

	// single writer goroutine; gorilla allows at most one concurrent writer
	go func() {
		defer close(done)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		write := func(ev broadcast.Event) bool {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Write failed, closing subscriber", zap.Error(err))
				return false
			}
			return true
		}

		for {
			select {
			case ev, ok := <-msgs.C:
				if !ok || !write(ev) {
					return
				}
			case ev, ok := <-statuses.C:
				if !ok || !write(ev) {
					return
				}
			case ev, ok := <-errs.C:
				if !ok || !write(ev) {
					return
				}
			case ev := <-replies:
				if !write(ev) {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxControlSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Subscriber connection closed", zap.Error(err))
			}
			break
		}
		b.handleControl(ctx, sessionID, channelID, data, replies, logger)
	}

	teardown()
	<-done
}

func (b *Bridge) handleControl(ctx context.Context, sessionID, channelID string, data []byte, replies chan<- broadcast.Event, logger *zap.Logger) {
	action, err := ParseControl(data)
	if err != nil {
		logger.Warn("Rejected control frame", zap.Error(err))
		sendReply(replies, errorEvent(sessionID, err.Error()))
		return
	}

	switch action {
	case ActionHeartbeat:
		b.monitor.Touch(channelID)
		return
	case ActionStart, ActionResume:
		_, err = b.controller.Start(ctx, sessionID)
	case ActionPause:
		_, err = b.controller.Pause(ctx, sessionID)
	case ActionStop:
		_, err = b.controller.Stop(ctx, sessionID)
	}
	if err != nil {
		sendReply(replies, errorEvent(sessionID, err.Error()))
	}
}

func sendReply(replies chan<- broadcast.Event, ev broadcast.Event) {
	select {
	case replies <- ev:
	default:
	}
}

func errorEvent(sessionID, reason string) broadcast.Event {
	return broadcast.Event{
		Type:      broadcast.EventError,
		SessionID: sessionID,
		Payload:   map[string]string{"sessionId": sessionID, "error": reason},
	}
}
