package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"todo-realtime/internal/hub"
	"todo-realtime/internal/logging"
	"todo-realtime/internal/models"
)

// Inbound events, decoded by the reader and handled in order by the connection's dispatcher.
type (
	joinEvent struct {
		UserID userRef `json:"userId"`
	}
	getMessagesEvent struct {
		UserID userRef `json:"userId,omitempty"`
	}
	sendMessageEvent struct {
		UserID userRef `json:"userId"`
		Text   string  `json:"text"`
	}
)

// userRef is an opaque user id. Clients send it as a JSON number or a JSON string; both are kept
// as their literal text.
type userRef string

func (u *userRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*u = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = userRef(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*u = userRef(n.String())
	}
	return nil
}

type errorPayload struct {
	Message string `json:"message"`
}

const (
	inboundBuffer = 16
	// eventTimeout bounds the handling of one inbound event, including events drained after the
	// client has gone.
	eventTimeout = 10 * time.Second
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := logging.Ctx(r.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := hub.NewConn(uuid.New().String(), s.cfg.WSSendBuffer)
	if err := s.registry.Register(conn); err != nil {
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Msg("register connection failed")
		_ = ws.Close()
		return
	}

	// Detached from the request so events already read are still handled after a disconnect.
	logger := logging.L().With().Str(logging.FieldConnID, conn.ID()).Logger()
	ctx := logging.WithLogger(context.WithoutCancel(r.Context()), logger)

	inbound := make(chan any, inboundBuffer)
	go s.writePump(ws, conn)
	go s.dispatch(ctx, conn.ID(), inbound)
	go s.readPump(ctx, ws, conn.ID(), inbound)
}

// readPump decodes frames into typed events. It owns closing inbound and unregistering.
func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, connID string, inbound chan<- any) {
	defer func() {
		close(inbound)
		s.registry.Unregister(connID)
		_ = ws.Close()
	}()

	l := logging.Ctx(ctx)
	ws.SetReadLimit(s.cfg.WSMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.WSPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.WSPongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		ev, ok := decodeEvent(frame)
		if !ok {
			s.registry.ReplyTo(connID, models.EventError, errorPayload{Message: "invalid or unknown event"})
			continue
		}
		inbound <- ev
	}
}

func decodeEvent(frame []byte) (any, bool) {
	var env hub.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, false
	}
	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch env.Event {
	case models.EventJoin:
		var ev joinEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, false
		}
		return ev, true
	case models.EventGetMessages:
		var ev getMessagesEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, false
		}
		return ev, true
	case models.EventSendMessage:
		var ev sendMessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, false
		}
		return ev, true
	default:
		return nil, false
	}
}

// dispatch handles one connection's events strictly in arrival order. It drains inbound until the
// reader closes it, so every event that was read is handled.
func (s *Server) dispatch(ctx context.Context, connID string, inbound <-chan any) {
	for ev := range inbound {
		evCtx, cancel := context.WithTimeout(ctx, eventTimeout)
		s.handleEvent(evCtx, connID, ev)
		cancel()
	}
}

func (s *Server) handleEvent(ctx context.Context, connID string, ev any) {
	switch e := ev.(type) {
	case joinEvent:
		s.chat.Join(ctx, connID, string(e.UserID))
	case getMessagesEvent:
		if err := s.chat.History(ctx, connID); err != nil {
			l := logging.Ctx(ctx)
			l.Error().Err(err).Str(logging.FieldEvent, models.EventGetMessages).Msg("history failed")
			s.registry.ReplyTo(connID, models.EventError, errorPayload{Message: "failed to load messages"})
		}
	case sendMessageEvent:
		if _, err := s.chat.Send(ctx, string(e.UserID), e.Text); err != nil {
			s.registry.ReplyTo(connID, models.EventError, errorPayload{Message: "failed to send message"})
		}
	}
}

// writePump drains the connection's outbound queue until the registry closes it.
func (s *Server) writePump(ws *websocket.Conn, conn *hub.Conn) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.registry.Unregister(conn.ID())
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.registry.Unregister(conn.ID())
				return
			}
		}
	}
}
