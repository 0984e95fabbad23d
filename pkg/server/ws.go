package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// clientFrame is an inbound control message from a subscriber.
type clientFrame struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// handleWebSocket bridges one WebSocket connection onto a bus session: the
// read loop handles subscribe, unsubscribe and requestFullUpdate frames,
// the write loop drains the session's envelope stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.Hub().Connect()
	if errors.Is(err, bus.ErrBusFull) {
		s.writeError(w, http.StatusServiceUnavailable, "live bus at capacity")
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.engine.Hub().Disconnect(session)
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer s.engine.Hub().Disconnect(session)

	go s.writePump(ctx, conn, session)
	s.readPump(ctx, conn, session)
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, session *bus.Session) {
	defer conn.Close()

	hub := s.engine.Hub()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		hub.Touch(session)

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Debug("discarding malformed client frame",
				zap.String("session", session.ID()))
			continue
		}

		switch frame.Action {
		case "subscribe":
			if frame.Room == "" {
				continue
			}
			if err := hub.Subscribe(session, frame.Room); err != nil {
				s.logger.Debug("subscribe rejected",
					zap.String("session", session.ID()),
					zap.String("room", frame.Room),
					zap.Error(err))
			}
		case "unsubscribe":
			hub.Unsubscribe(session, frame.Room)
		case "requestFullUpdate":
			go hub.SendBulk(ctx, session, s.engine.CachedStatistics())
		}
	}
}

// writePump serialises envelopes to the wire. It exits when the session
// channel closes, which also tears the connection down and ends the read
// loop.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, session *bus.Session) {
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-session.Out():
			if !ok {
				deadline := time.Now().Add(writeWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Debug("websocket write failed",
					zap.String("session", session.ID()),
					zap.Error(err))
				return
			}
		}
	}
}
