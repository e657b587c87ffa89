package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duel/internal/broadcast"
)

// wsMessage is an inbound frame from a WebSocket client
type wsMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	MatchID string `json:"match_id,omitempty"`
}

// handleWebSocket upgrades the connection, registers it with the
// broadcast hub and relays bind requests into the session registry. A
// transport connection exists before the participant's match affiliation
// is known; the binding is only created once the client identifies
// itself. Closing the connection feeds the orchestrator's disconnect
// path.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := uuid.NewString()
	client := s.hub.NewClient(conn)
	s.hub.Register(client)
	go client.WritePump()

	s.log.Debug("websocket connected", zap.String("session_id", sessionID))

	defer func() {
		s.hub.Unregister(client)
		conn.Close()
		// The request context dies with the connection; the abandon
		// transition still has to commit.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.engine.HandleDisconnect(ctx, sessionID); err != nil {
			s.log.Warn("disconnect handling failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "bind":
			userID, _, ok := s.auth.Authenticate(msg.Token)
			if !ok {
				sendWS(client, map[string]any{"type": "error", "message": "invalid token"})
				continue
			}
			if err := s.engine.BindSession(r.Context(), sessionID, userID, msg.MatchID); err != nil {
				sendWS(client, map[string]any{"type": "error", "message": err.Error()})
				continue
			}
			sendWS(client, map[string]any{
				"type":       "bound",
				"session_id": sessionID,
				"match_id":   msg.MatchID,
			})
		case "ping":
			sendWS(client, map[string]any{"type": "pong"})
		}
	}
}

// sendWS enqueues a reply on the client's own send queue; the write pump
// owns the connection, so replies never race broadcast frames.
func sendWS(client *broadcast.Client, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	client.Send(data)
}
