package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/youngjulesverne/rafael-chatbot/internal/agent"
)

const (
	wsReadLimit    = 64 << 10
	wsPongWait     = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// WSRequest is one client frame: a single user turn.
type WSRequest struct {
	Message string `json:"message"`
}

// WSReply answers a WSRequest. Exactly one of Answer and Error is set.
type WSReply struct {
	Answer    string `json:"answer,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleWebSocket runs one conversation per connection. Turns are
// handled in the order received and the history lives as long as the
// connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.logger.With("remote", r.RemoteAddr)
	log.Info("websocket connected")

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go s.pingLoop(ctx, conn)

	var (
		history []agent.Message
		turns   int
	)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// A turn may outlast the idle deadline.
		_ = conn.SetReadDeadline(time.Time{})

		reply, ok := s.wsTurn(ctx, data, history)
		if ok {
			history = append(history,
				agent.Message{Role: "user", Content: reply.question},
				agent.Message{Role: "assistant", Content: reply.Answer},
			)
			turns++
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(reply.WSReply); err != nil {
			log.Debug("websocket write failed", "error", err)
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}

	log.Info("websocket disconnected", "turns", turns)
}

type wsResult struct {
	WSReply
	question string
}

func (s *Server) wsTurn(ctx context.Context, data []byte, history []agent.Message) (wsResult, bool) {
	var req WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wsResult{WSReply: WSReply{Error: "invalid message: " + err.Error()}}, false
	}
	if err := validateTurn(req.Message, nil); err != nil {
		return wsResult{WSReply: WSReply{Error: err.Error()}}, false
	}

	resp, err := s.runTurn(ctx, &agent.Request{Message: req.Message, History: history})
	if err != nil {
		_, msg := turnError(err)
		return wsResult{WSReply: WSReply{Error: msg}}, false
	}
	return wsResult{
		WSReply:  WSReply{Answer: resp.Content, RequestID: resp.RequestID},
		question: req.Message,
	}, true
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(wsPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
