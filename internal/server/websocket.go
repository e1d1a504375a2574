package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lamim/chapterforge/internal/apperror"
	"github.com/lamim/chapterforge/internal/orchestrator"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is what a websocket client may send while a session runs
type clientMessage struct {
	Type string `json:"type"`
}

// handleWebSocket runs a session and writes one JSON message per event.
// A "cancel" message or a closed connection cancels the session.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	req := requestFrom(c)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	_, events, err := s.gen.Start(ctx, req)
	if err != nil {
		ae := apperror.Classify(err)
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteJSON(orchestrator.Event{Kind: orchestrator.EventError, Data: ae.ToPayload()})
		closeWith(conn, websocket.CloseNormalClosure, string(ae.Kind))
		return
	}

	go s.readPump(conn, cancel)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	gone := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if !gone {
					closeWith(conn, websocket.CloseNormalClosure, "session finished")
				}
				return
			}
			if gone {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("WebSocket client gone", "chapter_id", req.ChapterID, "error", err)
				gone = true
				cancel()
			}
		case <-ping.C:
			if gone {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				gone = true
				cancel()
			}
		}
	}
}

// readPump consumes client frames until the connection closes, then
// cancels the session
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "cancel" {
			s.logger.Info("Session cancelled by websocket client")
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
