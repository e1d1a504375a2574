package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lamim/chapterforge/internal/orchestrator"
)

const heartbeatInterval = 15 * time.Second

// handleStream runs a session and relays its events as server-sent events.
// The session is bound to the request: a client that disconnects cancels it.
func (s *Server) handleStream(c *gin.Context) {
	req := requestFrom(c)
	_, events, err := s.gen.Start(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// The channel is drained to the end even after the client has gone so
	// the session can finish its bookkeeping.
	gone := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if gone {
				continue
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				s.logger.Debug("SSE client gone", "chapter_id", req.ChapterID, "error", err)
				gone = true
				continue
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if gone {
				continue
			}
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				gone = true
				continue
			}
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single event record
func writeSSE(w io.Writer, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}
