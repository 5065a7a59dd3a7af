package fakebackend

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/abelbrown/ddwatch/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream serves findings for a project as server-sent events, or
// over a websocket when the request asks for an upgrade.
func (s *Server) handleStream(c *gin.Context) {
	ddID := c.Query("dd_id")
	s.state.mu.Lock()
	_, ok := s.state.projects[ddID]
	s.state.mu.Unlock()
	if !ok {
		fail(c, http.StatusNotFound, "Project not found")
		return
	}

	ch, unsubscribe := s.broker.subscribe(ddID)
	defer unsubscribe()

	if websocket.IsWebSocketUpgrade(c.Request) {
		s.serveWebsocket(c, ch)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case env := <-ch:
			c.SSEvent(env.Type, env)
			c.Writer.Flush()
		}
	}
}

func (s *Server) serveWebsocket(c *gin.Context, ch <-chan pipeline.WireEnvelope) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case env := <-ch:
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}
