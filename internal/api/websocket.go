package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oms/singularity/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to loopback or a trusted host; origin checks stay open.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

// handleWebSocket streams every bus event to the connected observer.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	send := make(chan *bus.Event, wsSendBuffer)
	sub, err := s.events.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		select {
		case send <- event:
		default:
			// Slow observer; drop rather than stall the bus.
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("websocket subscribe failed", zap.Error(err))
		conn.Close()
		return
	}

	go s.writePump(conn, send, sub)
	go s.readPump(conn)
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan *bus.Event, sub bus.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.Unsubscribe()
		conn.Close()
	}()
	for {
		select {
		case event, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains (and ignores) client frames so pings/pongs and close
// handshakes work.
func (s *Server) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
