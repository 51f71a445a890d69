package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/miradorstack/anomaly-hub/internal/config"
	"github.com/miradorstack/anomaly-hub/internal/gateway"
)

const maxMessageSize = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS layer for browsers; the socket accepts any.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket to gateway.Conn with write deadlines and pong-driven
// read deadlines.
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func newWSConn(conn *websocket.Conn, cfg config.GatewayConfig) *wsConn {
	conn.SetReadLimit(maxMessageSize)
	if cfg.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}
	return &wsConn{conn: conn, writeWait: cfg.WriteWait}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteJSON(v any) error {
	if w.writeWait > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeWait))
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(max(w.writeWait, time.Second)))
}

func (w *wsConn) Close() error { return w.conn.Close() }

func recommendationSocket(gw *gateway.Gateway, cfg config.GatewayConfig, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		if err := gw.Serve(c.Request.Context(), newWSConn(ws, cfg)); err != nil {
			logger.Debug("recommendation socket closed", slog.Any("error", err))
		}
	}
}
