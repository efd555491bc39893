// Package ws terminates WebSocket transport sessions. Each binary websocket
// message carries exactly one wire frame; the adapter hands whole frames to
// the connection layer and never inspects them.
package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"archive/server/internal/engine"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// maxFrameSize bounds inbound websocket messages: header + max payload + CRC,
// with slack for transport framing.
const maxFrameSize = 1 << 17

// Handler owns websocket transport for the server.
type Handler struct {
	engine   *engine.Engine
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the engine.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{
		engine: e,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	slog.Debug("ws upgrade request", "remote", remoteAddr)

	wsConn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	wsConn.SetReadLimit(maxFrameSize)

	session, err := h.engine.Accept(&transport{ws: wsConn}, remoteAddr)
	if err != nil {
		slog.Warn("ws session refused", "remote", remoteAddr, "err", err)
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeTimeout))
		_ = wsConn.Close()
		return nil
	}

	slog.Info("ws connected", "conn_id", session.ID(), "remote", remoteAddr)
	session.Run()
	return nil
}

// transport adapts a gorilla websocket connection to conn.Transport.
type transport struct {
	ws *websocket.Conn
}

// Send writes one frame as a single binary message. The connection layer
// serialises callers.
func (t *transport) Send(data []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Recv blocks for the next binary message. Non-binary messages are skipped;
// clean peer closes are normalised to io.EOF.
func (t *transport) Recv() ([]byte, error) {
	for {
		msgType, data, err := t.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			slog.Debug("ws non-binary message skipped", "msg_type", msgType)
			continue
		}
		return data, nil
	}
}

// Close performs a best-effort graceful close.
func (t *transport) Close() error {
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	return t.ws.Close()
}
