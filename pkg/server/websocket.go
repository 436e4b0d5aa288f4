package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aeolun/roomrelay/pkg/rooms"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browser and terminal clients alike, there is no auth to protect
		return true
	},
}

// HandleWebSocket returns a handler that upgrades the request and serves it
// as a session limited to the given namespaces (nil for all of them)
func (s *Server) HandleWebSocket(allowed []rooms.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has already replied with an HTTP error
			debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
			return
		}

		conn := newWSConn(ws, int64(s.config.MaxFrameBytes))
		sess, ok := s.startSession(conn, "websocket", allowed)
		if !ok {
			debugLog.Printf("Refused WebSocket connection from %s during shutdown", conn.RemoteAddr())
			return
		}
		debugLog.Printf("WebSocket connection from %s on %s (session %d)", conn.RemoteAddr(), r.URL.Path, sess.ID())
	}
}

// wsConn carries one JSON frame per WebSocket text message
type wsConn struct {
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn, maxFrameBytes int64) *wsConn {
	ws.SetReadLimit(maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Frames are JSON text; binary messages are ignored
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// isNormalClose reports whether a read error is an ordinary disconnect
func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
