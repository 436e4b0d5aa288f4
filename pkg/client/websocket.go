package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/roomrelay/pkg/protocol"
	"github.com/gorilla/websocket"
)

// Conn carries JSON frames to and from a relay server over WebSocket.
// One goroutine may call Receive while others call Send.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
	addr    string
}

// ParseServerURL turns user input into a WebSocket URL. A bare host:port
// gets the ws scheme and the /ws endpoint.
func ParseServerURL(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("server address is empty")
	}

	if !strings.Contains(addr, "://") {
		return &url.URL{Scheme: "ws", Host: addr, Path: "/ws"}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q (use ws:// or wss://)", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q: missing host", addr)
	}
	if u.Path == "" {
		u.Path = "/ws"
	}
	return u, nil
}

// DialWebSocket connects to the endpoint named by addr (see ParseServerURL)
func DialWebSocket(addr string) (*Conn, error) {
	u, err := ParseServerURL(addr)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		// Improve error message for common TLS/handshake issues
		if strings.Contains(err.Error(), "bad handshake") {
			if u.Scheme == "wss" {
				return nil, fmt.Errorf("TLS handshake failed - server may not support WSS (try ws:// instead): %w", err)
			}
			return nil, fmt.Errorf("handshake failed - is %s a WebSocket endpoint?: %w", u.Path, err)
		}
		return nil, err
	}

	ws.SetReadLimit(protocol.MaxFrameSize)

	return &Conn{
		ws:   ws,
		addr: u.Host,
	}, nil
}

// Send encodes and writes one frame
func (c *Conn) Send(frame *protocol.Frame) error {
	payload, err := frame.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return net.ErrClosed
	}
	c.closeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Receive reads the next frame. A zero timeout waits forever. After a
// timeout the connection is no longer usable.
func (c *Conn) Receive(timeout time.Duration) (*protocol.Frame, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
		}
		return &frame, nil
	}
}

// Close sends a close message and closes the connection
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// Addr returns the host:port the connection was dialed with
func (c *Conn) Addr() string {
	return c.addr
}

// RemoteAddr returns the peer address of the underlying connection
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
