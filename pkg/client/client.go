package client

import (
	"fmt"
	"time"

	"github.com/aeolun/roomrelay/pkg/protocol"
)

// DefaultReplyTimeout bounds how long request helpers wait for the reply
const DefaultReplyTimeout = 5 * time.Second

// ServerError is an error frame returned in reply to a request
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Client wraps a Conn with request/reply helpers for the room operations.
// Chat frames that arrive while waiting for a reply are handed to
// OnMessage, or dropped when it is nil.
type Client struct {
	conn         *Conn
	ReplyTimeout time.Duration
	OnMessage    func(*protocol.Frame)
}

// New wraps an established connection
func New(conn *Conn) *Client {
	return &Client{conn: conn, ReplyTimeout: DefaultReplyTimeout}
}

// Dial connects to addr and wraps the connection
func Dial(addr string) (*Client, error) {
	conn, err := DialWebSocket(addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// Conn returns the underlying connection
func (c *Client) Conn() *Conn {
	return c.conn
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// request sends frame and waits for a frame of type want or an error frame
func (c *Client) request(frame *protocol.Frame, want string) (*protocol.Frame, error) {
	if err := c.conn.Send(frame); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", frame.Type, err)
	}

	deadline := time.Now().Add(c.ReplyTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timeout waiting for %s", want)
		}

		reply, err := c.conn.Receive(remaining)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", want, err)
		}

		switch reply.Type {
		case want:
			return reply, nil
		case protocol.TypeError:
			return nil, &ServerError{Message: reply.Message}
		case protocol.TypeMessage:
			if c.OnMessage != nil {
				c.OnMessage(reply)
			}
		}
	}
}

// SetName claims a display name. The server only replies on failure, so a
// nil error means the frame was sent.
func (c *Client) SetName(name string) error {
	return c.conn.Send(&protocol.Frame{Type: protocol.TypeSetName, Username: name})
}

// Join enters a public room, creating it if needed
func (c *Client) Join(room, username string) (string, error) {
	reply, err := c.request(&protocol.Frame{Type: protocol.TypeJoin, Room: room, Username: username}, protocol.TypeJoinSuccess)
	if err != nil {
		return "", err
	}
	return reply.RoomID, nil
}

// CreateSecret creates a secret room and returns its id
func (c *Client) CreateSecret(username string) (string, error) {
	reply, err := c.request(&protocol.Frame{Type: protocol.TypeCreateSecret, Username: username}, protocol.TypeSecretCreated)
	if err != nil {
		return "", err
	}
	return reply.RoomID, nil
}

// JoinSecret enters an existing secret room
func (c *Client) JoinSecret(roomID, username string) error {
	_, err := c.request(&protocol.Frame{Type: protocol.TypeJoinSecret, RoomID: roomID, Username: username}, protocol.TypeJoinSuccess)
	return err
}

// CreateP2P creates a two-person room and returns its id and invite code
func (c *Client) CreateP2P(username string) (roomID, inviteCode string, err error) {
	reply, err := c.request(&protocol.Frame{Type: protocol.TypeCreateP2P, Username: username}, protocol.TypeP2PCreated)
	if err != nil {
		return "", "", err
	}
	return reply.RoomID, reply.InviteCode, nil
}

// JoinP2P redeems an invite code and returns the room id
func (c *Client) JoinP2P(inviteCode, username string) (string, error) {
	reply, err := c.request(&protocol.Frame{Type: protocol.TypeJoinP2P, InviteCode: inviteCode, Username: username}, protocol.TypeJoinSuccess)
	if err != nil {
		return "", err
	}
	return reply.RoomID, nil
}

// Say sends a chat message to the current room. There is no reply.
func (c *Client) Say(message string) error {
	return c.conn.Send(&protocol.Frame{Type: protocol.TypeMessage, Message: message})
}

// Leave leaves the current room. There is no reply.
func (c *Client) Leave() error {
	return c.conn.Send(&protocol.Frame{Type: protocol.TypeLeave})
}

// Next returns the next frame from the server
func (c *Client) Next(timeout time.Duration) (*protocol.Frame, error) {
	return c.conn.Receive(timeout)
}
