package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the default maximum size of a single inbound frame (64 KB)
	MaxFrameSize = 64 * 1024

	// SystemUsername is the author shown on server-generated notices
	SystemUsername = "System"
)

// Inbound frame types
const (
	TypeJoin         = "join"
	TypeMessage      = "message"
	TypeCreateSecret = "create_secret"
	TypeJoinSecret   = "join_secret"
	TypeCreateP2P    = "create_p2p"
	TypeJoinP2P      = "join_p2p"
	TypeSetName      = "set_name"
	TypeLeave        = "leave"
)

// Outbound frame types (TypeMessage is used in both directions)
const (
	TypeSecretCreated = "secret_created"
	TypeP2PCreated    = "p2p_created"
	TypeJoinSuccess   = "join_success"
	TypeError         = "error"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

var inboundTypes = map[string]bool{
	TypeJoin:         true,
	TypeMessage:      true,
	TypeCreateSecret: true,
	TypeJoinSecret:   true,
	TypeCreateP2P:    true,
	TypeJoinP2P:      true,
	TypeSetName:      true,
	TypeLeave:        true,
}

// Frame is the JSON record exchanged in both directions.
// Fields a given type does not use are left empty and omitted on the wire.
type Frame struct {
	Type       string `json:"type"`
	Room       string `json:"room,omitempty"`
	Username   string `json:"username,omitempty"`
	Message    string `json:"message,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// IsInbound reports whether t is a frame type clients may send
func IsInbound(t string) bool {
	return inboundTypes[t]
}

// DecodeFrame parses a single inbound frame
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	if !IsInbound(f.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	return &f, nil
}

// Encode serializes the frame to its wire form
func (f *Frame) Encode() ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return json.Marshal(f)
}
