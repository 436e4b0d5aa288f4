package protocol

import "fmt"

// Error frame texts sent back to the originating connection
const (
	ErrTextInvalidName    = "Please enter a valid username"
	ErrTextNameAlreadySet = "Username already set"
	ErrTextInvalidRoom    = "Invalid room name"
	ErrTextInvalidSecret  = "Invalid secret room"
	ErrTextInvalidInvite  = "Invalid invite code"
	ErrTextRoomFull       = "Room is full"
	ErrTextWrongEndpoint  = "Operation not available on this endpoint"
	ErrTextInternal       = "Internal server error"
)

// NewChatFrame builds a relayed chat message
func NewChatFrame(room, username, message string) *Frame {
	return &Frame{
		Type:     TypeMessage,
		Room:     room,
		Username: username,
		Message:  message,
	}
}

// NewSystemFrame builds a notice authored by the server
func NewSystemFrame(room, text string) *Frame {
	return NewChatFrame(room, SystemUsername, text)
}

// NewJoinedNotice announces that name entered room
func NewJoinedNotice(room, name string) *Frame {
	return NewSystemFrame(room, fmt.Sprintf("%s has joined the chat", name))
}

// NewLeftNotice announces that name left room
func NewLeftNotice(room, name string) *Frame {
	return NewSystemFrame(room, fmt.Sprintf("%s has left the chat", name))
}

// NewErrorFrame builds an error response
func NewErrorFrame(text string) *Frame {
	return &Frame{Type: TypeError, Message: text}
}

// NewJoinSuccessFrame confirms a join
func NewJoinSuccessFrame(roomID string) *Frame {
	return &Frame{Type: TypeJoinSuccess, RoomID: roomID}
}

// NewSecretCreatedFrame confirms creation of a secret room
func NewSecretCreatedFrame(roomID string) *Frame {
	return &Frame{Type: TypeSecretCreated, RoomID: roomID}
}

// NewP2PCreatedFrame confirms creation of a peer-to-peer room and carries its invite code
func NewP2PCreatedFrame(roomID, inviteCode string) *Frame {
	return &Frame{Type: TypeP2PCreated, RoomID: roomID, InviteCode: inviteCode}
}
