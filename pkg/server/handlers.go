package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/aeolun/roomrelay/pkg/protocol"
	"github.com/aeolun/roomrelay/pkg/rooms"
)

// handleFrame decodes one inbound frame and dispatches it. Frames that cannot
// be decoded are dropped; the connection stays open. A returned error means
// the server itself failed and the client gets an internal error frame.
func (s *Server) handleFrame(sess *Session, raw []byte) error {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.metrics.RecordMalformedFrame()
		debugLog.Printf("Session %d: dropping frame: %v", sess.ID(), err)
		return nil
	}

	s.metrics.RecordMessageReceived(frame.Type)
	debugLog.Printf("Session %d ← RECV: %s", sess.ID(), frame.Type)

	switch frame.Type {
	case protocol.TypeSetName:
		return s.handleSetName(sess, frame)
	case protocol.TypeJoin:
		return s.handleJoin(sess, frame)
	case protocol.TypeCreateSecret:
		return s.handleCreateSecret(sess, frame)
	case protocol.TypeJoinSecret:
		return s.handleJoinSecret(sess, frame)
	case protocol.TypeCreateP2P:
		return s.handleCreateP2P(sess, frame)
	case protocol.TypeJoinP2P:
		return s.handleJoinP2P(sess, frame)
	case protocol.TypeMessage:
		return s.handleMessage(sess, frame)
	case protocol.TypeLeave:
		return s.handleLeave(sess, frame)
	default:
		// DecodeFrame only returns inbound types
		return fmt.Errorf("no handler for frame type %q", frame.Type)
	}
}

// handleSetName handles set_name. A name can be set once; repeating the
// same name is accepted silently.
func (s *Server) handleSetName(sess *Session, frame *protocol.Frame) error {
	name, err := protocol.ValidateDisplayName(frame.Username, s.config.MaxDisplayName)
	if err != nil {
		return s.sendError(sess, protocol.ErrTextInvalidName)
	}

	if !sess.SetName(name) {
		return s.sendError(sess, protocol.ErrTextNameAlreadySet)
	}
	return nil
}

// ensureName gives an anonymous session the name carried by a join or
// create frame. Sessions that already have a name keep it. It reports
// false after sending the error frame if no usable name was supplied.
func (s *Server) ensureName(sess *Session, username string) (bool, error) {
	if sess.Name() != "" {
		return true, nil
	}

	name, err := protocol.ValidateDisplayName(username, s.config.MaxDisplayName)
	if err != nil {
		debugLog.Printf("Session %d: rejected display name: %v", sess.ID(), err)
		return false, s.sendError(sess, protocol.ErrTextInvalidName)
	}

	sess.SetName(name)
	return true, nil
}

// checkEndpoint rejects operations on namespaces the session's endpoint
// does not serve
func (s *Server) checkEndpoint(sess *Session, kind rooms.Kind) (bool, error) {
	if sess.Allows(kind) {
		return true, nil
	}
	return false, s.sendError(sess, protocol.ErrTextWrongEndpoint)
}

// handleJoin handles join for public rooms
func (s *Server) handleJoin(sess *Session, frame *protocol.Frame) error {
	if ok, err := s.checkEndpoint(sess, rooms.KindPublic); !ok {
		return err
	}
	if ok, err := s.ensureName(sess, frame.Username); !ok {
		return err
	}

	room, err := protocol.ValidateRoomName(frame.Room)
	if err != nil {
		return s.sendError(sess, protocol.ErrTextInvalidRoom)
	}

	snap, err := s.registry.Join(rooms.KindPublic, room, sess, sess.announcer())
	if err != nil {
		return s.sendJoinError(sess, rooms.KindPublic, err)
	}

	debugLog.Printf("Session %d (%s) joined public room %q (%d members)", sess.ID(), sess.Name(), snap.ID, snap.Members)
	return s.sendFrame(sess, protocol.NewJoinSuccessFrame(snap.ID))
}

// handleCreateSecret handles create_secret
func (s *Server) handleCreateSecret(sess *Session, frame *protocol.Frame) error {
	if ok, err := s.checkEndpoint(sess, rooms.KindSecret); !ok {
		return err
	}
	if ok, err := s.ensureName(sess, frame.Username); !ok {
		return err
	}

	snap, err := s.registry.Create(rooms.KindSecret, sess, sess.announcer())
	if err != nil {
		return fmt.Errorf("failed to create secret room: %w", err)
	}

	debugLog.Printf("Session %d (%s) created secret room %s", sess.ID(), sess.Name(), snap.ID)
	return s.sendFrame(sess, protocol.NewSecretCreatedFrame(snap.ID))
}

// handleJoinSecret handles join_secret
func (s *Server) handleJoinSecret(sess *Session, frame *protocol.Frame) error {
	if ok, err := s.checkEndpoint(sess, rooms.KindSecret); !ok {
		return err
	}
	if ok, err := s.ensureName(sess, frame.Username); !ok {
		return err
	}

	roomID := strings.TrimSpace(frame.RoomID)
	if roomID == "" {
		return s.sendError(sess, protocol.ErrTextInvalidSecret)
	}

	snap, err := s.registry.Join(rooms.KindSecret, roomID, sess, sess.announcer())
	if err != nil {
		return s.sendJoinError(sess, rooms.KindSecret, err)
	}

	debugLog.Printf("Session %d (%s) joined secret room %s (%d members)", sess.ID(), sess.Name(), snap.ID, snap.Members)
	return s.sendFrame(sess, protocol.NewJoinSuccessFrame(snap.ID))
}

// handleCreateP2P handles create_p2p
func (s *Server) handleCreateP2P(sess *Session, frame *protocol.Frame) error {
	if ok, err := s.checkEndpoint(sess, rooms.KindP2P); !ok {
		return err
	}
	if ok, err := s.ensureName(sess, frame.Username); !ok {
		return err
	}

	snap, err := s.registry.Create(rooms.KindP2P, sess, sess.announcer())
	if err != nil {
		return fmt.Errorf("failed to create p2p room: %w", err)
	}

	debugLog.Printf("Session %d (%s) created p2p room %s", sess.ID(), sess.Name(), snap.ID)
	return s.sendFrame(sess, protocol.NewP2PCreatedFrame(snap.ID, snap.InviteCode))
}

// handleJoinP2P handles join_p2p
func (s *Server) handleJoinP2P(sess *Session, frame *protocol.Frame) error {
	if ok, err := s.checkEndpoint(sess, rooms.KindP2P); !ok {
		return err
	}
	if ok, err := s.ensureName(sess, frame.Username); !ok {
		return err
	}

	code := rooms.NormalizeInviteCode(frame.InviteCode)
	if code == "" {
		return s.sendError(sess, protocol.ErrTextInvalidInvite)
	}

	snap, err := s.registry.JoinInvite(code, sess, sess.announcer())
	if err != nil {
		return s.sendJoinError(sess, rooms.KindP2P, err)
	}

	debugLog.Printf("Session %d (%s) joined p2p room %s", sess.ID(), sess.Name(), snap.ID)
	return s.sendFrame(sess, protocol.NewJoinSuccessFrame(snap.ID))
}

// handleMessage relays a chat message to the session's room. The room and
// author always come from the session, never from the frame. Messages sent
// outside a room are dropped.
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) error {
	kind, roomID := sess.Room()
	if kind == rooms.KindNone {
		debugLog.Printf("Session %d: dropping message sent outside a room", sess.ID())
		return nil
	}

	if strings.TrimSpace(frame.Message) == "" {
		return nil
	}
	if n := utf8.RuneCountInString(frame.Message); n > s.config.MaxMessageLength {
		log.Printf("Session %d: dropping message of %d runes (limit %d)", sess.ID(), n, s.config.MaxMessageLength)
		return nil
	}

	payload, err := protocol.NewChatFrame(roomID, sess.Name(), frame.Message).Encode()
	if err != nil {
		return fmt.Errorf("failed to encode chat frame: %w", err)
	}

	var exclude rooms.Member = sess
	if s.config.EchoToSender {
		exclude = nil
	}

	delivered := s.registry.Broadcast(kind, roomID, payload, exclude)
	debugLog.Printf("Session %d → %s room %s: delivered to %d", sess.ID(), kind, roomID, delivered)
	return nil
}

// handleLeave handles leave. Leaving when not in a room is a no-op.
func (s *Server) handleLeave(sess *Session, _ *protocol.Frame) error {
	dep, left := s.registry.Leave(sess, sess.announcer())
	if left {
		debugLog.Printf("Session %d left %s room %s (%d remaining)", sess.ID(), dep.Kind, dep.RoomID, dep.Remaining)
	}
	return nil
}

// sendJoinError maps a registry failure onto the error frame for kind
func (s *Server) sendJoinError(sess *Session, kind rooms.Kind, err error) error {
	switch {
	case errors.Is(err, rooms.ErrRoomFull):
		return s.sendError(sess, protocol.ErrTextRoomFull)
	case errors.Is(err, rooms.ErrRoomNotFound) && kind == rooms.KindSecret:
		return s.sendError(sess, protocol.ErrTextInvalidSecret)
	case errors.Is(err, rooms.ErrRoomNotFound) && kind == rooms.KindP2P:
		return s.sendError(sess, protocol.ErrTextInvalidInvite)
	default:
		return fmt.Errorf("failed to join %s room: %w", kind, err)
	}
}

// sendFrame queues a direct reply for the session
func (s *Server) sendFrame(sess *Session, frame *protocol.Frame) error {
	payload, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}

	if !sess.Deliver(payload) {
		debugLog.Printf("Session %d: send queue full, dropped %s", sess.ID(), frame.Type)
		return nil
	}

	s.metrics.RecordMessageSent(frame.Type)
	debugLog.Printf("Session %d → SEND: %s", sess.ID(), frame.Type)
	return nil
}

// sendError sends an error frame to the session
func (s *Server) sendError(sess *Session, text string) error {
	s.metrics.RecordErrorSent(text)
	return s.sendFrame(sess, protocol.NewErrorFrame(text))
}
