package server

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomrelay/pkg/protocol"
	"github.com/aeolun/roomrelay/pkg/rooms"
)

const (
	// pingPeriod must stay below pongWait so the peer has time to answer
	pingPeriod = 54 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
)

// frameConn is a transport carrying one JSON frame per read/write
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	// Ping sends a keepalive; transports without one return nil
	Ping() error
	Close() error
	RemoteAddr() string
}

// Session represents an active client connection
type Session struct {
	id        uint64
	transport string       // "websocket" or "ssh"
	allowed   []rooms.Kind // namespaces reachable from the endpoint it connected to
	conn      frameConn
	send      chan []byte
	done      chan struct{}
	drain     chan struct{} // closed at shutdown; the write pump flushes and exits
	pumpDone  chan struct{}

	mu       sync.RWMutex // Protects name and room placement
	name     string
	roomKind rooms.Kind
	roomID   string

	closeOnce sync.Once
	drainOnce sync.Once
}

// ID implements rooms.Member
func (s *Session) ID() uint64 {
	return s.id
}

// Room implements rooms.Member
func (s *Session) Room() (rooms.Kind, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomKind, s.roomID
}

// SetRoom implements rooms.Member. Only the registry calls it.
func (s *Session) SetRoom(kind rooms.Kind, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomKind = kind
	s.roomID = roomID
}

// Deliver queues payload for the write pump without blocking. It reports
// false when the queue is full or the session is closing.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Name returns the display name, empty while anonymous
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetName records the display name. It fails if a different name is already set.
func (s *Session) SetName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name != "" && s.name != name {
		return false
	}
	s.name = name
	return true
}

// Allows reports whether the session's endpoint permits operations on kind
func (s *Session) Allows(kind rooms.Kind) bool {
	return slices.Contains(s.allowed, kind)
}

// Transport names the transport the session arrived on
func (s *Session) Transport() string {
	return s.transport
}

// RemoteAddr returns the peer address as reported by the transport
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// announcer renders join/leave notices carrying this session's name
func (s *Session) announcer() rooms.Announcer {
	return noticeAnnouncer{name: s.Name()}
}

type noticeAnnouncer struct {
	name string
}

func (a noticeAnnouncer) Joined(_ rooms.Kind, roomID string) []byte {
	return encodeNotice(protocol.NewJoinedNotice(roomID, a.name))
}

func (a noticeAnnouncer) Left(_ rooms.Kind, roomID string) []byte {
	return encodeNotice(protocol.NewLeftNotice(roomID, a.name))
}

func encodeNotice(frame *protocol.Frame) []byte {
	payload, err := frame.Encode()
	if err != nil {
		errorLog.Printf("Failed to encode notice: %v", err)
		return nil
	}
	return payload
}

// writePump drains the send queue onto the transport and keeps the
// connection alive with pings. It owns all writes to conn.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.pumpDone)
	}()

	for {
		select {
		case payload := <-s.send:
			if err := s.conn.WriteFrame(payload); err != nil {
				debugLog.Printf("Session %d: write failed: %v", s.id, err)
				return
			}
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				debugLog.Printf("Session %d: ping failed: %v", s.id, err)
				return
			}
		case <-s.drain:
			s.flushQueued()
			return
		case <-s.done:
			return
		}
	}
}

// flushQueued writes whatever is already queued, stopping at the first error
func (s *Session) flushQueued() {
	for {
		select {
		case payload := <-s.send:
			if err := s.conn.WriteFrame(payload); err != nil {
				debugLog.Printf("Session %d: flush failed: %v", s.id, err)
				return
			}
		default:
			return
		}
	}
}

func (s *Session) beginDrain() {
	s.drainOnce.Do(func() { close(s.drain) })
}

// SessionManager manages all active sessions
type SessionManager struct {
	registry   *rooms.Registry
	sessions   map[uint64]*Session
	nextID     uint64
	sendBuffer int
	mu         sync.RWMutex
	metrics    *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager(registry *rooms.Registry, sendBuffer int) *SessionManager {
	if sendBuffer <= 0 {
		sendBuffer = DefaultConfig().SendBuffer
	}
	return &SessionManager{
		registry:   registry,
		sessions:   make(map[uint64]*Session),
		nextID:     1,
		sendBuffer: sendBuffer,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new connection. allowed limits the namespaces it
// may use; nil means all of them.
func (sm *SessionManager) CreateSession(conn frameConn, transport string, allowed []rooms.Kind) *Session {
	if allowed == nil {
		allowed = rooms.Kinds
	}

	sess := &Session{
		id:        atomic.AddUint64(&sm.nextID, 1) - 1,
		transport: transport,
		allowed:   allowed,
		conn:      conn,
		send:      make(chan []byte, sm.sendBuffer),
		done:      make(chan struct{}),
		drain:     make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}

	sm.mu.Lock()
	sm.sessions[sess.id] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated(transport)
	}

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession runs disconnect cleanup: the session leaves its room (the
// remaining members are notified), is forgotten, and its transport closed.
// Only the first call for a session does anything. It must run on the
// session's read goroutine, after the last frame was dispatched.
func (sm *SessionManager) RemoveSession(sess *Session) {
	sess.closeOnce.Do(func() {
		if dep, left := sm.registry.Leave(sess, sess.announcer()); left {
			debugLog.Printf("Session %d left %s room %s on disconnect (%d remaining)", sess.id, dep.Kind, dep.RoomID, dep.Remaining)
		}

		sm.mu.Lock()
		delete(sm.sessions, sess.id)
		count := len(sm.sessions)
		sm.mu.Unlock()

		if sm.metrics != nil {
			sm.metrics.RecordActiveSessions(count)
			sm.metrics.RecordSessionDisconnected(sess.transport)
		}

		close(sess.done)
		sess.conn.Close()
	})
}

// CountOnlineUsers returns the number of currently connected sessions
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CloseAll asks every write pump to flush its queued frames, waits up to
// flushTimeout for them, then closes every transport. Each read loop then
// runs its own cleanup.
func (sm *SessionManager) CloseAll(flushTimeout time.Duration) {
	sessions := sm.GetAllSessions()
	for _, sess := range sessions {
		sess.beginDrain()
	}

	deadline := time.NewTimer(flushTimeout)
	defer deadline.Stop()
wait:
	for _, sess := range sessions {
		select {
		case <-sess.pumpDone:
		case <-deadline.C:
			debugLog.Printf("Flush timed out after %s", flushTimeout)
			break wait
		}
	}

	for _, sess := range sessions {
		sess.conn.Close()
	}
}
