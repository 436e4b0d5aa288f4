package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/roomrelay/pkg/protocol"
	"github.com/aeolun/roomrelay/pkg/rooms"
)

// Server relays messages between members of public, secret and p2p rooms
type Server struct {
	httpServer  *http.Server
	listener    net.Listener
	sshListener net.Listener
	registry    *rooms.Registry
	sessions    *SessionManager
	metrics     *Metrics
	config      ServerConfig
	configPath  string
	startTime   time.Time
	shutdown    chan struct{}
	wg          sync.WaitGroup

	connMu   sync.Mutex // Orders session start against Stop
	stopping bool
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port             int
	SSHPort          int // 0 disables the SSH transport
	SSHHostKeyPath   string
	MaxFrameBytes    int
	MaxMessageLength int // runes
	MaxDisplayName   int // runes
	SendBuffer       int // queued outbound frames per session
	EchoToSender     bool
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Port:             3000,
		SSHPort:          0,
		SSHHostKeyPath:   "~/.roomrelay/ssh_host_key",
		MaxFrameBytes:    protocol.MaxFrameSize,
		MaxMessageLength: 4096,
		MaxDisplayName:   protocol.DefaultMaxDisplayName,
		SendBuffer:       256,
		EchoToSender:     false,
		ShutdownTimeout:  5 * time.Second,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Port)
	}
	if config.MaxFrameBytes <= 0 || config.MaxFrameBytes > protocol.MaxFrameSize {
		config.MaxFrameBytes = protocol.MaxFrameSize
	}
	if config.MaxDisplayName <= 0 {
		config.MaxDisplayName = protocol.DefaultMaxDisplayName
	}
	if config.MaxMessageLength <= 0 {
		config.MaxMessageLength = DefaultConfig().MaxMessageLength
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	metrics := NewMetrics()

	registry := rooms.NewRegistry()
	registry.SetObserver(metrics)

	sessions := NewSessionManager(registry, config.SendBuffer)
	sessions.SetMetrics(metrics)

	return &Server{
		registry:   registry,
		sessions:   sessions,
		metrics:    metrics,
		config:     config,
		configPath: configPath,
		shutdown:   make(chan struct{}),
	}, nil
}

// Handler returns the HTTP routes: WebSocket endpoints, health and metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.HandleWebSocket(nil))
	mux.Handle("/public", s.HandleWebSocket([]rooms.Kind{rooms.KindPublic}))
	mux.Handle("/secret", s.HandleWebSocket([]rooms.Kind{rooms.KindSecret}))
	mux.Handle("/p2p", s.HandleWebSocket([]rooms.Kind{rooms.KindP2P}))
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.Handle("/metrics", s.metrics.Handler())

	all := s.HandleWebSocket(nil)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		all(w, r)
	})
	return mux
}

// Start opens the listeners and begins serving
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.monitorListenOverflows()

	return nil
}

// Addr returns the address the HTTP listener is bound to
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SSHAddr returns the address the SSH listener is bound to, empty when disabled
func (s *Server) SSHAddr() string {
	if s.sshListener == nil {
		return ""
	}
	return s.sshListener.Addr().String()
}

// Stop stops accepting connections, closes every session and waits for
// their cleanup to finish
func (s *Server) Stop() error {
	s.connMu.Lock()
	if s.stopping {
		s.connMu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.shutdown)
	s.connMu.Unlock()

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		shutdownErr = s.httpServer.Shutdown(ctx)
	}

	if s.sshListener != nil {
		s.sshListener.Close()
	}

	// Hijacked WebSocket connections are not tracked by http.Server
	s.sessions.CloseAll(s.config.ShutdownTimeout)

	s.wg.Wait()
	if !s.startTime.IsZero() {
		log.Printf("Server stopped after %s", time.Since(s.startTime).Round(time.Second))
	}

	return shutdownErr
}

// startSession registers conn and runs its read loop. Once Stop has begun it
// closes conn instead and returns false.
func (s *Server) startSession(conn frameConn, transport string, allowed []rooms.Kind) (*Session, bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.stopping {
		conn.Close()
		return nil, false
	}

	sess := s.sessions.CreateSession(conn, transport, allowed)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveSession(sess)
	}()
	return sess, true
}

// serveSession runs the read loop for a session until its transport fails,
// then performs disconnect cleanup
func (s *Server) serveSession(sess *Session) {
	defer s.sessions.RemoveSession(sess)

	go sess.writePump()

	for {
		raw, err := sess.conn.ReadFrame()
		if err != nil {
			if isNormalClose(err) {
				debugLog.Printf("Session %d disconnected", sess.ID())
			} else {
				debugLog.Printf("Session %d read error: %v", sess.ID(), err)
			}
			return
		}

		if err := s.handleFrame(sess, raw); err != nil {
			errorLog.Printf("Session %d handle error: %v", sess.ID(), err)
			s.sendError(sess, protocol.ErrTextInternal)
		}
	}
}
