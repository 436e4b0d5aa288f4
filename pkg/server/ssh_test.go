package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/roomrelay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// attachSSH serves the SSH transport for srv on a random loopback port.
// startSSHServer treats port 0 as disabled, so the listener is set up here.
func attachSSH(t *testing.T, srv *Server) string {
	t.Helper()

	srv.config.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	sshConfig, err := srv.sshServerConfig()
	if err != nil {
		t.Fatalf("Failed to build SSH config: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	srv.sshListener = listener

	srv.wg.Add(1)
	go srv.acceptSSHLoop(listener, sshConfig)

	return listener.Addr().String()
}

// testServerWithSSH creates a server serving only the SSH transport
func testServerWithSSH(t *testing.T) (*Server, string) {
	t.Helper()
	srv := testServer(t)
	addr := attachSSH(t, srv)
	t.Cleanup(func() { srv.Stop() })
	return srv, addr
}

// generateTestSSHKey generates a test SSH client key
func generateTestSSHKey(t *testing.T) ssh.Signer {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate SSH key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	return signer
}

// connectSSH connects an SSH client to the test server
func connectSSH(t *testing.T, addr string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User: "testuser",
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(generateTestSSHKey(t)),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial failed: %w", err)
	}

	return client, nil
}

// sshFrameClient speaks newline-delimited JSON over a session channel
type sshFrameClient struct {
	channel ssh.Channel
	frames  chan protocol.Frame
}

// openSSHSession opens a session channel and starts reading frames from it
func openSSHSession(t *testing.T, client *ssh.Client) *sshFrameClient {
	t.Helper()

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		t.Fatalf("Failed to open session channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	c := &sshFrameClient{channel: channel, frames: make(chan protocol.Frame, 64)}
	go func() {
		defer close(c.frames)
		reader := protocol.NewLineReader(channel, protocol.MaxFrameSize)
		for {
			line, err := reader.Next()
			if err != nil {
				return
			}
			var f protocol.Frame
			if json.Unmarshal(line, &f) == nil {
				c.frames <- f
			}
		}
	}()
	t.Cleanup(func() { channel.Close() })
	return c
}

func (c *sshFrameClient) send(t *testing.T, raw string) {
	t.Helper()
	if err := protocol.WriteLine(c.channel, []byte(raw)); err != nil {
		t.Fatalf("Failed to send over SSH: %v", err)
	}
}

func (c *sshFrameClient) expect(t *testing.T, frameType string) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-c.frames:
		if !ok {
			t.Fatalf("SSH channel closed while waiting for %s", frameType)
		}
		if f.Type != frameType {
			t.Fatalf("Expected %s frame, got %+v", frameType, f)
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for %s frame", frameType)
	}
	return protocol.Frame{}
}

// TestSSHServerHandshake verifies anonymous clients can connect
func TestSSHServerHandshake(t *testing.T) {
	_, addr := testServerWithSSH(t)

	client, err := connectSSH(t, addr)
	if err != nil {
		t.Fatalf("SSH connection failed: %v", err)
	}
	defer client.Close()

	if got := string(client.ServerVersion()); got != "SSH-2.0-roomrelay" {
		t.Errorf("Expected server version SSH-2.0-roomrelay, got %s", got)
	}
}

func TestSSHJoinAndChat(t *testing.T) {
	srv, addr := testServerWithSSH(t)

	aliceClient, err := connectSSH(t, addr)
	require.NoError(t, err)
	defer aliceClient.Close()
	bobClient, err := connectSSH(t, addr)
	require.NoError(t, err)
	defer bobClient.Close()

	alice := openSSHSession(t, aliceClient)
	bob := openSSHSession(t, bobClient)

	alice.send(t, `{"type":"join","room":"general","username":"alice"}`)
	alice.expect(t, protocol.TypeJoinSuccess)

	// Blank lines and CRLF endings are tolerated
	require.NoError(t, protocol.WriteLine(bob.channel, []byte("")))
	bob.send(t, "{\"type\":\"join\",\"room\":\"general\",\"username\":\"bob\"}\r")
	bob.expect(t, protocol.TypeJoinSuccess)
	assert.Equal(t, "bob has joined the chat", alice.expect(t, protocol.TypeMessage).Message)

	bob.send(t, `{"type":"message","message":"over ssh"}`)
	msg := alice.expect(t, protocol.TypeMessage)
	assert.Equal(t, "bob", msg.Username)
	assert.Equal(t, "over ssh", msg.Message)

	for _, sess := range srv.sessions.GetAllSessions() {
		assert.Equal(t, "ssh", sess.Transport())
	}
}

// TestSSHMultipleSessionsPerConnection opens several session channels on
// one connection; each is a separate chat session
func TestSSHMultipleSessionsPerConnection(t *testing.T) {
	srv, addr := testServerWithSSH(t)

	client, err := connectSSH(t, addr)
	require.NoError(t, err)
	defer client.Close()

	first := openSSHSession(t, client)
	second := openSSHSession(t, client)

	first.send(t, `{"type":"create_secret","username":"alice"}`)
	created := first.expect(t, protocol.TypeSecretCreated)

	second.send(t, fmt.Sprintf(`{"type":"join_secret","roomId":%q,"username":"bob"}`, created.RoomID))
	second.expect(t, protocol.TypeJoinSuccess)

	assert.Equal(t, 2, srv.sessions.CountOnlineUsers())
}

func TestSSHAndWebSocketShareRooms(t *testing.T) {
	srv, httpAddr := startTestServer(t, DefaultConfig())
	sshAddr := attachSSH(t, srv)
	t.Cleanup(func() { srv.Stop() })

	client, err := connectSSH(t, sshAddr)
	require.NoError(t, err)
	defer client.Close()
	terminal := openSSHSession(t, client)

	browser := connectWebSocket(t, httpAddr, "/ws")
	joinRoom(t, browser, "general", "browser")

	terminal.send(t, `{"type":"join","room":"general","username":"terminal"}`)
	terminal.expect(t, protocol.TypeJoinSuccess)
	expectFrameType(t, browser, protocol.TypeMessage)

	terminal.send(t, `{"type":"message","message":"hello web"}`)
	assert.Equal(t, "hello web", expectFrameType(t, browser, protocol.TypeMessage).Message)

	sendJSON(t, browser, `{"type":"message","message":"hello terminal"}`)
	assert.Equal(t, "hello terminal", terminal.expect(t, protocol.TypeMessage).Message)
}

func TestSSHDisconnectLeavesRoom(t *testing.T) {
	srv, addr := testServerWithSSH(t)

	aliceClient, err := connectSSH(t, addr)
	require.NoError(t, err)
	defer aliceClient.Close()
	bobClient, err := connectSSH(t, addr)
	require.NoError(t, err)

	alice := openSSHSession(t, aliceClient)
	bob := openSSHSession(t, bobClient)

	alice.send(t, `{"type":"join","room":"general","username":"alice"}`)
	alice.expect(t, protocol.TypeJoinSuccess)
	bob.send(t, `{"type":"join","room":"general","username":"bob"}`)
	bob.expect(t, protocol.TypeJoinSuccess)
	alice.expect(t, protocol.TypeMessage)

	bobClient.Close()

	assert.Equal(t, "bob has left the chat", alice.expect(t, protocol.TypeMessage).Message)
	assert.Eventually(t, func() bool { return srv.sessions.CountOnlineUsers() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSHServerDisabled(t *testing.T) {
	srv := testServer(t)

	if err := srv.startSSHServer(); err != nil {
		t.Fatalf("startSSHServer should not error when disabled: %v", err)
	}

	if srv.sshListener != nil {
		t.Error("SSH listener should be nil when SSH is disabled")
	}
	assert.Empty(t, srv.SSHAddr())
}

// TestSSHInvalidChannelType tests rejection of non-session channels
func TestSSHInvalidChannelType(t *testing.T) {
	_, addr := testServerWithSSH(t)

	client, err := connectSSH(t, addr)
	if err != nil {
		t.Fatalf("SSH connection failed: %v", err)
	}
	defer client.Close()

	_, _, err = client.OpenChannel("direct-tcpip", nil)
	if err == nil {
		t.Fatal("Expected error when opening non-session channel, got nil")
	}

	openErr, ok := err.(*ssh.OpenChannelError)
	if !ok {
		t.Fatalf("Expected ssh.OpenChannelError, got %T", err)
	}
	if openErr.Reason != ssh.UnknownChannelType {
		t.Errorf("Expected UnknownChannelType, got %v", openErr.Reason)
	}
}

// TestSSHLoadOrGenerateHostKey tests host key generation and loading
func TestSSHLoadOrGenerateHostKey(t *testing.T) {
	initTestLoggers(t)
	keyPath := filepath.Join(t.TempDir(), "keys", "ssh_host_key")

	srv1 := &Server{config: ServerConfig{SSHHostKeyPath: keyPath}}
	key1, err := srv1.loadOrGenerateHostKey()
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	srv2 := &Server{config: ServerConfig{SSHHostKeyPath: keyPath}}
	key2, err := srv2.loadOrGenerateHostKey()
	require.NoError(t, err)

	assert.Equal(t, key1.PublicKey().Marshal(), key2.PublicKey().Marshal(), "reloaded key must match the generated one")
}

// TestSSHEmptyHostKeyPath tests error handling for empty host key path
func TestSSHEmptyHostKeyPath(t *testing.T) {
	srv := &Server{
		config:     ServerConfig{SSHHostKeyPath: "  "},
		configPath: "/etc/roomrelay/config.toml",
	}

	_, err := srv.loadOrGenerateHostKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/etc/roomrelay/config.toml")
}

func TestSSHCorruptHostKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "ssh_host_key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0600))

	srv := &Server{config: ServerConfig{SSHHostKeyPath: keyPath}}
	_, err := srv.loadOrGenerateHostKey()
	assert.ErrorContains(t, err, "failed to parse host key")
}
