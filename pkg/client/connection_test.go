package client

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseServerAddress(t *testing.T) {
	t.Setenv("LINECHAT_SSH_USER", "tester")

	tests := []struct {
		input    string
		display  string
		raw      string
		connType string
	}{
		{"localhost", "localhost:12345", "localhost:12345", "tcp"},
		{"chat.example:4000", "chat.example:4000", "chat.example:4000", "tcp"},
		{"tcp://chat.example", "chat.example:12345", "chat.example:12345", "tcp"},
		{"[::1]", "[::1]:12345", "[::1]:12345", "tcp"},
		{"ssh://chat.example", "ssh://tester@chat.example:2222", "chat.example:2222", "ssh"},
		{"ssh://bob@chat.example:22", "ssh://bob@chat.example:22", "chat.example:22", "ssh"},
		{"ws://chat.example", "ws://chat.example:8080/ws", "chat.example:8080", "websocket"},
		{"wss://chat.example:443/chat", "wss://chat.example:443/chat", "chat.example:443", "websocket"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.Equal(t, tt.raw, cfg.raw)
			assert.Equal(t, tt.connType, cfg.connType)
		})
	}

	for _, bad := range []string{"", "   ", "gopher://chat.example", "tcp://"} {
		_, err := parseServerAddress(bad)
		assert.Error(t, err, "address %q", bad)
	}
}

// lineServer accepts TCP connections and hands them to the test
func lineServer(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()
	return ln, conns
}

func acceptConn(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func receive(t *testing.T, conn *Connection) string {
	t.Helper()
	select {
	case line := <-conn.Incoming():
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no line received")
		return ""
	}
}

func TestConnectionTCPRoundTrip(t *testing.T) {
	ln, conns := lineServer(t)

	conn, err := NewConnection(ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, conn.Send("too early"), ErrNotConnected)

	require.NoError(t, conn.Connect())
	assert.True(t, conn.IsConnected())
	assert.Equal(t, "tcp", conn.GetConnectionType())
	assert.ErrorIs(t, conn.Connect(), errAlreadyConnected)

	server := acceptConn(t, conns)
	reader := bufio.NewReader(server)

	_, err = server.Write([]byte("Welcome! Please /login <username> <password>\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "Welcome! Please /login <username> <password>", receive(t, conn))

	require.NoError(t, conn.Send("/login alice pw"))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "/login alice pw\n", line)

	assert.Eventually(t, func() bool { return conn.GetLinesSent() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), conn.GetLinesReceived())
}

func TestConnectionReportsServerDisconnect(t *testing.T) {
	ln, conns := lineServer(t)

	conn, err := NewConnection(ln.Addr().String())
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect())
	acceptConn(t, conns).Close()

	select {
	case err := <-conn.Errors():
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	select {
	case update := <-conn.StateChanges():
		assert.Equal(t, StateTypeDisconnected, update.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no state change")
	}
	assert.False(t, conn.IsConnected())
}

func TestConnectionReconnects(t *testing.T) {
	ln, conns := lineServer(t)

	conn, err := NewConnection(ln.Addr().String())
	require.NoError(t, err)
	conn.reconnectDelay = 10 * time.Millisecond
	defer conn.Close()

	require.NoError(t, conn.Connect())
	acceptConn(t, conns).Close()

	var states []ConnectionStateType
	deadline := time.After(3 * time.Second)
	for len(states) == 0 || states[len(states)-1] != StateTypeConnected {
		select {
		case update := <-conn.StateChanges():
			states = append(states, update.State)
		case <-deadline:
			t.Fatalf("never reconnected; states %v", states)
		}
	}
	assert.Equal(t, []ConnectionStateType{StateTypeDisconnected, StateTypeReconnecting, StateTypeConnected}, states)

	second := acceptConn(t, conns)
	_, err = second.Write([]byte("back again\n"))
	require.NoError(t, err)
	assert.Equal(t, "back again", receive(t, conn))
}

func TestConnectionDisconnectDoesNotReconnect(t *testing.T) {
	ln, conns := lineServer(t)

	conn, err := NewConnection(ln.Addr().String())
	require.NoError(t, err)
	conn.reconnectDelay = 10 * time.Millisecond
	defer conn.Close()

	require.NoError(t, conn.Connect())
	acceptConn(t, conns)
	conn.Disconnect()
	conn.Disconnect()

	assert.False(t, conn.IsConnected())
	select {
	case c := <-conns:
		c.Close()
		t.Fatal("client redialled after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte("Welcome!"))
		_, data, err := ws.ReadMessage()
		if err == nil {
			received <- string(data)
		}
	}))
	defer srv.Close()

	addr := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	conn, err := NewConnection(addr)
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect())
	assert.Equal(t, "websocket", conn.GetConnectionType())
	assert.Equal(t, "Welcome!", receive(t, conn))

	require.NoError(t, conn.Send("hello over ws"))
	select {
	case got := <-received:
		assert.Equal(t, "hello over ws", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server got nothing")
	}
}

func TestConnectionConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	conn, err := NewConnection(addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Error(t, conn.Connect())
	assert.False(t, conn.IsConnected())
}

func TestConnectionCloseIdempotent(t *testing.T) {
	ln, conns := lineServer(t)
	conn, err := NewConnection(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	acceptConn(t, conns)

	conn.Close()
	conn.Close()
	assert.False(t, conn.IsConnected())
	assert.ErrorIs(t, conn.Send("late"), ErrNotConnected)
}

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestHostKeyVerifierTrustOnFirstUse(t *testing.T) {
	knownHosts := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	t.Setenv("SSH_KNOWN_HOSTS", knownHosts)

	verifier := newHostKeyVerifier("chat.example", "2222")
	assert.NotEmpty(t, verifier.warning, "missing known_hosts is reported")

	prompts := 0
	verifier.prompt = func(hostname, fingerprint string) (bool, error) {
		prompts++
		assert.Equal(t, "[chat.example]:2222", hostname)
		assert.True(t, strings.HasPrefix(fingerprint, "SHA256:"))
		return true, nil
	}

	key := testHostKey(t)
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
	require.NoError(t, verifier.callback("[chat.example]:2222", remote, key))
	require.NoError(t, verifier.callback("[chat.example]:2222", remote, key))
	assert.Equal(t, 1, prompts, "accepted key is remembered")

	verifier.persistAccepted()
	data, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[chat.example]:2222")

	// A fresh verifier trusts the persisted key and rejects a different one
	again := newHostKeyVerifier("chat.example", "2222")
	again.prompt = func(string, string) (bool, error) {
		t.Fatal("known key should not prompt")
		return false, nil
	}
	require.NoError(t, again.callback("[chat.example]:2222", remote, key))
	err = again.callback("[chat.example]:2222", remote, testHostKey(t))
	assert.ErrorContains(t, err, "changed")
}

func TestHostKeyVerifierRejected(t *testing.T) {
	t.Setenv("SSH_KNOWN_HOSTS", filepath.Join(t.TempDir(), "known_hosts"))

	verifier := newHostKeyVerifier("chat.example", "2222")
	verifier.prompt = func(string, string) (bool, error) { return false, nil }

	err := verifier.callback("[chat.example]:2222", &net.TCPAddr{}, testHostKey(t))
	assert.ErrorIs(t, err, errUserRejectedHostKey)
	assert.ErrorContains(t, verifier.wrapError(err), "rejected SSH host key")
}
