package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/linechat/pkg/auth"
	"github.com/aeolun/linechat/pkg/database"
)

const journeyTimeout = 5 * time.Second

// transportClient is one end-user connection over any of the transports.
// Incoming lines are pumped into a channel by a persistent reader goroutine
// that closes it when the connection ends.
type transportClient interface {
	send(line string) error
	incoming() <-chan string
	close() error
}

// pumpLines feeds lines from next into a channel until next fails
func pumpLines(next func() (string, error)) <-chan string {
	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		for {
			line, err := next()
			if err != nil {
				return
			}
			lines <- line
		}
	}()
	return lines
}

// tcpClient speaks the line protocol over a raw socket
type tcpClient struct {
	conn  net.Conn
	lines <-chan string
}

func dialTCP(t *testing.T, addr string) transportClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, journeyTimeout)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	c := &tcpClient{conn: conn}
	c.lines = pumpLines(func() (string, error) {
		line, err := reader.ReadString('\n')
		return strings.TrimRight(line, "\r\n"), err
	})
	t.Cleanup(func() { c.close() })
	return c
}

func (c *tcpClient) send(line string) error {
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

func (c *tcpClient) incoming() <-chan string { return c.lines }
func (c *tcpClient) close() error            { return c.conn.Close() }

// sshClient runs the line protocol inside an SSH shell channel
type sshClient struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	lines   <-chan string
}

func dialSSH(t *testing.T, addr string) transportClient {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "journey",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         journeyTimeout,
	})
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)
	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	stdout, err := session.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())

	reader := bufio.NewReader(stdout)
	c := &sshClient{client: client, session: session, stdin: stdin}
	c.lines = pumpLines(func() (string, error) {
		line, err := reader.ReadString('\n')
		return strings.TrimRight(line, "\r\n"), err
	})
	t.Cleanup(func() { c.close() })
	return c
}

func (c *sshClient) send(line string) error {
	_, err := c.stdin.Write([]byte(line + "\n"))
	return err
}

func (c *sshClient) incoming() <-chan string { return c.lines }

func (c *sshClient) close() error {
	c.session.Close()
	return c.client.Close()
}

// wsClient sends one line per text message
type wsClient struct {
	conn  *websocket.Conn
	lines <-chan string
}

func dialWebSocket(t *testing.T, url string) transportClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &wsClient{conn: conn}
	c.lines = pumpLines(func() (string, error) {
		_, data, err := conn.ReadMessage()
		return string(data), err
	})
	t.Cleanup(func() { c.close() })
	return c
}

func (c *wsClient) send(line string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsClient) incoming() <-chan string { return c.lines }
func (c *wsClient) close() error            { return c.conn.Close() }

// journeyServer is a fully started server with all three transports on
// loopback ports.
type journeyServer struct {
	srv     *Server
	dbPath  string
	tcpAddr string
	sshAddr string
	wsURL   string
}

type transportFactory struct {
	name string
	dial func(t *testing.T, js *journeyServer) transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, js *journeyServer) transportClient { return dialTCP(t, js.tcpAddr) }},
		{"ssh", func(t *testing.T, js *journeyServer) transportClient { return dialSSH(t, js.sshAddr) }},
		{"websocket", func(t *testing.T, js *journeyServer) transportClient { return dialWebSocket(t, js.wsURL) }},
	}
}

func setupJourneyServer(t *testing.T, mutate func(*ServerConfig)) *journeyServer {
	t.Helper()
	dir := t.TempDir()

	config := DefaultConfig()
	config.Host = "127.0.0.1"
	config.TCPPort = 0
	config.MetricsPort = 0
	config.MetricsLogInterval = 0
	config.SSHHostKeyPath = filepath.Join(dir, "ssh_host_key")
	config.FlushInterval = 50 * time.Millisecond
	config.HashParams = testHashParams
	if mutate != nil {
		mutate(&config)
	}

	dbPath := filepath.Join(dir, "chat.db")
	srv, err := NewServer(dbPath, config, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	// SSH and WebSocket on ephemeral ports, wired the way Start does it
	hostKey, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.sshListener = sshListener
	srv.wg.Add(1)
	go srv.acceptSSHLoop(sshListener, newSSHConfig(hostKey))

	wsListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	srv.httpListener = wsListener
	srv.httpServer = &http.Server{Handler: mux}
	go srv.httpServer.Serve(wsListener)

	return &journeyServer{
		srv:     srv,
		dbPath:  dbPath,
		tcpAddr: srv.Addr().String(),
		sshAddr: sshListener.Addr().String(),
		wsURL:   "ws://" + wsListener.Addr().String() + "/ws",
	}
}

func (js *journeyServer) register(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		created, err := js.srv.deps.Credentials.Register(t.Context(), name, "pw")
		require.NoError(t, err)
		require.True(t, created, name)
	}
}

// connect dials and consumes the welcome banner
func (js *journeyServer) connect(t *testing.T, tf transportFactory) transportClient {
	t.Helper()
	c := tf.dial(t, js)
	expectLine(t, c, msgWelcome)
	return c
}

// login connects and logs in as name with password "pw"
func (js *journeyServer) login(t *testing.T, tf transportFactory, name string) transportClient {
	t.Helper()
	c := js.connect(t, tf)
	sendLine(t, c, "/login "+name+" pw")
	expectLine(t, c, "Login successful. Welcome, "+name+"!")
	return c
}

func sendLine(t *testing.T, c transportClient, line string) {
	t.Helper()
	require.NoError(t, c.send(line))
}

func readLine(t *testing.T, c transportClient) string {
	t.Helper()
	select {
	case line, ok := <-c.incoming():
		require.True(t, ok, "connection closed while waiting for a line")
		return line
	case <-time.After(journeyTimeout):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

// expectLine requires the next line to be exactly want
func expectLine(t *testing.T, c transportClient, want string) {
	t.Helper()
	assert.Equal(t, want, readLine(t, c))
}

// expectLines requires the next lines to be exactly want, in order
func expectLines(t *testing.T, c transportClient, want ...string) {
	t.Helper()
	for _, w := range want {
		expectLine(t, c, w)
	}
}

// expectClosed drains the connection and requires it to end
func expectClosed(t *testing.T, c transportClient) []string {
	t.Helper()
	var rest []string
	deadline := time.After(journeyTimeout)
	for {
		select {
		case line, ok := <-c.incoming():
			if !ok {
				return rest
			}
			rest = append(rest, line)
		case <-deadline:
			t.Fatalf("connection still open; got %q", rest)
			return rest
		}
	}
}

func TestJourney(t *testing.T) {
	js := setupJourneyServer(t, nil)

	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			t.Run("newcomer", func(t *testing.T) {
				name := "new_" + tf.name
				js.register(t, name)
				c := js.connect(t, tf)

				sendLine(t, c, "hello?")
				expectLine(t, c, msgMustLogin)
				sendLine(t, c, "/help")
				expectLine(t, c, msgMustLogin)

				sendLine(t, c, "/login "+name+" wrong")
				expectLine(t, c, "Authentication failed. Use /login <username> <password>")
				sendLine(t, c, "/login "+name+" pw")
				expectLine(t, c, "Login successful. Welcome, "+name+"!")

				sendLine(t, c, "/status offline")
				expectLine(t, c, "Status updated to offline")
				sendLine(t, c, "/undo")
				expectLine(t, c, "Reverted status to online")
				sendLine(t, c, "/undo")
				expectLine(t, c, "No previous status to revert to.")
				sendLine(t, c, "/list")
				expectLine(t, c, "You are not authorized to use /list.")
				sendLine(t, c, "/bogus")
				expectLine(t, c, "Unknown command: /bogus")

				sendLine(t, c, "/logout")
				expectLine(t, c, "You have been logged out.")
				sendLine(t, c, "/status online")
				expectLine(t, c, msgMustLogin)

				sendLine(t, c, "/login "+name+" pw")
				expectLine(t, c, "Login successful. Welcome, "+name+"!")
				sendLine(t, c, "/offline")
				expectLine(t, c, "Forcing you offline...")
				expectClosed(t, c)

				require.Eventually(t, func() bool {
					_, ok := js.srv.deps.Users.Lookup(name)
					return !ok
				}, journeyTimeout, 10*time.Millisecond)
			})

			t.Run("line too long", func(t *testing.T) {
				c := js.connect(t, tf)
				sendLine(t, c, strings.Repeat("x", js.srv.config.MaxLineLength+500))
				expectLine(t, c, msgTooLong)
				sendLine(t, c, "still here")
				expectLine(t, c, msgMustLogin)
			})
		})
	}
}

func TestJourneyCrossTransportChat(t *testing.T) {
	js := setupJourneyServer(t, nil)

	transports := allTransports()
	clients := make(map[string]transportClient)
	for _, tf := range transports {
		name := "chat_" + tf.name
		js.register(t, name)
		clients[name] = js.login(t, tf, name)
	}

	var sent []string
	for _, tf := range transports {
		sender := "chat_" + tf.name
		text := "hi from " + tf.name
		sendLine(t, clients[sender], text)
		sent = append(sent, sender+": "+text)

		for name, c := range clients {
			if name != sender {
				expectLine(t, c, sender+": "+text)
			}
		}
	}

	// Senders got no echo: the next thing each one reads is its own reply
	for _, c := range clients {
		sendLine(t, c, "/undo")
		expectLine(t, c, "No previous status to revert to.")
	}

	assert.Equal(t, sent, js.srv.deps.History.All())

	require.NoError(t, js.srv.pipeline.Flush(t.Context()))
	stored, err := js.srv.pipeline.FullHistory(t.Context())
	require.NoError(t, err)
	for _, line := range sent {
		assert.Contains(t, stored, line)
	}

	c := clients["chat_tcp"]
	sendLine(t, c, "/search websocket")
	expectLines(t, c, "Search results:", "chat_websocket: hi from websocket")
}

func TestJourneyPrivateAndOfflineMessages(t *testing.T) {
	js := setupJourneyServer(t, nil)
	js.register(t, "pm_alice", "pm_bob")
	transports := allTransports()

	alice := js.login(t, transports[0], "pm_alice")
	sendLine(t, alice, "/msg pm_bob see you tomorrow")
	expectLine(t, alice, "User pm_bob is offline or not found. Storing offline.")
	sendLine(t, alice, "/msg pm_bob and bring snacks")
	expectLine(t, alice, "User pm_bob is offline or not found. Storing offline.")

	bob := js.connect(t, transports[2])
	sendLine(t, bob, "/login pm_bob pw")
	expectLines(t, bob,
		"You have offline messages:",
		"[Private] pm_alice: see you tomorrow",
		"[Private] pm_alice: and bring snacks",
		"Login successful. Welcome, pm_bob!",
	)

	sendLine(t, bob, "/msg pm_alice got it")
	expectLine(t, bob, "[Private to pm_alice] got it")
	expectLine(t, alice, "[Private] pm_bob: got it")

	// Delivered exactly once
	sendLine(t, bob, "/logout")
	expectLine(t, bob, "You have been logged out.")
	sendLine(t, bob, "/login pm_bob pw")
	expectLine(t, bob, "Login successful. Welcome, pm_bob!")
}

func TestJourneyDuplicateLogin(t *testing.T) {
	js := setupJourneyServer(t, nil)
	js.register(t, "dup")
	transports := allTransports()

	first := js.login(t, transports[0], "dup")

	second := js.connect(t, transports[1])
	sendLine(t, second, "/login dup pw")
	expectLine(t, second, "User dup is already logged in.")

	first.close()
	require.Eventually(t, func() bool {
		_, ok := js.srv.deps.Users.Lookup("dup")
		return !ok
	}, journeyTimeout, 10*time.Millisecond)

	sendLine(t, second, "/login dup pw")
	expectLine(t, second, "Login successful. Welcome, dup!")
}

func TestJourneyAdmin(t *testing.T) {
	js := setupJourneyServer(t, nil)
	cfg := DefaultConfig()
	transports := allTransports()

	admin := js.connect(t, transports[1])
	sendLine(t, admin, fmt.Sprintf("/login %s %s", cfg.AdminUser, cfg.AdminPassword))
	expectLine(t, admin, "Login successful. Welcome, "+cfg.AdminUser+"!")

	sendLine(t, admin, "/register newbie pw")
	expectLine(t, admin, "User newbie registered.")
	sendLine(t, admin, "/register newbie pw")
	expectLine(t, admin, "User newbie already exists.")

	newbie := js.login(t, transports[0], "newbie")
	sendLine(t, newbie, "/status offline")
	expectLine(t, newbie, "Status updated to offline")

	sendLine(t, admin, "/list")
	expectLines(t, admin,
		"Active Users:",
		"  "+cfg.AdminUser+" (online)",
		"  newbie (offline)",
	)

	sendLine(t, newbie, "/register other pw")
	expectLine(t, newbie, "You are not authorized to use /register.")
	sendLine(t, admin, "/role newbie admin")
	expectLine(t, admin, "Role of newbie set to admin.")
	sendLine(t, newbie, "/register other pw")
	expectLine(t, newbie, "User other registered.")

	sendLine(t, newbie, "/role "+cfg.AdminUser+" user")
	expectLine(t, newbie, "The role of "+cfg.AdminUser+" cannot be changed.")
}

func TestJourneyCredentialsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "ssh_host_key")
	dbPath := filepath.Join(dir, "chat.db")
	config := DefaultConfig()
	config.Host = "127.0.0.1"
	config.TCPPort = 0
	config.MetricsPort = 0
	config.MetricsLogInterval = 0
	config.SSHHostKeyPath = keyPath
	config.HashParams = testHashParams

	srv, err := NewServer(dbPath, config, "")
	require.NoError(t, err)
	_, err = srv.deps.Credentials.Register(t.Context(), "keeper", "pw")
	require.NoError(t, err)
	require.NoError(t, srv.deps.Credentials.SetRole(t.Context(), "keeper", auth.RoleAdmin))
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())

	srv, err = NewServer(dbPath, config, "")
	require.NoError(t, err)
	defer srv.Stop()
	assert.True(t, srv.deps.Credentials.Authenticate("keeper", "pw"))
	assert.True(t, srv.deps.Credentials.IsAdmin("keeper"))
}

func TestJourneyIdleTimeout(t *testing.T) {
	js := setupJourneyServer(t, func(c *ServerConfig) {
		c.IdleTimeout = 150 * time.Millisecond
	})

	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			c := js.connect(t, tf)
			rest := expectClosed(t, c)
			assert.Equal(t, []string{msgIdleTimeout}, rest)
		})
	}
}

func TestJourneyMaxConnections(t *testing.T) {
	js := setupJourneyServer(t, func(c *ServerConfig) {
		c.MaxConnections = 1
	})
	transports := allTransports()

	first := js.connect(t, transports[0])

	for _, tf := range transports {
		t.Run(tf.name, func(t *testing.T) {
			c := tf.dial(t, js)
			rest := expectClosed(t, c)
			assert.Equal(t, []string{msgServerFull}, rest)
		})
	}

	first.close()
	require.Eventually(t, func() bool {
		return js.srv.deps.Sessions.Count() == 0
	}, journeyTimeout, 10*time.Millisecond)
	js.connect(t, transports[2])
}

func TestJourneyShutdown(t *testing.T) {
	js := setupJourneyServer(t, nil)
	js.register(t, "bystander")
	transports := allTransports()
	cfg := DefaultConfig()

	admin := js.connect(t, transports[0])
	sendLine(t, admin, fmt.Sprintf("/login %s %s", cfg.AdminUser, cfg.AdminPassword))
	expectLine(t, admin, "Login successful. Welcome, "+cfg.AdminUser+"!")
	user := js.login(t, transports[2], "bystander")
	anon := js.connect(t, transports[1])

	sendLine(t, user, "last words")
	expectLine(t, admin, "bystander: last words")

	sendLine(t, admin, "/shutdown")
	expectLine(t, admin, "Shutting down server...")
	assert.Equal(t, []string{msgShuttingDown}, expectClosed(t, admin))
	assert.Equal(t, []string{msgShuttingDown}, expectClosed(t, user))
	assert.Equal(t, []string{msgShuttingDown}, expectClosed(t, anon))

	select {
	case <-js.srv.ShutdownRequested():
	case <-time.After(journeyTimeout):
		t.Fatal("shutdown was not requested")
	}

	done := make(chan error, 1)
	go func() { done <- js.srv.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	// New connections are refused once stopped
	_, err := net.DialTimeout("tcp", js.tcpAddr, time.Second)
	assert.Error(t, err)

	store, err := database.Open(js.dbPath)
	require.NoError(t, err)
	defer store.Close()
	msgs, err := store.ChatHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bystander", msgs[0].Username)
	assert.Equal(t, "last words", msgs[0].Body)
}

func TestJourneyMetricsAndHealth(t *testing.T) {
	js := setupJourneyServer(t, nil)
	js.register(t, "counted")

	c := js.login(t, allTransports()[0], "counted")
	sendLine(t, c, "/status offline")
	expectLine(t, c, "Status updated to offline")

	rec := httptest.NewRecorder()
	js.srv.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `linechat_connections_total{transport="tcp"} 1`)
	assert.Contains(t, body, `linechat_commands_total{command="status"} 1`)
	assert.Contains(t, body, "linechat_active_sessions 1")
	assert.Contains(t, body, "go_goroutines")

	rec = httptest.NewRecorder()
	js.srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		LoggedIn int    `json:"logged_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)
	assert.Equal(t, 1, health.LoggedIn)
}

func TestWebSocketRejectedAfterStop(t *testing.T) {
	js := setupJourneyServer(t, nil)
	require.NoError(t, js.srv.Stop())

	rec := httptest.NewRecorder()
	js.srv.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, _, err := websocket.DefaultDialer.Dial(js.wsURL, nil)
	assert.Error(t, err)
}
