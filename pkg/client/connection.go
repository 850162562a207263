package client

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

var (
	// ErrNotConnected is returned by Send while there is no live connection
	ErrNotConnected = errors.New("not connected")
	// ErrDisconnected is reported on Errors when the server goes away
	ErrDisconnected = errors.New("disconnected from server")
	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("connection closed")

	errAlreadyConnected = errors.New("already connected")
	errSendBufferFull   = errors.New("send buffer full")
)

// lineTransport is one connected line stream to the server
type lineTransport interface {
	ReadLine() (string, error)
	WriteLine(text string) error
	Close() error
}

// Connection is a client connection to a linechat server. Lines read from
// the server are delivered on Incoming; Send queues a line for the writer.
// With auto-reconnect enabled a lost connection is redialled with
// exponential backoff.
type Connection struct {
	addr            string // Display address with scheme (e.g., "ws://server:8080")
	rawAddr         string // Raw host:port without scheme
	connectionType  string // "tcp", "ssh" or "websocket"
	dial            func() (lineTransport, error)
	securityWarning string
	warningOnce     sync.Once

	mu           sync.RWMutex
	conn         lineTransport
	connDone     chan struct{} // closed when conn is dropped
	connected    bool
	reconnecting bool

	incoming    chan string
	outgoing    chan string
	errors      chan error
	stateChange chan ConnectionStateUpdate

	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	linesSent     atomic.Uint64
	linesReceived atomic.Uint64

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection parses addr and prepares a connection; Connect dials it
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:              dialConfig.display,
		rawAddr:           dialConfig.raw,
		connectionType:    dialConfig.connType,
		dial:              dialConfig.dial,
		securityWarning:   dialConfig.warning,
		incoming:          make(chan string, 256),
		outgoing:          make(chan string, 64),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdown:          make(chan struct{}),
	}, nil
}

// SetLogger sets a debug logger for connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// DisableAutoReconnect disables automatic reconnection
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// EnableAutoReconnect enables automatic reconnection
func (c *Connection) EnableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = true
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and starts the reader and writer goroutines
func (c *Connection) Connect() error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if connected {
		return errAlreadyConnected
	}

	c.logf("Connecting to %s...", c.addr)
	transport, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("connect to %s: %w", c.addr, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	select {
	case <-c.shutdown:
		c.mu.Unlock()
		transport.Close()
		return ErrClosed
	default:
	}
	if c.connected {
		c.mu.Unlock()
		transport.Close()
		return errAlreadyConnected
	}
	c.conn = transport
	c.connDone = done
	c.connected = true
	c.wg.Add(2)
	c.mu.Unlock()

	c.logf("Connected successfully to %s (%s)", c.addr, c.connectionType)
	c.warningOnce.Do(func() {
		if c.securityWarning != "" {
			c.logf("WARNING: %s", c.securityWarning)
		}
	})

	go c.readLoop(transport)
	go c.writeLoop(transport, done)

	return nil
}

// Disconnect drops the connection without reconnecting
func (c *Connection) Disconnect() {
	c.DisableAutoReconnect()
	c.mu.Lock()
	c.dropLocked()
	c.mu.Unlock()
}

// Close disconnects and stops all goroutines. The connection cannot be
// reused afterwards.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.mu.Lock()
		c.autoReconnect = false
		c.dropLocked()
		c.mu.Unlock()
		c.wg.Wait()
	})
}

// dropLocked closes the live transport. c.mu must be held.
func (c *Connection) dropLocked() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	close(c.connDone)
	c.conn = nil
	c.connDone = nil
	c.connected = false
}

// Send queues one line for the server
func (c *Connection) Send(line string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	select {
	case c.outgoing <- line:
		return nil
	default:
		return errSendBufferFull
	}
}

// Incoming returns lines received from the server
func (c *Connection) Incoming() <-chan string {
	return c.incoming
}

// Errors returns connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns connection state transitions
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the display address with scheme
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetRawAddress returns host:port without scheme
func (c *Connection) GetRawAddress() string {
	return c.rawAddr
}

// GetConnectionType returns "tcp", "ssh" or "websocket"
func (c *Connection) GetConnectionType() string {
	return c.connectionType
}

func (c *Connection) GetLinesSent() uint64 {
	return c.linesSent.Load()
}

func (c *Connection) GetLinesReceived() uint64 {
	return c.linesReceived.Load()
}

func (c *Connection) readLoop(transport lineTransport) {
	defer c.wg.Done()

	for {
		line, err := transport.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
			} else {
				c.logf("Read error: %v", err)
			}
			c.handleDisconnect(transport)
			return
		}
		c.linesReceived.Add(1)
		c.logf("← %s", line)

		select {
		case c.incoming <- line:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) writeLoop(transport lineTransport, done <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case line := <-c.outgoing:
			if err := transport.WriteLine(line); err != nil {
				c.logf("Write error: %v", err)
				c.handleDisconnect(transport)
				return
			}
			c.linesSent.Add(1)
			c.logf("→ %s", line)
		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect tears down transport if it is still the live one and
// starts reconnecting when enabled.
func (c *Connection) handleDisconnect(transport lineTransport) {
	c.mu.Lock()
	if c.conn != transport {
		// Already replaced or closed deliberately
		c.mu.Unlock()
		return
	}
	c.dropLocked()
	reconnect := c.autoReconnect
	c.mu.Unlock()

	select {
	case <-c.shutdown:
		return
	default:
	}

	c.logf("Disconnected from server")
	select {
	case c.errors <- ErrDisconnected:
	default:
	}
	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Err: ErrDisconnected}:
	default:
	}

	if reconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		select {
		case <-c.shutdown:
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-time.After(delay):
			c.mu.RLock()
			enabled := c.autoReconnect
			c.mu.RUnlock()
			if !enabled {
				return
			}

			c.logf("Reconnect attempt %d to %s", attempt, c.addr)
			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
			default:
			}

			err := c.Connect()
			if errors.Is(err, ErrClosed) {
				return
			}
			if err != nil && !errors.Is(err, errAlreadyConnected) {
				delay *= 2
				if delay > c.maxReconnectDelay {
					delay = c.maxReconnectDelay
				}
				c.logf("Reconnect attempt %d failed: %v (next in %v)", attempt, err, delay)
				attempt++
				continue
			}

			c.logf("Reconnected after %d attempts", attempt)
			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected}:
			default:
			}
			return
		}
	}
}

// streamTransport frames lines on a byte stream (TCP socket, SSH channel)
type streamTransport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

func newStreamTransport(rwc io.ReadWriteCloser) *streamTransport {
	return &streamTransport{rwc: rwc, reader: bufio.NewReader(rwc)}
}

func (t *streamTransport) ReadLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *streamTransport) WriteLine(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.rwc, text+"\n")
	return err
}

func (t *streamTransport) Close() error {
	return t.rwc.Close()
}

// wsTransport carries one line per WebSocket text message
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) ReadLine() (string, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (t *wsTransport) WriteLine(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.mu.Unlock()
	return t.conn.Close()
}

// DialWebSocket connects to the /ws endpoint at address (host:port)
func DialWebSocket(address, path string, useTLS bool) (lineTransport, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: address, Path: path}

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type dialConfig struct {
	display  string // Display address with scheme
	raw      string // Raw host:port without scheme
	connType string
	dial     func() (lineTransport, error)
	warning  string
}

const (
	defaultTCPPort   = "12345"
	defaultSSHPort   = "2222"
	defaultHTTPPort  = "8080"
	defaultWSPath    = "/ws"
	dialTimeout      = 5 * time.Second
	sshVersionPrefix = "SSH-2.0-linechat"
)

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	path := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  address,
			raw:      address,
			connType: "tcp",
			dial: func() (lineTransport, error) {
				conn, err := net.DialTimeout("tcp", address, dialTimeout)
				if err != nil {
					return nil, err
				}
				return newStreamTransport(conn), nil
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}
		verifier := newHostKeyVerifier(host, port)
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  fmt.Sprintf("ssh://%s@%s", user, address),
			raw:      address,
			connType: "ssh",
			dial: func() (lineTransport, error) {
				return dialSSH(user, address, verifier)
			},
			warning: verifier.warning,
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = defaultWSPath
		}
		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display:  fmt.Sprintf("%s://%s%s", scheme, address, path),
			raw:      address,
			connType: "websocket",
			dial: func() (lineTransport, error) {
				return DialWebSocket(address, path, useTLS)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

func defaultSSHUser() string {
	if user := os.Getenv("LINECHAT_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "linechat"
}

// dialSSH opens a shell channel on a linechat SSH endpoint. The server
// takes no SSH credentials; chat login still happens with /login.
func dialSSH(user, address string, verifier *hostKeyVerifier) (lineTransport, error) {
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.callback,
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", address, config)
	if err != nil {
		return nil, verifier.wrapError(err)
	}

	banner := string(client.ServerVersion())
	if !strings.HasPrefix(banner, sshVersionPrefix) {
		client.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a linechat server (banner prefix %q)", banner, sshVersionPrefix)
	}
	verifier.persistAccepted()

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		client.Close()
		return nil, err
	}

	return newStreamTransport(&sshSessionConn{
		Reader: stdout,
		stdin:  stdin,
		close: func() error {
			session.Close()
			return client.Close()
		},
	}), nil
}

type sshSessionConn struct {
	io.Reader
	stdin io.WriteCloser
	close func() error
	once  sync.Once
}

func (c *sshSessionConn) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

func (c *sshSessionConn) Close() error {
	var err error
	c.once.Do(func() { err = c.close() })
	return err
}

// hostKeyVerifier checks server keys against known_hosts and asks the user
// to trust unknown keys on first use.
type hostKeyVerifier struct {
	host      string
	port      string
	paths     []string
	callbacks []ssh.HostKeyCallback
	accepted  map[string]ssh.PublicKey
	warning   string
	prompt    func(hostname, fingerprint string) (bool, error)
}

var errUserRejectedHostKey = errors.New("user rejected ssh host key")

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	paths := knownHostPaths()
	var callbacks []ssh.HostKeyCallback
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			callbacks = append(callbacks, cb)
		}
	}

	warning := ""
	if len(callbacks) == 0 {
		warning = "no known_hosts file found; the SSH host key is trusted on first use only"
	}

	return &hostKeyVerifier{
		host:      host,
		port:      port,
		paths:     paths,
		callbacks: callbacks,
		accepted:  make(map[string]ssh.PublicKey),
		warning:   warning,
		prompt:    promptAcceptHostKey,
	}
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(v.callbacks) == 0 {
		return v.handleUnknownHostKey(hostname, key)
	}

	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(lastErr, &keyErr) {
		if len(keyErr.Want) == 0 {
			return v.handleUnknownHostKey(hostname, key)
		}
		return fmt.Errorf("ssh host key for %s changed: server presented %s but known_hosts expects %s; remove the stale entry if this is expected",
			hostname, ssh.FingerprintSHA256(key), ssh.FingerprintSHA256(keyErr.Want[0].Key))
	}
	return lastErr
}

func (v *hostKeyVerifier) handleUnknownHostKey(hostname string, key ssh.PublicKey) error {
	if prev, ok := v.accepted[hostname]; ok && string(prev.Marshal()) == string(key.Marshal()) {
		return nil
	}

	fingerprint := ssh.FingerprintSHA256(key)
	ok, err := v.prompt(hostname, fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return errUserRejectedHostKey
	}
	v.accepted[hostname] = key
	return nil
}

func (v *hostKeyVerifier) wrapError(err error) error {
	if errors.Is(err, errUserRejectedHostKey) {
		return fmt.Errorf("connection aborted: rejected SSH host key for %s", net.JoinHostPort(v.host, v.port))
	}
	return err
}

// persistAccepted appends keys the user accepted to the first known_hosts file
func (v *hostKeyVerifier) persistAccepted() {
	if len(v.accepted) == 0 || len(v.paths) == 0 {
		return
	}
	for host, key := range v.accepted {
		if err := appendKnownHost(v.paths[0], host, key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to persist SSH host key for %s: %v\n", host, err)
		}
	}
	v.accepted = make(map[string]ssh.PublicKey)
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func promptAcceptHostKey(hostname, fingerprint string) (bool, error) {
	if info, err := os.Stdin.Stat(); err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return false, fmt.Errorf("ssh host key %s for %s is not trusted and stdin is not a terminal", fingerprint, hostname)
	}

	fmt.Printf("\nThe authenticity of host '%s' can't be established.\n", hostname)
	fmt.Printf("SSH key fingerprint is %s.\n", fingerprint)
	fmt.Print("Do you trust this host? (yes/no) [no]: ")

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y", nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintf(f, "%s linechat added=%s\n", line, time.Now().Format(time.RFC3339))
	return err
}
