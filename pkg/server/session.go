package server

import (
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	msgWelcome      = "Welcome! Please login with: /login <username> <password>"
	msgMustLogin    = "You must /login <username> <password> before issuing other commands."
	msgTooLong      = "Message too long!"
	msgIdleTimeout  = "Idle timeout. Disconnecting..."
	msgShuttingDown = "Server is shutting down now. You will be disconnected."
	msgServerFull   = "Server is full. Try again later."
)

// SessionState is the lifecycle stage of a connection
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateUnauthenticated
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session represents an active client connection
type Session struct {
	ID        string
	Transport string // "tcp", "ssh" or "websocket"
	conn      LineConn
	deps      *Deps
	router    *CommandRouter

	mu       sync.Mutex // Protects state and username
	state    SessionState
	username string

	idleTimeout time.Duration
	timerMu     sync.Mutex
	idleTimer   *time.Timer
	idleGen     uint64
	timerOff    bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSession creates a session in StateConnecting. Run drives it.
func NewSession(conn LineConn, transport string, deps *Deps) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Transport:   transport,
		conn:        conn,
		deps:        deps,
		router:      deps.Router,
		state:       StateConnecting,
		idleTimeout: deps.IdleTimeout,
	}
}

// Run greets the client and processes lines until the transport fails or
// the session is disconnected. Cleanup happens before Run returns.
func (s *Session) Run() {
	defer s.cleanup()

	s.setState(StateUnauthenticated)
	s.Send(msgWelcome)
	s.resetIdleTimer()

	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				s.resetIdleTimer()
				s.Send(msgTooLong)
				continue
			}
			if errors.Is(err, io.EOF) || s.closed.Load() {
				debugLog.Printf("Session %s: client disconnected", s.ID)
			} else {
				debugLog.Printf("Session %s: read error: %v", s.ID, err)
			}
			return
		}

		s.resetIdleTimer()
		s.handleLine(strings.TrimSpace(line))
	}
}

func (s *Session) handleLine(line string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordLineProcessed()
	}

	switch s.State() {
	case StateUnauthenticated:
		if commandName(line) != "login" || !strings.HasPrefix(line, "/") {
			s.Send(msgMustLogin)
			return
		}
		s.router.Dispatch(s, line)
	case StateAuthenticated:
		if line == "" {
			return
		}
		if strings.HasPrefix(line, "/") {
			s.router.Dispatch(s, line)
			return
		}
		s.router.Broadcast(s, line)
	}
}

// Deliver writes one line to the client
func (s *Session) Deliver(text string) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	return s.conn.WriteLine(text)
}

// Send delivers text and logs instead of returning a failure
func (s *Session) Send(text string) {
	if err := s.Deliver(text); err != nil {
		debugLog.Printf("Session %s: delivery failed: %v", s.ID, err)
	}
}

// ForceDisconnect closes the transport. Safe to call any number of times
// from any goroutine; the read loop then exits and cleans up.
func (s *Session) ForceDisconnect() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.stopIdleTimer()
		if err := s.conn.Close(); err != nil {
			debugLog.Printf("Session %s: close error: %v", s.ID, err)
		}
	})
}

// cleanup runs once when Run returns
func (s *Session) cleanup() {
	s.ForceDisconnect()

	s.mu.Lock()
	username := s.username
	s.username = ""
	s.state = StateClosed
	s.mu.Unlock()

	if username != "" {
		s.deps.Users.Remove(username, s)
		s.deps.Statuses.Forget(username)
		log.Printf("Session ended for user: %s", username)
	}
	s.deps.Sessions.Untrack(s)

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSessionClosed()
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = state
	}
}

// Username returns the logged-in user, or "" before login
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// authenticate moves the session to StateAuthenticated as username
func (s *Session) authenticate(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnauthenticated {
		return false
	}
	s.username = username
	s.state = StateAuthenticated
	return true
}

// deauthenticate returns the session to StateUnauthenticated and reports
// the name it was logged in as.
func (s *Session) deauthenticate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.username
	s.username = ""
	if s.state == StateAuthenticated {
		s.state = StateUnauthenticated
	}
	return name
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// resetIdleTimer cancels the pending idle timer and starts a new one. The
// generation check makes a timer that already fired before the reset a
// no-op.
func (s *Session) resetIdleTimer() {
	if s.idleTimeout <= 0 {
		return
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timerOff {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() { s.onIdle(gen) })
}

func (s *Session) stopIdleTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.timerOff = true
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

func (s *Session) onIdle(gen uint64) {
	s.timerMu.Lock()
	stale := s.timerOff || gen != s.idleGen
	s.timerMu.Unlock()
	if stale {
		return
	}

	log.Printf("Session timed out for user: %s", s.Username())
	s.Send(msgIdleTimeout)
	s.ForceDisconnect()
}
