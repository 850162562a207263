package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/linechat/pkg/auth"
	"github.com/aeolun/linechat/pkg/database"
	"github.com/aeolun/linechat/pkg/history"
	"github.com/aeolun/linechat/pkg/status"
)

// Deps bundles the shared components every session and the command router
// work against.
type Deps struct {
	Credentials *auth.CredentialStore
	Users       *UserRegistry
	Sessions    *SessionRegistry
	Statuses    *status.Ledger
	History     *history.Cache
	Store       MessageStore
	Metrics     *Metrics // may be nil
	Router      *CommandRouter

	IdleTimeout     time.Duration
	RequestShutdown func()
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host               string // Bind host for all listeners ("" = all interfaces)
	TCPPort            int
	SSHPort            int // 0 = disabled
	HTTPPort           int // WebSocket endpoint, 0 = disabled
	MetricsPort        int // /metrics and /health, 0 = disabled
	SSHHostKeyPath     string
	SSHShellTimeout    time.Duration // how long an SSH channel may wait for its shell request
	AdminUser          string
	AdminPassword      string
	MaxConnections     int // 0 = unlimited
	IdleTimeout        time.Duration
	MaxLineLength      int
	HistoryCacheSize   int
	FlushInterval      time.Duration
	MetricsLogInterval time.Duration // 0 = disabled
	HashParams         auth.HashParams
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:            12345,
		MetricsPort:        9090,
		SSHHostKeyPath:     "~/.linechat/ssh_host_key",
		SSHShellTimeout:    10 * time.Second,
		AdminUser:          "admin",
		AdminPassword:      "admin123",
		MaxConnections:     1000,
		IdleTimeout:        300 * time.Second,
		MaxLineLength:      2048,
		HistoryCacheSize:   history.DefaultCapacity,
		FlushInterval:      2 * time.Second,
		MetricsLogInterval: 10 * time.Second,
		HashParams:         auth.DefaultHashParams(),
	}
}

// Server represents the linechat server
type Server struct {
	config     ServerConfig
	configPath string
	store      *database.Store
	pipeline   *database.Pipeline
	deps       *Deps
	metrics    *Metrics
	startTime  time.Time

	listener      net.Listener
	sshListener   net.Listener
	httpListener  net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown    chan struct{} // closed by Stop
	shutdownReq chan struct{} // closed by /shutdown
	requestOnce sync.Once
	stopOnce    sync.Once
	wg          sync.WaitGroup // accept and background loops
	connMu      sync.Mutex     // Protects stopping and connWg.Add
	connWg      sync.WaitGroup // one per connection goroutine
	stopping    bool

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer opens the database, loads credentials, seeds the admin account
// and wires the components together. Listeners are opened by Start.
func NewServer(dbPath string, config ServerConfig, configPath string) (*Server, error) {
	store, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	credentials := auth.NewCredentialStore(store, config.HashParams)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := credentials.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := credentials.SeedAdmin(ctx, config.AdminUser, config.AdminPassword); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to seed admin account: %w", err)
	}

	metrics := NewMetrics()
	pipeline := database.NewPipeline(store, config.FlushInterval, metrics)

	s := &Server{
		config:      config,
		configPath:  configPath,
		store:       store,
		pipeline:    pipeline,
		metrics:     metrics,
		startTime:   time.Now(),
		shutdown:    make(chan struct{}),
		shutdownReq: make(chan struct{}),
	}

	deps := &Deps{
		Credentials:     credentials,
		Users:           NewUserRegistry(),
		Sessions:        NewSessionRegistry(),
		Statuses:        status.NewLedger(),
		History:         history.NewCache(config.HistoryCacheSize),
		Store:           pipeline,
		Metrics:         metrics,
		IdleTimeout:     config.IdleTimeout,
		RequestShutdown: s.requestShutdown,
	}
	deps.Router = NewCommandRouter(deps)
	s.deps = deps

	return s, nil
}

// Start opens the listeners and starts accepting connections
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.TCPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startWebSocketServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	// Internal only - never expose publicly!
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		metricsAddr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.MetricsPort))
		s.metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if s.config.MetricsLogInterval > 0 {
		s.wg.Add(1)
		go s.metricsLoggingLoop()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address (useful with port 0)
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ShutdownRequested is closed when an admin issues /shutdown
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownReq
}

func (s *Server) requestShutdown() {
	s.requestOnce.Do(func() { close(s.shutdownReq) })
}

// Stop closes the listeners, disconnects every session, waits for their
// goroutines, flushes the write-back pipeline and closes the database.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)
	s.closeListeners()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}

	s.connMu.Lock()
	s.stopping = true
	s.connMu.Unlock()

	n := s.deps.Sessions.CloseAll(msgShuttingDown)
	log.Printf("Closed %d client sessions", n)

	log.Println("Waiting for connection goroutines to finish...")
	s.connWg.Wait()
	s.wg.Wait()

	log.Printf("Flushing %d queued messages to disk...", s.pipeline.Pending())
	var errs []error
	if err := s.pipeline.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		errorLog.Printf("Error during shutdown: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		log.Println("SSH listener closed")
	}
	if s.httpListener != nil {
		s.httpListener.Close()
	}
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		if !s.beginConn() {
			conn.Close()
			continue
		}
		go func() {
			defer s.connWg.Done()
			s.serveConn(NewSafeConn(conn, conn.RemoteAddr().String(), s.config.MaxLineLength), "tcp")
		}()
	}
}

// beginConn registers a connection goroutine; false once Stop has begun
func (s *Server) beginConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.connWg.Add(1)
	return true
}

// serveConn runs a session over conn until it ends. Every transport ends up
// here.
func (s *Server) serveConn(conn LineConn, transport string) {
	sess := NewSession(conn, transport, s.deps)

	if !s.deps.Sessions.TrackIfBelow(sess, s.config.MaxConnections) {
		log.Printf("Rejecting %s connection from %s: server full", transport, conn.RemoteAddr())
		conn.WriteLine(msgServerFull)
		conn.Close()
		s.metrics.RecordRejected()
		return
	}
	// Tracked after CloseAll already ran
	select {
	case <-s.shutdown:
		s.deps.Sessions.Untrack(sess)
		conn.WriteLine(msgShuttingDown)
		conn.Close()
		return
	default:
	}

	s.metrics.RecordSessionCreated(transport)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (session %s)", transport, conn.RemoteAddr(), sess.ID)

	sess.Run()

	s.disconnectionsSinceReport.Add(1)
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			lines := s.metrics.takeLinesSinceReport()
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Messages processed in last %v: %d, active sessions: %d, logged in: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.config.MetricsLogInterval, lines, s.deps.Sessions.Count(), s.deps.Users.Count(),
				connected, disconnected, runtime.NumGoroutine())
		}
	}
}

// HealthHandler reports liveness and a few gauges as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"sessions":        s.deps.Sessions.Count(),
		"logged_in":       s.deps.Users.Count(),
		"pending_history": s.pipeline.Pending(),
	})
}
