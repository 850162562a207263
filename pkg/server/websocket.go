package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsReadLimit = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Terminal-style clients send no Origin; browsers from any origin may chat
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startWebSocketServer serves /ws on the HTTP port when enabled
func (s *Server) startWebSocketServer() error {
	if s.config.HTTPPort <= 0 {
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Printf("WebSocket server listening on %s (/ws)", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			errorLog.Printf("WebSocket server error: %v", err)
		}
	}()
	return nil
}

// HandleWebSocket upgrades the request and runs a session over it. Each
// text message carries one line in either direction.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.beginConn() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.connWg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	s.serveConn(newWSConn(conn, s.config.MaxLineLength), "websocket")
}

// wsConn adapts a WebSocket connection to LineConn
type wsConn struct {
	conn    *websocket.Conn
	maxLine int

	mu sync.Mutex // gorilla allows one concurrent writer
}

func newWSConn(conn *websocket.Conn, maxLine int) *wsConn {
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{conn: conn, maxLine: maxLine}
}

func (c *wsConn) ReadLine() (string, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		line := strings.TrimRight(string(data), "\r\n")
		if len(line) > c.maxLine {
			return "", ErrLineTooLong
		}
		return line, nil
	}
}

func (c *wsConn) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
