package client

import (
	"sync"
)

// MockConnection is a test implementation of ConnectionInterface. Lines
// passed to Send are recorded; Simulate* feeds the receive channels.
type MockConnection struct {
	mu sync.RWMutex

	connected     bool
	address       string
	autoReconnect bool
	connectErr    error
	sendErr       error
	connectCalls  int

	incoming    chan string
	errors      chan error
	stateChange chan ConnectionStateUpdate

	sent []string
}

// NewMockConnection creates a disconnected mock
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:     address,
		incoming:    make(chan string, 100),
		errors:      make(chan error, 10),
		stateChange: make(chan ConnectionStateUpdate, 10),
	}
}

func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Close closes the receive channels, ending any listener
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	close(m.incoming)
	close(m.errors)
	close(m.stateChange)
}

func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockConnection) GetAddress() string { return m.address }
func (m *MockConnection) GetRawAddress() string { return m.address }
func (m *MockConnection) GetConnectionType() string { return "tcp" }

// Send records line, failing like the real connection when disconnected
func (m *MockConnection) Send(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	if !m.connected {
		return ErrNotConnected
	}
	m.sent = append(m.sent, line)
	return nil
}

func (m *MockConnection) Incoming() <-chan string { return m.incoming }
func (m *MockConnection) Errors() <-chan error { return m.errors }
func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate { return m.stateChange }

func (m *MockConnection) DisableAutoReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = false
}

func (m *MockConnection) EnableAutoReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = true
}

func (m *MockConnection) GetLinesSent() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.sent))
}

func (m *MockConnection) GetLinesReceived() uint64 { return 0 }

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError sets an error to return from Send()
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockConnection) SimulateIncomingLine(line string) {
	m.incoming <- line
}

func (m *MockConnection) SimulateError(err error) {
	m.errors <- err
}

func (m *MockConnection) SimulateStateChange(state ConnectionStateUpdate) {
	m.stateChange <- state
}

// SentLines returns a copy of every line sent so far
func (m *MockConnection) SentLines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.sent...)
}

func (m *MockConnection) ConnectCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectCalls
}

// AutoReconnect reports whether auto-reconnect is enabled
func (m *MockConnection) AutoReconnect() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoReconnect
}

func (m *MockConnection) ClearSentLines() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
