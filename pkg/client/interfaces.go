package client

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect() error
	Disconnect()
	Close()
	IsConnected() bool
	GetAddress() string
	GetRawAddress() string

	Send(line string) error

	// Channels for receiving data
	Incoming() <-chan string
	Errors() <-chan error
	StateChanges() <-chan ConnectionStateUpdate

	// Configuration
	DisableAutoReconnect()
	EnableAutoReconnect()

	// Traffic statistics
	GetLinesSent() uint64
	GetLinesReceived() uint64

	GetConnectionType() string
}

// StateInterface defines the interface for client state persistence
type StateInterface interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	GetLastUsername() string
	SetLastUsername(username string) error
	GetLastServer() string
	SetLastServer(address string) error

	GetFirstRun() bool
	SetFirstRunComplete() error

	// Connection history
	GetLastSuccessfulMethod(serverAddress string) (string, error)
	SaveSuccessfulConnection(serverAddress string, method string) error

	GetStateDir() string

	Close() error
}
