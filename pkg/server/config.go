package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort       int    `toml:"tcp_port"`
	SSHPort       int    `toml:"ssh_port"`
	HTTPPort      int    `toml:"http_port"`
	MetricsPort   int    `toml:"metrics_port"`
	SSHHostKey    string `toml:"ssh_host_key"`
	DatabasePath  string `toml:"database_path"`
	AdminUser     string `toml:"admin_user"`
	AdminPassword string `toml:"admin_password"`
	LogLevel      string `toml:"log_level"`
	LogFile       string `toml:"log_file"`
}

type LimitsSection struct {
	MaxConnections            int `toml:"max_connections"`
	IdleTimeoutSeconds        int `toml:"idle_timeout_seconds"`
	MaxLineLength             int `toml:"max_line_length"`
	HistoryCacheSize          int `toml:"history_cache_size"`
	FlushIntervalMs           int `toml:"flush_interval_ms"`
	MetricsLogIntervalSeconds int `toml:"metrics_log_interval_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:       12345,
			SSHPort:       0,
			HTTPPort:      0,
			MetricsPort:   9090,
			SSHHostKey:    "~/.linechat/ssh_host_key",
			DatabasePath:  "~/.linechat/chat_history.db",
			AdminUser:     "admin",
			AdminPassword: "admin123",
			LogLevel:      "info",
		},
		Limits: LimitsSection{
			MaxConnections:            1000,
			IdleTimeoutSeconds:        300,
			MaxLineLength:             2048,
			HistoryCacheSize:          50,
			FlushIntervalMs:           2000,
			MetricsLogIntervalSeconds: 10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Still runnable with defaults (e.g. read-only config dir)
			fmt.Fprintf(os.Stderr, "Warning: could not write default config to %s: %v\n", path, err)
		}
		return applyEnvOverrides(config), nil
	}

	// Start from defaults so keys missing from the file keep their default
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: LINECHAT_SECTION_KEY
// Example: LINECHAT_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	envString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	// Server section
	envInt("LINECHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("LINECHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("LINECHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("LINECHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("LINECHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("LINECHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("LINECHAT_SERVER_ADMIN_USER", &config.Server.AdminUser)
	envString("LINECHAT_SERVER_ADMIN_PASSWORD", &config.Server.AdminPassword)
	envString("LINECHAT_SERVER_LOG_LEVEL", &config.Server.LogLevel)
	envString("LINECHAT_SERVER_LOG_FILE", &config.Server.LogFile)

	// Limits section
	envInt("LINECHAT_LIMITS_MAX_CONNECTIONS", &config.Limits.MaxConnections)
	envInt("LINECHAT_LIMITS_IDLE_TIMEOUT_SECONDS", &config.Limits.IdleTimeoutSeconds)
	envInt("LINECHAT_LIMITS_MAX_LINE_LENGTH", &config.Limits.MaxLineLength)
	envInt("LINECHAT_LIMITS_HISTORY_CACHE_SIZE", &config.Limits.HistoryCacheSize)
	envInt("LINECHAT_LIMITS_FLUSH_INTERVAL_MS", &config.Limits.FlushIntervalMs)
	envInt("LINECHAT_LIMITS_METRICS_LOG_INTERVAL_SECONDS", &config.Limits.MetricsLogIntervalSeconds)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# linechat server configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables override these settings:
# LINECHAT_SECTION_KEY (e.g., LINECHAT_SERVER_TCP_PORT=4000)

[server]
# Port for plain TCP line connections
tcp_port = 12345

# Port for SSH connections carrying the same line protocol (0 = disabled)
ssh_port = 0

# Port for the WebSocket endpoint /ws (0 = disabled)
http_port = 0

# Internal metrics port serving /metrics and /health (0 = disabled)
# Do not expose publicly
metrics_port = 9090

# Path to SSH host key file (generated on first start)
ssh_host_key = "~/.linechat/ssh_host_key"

# Path to SQLite database file
database_path = "~/.linechat/chat_history.db"

# Administrator account, created or updated on every start.
# Change the password before exposing the server!
admin_user = "admin"
admin_password = "admin123"

# debug, info, warn or error
log_level = "info"

# Also write the log to this file (empty = stdout/stderr only)
# log_file = "~/.linechat/server.log"

[limits]
# Maximum concurrent connections (0 = unlimited)
max_connections = 1000

# Sessions without input for this long are disconnected
idle_timeout_seconds = 300

# Longest accepted line in bytes
max_line_length = 2048

# Messages kept in memory for /history and /search (1-10000)
history_cache_size = 50

# How often queued chat messages are written to the database
flush_interval_ms = 2000

# Interval of the [METRICS] log line (0 = disabled)
metrics_log_interval_seconds = 10
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if c.Server.AdminUser != "" {
		cfg.AdminUser = c.Server.AdminUser
	}
	if c.Server.AdminPassword != "" {
		cfg.AdminPassword = c.Server.AdminPassword
	}

	cfg.MaxConnections = c.Limits.MaxConnections
	if c.Limits.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	}
	if c.Limits.MaxLineLength > 0 {
		cfg.MaxLineLength = c.Limits.MaxLineLength
	}
	if c.Limits.HistoryCacheSize > 0 {
		cfg.HistoryCacheSize = c.Limits.HistoryCacheSize
	}
	if c.Limits.FlushIntervalMs > 0 {
		cfg.FlushInterval = time.Duration(c.Limits.FlushIntervalMs) * time.Millisecond
	}
	cfg.MetricsLogInterval = time.Duration(c.Limits.MetricsLogIntervalSeconds) * time.Second

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
