package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// InitLogging configures the standard logger and the package's error and
// debug loggers. level is one of debug, info, warn or error; logFile, when
// set, receives a copy of everything written. The returned closer closes
// the log file.
func InitLogging(level, logFile string) (io.Closer, error) {
	var file *os.File
	stdout, stderr := io.Writer(os.Stdout), io.Writer(os.Stderr)

	if logFile != "" {
		path, err := expandHome(logFile)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		// Startup marker for distinguishing between runs
		fmt.Fprintf(file, "=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
		stdout = io.MultiWriter(os.Stdout, file)
		stderr = io.MultiWriter(os.Stderr, file)
	}

	errorLog = log.New(stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(stdout)

	switch strings.ToLower(level) {
	case "debug":
		debugLog = log.New(stdout, "DEBUG: ", log.LstdFlags)
		debugLog.Println("Debug logging enabled")
	case "", "info":
	case "warn", "error":
		log.SetOutput(io.Discard)
	default:
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	if file == nil {
		return io.NopCloser(nil), nil
	}
	return file, nil
}
