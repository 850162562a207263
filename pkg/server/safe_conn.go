package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// ErrLineTooLong is returned by ReadLine when an inbound line exceeds the
// configured limit. The line has been consumed and the connection is still
// usable.
var ErrLineTooLong = errors.New("line too long")

const defaultWriteTimeout = 10 * time.Second

// LineConn is a bidirectional, newline-delimited text transport.
type LineConn interface {
	// ReadLine returns the next line without its terminator.
	ReadLine() (string, error)
	// WriteLine sends text followed by a line terminator.
	WriteLine(text string) error
	Close() error
	RemoteAddr() string
}

// SafeConn carries the line protocol over a byte stream (a TCP socket or an
// SSH channel) and serializes writes, so replies and broadcasts from
// different goroutines never interleave on the wire.
type SafeConn struct {
	rwc     io.ReadWriteCloser
	reader  *bufio.Reader
	maxLine int
	remote  string

	mu sync.Mutex // Protects writes to rwc
}

// NewSafeConn wraps a stream. maxLine is the longest accepted line in bytes,
// excluding the terminator.
func NewSafeConn(rwc io.ReadWriteCloser, remote string, maxLine int) *SafeConn {
	return &SafeConn{
		rwc:     rwc,
		reader:  bufio.NewReaderSize(rwc, 4096),
		maxLine: maxLine,
		remote:  remote,
	}
}

// ReadLine reads up to the next '\n'. A trailing '\r' is stripped.
// Oversized lines are drained without being buffered in full.
func (sc *SafeConn) ReadLine() (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := sc.reader.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			// +2 leaves room for "\r\n"
			if len(line) > sc.maxLine+2 {
				tooLong = true
				line = nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", ErrLineTooLong
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) > sc.maxLine {
		return "", ErrLineTooLong
	}
	return string(line), nil
}

// WriteLine writes text and a newline in a single write.
func (sc *SafeConn) WriteLine(text string) error {
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	buf = append(buf, '\n')

	sc.mu.Lock()
	defer sc.mu.Unlock()

	// Bound writes to a stalled peer
	if nc, ok := sc.rwc.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	}
	_, err := sc.rwc.Write(buf)
	return err
}

// Close closes the underlying stream
func (sc *SafeConn) Close() error {
	return sc.rwc.Close()
}

// RemoteAddr returns the peer address captured at accept time
func (sc *SafeConn) RemoteAddr() string {
	return sc.remote
}
