package server

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufferRWC serves reads from a fixed input and records writes
type bufferRWC struct {
	io.Reader
	out    bytes.Buffer
	closed bool
}

func (b *bufferRWC) Write(p []byte) (int, error) { return b.out.Write(p) }
func (b *bufferRWC) Close() error                { b.closed = true; return nil }

func TestSafeConnReadLine(t *testing.T) {
	input := "hello\r\n" +
		"plain\n" +
		"\n" +
		strings.Repeat("x", 10) + "\n" +
		strings.Repeat("y", 11) + "\n" +
		strings.Repeat("z", 9000) + "\n" +
		"after\n" +
		"partial"
	conn := NewSafeConn(&bufferRWC{Reader: strings.NewReader(input)}, "test", 10)

	want := []struct {
		line string
		err  error
	}{
		{"hello", nil},
		{"plain", nil},
		{"", nil},
		{strings.Repeat("x", 10), nil},
		{"", ErrLineTooLong},
		{"", ErrLineTooLong},
		{"after", nil},
		{"", io.EOF},
	}
	for i, w := range want {
		line, err := conn.ReadLine()
		if w.err != nil {
			require.ErrorIs(t, err, w.err, "line %d", i)
			continue
		}
		require.NoError(t, err, "line %d", i)
		assert.Equal(t, w.line, line, "line %d", i)
	}
}

func TestSafeConnWriteLine(t *testing.T) {
	rwc := &bufferRWC{Reader: strings.NewReader("")}
	conn := NewSafeConn(rwc, "10.0.0.1:5000", 100)

	require.NoError(t, conn.WriteLine("one"))
	require.NoError(t, conn.WriteLine(""))
	require.NoError(t, conn.WriteLine("two"))
	assert.Equal(t, "one\n\ntwo\n", rwc.out.String())
	assert.Equal(t, "10.0.0.1:5000", conn.RemoteAddr())

	require.NoError(t, conn.Close())
	assert.True(t, rwc.closed)
}

func TestSafeConnConcurrentWritesDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := NewSafeConn(server, "pipe", 4096)
	defer conn.Close()

	const writers, perWriter = 8, 50
	line := strings.Repeat("abcdefgh", 64)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := conn.WriteLine(line); err != nil {
					t.Errorf("WriteLine: %v", err)
					return
				}
			}
		}()
	}

	reader := NewSafeConn(client, "pipe", 4096)
	for i := 0; i < writers*perWriter; i++ {
		got, err := reader.ReadLine()
		require.NoError(t, err)
		require.Equal(t, line, got)
	}
	wg.Wait()
}
