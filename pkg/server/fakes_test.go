package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/linechat/pkg/auth"
	"github.com/aeolun/linechat/pkg/history"
	"github.com/aeolun/linechat/pkg/status"
)

// testHashParams keeps Argon2 cheap in tests
var testHashParams = auth.HashParams{Time: 1, Memory: 8, Threads: 1, KeyLen: 32}

// fakeConn is an in-memory LineConn. Lines pushed with feed are returned by
// ReadLine; everything written is recorded.
type fakeConn struct {
	in   chan string
	done chan struct{}

	mu        sync.Mutex
	written   []string
	closeOnce sync.Once
	closes    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan string, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadLine() (string, error) {
	select {
	case line := <-c.in:
		return line, nil
	case <-c.done:
		return "", io.EOF
	}
}

func (c *fakeConn) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.written = append(c.written, text)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake:1" }

func (c *fakeConn) feed(line string) { c.in <- line }

func (c *fakeConn) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) last() string {
	lines := c.lines()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fakeStore is an in-memory MessageStore
type fakeStore struct {
	mu         sync.Mutex
	enqueued   []string
	offline    map[string][]string
	offlineErr error
	historyErr error
	panicOn    string

	// beforeStoreOffline runs once at the start of the next StoreOffline
	beforeStoreOffline func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{offline: make(map[string][]string)}
}

func (f *fakeStore) Enqueue(username, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, username+": "+body)
	return nil
}

func (f *fakeStore) FullHistory(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == "history" {
		panic("history exploded")
	}
	if f.historyErr != nil {
		return "", f.historyErr
	}
	out := ""
	for _, line := range f.enqueued {
		out += "2024-01-02 03:04:05 " + line + "\n"
	}
	return out, nil
}

func (f *fakeStore) StoreOffline(ctx context.Context, toUser, body string) error {
	f.mu.Lock()
	hook := f.beforeStoreOffline
	f.beforeStoreOffline = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offlineErr != nil {
		return f.offlineErr
	}
	f.offline[toUser] = append(f.offline[toUser], body)
	return nil
}

func (f *fakeStore) RetrieveAndClearOffline(ctx context.Context, username string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offlineErr != nil {
		return nil, f.offlineErr
	}
	msgs := f.offline[username]
	delete(f.offline, username)
	return msgs, nil
}

func (f *fakeStore) pendingOffline(username string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offline[username]...)
}

func (f *fakeStore) queued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enqueued...)
}

var errStoreDown = errors.New("store down")

// newTestDeps wires in-memory components with an admin "root" and users
// alice, bob and carol, all with password "pw".
func newTestDeps(t *testing.T) (*Deps, *fakeStore) {
	t.Helper()

	creds := auth.NewCredentialStore(nil, testHashParams)
	require.NoError(t, creds.SeedAdmin(t.Context(), "root", "pw"))
	for _, name := range []string{"alice", "bob", "carol"} {
		created, err := creds.Register(t.Context(), name, "pw")
		require.NoError(t, err)
		require.True(t, created)
	}

	store := newFakeStore()
	deps := &Deps{
		Credentials: creds,
		Users:       NewUserRegistry(),
		Sessions:    NewSessionRegistry(),
		Statuses:    status.NewLedger(),
		History:     history.NewCache(history.DefaultCapacity),
		Store:       store,
		Metrics:     NewMetrics(),
	}
	deps.Router = NewCommandRouter(deps)
	return deps, store
}

// track adds sess to the live set without a limit
func (r *SessionRegistry) track(sess *Session) {
	r.TrackIfBelow(sess, 0)
}

// newTestSession creates a session in the state Run leaves it in after the
// greeting, without starting the read loop.
func newTestSession(deps *Deps) (*Session, *fakeConn) {
	conn := newFakeConn()
	sess := NewSession(conn, "test", deps)
	deps.Sessions.track(sess)
	sess.setState(StateUnauthenticated)
	return sess, conn
}

// loginTestSession creates a session and logs it in as username
func loginTestSession(t *testing.T, deps *Deps, username string) (*Session, *fakeConn) {
	t.Helper()
	sess, conn := newTestSession(deps)
	deps.Router.Dispatch(sess, "/login "+username+" pw")
	require.Equal(t, "Login successful. Welcome, "+username+"!", conn.last())
	conn.reset()
	return sess, conn
}

// runSession starts Run in the background and waits for the welcome line
func runSession(t *testing.T, deps *Deps) (*Session, *fakeConn, <-chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	sess := NewSession(conn, "test", deps)
	deps.Sessions.track(sess)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run()
	}()
	t.Cleanup(func() {
		sess.ForceDisconnect()
		<-done
	})

	require.Eventually(t, func() bool {
		return len(conn.lines()) > 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, msgWelcome, conn.lines()[0])
	return sess, conn, done
}
