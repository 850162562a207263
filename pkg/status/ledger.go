// Package status tracks each user's current presence status together with
// an undo stack of the statuses it replaced.
package status

import "sync"

const (
	Online  = "online"
	Offline = "offline"
)

type entry struct {
	current string
	history []string
}

// Ledger is safe for concurrent use. Per-user stacks are independent.
type Ledger struct {
	mu    sync.Mutex
	users map[string]*entry
}

func NewLedger() *Ledger {
	return &Ledger{users: make(map[string]*entry)}
}

// Set overwrites the current status, pushing the previous one (if any) onto
// the user's undo stack.
func (l *Ledger) Set(username, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.users[username]
	if !ok {
		l.users[username] = &entry{current: status}
		return
	}
	e.history = append(e.history, e.current)
	e.current = status
}

// Apply overwrites the current status without touching the undo stack.
// Used to re-apply a status returned by Undo.
func (l *Ledger) Apply(username, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.users[username]; ok {
		e.current = status
		return
	}
	l.users[username] = &entry{current: status}
}

// Undo pops the most recent prior status. The second result is false when
// there is nothing to undo.
func (l *Ledger) Undo(username string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.users[username]
	if !ok || len(e.history) == 0 {
		return "", false
	}
	last := len(e.history) - 1
	prev := e.history[last]
	e.history = e.history[:last]
	return prev, true
}

// Forget drops the user's status and undo stack.
func (l *Ledger) Forget(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, username)
}
