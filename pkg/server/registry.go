package server

import (
	"sort"
	"sync"

	"github.com/aeolun/linechat/pkg/status"
)

// UserRegistry maps authenticated usernames to their live session and
// current presence status.
type UserRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	statuses map[string]string
}

// NewUserRegistry creates an empty registry
func NewUserRegistry() *UserRegistry {
	return &UserRegistry{
		sessions: make(map[string]*Session),
		statuses: make(map[string]string),
	}
}

// Add maps username to sess with status "online". It returns false and
// changes nothing if the name is already held by a different session.
func (r *UserRegistry) Add(username string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[username]; ok && existing != sess {
		return false
	}
	r.sessions[username] = sess
	r.statuses[username] = status.Online
	return true
}

// Remove deletes the mapping only if it still points at sess, so a stale
// session cannot evict a newer login.
func (r *UserRegistry) Remove(username string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[username] != sess {
		return
	}
	delete(r.sessions, username)
	delete(r.statuses, username)
}

// Lookup returns the live session for username
func (r *UserRegistry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[username]
	return sess, ok
}

// Usernames returns a sorted snapshot of every logged-in user
func (r *UserRegistry) Usernames() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// SetStatus updates the displayed status of a logged-in user. It reports
// false when the user is not registered.
func (r *UserRegistry) SetStatus(username, st string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; !ok {
		return false
	}
	r.statuses[username] = st
	return true
}

func (r *UserRegistry) Status(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[username]
	return st, ok
}

func (r *UserRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionRegistry holds two sets: every live connection (for shutdown and
// connection limits) and the broadcast audience of authenticated sessions.
type SessionRegistry struct {
	mu       sync.Mutex
	live     map[*Session]struct{}
	audience map[*Session]struct{}
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		live:     make(map[*Session]struct{}),
		audience: make(map[*Session]struct{}),
	}
}

// TrackIfBelow adds sess to the live set unless limit sessions are already
// live. limit <= 0 means unlimited.
func (r *SessionRegistry) TrackIfBelow(sess *Session, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && len(r.live) >= limit {
		return false
	}
	r.live[sess] = struct{}{}
	return true
}

// Untrack removes sess from both sets
func (r *SessionRegistry) Untrack(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, sess)
	delete(r.audience, sess)
}

// Add makes sess a broadcast recipient
func (r *SessionRegistry) Add(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audience[sess] = struct{}{}
}

// Remove stops broadcasting to sess
func (r *SessionRegistry) Remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.audience, sess)
}

// Broadcast delivers text to every audience member except exclude and
// returns the number of deliveries attempted. Failed deliveries are ignored;
// the failing session's own read loop notices the broken connection.
func (r *SessionRegistry) Broadcast(text string, exclude *Session) int {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.audience))
	for sess := range r.audience {
		if sess != exclude {
			targets = append(targets, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range targets {
		if err := sess.Deliver(text); err != nil {
			debugLog.Printf("Session %s: broadcast delivery failed: %v", sess.ID, err)
		}
	}
	return len(targets)
}

// CloseAll sends notice to every live session and disconnects it. Both sets
// are cleared.
func (r *SessionRegistry) CloseAll(notice string) int {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.live))
	for sess := range r.live {
		targets = append(targets, sess)
	}
	r.live = make(map[*Session]struct{})
	r.audience = make(map[*Session]struct{})
	r.mu.Unlock()

	for _, sess := range targets {
		if notice != "" {
			sess.Deliver(notice)
		}
		sess.ForceDisconnect()
	}
	return len(targets)
}

// Count returns the number of live connections
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// AudienceSize returns the number of authenticated sessions
func (r *SessionRegistry) AudienceSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audience)
}
