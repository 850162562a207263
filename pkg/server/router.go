package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/aeolun/linechat/pkg/auth"
	"github.com/aeolun/linechat/pkg/status"
)

const storeTimeout = 5 * time.Second

// MessageStore is the durable side of the chat: batched history writes,
// synchronous offline messages and history reads. *database.Pipeline
// implements it.
type MessageStore interface {
	Enqueue(username, body string) error
	FullHistory(ctx context.Context) (string, error)
	StoreOffline(ctx context.Context, toUser, body string) error
	RetrieveAndClearOffline(ctx context.Context, username string) ([]string, error)
}

type command struct {
	handler       func(sess *Session, args string)
	requiresAuth  bool
	requiresAdmin bool
	usage         string
	summary       string
}

// CommandRouter parses slash-commands, applies the auth/admin gates from
// its table and runs the matching handler. It is shared by all sessions and
// holds no per-session state.
type CommandRouter struct {
	deps     *Deps
	commands map[string]command
}

// NewCommandRouter builds the command table over deps
func NewCommandRouter(deps *Deps) *CommandRouter {
	r := &CommandRouter{deps: deps}
	r.commands = map[string]command{
		"login":    {handler: r.cmdLogin, usage: "/login <username> <password>", summary: "log in"},
		"logout":   {handler: r.cmdLogout, requiresAuth: true, usage: "/logout", summary: "log out and stay connected"},
		"msg":      {handler: r.cmdMsg, requiresAuth: true, usage: "/msg <username> <message>", summary: "send a private message"},
		"history":  {handler: r.cmdHistory, usage: "/history", summary: "show stored and recent messages"},
		"status":   {handler: r.cmdStatus, requiresAuth: true, usage: "/status <online|offline>", summary: "change your status"},
		"undo":     {handler: r.cmdUndo, requiresAuth: true, usage: "/undo", summary: "revert your last status change"},
		"shutdown": {handler: r.cmdShutdown, requiresAuth: true, requiresAdmin: true, usage: "/shutdown", summary: "stop the server"},
		"list":     {handler: r.cmdList, requiresAuth: true, requiresAdmin: true, usage: "/list", summary: "list logged-in users"},
		"search":   {handler: r.cmdSearch, usage: "/search <keyword>", summary: "search recent messages"},
		"offline":  {handler: r.cmdOffline, usage: "/offline", summary: "disconnect"},
		"help":     {handler: r.cmdHelp, usage: "/help", summary: "show this list"},
		"register": {handler: r.cmdRegister, requiresAuth: true, requiresAdmin: true, usage: "/register <username> <password>", summary: "create a user"},
		"role":     {handler: r.cmdRole, requiresAuth: true, requiresAdmin: true, usage: "/role <username> <user|admin>", summary: "change a user's role"},
	}
	return r
}

// parseCommand splits "/name rest of line" into "name" and the trimmed rest
func parseCommand(line string) (name, args string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		name, args = line[:i], strings.TrimSpace(line[i:])
	} else {
		name = line
	}
	return strings.TrimPrefix(name, "/"), args
}

func commandName(line string) string {
	name, _ := parseCommand(line)
	return name
}

// Dispatch runs a single command line for sess
func (r *CommandRouter) Dispatch(sess *Session, line string) {
	name, args := parseCommand(line)
	defer r.recoverHandler(sess, "/"+name)

	cmd, ok := r.commands[name]
	if !ok {
		sess.Send("Unknown command: /" + name)
		return
	}
	if cmd.requiresAuth && sess.State() != StateAuthenticated {
		sess.Send("Please /login first.")
		return
	}
	if cmd.requiresAdmin && !r.deps.Credentials.IsAdmin(sess.Username()) {
		sess.Send(fmt.Sprintf("You are not authorized to use /%s.", name))
		return
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordCommand(name)
	}
	cmd.handler(sess, args)
}

// Broadcast sends a plain chat line from sess to every other logged-in
// session, queues it for persistence and adds it to the recent cache.
func (r *CommandRouter) Broadcast(sess *Session, text string) {
	defer r.recoverHandler(sess, "broadcast")

	username := sess.Username()
	line := username + ": " + text

	if err := r.deps.Store.Enqueue(username, text); err != nil {
		errorLog.Printf("Failed to queue message from %s: %v", username, err)
	}
	r.deps.History.Add(line)
	n := r.deps.Sessions.Broadcast(line, sess)

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordBroadcast(n)
	}
}

func (r *CommandRouter) recoverHandler(sess *Session, what string) {
	if rec := recover(); rec != nil {
		errorLog.Printf("Session %s: panic in %s: %v\n%s", sess.ID, what, rec, debug.Stack())
		sess.Send("Internal error.")
	}
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (r *CommandRouter) cmdLogin(sess *Session, args string) {
	if sess.State() == StateAuthenticated {
		sess.Send("You are already logged in.")
		return
	}

	fields := strings.Fields(args)
	if len(fields) < 2 {
		sess.Send("Usage: /login <username> <password>")
		return
	}
	username, password := fields[0], fields[1]

	if !r.deps.Credentials.Authenticate(username, password) {
		log.Printf("Failed login for %q from %s", username, sess.RemoteAddr())
		sess.Send("Authentication failed. Use /login <username> <password>")
		return
	}

	if !r.deps.Users.Add(username, sess) {
		sess.Send(fmt.Sprintf("User %s is already logged in.", username))
		return
	}
	if !sess.authenticate(username) {
		// Session closed while authenticating
		r.deps.Users.Remove(username, sess)
		return
	}
	r.deps.Sessions.Add(sess)
	r.deps.Statuses.Set(username, status.Online)

	ctx, cancel := storeContext()
	defer cancel()
	offline, err := r.deps.Store.RetrieveAndClearOffline(ctx, username)
	if err != nil {
		errorLog.Printf("Failed to retrieve offline messages for %s: %v", username, err)
		sess.Send("Failed to retrieve offline messages.")
	} else if len(offline) > 0 {
		sess.Send("You have offline messages:")
		for _, msg := range offline {
			sess.Send(msg)
		}
	}

	sess.Send(fmt.Sprintf("Login successful. Welcome, %s!", username))
	log.Printf("User logged in: %s (%s via %s)", username, sess.RemoteAddr(), sess.Transport)
}

func (r *CommandRouter) cmdLogout(sess *Session, args string) {
	username := sess.deauthenticate()
	r.deps.Users.Remove(username, sess)
	r.deps.Sessions.Remove(sess)
	r.deps.Statuses.Forget(username)

	sess.Send("You have been logged out.")
	log.Printf("User logged out: %s", username)
}

func (r *CommandRouter) cmdMsg(sess *Session, args string) {
	target, text := parseCommand(args)
	if target == "" || text == "" {
		sess.Send("Usage: /msg <username> <message>")
		return
	}
	sender := sess.Username()
	private := "[Private] " + sender + ": " + text

	if targetSess, ok := r.deps.Users.Lookup(target); ok {
		// A session that closed but is not yet cleaned up falls through
		// to the offline path
		err := targetSess.Deliver(private)
		if err == nil {
			echo := "[Private to " + target + "] " + text
			sess.Send(echo)

			if err := r.deps.Store.Enqueue(sender, echo); err != nil {
				errorLog.Printf("Failed to queue private message from %s: %v", sender, err)
			}
			r.deps.History.Add(private)
			if r.deps.Metrics != nil {
				r.deps.Metrics.RecordPrivate(false)
			}
			return
		}
		debugLog.Printf("Private delivery to %s failed, storing offline: %v", target, err)
	}

	// Offline and unknown users look the same to the sender
	ctx, cancel := storeContext()
	defer cancel()
	if err := r.deps.Store.StoreOffline(ctx, target, private); err != nil {
		errorLog.Printf("Failed to store offline message for %s: %v", target, err)
		sess.Send("Failed to store offline message.")
		return
	}
	sess.Send(fmt.Sprintf("User %s is offline or not found. Storing offline.", target))
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordPrivate(true)
	}

	r.redeliverOffline(ctx, target)
}

// redeliverOffline hands stored messages to target if it logged in after
// the lookup in cmdMsg, since its own login may already have drained the
// offline table. Messages that cannot be delivered go back to the store.
func (r *CommandRouter) redeliverOffline(ctx context.Context, target string) {
	targetSess, ok := r.deps.Users.Lookup(target)
	if !ok || targetSess.State() != StateAuthenticated {
		return
	}
	msgs, err := r.deps.Store.RetrieveAndClearOffline(ctx, target)
	if err != nil {
		errorLog.Printf("Failed to redeliver offline messages for %s: %v", target, err)
		return
	}
	for i, msg := range msgs {
		if err := targetSess.Deliver(msg); err != nil {
			debugLog.Printf("Redelivery to %s failed, storing again: %v", target, err)
			for _, rest := range msgs[i:] {
				if err := r.deps.Store.StoreOffline(ctx, target, rest); err != nil {
					errorLog.Printf("Lost offline message for %s: %v", target, err)
				}
			}
			return
		}
	}
}

func (r *CommandRouter) cmdHistory(sess *Session, args string) {
	ctx, cancel := storeContext()
	defer cancel()

	stored, err := r.deps.Store.FullHistory(ctx)
	if err != nil {
		errorLog.Printf("Failed to read history: %v", err)
		sess.Send("Failed to retrieve history.")
	} else {
		sess.Send("===== Full Chat History (DB) =====")
		for _, line := range strings.Split(strings.TrimSuffix(stored, "\n"), "\n") {
			if line != "" {
				sess.Send(line)
			}
		}
	}

	sess.Send("===== Recent In-Memory =====")
	for _, line := range r.deps.History.All() {
		sess.Send(line)
	}
}

func (r *CommandRouter) cmdStatus(sess *Session, args string) {
	st := strings.TrimSpace(args)
	if st != status.Online && st != status.Offline {
		sess.Send("Usage: /status <online|offline>")
		return
	}

	username := sess.Username()
	r.deps.Statuses.Set(username, st)
	r.deps.Users.SetStatus(username, st)
	sess.Send("Status updated to " + st)
	log.Printf("User %s updated status to %s", username, st)
}

func (r *CommandRouter) cmdUndo(sess *Session, args string) {
	username := sess.Username()
	prev, ok := r.deps.Statuses.Undo(username)
	if !ok {
		sess.Send("No previous status to revert to.")
		return
	}

	r.deps.Statuses.Apply(username, prev)
	r.deps.Users.SetStatus(username, prev)
	sess.Send("Reverted status to " + prev)
	log.Printf("User %s reverted status to %s", username, prev)
}

func (r *CommandRouter) cmdShutdown(sess *Session, args string) {
	sess.Send("Shutting down server...")
	log.Printf("Server shutdown initiated by admin %s", sess.Username())

	r.deps.Sessions.CloseAll(msgShuttingDown)
	if r.deps.RequestShutdown != nil {
		r.deps.RequestShutdown()
	}
}

func (r *CommandRouter) cmdList(sess *Session, args string) {
	sess.Send("Active Users:")
	for _, name := range r.deps.Users.Usernames() {
		st, _ := r.deps.Users.Status(name)
		sess.Send(fmt.Sprintf("  %s (%s)", name, st))
	}
}

func (r *CommandRouter) cmdSearch(sess *Session, args string) {
	if args == "" {
		sess.Send("Usage: /search <keyword>")
		return
	}

	results := r.deps.History.Search(args)
	if len(results) == 0 {
		sess.Send(fmt.Sprintf("No messages found matching '%s'.", args))
		return
	}
	sess.Send("Search results:")
	for _, line := range results {
		sess.Send(line)
	}
}

func (r *CommandRouter) cmdOffline(sess *Session, args string) {
	sess.Send("Forcing you offline...")
	sess.ForceDisconnect()
}

func (r *CommandRouter) cmdHelp(sess *Session, args string) {
	authed := sess.State() == StateAuthenticated
	admin := authed && r.deps.Credentials.IsAdmin(sess.Username())

	names := make([]string, 0, len(r.commands))
	for name, cmd := range r.commands {
		if (cmd.requiresAuth && !authed) || (cmd.requiresAdmin && !admin) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sess.Send("Available commands:")
	for _, name := range names {
		cmd := r.commands[name]
		sess.Send(fmt.Sprintf("  %-34s %s", cmd.usage, cmd.summary))
	}
}

func (r *CommandRouter) cmdRegister(sess *Session, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		sess.Send("Usage: /register <username> <password>")
		return
	}
	username, password := fields[0], fields[1]

	ctx, cancel := storeContext()
	defer cancel()
	created, err := r.deps.Credentials.Register(ctx, username, password)
	switch {
	case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrInvalidPassword):
		sess.Send("Invalid username or password: " + err.Error())
	case err != nil:
		errorLog.Printf("Failed to register %s: %v", username, err)
		sess.Send("Failed to register user.")
	case !created:
		sess.Send(fmt.Sprintf("User %s already exists.", username))
	default:
		sess.Send(fmt.Sprintf("User %s registered.", username))
		log.Printf("User %s registered by %s", username, sess.Username())
	}
}

func (r *CommandRouter) cmdRole(sess *Session, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		sess.Send("Usage: /role <username> <user|admin>")
		return
	}
	role, err := auth.ParseRole(fields[1])
	if err != nil {
		sess.Send("Usage: /role <username> <user|admin>")
		return
	}
	username := fields[0]

	ctx, cancel := storeContext()
	defer cancel()
	err = r.deps.Credentials.SetRole(ctx, username, role)
	switch {
	case errors.Is(err, auth.ErrUnknownUser):
		sess.Send(fmt.Sprintf("User %s not found.", username))
	case errors.Is(err, auth.ErrImmutableRole):
		sess.Send(fmt.Sprintf("The role of %s cannot be changed.", username))
	case err != nil:
		errorLog.Printf("Failed to set role of %s: %v", username, err)
		sess.Send("Failed to change role.")
	default:
		sess.Send(fmt.Sprintf("Role of %s set to %s.", username, role))
		log.Printf("Role of %s set to %s by %s", username, role, sess.Username())
	}
}
