package botlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aeolun/linechat/pkg/client"
)

// MessageHandler is called when a chat line from another user arrives.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address, in any form client.NewConnection accepts
	Server string

	// Credentials for /login; the account must already exist
	Username string
	Password string

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// ResponseTimeout bounds the login handshake (default: 10s)
	ResponseTimeout time.Duration
}

// Bot represents a linechat bot instance.
type Bot struct {
	config Config
	conn   client.ConnectionInterface
	logger *log.Logger

	onMessage MessageHandler
	onPrivate MessageHandler
	onMention MessageHandler
}

var (
	errLoginRejected = errors.New("login rejected")
	// errCommandLine is returned by Say for text the server would run as a command
	errCommandLine = errors.New("line starts with / and would be run as a command")
)

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	return &Bot{config: config, logger: config.Logger}
}

// OnMessage registers a handler for public lines.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnPrivate registers a handler for private messages.
func (b *Bot) OnPrivate(handler MessageHandler) {
	b.onPrivate = handler
}

// OnMention registers a handler for public lines that mention the bot.
// Mentions go here instead of to OnMessage when both are set.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// Run connects, logs in and dispatches messages until ctx is cancelled or
// the connection closes for good. Lost connections are redialled by the
// client and the bot logs in again.
func (b *Bot) Run(ctx context.Context) error {
	conn, err := client.NewConnection(b.config.Server)
	if err != nil {
		return err
	}
	conn.SetLogger(b.logger)

	b.logger.Printf("Connecting to %s...", conn.GetAddress())
	if err := conn.Connect(); err != nil {
		conn.Close()
		return fmt.Errorf("connect failed: %w", err)
	}
	return b.run(ctx, conn)
}

// run drives an already connected conn
func (b *Bot) run(ctx context.Context, conn client.ConnectionInterface) error {
	b.conn = conn
	defer conn.Close()

	if err := b.login(ctx); err != nil {
		return err
	}
	b.logger.Printf("Logged in as %s", b.config.Username)

	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("Stop requested")
			conn.Send("/offline")
			return nil

		case line, ok := <-conn.Incoming():
			if !ok {
				return client.ErrDisconnected
			}
			b.handleLine(line)

		case update, ok := <-conn.StateChanges():
			if !ok {
				return client.ErrDisconnected
			}
			if update.State == client.StateTypeConnected {
				b.logger.Printf("Reconnected, logging in again")
				if err := b.login(ctx); err != nil {
					return err
				}
			}

		case err, ok := <-conn.Errors():
			if !ok {
				return client.ErrDisconnected
			}
			b.logger.Printf("Connection error: %v", err)
		}
	}
}

// login sends /login and waits for the verdict, skipping the welcome banner
func (b *Bot) login(ctx context.Context) error {
	if err := b.conn.Send("/login " + b.config.Username + " " + b.config.Password); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	timeout := time.NewTimer(b.config.ResponseTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("login: no reply within %v", b.config.ResponseTimeout)
		case line, ok := <-b.conn.Incoming():
			if !ok {
				return client.ErrDisconnected
			}
			switch {
			case strings.HasPrefix(line, "Login successful"):
				return nil
			case strings.HasPrefix(line, "Authentication failed"),
				strings.HasSuffix(line, "is already logged in."),
				strings.HasPrefix(line, "You are already logged in"):
				return fmt.Errorf("%w: %s", errLoginRejected, line)
			}
		}
	}
}

func (b *Bot) handleLine(line string) {
	msg, ok := parseLine(line, b.config.Username)
	if !ok || msg.Author == b.config.Username {
		return
	}
	ctx := &Context{bot: b, message: msg}

	switch {
	case msg.Private:
		if b.onPrivate != nil {
			b.onPrivate(ctx, msg)
		}
	case msg.MentionsMe() && b.onMention != nil:
		b.onMention(ctx, msg)
	case b.onMessage != nil:
		b.onMessage(ctx, msg)
	}
}

func (b *Bot) say(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if strings.HasPrefix(content, "/") {
		return errCommandLine
	}
	return b.conn.Send(content)
}

func (b *Bot) whisper(username, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	return b.conn.Send("/msg " + username + " " + content)
}
