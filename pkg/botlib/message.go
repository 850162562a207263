// Package botlib provides a small library for building linechat bots.
package botlib

import (
	"regexp"
	"strings"
	"time"
)

// Message represents a chat line received by the bot.
type Message struct {
	Author     string
	Content    string
	Private    bool // delivered with /msg rather than broadcast
	ReceivedAt time.Time

	// Internal: the bot's username for mention detection
	botName string
}

var (
	publicLinePattern  = regexp.MustCompile(`^([a-zA-Z0-9_-]{2,32}): (.*)$`)
	privateLinePattern = regexp.MustCompile(`^\[Private\] ([a-zA-Z0-9_-]{2,32}): (.*)$`)
)

// parseLine recognises chat lines from other users. Server replies and
// anything else return false.
func parseLine(line, botName string) (*Message, bool) {
	msg := &Message{ReceivedAt: time.Now(), botName: botName}
	if m := privateLinePattern.FindStringSubmatch(line); m != nil {
		msg.Author, msg.Content, msg.Private = m[1], m[2], true
		return msg, true
	}
	if m := publicLinePattern.FindStringSubmatch(line); m != nil {
		msg.Author, msg.Content = m[1], m[2]
		return msg, true
	}
	return nil, false
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @username patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botName == "" {
		return false
	}
	content := strings.ToLower(m.Content)
	name := strings.ToLower(m.botName)

	idx := strings.Index(content, "@"+name)
	if idx < 0 {
		return false
	}
	// "@bot" must not be a prefix of a longer name such as "@bottle"
	end := idx + 1 + len(name)
	if end < len(content) {
		c := content[end]
		if c == '_' || c == '-' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' {
			return false
		}
	}
	return true
}

// Command splits "!name args" content into its parts. ok is false when the
// content is not a bang command.
func (m *Message) Command() (name, args string, ok bool) {
	if !strings.HasPrefix(m.Content, "!") {
		return "", "", false
	}
	name, args, _ = strings.Cut(strings.TrimPrefix(m.Content, "!"), " ")
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}
