package botlib

import "fmt"

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply answers the way the message arrived: privately to a private
// message, to everyone otherwise.
func (c *Context) Reply(content string) error {
	if c.message.Private {
		return c.bot.whisper(c.message.Author, content)
	}
	return c.bot.say(content)
}

// Say broadcasts a line to every logged-in user.
func (c *Context) Say(content string) error {
	return c.bot.say(content)
}

// Whisper sends a private message to username.
func (c *Context) Whisper(username, content string) error {
	return c.bot.whisper(username, content)
}

// Author returns the username of the message author.
func (c *Context) Author() string {
	return c.message.Author
}

// BotName returns the bot's username.
func (c *Context) BotName() string {
	return c.bot.config.Username
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{author=%s, private=%t}", c.message.Author, c.message.Private)
}
