// Command bot is a small linechat helper bot. It answers !commands in the
// public room and in private messages, and greets users who mention it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/linechat/pkg/botlib"
)

func main() {
	server := flag.String("server", "localhost:12345", "Server address (tcp, ssh:// or ws://)")
	username := flag.String("user", "helper", "Bot account username (must already be registered)")
	password := flag.String("password", os.Getenv("LINECHAT_BOT_PASSWORD"), "Bot account password (default $LINECHAT_BOT_PASSWORD)")
	flag.Parse()

	if *password == "" {
		log.Fatal("a password is required: use -password or LINECHAT_BOT_PASSWORD")
	}

	bot := botlib.New(botlib.Config{
		Server:   *server,
		Username: *username,
		Password: *password,
	})

	started := time.Now()
	handle := func(ctx *botlib.Context, msg *botlib.Message) {
		name, args, ok := msg.Command()
		if !ok {
			return
		}
		if reply := runCommand(name, args, started); reply != "" {
			if err := ctx.Reply(reply); err != nil {
				ctx.Log("Reply to %s failed: %v", ctx.Author(), err)
			}
		}
	}
	bot.OnMessage(handle)
	bot.OnPrivate(func(ctx *botlib.Context, msg *botlib.Message) {
		if _, _, ok := msg.Command(); !ok {
			ctx.Reply("Try !help")
			return
		}
		handle(ctx, msg)
	})
	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Say(fmt.Sprintf("Hi %s! Say !help to see what I can do.", ctx.Author()))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		log.Fatalf("Bot error: %v", err)
	}
}

// runCommand answers one !command; unknown commands get no reply
func runCommand(name, args string, started time.Time) string {
	switch name {
	case "help":
		return "Commands: !time, !uptime, !roll [sides], !echo <text>"
	case "time":
		return time.Now().UTC().Format("Mon 2 Jan 2006 15:04:05 MST")
	case "uptime":
		return "Up for " + time.Since(started).Round(time.Second).String()
	case "roll":
		sides := 6
		if n, err := strconv.Atoi(args); err == nil && n > 1 && n <= 1000 {
			sides = n
		}
		return fmt.Sprintf("Rolled a d%d: %d", sides, rand.Intn(sides)+1)
	case "echo":
		return strings.TrimLeft(args, "/")
	}
	return ""
}
