package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/aeolun/linechat/pkg/client"
	"github.com/aeolun/linechat/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"
)

var Version = "dev"

func main() {
	server := flag.String("server", "", "Server address: host[:port], ssh://host, ws://host[:port]/ws (default: last used, or localhost:12345)")
	username := flag.String("user", "", "Log in as this user after connecting (prompts for the password)")
	statePath := flag.String("state", client.DefaultStatePath(), "Path to the client state database")
	debugLog := flag.String("debug", "", "Write connection debug log to this file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("linechat %s\n", Version)
		return
	}

	logger := log.New(io.Discard, "", 0)
	if *debugLog != "" {
		f, err := os.OpenFile(*debugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open debug log: %v", err)
		}
		defer f.Close()
		logger = log.New(f, "[client] ", log.LstdFlags|log.Lmicroseconds)
	}

	state, err := client.OpenState(*statePath)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	addr := *server
	if addr == "" {
		addr = state.GetLastServer()
	}
	if addr == "" {
		addr = "localhost:12345"
	}
	addr = client.ResolveConnectionMethod(addr, state, logger)

	password := ""
	if *username != "" {
		password, err = readPassword(*username)
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
	}

	conn, err := client.NewConnection(addr)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	conn.SetLogger(logger)
	defer conn.Close()

	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	if err := state.SetFirstRunComplete(); err != nil {
		logger.Printf("Failed to update state: %v", err)
	}

	model := ui.NewModel(conn, state, ui.Options{
		Version:  Version,
		Username: *username,
		Password: password,
		Logger:   logger,
	})
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		log.Fatalf("UI error: %v", err)
	}
}

// readPassword prompts on the terminal without echo
func readPassword(username string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; cannot prompt for %s's password", username)
	}
	fmt.Printf("Password for %s: ", username)
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
