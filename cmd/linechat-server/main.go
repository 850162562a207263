package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/linechat/pkg/server"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to the TOML config file (created with defaults if missing)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("linechat-server %s\n", Version)
		return
	}

	if err := run(*configPath); err != nil {
		log.Printf("Server error: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	tomlConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logCloser, err := server.InitLogging(tomlConfig.Server.LogLevel, tomlConfig.Server.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	dbPath, err := tomlConfig.GetDatabasePath()
	if err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}

	srv, err := server.NewServer(dbPath, tomlConfig.ToServerConfig(), configPath)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		srv.Stop()
		return err
	}
	log.Printf("linechat-server %s running (config %s)", Version, configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	case <-srv.ShutdownRequested():
		log.Printf("Shutdown requested by admin")
	}

	return srv.Stop()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".linechat", "config.toml")
}
