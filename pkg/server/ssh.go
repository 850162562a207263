package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH server on the configured port. SSH only
// provides the encrypted pipe; users still authenticate with /login.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.SSHPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener
	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, newSSHConfig(hostKey))

	return nil
}

func newSSHConfig(hostKey ssh.Signer) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-linechat",
	}
	config.AddHostKey(hostKey)
	return config
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("SSH accept error: %v", err)
			continue
		}

		if !s.beginConn() {
			channel.Close()
			continue
		}
		ready := make(chan bool, 1)
		go s.handleSSHChannelRequests(requests, ready)
		go func() {
			defer s.connWg.Done()
			// Nothing may be written before the shell reply or the
			// client's Shell() call sees EOF instead of our first line
			if !s.awaitShell(ready, remote) {
				channel.Close()
				return
			}
			s.serveConn(NewSafeConn(channel, remote, s.config.MaxLineLength), "ssh")
		}()
	}
}

// handleSSHChannelRequests accepts a shell and refuses a pty, so the client
// keeps its local line editing and sends "\n"-terminated lines. ready gets
// true once the shell request has been answered, or false if the channel
// ends without one.
func (s *Server) handleSSHChannelRequests(requests <-chan *ssh.Request, ready chan<- bool) {
	started := false
	for req := range requests {
		switch req.Type {
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			if !started {
				started = true
				ready <- true
			}
		case "env":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	if !started {
		ready <- false
	}
}

// awaitShell blocks until the channel has a shell or gives up
func (s *Server) awaitShell(ready <-chan bool, remote string) bool {
	wait := s.config.SSHShellTimeout
	if wait <= 0 {
		wait = DefaultConfig().SSHShellTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ok := <-ready:
		if !ok {
			debugLog.Printf("SSH channel from %s closed before requesting a shell", remote)
		}
		return ok
	case <-timer.C:
		debugLog.Printf("SSH channel from %s sent no shell request within %v", remote, wait)
		return false
	}
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(keyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, "linechat host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	pemBytes := pem.EncodeToMemory(block)
	if err := os.WriteFile(keyPath, pemBytes, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	log.Printf("Generated and saved new SSH host key")
	return key, nil
}
