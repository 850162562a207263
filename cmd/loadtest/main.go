package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/linechat/pkg/client"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

// generateUsername builds a unique, valid username from two lorem fragments
func generateUsername(id int) string {
	frag := func() string {
		w := loremWords[rand.Intn(len(loremWords))]
		return w[:min(len(w), 3+rand.Intn(3))]
	}
	name := fmt.Sprintf("lt-%s%s%d", frag(), frag(), id)
	if len(name) > 32 {
		name = name[len(name)-32:]
	}
	return name
}

func randomSentence() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	statusRoundTrips  atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	timeouts          atomic.Int64
	disconnections    atomic.Int64
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64
}

func (s *Stats) recordRoundTrip(d time.Duration) {
	s.statusRoundTrips.Add(1)
	s.totalResponseTime.Add(d.Microseconds())
}

func (s *Stats) averageResponse() time.Duration {
	n := s.statusRoundTrips.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.totalResponseTime.Load()/n) * time.Microsecond
}

var errTimeout = errors.New("timed out waiting for server")

// waitFor reads lines until one satisfies match
func waitFor(conn *client.Connection, timeout time.Duration, match func(string) bool) (string, error) {
	deadline := time.After(timeout)
	for {
		select {
		case line := <-conn.Incoming():
			if match(line) {
				return line, nil
			}
		case err := <-conn.Errors():
			return "", err
		case <-deadline:
			return "", errTimeout
		}
	}
}

// login connects to addr and logs in; the welcome banner is consumed first
func login(addr, username, password string) (*client.Connection, error) {
	conn, err := client.NewConnection(addr)
	if err != nil {
		return nil, err
	}
	conn.DisableAutoReconnect()
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	if _, err := waitFor(conn, 5*time.Second, func(l string) bool { return strings.HasPrefix(l, "Welcome") }); err != nil {
		conn.Close()
		return nil, fmt.Errorf("no welcome: %w", err)
	}
	if err := conn.Send("/login " + username + " " + password); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := waitFor(conn, 5*time.Second, func(l string) bool {
		return strings.HasPrefix(l, "Login successful") || strings.HasPrefix(l, "Authentication failed") || strings.HasSuffix(l, "is already logged in.")
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	if !strings.HasPrefix(reply, "Login successful") {
		conn.Close()
		return nil, fmt.Errorf("login %s: %s", username, reply)
	}
	return conn, nil
}

// registerUsers creates the bot accounts through an admin session
func registerUsers(addr, adminUser, adminPass string, names []string, password string) error {
	admin, err := login(addr, adminUser, adminPass)
	if err != nil {
		return fmt.Errorf("admin login: %w", err)
	}
	defer admin.Close()

	for _, name := range names {
		if err := admin.Send("/register " + name + " " + password); err != nil {
			return err
		}
		reply, err := waitFor(admin, 5*time.Second, func(l string) bool {
			return strings.HasPrefix(l, "User "+name+" ") || strings.HasPrefix(l, "Invalid") || strings.HasPrefix(l, "Failed")
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		if !strings.HasSuffix(reply, "registered.") && !strings.HasSuffix(reply, "already exists.") {
			return fmt.Errorf("register %s: %s", name, reply)
		}
	}
	return nil
}

// BotClient is one simulated chat user
type BotClient struct {
	id       int
	username string
	conn     *client.Connection
	stats    *Stats
	online   bool
}

// Run posts lines with a random delay until duration elapses or stop closes.
// Roughly one action in five is a status change whose reply is timed.
func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	defer bc.conn.Close()

	end := time.After(duration)
	next := time.NewTimer(randomDelay(minDelay, maxDelay))
	defer next.Stop()

	var statusSent time.Time
	for {
		select {
		case <-stop:
			return
		case <-end:
			bc.conn.Send("/offline")
			return

		case line := <-bc.conn.Incoming():
			switch {
			case strings.HasPrefix(line, "Status updated to") && !statusSent.IsZero():
				bc.stats.recordRoundTrip(time.Since(statusSent))
				statusSent = time.Time{}
			case strings.HasPrefix(line, "lt-"):
				bc.stats.messagesReceived.Add(1)
			}

		case <-bc.conn.Errors():
			bc.stats.disconnections.Add(1)
			return

		case <-next.C:
			if !statusSent.IsZero() && time.Since(statusSent) > 10*time.Second {
				bc.stats.timeouts.Add(1)
				statusSent = time.Time{}
			}
			if rand.Intn(5) == 0 && statusSent.IsZero() {
				bc.online = !bc.online
				st := "offline"
				if bc.online {
					st = "online"
				}
				statusSent = time.Now()
				if err := bc.conn.Send("/status " + st); err != nil {
					bc.stats.messagesFailed.Add(1)
				}
			} else if err := bc.conn.Send(randomSentence()); err != nil {
				bc.stats.messagesFailed.Add(1)
			} else {
				bc.stats.messagesPosted.Add(1)
			}
			next.Reset(randomDelay(minDelay, maxDelay))
		}
	}
}

func randomDelay(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return minDelay
	}
	return minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)))
}

func main() {
	serverAddr := flag.String("server", "localhost:12345", "Server address (tcp, ssh:// or ws://)")
	adminUser := flag.String("admin-user", "admin", "Admin account used to register bot users")
	adminPass := flag.String("admin-pass", "admin123", "Admin password")
	botPassword := flag.String("password", "loadtest", "Password given to every bot user")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration per client")
	minDelay := flag.Duration("min-delay", 500*time.Millisecond, "Minimum delay between actions")
	maxDelay := flag.Duration("max-delay", 2*time.Second, "Maximum delay between actions")
	rampUp := flag.Duration("ramp-up", 5*time.Second, "Time over which clients connect")
	flag.Parse()

	if *numClients <= 0 {
		log.Fatal("-clients must be positive")
	}

	names := make([]string, *numClients)
	for i := range names {
		names[i] = generateUsername(i)
	}

	log.Printf("Registering %d users on %s...", len(names), *serverAddr)
	if err := registerUsers(*serverAddr, *adminUser, *adminPass, names, *botPassword); err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stop) })
	}()

	stagger := *rampUp / time.Duration(*numClients)
	start := time.Now()

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(id int, name string) {
			defer wg.Done()
			conn, err := login(*serverAddr, name, *botPassword)
			if err != nil {
				stats.connectionErrors.Add(1)
				log.Printf("[Bot %d] %v", id, err)
				return
			}
			stats.successfulClients.Add(1)
			bot := &BotClient{id: id, username: name, conn: conn, stats: stats}
			bot.Run(*duration, *minDelay, *maxDelay, stop)
		}(i, name)
		time.Sleep(stagger)
	}

	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.Printf("[%v] clients=%d posted=%d received=%d failed=%d avg status reply=%v",
					time.Since(start).Round(time.Second), stats.successfulClients.Load(),
					stats.messagesPosted.Load(), stats.messagesReceived.Load(),
					stats.messagesFailed.Load(), stats.averageResponse())
			case <-statsDone:
				return
			}
		}
	}()

	wg.Wait()
	close(statsDone)

	elapsed := time.Since(start)
	posted := stats.messagesPosted.Load()
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful", *numClients, stats.successfulClients.Load())
	log.Printf("Elapsed: %v", elapsed.Round(time.Second))
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/elapsed.Seconds())
	log.Printf("Messages received: %d", stats.messagesReceived.Load())
	log.Printf("Messages failed: %d", stats.messagesFailed.Load())
	log.Printf("Status round trips: %d (avg %v, %d timeouts)", stats.statusRoundTrips.Load(), stats.averageResponse(), stats.timeouts.Load())
	log.Printf("Connection errors: %d, disconnections: %d", stats.connectionErrors.Load(), stats.disconnections.Load())
}
