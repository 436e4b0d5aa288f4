package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/roomrelay/pkg/client"
	"github.com/aeolun/roomrelay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

// stampSep separates the message body from the send timestamp
const stampSep = " @"

var loremWords = strings.Fields(loremIpsum)

// generateUsername combines fragments of two random words with the bot id
func generateUsername(id int) string {
	fragment := func() string {
		word := strings.ToLower(strings.Trim(loremWords[rand.Intn(len(loremWords))], ".,"))
		n := 3 + rand.Intn(4)
		if n > len(word) {
			n = len(word)
		}
		return word[:n]
	}
	return fmt.Sprintf("%s%s%d", fragment(), fragment(), id)
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	totalLatency     atomic.Int64 // in microseconds
	connectionErrors atomic.Int64

	// Detailed failure tracking
	sendFailures   atomic.Int64
	joinFailures   atomic.Int64
	serverErrors   atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordReceived(latencyUs int64) {
	s.messagesReceived.Add(1)
	s.totalLatency.Add(latencyUs)
}

func (s *Stats) snapshot() (sent, received, connErrors int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	received = s.messagesReceived.Load()
	connErrors = s.connectionErrors.Load()

	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}

	return
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id       int
	username string
	client   *client.Client
	stats    *Stats
	roomID   string
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	c, err := client.Dial(serverAddr)
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &BotClient{
		id:       id,
		username: generateUsername(id),
		client:   c,
		stats:    stats,
	}, nil
}

// JoinPublic joins one of numRooms public rooms
func (bc *BotClient) JoinPublic(numRooms int) error {
	room := fmt.Sprintf("room-%d", bc.id%numRooms)
	roomID, err := bc.client.Join(room, bc.username)
	if err != nil {
		bc.recordSetupError(err)
		return err
	}
	bc.roomID = roomID
	return nil
}

// HostP2P creates a p2p room and publishes its invite code
func (bc *BotClient) HostP2P(invites chan<- string) error {
	roomID, code, err := bc.client.CreateP2P(bc.username)
	if err != nil {
		bc.recordSetupError(err)
		return err
	}
	bc.roomID = roomID
	invites <- code
	return nil
}

// JoinP2P redeems the next published invite code
func (bc *BotClient) JoinP2P(invites <-chan string) error {
	var code string
	select {
	case code = <-invites:
	case <-time.After(30 * time.Second):
		bc.stats.joinFailures.Add(1)
		return errors.New("timeout waiting for an invite code")
	}

	roomID, err := bc.client.JoinP2P(code, bc.username)
	if err != nil {
		bc.recordSetupError(err)
		return err
	}
	bc.roomID = roomID
	return nil
}

func (bc *BotClient) recordSetupError(err error) {
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) {
		bc.stats.serverErrors.Add(1)
	}
	bc.stats.joinFailures.Add(1)
}

// listen counts chat messages from other bots until the connection closes
func (bc *BotClient) listen() {
	for {
		frame, err := bc.client.Next(0)
		if err != nil {
			return
		}

		switch frame.Type {
		case protocol.TypeMessage:
			if frame.Username == protocol.SystemUsername {
				continue
			}
			if sentAt, ok := parseStamp(frame.Message); ok {
				bc.stats.recordReceived(time.Since(sentAt).Microseconds())
			}
		case protocol.TypeError:
			bc.stats.serverErrors.Add(1)
		}
	}
}

// PostRandomMessage sends 5-20 lorem words stamped with the send time
func (bc *BotClient) PostRandomMessage() error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	content := strings.Join(words, " ") + stampSep + strconv.FormatInt(time.Now().UnixNano(), 10)

	if err := bc.client.Say(content); err != nil {
		bc.stats.sendFailures.Add(1)
		return err
	}
	bc.stats.messagesSent.Add(1)
	return nil
}

func parseStamp(message string) (time.Time, bool) {
	i := strings.LastIndex(message, stampSep)
	if i < 0 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(message[i+len(stampSep):], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, stop <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		bc.listen()
		close(done)
	}()

	defer func() {
		bc.client.Close()
		<-done
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.PostRandomMessage(); err != nil {
			bc.stats.disconnections.Add(1)
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}

	bc.client.Leave()
}

func main() {
	serverAddr := flag.String("server", "localhost:3000", "Server address (host:port or ws:// URL)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	numRooms := flag.Int("rooms", 1, "Number of public rooms to spread clients across")
	mode := flag.String("mode", "public", "Room type to exercise: public or p2p")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if *mode != "public" && *mode != "p2p" {
		log.Fatalf("Unknown mode %q (use public or p2p)", *mode)
	}
	if *numRooms < 1 {
		*numRooms = 1
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(max(*numClients, 1))
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (%s)", *numClients, *mode)
	if *mode == "public" {
		log.Printf("  Rooms: %d", *numRooms)
	}
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	invites := make(chan string, *numClients)
	stop := make(chan struct{})
	var stopOnce sync.Once
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, received, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()

				log.Printf("Stats: %d sent (%.1f/s), %d received (%.1f/s), %d conn errors, avg latency %.2fms",
					sent, float64(sent)/elapsed, received, float64(received)/elapsed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stop) })
	}()

spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				return
			}

			switch {
			case *mode == "public":
				err = bot.JoinPublic(*numRooms)
			case id%2 == 0:
				err = bot.HostP2P(invites)
			default:
				err = bot.JoinP2P(invites)
			}
			if err != nil {
				bot.client.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] %s joined %s", id, bot.username, bot.roomID)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop)
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)

	sent, received, connErrors, avgUs := stats.snapshot()
	rate := float64(sent) / duration.Seconds()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages sent: %d (%.1f/s)", sent, rate)
	log.Printf("Messages received: %d", received)
	log.Printf("Send failures: %d", stats.sendFailures.Load())
	log.Printf("Join failures: %d", stats.joinFailures.Load())
	log.Printf("Server errors: %d", stats.serverErrors.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average delivery latency: %.2fms", avgUs/1000.0)

	if sent > 0 {
		log.Printf("Fan-out: %.2f deliveries per message", float64(received)/float64(sent))
	}
}
