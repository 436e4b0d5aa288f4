package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/roomrelay/pkg/server"
	"github.com/joho/godotenv"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.roomrelay/config.toml", "Path to config file")
	envFile := flag.String("env-file", ".env", "Optional .env file loaded before reading the environment")
	port := flag.Int("port", 0, "HTTP/WebSocket port to listen on (overrides config and PORT)")
	sshPort := flag.Int("ssh-port", -1, "SSH port, 0 disables SSH (overrides config)")
	echo := flag.Bool("echo", false, "Echo chat messages back to their sender")
	debug := flag.Bool("debug", false, "Enable debug logging")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address (e.g. localhost:6060)")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("roomrelay %s\n", Version)
		os.Exit(0)
	}

	// A missing .env is normal; a broken one is not
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Environment overrides config file
	if err := config.ApplyEnv(); err != nil {
		log.Fatalf("Failed to apply environment: %v", err)
	}

	resolvedConfigPath, err := server.ExpandPath(*configPath)
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	if absPath, err := filepath.Abs(resolvedConfigPath); err == nil {
		resolvedConfigPath = absPath
	}

	// Command-line flags override both
	if *port != 0 {
		config.Server.Port = *port
	}
	if *sshPort >= 0 {
		config.Server.SSHPort = *sshPort
	}
	if *echo {
		config.Rooms.EchoToSender = true
	}

	serverConfig := config.ToServerConfig()

	srv, err := server.NewServer(serverConfig, resolvedConfigPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (resolved to %s, using defaults if not found)", *configPath, resolvedConfigPath)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("roomrelay %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - WebSocket: ws://server:%d/ws (also /public, /secret, /p2p)", serverConfig.Port)
	if serverConfig.SSHPort > 0 {
		log.Printf("  - SSH: port %d, host key %s", serverConfig.SSHPort, serverConfig.SSHHostKeyPath)
	} else {
		log.Printf("  - SSH: disabled (ssh_port=%d)", serverConfig.SSHPort)
	}
	log.Printf("Health: http://server:%d/healthz, metrics: http://server:%d/metrics", serverConfig.Port, serverConfig.Port)
	if serverConfig.EchoToSender {
		log.Printf("Chat messages are echoed to their sender")
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
