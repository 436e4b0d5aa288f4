package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Rooms  RoomsSection  `toml:"rooms"`
}

type ServerSection struct {
	Port       int    `toml:"port"`
	SSHPort    int    `toml:"ssh_port"`
	SSHHostKey string `toml:"ssh_host_key"`
}

type LimitsSection struct {
	MaxFrameBytes    int `toml:"max_frame_bytes"`
	MaxMessageLength int `toml:"max_message_length"`
	MaxDisplayName   int `toml:"max_display_name"`
	SendBuffer       int `toml:"send_buffer"`
}

type RoomsSection struct {
	EchoToSender bool `toml:"echo_to_sender"`
}

// EnvOverrides holds the settings that may come from the environment.
// Pointers distinguish "unset" from zero values.
type EnvOverrides struct {
	Port         *int   `envconfig:"PORT"`
	SSHPort      *int   `envconfig:"ROOMRELAY_SSH_PORT"`
	SSHHostKey   string `envconfig:"ROOMRELAY_SSH_HOST_KEY"`
	EchoToSender *bool  `envconfig:"ROOMRELAY_ECHO_TO_SENDER"`
	SendBuffer   *int   `envconfig:"ROOMRELAY_SEND_BUFFER"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Port:       defaults.Port,
			SSHPort:    defaults.SSHPort,
			SSHHostKey: defaults.SSHHostKeyPath,
		},
		Limits: LimitsSection{
			MaxFrameBytes:    defaults.MaxFrameBytes,
			MaxMessageLength: defaults.MaxMessageLength,
			MaxDisplayName:   defaults.MaxDisplayName,
			SendBuffer:       defaults.SendBuffer,
		},
		Rooms: RoomsSection{
			EchoToSender: defaults.EchoToSender,
		},
	}
}

// ExpandPath replaces a leading ~/ with the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Not fatal, we can still run on defaults
			errorLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# roomrelay server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ApplyEnv overlays environment variables onto the file configuration
func (c *TOMLConfig) ApplyEnv() error {
	var env EnvOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if env.Port != nil {
		c.Server.Port = *env.Port
	}
	if env.SSHPort != nil {
		c.Server.SSHPort = *env.SSHPort
	}
	if env.SSHHostKey != "" {
		c.Server.SSHHostKey = env.SSHHostKey
	}
	if env.EchoToSender != nil {
		c.Rooms.EchoToSender = *env.EchoToSender
	}
	if env.SendBuffer != nil {
		c.Limits.SendBuffer = *env.SendBuffer
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}

	// SSH stays off unless a positive port is configured
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = c.Limits.MaxFrameBytes
	}

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}

	if c.Limits.MaxDisplayName > 0 {
		cfg.MaxDisplayName = c.Limits.MaxDisplayName
	}

	if c.Limits.SendBuffer > 0 {
		cfg.SendBuffer = c.Limits.SendBuffer
	}

	cfg.EchoToSender = c.Rooms.EchoToSender

	return cfg
}
