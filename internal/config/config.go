// Package config loads the chat client and relay settings.
//
// Settings come from an optional YAML file; command-line flags override
// whatever the file sets. An empty address resolves to this machine's
// outbound IP on port 5000.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"relaychat/internal/discovery"
)

// Config holds every setting the CLI accepts.
type Config struct {
	// Name is the display name used for Join, Leave and Chat.
	Name string `yaml:"name"`

	// Address is the room's host:port. Empty means <local ip>:5000.
	Address string `yaml:"address"`

	// Avatar is an image file attached to every outgoing chat.
	Avatar string `yaml:"avatar"`

	// Bell plays a sound when a chat arrives.
	Bell bool `yaml:"bell"`

	// BellSound is a wav or mp3 file to play instead of the built-in tone.
	BellSound string `yaml:"bell_sound"`

	// LogFile receives logs while the chat UI owns the terminal.
	LogFile string `yaml:"log_file"`

	// WebSocket is the listen address of the relay's WebSocket gateway.
	// Relay mode only.
	WebSocket string `yaml:"websocket"`

	// Announce multicasts the relay address on the local network.
	Announce bool `yaml:"announce"`

	// PurgeStale removes presence entries of sessions that disconnect
	// without leaving.
	PurgeStale bool `yaml:"purge_stale"`

	// DialTimeout bounds each connection attempt, as a Go duration.
	// Default: 2s
	DialTimeout string `yaml:"dial_timeout"`
}

// Default returns the configuration used before a file or flags apply.
func Default() *Config {
	name := os.Getenv("USER")
	if name == "" {
		name = "anonymous"
	}
	return &Config{
		Name:        name,
		DialTimeout: "2s",
	}
}

// LoadFile reads path over the defaults. An empty path returns the
// defaults unchanged.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveAddress fills an empty Address with the default room address.
func (c *Config) ResolveAddress() {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = discovery.DefaultAddress()
	}
}

// DialTimeoutDuration parses DialTimeout. An empty value yields zero,
// which callers treat as their default.
func (c *Config) DialTimeoutDuration() (time.Duration, error) {
	if c.DialTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.DialTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid dial_timeout %q: %w", c.DialTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid dial_timeout %q: negative", c.DialTimeout)
	}
	return d, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Address != "" {
		if err := validateHostPort(c.Address); err != nil {
			errs = append(errs, fmt.Errorf("address: %w", err))
		}
	}
	if c.WebSocket != "" {
		if err := validateHostPort(c.WebSocket); err != nil {
			errs = append(errs, fmt.Errorf("websocket: %w", err))
		}
	}
	if _, err := c.DialTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
