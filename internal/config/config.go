// Package config holds the CLI configuration types and the optional YAML or
// TOML file they can be loaded from.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/kcpnet/internal/kcpsession"
	"github.com/1ureka/kcpnet/internal/util"
)

// Role represents the process role (server or client).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Config stores every parameter of one process, from the config file and/or
// CLI flags.
type Config struct {
	Role    Role          `yaml:"role" toml:"role"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Client  ClientConfig  `yaml:"client" toml:"client"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Monitor MonitorConfig `yaml:"monitor" toml:"monitor"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig contains the listening socket parameters.
type ServerConfig struct {
	Listen      string `yaml:"listen" toml:"listen"`             // host:port
	ReadBuffer  int    `yaml:"read_buffer" toml:"read_buffer"`   // SO_RCVBUF bytes, 0 keeps the OS default
	MaxDatagram int    `yaml:"max_datagram" toml:"max_datagram"` // bytes
	SendQueue   int    `yaml:"send_queue" toml:"send_queue"`     // outbound datagrams
}

// ClientConfig contains the connecting socket parameters.
type ClientConfig struct {
	Server         string        `yaml:"server" toml:"server"` // host:port
	PollInterval   time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	HandshakeRetry *bool         `yaml:"handshake_retry" toml:"handshake_retry"` // nil means enabled
	ReadBuffer     int           `yaml:"read_buffer" toml:"read_buffer"`         // SO_RCVBUF bytes, 0 keeps the OS default
	MaxDatagram    int           `yaml:"max_datagram" toml:"max_datagram"`       // bytes
	SendQueue      int           `yaml:"send_queue" toml:"send_queue"`           // outbound datagrams
}

// SessionConfig mirrors kcpsession.Config.
type SessionConfig struct {
	NoDelay      int           `yaml:"nodelay" toml:"nodelay"`
	Interval     int           `yaml:"interval" toml:"interval"` // milliseconds
	Resend       int           `yaml:"resend" toml:"resend"`
	NoCongestion int           `yaml:"no_congestion" toml:"no_congestion"`
	SendWindow   int           `yaml:"send_window" toml:"send_window"`
	RecvWindow   int           `yaml:"recv_window" toml:"recv_window"`
	MTU          int           `yaml:"mtu" toml:"mtu"`
	KeepAlive    time.Duration `yaml:"keepalive" toml:"keepalive"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
}

// MonitorConfig contains the HTTP admin surface parameters.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"`
}

// LoggingConfig contains logging parameters.
type LoggingConfig struct {
	Level         string        `yaml:"level" toml:"level"`
	StatsInterval time.Duration `yaml:"stats_interval" toml:"stats_interval"`
}

// Default returns a configuration that runs without a file.
func Default() Config {
	sc := kcpsession.DefaultConfig()
	return Config{
		Role: RoleServer,
		Server: ServerConfig{
			Listen:      "0.0.0.0:9527",
			MaxDatagram: 64 * 1024,
			SendQueue:   1024,
		},
		Client: ClientConfig{
			Server:         "127.0.0.1:9527",
			PollInterval:   100 * time.Millisecond,
			ConnectTimeout: 5 * time.Second,
			MaxDatagram:    64 * 1024,
			SendQueue:      1024,
		},
		Session: SessionConfig{
			NoDelay:      sc.NoDelay,
			Interval:     sc.Interval,
			Resend:       sc.Resend,
			NoCongestion: sc.NoCongestion,
			SendWindow:   sc.SendWindow,
			RecvWindow:   sc.RecvWindow,
			MTU:          sc.MTU,
			KeepAlive:    sc.KeepAlive,
			IdleTimeout:  sc.IdleTimeout,
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9528",
		},
		Logging: LoggingConfig{
			Level:         "info",
			StatsInterval: 10 * time.Second,
		},
	}
}

// Load reads a config file over the defaults and validates the result.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(&cfg)
}

// ParseTOML decodes TOML over the defaults and validates the result.
func ParseTOML(data []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleServer, RoleClient:
	default:
		return fmt.Errorf("invalid role %q: must be 'server' or 'client'", c.Role)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	if err := c.Session.Kcp().Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate checks the server section.
func (s *ServerConfig) Validate() error {
	if err := validateHostPort(s.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return validateSocket(s.ReadBuffer, s.MaxDatagram, s.SendQueue)
}

// Validate checks the client section.
func (c *ClientConfig) Validate() error {
	if err := validateHostPort(c.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.ConnectTimeout < c.PollInterval {
		return fmt.Errorf("connect_timeout (%s) must not be shorter than poll_interval (%s)", c.ConnectTimeout, c.PollInterval)
	}
	return validateSocket(c.ReadBuffer, c.MaxDatagram, c.SendQueue)
}

// Retry reports whether Connect should re-send the handshake request.
func (c *ClientConfig) Retry() bool {
	return c.HandshakeRetry == nil || *c.HandshakeRetry
}

// Kcp converts the section into the engine configuration.
func (s *SessionConfig) Kcp() kcpsession.Config {
	return kcpsession.Config{
		NoDelay:      s.NoDelay,
		Interval:     s.Interval,
		Resend:       s.Resend,
		NoCongestion: s.NoCongestion,
		SendWindow:   s.SendWindow,
		RecvWindow:   s.RecvWindow,
		MTU:          s.MTU,
		KeepAlive:    s.KeepAlive,
		IdleTimeout:  s.IdleTimeout,
	}
}

// Validate checks the monitor section; a disabled monitor is not checked.
func (m *MonitorConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if err := validateHostPort(m.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Validate checks the logging section.
func (l *LoggingConfig) Validate() error {
	if _, ok := util.ParseLevel(l.Level); !ok {
		return fmt.Errorf("unknown level %q", l.Level)
	}
	if l.StatsInterval < 0 {
		return fmt.Errorf("stats_interval must not be negative, got %s", l.StatsInterval)
	}
	return nil
}

// validateSocket checks the socket tuning shared by both roles.
func validateSocket(readBuffer, maxDatagram, sendQueue int) error {
	if readBuffer < 0 {
		return fmt.Errorf("read_buffer must not be negative, got %d", readBuffer)
	}
	if maxDatagram < 8 || maxDatagram > 65535 {
		return fmt.Errorf("max_datagram must be 8~65535, got %d", maxDatagram)
	}
	if sendQueue <= 0 {
		return fmt.Errorf("send_queue must be positive, got %d", sendQueue)
	}
	return nil
}

func validateHostPort(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("address is empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}
