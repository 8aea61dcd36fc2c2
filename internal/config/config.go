// Package config provides Viper-based configuration loading for the game server.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override, e.g. GAMECORE_SERVER_TPS.
const EnvPrefix = "GAMECORE"

// ServerConfig holds settings shared by every transport.
type ServerConfig struct {
	// ID names this server instance in logs and status reports.
	ID string `mapstructure:"id"`
	// Host is the bind address for all listeners.
	Host string `mapstructure:"host"`
	// Port is the default port for transports that do not set their own.
	Port int `mapstructure:"port"`
	// TPS is the target ticks per second.
	TPS int `mapstructure:"tps"`
	// AutoStart leaves the idle state once at startup without waiting for a
	// control command. After a reset the loop waits for an explicit load.
	AutoStart bool `mapstructure:"auto_start"`
}

// UDPConfig holds datagram transport settings.
type UDPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Port overrides server.port when non-zero.
	Port            int `mapstructure:"port"`
	MaxDatagramSize int `mapstructure:"max_datagram_size"`
	// SendRetries bounds immediate retries of a send that would block.
	SendRetries int `mapstructure:"send_retries"`
}

// WebSocketConfig holds stream transport settings.
type WebSocketConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Port overrides server.port when non-zero.
	Port             int           `mapstructure:"port"`
	Path             string        `mapstructure:"path"`
	SendQueue        int           `mapstructure:"send_queue"`
	InboundQueue     int           `mapstructure:"inbound_queue"`
	MaxPending       int           `mapstructure:"max_pending"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	FlushAttempts    int           `mapstructure:"flush_attempts"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	AcceptBacklog    int           `mapstructure:"accept_backlog"`
}

// ControlConfig holds control-plane gRPC settings.
type ControlConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (c ControlConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ScriptConfig holds Lua application settings.
type ScriptConfig struct {
	// Path is a .lua file or a directory of them; empty selects the echo application.
	Path string `mapstructure:"path"`
	// InstructionLimit bounds the VM instructions a single tick may execute.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	UDP       UDPConfig       `mapstructure:"udp"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Control   ControlConfig   `mapstructure:"control"`
	Script    ScriptConfig    `mapstructure:"script"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// UDPAddr returns the datagram listen address.
func (c Config) UDPAddr() string {
	return c.listenAddr(c.UDP.Port)
}

// WebSocketAddr returns the stream listen address.
func (c Config) WebSocketAddr() string {
	return c.listenAddr(c.WebSocket.Port)
}

func (c Config) listenAddr(port int) string {
	if port == 0 {
		port = c.Server.Port
	}
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(port))
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateServer(c.Server),
		validateTransports(c),
		validateUDP(c.UDP),
		validateWebSocket(c.WebSocket),
		validateControl(c.Control),
		validateScript(c.Script),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

func validateServer(s ServerConfig) error {
	var errs []string
	if s.ID == "" {
		errs = append(errs, "server.id must not be empty")
	}
	if !validPort(s.Port) {
		errs = append(errs, fmt.Sprintf("server.port must be 0-65535, got %d", s.Port))
	}
	if s.TPS < 1 || s.TPS > 65535 {
		errs = append(errs, fmt.Sprintf("server.tps must be 1-65535, got %d", s.TPS))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateTransports(c Config) error {
	if !c.UDP.Enabled && !c.WebSocket.Enabled {
		return errors.New("at least one of udp.enabled, websocket.enabled must be true")
	}
	return nil
}

func validateUDP(u UDPConfig) error {
	var errs []string
	if !validPort(u.Port) {
		errs = append(errs, fmt.Sprintf("udp.port must be 0-65535, got %d", u.Port))
	}
	if u.MaxDatagramSize < 1 || u.MaxDatagramSize > 65535 {
		errs = append(errs, fmt.Sprintf("udp.max_datagram_size must be 1-65535, got %d", u.MaxDatagramSize))
	}
	if u.SendRetries < 1 {
		errs = append(errs, fmt.Sprintf("udp.send_retries must be >= 1, got %d", u.SendRetries))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if !validPort(w.Port) {
		errs = append(errs, fmt.Sprintf("websocket.port must be 0-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	positive := []struct {
		key string
		val int64
	}{
		{"websocket.send_queue", int64(w.SendQueue)},
		{"websocket.inbound_queue", int64(w.InboundQueue)},
		{"websocket.max_pending", int64(w.MaxPending)},
		{"websocket.max_message_size", w.MaxMessageSize},
		{"websocket.flush_attempts", int64(w.FlushAttempts)},
		{"websocket.accept_backlog", int64(w.AcceptBacklog)},
	}
	for _, p := range positive {
		if p.val < 1 {
			errs = append(errs, fmt.Sprintf("%s must be >= 1, got %d", p.key, p.val))
		}
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.HandshakeTimeout <= 0 {
		errs = append(errs, "websocket.handshake_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateControl(c ControlConfig) error {
	if !c.Enabled {
		return nil
	}
	var errs []string
	if c.Host == "" {
		errs = append(errs, "control.host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("control.port must be 1-65535, got %d", c.Port))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateScript(s ScriptConfig) error {
	if s.InstructionLimit < 1 {
		return fmt.Errorf("script.instruction_limit must be >= 1, got %d", s.InstructionLimit)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// NewViper returns a Viper instance with defaults and environment overrides
// applied, reading path when it is non-empty.
//
// Postcondition: Returns a ready Viper instance or a non-nil error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()

	// Environment variable overrides with GAMECORE_ prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return v, nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return Config{}, err
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.id", uuid.NewString())
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.tps", 128)
	v.SetDefault("server.auto_start", true)

	v.SetDefault("udp.enabled", true)
	v.SetDefault("udp.port", 0)
	v.SetDefault("udp.max_datagram_size", 4096)
	v.SetDefault("udp.send_retries", 64)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.port", 0)
	v.SetDefault("websocket.path", "/")
	v.SetDefault("websocket.send_queue", 1)
	v.SetDefault("websocket.inbound_queue", 64)
	v.SetDefault("websocket.max_pending", 64)
	v.SetDefault("websocket.max_message_size", 8<<20)
	v.SetDefault("websocket.flush_attempts", 16)
	v.SetDefault("websocket.write_timeout", "5s")
	v.SetDefault("websocket.handshake_timeout", "5s")
	v.SetDefault("websocket.accept_backlog", 128)

	v.SetDefault("control.enabled", false)
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 50061)

	v.SetDefault("script.path", "")
	v.SetDefault("script.instruction_limit", 100000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
