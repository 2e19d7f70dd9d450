// Package config loads the paperwatch client configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wenjingluo11-spec/paperwatch"
	"github.com/wenjingluo11-spec/paperwatch/papers"
)

// Config is the on-disk client configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Log       LogConfig       `yaml:"log"`
}

// APIConfig points at the papers REST API.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StreamConfig selects the progress transport.
type StreamConfig struct {
	// Transport is "websocket" or "sse".
	Transport string `yaml:"transport"`
	// URL is an address template; "{id}" is replaced by the task id.
	URL string `yaml:"url"`
}

// ReconnectConfig is the fixed-interval retry policy.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration file at path. An empty path yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = papers.DefaultBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.Stream.Transport == "" {
		c.Stream.Transport = TransportWebSocket
	}
	if c.Stream.URL == "" {
		c.Stream.URL = defaultStreamURL(c.API.BaseURL, c.Stream.Transport)
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.Delay == 0 {
		c.Reconnect.Delay = 3 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// defaultStreamURL derives the stream template from the API address.
func defaultStreamURL(baseURL, transport string) string {
	base := strings.TrimRight(baseURL, "/")
	if transport == TransportSSE {
		return base + "/api/v1/papers/sse/paper/{id}"
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/papers/ws/paper/{id}"
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Stream.Transport {
	case TransportWebSocket, TransportSSE:
	default:
		errs = append(errs, fmt.Errorf("stream.transport: unknown transport %q", c.Stream.Transport))
	}
	if !strings.Contains(c.Stream.URL, "{id}") {
		errs = append(errs, fmt.Errorf("stream.url: %q has no {id} placeholder", c.Stream.URL))
	}
	if c.Reconnect.Delay < 0 {
		errs = append(errs, errors.New("reconnect.delay: must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Dialer builds the configured stream dialer.
func (c *Config) Dialer() paperwatch.Dialer {
	if c.Stream.Transport == TransportSSE {
		return paperwatch.NewSSEDialer(c.Stream.URL)
	}
	return paperwatch.NewWSDialer(c.Stream.URL)
}

// Client builds the papers API client.
func (c *Config) Client() *papers.Client {
	client := papers.NewClient(c.API.BaseURL)
	client.HTTPClient.Timeout = c.API.Timeout
	return client
}

// Options converts the reconnect policy into multiplexer options.
func (c *Config) Options(logger *slog.Logger) paperwatch.Options {
	return paperwatch.Options{
		MaxReconnectAttempts: c.Reconnect.MaxAttempts,
		ReconnectDelay:       c.Reconnect.Delay,
		Logger:               logger,
	}
}
