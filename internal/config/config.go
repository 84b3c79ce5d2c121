package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all host configuration.
type Config struct {
	Dispatch DispatchConfig
	Loop     LoopConfig
	Bridge   BridgeConfig
	Logging  LogConfig
	Debug    DebugConfig
}

// DispatchConfig controls request dispatch.
type DispatchConfig struct {
	// DeferredTimeout resolves an unanswered deferred request with 504.
	// Zero waits forever.
	DeferredTimeout time.Duration `envconfig:"WEBHOST_DEFERRED_TIMEOUT" default:"30s"`
	BreakerEnabled  bool          `envconfig:"WEBHOST_BREAKER_ENABLED" default:"false"`
	BreakerFailures uint32        `envconfig:"WEBHOST_BREAKER_FAILURES" default:"5"`
	BreakerCooldown time.Duration `envconfig:"WEBHOST_BREAKER_COOLDOWN" default:"10s"`
}

// LoopConfig sizes the run loop.
type LoopConfig struct {
	QueueSize int `envconfig:"WEBHOST_LOOP_QUEUE" default:"1024"`
}

// BridgeConfig controls the postmessage bridge.
type BridgeConfig struct {
	MailboxSize int `envconfig:"WEBHOST_BRIDGE_MAILBOX" default:"256"`
	// RatePerSecond caps messages per surface. Zero disables limiting.
	RatePerSecond float64 `envconfig:"WEBHOST_BRIDGE_RPS" default:"0"`
	Burst         int     `envconfig:"WEBHOST_BRIDGE_BURST" default:"0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// DebugConfig holds debug server configuration.
type DebugConfig struct {
	// Addr is the debug server listen address. Empty disables the server.
	Addr string `envconfig:"WEBHOST_DEBUG_ADDR" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			DeferredTimeout: 30 * time.Second,
			BreakerEnabled:  false,
			BreakerFailures: 5,
			BreakerCooldown: 10 * time.Second,
		},
		Loop: LoopConfig{
			QueueSize: 1024,
		},
		Bridge: BridgeConfig{
			MailboxSize: 256,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate rejects values the host cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatch.DeferredTimeout < 0 {
		errs = append(errs, errors.New("WEBHOST_DEFERRED_TIMEOUT must not be negative"))
	}
	if c.Dispatch.BreakerEnabled && c.Dispatch.BreakerFailures == 0 {
		errs = append(errs, errors.New("WEBHOST_BREAKER_FAILURES must be positive when the breaker is enabled"))
	}
	if c.Loop.QueueSize <= 0 {
		errs = append(errs, errors.New("WEBHOST_LOOP_QUEUE must be positive"))
	}
	if c.Bridge.MailboxSize <= 0 {
		errs = append(errs, errors.New("WEBHOST_BRIDGE_MAILBOX must be positive"))
	}
	if c.Bridge.RatePerSecond < 0 || c.Bridge.Burst < 0 {
		errs = append(errs, errors.New("bridge rate limit must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RateLimited reports whether bridge flood limiting is on.
func (b BridgeConfig) RateLimited() bool {
	return b.RatePerSecond > 0
}
