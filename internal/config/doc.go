// Package config provides 12-factor configuration management for webhost.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Dispatch: deferred timeout and per-scheme circuit breaking
//   - Loop: run loop task buffer
//   - Bridge: mailbox size and per-surface flood limiting
//   - Logging: Log level and output format
//   - Debug: debug HTTP server address
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("deferred timeout %s\n", cfg.Dispatch.DeferredTimeout)
//
// Environment Variables:
//   - WEBHOST_DEFERRED_TIMEOUT, WEBHOST_BREAKER_ENABLED,
//     WEBHOST_BREAKER_FAILURES, WEBHOST_BREAKER_COOLDOWN
//   - WEBHOST_LOOP_QUEUE
//   - WEBHOST_BRIDGE_MAILBOX, WEBHOST_BRIDGE_RPS, WEBHOST_BRIDGE_BURST
//   - LOG_LEVEL, LOG_DEV
//   - WEBHOST_DEBUG_ADDR
package config
