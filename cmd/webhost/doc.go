// Command webhost boots a scheme host on the headless engine.
//
// A manifest names the shared context and the schemes mounted in it, each
// backed by a directory of assets or an upstream dev server. The run command
// loads a page with those schemes available, optionally evaluates a script
// in it and logs every bridge message the page posts.
//
// Configuration:
//   - Environment variables (WEBHOST_*, LOG_*)
//   - CLI flags (override env vars)
//
// Usage:
//
//	webhost validate --manifest webhost.yaml
//	webhost run --manifest webhost.yaml --url app://localhost/ --debug-addr 127.0.0.1:9090
//	webhost run -m webhost.toml -u app://localhost/ --script smoke.js --exit
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown
package main
