// Package server exposes a host over HTTP for debugging.
//
// Routes:
//
//	GET /health         liveness and live surface count
//	GET /metrics        Prometheus exposition
//	GET /stats          component snapshot plus in-flight requests
//	GET /bridge/stream  websocket tap of every bridge message, one JSON per frame
package server
