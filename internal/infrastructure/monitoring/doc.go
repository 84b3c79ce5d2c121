/*
Package monitoring provides Prometheus metrics for the webhost core.

# Overview

Metrics live on a private registry so that several hosts (and tests) can
coexist in one process. A nil *Metrics records nothing.

# Metrics

- webhost_requests_total{scheme,outcome}
- webhost_request_duration_seconds{scheme,kind}
- webhost_pending_requests
- webhost_surfaces_live
- webhost_bridge_messages_total{result}
- webhost_stale_deliveries_total{kind}
- webhost_loop_queue_depth
- webhost_uptime_seconds

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "app", monitoring.KindDeferred)
	// ... request resolves ...
	timer.Stop(monitoring.OutcomeDelivered)
*/
package monitoring
