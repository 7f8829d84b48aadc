/*
Package monitoring provides metrics collection for the desktop runtime.

# Overview

This package implements Prometheus-based metrics for the session runtime:
session transitions, applied and discarded backend events, reconciliation
ticks, command channel calls, vault operations and backend subprocess output.

Every Metrics value owns a private registry, and every recording method is
safe on a nil receiver so components can run without metrics in tests.

# Usage

	metrics := monitoring.NewMetrics()

	// Diagnostics router
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	// Backend calls
	timer := monitoring.NewTimer(metrics, "config")
	// ... perform call ...
	timer.Stop("ok")
*/
package monitoring
