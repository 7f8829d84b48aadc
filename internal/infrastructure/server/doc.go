// Package server is the optional loopback diagnostics server.
//
// It exposes /metrics in the Prometheus text format, /metrics/json, /healthz
// and /session, behind gin recovery, request metrics, CORS and a global rate
// limit.
package server
