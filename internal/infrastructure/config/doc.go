// Package config provides 12-factor configuration management for the desktop runtime.
//
// Configuration starts from Default, is overlaid by an optional YAML file, and
// is finally overridden by DESK_* environment variables.
//
// Configuration Sections:
//   - Backend: agent binary, port scan range, user data directory
//   - Session: reconciliation interval, health timeout, retry budget
//   - HTTP: backend client timeout and rate limit
//   - Vault: encryption kill switch
//   - Logging: Log level and output format
//   - Diagnostics: local metrics/health server
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Spawning %s from port %d\n", cfg.Backend.Binary, cfg.Backend.BasePort)
//
// Environment Variables:
//   - DESK_CONFIG_FILE
//   - DESK_BACKEND_BINARY, DESK_BACKEND_BASE_PORT, DESK_BACKEND_PORT_SPAN, DESK_BACKEND_DATA_DIR
//   - DESK_SESSION_POLL_INTERVAL, DESK_SESSION_HEALTH_TIMEOUT, DESK_SESSION_RETRY_ATTEMPTS
//   - DESK_HTTP_TIMEOUT, DESK_HTTP_RATE_LIMIT
//   - DESK_VAULT_ENCRYPTION_DISABLED
//   - DESK_LOGGING_LOG_LEVEL, DESK_LOGGING_LOG_DEV
//   - DESK_DIAGNOSTICS_ENABLED, DESK_DIAGNOSTICS_ADDR
package config
