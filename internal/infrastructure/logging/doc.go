// Package logging provides structured logging using uber/zap.
//
// The desktop keeps two diagnostic files under the user data directory:
// devon.log receives everything at the configured level and error.log
// receives errors only. Both are truncated on startup. Extra sinks such as
// stderr get JSON, or colored console output in development mode.
//
// Component loggers are derived with Named:
//   - devon: host process
//   - devon-agent: forwarded backend output
//   - devon-ui: errors reported by the UI over the command channel
//
// Example Usage:
//
//	logger, err := logging.NewFiles(logging.Config{Level: "info"}, layout.LogDir())
//	logger.Info("Application started", zap.String("version", version))
//	logger.Named(logging.BackendName).Error("backend stderr", zap.String("line", line))
package logging
