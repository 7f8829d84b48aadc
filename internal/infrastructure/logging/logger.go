package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log file names inside the log directory.
const (
	MainLogFile  = "devon.log"
	ErrorLogFile = "error.log"
)

// Component logger names.
const (
	MainName     = "devon"
	BackendName  = "devon-agent"
	RendererName = "devon-ui"
)

// Logger is a zap logger that owns the diagnostic files it writes to.
type Logger struct {
	*zap.Logger
	files []*os.File
}

// Config defines logger configuration.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	// OutputPaths are extra sinks besides the log files, e.g. "stderr".
	OutputPaths []string
}

// NewFiles creates a logger that writes every entry at the configured level
// to logDir/devon.log and error-level entries to logDir/error.log, plus any
// OutputPaths. Both files are truncated, so each run starts clean.
func NewFiles(cfg Config, logDir string) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &Logger{}
	mainFile, err := l.open(filepath.Join(logDir, MainLogFile))
	if err != nil {
		return nil, err
	}
	errFile, err := l.open(filepath.Join(logDir, ErrorLogFile))
	if err != nil {
		l.closeFiles()
		return nil, err
	}

	atLevel := zap.NewAtomicLevelAt(level)
	fileEncoder := zapcore.NewJSONEncoder(fileEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(fileEncoder, zapcore.AddSync(mainFile), atLevel),
		zapcore.NewCore(fileEncoder, zapcore.AddSync(errFile), zap.ErrorLevel),
	}

	if len(cfg.OutputPaths) > 0 {
		sink, _, err := zap.Open(cfg.OutputPaths...)
		if err != nil {
			l.closeFiles()
			return nil, fmt.Errorf("failed to open log outputs: %w", err)
		}
		consoleEncoder := zapcore.NewJSONEncoder(fileEncoderConfig())
		if cfg.Development {
			consoleEncoder = zapcore.NewConsoleEncoder(consoleEncoderConfig())
		}
		cores = append(cores, zapcore.NewCore(consoleEncoder, sink, atLevel))
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zap.WarnLevel))
	}
	l.Logger = zap.New(zapcore.NewTee(cores...), opts...)
	return l, nil
}

func (l *Logger) open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	l.files = append(l.files, f)
	return f, nil
}

func (l *Logger) closeFiles() error {
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	l.files = nil
	return errors.Join(errs...)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Close flushes buffered entries and releases the log files.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	return l.closeFiles()
}

func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

func fileEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := fileEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}
