package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// StandardLogger provides the structured log events shared by the analyzer components.
type StandardLogger struct {
	logger   *slog.Logger
	shutdown func()
}

// NewStandardLogger creates a JSON logger on stderr. Stdout is reserved for command
// output.
func NewStandardLogger(logLevel string, environment string) *StandardLogger {
	return NewStandardLoggerWithWriter(os.Stderr, logLevel, environment)
}

// NewStandardLoggerWithWriter creates a logger writing to w. Development environments
// get the text handler, everything else JSON.
func NewStandardLoggerWithWriter(w io.Writer, logLevel string, environment string) *StandardLogger {
	opts := &slog.HandlerOptions{Level: getSlogLevel(logLevel)}
	var handler slog.Handler
	if strings.EqualFold(environment, "development") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &StandardLogger{logger: slog.New(handler)}
}

// NewStandardOTLPLogger creates a logger that exports through OTLP, falling back to the
// stderr JSON logger when the exporter cannot be built.
func NewStandardOTLPLogger(config OTLPConfig) *StandardLogger {
	otlpLogger, err := NewOTLPLogger(config)
	if err != nil {
		fallback := NewStandardLogger(config.LogLevel, config.Environment)
		fallback.WithError(err).Warn("OTLP logging unavailable, using stderr")
		return fallback
	}
	return &StandardLogger{
		logger:   otlpLogger.Logger(),
		shutdown: otlpLogger.shutdownWithTimeout,
	}
}

// Shutdown flushes pending exports, if any.
func (l *StandardLogger) Shutdown() {
	if l.shutdown != nil {
		l.shutdown()
	}
}

// WithService creates a logger with service context
func (l *StandardLogger) WithService(serviceName string) *slog.Logger {
	return l.logger.With("service", serviceName)
}

// WithComponent creates a logger with component context
func (l *StandardLogger) WithComponent(componentName string) *slog.Logger {
	return l.logger.With("component", componentName)
}

// WithOperation creates a logger with operation context
func (l *StandardLogger) WithOperation(operationName string) *slog.Logger {
	return l.logger.With("operation", operationName)
}

// WithRunID creates a logger scoped to one analysis run
func (l *StandardLogger) WithRunID(runID string) *slog.Logger {
	return l.logger.With("run_id", runID)
}

// WithSubject creates a logger with subject context
func (l *StandardLogger) WithSubject(subjectID string) *slog.Logger {
	return l.logger.With("subject", subjectID)
}

// WithDetector creates a logger with detector context
func (l *StandardLogger) WithDetector(detector string) *slog.Logger {
	return l.logger.With("detector", detector)
}

// WithError creates a logger with error context
func (l *StandardLogger) WithError(err error) *slog.Logger {
	return l.logger.With("error", err.Error())
}

// WithMetrics creates a logger with metrics context
func (l *StandardLogger) WithMetrics(metrics map[string]interface{}) *slog.Logger {
	return l.logger.With("metrics", metrics)
}

// LogStartup logs application startup information
func (l *StandardLogger) LogStartup(serviceName string, version string, command string) {
	l.logger.Info("Application startup",
		"service", serviceName,
		"version", version,
		"command", command,
		"event", "startup",
	)
}

// LogShutdown logs application shutdown information
func (l *StandardLogger) LogShutdown(serviceName string, reason string) {
	l.logger.Info("Application shutdown",
		"service", serviceName,
		"reason", reason,
		"event", "shutdown",
	)
}

// LogAnalysisCompleted logs the outcome of a comprehensive analysis
func (l *StandardLogger) LogAnalysisCompleted(subjectID string, runID string, partial bool, insights int, duration int64) {
	l.logger.Info("Analysis completed",
		"subject", subjectID,
		"run_id", runID,
		"partial", partial,
		"insights", insights,
		"duration_ms", duration,
		"event", "analysis",
	)
}

// LogComparisonCompleted logs the outcome of a multi-subject comparison
func (l *StandardLogger) LogComparisonCompleted(analysisType string, subjects int, pairs int, duration int64) {
	l.logger.Info("Comparison completed",
		"type", analysisType,
		"subjects", subjects,
		"pairs", pairs,
		"duration_ms", duration,
		"event", "comparison",
	)
}

// LogResourceStats logs resource statistics in a standardized format
func (l *StandardLogger) LogResourceStats(serviceName string, stats map[string]interface{}) {
	l.logger.Info("Resource statistics",
		"service", serviceName,
		"stats", stats,
		"event", "resource",
	)
}

// LogCacheOperation logs cache operations in a standardized format
func (l *StandardLogger) LogCacheOperation(operation string, key string, hit bool, duration int64) {
	l.logger.Debug("Cache operation",
		"operation", operation,
		"key", key,
		"hit", hit,
		"duration_ms", duration,
		"event", "cache",
	)
}

// LogDatabaseOperation logs database operations in a standardized format
func (l *StandardLogger) LogDatabaseOperation(operation string, table string, duration int64, rowsAffected int64) {
	l.logger.Debug("Database operation",
		"operation", operation,
		"table", table,
		"duration_ms", duration,
		"rows_affected", rowsAffected,
		"event", "database",
	)
}

// Logger returns the underlying *slog.Logger
func (l *StandardLogger) Logger() *slog.Logger {
	return l.logger
}

// NewLogrusLogger creates the logrus logger used by the analysis services, writing to
// stderr with the JSON formatter outside development.
func NewLogrusLogger(logLevel string, environment string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(ParseLogrusLevel(logLevel))
	if !strings.EqualFold(environment, "development") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// getSlogLevel converts string level to slog.Level
func getSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLogrusLevel converts string level to logrus.Level
func ParseLogrusLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
