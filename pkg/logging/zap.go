package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// ZapLogger wraps zap.Logger to implement the ApplicationLogger interface
type ZapLogger struct {
	logger *zap.Logger
}

// NewApplicationLogger creates a new application logger adapter
func NewApplicationLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{
		logger: logger,
	}
}

// Named returns a child logger scoped to a component name.
func (zl *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{logger: zl.logger.Named(name)}
}

// With returns a child logger carrying the given fields.
func (zl *ZapLogger) With(fields ...zap.Field) *ZapLogger {
	return &ZapLogger{logger: zl.logger.With(fields...)}
}

// Info logs an info message
func (zl *ZapLogger) Info(msg string, args ...interface{}) {
	zl.logger.Info(format(msg, args))
}

// Debug logs a debug message
func (zl *ZapLogger) Debug(msg string, args ...interface{}) {
	if ce := zl.logger.Check(zap.DebugLevel, ""); ce == nil {
		return
	}
	zl.logger.Debug(format(msg, args))
}

// Warn logs a warning message
func (zl *ZapLogger) Warn(msg string, args ...interface{}) {
	zl.logger.Warn(format(msg, args))
}

// Error logs an error message
func (zl *ZapLogger) Error(msg string, args ...interface{}) {
	zl.logger.Error(format(msg, args))
}

// Fatal logs a fatal message and exits
func (zl *ZapLogger) Fatal(msg string, args ...interface{}) {
	zl.logger.Fatal(format(msg, args))
}

// ErrorWithDebug logs an error with raw response data
func (zl *ZapLogger) ErrorWithDebug(msg string, rawResponse []byte, args ...interface{}) {
	zl.logger.Error(format(msg, args), zap.ByteString("raw_response", rawResponse))
}

func format(msg string, args []interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}
