package obslog

import (
	"context"
	"fmt"
	"log/slog"
)

// SlogLogger adapts a *slog.Logger to the Logger interface. It is the
// vault's default logger, constructed in cmd/authvaultd from the
// AUTH_MANAGER_LOG_LEVEL/AUTH_MANAGER_LOG_FORMAT configuration.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger returns a Logger backed by the given slog.Logger.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Debug(args ...interface{}) {
	l.logger.Log(context.Background(), slog.LevelDebug, fmt.Sprint(args...))
}

func (l *SlogLogger) Info(args ...interface{}) {
	l.logger.Log(context.Background(), slog.LevelInfo, fmt.Sprint(args...))
}

func (l *SlogLogger) Warn(args ...interface{}) {
	l.logger.Log(context.Background(), slog.LevelWarn, fmt.Sprint(args...))
}

func (l *SlogLogger) Error(args ...interface{}) {
	l.logger.Log(context.Background(), slog.LevelError, fmt.Sprint(args...))
}

func (l *SlogLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *SlogLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *SlogLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *SlogLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
