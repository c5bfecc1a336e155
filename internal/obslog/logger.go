// Package obslog provides a logger interface for logging libraries so the
// rest of the vault does not depend on any of them directly. The default
// implementation wraps log/slog; a Logrus adapter is also provided that
// puts a logrus.FieldLogger behind the same interface.
package obslog

// Logger serves as an adapter interface for logging libraries so that the
// vault does not depend on any of them directly.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
