package model

// Logger is the logger used by every package of the engine. The
// [github.com/apex/log] package-level logger satisfies this interface.
type Logger interface {
	// Debug emits a debug message.
	Debug(msg string)

	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Info emits an informational message.
	Info(msg string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Warn emits a warning message.
	Warn(msg string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)
}

// DiscardLogger is a [Logger] that ignores every message.
type DiscardLogger struct{}

var _ Logger = DiscardLogger{}

func (DiscardLogger) Debug(msg string)               {}
func (DiscardLogger) Debugf(format string, v ...any) {}
func (DiscardLogger) Info(msg string)                {}
func (DiscardLogger) Infof(format string, v ...any)  {}
func (DiscardLogger) Warn(msg string)                {}
func (DiscardLogger) Warnf(format string, v ...any)  {}
