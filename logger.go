package modhost

// Logger defines the interface for host logging.
// The host uses structured logging with key-value pairs so that
// embedding applications control how loader, watcher and health
// output appears.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("Module loaded", "module", "billing", "duration", d)
//
// This shape is compatible with log/slog, charmbracelet/log, zap's
// SugaredLogger and similar libraries through a thin adapter.
type Logger interface {
	// Info logs an informational message, e.g. a module was registered.
	Info(msg string, args ...any)

	// Error logs an error that was recovered, e.g. a reload failed.
	Error(msg string, args ...any)

	// Warn logs an unusual condition, e.g. a missing search directory.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics such as resolved load order.
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
