package modplane

// Logger defines the interface for control plane logging.
// Every manager in modplane logs through this interface using structured
// key-value pairs, so the embedding application decides how records look.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("Module started", "module", "cache", "pid", 4242)
//
// The interface is compatible with slog, zerolog adapters (see
// internal/logging), zap and logrus.
type Logger interface {
	// Info logs an informational message such as a module start or a mode switch.
	Info(msg string, args ...any)

	// Error logs a failure that the control plane recovered from or reported.
	//
	// Example:
	//   logger.Error("Failed to launch service", "service", "api_gateway", "error", err)
	Error(msg string, args ...any)

	// Warn logs an unusual condition, for example a dependency that is not yet running.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics, typically disabled in production.
	Debug(msg string, args ...any)
}

// NopLogger discards everything. Managers fall back to it when no logger is supplied.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Debug(string, ...any) {}

// OrNop returns logger, or a NopLogger when logger is nil.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return NopLogger{}
	}
	return logger
}
