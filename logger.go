package flashsale

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]any

// Logger is the leveled logger every component accepts. Adapters for zap,
// logrus and slog live under log/. A nil Logger in any Options disables
// logging for that component.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}
