package scribegate

// Field is a key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logger used by the gate, the stores and the webhook
// processors. Bearer tokens and full anonymous identities are never logged.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default of every component.
type NoopLogger struct{}

func (*NoopLogger) Debug(string, ...Field) {}
func (*NoopLogger) Info(string, ...Field)  {}
func (*NoopLogger) Warn(string, ...Field)  {}
func (*NoopLogger) Error(string, ...Field) {}
