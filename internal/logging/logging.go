// Package logging provides the structured logging interface used across
// secureproxy. Packages depend on the Logger interface, not on logrus
// directly, so a caller can supply any compatible implementation.
package logging

// Fields is a set of structured key/value pairs attached to a log entry.
type Fields map[string]interface{}

// Add copies fields from b into a, skipping keys that already exist in a.
func (a Fields) Add(b Fields) {
	for k, v := range b {
		if _, ok := a[k]; !ok {
			a[k] = v
		}
	}
}

// Entry is the interface returned by Logger.WithContext/WithContextFields.
type Entry interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Logger is the logging interface every secureproxy component depends on.
type Logger interface {
	// WithContext returns an Entry tagged with the caller's function name
	// and source line. Use this when the log line carries no other fields.
	WithContext() Entry

	// WithContextFields is like WithContext but merges in the supplied
	// fields. Any pre-existing "context" field is renamed to
	// "fields.context".
	WithContextFields(fields Fields) Entry
}
