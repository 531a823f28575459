package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// contextLogger is the default Logger implementation, backed by logrus and
// emitting single-line JSON records.
type contextLogger struct {
	*logrus.Logger
}

// NewLogger returns a Logger that writes JSON-formatted entries to w at the
// given level. level must be one of the logrus level names ("debug",
// "info", "warning", "error").
func NewLogger(w io.Writer, level string) (Logger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return &contextLogger{
		&logrus.Logger{
			Out:       w,
			Formatter: &jsonFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     parsed,
		},
	}, nil
}

// NewDefaultLogger returns a Logger writing debug-level JSON to stderr,
// suitable as a bootstrap logger before configuration is loaded.
func NewDefaultLogger() Logger {
	return &contextLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &jsonFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.DebugLevel,
		},
	}
}

func (l *contextLogger) WithContext() Entry {
	return l.WithFields(logrus.Fields{"context": callerContext()})
}

func (l *contextLogger) WithContextFields(fields Fields) Entry {
	if _, ok := fields["context"]; ok {
		fields["fields.context"] = fields["context"]
	}
	fields["context"] = callerContext()
	return l.WithFields(logrus.Fields(fields))
}

// callerContext returns "function#line" for the caller of WithContext or
// WithContextFields.
func callerContext() string {
	pc, _, line, _ := runtime.Caller(2)
	name := runtime.FuncForPC(pc).Name()
	if i := strings.LastIndex(name, "/"); i != -1 {
		name = name[i+1:]
	}
	return fmt.Sprintf("%s#%d", name, line)
}

// jsonFormatter is a customized version of logrus.JSONFormatter, renaming
// "time" to "timestamp" and preserving any colliding field under a
// "fields." prefix, following the teacher's CustomJSONFormatter.
type jsonFormatter struct{}

func (f *jsonFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			data[k] = err.Error()
		} else {
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	if lvl, ok := data["level"]; ok {
		data["fields.level"] = lvl
	}
	data["msg"] = entry.Message
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return append(serialized, '\n'), nil
}
