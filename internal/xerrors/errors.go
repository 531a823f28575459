package xerrors

import (
	"fmt"
	"runtime"
)

// Trace wraps err with the caller's function name and source line. It
// returns nil if err is nil, so it is safe to wrap unconditionally at a
// return statement.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", functionName(pc), line, err)
}

// TraceMsg wraps err with the caller's function name, source line, and an
// additional message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %s: %w", functionName(pc), line, message, err)
}

// Tracef returns a new error built from format/args, annotated with the
// caller's function name and source line.
func Tracef(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", functionName(pc), line, err)
}
