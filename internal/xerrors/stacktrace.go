// Package xerrors provides caller-annotated error wrapping and the typed
// error kinds used at secureproxy's package boundaries.
package xerrors

import (
	"runtime"
	"strings"
)

// functionName extracts a short function name from the full name returned
// by runtime.Func.Name(), dropping the package path prefix.
func functionName(pc uintptr) string {
	name := runtime.FuncForPC(pc).Name()
	if i := strings.LastIndex(name, "/"); i != -1 {
		name = name[i+1:]
	}
	return name
}
