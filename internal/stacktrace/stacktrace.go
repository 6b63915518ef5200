// Package stacktrace provides helpers for attaching caller information to
// errors and log entries.
package stacktrace

import (
	"fmt"
	"runtime"
	"strings"
)

// GetFunctionName returns the function name for pc with the import path
// stripped, so "mmapdisplay/internal/mmap.(*Writer).Write" becomes
// "mmap.(*Writer).Write".
func GetFunctionName(pc uintptr) string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	funcName := fn.Name()
	index := strings.LastIndex(funcName, "/")
	if index != -1 {
		funcName = funcName[index+1:]
	}
	return funcName
}

// GetParentFunctionName returns the caller's parent function name and source
// line number.
func GetParentFunctionName() string {
	pc, _, line, _ := runtime.Caller(2)
	return fmt.Sprintf("%s#%d", GetFunctionName(pc), line)
}
