// Package debug provides verbose diagnostic logging gated by IVY_DEBUG.
package debug

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

var (
	once    sync.Once
	enabled bool
)

// Enabled reports whether debug logging is on (IVY_DEBUG=1/true/yes/on).
func Enabled() bool {
	once.Do(func() {
		v := strings.ToLower(strings.TrimSpace(os.Getenv("IVY_DEBUG")))
		enabled = v == "1" || v == "true" || v == "yes" || v == "on"
	})
	return enabled
}

// Logf writes a debug line to stderr when debug logging is enabled.
func Logf(format string, args ...any) {
	if !Enabled() {
		return
	}
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, "[ivy] "+format, args...)
}
