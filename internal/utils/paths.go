package utils

import (
	"path/filepath"
	"runtime"
	"strings"
)

// PathsEqual compares two filesystem paths, case-insensitively on
// platforms with case-insensitive filesystems (macOS, Windows).
func PathsEqual(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// Truncate shortens s to at most n runes, appending an ellipsis when it
// was cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
