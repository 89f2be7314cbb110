package datalog

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	// DefaultMaxPathLen is what the path buffer of the data logger allowed.
	DefaultMaxPathLen = 63
	extension         = ".csv"
)

// sessionPath returns <root>/<YYYYMMDD>/<HHMMSS>.csv. n > 0 adds a _n suffix
// for sessions started within the same second. When the path exceeds max
// bytes the stem is cut, keeping the suffix and the extension so every n
// still yields a distinct name. ok is false when the stem was cut. max <= 0
// disables the limit.
func sessionPath(root string, t time.Time, n int, max int) (string, bool) {
	stem := filepath.Join(root, t.Format("20060102"), t.Format("150405"))
	suffix := ""
	if n > 0 {
		suffix = fmt.Sprintf("_%d", n)
	}
	stem, ok := truncateStem(stem, max-len(suffix)-len(extension), max > 0)
	return stem + suffix + extension, ok
}

func truncateStem(stem string, keep int, limited bool) (string, bool) {
	if !limited || len(stem) <= keep {
		return stem, true
	}
	if keep < 1 {
		keep = 1
	}
	return stem[:keep], false
}
