package httpapi

import (
	"os"
)

// readLogTail returns the last maxBytes of the run log at path, or "" if the
// log doesn't exist yet (a run that hasn't written any output).
func readLogTail(path string, maxBytes int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	size := info.Size()
	offset := size - maxBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && len(buf) == 0 {
		return ""
	}
	return string(buf)
}
