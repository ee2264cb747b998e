package agentdriver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// LogFile is a durable, append-only JSONL transcript for one run, mirroring
// the ancestor runner's one-file-per-task log. Unlike the ancestor, threads
// are long-lived, so each run's transcript is gzip-compressed on Close rather
// than kept as a single ever-growing plain-text file. Only the in-memory tail
// (the last capLines lines, kept for error extraction) is capped; the file
// keeps every line.
type LogFile struct {
	mu      sync.Mutex
	f       *os.File
	buf     *bufio.Writer
	lines   []string
	pending []byte
	cap     int
}

// OpenLogFile creates (or truncates) a JSONL log file at path, keeping the
// last capLines lines in memory for error-tail extraction.
func OpenLogFile(path string, capLines int) (*LogFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	if capLines <= 0 {
		capLines = 500
	}
	return &LogFile{f: f, buf: bufio.NewWriter(f), cap: capLines}, nil
}

// Write appends p to the on-disk transcript and folds any newline-terminated
// lines it completes into the in-memory tail buffer. Callers may write a
// line's content and its trailing "\n" as separate calls, so completed lines
// are tracked across calls via pending rather than assumed to arrive whole.
func (l *LogFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.buf.Write(p)
	if err != nil {
		return n, err
	}
	l.pending = append(l.pending, p...)
	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx < 0 {
			break
		}
		l.lines = append(l.lines, string(l.pending[:idx]))
		l.pending = l.pending[idx+1:]
	}
	if len(l.lines) > l.cap {
		l.lines = l.lines[len(l.lines)-l.cap:]
	}
	return n, nil
}

// Tail returns up to maxLines of the most recently written lines, oldest
// first.
func (l *LogFile) Tail(maxLines int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxLines <= 0 || maxLines >= len(l.lines) {
		out := make([]string, len(l.lines))
		copy(out, l.lines)
		return out
	}
	return append([]string(nil), l.lines[len(l.lines)-maxLines:]...)
}

// Close flushes, gzip-compresses the file in place, and removes the
// uncompressed original.
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.buf.Flush(); err != nil {
		l.f.Close()
		return fmt.Errorf("flushing log: %w", err)
	}
	path := l.f.Name()
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("closing log: %w", err)
	}
	return compressInPlace(path)
}

func compressInPlace(path string) error {
	raw, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopening log for compression: %w", err)
	}
	defer raw.Close()

	gzPath := path + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return fmt.Errorf("creating compressed log: %w", err)
	}
	gw, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		out.Close()
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	gw.ModTime = time.Now()
	if _, err := io.Copy(gw, raw); err != nil {
		out.Close()
		return fmt.Errorf("compressing log: %w", err)
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
