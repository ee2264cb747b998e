package agentdriver

import (
	"path/filepath"
	"testing"
)

func TestLogFileTailAssemblesLinesWrittenInPieces(t *testing.T) {
	lf, err := OpenLogFile(filepath.Join(t.TempDir(), "run.jsonl"), 100)
	if err != nil {
		t.Fatal(err)
	}

	// Mirrors driver.go's pattern of writing a line's content and its
	// trailing newline as two separate Write calls.
	lf.Write([]byte(`{"type":"assistant","text":"hi"}`))
	lf.Write([]byte("\n"))
	lf.Write([]byte(`{"type":"result","ok":true}`))
	lf.Write([]byte("\n"))

	got := lf.Tail(10)
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(got), got)
	}
	if got[0] != `{"type":"assistant","text":"hi"}` {
		t.Fatalf("line 0 = %q", got[0])
	}
	if got[1] != `{"type":"result","ok":true}` {
		t.Fatalf("line 1 = %q", got[1])
	}

	if err := lf.Close(); err != nil {
		t.Fatalf("closing log: %v", err)
	}
}

func TestLogFileTailRespectsCapLines(t *testing.T) {
	lf, err := OpenLogFile(filepath.Join(t.TempDir(), "run.jsonl"), 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"a", "b", "c"} {
		lf.Write([]byte(line + "\n"))
	}
	got := lf.Tail(10)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("got %v, want [b c]", got)
	}
	if err := lf.Close(); err != nil {
		t.Fatalf("closing log: %v", err)
	}
}
