package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chatrun/chatrun/backend/internal/advisor"
	"github.com/chatrun/chatrun/backend/internal/bus"
	"github.com/chatrun/chatrun/backend/internal/gate"
	"github.com/chatrun/chatrun/backend/internal/scheduler"
	"github.com/chatrun/chatrun/backend/internal/store"
	"github.com/chatrun/chatrun/backend/internal/store/sqlite"
	"github.com/chatrun/chatrun/backend/internal/worktree"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out strings.Builder
	cmd.Stdout, cmd.Stderr = &out, &out
	if err := cmd.Run(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out.String())
	}
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

// newTestServer wires every component against a fresh on-disk sqlite
// database, the way a real process would — this package's handlers are
// thin enough that a fake store would just be a second implementation of
// the same schema to keep in sync.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "chatrun.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stores := &store.Stores{
		Threads:      sqlite.NewThreads(db),
		Messages:     sqlite.NewMessages(db),
		Actions:      sqlite.NewActions(db),
		Runs:         sqlite.NewRuns(db),
		PendingSends: sqlite.NewPendingSends(db),
		Summaries:    sqlite.NewSummaries(db),
	}
	sched := scheduler.New(stores.Runs, &scheduler.InProcessLauncher{RunTurn: func(context.Context, string) {}})
	return &Server{
		Cfg:       Config{Host: "127.0.0.1"},
		Stores:    stores,
		Worktrees: &worktree.Manager{PortfolioRoot: t.TempDir()},
		Scheduler: sched,
		Gate:      &gate.Gate{PendingSends: stores.PendingSends},
		Advisor:   advisor.New(t.Context(), stores, false, "", ""),
		Bus:       bus.New(),
	}
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateAndGetThread(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	body := strings.NewReader(`{"portfolio":"p","projectId":"proj1","project":"` + newTestRepo(t) + `","slug":"fix bug","title":"Fix bug"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/threads", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decodeJSON[map[string]any](t, w)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("response missing id: %+v", created)
	}
	if created["slug"] != "fix-bug" {
		t.Fatalf("slug = %v, want fix-bug", created["slug"])
	}

	req = httptest.NewRequest(http.MethodGet, "/chat/threads/"+id, http.NoBody)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestGetThreadNotFound(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/chat/threads/nope", http.NoBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	resp := decodeJSON[map[string]any](t, w)
	if resp["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v, want NOT_FOUND", resp["code"])
	}
}

func TestSendMessageRequiresApprovalForWriteAccess(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	createBody := strings.NewReader(`{"portfolio":"p","projectId":"proj1","project":"` + newTestRepo(t) + `","slug":"fix-bug"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/threads", createBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	thread := decodeJSON[map[string]any](t, w)
	id := thread["id"].(string)

	sendBody := strings.NewReader(`{"content":"please edit the file","access":{"filesystem":"read-write","cli":"off","network":"none"}}`)
	req = httptest.NewRequest(http.MethodPost, "/chat/threads/"+id+"/messages", sendBody)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[map[string]any](t, w)
	if resp["code"] != "APPROVAL_REQUIRED" {
		t.Fatalf("code = %v, want APPROVAL_REQUIRED", resp["code"])
	}
	details, _ := resp["details"].(map[string]any)
	if details == nil || details["pending_send_id"] == "" {
		t.Fatalf("details missing pending_send_id: %+v", resp)
	}
}

func TestSendMessageEnqueuesRunForReadOnlyAccess(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	createBody := strings.NewReader(`{"portfolio":"p","projectId":"proj1","project":"` + newTestRepo(t) + `","slug":"fix-bug"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/threads", createBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	thread := decodeJSON[map[string]any](t, w)
	id := thread["id"].(string)

	sendBody := strings.NewReader(`{"content":"just look around"}`)
	req = httptest.NewRequest(http.MethodPost, "/chat/threads/"+id+"/messages", sendBody)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[map[string]any](t, w)
	if resp["runId"] == "" || resp["runId"] == nil {
		t.Fatalf("response missing runId: %+v", resp)
	}
}

func TestSendMessageUnknownThread(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	body := strings.NewReader(`{"content":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/threads/nope/messages", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestPatchThreadArchive(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	createBody := strings.NewReader(`{"portfolio":"p","projectId":"proj1","project":"` + newTestRepo(t) + `","slug":"fix-bug"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/threads", createBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	thread := decodeJSON[map[string]any](t, w)
	id := thread["id"].(string)

	req = httptest.NewRequest(http.MethodPatch, "/chat/threads/"+id, strings.NewReader(`{"archived":true}`))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	patched := decodeJSON[map[string]any](t, w)
	if patched["state"] != "archived" {
		t.Fatalf("state = %v, want archived", patched["state"])
	}
}

func TestListThreadsFlagsNeedsAttentionForWaitingPendingSend(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	createBody := strings.NewReader(`{"portfolio":"p","projectId":"proj1","project":"` + newTestRepo(t) + `","slug":"fix-bug"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/threads", createBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	thread := decodeJSON[map[string]any](t, w)
	id := thread["id"].(string)

	sendBody := strings.NewReader(`{"content":"please edit the file","access":{"filesystem":"read-write","cli":"off","network":"none"}}`)
	req = httptest.NewRequest(http.MethodPost, "/chat/threads/"+id+"/messages", sendBody)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/chat/threads", http.NoBody)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	resp := decodeJSON[map[string]any](t, w)
	threads, _ := resp["threads"].([]any)
	if len(threads) != 1 {
		t.Fatalf("threads = %v, want 1", threads)
	}
	first, _ := threads[0].(map[string]any)
	if first["needsAttention"] != true {
		t.Fatalf("needsAttention = %v, want true for thread with a waiting pending send", first["needsAttention"])
	}
}

func TestListThreadsEmpty(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/chat/threads", http.NoBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[map[string]any](t, w)
	threads, _ := resp["threads"].([]any)
	if len(threads) != 0 {
		t.Fatalf("threads = %v, want empty", threads)
	}
}

func TestUndoActionNotFound(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/chat/actions/nope/undo", http.NoBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	s := newTestServer(t)
	s.Cfg.CORSAllowOrigins = []string{"http://localhost:5173"}
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/chat/threads", http.NoBody)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}
