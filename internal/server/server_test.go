package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/model"
	"github.com/raysh454/httpbridge/internal/scope"
	"github.com/raysh454/httpbridge/internal/server"
	"github.com/raysh454/httpbridge/internal/testutil"
)

func newTestServer(t *testing.T, allow ...string) *server.Server {
	t.Helper()

	engCfg := engine.DefaultConfig()
	engCfg.Scope = scope.Config{Allow: allow}
	if len(allow) == 0 {
		engCfg.Scope.Disabled = true
	}
	cfg := server.Config{
		ListenAddr:  ":0",
		Engine:      engCfg,
		JournalPath: filepath.Join(t.TempDir(), "journal.db"),
		Logger:      &testutil.DummyLogger{},
	}

	s, err := server.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func doJSON(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON response: %v (body: %s)", err, rec.Body.String())
	}
}

func issue(t *testing.T, s http.Handler, body string) model.Handle {
	t.Helper()
	rec := doJSON(t, s, "POST", "/v1/requests", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out server.IssueResponse
	decodeJSON(t, rec, &out)
	if out.RID == 0 {
		t.Fatal("issue returned handle 0")
	}
	return out.RID
}

func ridPath(prefix string, rid model.Handle, suffix string) string {
	b, _ := json.Marshal(rid)
	return prefix + string(b) + suffix
}

// ─── Health & metrics ──────────────────────────────────────────────────

func TestServer_Health(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := doJSON(t, s, "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var h server.HealthResponse
	decodeJSON(t, rec, &h)
	if h.Status != "ok" || h.LiveHandles != 0 {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	issue(t, s, `{"method":"GET","url":"data:,x","headers":[],"data":null}`)

	rec := doJSON(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "httpbridge_engine_requests_issued_total") {
		t.Errorf("metrics missing engine counters:\n%s", rec.Body.String())
	}
}

// ─── Fetch lifecycle ───────────────────────────────────────────────────

func TestServer_FetchLifecycle(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Method", r.Method)
		_, _ = io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/**")
	rid := issue(t, s, `{"method":"GET","url":"`+upstream.URL+`/greeting","headers":[["accept","text/plain"]],"data":null}`)

	rec := doJSON(t, s, "POST", ridPath("/v1/requests/", rid, "/send"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("send: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp model.FetchResponse
	decodeJSON(t, rec, &resp)
	if resp.Status != 200 || resp.StatusText != "OK" {
		t.Errorf("unexpected status %d %q", resp.Status, resp.StatusText)
	}
	if resp.URL != upstream.URL+"/greeting" {
		t.Errorf("unexpected url %q", resp.URL)
	}
	if got := resp.Headers.Get("x-method"); got != "GET" {
		t.Errorf("x-method header = %q", got)
	}

	rec = doJSON(t, s, "GET", ridPath("/v1/bodies/", resp.BodyHandle, ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("body: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("body content-type = %q", ct)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}

	// Both handles are retired once the body was read.
	rec = doJSON(t, s, "GET", ridPath("/v1/bodies/", resp.BodyHandle, ""), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second read: expected 404, got %d", rec.Code)
	}
	if n := s.Engine().LiveHandles(); n != 0 {
		t.Errorf("expected no live handles, got %d", n)
	}
}

func TestServer_SecondSendConflicts(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	rid := issue(t, s, `{"method":"GET","url":"data:,x","headers":[],"data":null}`)

	if rec := doJSON(t, s, "POST", ridPath("/v1/requests/", rid, "/send"), ""); rec.Code != http.StatusOK {
		t.Fatalf("first send: %d", rec.Code)
	}
	rec := doJSON(t, s, "POST", ridPath("/v1/requests/", rid, "/send"), "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestServer_CancelRetiresHandle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	rid := issue(t, s, `{"method":"GET","url":"data:,x","headers":[],"data":null}`)

	rec := doJSON(t, s, "POST", ridPath("/v1/requests/", rid, "/cancel"), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, s, "POST", ridPath("/v1/requests/", rid, "/send"), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("send after cancel: expected 404, got %d", rec.Code)
	}
	var e server.ErrorResponse
	decodeJSON(t, rec, &e)
	if !strings.HasPrefix(e.Error, "invalid or retired resource id") {
		t.Errorf("unexpected error message %q", e.Error)
	}

	// Unknown handles cancel silently.
	if rec := doJSON(t, s, "POST", "/v1/requests/999/cancel", ""); rec.Code != http.StatusNoContent {
		t.Errorf("cancel unknown: expected 204, got %d", rec.Code)
	}
}

// ─── Errors ────────────────────────────────────────────────────────────

func TestServer_ErrorStatuses(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "https://allowed.example/**")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"scope denied", "POST", "/v1/requests", `{"method":"GET","url":"https://other.example/","headers":[],"data":null}`, http.StatusForbidden},
		{"bad json", "POST", "/v1/requests", `{`, http.StatusBadRequest},
		{"bad rid", "POST", "/v1/requests/abc/send", "", http.StatusBadRequest},
		{"unknown rid", "POST", "/v1/requests/42/send", "", http.StatusNotFound},
		{"unknown body", "GET", "/v1/bodies/42", "", http.StatusNotFound},
		{"bad options", "POST", "/v1/client/configure", `{"connectTimeout":-1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := doJSON(t, s, tt.method, tt.path, tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: expected %d, got %d (%s)", tt.name, tt.want, rec.Code, rec.Body.String())
			continue
		}
		var e server.ErrorResponse
		decodeJSON(t, rec, &e)
		if e.Error == "" {
			t.Errorf("%s: empty error message", tt.name)
		}
	}
}

func TestServer_ScopeDeniedMessage(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "https://allowed.example/**")

	rec := doJSON(t, s, "POST", "/v1/requests", `{"method":"GET","url":"http://h/data.json","headers":[],"data":null}`)
	var e server.ErrorResponse
	decodeJSON(t, rec, &e)
	if e.Error != "url not allowed on the configured scope: http://h/data.json" {
		t.Errorf("unexpected message %q", e.Error)
	}
}

// ─── Configure & journal ───────────────────────────────────────────────

func TestServer_ConfigureChangesRedirects(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
		}
	}))
	defer upstream.Close()

	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/v1/client/configure", `{"maxRedirections":0}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("configure: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rid := issue(t, s, `{"method":"GET","url":"`+upstream.URL+`/start","headers":[],"data":null}`)
	rec = doJSON(t, s, "POST", ridPath("/v1/requests/", rid, "/send"), "")
	var resp model.FetchResponse
	decodeJSON(t, rec, &resp)
	if resp.Status != http.StatusFound {
		t.Errorf("expected 302 with redirects disabled, got %d", resp.Status)
	}
}

func TestServer_JournalListsRequests(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rid := issue(t, s, `{"method":"GET","url":"data:,one","headers":[],"data":null}`)
	doJSON(t, s, "POST", ridPath("/v1/requests/", rid, "/cancel"), "")
	issue(t, s, `{"method":"GET","url":"data:,two","headers":[],"data":null}`)

	rec := doJSON(t, s, "GET", "/v1/journal?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("journal: expected 200, got %d", rec.Code)
	}
	var entries []model.JournalEntry
	decodeJSON(t, rec, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].URL != "data:,two" {
		t.Errorf("expected newest first, got %q", entries[0].URL)
	}
	if entries[1].Outcome != model.OutcomeCanceled {
		t.Errorf("expected canceled outcome, got %q", entries[1].Outcome)
	}

	rec = doJSON(t, s, "GET", "/v1/journal?limit=1", "")
	entries = nil
	decodeJSON(t, rec, &entries)
	if len(entries) != 1 {
		t.Errorf("limit=1 returned %d entries", len(entries))
	}
}

func TestServer_JournalDisabled(t *testing.T) {
	t.Parallel()
	cfg := server.Config{Engine: engine.DefaultConfig(), Logger: &testutil.DummyLogger{}}
	s, err := server.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	if rec := doJSON(t, s, "GET", "/v1/journal", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServer_CloseRejectsNewRequests(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rec := doJSON(t, s, "POST", "/v1/requests", `{"method":"GET","url":"data:,x","headers":[],"data":null}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
