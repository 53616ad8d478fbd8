package proxy

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/procsi/procsid/internal/eventlog"
	"github.com/procsi/procsid/internal/interceptor"
	"github.com/procsi/procsid/internal/models"
	"github.com/procsi/procsid/internal/replay"
	"github.com/procsi/procsid/internal/repository"
)

func newTestPipeline(t *testing.T, interceptorDir string) (*Pipeline, *repository.Repository, *interceptor.Runner) {
	t.Helper()

	repo, err := repository.Open(filepath.Join(t.TempDir(), "requests.db"), 5000)
	if err != nil {
		t.Fatalf("repository.Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	events, err := eventlog.New(1000)
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	loader, err := interceptor.NewLoader(interceptorDir, events)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	runner, err := interceptor.NewRunner(loader, events)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(runner.Stop)

	tracker := replay.NewTracker()
	p := NewPipeline(repo, runner, tracker, "default-session", 10*1024*1024)
	return p, repo, runner
}

func writeInterceptor(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing interceptor %s: %v", name, err)
	}
}

// proxiedGet fires req through p's handler the way the real daemon's net
// listener would, with req.URL already in absolute form the way a forward
// proxy client sends it.
func proxiedGet(t *testing.T, p *Pipeline, method, target string, headers map[string]string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, bodyReader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)
	return rec
}

// S1 — passthrough.
func TestPipeline_PassthroughCapturesRequestAndResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerSessionID) != "" || r.Header.Get(headerReplayToken) != "" {
			t.Errorf("upstream received an internal attribution header")
		}
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	p, repo, _ := newTestPipeline(t, t.TempDir())

	rec := proxiedGet(t, p, http.MethodGet, upstream.URL+"/api/users", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	rows, err := repo.ListRequests(repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 captured row, got %d", len(rows))
	}
	row := rows[0]
	if row.Method != http.MethodGet || row.ResponseStatus == nil || *row.ResponseStatus != 200 {
		t.Fatalf("unexpected captured row: %+v", row)
	}
	if string(row.ResponseBody) != `{"ok":true}` {
		t.Fatalf("unexpected captured response body: %s", row.ResponseBody)
	}
	if row.Interception != nil {
		t.Fatalf("expected no interception for passthrough, got %+v", row.Interception)
	}
}

// S2 — mock.
func TestPipeline_MockOutcomeNeverReachesUpstream(t *testing.T) {
	upstreamHit := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	writeInterceptor(t, dir, "mock.yaml", `
name: always-mock
match: {}
handler:
  type: mock
  mock:
    status: 201
    headers: {"content-type": "application/json"}
    body: '{"mocked":true}'
`)
	p, repo, _ := newTestPipeline(t, dir)

	rec := proxiedGet(t, p, http.MethodGet, upstream.URL+"/anything", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec.Body.String() != `{"mocked":true}` {
		t.Fatalf("unexpected mock body: %s", rec.Body.String())
	}
	if upstreamHit {
		t.Fatalf("mock outcome must never contact upstream")
	}

	rows, err := repo.ListRequests(repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Interception == nil || row.Interception.Type != models.InterceptionMocked {
		t.Fatalf("expected mocked interception, got %+v", row.Interception)
	}
	if row.ResponseStatus == nil || *row.ResponseStatus != 201 || string(row.ResponseBody) != `{"mocked":true}` {
		t.Fatalf("unexpected stored mock response: %+v", row)
	}
}

// S3 — modify.
func TestPipeline_ModifyOutcomeRewritesWireResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("X"))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	writeInterceptor(t, dir, "tag.yaml", `
name: tag-body
match: {}
handler:
  type: modify
  modify:
    body: "X_tag"
`)
	p, repo, _ := newTestPipeline(t, dir)

	rec := proxiedGet(t, p, http.MethodGet, upstream.URL+"/a", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "X_tag" {
		t.Fatalf("expected client to see overridden body, got %q", rec.Body.String())
	}

	rows, err := repo.ListRequests(repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(rows) != 1 || rows[0].Interception == nil || rows[0].Interception.Type != models.InterceptionModified {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if string(rows[0].ResponseBody) != "X_tag" {
		t.Fatalf("unexpected stored response body: %s", rows[0].ResponseBody)
	}
}

// S4 — observe.
func TestPipeline_ObserveOutcomeLeavesResponseUnchanged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("unchanged"))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	writeInterceptor(t, dir, "watch.yaml", "name: watch-all\nmatch: {}\nhandler:\n  type: observe\n")
	p, repo, _ := newTestPipeline(t, dir)

	rec := proxiedGet(t, p, http.MethodGet, upstream.URL+"/a", nil, nil)
	if rec.Body.String() != "unchanged" {
		t.Fatalf("observe must not alter the wire response, got %q", rec.Body.String())
	}

	rows, err := repo.ListRequests(repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(rows) != 1 || rows[0].Interception == nil || rows[0].Interception.Type != models.InterceptionObserved {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

// S6 — attribution.
func TestPipeline_AttributionBySessionTokenAndRuntimeSource(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	p, repo, _ := newTestPipeline(t, t.TempDir())

	sess, err := repo.RegisterSession("test", "node", 1234)
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}

	rec := proxiedGet(t, p, http.MethodGet, upstream.URL+"/a", map[string]string{
		headerSessionID:     sess.ID,
		headerSessionToken:  sess.AuthToken,
		headerRuntimeSource: "node",
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rows, err := repo.ListRequests(repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].SessionID != sess.ID || rows[0].Source != "node" {
		t.Fatalf("expected attributed session/source, got %+v", rows[0])
	}

	// Wrong token: falls back to the default session, no match.
	rec2 := proxiedGet(t, p, http.MethodGet, upstream.URL+"/b", map[string]string{
		headerSessionID:    sess.ID,
		headerSessionToken: "not-the-real-token",
	}, nil)
	if rec2.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec2.Code)
	}
	rows, err = repo.ListRequests(repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	var fallback *models.Request
	for i := range rows {
		if rows[i].Path == "/b" {
			fallback = &rows[i]
		}
	}
	if fallback == nil || fallback.SessionID != "default-session" {
		t.Fatalf("expected bad-token request attributed to default session, got %+v", fallback)
	}
}

func TestPipeline_GzipRequestBodyIsStoredDecoded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("content-encoding") != "gzip" {
			t.Errorf("expected upstream to still receive the original Content-Encoding header")
		}
		body, _ := io.ReadAll(r.Body)
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			t.Errorf("upstream could not gunzip forwarded body: %v", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		plain, _ := io.ReadAll(zr)
		if string(plain) != "hello" {
			t.Errorf("forwarded body decoded to %q, want hello", plain)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, repo, _ := newTestPipeline(t, t.TempDir())

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("hello"))
	gz.Close()

	req := httptest.NewRequest(http.MethodPost, upstream.URL+"/up", bytes.NewReader(buf.Bytes()))
	req.Header.Set("content-encoding", "gzip")
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rows, err := repo.ListRequests(repository.Filter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(rows) != 1 || string(rows[0].RequestBody) != "hello" {
		t.Fatalf("expected stored request body decoded to 'hello', got %+v", rows)
	}
}

func TestPipeline_ReplayTokenAttributesNewRow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, repo, _ := newTestPipeline(t, t.TempDir())

	notify := make(chan int64, 1)
	token, err := p.tracker.Issue(999, "replay-cli", notify)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rec := proxiedGet(t, p, http.MethodGet, upstream.URL+"/a", map[string]string{
		headerReplayToken: token,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case newID := <-notify:
		row, err := repo.GetRequest(newID)
		if err != nil {
			t.Fatalf("GetRequest: %v", err)
		}
		if row.ReplayedFromID == nil || *row.ReplayedFromID != 999 || row.ReplayInitiator != "replay-cli" {
			t.Fatalf("unexpected replay provenance: %+v", row)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected notify to fire with the new row id")
	}
}
