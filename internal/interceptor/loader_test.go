package interceptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/procsi/procsid/internal/eventlog"
)

func newTestEvents(t *testing.T) *eventlog.Log {
	t.Helper()
	log, err := eventlog.New(100)
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	return log
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing manifest %s: %v", name, err)
	}
}

func TestLoader_LoadsInLexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b-second.yaml", "name: second\nmatch:\n  methods: [GET]\nhandler:\n  type: observe\n")
	writeManifest(t, dir, "a-first.yaml", "name: first\nmatch:\n  methods: [GET]\nhandler:\n  type: observe\n")

	l, err := NewLoader(dir, newTestEvents(t))
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	manifests := l.Current()
	if len(manifests) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(manifests))
	}
	if manifests[0].Name != "first" || manifests[1].Name != "second" {
		t.Fatalf("expected lexicographic order [first, second], got [%s, %s]", manifests[0].Name, manifests[1].Name)
	}
}

func TestLoader_SkipsDisabledAndMalformed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "ok.yaml", "name: ok\nmatch:\n  methods: [GET]\nhandler:\n  type: observe\n")
	writeManifest(t, dir, "disabled.yaml", "name: disabled\nenabled: false\nmatch:\n  methods: [GET]\nhandler:\n  type: observe\n")
	writeManifest(t, dir, "broken.yaml", "name: broken\nhandler:\n  type: not-a-real-type\n")

	l, err := NewLoader(dir, newTestEvents(t))
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	manifests := l.Current()
	if len(manifests) != 1 || manifests[0].Name != "ok" {
		t.Fatalf("expected only 'ok' loaded, got %+v", manifests)
	}
}

func TestLoader_ReloadPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLoader(dir, newTestEvents(t))
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if len(l.Current()) != 0 {
		t.Fatalf("expected empty initial load")
	}

	writeManifest(t, dir, "new.yaml", "name: new\nmatch:\n  methods: [POST]\nhandler:\n  type: observe\n")
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(l.Current()) != 1 {
		t.Fatalf("expected 1 manifest after reload, got %d", len(l.Current()))
	}
}

func TestManifest_MatchPredicates(t *testing.T) {
	m, err := parseManifest("test.yaml", []byte(`
name: api-mock
match:
  methods: [GET, POST]
  host: api.example.com
  path_prefix: /v1/
handler:
  type: mock
  mock:
    status: 200
    body: "{}"
`))
	if err != nil {
		t.Fatalf("parseManifest: %v", err)
	}

	if !m.Matches("GET", "https://api.example.com/v1/users", "api.example.com", "/v1/users") {
		t.Fatalf("expected match")
	}
	if m.Matches("DELETE", "https://api.example.com/v1/users", "api.example.com", "/v1/users") {
		t.Fatalf("expected method mismatch to reject")
	}
	if m.Matches("GET", "https://other.example.com/v1/users", "other.example.com", "/v1/users") {
		t.Fatalf("expected host mismatch to reject")
	}
	if m.Matches("GET", "https://api.example.com/v2/users", "api.example.com", "/v2/users") {
		t.Fatalf("expected path prefix mismatch to reject")
	}
}
