package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/procsi/procsid/internal/models"
)

func newTestRunner(t *testing.T, dir string) *Runner {
	t.Helper()
	events := newTestEvents(t)
	l, err := NewLoader(dir, events)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	ru, err := NewRunner(l, events)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	ru.sweepInterval = time.Hour // tests drive sweeping explicitly
	t.Cleanup(ru.Stop)
	return ru
}

func TestRunner_MockHandlerResolvesImmediately(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "mock.yaml", `
name: mock-login
match:
  methods: [POST]
  path_prefix: /login
handler:
  type: mock
  mock:
    status: 200
    body: '{"ok":true}'
`)
	ru := newTestRunner(t, dir)

	decision, err := ru.Decide(context.Background(), 1, "POST", "https://e/login", "e", "/login", nil, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Outcome != OutcomeMocked {
		t.Fatalf("expected OutcomeMocked, got %v", decision.Outcome)
	}
	if decision.MockStatus != 200 || string(decision.MockBody) != `{"ok":true}` {
		t.Fatalf("unexpected mock decision: %+v", decision)
	}
	if ru.PendingCount() != 0 {
		t.Fatalf("mocked requests must not leave a pending entry, got %d", ru.PendingCount())
	}
}

func TestRunner_NoMatchIsPassthrough(t *testing.T) {
	dir := t.TempDir()
	ru := newTestRunner(t, dir)

	decision, err := ru.Decide(context.Background(), 2, "GET", "https://e/anything", "e", "/anything", nil, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Outcome != OutcomePassthrough {
		t.Fatalf("expected OutcomePassthrough, got %v", decision.Outcome)
	}
}

func TestRunner_ModifyHandlerAppliesOnResolve(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "modify.yaml", `
name: inject-header
match:
  methods: [GET]
handler:
  type: modify
  modify:
    set_headers:
      x-injected: "1"
`)
	ru := newTestRunner(t, dir)

	decision, err := ru.Decide(context.Background(), 3, "GET", "https://e/a", "e", "/a", nil, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Outcome != OutcomePendingForward {
		t.Fatalf("expected OutcomePendingForward, got %v", decision.Outcome)
	}
	if ru.PendingCount() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", ru.PendingCount())
	}

	interception, status, headers, body := ru.ResolveResponse(3, 200, models.Headers{"content-type": "text/plain"}, []byte("hello"))
	if interception == nil || interception.Type != models.InterceptionModified {
		t.Fatalf("expected modified interception, got %+v", interception)
	}
	if status != 200 || headers["x-injected"] != "1" || string(body) != "hello" {
		t.Fatalf("unexpected resolved response: status=%d headers=%v body=%s", status, headers, body)
	}
	if ru.PendingCount() != 0 {
		t.Fatalf("expected pending entry cleared after resolve, got %d", ru.PendingCount())
	}
}

func TestRunner_ObserveHandlerLeavesResponseUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "observe.yaml", `
name: watch-all
match:
  methods: [GET]
handler:
  type: observe
`)
	ru := newTestRunner(t, dir)

	decision, err := ru.Decide(context.Background(), 4, "GET", "https://e/a", "e", "/a", nil, nil)
	if err != nil || decision.Outcome != OutcomePendingForward {
		t.Fatalf("Decide: %v, %+v", err, decision)
	}

	interception, status, headers, body := ru.ResolveResponse(4, 204, models.Headers{"x": "y"}, nil)
	if interception == nil || interception.Type != models.InterceptionObserved {
		t.Fatalf("expected observed interception, got %+v", interception)
	}
	if status != 204 || headers["x"] != "y" || body != nil {
		t.Fatalf("observe handler must not alter the response: status=%d headers=%v body=%v", status, headers, body)
	}
}

func TestRunner_AbortClearsPendingEntry(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "observe.yaml", "name: watch\nmatch:\n  methods: [GET]\nhandler:\n  type: observe\n")
	ru := newTestRunner(t, dir)

	if _, err := ru.Decide(context.Background(), 5, "GET", "https://e/a", "e", "/a", nil, nil); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if ru.PendingCount() != 1 {
		t.Fatalf("expected 1 pending entry before abort")
	}
	ru.Abort(5)
	if ru.PendingCount() != 0 {
		t.Fatalf("expected pending entry cleared after abort, got %d", ru.PendingCount())
	}
}

func TestRunner_SweepExpiresAbandonedEntries(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "observe.yaml", "name: watch\nmatch:\n  methods: [GET]\nhandler:\n  type: observe\n")
	ru := newTestRunner(t, dir)

	if _, err := ru.Decide(context.Background(), 6, "GET", "https://e/a", "e", "/a", nil, nil); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if ru.PendingCount() != 1 {
		t.Fatalf("expected 1 pending entry")
	}

	ru.handlerTimeout = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	ru.sweepStale()

	if ru.PendingCount() != 0 {
		t.Fatalf("expected sweeper to expire abandoned entry, got %d pending", ru.PendingCount())
	}
}
