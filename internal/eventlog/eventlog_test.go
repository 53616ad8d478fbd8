package eventlog

import (
	"testing"

	"github.com/procsi/procsid/internal/models"
)

func TestNew_EdgeCases(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int
		wantError bool
	}{
		{"zero capacity", 0, true},
		{"negative capacity", -1, true},
		{"valid small capacity", 1, false},
		{"valid large capacity", 10000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.capacity)
			if tt.wantError {
				if err == nil {
					t.Fatalf("expected error for capacity %d, got nil", tt.capacity)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for capacity %d: %v", tt.capacity, err)
			}
			if l == nil {
				t.Fatalf("expected non-nil log for capacity %d", tt.capacity)
			}
		})
	}
}

func TestAppend_SeqMonotonicAndSurvivesClear(t *testing.T) {
	l, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var lastSeq int64
	for i := 0; i < 3; i++ {
		ev := l.Append(models.InterceptorEvent{Level: models.LevelInfo, Message: "x"})
		if ev.Seq <= lastSeq {
			t.Fatalf("seq not increasing: got %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
	}

	l.Clear()
	ev := l.Append(models.InterceptorEvent{Level: models.LevelInfo, Message: "after-clear"})
	if ev.Seq <= lastSeq {
		t.Fatalf("seq must keep increasing across Clear: got %d, want > %d", ev.Seq, lastSeq)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 event after clear+append, got %d", l.Len())
	}
}

func TestAppend_DropOldestOnOverflow(t *testing.T) {
	l, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := l.Append(models.InterceptorEvent{Level: models.LevelWarn, Message: "first"})
	l.Append(models.InterceptorEvent{Level: models.LevelWarn, Message: "second"})
	l.Append(models.InterceptorEvent{Level: models.LevelWarn, Message: "third"})

	res := l.Query(QueryOptions{})
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events retained, got %d", len(res.Events))
	}
	for _, ev := range res.Events {
		if ev.Seq == first.Seq {
			t.Fatalf("oldest event should have been evicted")
		}
	}
	if res.Counts[models.LevelWarn] != 2 {
		t.Fatalf("expected level count 2 after eviction, got %d", res.Counts[models.LevelWarn])
	}
}

func TestQuery_FiltersAndAfterSeq(t *testing.T) {
	l, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e1 := l.Append(models.InterceptorEvent{Level: models.LevelInfo, Type: models.EventLoaded, Interceptor: "a"})
	l.Append(models.InterceptorEvent{Level: models.LevelWarn, Type: models.EventHandlerTimeout, Interceptor: "b"})
	l.Append(models.InterceptorEvent{Level: models.LevelInfo, Type: models.EventMocked, Interceptor: "a"})

	res := l.Query(QueryOptions{AfterSeq: e1.Seq, Interceptor: "a"})
	if len(res.Events) != 1 {
		t.Fatalf("expected 1 event after filtering, got %d", len(res.Events))
	}
	if res.Events[0].Type != models.EventMocked {
		t.Fatalf("unexpected event returned: %+v", res.Events[0])
	}
}

func TestQuery_AfterClearObservesGapNotRepeat(t *testing.T) {
	l, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e1 := l.Append(models.InterceptorEvent{Level: models.LevelInfo})
	l.Clear()
	e2 := l.Append(models.InterceptorEvent{Level: models.LevelInfo})

	res := l.Query(QueryOptions{AfterSeq: 0})
	if len(res.Events) != 1 || res.Events[0].Seq != e2.Seq {
		t.Fatalf("expected only the post-clear event, got %+v", res.Events)
	}
	if e2.Seq <= e1.Seq {
		t.Fatalf("seq must not repeat after clear")
	}
}
