// Package eventlog implements the bounded, in-memory ring of interceptor
// runtime events described in spec.md §4.2: a fixed-capacity, drop-oldest
// buffer stamped with a monotonic sequence number that survives Clear.
package eventlog

import (
	"sync"
	"time"

	"github.com/procsi/procsid/internal/assert"
	"github.com/procsi/procsid/internal/models"
)

// Log is a thread-safe, fixed-capacity ring buffer of interceptor events.
// Unlike a consuming queue, Log never blocks or rejects writes: once full,
// each append overwrites the oldest entry. Bounded loop iterations follow
// the same discipline as the ring buffer this package is grounded on.
type Log struct {
	mu       sync.Mutex
	entries  []models.InterceptorEvent
	capacity int
	head     int // index of the oldest entry once the buffer has wrapped
	count    int
	nextSeq  int64
	levels   map[models.EventLevel]int
}

// New creates an event log with the given capacity. Capacity must be
// positive; spec.md §3 recommends ~5000.
func New(capacity int) (*Log, error) {
	if err := assert.Check(capacity > 0, "capacity must be positive"); err != nil {
		return nil, err
	}
	return &Log{
		entries:  make([]models.InterceptorEvent, capacity),
		capacity: capacity,
		nextSeq:  1,
		levels:   make(map[models.EventLevel]int, 4),
	}, nil
}

// Append stamps ev with the next seq and the current time, stores it, and
// returns the stamped copy. When the log is at capacity, the oldest entry
// is dropped and its level counter decremented.
func (l *Log) Append(ev models.InterceptorEvent) models.InterceptorEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Seq = l.nextSeq
	l.nextSeq++
	ev.Timestamp = time.Now()

	writeIdx := (l.head + l.count) % l.capacity
	if l.count == l.capacity {
		// Buffer full: the write position is the oldest slot; evict it.
		evicted := l.entries[writeIdx]
		l.levels[evicted.Level]--
		l.head = (l.head + 1) % l.capacity
	} else {
		l.count++
	}
	l.entries[writeIdx] = ev
	l.levels[ev.Level]++

	return ev
}

// QueryOptions filters Query results. A zero-value field is unfiltered,
// except Limit where 0 means unlimited.
type QueryOptions struct {
	AfterSeq    int64
	Limit       int
	Level       models.EventLevel
	Interceptor string
	Type        models.EventType
}

// QueryResult is the return value of Query: the matching events in seq
// order plus a snapshot of total counts per level across the whole log
// (not just the filtered slice).
type QueryResult struct {
	Events []models.InterceptorEvent
	Counts map[models.EventLevel]int
}

// Query returns events with Seq > opts.AfterSeq passing the other filters,
// oldest first, plus per-level totals across the entire log.
func (l *Log) Query(opts QueryOptions) QueryResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[models.EventLevel]int, len(l.levels))
	for lvl, n := range l.levels {
		counts[lvl] = n
	}

	events := make([]models.InterceptorEvent, 0, l.count)
	for i := 0; i < l.count; i++ {
		ev := l.entries[(l.head+i)%l.capacity]
		if ev.Seq <= opts.AfterSeq {
			continue
		}
		if opts.Level != "" && ev.Level != opts.Level {
			continue
		}
		if opts.Interceptor != "" && ev.Interceptor != opts.Interceptor {
			continue
		}
		if opts.Type != "" && ev.Type != opts.Type {
			continue
		}
		events = append(events, ev)
		if opts.Limit > 0 && len(events) >= opts.Limit {
			break
		}
	}

	return QueryResult{Events: events, Counts: counts}
}

// Clear empties the buffer and resets level counts, but does NOT reset the
// seq counter: a client polling with afterSeq observes a gap, never a
// repeat, per spec.md §4.2.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = 0
	l.count = 0
	l.levels = make(map[models.EventLevel]int, 4)
}

// Len returns the number of events currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
