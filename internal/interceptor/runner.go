package interceptor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/procsi/procsid/internal/assert"
	"github.com/procsi/procsid/internal/eventlog"
	"github.com/procsi/procsid/internal/logging"
	"github.com/procsi/procsid/internal/models"
)

// State is a pending request's position in the interceptor state machine:
//
//	Idle -> HandlerRunning -> {Mocked, PendingForward, Passthrough} -> {Observed, Modified, TimedOut}
//
// Mocked and Passthrough are terminal immediately (Decide alone resolves
// them); PendingForward waits for ResolveResponse, which lands in
// Observed or Modified, or the sweeper lands it in TimedOut.
type State string

const (
	StateIdle           State = "idle"
	StateHandlerRunning State = "handler_running"
	StateMocked         State = "mocked"
	StatePendingForward State = "pending_forward"
	StatePassthrough    State = "passthrough"
	StateObserved       State = "observed"
	StateModified       State = "modified"
	StateTimedOut       State = "timed_out"
)

// Outcome is the immediate result of Decide.
type Outcome string

const (
	OutcomeMocked         Outcome = "mocked"
	OutcomePendingForward Outcome = "pending_forward"
	OutcomePassthrough    Outcome = "passthrough"
)

// Decision is what Decide returns to the proxy pipeline.
type Decision struct {
	Outcome     Outcome
	Interceptor string

	MockStatus  int
	MockHeaders models.Headers
	MockBody    []byte
}

const (
	defaultMatchTimeout   = 5 * time.Second
	defaultHandlerTimeout = 30 * time.Second
	defaultSweepInterval  = 60 * time.Second
)

type pendingEntry struct {
	manifest  *Manifest
	state     State
	createdAt time.Time
	method    string
	url       string
	once      sync.Once
}

// Runner evaluates the currently loaded interceptors against each request
// and coordinates the request/response halves of a matched interceptor's
// decision. Grounded on interceptor.Interceptor.InterceptRequest's
// extract-then-evaluate shape, replacing its single always-allow policy
// engine with an explicit match/handler/timeout state machine per
// spec.md §4.4.
type Runner struct {
	loader         *Loader
	events         *eventlog.Log
	matchTimeout   time.Duration
	handlerTimeout time.Duration
	sweepInterval  time.Duration

	mu      sync.Mutex
	pending map[int64]*pendingEntry

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a Runner over loader's live manifest snapshot, writing
// decision/outcome events to events, and starts its stale-entry sweeper.
func NewRunner(loader *Loader, events *eventlog.Log) (*Runner, error) {
	if err := assert.NotNil(loader, "loader"); err != nil {
		return nil, err
	}
	if err := assert.NotNil(events, "events"); err != nil {
		return nil, err
	}
	ru := &Runner{
		loader:         loader,
		events:         events,
		matchTimeout:   defaultMatchTimeout,
		handlerTimeout: defaultHandlerTimeout,
		sweepInterval:  defaultSweepInterval,
		pending:        make(map[int64]*pendingEntry),
		stopChan:       make(chan struct{}),
	}
	ru.wg.Add(1)
	go ru.sweepLoop()
	return ru, nil
}

// Decide runs the match step (bounded by matchTimeout) and, for a matched
// interceptor, its handler (bounded by handlerTimeout), returning the
// outcome the proxy pipeline should act on.
func (ru *Runner) Decide(ctx context.Context, requestID int64, method, url, host, path string, reqHeaders models.Headers, reqBody []byte) (Decision, error) {
	manifest, err := ru.match(ctx, method, url, host, path)
	if err != nil {
		ru.events.Append(models.InterceptorEvent{
			Type: models.EventMatchTimeout, Level: models.LevelError,
			RequestID: requestID, RequestURL: url, RequestMethod: method,
			Message: "match evaluation did not complete in time", Error: err.Error(),
		})
		return Decision{Outcome: OutcomePassthrough}, nil
	}
	if manifest == nil {
		return Decision{Outcome: OutcomePassthrough}, nil
	}

	ru.events.Append(models.InterceptorEvent{
		Type: models.EventMatched, Level: models.LevelInfo,
		Interceptor: manifest.Name, RequestID: requestID, RequestURL: url, RequestMethod: method,
	})

	entry := &pendingEntry{manifest: manifest, state: StateHandlerRunning, createdAt: time.Now(), method: method, url: url}
	ru.mu.Lock()
	ru.pending[requestID] = entry
	ru.mu.Unlock()

	decision, err := ru.runHandler(ctx, requestID, manifest, method, url, reqHeaders, reqBody)
	if err != nil {
		ru.events.Append(models.InterceptorEvent{
			Type: models.EventHandlerTimeout, Level: models.LevelError,
			Interceptor: manifest.Name, RequestID: requestID, RequestURL: url, RequestMethod: method,
			Message: "handler did not complete in time", Error: err.Error(),
		})
		ru.forget(requestID)
		return Decision{Outcome: OutcomePassthrough}, nil
	}

	ru.mu.Lock()
	switch decision.Outcome {
	case OutcomeMocked:
		entry.state = StateMocked
	case OutcomePendingForward:
		entry.state = StatePendingForward
	default:
		entry.state = StatePassthrough
	}
	ru.mu.Unlock()

	if decision.Outcome != OutcomePendingForward {
		ru.forget(requestID)
	}
	return decision, nil
}

// match applies every loaded, enabled interceptor in order and returns the
// first whose predicate matches, bounded by matchTimeout.
func (ru *Runner) match(ctx context.Context, method, url, host, path string) (*Manifest, error) {
	matchCtx, cancel := context.WithTimeout(ctx, ru.matchTimeout)
	defer cancel()

	type result struct {
		manifest *Manifest
	}
	resultChan := make(chan result, 1)
	go func() {
		for _, m := range ru.loader.Current() {
			if m.Matches(method, url, host, path) {
				resultChan <- result{manifest: m}
				return
			}
		}
		resultChan <- result{}
	}()

	select {
	case res := <-resultChan:
		return res.manifest, nil
	case <-matchCtx.Done():
		return nil, matchCtx.Err()
	}
}

// runHandler executes the matched interceptor's handler, bounded by
// handlerTimeout, and translates it into a Decision.
func (ru *Runner) runHandler(ctx context.Context, requestID int64, m *Manifest, method, url string, reqHeaders models.Headers, reqBody []byte) (Decision, error) {
	handlerCtx, cancel := context.WithTimeout(ctx, ru.handlerTimeout)
	defer cancel()

	type result struct {
		decision Decision
		err      error
	}
	resultChan := make(chan result, 1)
	var once sync.Once

	go func() {
		decision, err := ru.evaluateHandler(handlerCtx, m, method, url, reqHeaders, reqBody)
		once.Do(func() { resultChan <- result{decision: decision, err: err} })
	}()

	select {
	case res := <-resultChan:
		return res.decision, res.err
	case <-handlerCtx.Done():
		return Decision{}, handlerCtx.Err()
	}
}

func (ru *Runner) evaluateHandler(ctx context.Context, m *Manifest, method, url string, reqHeaders models.Headers, reqBody []byte) (Decision, error) {
	switch m.Handler.Type {
	case HandlerMock:
		mock := m.Handler.Mock
		headers := models.Headers{}
		for k, v := range mock.Headers {
			headers[strings.ToLower(k)] = v
		}
		return Decision{
			Outcome: OutcomeMocked, Interceptor: m.Name,
			MockStatus: mock.Status, MockHeaders: headers, MockBody: []byte(mock.Body),
		}, nil
	case HandlerModify, HandlerObserve:
		return Decision{Outcome: OutcomePendingForward, Interceptor: m.Name}, nil
	case HandlerExec:
		return ru.runExec(ctx, m, method, url, reqHeaders, reqBody)
	default:
		return Decision{}, fmt.Errorf("unknown handler type %q", m.Handler.Type)
	}
}

// ResolveResponse is called once the upstream (or replay) response has
// arrived for a request left in PendingForward. It applies the matched
// interceptor's response-phase behavior and returns the (possibly
// modified) status/headers/body the client should see.
func (ru *Runner) ResolveResponse(requestID int64, status int, headers models.Headers, body []byte) (*models.Interception, int, models.Headers, []byte) {
	ru.mu.Lock()
	entry, ok := ru.pending[requestID]
	if ok {
		delete(ru.pending, requestID)
	}
	ru.mu.Unlock()

	if !ok {
		// The pending entry was already swept (or never existed): the
		// response arrived too late to apply an interceptor's decision.
		ru.events.Append(models.InterceptorEvent{
			Type: models.EventForwardAfterComplete, Level: models.LevelWarn, RequestID: requestID,
			Message: "response arrived after its pending interceptor entry was already resolved",
		})
		return nil, status, headers, body
	}

	switch entry.manifest.Handler.Type {
	case HandlerModify:
		newStatus, newHeaders, newBody := applyModify(entry.manifest.Handler.Modify, status, headers, body)
		ru.events.Append(models.InterceptorEvent{
			Type: models.EventModified, Level: models.LevelInfo,
			Interceptor: entry.manifest.Name, RequestID: requestID, RequestURL: entry.url, RequestMethod: entry.method,
		})
		return &models.Interception{Name: entry.manifest.Name, Type: models.InterceptionModified}, newStatus, newHeaders, newBody
	default: // HandlerObserve
		ru.events.Append(models.InterceptorEvent{
			Type: models.EventObserved, Level: models.LevelInfo,
			Interceptor: entry.manifest.Name, RequestID: requestID, RequestURL: entry.url, RequestMethod: entry.method,
		})
		return &models.Interception{Name: entry.manifest.Name, Type: models.InterceptionObserved}, status, headers, body
	}
}

// Abort releases a request's pending entry without producing an event,
// used when the proxy pipeline itself fails before a response arrives.
func (ru *Runner) Abort(requestID int64) {
	ru.forget(requestID)
}

func (ru *Runner) forget(requestID int64) {
	ru.mu.Lock()
	delete(ru.pending, requestID)
	ru.mu.Unlock()
}

// PendingCount reports the number of in-flight pending entries, used by
// tests asserting property 2 (no pending-entry leaks).
func (ru *Runner) PendingCount() int {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	return len(ru.pending)
}

// applyModify overlays a ModifySpec onto a real upstream response.
func applyModify(spec *ModifySpec, status int, headers models.Headers, body []byte) (int, models.Headers, []byte) {
	newHeaders := models.Headers{}
	for k, v := range headers {
		newHeaders[k] = v
	}
	for _, k := range spec.RemoveHeaders {
		delete(newHeaders, strings.ToLower(k))
	}
	for k, v := range spec.SetHeaders {
		newHeaders[strings.ToLower(k)] = v
	}

	newStatus := status
	if spec.Status != 0 {
		newStatus = spec.Status
	}

	newBody := body
	if spec.Body != nil {
		newBody = []byte(*spec.Body)
	}

	return newStatus, newHeaders, newBody
}

// sweepLoop force-expires pending entries abandoned for longer than twice
// handlerTimeout (e.g. the client disconnected before a response phase
// ever arrived), guaranteeing the pending map never leaks.
func (ru *Runner) sweepLoop() {
	defer ru.wg.Done()
	ticker := time.NewTicker(ru.sweepInterval)
	defer ticker.Stop()

	const maxTicks = 1 << 30
	for i := 0; i < maxTicks; i++ {
		select {
		case <-ticker.C:
			ru.sweepStale()
		case <-ru.stopChan:
			return
		}
	}
}

func (ru *Runner) sweepStale() {
	deadline := 2 * ru.handlerTimeout
	now := time.Now()

	ru.mu.Lock()
	var stale []int64
	for id, entry := range ru.pending {
		if now.Sub(entry.createdAt) > deadline {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(ru.pending, id)
	}
	ru.mu.Unlock()

	for _, id := range stale {
		logging.Warn("interceptor_pending_expired", logging.Fields{Component: "interceptor.runner"})
		ru.events.Append(models.InterceptorEvent{
			Type: models.EventHandlerTimeout, Level: models.LevelWarn, RequestID: id,
			Message: "response never arrived for a pending-forward interceptor; entry expired",
		})
	}
}

// Stop halts the stale-entry sweeper.
func (ru *Runner) Stop() {
	ru.stopOnce.Do(func() { close(ru.stopChan) })
	ru.wg.Wait()
}

// execDecisionWire is the JSON shape an exec handler must print on stdout.
type execDecisionWire struct {
	Action  string            `json:"action"` // "mock" or "observe"
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}
