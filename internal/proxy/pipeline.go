// Package proxy wires a transparent HTTP/HTTPS forward proxy to the
// repository, interceptor runner, and replay tracker, per spec.md §4.6.
// It assumes a MITM-capable layer already terminates TLS and hands it a
// plain net/http request/response pair per transaction (spec.md §1
// Non-goals excludes building that TLS layer); Pipeline is that layer's
// beforeRequest/beforeResponse consumer, implemented as a
// httputil.ReverseProxy whose Director/Transport/ModifyResponse triplet
// plays the role the original's mockttp hooks did in the teacher's
// AELProxy.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/procsi/procsid/internal/interceptor"
	"github.com/procsi/procsid/internal/logging"
	"github.com/procsi/procsid/internal/models"
	"github.com/procsi/procsid/internal/replay"
	"github.com/procsi/procsid/internal/repository"
)

type ctxKey int

const txContextKey ctxKey = 0

// transaction correlates a request's intake state with its eventual
// response phase, threaded through the ReverseProxy's Director -> Transport
// -> ModifyResponse chain via the request's context, grounded on the
// teacher's activeTasks sync.Map correlation idea, narrowed to exactly the
// fields the response phase needs.
type transaction struct {
	requestID            int64
	startedAt            time.Time
	decision              interceptor.Decision
	requestContentEncoding string

	// done is closed exactly once, by whichever of ModifyResponse or the
	// ReverseProxy's ErrorHandler runs for this transaction, so the abort
	// watcher goroutine below never leaks past a completed round trip.
	done     chan struct{}
	doneOnce sync.Once
}

func (tx *transaction) markDone() {
	tx.doneOnce.Do(func() { close(tx.done) })
}

// Pipeline is the intake/response pipeline described in spec.md §4.6,
// parameterised by {storage, defaultSessionId, runner, replayTracker,
// maxBodySize} exactly as the spec names them.
type Pipeline struct {
	repo             *repository.Repository
	runner           *interceptor.Runner
	tracker          *replay.Tracker
	defaultSessionID string
	maxBodySize      int

	upstream http.RoundTripper

	authCacheMu sync.Mutex
	authCache   map[string]bool

	rp *httputil.ReverseProxy
}

// NewPipeline builds a Pipeline ready to serve as an http.Handler (a
// forward proxy: clients address it with absolute-form request URLs, so
// req.URL already carries the real upstream scheme/host — the same shape
// Engine.Replay fires requests at via http.Transport{Proxy: ...}). The
// interceptor runner owns its own event log; Pipeline doesn't need one
// directly, matching spec.md §4.6's {storage, defaultSessionId, runner,
// replayTracker, maxBodySize} parameterisation.
func NewPipeline(repo *repository.Repository, runner *interceptor.Runner, tracker *replay.Tracker, defaultSessionID string, maxBodySize int) *Pipeline {
	p := &Pipeline{
		repo:             repo,
		runner:           runner,
		tracker:          tracker,
		defaultSessionID: defaultSessionID,
		maxBodySize:      maxBodySize,
		upstream:         http.DefaultTransport,
		authCache:        make(map[string]bool),
	}
	p.rp = &httputil.ReverseProxy{
		Director:       p.director,
		Transport:      p,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}
	return p
}

// Handler returns the http.Handler the daemon listens with.
func (p *Pipeline) Handler() http.Handler {
	return p.rp
}

// director is the beforeRequest hook of spec.md §4.6: it captures the
// request for storage, resolves attribution, consults the interceptor
// runner, and either arranges for Transport.RoundTrip to short-circuit with
// a mock response or lets the request proceed upstream.
func (p *Pipeline) director(req *http.Request) {
	startedAt := time.Now()

	host := req.URL.Hostname()
	path := req.URL.Path

	contentEncoding := req.Header.Get(headerContentEncoding)
	att := extractAttribution(req.Header)
	reqHeadersFlat := flattenHeaders(req.Header)
	stripInternalHeaders(req.Header)
	delete(reqHeadersFlat, headerSessionID)
	delete(reqHeadersFlat, headerSessionToken)
	delete(reqHeadersFlat, headerRuntimeSource)
	delete(reqHeadersFlat, headerReplayToken)
	delete(reqHeadersFlat, headerLegacy)
	delete(reqHeadersFlat, headerContentEncoding)

	var rawBody, storedBody []byte
	var truncated bool
	if req.Body != nil {
		var err error
		rawBody, storedBody, truncated, err = readAndCapture(req.Body, req.ContentLength, contentEncoding, p.maxBodySize)
		if err != nil {
			logging.Warn("request_body_read_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
			rawBody, storedBody = nil, nil
		}
	}
	req.Body = io.NopCloser(bytes.NewReader(rawBody))
	req.ContentLength = int64(len(rawBody))

	sessionID, source := p.resolveAttribution(att)

	row := models.Request{
		SessionID:            sessionID,
		Source:               source,
		Timestamp:            startedAt,
		Method:               req.Method,
		URL:                  req.URL.String(),
		Host:                 host,
		Path:                 path,
		RequestHeaders:       reqHeadersFlat,
		RequestBody:          storedBody,
		RequestBodyTruncated: truncated,
		RequestContentType:   reqHeadersFlat["content-type"],
	}

	requestID, err := p.repo.InsertRequest(row)
	if err != nil {
		logging.Warn("request_insert_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
		return // fail-open: the request still proceeds upstream untouched, just uncaptured
	}

	if att.replayToken != "" {
		if consumed, ok := p.tracker.Consume(att.replayToken); ok {
			if err := p.repo.UpdateReplayOrigin(requestID, consumed.ReplayedFromID, consumed.Initiator); err != nil {
				logging.Warn("replay_origin_update_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error(), RequestID: fmt.Sprint(requestID)})
			}
			consumed.NotifyInserted(requestID)
		}
	}

	decision, _ := p.runner.Decide(req.Context(), requestID, req.Method, row.URL, host, path, reqHeadersFlat, storedBody)

	tx := &transaction{requestID: requestID, startedAt: startedAt, decision: decision, requestContentEncoding: contentEncoding, done: make(chan struct{})}
	*req = *req.WithContext(context.WithValue(req.Context(), txContextKey, tx))

	switch decision.Outcome {
	case interceptor.OutcomeMocked:
		interception := &models.Interception{Name: decision.Interceptor, Type: models.InterceptionMocked}
		if err := p.repo.UpdateInterception(requestID, interception); err != nil {
			logging.Warn("interception_update_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
		}
		duration := time.Since(startedAt).Milliseconds()
		ct := decision.MockHeaders["content-type"]
		if err := p.repo.UpdateResponse(requestID, decision.MockStatus, decision.MockHeaders, decision.MockBody, false, ct, duration); err != nil {
			logging.Warn("response_update_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
		}
	case interceptor.OutcomePendingForward:
		go func() {
			select {
			case <-req.Context().Done():
				p.runner.Abort(requestID)
			case <-tx.done:
			}
		}()
	}
}

// RoundTrip implements http.RoundTripper. For a mocked outcome it fabricates
// the interceptor's canned response without making any upstream connection
// (spec.md §8 invariant 3); otherwise it delegates to the real transport.
func (p *Pipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	tx, _ := req.Context().Value(txContextKey).(*transaction)
	if tx != nil && tx.decision.Outcome == interceptor.OutcomeMocked {
		return buildMockResponse(req, tx.decision), nil
	}
	return p.upstream.RoundTrip(req)
}

// modifyResponse is the beforeResponse hook of spec.md §4.6.
func (p *Pipeline) modifyResponse(resp *http.Response) error {
	tx, _ := resp.Request.Context().Value(txContextKey).(*transaction)
	if tx == nil {
		return nil
	}
	defer tx.markDone()

	if tx.decision.Outcome == interceptor.OutcomeMocked {
		return nil // already fully persisted in director; nothing to resolve
	}

	durationMS := time.Since(tx.startedAt).Milliseconds()
	respContentEncoding := resp.Header.Get(headerContentEncoding)
	respHeadersFlat := flattenHeaders(resp.Header)
	delete(respHeadersFlat, headerContentEncoding)

	var rawBody []byte
	if resp.Body != nil {
		var err error
		var storedBody []byte
		var truncated bool
		rawBody, storedBody, truncated, err = readAndCapture(resp.Body, resp.ContentLength, respContentEncoding, p.maxBodySize)
		resp.Body.Close()
		if err != nil {
			logging.Warn("response_body_read_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
			resp.Body = io.NopCloser(bytes.NewReader(nil))
			return nil
		}

		if tx.decision.Outcome == interceptor.OutcomePendingForward {
			interceptionResult, newStatus, newHeaders, newBody := p.runner.ResolveResponse(tx.requestID, resp.StatusCode, respHeadersFlat, storedBody)
			if interceptionResult != nil {
				if err := p.repo.UpdateInterception(tx.requestID, interceptionResult); err != nil {
					logging.Warn("interception_update_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
				}
			}
			ct := newHeaders["content-type"]
			if err := p.repo.UpdateResponse(tx.requestID, newStatus, newHeaders, newBody, truncated, ct, durationMS); err != nil {
				logging.Warn("response_update_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
			}

			if interceptionResult != nil && interceptionResult.Type == models.InterceptionModified {
				rewriteResponse(resp, newStatus, newHeaders, newBody)
				return nil
			}
			// Observed (or a response that arrived after its pending
			// entry was already swept): wire bytes pass through untouched.
			resp.Body = io.NopCloser(bytes.NewReader(rawBody))
			return nil
		}

		// Passthrough: no interceptor ever matched this request.
		ct := respHeadersFlat["content-type"]
		if err := p.repo.UpdateResponse(tx.requestID, resp.StatusCode, respHeadersFlat, storedBody, truncated, ct, durationMS); err != nil {
			logging.Warn("response_update_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
		}
		resp.Body = io.NopCloser(bytes.NewReader(rawBody))
		return nil
	}

	return nil
}

// handleError runs when RoundTrip itself fails (e.g. the upstream host is
// unreachable). It releases any pending interceptor entry so the runner's
// pending map never leaks, logs, and falls back to the ReverseProxy's
// default 502 behavior.
func (p *Pipeline) handleError(w http.ResponseWriter, req *http.Request, err error) {
	if tx, ok := req.Context().Value(txContextKey).(*transaction); ok {
		tx.markDone()
		p.runner.Abort(tx.requestID)
	}
	logging.Warn("upstream_round_trip_failed", logging.Fields{Component: "proxy.pipeline", Error: err.Error()})
	w.WriteHeader(http.StatusBadGateway)
}

// resolveAttribution applies spec.md §4.6 step 6, caching the auth check so
// repeated requests on the same session don't re-query the repository.
func (p *Pipeline) resolveAttribution(att attribution) (sessionID, source string) {
	if att.sessionID == "" || att.sessionToken == "" {
		return p.defaultSessionID, ""
	}
	if !p.checkSessionAuth(att.sessionID, att.sessionToken) {
		logging.Warn("attribution_rejected", logging.Fields{Component: "proxy.pipeline", SessionID: att.sessionID})
		return p.defaultSessionID, ""
	}
	return att.sessionID, att.runtimeSource
}

func (p *Pipeline) checkSessionAuth(sessionID, token string) bool {
	key := sessionID + "\x00" + token
	p.authCacheMu.Lock()
	if ok, cached := p.authCache[key]; cached {
		p.authCacheMu.Unlock()
		return ok
	}
	p.authCacheMu.Unlock()

	stored, err := p.repo.GetSessionAuth(sessionID)
	ok := err == nil && stored == token

	p.authCacheMu.Lock()
	p.authCache[key] = ok
	p.authCacheMu.Unlock()
	return ok
}

// readAndCapture reads r fully, returning both the raw bytes (for
// forwarding / passthrough, byte-identical to the wire) and a decoded,
// size-capped copy for storage, per spec.md §4.6 steps 3-4.
func readAndCapture(r io.Reader, declaredLength int64, contentEncoding string, maxBodySize int) (raw, stored []byte, truncated bool, err error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r); err != nil {
		return nil, nil, false, fmt.Errorf("reading body: %w", err)
	}
	raw = append([]byte(nil), buf.Bytes()...)

	truncated = len(raw) == 0 && declaredLength > 0

	decoded, ok := decodeBody(contentEncoding, raw)
	stored = raw
	if ok {
		stored = decoded
	}
	if len(stored) > maxBodySize {
		stored = stored[:maxBodySize]
		truncated = true
	}
	return raw, stored, truncated, nil
}

// buildMockResponse fabricates the http.Response RoundTrip returns for a
// mocked outcome, without any network I/O.
func buildMockResponse(req *http.Request, d interceptor.Decision) *http.Response {
	header := make(http.Header, len(d.MockHeaders)+1)
	for k, v := range d.MockHeaders {
		header.Set(k, v)
	}
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(d.MockBody)))
	}
	return &http.Response{
		Status:        http.StatusText(d.MockStatus),
		StatusCode:    d.MockStatus,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(d.MockBody)),
		ContentLength: int64(len(d.MockBody)),
		Request:       req,
	}
}

// rewriteResponse overlays a modify-handler's override onto the real
// http.Response object the client will receive. Content-Encoding is
// dropped: the override body is literal, uncompressed bytes.
func rewriteResponse(resp *http.Response, status int, headers models.Headers, body []byte) {
	resp.StatusCode = status
	resp.Status = http.StatusText(status)

	h := make(http.Header, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, headerContentEncoding) {
			continue
		}
		h.Set(k, v)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header = h
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
}
