package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/procsi/procsid/internal/eventlog"
	"github.com/procsi/procsid/internal/httpx"
	"github.com/procsi/procsid/internal/interceptor"
	"github.com/procsi/procsid/internal/models"
	"github.com/procsi/procsid/internal/proxy"
	"github.com/procsi/procsid/internal/replay"
	"github.com/procsi/procsid/internal/repository"
)

// replayTimeout is the default replayRequest budget before timeoutMs
// extends it, per spec.md §4.8 step 4 ("a sane default timeout (≈10s)").
const replayTimeout = 10 * time.Second

// Deps is everything the method table dispatches into: the repository,
// the interceptor runner/loader, the replay tracker/engine, and the
// event log. Grounded on the teacher's Interceptor{Core *core.Engine}
// wiring-everything-through-one-struct shape in interceptor/server.go,
// generalized to this daemon's component set.
type Deps struct {
	Repo     *repository.Repository
	Runner   *interceptor.Runner
	Loader   *interceptor.Loader
	Tracker  *replay.Tracker
	Engine   *replay.Engine
	Events   *eventlog.Log
	Started  time.Time
}

// RegisterAll wires every method spec.md §4.7 names into s, delegating to
// d's components. This is the generalization of the teacher's
// `switch command` CLI dispatch (cmd/vouch-cli/main.go) into a map-based
// RPC table, which is the idiomatic shape for a set of independently
// versionable, var-arity methods rather than a fixed CLI arg list.
func RegisterAll(s *Server, d *Deps) {
	s.Register("ping", d.ping)
	s.Register("status", d.status)
	s.Register("registerSession", d.registerSession)
	s.Register("listSessions", d.listSessions)
	s.Register("listRequests", d.listRequests)
	s.Register("listRequestsSummary", d.listRequestsSummary)
	s.Register("getRequest", d.getRequest)
	s.Register("countRequests", d.countRequests)
	s.Register("searchBodies", d.searchBodies)
	s.Register("queryJsonBodies", d.queryJSONBodies)
	s.Register("clearRequests", d.clearRequests)
	s.Register("replayRequest", d.replayRequest)
	s.Register("saveRequest", d.saveRequest)
	s.Register("unsaveRequest", d.unsaveRequest)
	s.Register("listInterceptors", d.listInterceptors)
	s.Register("reloadInterceptors", d.reloadInterceptors)
	s.Register("getInterceptorEvents", d.getInterceptorEvents)
	s.Register("clearInterceptorEvents", d.clearInterceptorEvents)
}

func (d *Deps) ping(json.RawMessage) (any, error) {
	return map[string]any{"pong": true}, nil
}

func (d *Deps) status(json.RawMessage) (any, error) {
	pending := 0
	if d.Runner != nil {
		pending = d.Runner.PendingCount()
	}
	hits, misses := proxy.BufferPoolMetrics()
	count, err := d.Repo.CountRequests(repository.Filter{})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"uptimeMs":        time.Since(d.Started).Milliseconds(),
		"requestCount":    count,
		"pendingForward":  pending,
		"bufferPoolHits":  hits,
		"bufferPoolMisses": misses,
	}, nil
}

type registerSessionParams struct {
	Label  string `json:"label"`
	Source string `json:"source"`
	PID    int    `json:"pid"`
}

func (d *Deps) registerSession(params json.RawMessage) (any, error) {
	var p registerSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	session, err := d.Repo.RegisterSession(p.Label, p.Source, p.PID)
	if err != nil {
		return nil, err
	}
	// session.AuthToken is json:"-" everywhere else; registerSession is the
	// one place the secret is ever handed back, per spec.md §3 "Session".
	return map[string]any{
		"id":        session.ID,
		"label":     session.Label,
		"pid":       session.PID,
		"source":    session.Source,
		"startedAt": session.StartedAt,
		"authToken": session.AuthToken,
	}, nil
}

func (d *Deps) listSessions(json.RawMessage) (any, error) {
	return d.Repo.ListSessions()
}

type filterParams struct {
	SessionID   string   `json:"sessionId"`
	Methods     []string `json:"methods"`
	StatusRange string   `json:"statusRange"`
	Host        string   `json:"host"`
	PathPrefix  string   `json:"pathPrefix"`
	SinceMS     *int64   `json:"since"`
	BeforeMS    *int64   `json:"before"`
	Regex       string   `json:"regex"`
	Saved       *bool    `json:"saved"`
	Source      string   `json:"source"`
	Interceptor string   `json:"interceptorName"`
	Limit       int      `json:"limit"`
	Offset      int      `json:"offset"`
}

func (p filterParams) toFilter() (repository.Filter, error) {
	f := repository.Filter{
		SessionID:       p.SessionID,
		Methods:         p.Methods,
		HostContains:    p.Host,
		PathPrefix:      p.PathPrefix,
		Regex:           p.Regex,
		Saved:           p.Saved,
		Source:          p.Source,
		InterceptorName: p.Interceptor,
	}
	if p.StatusRange != "" {
		sr, err := httpx.ParseStatusRange(p.StatusRange)
		if err != nil {
			return f, newValidationError("invalid statusRange: %v", err)
		}
		f.StatusRange = &sr
	}
	if p.SinceMS != nil {
		t := time.UnixMilli(*p.SinceMS)
		f.Since = &t
	}
	if p.BeforeMS != nil {
		t := time.UnixMilli(*p.BeforeMS)
		f.Before = &t
	}
	return f, nil
}

func (d *Deps) listRequests(params json.RawMessage) (any, error) {
	var p filterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	f, err := p.toFilter()
	if err != nil {
		return nil, err
	}
	reqs, err := d.Repo.ListRequests(f, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]wireRequest, len(reqs))
	for i, r := range reqs {
		out[i] = toWireRequest(r)
	}
	return out, nil
}

func (d *Deps) listRequestsSummary(params json.RawMessage) (any, error) {
	var p filterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	f, err := p.toFilter()
	if err != nil {
		return nil, err
	}
	return d.Repo.ListRequestsSummary(f, p.Limit, p.Offset)
}

type idParams struct {
	ID int64 `json:"id"`
}

func (d *Deps) getRequest(params json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := d.Repo.GetRequest(p.ID)
	if err != nil {
		return nil, err
	}
	return toWireRequest(req), nil
}

func (d *Deps) countRequests(params json.RawMessage) (any, error) {
	var p filterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	f, err := p.toFilter()
	if err != nil {
		return nil, err
	}
	count, err := d.Repo.CountRequests(f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count}, nil
}

type searchParams struct {
	filterParams
	Needle string `json:"search"`
}

func (d *Deps) searchBodies(params json.RawMessage) (any, error) {
	var p searchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Needle == "" {
		return nil, newValidationError("search must not be empty")
	}
	f, err := p.filterParams.toFilter()
	if err != nil {
		return nil, err
	}
	return d.Repo.SearchBodies(f, p.Needle, p.Limit)
}

type jsonQueryParams struct {
	filterParams
	Path string `json:"path"`
}

func (d *Deps) queryJSONBodies(params json.RawMessage) (any, error) {
	var p jsonQueryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, newValidationError("path must not be empty")
	}
	f, err := p.filterParams.toFilter()
	if err != nil {
		return nil, err
	}
	return d.Repo.QueryJSONBodies(f, p.Path, p.Limit)
}

type clearRequestsParams struct {
	IncludeSaved bool `json:"includeSaved"`
}

func (d *Deps) clearRequests(params json.RawMessage) (any, error) {
	var p clearRequestsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Repo.ClearRequests(p.IncludeSaved); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

type replayParams struct {
	ID            int64             `json:"id"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	SetHeaders    map[string]string `json:"setHeaders"`
	RemoveHeaders []string          `json:"removeHeaders"`
	Body          string            `json:"body"`
	BodyBase64    string            `json:"bodyBase64"`
	TimeoutMS     int               `json:"timeoutMs"`
	Initiator     string            `json:"initiator"`
}

func (d *Deps) replayRequest(params json.RawMessage) (any, error) {
	var p replayParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := assertIDSet(p.ID); err != nil {
		return nil, err
	}

	overrides := replay.Overrides{
		Method:    p.Method,
		URL:       p.URL,
		Initiator: p.Initiator,
	}
	if p.Body != "" {
		overrides.Body = []byte(p.Body)
	}
	if len(p.SetHeaders) > 0 {
		overrides.Headers = models.Headers(p.SetHeaders)
	}
	if overrides.Initiator == "" {
		overrides.Initiator = "replay-cli"
	}

	timeout := replayTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	newID, err := d.Engine.Replay(ctx, p.ID, overrides)
	if err != nil {
		return nil, &handlerError{msg: err.Error()}
	}
	return map[string]any{"requestId": newID}, nil
}

func (d *Deps) saveRequest(params json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := assertIDSet(p.ID); err != nil {
		return nil, err
	}
	return map[string]any{}, d.Repo.SetSaved(p.ID, true)
}

func (d *Deps) unsaveRequest(params json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := assertIDSet(p.ID); err != nil {
		return nil, err
	}
	return map[string]any{}, d.Repo.SetSaved(p.ID, false)
}

func (d *Deps) listInterceptors(json.RawMessage) (any, error) {
	manifests := d.Loader.Current()
	out := make([]map[string]any, len(manifests))
	for i, m := range manifests {
		out[i] = map[string]any{
			"name":    m.Name,
			"enabled": m.IsEnabled(),
			"type":    m.Handler.Type,
			"match":   m.Match,
			"source":  m.SourceFile(),
		}
	}
	return out, nil
}

func (d *Deps) reloadInterceptors(json.RawMessage) (any, error) {
	if err := d.Loader.Reload(); err != nil {
		return nil, &handlerError{msg: err.Error()}
	}
	return map[string]any{}, nil
}

type eventQueryParams struct {
	AfterSeq    int64  `json:"afterSeq"`
	Limit       int    `json:"limit"`
	Level       string `json:"level"`
	Interceptor string `json:"interceptor"`
	Type        string `json:"type"`
}

func (d *Deps) getInterceptorEvents(params json.RawMessage) (any, error) {
	var p eventQueryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	result := d.Events.Query(eventlog.QueryOptions{
		AfterSeq:    p.AfterSeq,
		Limit:       p.Limit,
		Level:       models.EventLevel(p.Level),
		Interceptor: p.Interceptor,
		Type:        models.EventType(p.Type),
	})
	return map[string]any{
		"events": result.Events,
		"counts": result.Counts,
	}, nil
}

func (d *Deps) clearInterceptorEvents(json.RawMessage) (any, error) {
	d.Events.Clear()
	return map[string]any{}, nil
}

// wireRequest mirrors models.Request but carries bodies as the
// {type:"Buffer", data:[...]} wire shape spec.md §9 mandates instead of
// encoding/json's default base64 []byte encoding.
type wireRequest struct {
	models.Request
	RequestBody  buffer `json:"requestBody,omitempty"`
	ResponseBody buffer `json:"responseBody,omitempty"`
}

func toWireRequest(r models.Request) wireRequest {
	return wireRequest{Request: r, RequestBody: buffer(r.RequestBody), ResponseBody: buffer(r.ResponseBody)}
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return newValidationError("invalid params: %v", err)
	}
	return nil
}

func assertIDSet(id int64) error {
	if id == 0 {
		return newValidationError("id must be set")
	}
	return nil
}
