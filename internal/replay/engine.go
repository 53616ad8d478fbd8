package replay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/procsi/procsid/internal/assert"
	"github.com/procsi/procsid/internal/models"
)

// insertWaitTimeout bounds how long Replay waits for the pipeline to
// confirm it captured the replayed request, before giving up.
const insertWaitTimeout = 10 * time.Second

// Store is the slice of the repository the replay engine needs: reading
// back the original request it's replaying.
type Store interface {
	GetRequest(id int64) (models.Request, error)
}

// Overrides lets a caller change a subset of the original request before
// it's replayed; a zero-value field means "keep the original".
type Overrides struct {
	Method  string
	URL     string
	Headers models.Headers
	Body    []byte

	Initiator string // free-form label, e.g. "cli", "mcp-tool"
}

// Engine replays a previously captured request by firing it back through
// the proxy's own listener, tagged with a one-shot token so the pipeline
// can attribute the resulting row. Grounded on
// cmd/logyctl/commands/replay.go's load-original/build-request/fire
// shape; unlike that CLI tool, Engine never compares the replay response
// itself — it returns as soon as the new row exists, handing the caller
// back an id to poll via the ordinary request-lookup path.
type Engine struct {
	store     Store
	tracker   *Tracker
	client    *http.Client
	proxyAddr string // e.g. "127.0.0.1:8080"
}

// NewEngine creates a replay engine that fires requests at the proxy
// listening on proxyAddr.
func NewEngine(store Store, tracker *Tracker, proxyAddr string) (*Engine, error) {
	if err := assert.NotNil(store, "store"); err != nil {
		return nil, err
	}
	if err := assert.NotNil(tracker, "tracker"); err != nil {
		return nil, err
	}
	if err := assert.Check(proxyAddr != "", "proxyAddr must not be empty"); err != nil {
		return nil, err
	}

	proxyURL, err := url.Parse("http://" + proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy address: %w", err)
	}

	return &Engine{
		store:   store,
		tracker: tracker,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		},
		proxyAddr: proxyAddr,
	}, nil
}

// Replay reconstructs the request captured as id (with overrides
// applied), fires it through the proxy, and returns the new row's id as
// soon as the pipeline has captured it — before the response is known.
func (e *Engine) Replay(ctx context.Context, id int64, overrides Overrides) (int64, error) {
	orig, err := e.store.GetRequest(id)
	if err != nil {
		return 0, fmt.Errorf("loading original request %d: %w", id, err)
	}

	method := orig.Method
	if overrides.Method != "" {
		method = overrides.Method
	}
	url := orig.URL
	if overrides.URL != "" {
		url = overrides.URL
	}
	body := orig.RequestBody
	if overrides.Body != nil {
		body = overrides.Body
	}

	headers := models.Headers{}
	for k, v := range orig.RequestHeaders {
		headers[k] = v
	}
	for k, v := range overrides.Headers {
		headers[k] = v
	}

	notify := make(chan int64, 1)
	token, err := e.tracker.Issue(id, overrides.Initiator, notify)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building replay request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(TokenHeader, token)

	go func() {
		resp, err := e.client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
	}()

	select {
	case newID := <-notify:
		return newID, nil
	case <-time.After(insertWaitTimeout):
		return 0, fmt.Errorf("replay of request %d: timed out waiting for capture", id)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
