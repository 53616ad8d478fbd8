package proxy

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/procsi/procsid/internal/models"
)

// The four internal attribution headers, per spec.md §6. Always stripped
// before a request reaches the upstream host, and never trusted once a
// legacy/aliased form is seen instead.
const (
	headerSessionID     = "x-procsi-internal-session-id"
	headerSessionToken  = "x-procsi-internal-session-token"
	headerRuntimeSource = "x-procsi-internal-runtime-source"
	headerReplayToken   = "x-procsi-internal-replay-token"

	// headerLegacy is the single-header predecessor of the four above
	// (an earlier "pack everything into one header" scheme). It's
	// recognized only so it can be stripped like the others; its value
	// is never parsed or trusted for attribution.
	headerLegacy = "x-ael-internal"

	headerContentEncoding = "content-encoding"
)

var runtimeSourcePattern = regexp.MustCompile(`^[a-z0-9._-]{1,32}$`)

// attribution is what extractAttribution pulls off an inbound request
// before the internal headers are stripped.
type attribution struct {
	sessionID    string
	sessionToken string
	runtimeSource string
	replayToken  string
}

// extractAttribution reads the four internal headers (and ignores the
// legacy form) without mutating req.
func extractAttribution(h http.Header) attribution {
	a := attribution{
		sessionID:    h.Get(headerSessionID),
		sessionToken: h.Get(headerSessionToken),
		replayToken:  h.Get(headerReplayToken),
	}
	if src := h.Get(headerRuntimeSource); runtimeSourcePattern.MatchString(src) {
		a.runtimeSource = src
	}
	return a
}

// stripInternalHeaders removes the four internal headers and the legacy
// single-header form from h in place. This runs on the real outbound
// request, so it must NOT touch Content-Encoding: the bytes forwarded
// upstream are still exactly as the client sent them, still compressed.
// Content-Encoding is only ever omitted from the *stored* header snapshot
// (handled separately, in the pipeline, since the stored body is decoded).
func stripInternalHeaders(h http.Header) {
	h.Del(headerSessionID)
	h.Del(headerSessionToken)
	h.Del(headerRuntimeSource)
	h.Del(headerReplayToken)
	h.Del(headerLegacy)
}

// flattenHeaders collapses a net/http.Header (which allows repeated
// values per name) into the single-value-per-name models.Headers the
// repository stores, joining duplicates with ", " per spec.md §4.6 step 2.
func flattenHeaders(h http.Header) models.Headers {
	out := make(models.Headers, len(h))
	for name, values := range h {
		joined := ""
		for i, v := range values {
			if i > 0 {
				joined += ", "
			}
			joined += v
		}
		out[strings.ToLower(name)] = joined
	}
	return out
}
