package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/ucarion/jcs"

	"github.com/procsi/procsid/internal/httpx"
)

// bodyDigestCache memoizes the decoded text of a body keyed by a stable
// content digest, so repeated SearchBodies calls against an unchanged row (the common case: a captured request's bodies never
// change after the response phase completes) skip re-decoding. JSON
// bodies are digested over their RFC 8785 canonical form, the same
// marshal-unmarshal-jcs.Format-sha256 pipeline used elsewhere for
// deterministic hashing, so two JSON payloads that differ only in key
// order or insignificant whitespace share one cache entry.
type bodyDigestCache struct {
	mu      sync.Mutex
	entries map[string]string
	order   []string
	cap     int
}

func newBodyDigestCache(capacity int) *bodyDigestCache {
	return &bodyDigestCache{entries: make(map[string]string, capacity), cap: capacity}
}

// decode returns the textual form of body if its content type is textual,
// reusing a cached decode when the digest has been seen before.
func (c *bodyDigestCache) decode(contentType string, body []byte) (string, bool) {
	if len(body) == 0 || !httpx.IsTextual(contentType) {
		return "", false
	}

	key := digestBody(contentType, body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if text, ok := c.entries[key]; ok {
		return text, true
	}

	text := string(body)
	if c.cap > 0 && len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = text
	c.order = append(c.order, key)
	return text, true
}

// digestBody computes a stable SHA-256 digest of body. JSON bodies are
// canonicalized via RFC 8785 first so equivalent payloads collapse to the
// same key; everything else is hashed as-is.
func digestBody(contentType string, body []byte) string {
	hasher := sha256.New()
	if httpx.IsJSON(contentType) {
		var normalized interface{}
		if err := json.Unmarshal(body, &normalized); err == nil {
			if canonical, err := jcs.Format(normalized); err == nil {
				hasher.Write(canonical)
				return hex.EncodeToString(hasher.Sum(nil))
			}
		}
	}
	hasher.Write(body)
	return hex.EncodeToString(hasher.Sum(nil))
}
