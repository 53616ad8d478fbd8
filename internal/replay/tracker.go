// Package replay implements replaying a previously captured request: a
// one-shot token table correlating a daemon-originated HTTP request back
// to the row it was replayed from, and an engine that reconstructs and
// re-fires that request through the proxy itself, per spec.md §4.7.
package replay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenHeader is the internal wire header a replayed request carries so
// the proxy pipeline can recognize it and attribute the resulting
// captured row to its origin. Stripped before forwarding upstream, like
// every other x-procsi-internal-* header.
const TokenHeader = "x-procsi-internal-replay-token"

// tokenTTL bounds how long an issued-but-never-consumed token (e.g. the
// outbound replay request never reached the proxy) is kept around.
const tokenTTL = 30 * time.Second

// Consumed is what Tracker.Consume returns: the provenance to stamp on
// the newly captured row, plus a way to report that row's id back to
// whoever is waiting on the replay.
type Consumed struct {
	ReplayedFromID int64
	Initiator      string

	notify chan<- int64
}

// NotifyInserted reports the id of the row just captured for this
// replay. Safe to call at most once; a full or nil channel is a no-op
// so a pipeline bug can't block request processing.
func (c Consumed) NotifyInserted(id int64) {
	if c.notify == nil {
		return
	}
	select {
	case c.notify <- id:
	default:
	}
}

type ticket struct {
	replayedFromID int64
	initiator      string
	notify         chan<- int64
	issuedAt       time.Time
}

// Tracker is a one-shot token table: each token is good for exactly one
// Consume call, after which it's gone.
type Tracker struct {
	mu      sync.Mutex
	tickets map[string]ticket
}

// NewTracker creates an empty token table.
func NewTracker() *Tracker {
	return &Tracker{tickets: make(map[string]ticket)}
}

// Issue mints a new single-use token for a replay of replayedFromID,
// returning the token to embed in the outbound request's TokenHeader.
// notify, if non-nil, receives the new row's id once the pipeline
// captures it.
func (t *Tracker) Issue(replayedFromID int64, initiator string, notify chan<- int64) (string, error) {
	token, err := randomToken(24)
	if err != nil {
		return "", fmt.Errorf("minting replay token: %w", err)
	}

	t.mu.Lock()
	t.tickets[token] = ticket{replayedFromID: replayedFromID, initiator: initiator, notify: notify, issuedAt: time.Now()}
	t.mu.Unlock()

	return token, nil
}

// Consume looks up and removes token, returning its provenance. ok is
// false if the token is unknown, already consumed, or expired.
func (t *Tracker) Consume(token string) (Consumed, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tickets[token]
	if !ok {
		return Consumed{}, false
	}
	delete(t.tickets, token)

	if time.Since(tk.issuedAt) > tokenTTL {
		return Consumed{}, false
	}
	return Consumed{ReplayedFromID: tk.replayedFromID, Initiator: tk.initiator, notify: tk.notify}, true
}

// PurgeExpired drops any issued-but-never-consumed tokens older than
// tokenTTL, so a replay whose outbound request never reaches the proxy
// (network failure, proxy restart) doesn't leak a ticket forever.
func (t *Tracker) PurgeExpired() {
	cutoff := time.Now().Add(-tokenTTL)

	t.mu.Lock()
	defer t.mu.Unlock()
	for token, tk := range t.tickets {
		if tk.issuedAt.Before(cutoff) {
			delete(t.tickets, token)
		}
	}
}

// Len reports the number of outstanding (issued, unconsumed) tokens.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tickets)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
