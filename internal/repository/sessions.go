package repository

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procsi/procsid/internal/models"
)

// ErrSessionNotFound is returned by GetSession/GetSessionAuth when no
// session with the given id exists.
var ErrSessionNotFound = errors.New("repository: session not found")

// RegisterSession creates a new session, minting its id and auth token, and
// returns the full record (including the token, which is never returned by
// any other call).
func (r *Repository) RegisterSession(label, source string, pid int) (models.Session, error) {
	token, err := randomToken(32)
	if err != nil {
		return models.Session{}, fmt.Errorf("minting session token: %w", err)
	}

	sess := models.Session{
		ID:        uuid.NewString(),
		Label:     label,
		PID:       pid,
		Source:    source,
		StartedAt: time.Now().UTC(),
		AuthToken: token,
	}

	_, err = r.db.Exec(
		`INSERT INTO sessions (id, label, pid, source, started_at, auth_token) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Label, sess.PID, sess.Source, sess.StartedAt.Format(time.RFC3339Nano), sess.AuthToken,
	)
	if err != nil {
		return models.Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by id, without its auth token.
func (r *Repository) GetSession(id string) (models.Session, error) {
	row := r.db.QueryRow(`SELECT id, label, pid, source, started_at FROM sessions WHERE id = ?`, id)
	var sess models.Session
	var startedAt string
	if err := row.Scan(&sess.ID, &sess.Label, &sess.PID, &sess.Source, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("scanning session: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("parsing session timestamp: %w", err)
	}
	sess.StartedAt = ts
	return sess, nil
}

// ListSessions returns every registered session, most recently started first.
func (r *Repository) ListSessions() ([]models.Session, error) {
	rows, err := r.db.Query(`SELECT id, label, pid, source, started_at FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		var startedAt string
		if err := rows.Scan(&sess.ID, &sess.Label, &sess.PID, &sess.Source, &startedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing session timestamp: %w", err)
		}
		sess.StartedAt = ts
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSessionAuth looks up the auth token owning sessionID, used by the proxy
// pipeline to attribute an inbound request to its session via the
// x-procsi-internal-session-token header.
func (r *Repository) GetSessionAuth(sessionID string) (string, error) {
	row := r.db.QueryRow(`SELECT auth_token FROM sessions WHERE id = ?`, sessionID)
	var token string
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("scanning auth token: %w", err)
	}
	return token, nil
}

// SessionIDForToken reverse-looks-up a session id by its auth token, used
// when the pipeline only has the bearer token from the wire header.
func (r *Repository) SessionIDForToken(token string) (string, error) {
	row := r.db.QueryRow(`SELECT id FROM sessions WHERE auth_token = ?`, token)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("scanning session id: %w", err)
	}
	return id, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
