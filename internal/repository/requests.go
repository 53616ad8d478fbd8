package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/procsi/procsid/internal/models"
)

// ErrRequestNotFound is returned by GetRequest when no row with the given
// id exists.
var ErrRequestNotFound = errors.New("repository: request not found")

// InsertRequest stores the request-phase fields of a newly intercepted
// request (response fields are filled in later via UpdateResponse) and
// evicts the oldest unsaved rows if the project is now over its configured
// cap. Both steps run in one transaction so a reader never observes the
// store briefly over capacity.
func (r *Repository) InsertRequest(req models.Request) (int64, error) {
	reqHeaders, err := json.Marshal(req.RequestHeaders)
	if err != nil {
		return 0, fmt.Errorf("encoding request headers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// A session id that was never registered (the proxy's default session)
	// gets a placeholder sessions row with an empty auth token, which no
	// attribution header can match, so the session_id foreign key holds.
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO sessions (id, started_at, auth_token) VALUES (?, ?, '')`,
		req.SessionID, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return 0, fmt.Errorf("ensuring session: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO requests (
			session_id, label, source, timestamp, method, url, host, path,
			request_headers_json, request_body, request_body_truncated, request_content_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.SessionID, req.Label, req.Source, req.Timestamp.Format(time.RFC3339Nano),
		req.Method, req.URL, req.Host, req.Path,
		string(reqHeaders), req.RequestBody, boolToInt(req.RequestBodyTruncated), req.RequestContentType,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}

	if err := evictOldestLocked(tx, r.maxRequests); err != nil {
		return 0, fmt.Errorf("evicting over-cap requests: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing request insert: %w", err)
	}
	return id, nil
}

// evictOldestLocked deletes the oldest unsaved rows until at most
// maxRequests unsaved rows remain (saved rows are neither counted nor
// deleted), favoring whatever is cheapest: a single
// DELETE ... ORDER BY ... LIMIT keyed off a subquery, since SQLite's DELETE
// doesn't support ORDER BY/LIMIT directly.
func evictOldestLocked(tx *sql.Tx, maxRequests int) error {
	var unsaved int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM requests WHERE saved = 0`).Scan(&unsaved); err != nil {
		return fmt.Errorf("counting unsaved requests: %w", err)
	}
	over := unsaved - maxRequests
	if over <= 0 {
		return nil
	}
	_, err := tx.Exec(
		`DELETE FROM requests WHERE id IN (
			SELECT id FROM requests WHERE saved = 0 ORDER BY timestamp ASC LIMIT ?
		)`, over,
	)
	return err
}

// UpdateResponse records the response-phase fields once upstream (or a
// mock handler) has produced a response.
func (r *Repository) UpdateResponse(id int64, status int, headers models.Headers, body []byte, truncated bool, contentType string, durationMS int64) error {
	respHeaders, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encoding response headers: %w", err)
	}
	_, err = r.db.Exec(
		`UPDATE requests SET response_status = ?, response_headers_json = ?, response_body = ?,
			response_body_truncated = ?, response_content_type = ?, duration_ms = ?
		 WHERE id = ?`,
		status, string(respHeaders), body, boolToInt(truncated), contentType, durationMS, id,
	)
	if err != nil {
		return fmt.Errorf("updating response: %w", err)
	}
	return nil
}

// UpdateInterception records which interceptor, if any, decided the
// request's outcome.
func (r *Repository) UpdateInterception(id int64, interception *models.Interception) error {
	var name, typ string
	if interception != nil {
		name, typ = interception.Name, string(interception.Type)
	}
	_, err := r.db.Exec(
		`UPDATE requests SET interception_name = ?, interception_type = ? WHERE id = ?`,
		name, typ, id,
	)
	if err != nil {
		return fmt.Errorf("updating interception: %w", err)
	}
	return nil
}

// UpdateReplayOrigin stamps a newly inserted row as having been replayed
// from an earlier request.
func (r *Repository) UpdateReplayOrigin(id int64, replayedFromID int64, initiator string) error {
	_, err := r.db.Exec(
		`UPDATE requests SET replayed_from_id = ?, replay_initiator = ? WHERE id = ?`,
		replayedFromID, initiator, id,
	)
	if err != nil {
		return fmt.Errorf("updating replay origin: %w", err)
	}
	return nil
}

// SetSaved toggles the saved (bookmarked) flag; saved rows are exempt from
// capacity eviction.
func (r *Repository) SetSaved(id int64, saved bool) error {
	res, err := r.db.Exec(`UPDATE requests SET saved = ? WHERE id = ?`, boolToInt(saved), id)
	if err != nil {
		return fmt.Errorf("updating saved flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// GetRequest returns the full record (including both bodies) for id.
func (r *Repository) GetRequest(id int64) (models.Request, error) {
	row := r.db.QueryRow(fullRequestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, ErrRequestNotFound
	}
	return req, err
}

// CountRequests returns the number of rows matching filter.
func (r *Repository) CountRequests(filter Filter) (int, error) {
	if filter.Regex != "" {
		matched, err := r.ListRequestsSummary(filter, 0, 0)
		if err != nil {
			return 0, err
		}
		return len(matched), nil
	}
	where, args, err := filter.buildWhere()
	if err != nil {
		return 0, err
	}
	row := r.db.QueryRow(`SELECT COUNT(*) FROM requests`+where, args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting filtered requests: %w", err)
	}
	return n, nil
}

// ClearRequests deletes captured requests. When includeSaved is false,
// bookmarked rows are preserved.
func (r *Repository) ClearRequests(includeSaved bool) error {
	q := `DELETE FROM requests`
	if !includeSaved {
		q += ` WHERE saved = 0`
	}
	_, err := r.db.Exec(q)
	if err != nil {
		return fmt.Errorf("clearing requests: %w", err)
	}
	return nil
}

const fullRequestColumns = `SELECT
	id, session_id, label, source, timestamp, method, url, host, path,
	request_headers_json, request_body, request_body_truncated, request_content_type,
	response_status, response_headers_json, response_body, response_body_truncated, response_content_type,
	duration_ms, interception_name, interception_type, replayed_from_id, replay_initiator, saved`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.Request, error) {
	var req models.Request
	var timestamp string
	var reqHeadersJSON, respHeadersJSON string
	var respStatus sql.NullInt64
	var durationMS sql.NullInt64
	var interceptionName, interceptionType string
	var replayedFromID sql.NullInt64
	var savedInt int

	err := row.Scan(
		&req.ID, &req.SessionID, &req.Label, &req.Source, &timestamp, &req.Method, &req.URL, &req.Host, &req.Path,
		&reqHeadersJSON, &req.RequestBody, &req.RequestBodyTruncated, &req.RequestContentType,
		&respStatus, &respHeadersJSON, &req.ResponseBody, &req.ResponseBodyTruncated, &req.ResponseContentType,
		&durationMS, &interceptionName, &interceptionType, &replayedFromID, &req.ReplayInitiator, &savedInt,
	)
	if err != nil {
		return models.Request{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return models.Request{}, fmt.Errorf("parsing request timestamp: %w", err)
	}
	req.Timestamp = ts
	req.Saved = savedInt != 0

	if err := json.Unmarshal([]byte(reqHeadersJSON), &req.RequestHeaders); err != nil {
		return models.Request{}, fmt.Errorf("decoding request headers: %w", err)
	}
	if respHeadersJSON != "" {
		if err := json.Unmarshal([]byte(respHeadersJSON), &req.ResponseHeaders); err != nil {
			return models.Request{}, fmt.Errorf("decoding response headers: %w", err)
		}
	}
	if respStatus.Valid {
		status := int(respStatus.Int64)
		req.ResponseStatus = &status
	}
	if durationMS.Valid {
		req.DurationMS = &durationMS.Int64
	}
	if interceptionName != "" {
		req.Interception = &models.Interception{Name: interceptionName, Type: models.InterceptionType(interceptionType)}
	}
	if replayedFromID.Valid {
		req.ReplayedFromID = &replayedFromID.Int64
	}

	return req, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
