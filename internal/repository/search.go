package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/procsi/procsid/internal/httpx"
)

// BodyMatch is one hit from SearchBodies: the owning request plus which
// side (request/response) the substring was found in.
type BodyMatch struct {
	RequestID int64  `json:"requestId"`
	Side      string `json:"side"` // "request" or "response"
	Snippet   string `json:"snippet"`
}

const snippetRadius = 80

// SearchBodies scans text-classified bodies (per httpx.IsTextual) for a
// case-sensitive substring, among rows matching filter, newest first.
// Matching happens in Go: bodies are stored as BLOBs and may carry binary
// payloads SQLite's LIKE can't safely compare against text.
func (r *Repository) SearchBodies(filter Filter, needle string, limit int) ([]BodyMatch, error) {
	if needle == "" {
		return nil, fmt.Errorf("search needle must not be empty")
	}

	var re interface{ MatchString(string) bool }
	if filter.Regex != "" {
		compiled, err := httpx.CompileFilterPattern(filter.Regex)
		if err != nil {
			return nil, err
		}
		re = compiled
	}

	where, args, err := filter.buildWhere()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, method, url, request_body, request_content_type, response_body, response_content_type
		FROM requests` + where + ` ORDER BY timestamp DESC, id DESC`
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning bodies for search: %w", err)
	}
	defer rows.Close()

	var out []BodyMatch
	for rows.Next() {
		var id int64
		var method, reqURL string
		var reqBody, respBody []byte
		var reqCT, respCT string
		if err := rows.Scan(&id, &method, &reqURL, &reqBody, &reqCT, &respBody, &respCT); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		if re != nil && !re.MatchString(method+" "+reqURL) {
			continue
		}

		if m, ok := r.matchBody(id, "request", reqBody, reqCT, needle); ok {
			out = append(out, m)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		if m, ok := r.matchBody(id, "response", respBody, respCT, needle); ok {
			out = append(out, m)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (r *Repository) matchBody(id int64, side string, body []byte, contentType, needle string) (BodyMatch, bool) {
	text, ok := r.bodyCache.decode(contentType, body)
	if !ok {
		return BodyMatch{}, false
	}
	idx := strings.Index(text, needle)
	if idx < 0 {
		return BodyMatch{}, false
	}
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + snippetRadius
	if end > len(text) {
		end = len(text)
	}
	return BodyMatch{RequestID: id, Side: side, Snippet: text[start:end]}, true
}

// QueryJSONBodies evaluates a SQLite json_extract path expression (e.g.
// "$.user.id" or "$.items[0].sku") against JSON-classified bodies among
// rows matching filter, returning rows where the path resolves to a
// non-null value. Dotted paths and array indices are whatever json_extract
// itself accepts, per spec.md §9's open-question resolution.
func (r *Repository) QueryJSONBodies(filter Filter, jsonPath string, limit int) ([]BodyMatch, error) {
	if jsonPath == "" {
		return nil, fmt.Errorf("json path must not be empty")
	}

	where, args, err := filter.buildWhere()
	if err != nil {
		return nil, err
	}

	query := `SELECT id,
			request_content_type, CASE WHEN json_valid(CAST(request_body AS TEXT)) THEN json_extract(CAST(request_body AS TEXT), ?) END AS req_match,
			response_content_type, CASE WHEN json_valid(CAST(response_body AS TEXT)) THEN json_extract(CAST(response_body AS TEXT), ?) END AS resp_match
		FROM requests` + where + ` ORDER BY timestamp DESC, id DESC`

	queryArgs := append([]any{jsonPath, jsonPath}, args...)
	rows, err := r.db.Query(query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying json bodies: %w", err)
	}
	defer rows.Close()

	var out []BodyMatch
	for rows.Next() {
		var id int64
		var reqCT, respCT string
		var reqMatch, respMatch sql.NullString
		if err := rows.Scan(&id, &reqCT, &reqMatch, &respCT, &respMatch); err != nil {
			return nil, fmt.Errorf("scanning json query row: %w", err)
		}

		if httpx.IsJSON(reqCT) && reqMatch.Valid {
			out = append(out, BodyMatch{RequestID: id, Side: "request", Snippet: reqMatch.String})
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		if httpx.IsJSON(respCT) && respMatch.Valid {
			out = append(out, BodyMatch{RequestID: id, Side: "response", Snippet: respMatch.String})
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}
