package repository

import (
	"database/sql"
	"fmt"

	"github.com/procsi/procsid/internal/httpx"
	"github.com/procsi/procsid/internal/models"
)

// ListRequestsSummary returns summary rows (no bodies) matching filter,
// newest first, paged by limit/offset. If filter.Regex is set, matching is
// applied in Go against method+url after the SQL-expressible predicates
// narrow the candidate set, so pagination accounts for the regex pass by
// over-fetching until limit is satisfied or the table is exhausted.
func (r *Repository) ListRequestsSummary(filter Filter, limit, offset int) ([]models.RequestSummary, error) {
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

	query := `SELECT id, session_id, timestamp, method, url, host, path,
		response_status, duration_ms, interception_name, interception_type, saved
		FROM requests` + where + ` ORDER BY timestamp DESC, id DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing request summaries: %w", err)
	}
	defer rows.Close()

	out := make([]models.RequestSummary, 0, limit)
	skipped := 0
	for rows.Next() {
		var s models.RequestSummary
		var respStatus sql.NullInt64
		var durationMS sql.NullInt64
		var interceptionName, interceptionType string
		var savedInt int

		if err := rows.Scan(&s.ID, &s.SessionID, &s.Timestamp, &s.Method, &s.URL, &s.Host, &s.Path,
			&respStatus, &durationMS, &interceptionName, &interceptionType, &savedInt); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}

		if re != nil && !re.MatchString(s.Method+" "+s.URL) {
			continue
		}
		if offset > skipped {
			skipped++
			continue
		}

		if respStatus.Valid {
			status := int(respStatus.Int64)
			s.ResponseStatus = &status
		}
		if durationMS.Valid {
			s.DurationMS = &durationMS.Int64
		}
		if interceptionName != "" {
			s.Interception = &models.Interception{Name: interceptionName, Type: models.InterceptionType(interceptionType)}
		}
		s.Saved = savedInt != 0

		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// ListRequests returns full records (including bodies) matching filter,
// newest first, paged by limit/offset. Prefer ListRequestsSummary for
// listing views; this is for callers that need bodies inline.
func (r *Repository) ListRequests(filter Filter, limit, offset int) ([]models.Request, error) {
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

	query := fullRequestColumns + ` FROM requests` + where + ` ORDER BY timestamp DESC, id DESC`
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	out := make([]models.Request, 0, limit)
	skipped := 0
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		if re != nil && !re.MatchString(req.Method+" "+req.URL) {
			continue
		}
		if offset > skipped {
			skipped++
			continue
		}
		out = append(out, req)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}
