package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/procsi/procsid/internal/httpx"
)

// Filter describes the predicates listRequests/listRequestsSummary/
// countRequests/searchBodies accept, per spec.md §6. Zero-value fields are
// unfiltered. Everything that SQLite can evaluate cheaply (equality,
// prefix, time bounds) is pushed into the WHERE clause; StatusRange and
// HostContains are still SQL-friendly via BETWEEN/LIKE, while Regex is
// applied in Go after fetch since RE2 semantics don't map onto SQLite's
// GLOB/LIKE operators.
type Filter struct {
	SessionID    string
	Methods      []string
	StatusRange  *httpx.StatusRange
	HostContains string
	PathPrefix   string
	Since        *time.Time
	Before       *time.Time
	InterceptorName string
	Saved        *bool
	Source       string
	Regex        string // matched against method + url, applied post-fetch
}

// buildWhere renders the SQL-expressible subset of the filter into a
// " WHERE ..." clause (or "" if unfiltered) plus its bind arguments.
func (f Filter) buildWhere() (string, []any, error) {
	var clauses []string
	var args []any

	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Methods) > 0 {
		placeholders := make([]string, len(f.Methods))
		for i, m := range f.Methods {
			placeholders[i] = "?"
			args = append(args, strings.ToUpper(m))
		}
		clauses = append(clauses, fmt.Sprintf("method IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.StatusRange != nil {
		clauses = append(clauses, "response_status BETWEEN ? AND ?")
		args = append(args, f.StatusRange.Low, f.StatusRange.High)
	}
	if f.HostContains != "" {
		clauses = append(clauses, `host LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.HostContains)+"%")
	}
	if f.PathPrefix != "" {
		clauses = append(clauses, `path LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(f.PathPrefix)+"%")
	}
	if f.Since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Before != nil {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, f.Before.UTC().Format(time.RFC3339Nano))
	}
	if f.InterceptorName != "" {
		clauses = append(clauses, "interception_name = ?")
		args = append(args, f.InterceptorName)
	}
	if f.Saved != nil {
		clauses = append(clauses, "saved = ?")
		args = append(args, boolToInt(*f.Saved))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// escapeLike escapes SQLite LIKE metacharacters in a user-supplied
// substring so HostContains/PathPrefix can't smuggle in wildcards.
func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}
