// Package httpx holds small, dependency-free helpers shared by the proxy
// pipeline and the repository: content-type classification, status-range
// parsing, and safe regex compilation for the request filter (spec.md §6).
package httpx

import "strings"

// IsTextual reports whether a body with the given Content-Type should be
// treated as text for search/display purposes: anything under text/*, plus
// the common structured-text subtypes transmitted as application/*.
func IsTextual(contentType string) bool {
	ct := baseType(contentType)
	if ct == "" {
		return true
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/xml", "application/javascript",
		"application/x-javascript", "application/x-www-form-urlencoded",
		"application/graphql", "application/ld+json", "application/problem+json":
		return true
	}
	if strings.HasSuffix(ct, "+json") || strings.HasSuffix(ct, "+xml") ||
		strings.HasSuffix(ct, "+html") || strings.HasSuffix(ct, "+text") {
		return true
	}
	return false
}

// IsJSON reports whether a body with the given Content-Type should be
// parsed as JSON for queryJsonBodies.
func IsJSON(contentType string) bool {
	ct := baseType(contentType)
	if ct == "application/json" || strings.HasSuffix(ct, "+json") {
		return true
	}
	return false
}

// baseType strips parameters (";charset=...") and lowercases the MIME type.
func baseType(contentType string) string {
	ct := contentType
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
