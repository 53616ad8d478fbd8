package httpx

import "testing"

func TestIsTextual(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"", true},
		{"text/plain", true},
		{"text/html; charset=utf-8", true},
		{"application/json", true},
		{"application/x-javascript", true},
		{"application/ld+json", true},
		{"application/xhtml+xml", true},
		{"application/vnd.api+html", true},
		{"application/vnd.custom+text", true},
		{"image/png", false},
		{"application/octet-stream", false},
	}
	for _, tt := range tests {
		if got := IsTextual(tt.contentType); got != tt.want {
			t.Errorf("IsTextual(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}
