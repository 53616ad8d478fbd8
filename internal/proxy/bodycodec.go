package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeBody transparently un-applies contentEncoding so the repository
// always stores plaintext bodies (spec.md §4.6 step 4: "the decoded body
// ... the upstream body is untouched"). ok is false when the encoding is
// unrecognized or decoding fails, in which case the caller stores the raw
// bytes. The stored header snapshot omits Content-Encoding either way.
func decodeBody(contentEncoding string, raw []byte) (decoded []byte, ok bool) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return raw, true
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, false
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, false
		}
		return out, true
	case "deflate":
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, false
		}
		return out, true
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}
