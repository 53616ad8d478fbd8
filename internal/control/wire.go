// Package control implements the project's control-plane socket: a
// length-implied (newline-delimited), JSON-RPC-shaped dispatcher over a
// local stream socket, per spec.md §4.7/§6. Grounded on the JSON-RPC
// envelope shape of other_examples' unix-socket MCP relay handler and the
// teacher's own mcp.MCPRequest/MCPResponse types, generalized from a
// single-method proxy hook into the full method table spec.md names.
package control

import (
	"encoding/json"
	"fmt"
)

// request is one line of client input: {id, method, params?}.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcError is the {code, message} shape spec.md §4.7 mandates for
// failed calls.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// response is one line of server output: either Result or Error is set,
// never both.
type response struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

func okResponse(id string, result any) response {
	return response{ID: id, Result: result}
}

func errResponse(id string, code int, err error) response {
	return response{ID: id, Error: &rpcError{Code: code, Message: err.Error()}}
}

// Error codes. -32602/-32601/-32000 follow the JSON-RPC convention the
// teacher's MCP envelope already used; codeHandlerMisbehaves and
// codeTransient are this daemon's own, named in spec.md §7's taxonomy.
const (
	codeInvalidParams     = -32602
	codeMethodNotFound    = -32601
	codeUncaught          = -32000
	codeHandlerMisbehaves = -32010
	codeTransient         = -32020
)

// buffer is the binary-safe wire encoding for request/response bodies:
// spec.md §4.7 requires `{type:"Buffer", data:[bytes…]}`, not base64, so
// a plain []byte field (which encoding/json would base64-encode) can't be
// used directly for wire-facing body fields.
type buffer []byte

func (b buffer) MarshalJSON() ([]byte, error) {
	data := make([]int, len(b))
	for i, v := range b {
		data[i] = int(v)
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Data []int  `json:"data"`
	}{Type: "Buffer", Data: data})
}

func (b *buffer) UnmarshalJSON(raw []byte) error {
	var wire struct {
		Type string `json:"type"`
		Data []int  `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decoding Buffer wire value: %w", err)
	}
	if wire.Type != "Buffer" {
		return fmt.Errorf("expected Buffer wire value, got type %q", wire.Type)
	}
	out := make([]byte, len(wire.Data))
	for i, v := range wire.Data {
		out[i] = byte(v)
	}
	*b = out
	return nil
}
