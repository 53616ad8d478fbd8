package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/procsi/procsid/internal/logging"
)

// maxLineSize bounds a single request line per spec.md §4.7: a connection
// that exceeds it is dropped rather than allowed to buffer unboundedly.
const maxLineSize = 1024 * 1024

// Handler answers one method call. params is the raw `params` field (nil
// if the client omitted it); the returned value is marshaled into the
// response's `result` field.
type Handler func(params json.RawMessage) (any, error)

// Server is the control-plane socket listener: one goroutine per
// connection, each handling a newline-delimited stream of JSON-RPC-shaped
// requests concurrently (spec.md §4.7 "the server concurrently handles
// multiple connections and multiple in-flight requests per connection").
// Grounded on other_examples' unix-socket relay handler's
// bufio.Reader-plus-json.Decoder connection loop, generalized to dispatch
// through a method table instead of a fixed switch.
type Server struct {
	methods map[string]Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a server with no methods registered; call Register for each
// entry in spec.md §4.7's method list before Serve.
func New() *Server {
	return &Server{methods: make(map[string]Handler)}
}

// Register adds a method to the dispatch table. Re-registering a name
// replaces the previous handler (used only by tests).
func (s *Server) Register(method string, h Handler) {
	s.methods[method] = h
}

// Serve accepts connections on l until it's closed (by Shutdown or
// externally), handling each on its own goroutine. Serve blocks until the
// listener is closed and every in-flight connection has returned.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener, refusing new connections, and waits for
// in-flight connections to drain (spec.md §5 "control server refuses new
// connections, drains pending replies best-effort").
func (s *Server) Shutdown() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, maxLineSize)
	writer := bufio.NewWriter(conn)

	var writeMu sync.Mutex
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		line, err := reader.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				logging.Warn("control_buffer_cap_exceeded", logging.Fields{Component: "control"})
				return
			}
			if !errors.Is(err, io.EOF) {
				logging.Warn("control_read_failed", logging.Fields{Component: "control", Error: err.Error()})
			}
			return
		}

		lineCopy := append([]byte(nil), line...)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			resp := s.dispatch(lineCopy)
			payload, err := json.Marshal(resp)
			if err != nil {
				logging.Error("control_response_marshal_failed", logging.Fields{Component: "control", Error: err.Error()})
				return
			}
			payload = append(payload, '\n')

			writeMu.Lock()
			defer writeMu.Unlock()
			if _, err := writer.Write(payload); err != nil {
				logging.Warn("control_write_failed", logging.Fields{Component: "control", Error: err.Error()})
				return
			}
			if err := writer.Flush(); err != nil {
				logging.Warn("control_flush_failed", logging.Fields{Component: "control", Error: err.Error()})
			}
		}()
	}
}

func (s *Server) dispatch(line []byte) response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return errResponse("", codeInvalidParams, errors.New("malformed request: "+err.Error()))
	}
	if req.Method == "" {
		return errResponse(req.ID, codeInvalidParams, errors.New("method must not be empty"))
	}

	h, ok := s.methods[req.Method]
	if !ok {
		return errResponse(req.ID, codeMethodNotFound, errors.New("method not found: "+req.Method))
	}

	result, err := h(req.Params)
	if err != nil {
		return errResponse(req.ID, codeForError(err), err)
	}
	return okResponse(req.ID, result)
}

// codeForError picks the JSON-RPC error code for an error surfaced by a
// handler, per spec.md §7's taxonomy: a validationError maps to
// codeInvalidParams, a handlerError to codeHandlerMisbehaves, and anything
// else falls back to the generic uncaught-error code.
func codeForError(err error) int {
	var ve *validationError
	if errors.As(err, &ve) {
		return codeInvalidParams
	}
	var he *handlerError
	if errors.As(err, &he) {
		return codeHandlerMisbehaves
	}
	return codeUncaught
}

// validationError marks a Validation-kind error (spec.md §7): malformed
// input to a control method.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func newValidationError(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// handlerError marks a Handler-misbehaviour-kind error surfaced through a
// control method (e.g. replayRequest hitting a timed-out handler).
type handlerError struct{ msg string }

func (e *handlerError) Error() string { return e.msg }
