// Package rpc implements the JSON-RPC 2.0 client connection used to talk to
// an agent CLI server: request/response correlation, notification routing,
// and inbound server-to-client requests, multiplexed over one byte stream.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// defaultMaxMessageSize bounds a single framed message.
const defaultMaxMessageSize = 16 << 20 // history fetches can be large

// ErrClosed is returned by Call when the connection closes while the call
// is outstanding. Every pending call is rejected with it exactly once.
var ErrClosed = errors.New("rpc: connection closed")

// Conn is a bidirectional JSON-RPC 2.0 multiplexer over newline-delimited JSON.
//
// Conn serializes outbound messages (Call, Notify) via a mutex-protected
// encoder and dispatches inbound messages (responses, notifications, server
// requests) in ReadLoop. All handlers must be registered before ReadLoop
// starts.
//
// Correlation ids are UUIDs, unique among outstanding calls even across
// rapid-fire concurrent callers. The pending table is the only shared mutable
// state; on ReadLoop exit every pending channel is closed so blocked callers
// unblock with ErrClosed.
type Conn struct {
	mu      sync.Mutex
	enc     *json.Encoder
	stream  Stream
	pending map[string]chan *response

	onNotify     func(method string, params json.RawMessage)
	reqHandlers  map[string]RequestHandler
	onParseError func(line []byte, err error)

	scanner *bufio.Scanner

	done    chan struct{}
	readErr atomic.Value // stores error (nil = clean close)

	maxMessageSize int
}

// RequestHandler answers a server-to-client request. A non-nil *WireError is
// sent back as a structured JSON-RPC error; otherwise the returned value is
// marshaled as the result. Handlers run in dedicated goroutines so a slow
// handler never stalls dispatch for other sessions.
type RequestHandler func(params json.RawMessage) (any, *WireError)

// Config holds optional configuration for a Conn.
type Config struct {
	// MaxMessageSize bounds a single framed message in bytes.
	MaxMessageSize int

	// OnNotification receives every inbound message with no matching
	// correlation id and no registered request handler. The caller routes it
	// by method name.
	OnNotification func(method string, params json.RawMessage)

	// OnParseError receives malformed frames. A malformed frame is reported
	// and skipped; it does not close the connection.
	OnParseError func(line []byte, err error)
}

// NewConn creates a JSON-RPC 2.0 connection over stream. Call ReadLoop in a
// goroutine to start processing inbound messages.
func NewConn(stream Stream, cfg Config) *Conn {
	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	c := &Conn{
		stream:         stream,
		enc:            json.NewEncoder(stream),
		pending:        make(map[string]chan *response),
		reqHandlers:    make(map[string]RequestHandler),
		onNotify:       cfg.OnNotification,
		onParseError:   cfg.OnParseError,
		done:           make(chan struct{}),
		maxMessageSize: maxSize,
	}
	c.scanner = newScanner(stream, maxSize)
	return c
}

func newScanner(r io.Reader, maxSize int) *bufio.Scanner {
	s := bufio.NewScanner(r)
	initCap := min(4096, maxSize)
	s.Buffer(make([]byte, 0, initCap), maxSize)
	return s
}

// OnRequest registers a handler for server-to-client requests (has id,
// expects a response). Must be called before ReadLoop starts.
func (c *Conn) OnRequest(method string, h RequestHandler) {
	c.reqHandlers[method] = h
}

// Call sends a JSON-RPC request and blocks until the response arrives or ctx
// expires. On ctx expiry the pending entry is discarded and a late response
// for the same id is silently ignored.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := uuid.NewString()

	ch := make(chan *response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := &request{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("rpc: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		return c.finishCall(resp, ok, method, result)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		// The response may have arrived just before cancellation; drain ch
		// to avoid discarding a successful result.
		select {
		case resp, ok := <-ch:
			return c.finishCall(resp, ok, method, result)
		default:
			return fmt.Errorf("rpc: call %s: %w", method, ctx.Err())
		}
	}
}

// finishCall processes a response received from a pending Call channel.
func (c *Conn) finishCall(resp *response, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("rpc: %s: %w", method, ErrClosed)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("rpc: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// Notify sends a JSON-RPC notification (no id, no response expected).
func (c *Conn) Notify(method string, params any) error {
	return c.send(&request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// ReadLoop reads and dispatches inbound messages until the stream closes or
// an unrecoverable read error occurs. On exit, all pending Call channels are
// closed. Must be called exactly once.
func (c *Conn) ReadLoop() {
	defer close(c.done)
	defer c.drainPending()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue // skip blank lines and startup banners
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			if c.onParseError != nil {
				c.onParseError(append([]byte(nil), line...), err)
			}
			continue
		}

		c.dispatch(&msg)
	}

	if err := c.scanner.Err(); err != nil {
		c.readErr.Store(err)
	}
}

// Err returns the ReadLoop error after it exits. nil means ReadLoop hasn't
// finished or the stream closed cleanly.
func (c *Conn) Err() error {
	if v := c.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Done returns a channel closed when ReadLoop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the underlying stream, which unblocks ReadLoop.
func (c *Conn) Close() error {
	return c.stream.Close()
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// --- Internal ---

// send serializes and writes a JSON-RPC message. Thread-safe.
func (c *Conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}

// dispatch routes an inbound message.
func (c *Conn) dispatch(msg *message) {
	// Response: has id, no method.
	if len(msg.ID) > 0 && msg.Method == "" {
		c.handleResponse(msg)
		return
	}

	// Server request: has id and method.
	if len(msg.ID) > 0 && msg.Method != "" {
		c.handleRequest(msg)
		return
	}

	// Notification: method only. Anything without an id match is routed by
	// method name through the fallback.
	if msg.Method != "" && c.onNotify != nil {
		c.onNotify(msg.Method, msg.Params)
	}
}

// handleResponse delivers a response to the waiting Call goroutine.
// Responses with ids we never issued (or already discarded) are dropped.
func (c *Conn) handleResponse(msg *message) {
	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		return // not one of our string ids
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return // timed out, duplicate, or unsolicited
	}

	ch <- &response{Result: msg.Result, Error: msg.Error}
}

// handleRequest dispatches a server-to-client request to its handler in a
// dedicated goroutine and sends the response back. Unregistered methods get
// a method-not-found error.
func (c *Conn) handleRequest(msg *message) {
	h, ok := c.reqHandlers[msg.Method]
	if !ok {
		c.sendError(msg.ID, &WireError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method})
		return
	}

	id := msg.ID
	params := msg.Params
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.sendError(id, &WireError{Code: CodeInternalError, Message: fmt.Sprintf("request handler panic: %v", r)})
			}
		}()
		result, werr := h(params)
		if werr != nil {
			c.sendError(id, werr)
			return
		}
		c.sendResult(id, result)
	}()
}

// sendResult sends a success response. Send errors are ignored: the
// connection may already be closing and the server will time out.
func (c *Conn) sendResult(id json.RawMessage, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		c.sendError(id, &WireError{Code: CodeInternalError, Message: "marshal result: " + err.Error()})
		return
	}
	_ = c.send(&response{JSONRPC: "2.0", ID: id, Result: data})
}

// sendError sends an error response (same best-effort rationale as sendResult).
func (c *Conn) sendError(id json.RawMessage, werr *WireError) {
	_ = c.send(&response{JSONRPC: "2.0", ID: id, Error: werr})
}

// drainPending closes all pending Call channels so blocked callers unblock.
func (c *Conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// --- Wire types ---

// request is an outbound JSON-RPC 2.0 request or notification.
type request struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      *string `json:"id,omitempty"`
	Method  string  `json:"method"`
	Params  any     `json:"params,omitempty"`
}

// message is a generic inbound JSON-RPC 2.0 message. The id is kept raw:
// our outbound ids are strings, but a server may use numeric ids for its
// own requests, and responses must echo whatever arrived.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// response is an outbound JSON-RPC 2.0 response to a server request.
type response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is a structured JSON-RPC 2.0 error object.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
