package agentlink

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// fakeMessage is the server-side view of a JSON-RPC message.
type fakeMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *fakeError      `json:"error,omitempty"`
}

type fakeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type fakeHandler func(params json.RawMessage) (any, *fakeError)

// fakeServer is an in-process TCP JSON-RPC server speaking newline-delimited
// JSON. Handlers registered before the client connects answer its requests;
// notify and request push server-initiated traffic.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	handlers map[string]fakeHandler
	conn     net.Conn
	enc      *json.Encoder

	connected chan struct{}
	requests  chan fakeMessage // every request/notification from the client
	responses chan fakeMessage // responses to server-initiated requests
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	fs := &fakeServer{
		t:         t,
		ln:        ln,
		handlers:  make(map[string]fakeHandler),
		connected: make(chan struct{}),
		requests:  make(chan fakeMessage, 32),
		responses: make(chan fakeMessage, 8),
	}
	go fs.acceptLoop()
	t.Cleanup(func() { _ = ln.Close(); fs.closeConn() })
	return fs
}

// url returns the address for WithServerURL.
func (fs *fakeServer) url() string {
	return fs.ln.Addr().String()
}

// handle registers a handler. Must be called before the client connects.
func (fs *fakeServer) handle(method string, h fakeHandler) {
	fs.mu.Lock()
	fs.handlers[method] = h
	fs.mu.Unlock()
}

// handleNativeHandshake installs a ping handler reporting the expected
// protocol version.
func (fs *fakeServer) handleNativeHandshake() {
	version := protocolVersion
	fs.handle("ping", func(_ json.RawMessage) (any, *fakeError) {
		return PingResponse{Message: "pong", ProtocolVersion: &version}, nil
	})
}

func (fs *fakeServer) acceptLoop() {
	conn, err := fs.ln.Accept()
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conn = conn
	fs.enc = json.NewEncoder(conn)
	fs.mu.Unlock()
	close(fs.connected)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg fakeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Method == "" {
			fs.responses <- msg
			continue
		}
		fs.requests <- msg
		fs.dispatch(msg)
	}
}

func (fs *fakeServer) dispatch(msg fakeMessage) {
	fs.mu.Lock()
	h := fs.handlers[msg.Method]
	fs.mu.Unlock()

	if len(msg.ID) == 0 {
		return // notification, nothing to answer
	}
	if h == nil {
		fs.send(fakeMessage{JSONRPC: "2.0", ID: msg.ID, Error: &fakeError{Code: -32601, Message: "method not found: " + msg.Method}})
		return
	}
	result, ferr := h(msg.Params)
	if ferr != nil {
		fs.send(fakeMessage{JSONRPC: "2.0", ID: msg.ID, Error: ferr})
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		fs.t.Errorf("marshal result for %s: %v", msg.Method, err)
		return
	}
	fs.send(fakeMessage{JSONRPC: "2.0", ID: msg.ID, Result: data})
}

func (fs *fakeServer) send(msg fakeMessage) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.enc == nil {
		return
	}
	_ = fs.enc.Encode(msg)
}

// notify pushes a notification to the client.
func (fs *fakeServer) notify(method string, params any) {
	fs.t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		fs.t.Fatalf("marshal params: %v", err)
	}
	fs.send(fakeMessage{JSONRPC: "2.0", Method: method, Params: data})
}

// request pushes a server-initiated request and returns the client's
// response.
func (fs *fakeServer) request(id int, method string, params any) fakeMessage {
	fs.t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		fs.t.Fatalf("marshal params: %v", err)
	}
	idData, _ := json.Marshal(id)
	fs.send(fakeMessage{JSONRPC: "2.0", ID: idData, Method: method, Params: data})

	select {
	case resp := <-fs.responses:
		return resp
	case <-time.After(testTimeout):
		fs.t.Fatalf("timeout waiting for response to %s", method)
		return fakeMessage{}
	}
}

// nextRequest returns the next request or notification from the client.
func (fs *fakeServer) nextRequest() fakeMessage {
	fs.t.Helper()
	select {
	case msg := <-fs.requests:
		return msg
	case <-time.After(testTimeout):
		fs.t.Fatal("timeout waiting for client request")
		return fakeMessage{}
	}
}

// closeConn drops the client connection, simulating a connection loss.
func (fs *fakeServer) closeConn() {
	fs.mu.Lock()
	conn := fs.conn
	fs.conn = nil
	fs.enc = nil
	fs.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// newTestClient builds a connected client against the fake server.
func newTestClient(t *testing.T, fs *fakeServer, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{WithServerURL(fs.url())}, opts...)
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.ForceStop)
	return c
}

// sessionEventParams builds a native session.event notification payload.
func sessionEventParams(sessionID, eventType string, data map[string]any) map[string]any {
	event := map[string]any{"type": eventType}
	if data != nil {
		event["data"] = data
	}
	return map[string]any{"sessionId": sessionID, "event": event}
}
