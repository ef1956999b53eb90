package agentlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dmora/agentlink/rpc"
)

// Client is the host-facing entry point: it owns the server process (or the
// connection to an external one), the RPC connection, and the session
// registry. All methods are safe for concurrent use.
//
// A Client is built with [New], connected with [Start] (or implicitly via
// auto-start), and torn down with [Stop] or [ForceStop].
type Client struct {
	opts       clientOptions
	logger     *slog.Logger
	translator *translator
	sup        *supervisor

	mu       sync.Mutex
	state    ConnectionState
	conn     *rpc.Conn
	sessions map[string]*Session

	lcMu    sync.Mutex
	lcSubs  map[int]lifecycleSub
	lcNext  int

	modelsMu sync.Mutex
	models   []ModelInfo

	// restartUsed caps automatic restarts at one per run. A requested
	// Stop or ForceStop resets the budget for the next Start.
	restartUsed atomic.Bool
}

type lifecycleSub struct {
	filter  LifecycleEventType // "" matches every type
	handler LifecycleHandler
}

// closedChan is returned by connDone when there is no live connection.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// New builds a Client from the given options. Contradictory options (an
// external server URL combined with local-spawn options, a malformed
// endpoint, an out-of-range port) are reported here as a *ConfigError; no
// connection is attempted.
func New(opts ...Option) (*Client, error) {
	o, err := resolveOptions(opts...)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:       o,
		logger:     o.logger,
		translator: newTranslator(o.dialect),
		state:      StateDisconnected,
		sessions:   make(map[string]*Session),
		lcSubs:     make(map[int]lifecycleSub),
	}
	c.sup = newSupervisor(&c.opts, c.logger)
	return c, nil
}

// State returns the client's connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start spawns the server (or connects to the configured external one),
// establishes the RPC connection, and performs the dialect's handshake:
// a liveness probe with protocol version verification under the native
// dialect, the initialize exchange under ACP.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.startTimeout)
		defer cancel()
	}

	conn, err := c.connect(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	go c.watchConn(conn)
	c.logger.Debug("client connected", "dialect", c.opts.dialect)
	return nil
}

// connect opens the transport stream, wires the RPC connection, and runs
// the handshake. On failure a spawned server is killed.
func (c *Client) connect(ctx context.Context) (*rpc.Conn, error) {
	stream, err := c.openStream(ctx)
	if err != nil {
		return nil, err
	}

	conn := rpc.NewConn(stream, rpc.Config{
		OnNotification: c.routeNotification,
		OnParseError: func(line []byte, err error) {
			c.logger.Warn("malformed frame skipped", "error", err, "bytes", len(line))
		},
	})
	if c.opts.dialect == DialectNative {
		conn.OnRequest(methodToolCall, c.handleToolCall)
	}
	go conn.ReadLoop()

	if err := c.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		if !c.opts.external() {
			c.sup.kill()
		}
		return nil, err
	}
	return conn, nil
}

// openStream produces the byte stream for the configured transport: an
// external TCP endpoint, a spawned child's stdio pipes, or a TCP dial to
// the port a spawned child announced.
func (c *Client) openStream(ctx context.Context) (rpc.Stream, error) {
	if c.opts.external() {
		return c.dialServer(ctx, c.opts.host, c.opts.port)
	}

	if err := c.sup.start(ctx, c.onServerExit); err != nil {
		return nil, err
	}
	if c.opts.useStdio {
		stdin, stdout := c.sup.pipes()
		return rpc.NewPipeStream(stdin, stdout), nil
	}
	return c.dialServer(ctx, c.opts.host, c.sup.announcedPort())
}

func (c *Client) dialServer(ctx context.Context, host string, port int) (rpc.Stream, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("agentlink: connect to server at %s: %w", addr, err)
	}
	return rpc.NewSocketStream(conn), nil
}

// handshake verifies the server speaks the protocol the client expects.
func (c *Client) handshake(ctx context.Context, conn *rpc.Conn) error {
	if c.opts.dialect == DialectACP {
		var result acpInitializeResult
		err := conn.Call(ctx, acpMethodInitialize, acpInitializeParams{
			ProtocolVersion: acpProtocolVersion,
			ClientInfo:      &acpImplementation{Name: clientName, Version: clientVersion},
		}, &result)
		if err != nil {
			return fmt.Errorf("agentlink: initialize: %w", err)
		}
		c.logger.Debug("initialize handshake complete", "serverProtocolVersion", result.ProtocolVersion)
		return nil
	}

	var pong PingResponse
	if err := conn.Call(ctx, methodPing, pingRequest{Message: "connection probe"}, &pong); err != nil {
		return fmt.Errorf("agentlink: ping: %w", err)
	}
	return verifyProtocolVersion(&pong)
}

// verifyProtocolVersion checks the server's reported protocol version
// against the one this client speaks. A server that reports none predates
// versioning and is rejected the same way.
func verifyProtocolVersion(pong *PingResponse) error {
	if pong.ProtocolVersion == nil {
		return fmt.Errorf("%w: client expects protocol version %d but the server reports none; update the server", ErrProtocol, protocolVersion)
	}
	if *pong.ProtocolVersion != protocolVersion {
		return fmt.Errorf("%w: client expects protocol version %d, server reports %d", ErrProtocol, protocolVersion, *pong.ProtocolVersion)
	}
	return nil
}

// watchConn tears the client down when the connection's read loop exits.
// Every pending call has already been rejected by the connection itself.
func (c *Client) watchConn(conn *rpc.Conn) {
	<-conn.Done()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	stopping := c.state == StateStopping
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearModelCache()
	if !stopping {
		c.logger.Warn("connection lost", "error", conn.Err())
	}
}

// onServerExit handles an unexpected server process exit: it closes the
// connection so pending calls fail fast, then attempts at most one
// automatic restart cycle when enabled.
func (c *Client) onServerExit(exitErr error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.state != StateStopping {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		<-conn.Done()
	}
	c.clearModelCache()

	if !c.opts.autoRestart {
		return
	}
	if !c.restartUsed.CompareAndSwap(false, true) {
		return
	}

	c.logger.Warn("server exited, attempting restart", "error", exitErr)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.startTimeout)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		c.logger.Error("automatic restart failed", "error", err)
		return
	}
	c.logger.Info("server restarted")
}

// ensureConnected connects on demand when auto-start is enabled.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.State() == StateConnected {
		return nil
	}
	if !c.opts.autoStart {
		return ErrNotConnected
	}
	err := c.Start(ctx)
	if errors.Is(err, ErrAlreadyStarted) {
		return nil
	}
	return err
}

// Stop shuts the client down gracefully: a shutdown notice under ACP, then
// connection close and a graceful server stop. All teardown errors are
// aggregated; Stop keeps going past individual failures.
func (c *Client) Stop(ctx context.Context) error {
	c.restartUsed.Store(false)
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil && !c.sup.running() {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	conn := c.conn
	c.mu.Unlock()

	var errs []error
	if conn != nil {
		if c.opts.dialect == DialectACP {
			_ = conn.Notify(acpMethodShutdown, struct{}{})
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("agentlink: close connection: %w", err))
		}
		<-conn.Done()
	}
	if !c.opts.external() {
		if err := c.sup.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	c.clearModelCache()

	return errors.Join(errs...)
}

// ForceStop tears everything down immediately: no graceful shutdown, no
// grace period. Idempotent; safe to call from any state, any number of
// times.
func (c *Client) ForceStop() {
	c.restartUsed.Store(false)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateStopping
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		<-conn.Done()
	}
	if !c.opts.external() {
		c.sup.kill()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.clearModelCache()
}

// --- Sessions ---

// CreateSession creates a new session on the server and returns its handle.
// Starts the client first when auto-start is enabled.
func (c *Client) CreateSession(ctx context.Context, config SessionConfig) (*Session, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if c.opts.dialect == DialectACP {
		var result acpNewSessionResult
		err := c.call(ctx, methodSessionCreate, acpNewSessionParams{
			CWD:        config.WorkingDirectory,
			MCPServers: []any{},
		}, &result)
		if err != nil {
			return nil, err
		}
		return c.registerSession(result.SessionID, "", config.Tools), nil
	}

	req := createSessionRequest{
		Model:            config.Model,
		SessionID:        config.SessionID,
		SystemMessage:    config.SystemMessage,
		WorkingDirectory: config.WorkingDirectory,
		Tools:            toolDefs(config.Tools),
		InfiniteSessions: config.InfiniteSessions,
	}
	if config.Streaming {
		streaming := true
		req.Streaming = &streaming
	}

	var resp createSessionResponse
	if err := c.call(ctx, methodSessionCreate, req, &resp); err != nil {
		return nil, err
	}
	return c.registerSession(resp.SessionID, resp.WorkspacePath, config.Tools), nil
}

// ResumeSession reattaches to an existing session by id. The server replays
// nothing; history is available through [Session.GetMessages].
func (c *Client) ResumeSession(ctx context.Context, sessionID string, config ResumeSessionConfig) (*Session, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if c.opts.dialect == DialectACP {
		err := c.call(ctx, methodSessionResume, acpLoadSessionParams{
			SessionID:  sessionID,
			CWD:        config.WorkingDirectory,
			MCPServers: []any{},
		}, nil)
		if err != nil {
			return nil, err
		}
		return c.registerSession(sessionID, "", config.Tools), nil
	}

	req := resumeSessionRequest{
		SessionID:        sessionID,
		Model:            config.Model,
		SystemMessage:    config.SystemMessage,
		WorkingDirectory: config.WorkingDirectory,
		Tools:            toolDefs(config.Tools),
		InfiniteSessions: config.InfiniteSessions,
	}
	if config.Streaming {
		streaming := true
		req.Streaming = &streaming
	}

	var resp resumeSessionResponse
	if err := c.call(ctx, methodSessionResume, req, &resp); err != nil {
		return nil, err
	}
	id := resp.SessionID
	if id == "" {
		id = sessionID
	}
	return c.registerSession(id, resp.WorkspacePath, config.Tools), nil
}

func (c *Client) registerSession(id, workspacePath string, tools []Tool) *Session {
	sess := newSession(c, id, workspacePath, tools)
	c.mu.Lock()
	c.sessions[id] = sess
	c.mu.Unlock()
	return sess
}

func (c *Client) session(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Client) forgetSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// ListSessions returns the sessions the server knows about, including
// sessions created by other clients.
func (c *Client) ListSessions(ctx context.Context) ([]SessionMetadata, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var resp listSessionsResponse
	if err := c.call(ctx, methodSessionList, listSessionsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// DeleteSession deletes a session's server-side persisted state. Any local
// handle for the session is detached.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	var resp deleteSessionResponse
	if err := c.call(ctx, methodSessionDelete, deleteSessionRequest{SessionID: sessionID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		reason := "unknown reason"
		if resp.Error != nil {
			reason = *resp.Error
		}
		return fmt.Errorf("agentlink: delete session %s: %s", sessionID, reason)
	}
	c.forgetSession(sessionID)
	return nil
}

// GetForegroundSessionID reports which session the server treats as
// foreground, or "" when none is.
func (c *Client) GetForegroundSessionID(ctx context.Context) (string, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}
	var resp getForegroundResponse
	if err := c.call(ctx, methodSessionGetFg, getForegroundRequest{}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == nil {
		return "", nil
	}
	return *resp.SessionID, nil
}

// SetForegroundSessionID makes a session the server's foreground session.
func (c *Client) SetForegroundSessionID(ctx context.Context, sessionID string) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	var resp setForegroundResponse
	if err := c.call(ctx, methodSessionSetFg, setForegroundRequest{SessionID: sessionID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		reason := "unknown reason"
		if resp.Error != nil {
			reason = *resp.Error
		}
		return fmt.Errorf("agentlink: set foreground session %s: %s", sessionID, reason)
	}
	return nil
}

// --- Server info ---

// Ping probes server liveness. Under ACP the probe is subsumed by the
// initialize handshake and is not available as a standalone operation.
func (c *Client) Ping(ctx context.Context, message string) (*PingResponse, error) {
	if c.opts.dialect == DialectACP {
		return nil, &UnsupportedOperationError{Dialect: string(c.opts.dialect), Method: methodPing}
	}
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var resp PingResponse
	if err := c.call(ctx, methodPing, pingRequest{Message: message}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatus reports server version and protocol information.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var resp StatusResponse
	if err := c.call(ctx, methodStatusGet, getStatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAuthStatus reports the server's authentication state.
func (c *Client) GetAuthStatus(ctx context.Context) (*AuthStatusResponse, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var resp AuthStatusResponse
	if err := c.call(ctx, methodAuthGetStatus, getAuthStatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListModels returns the models available on the server. The response is
// cached for the life of the connection; callers get a copy and the cache
// is dropped on disconnect.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	c.modelsMu.Lock()
	if c.models != nil {
		models := make([]ModelInfo, len(c.models))
		copy(models, c.models)
		c.modelsMu.Unlock()
		return models, nil
	}
	c.modelsMu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var resp listModelsResponse
	if err := c.call(ctx, methodModelsList, listModelsRequest{}, &resp); err != nil {
		return nil, err
	}

	c.modelsMu.Lock()
	c.models = resp.Models
	models := make([]ModelInfo, len(c.models))
	copy(models, c.models)
	c.modelsMu.Unlock()
	return models, nil
}

func (c *Client) clearModelCache() {
	c.modelsMu.Lock()
	c.models = nil
	c.modelsMu.Unlock()
}

// --- Lifecycle subscriptions ---

// OnLifecycle registers a handler for every session lifecycle event the
// server broadcasts, regardless of which client created the session.
func (c *Client) OnLifecycle(handler LifecycleHandler) *Subscription {
	return c.subscribeLifecycle("", handler)
}

// OnLifecycleType registers a handler for one lifecycle event type only.
func (c *Client) OnLifecycleType(et LifecycleEventType, handler LifecycleHandler) *Subscription {
	return c.subscribeLifecycle(et, handler)
}

func (c *Client) subscribeLifecycle(filter LifecycleEventType, handler LifecycleHandler) *Subscription {
	c.lcMu.Lock()
	id := c.lcNext
	c.lcNext++
	c.lcSubs[id] = lifecycleSub{filter: filter, handler: handler}
	c.lcMu.Unlock()

	return &Subscription{cancel: func() {
		c.lcMu.Lock()
		delete(c.lcSubs, id)
		c.lcMu.Unlock()
	}}
}

func (c *Client) dispatchLifecycle(ev LifecycleEvent) {
	c.lcMu.Lock()
	handlers := make([]LifecycleHandler, 0, len(c.lcSubs))
	for _, sub := range c.lcSubs {
		if sub.filter == "" || sub.filter == ev.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	c.lcMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// --- Inbound routing ---

// routeNotification reshapes a wire notification and hands it to its
// session or to lifecycle subscribers. Unroutable notifications are logged
// and dropped, never fatal.
func (c *Client) routeNotification(method string, params json.RawMessage) {
	in, ok := c.translator.notification(method, params)
	if !ok {
		c.logger.Debug("unrouted notification", "method", method)
		return
	}

	if in.event != nil {
		sess := c.session(in.event.SessionID)
		if sess == nil {
			c.logger.Debug("event for unknown session", "sessionID", in.event.SessionID, "type", in.event.Type)
			return
		}
		sess.dispatch(*in.event)
	}
	if in.lifecycle != nil {
		c.dispatchLifecycle(*in.lifecycle)
	}
}

// handleToolCall answers a server-to-client tool invocation. Handler errors
// and panics become standardized failure envelopes; only malformed requests
// and unknown sessions produce wire-level errors.
func (c *Client) handleToolCall(params json.RawMessage) (any, *rpc.WireError) {
	var req toolCallRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpc.WireError{Code: rpc.CodeInvalidParams, Message: "malformed tool call: " + err.Error()}
	}
	if req.SessionID == "" || req.ToolCallID == "" || req.ToolName == "" {
		return nil, &rpc.WireError{Code: rpc.CodeInvalidParams, Message: "incomplete tool call payload"}
	}

	sess := c.session(req.SessionID)
	if sess == nil {
		return nil, &rpc.WireError{Code: rpc.CodeInvalidParams, Message: "unknown session " + req.SessionID}
	}

	handler, ok := sess.toolHandler(req.ToolName)
	if !ok {
		return toolCallResponse{Result: unsupportedToolResult(req.ToolName)}, nil
	}

	result := runTool(handler, ToolInvocation{
		SessionID:  req.SessionID,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		Arguments:  req.Arguments,
	})
	return toolCallResponse{Result: result}, nil
}

// runTool executes a tool handler and normalizes the outcome.
func runTool(handler ToolHandler, inv ToolInvocation) (result ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = failedToolResult(fmt.Sprintf("tool panic: %v", r))
		}
	}()

	value, err := handler(inv)
	if err != nil {
		return failedToolResult(err.Error())
	}
	return normalizeToolResult(value)
}

// --- RPC plumbing ---

// call issues a request in the protocol-agnostic vocabulary: the translator
// renames it for the active dialect (or rejects it client-side), the
// default request timeout applies when the caller brought no deadline, and
// a connection that closed mid-call surfaces as ErrConnectionLost.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	wire, err := c.translator.wireMethod(method)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.requestTimeout)
		defer cancel()
	}

	err = conn.Call(ctx, wire, params, result)
	if errors.Is(err, rpc.ErrClosed) {
		return fmt.Errorf("agentlink: %s: %w", method, ErrConnectionLost)
	}
	return err
}

// promptACP issues the ACP prompt call for one turn. It deliberately
// carries no default timeout: a turn runs until the agent finishes, the
// session is cancelled, or the connection closes.
func (c *Client) promptACP(sessionID string, blocks []acpContentBlock) (acpPromptResult, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var result acpPromptResult
	if conn == nil {
		return result, ErrNotConnected
	}
	err := conn.Call(context.Background(), acpMethodSessionPrompt, acpPromptParams{
		SessionID: sessionID,
		Prompt:    blocks,
	}, &result)
	if errors.Is(err, rpc.ErrClosed) {
		return result, fmt.Errorf("agentlink: %s: %w", methodSessionSend, ErrConnectionLost)
	}
	return result, err
}

// notify sends a fire-and-forget notification in the protocol-agnostic
// vocabulary.
func (c *Client) notify(method string, params any) error {
	wire, err := c.translator.wireMethod(method)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Notify(wire, params)
}

// dialect returns the wire dialect fixed at construction.
func (c *Client) dialect() Dialect {
	return c.opts.dialect
}

// connDone returns a channel closed when the current connection's read loop
// exits. With no live connection it is already closed.
func (c *Client) connDone() <-chan struct{} {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return closedChan
	}
	return conn.Done()
}
