package agentlink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscription is a handle to an active event subscription. Unsubscribe
// detaches the handler; it is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the subscription's handler. Events already being
// dispatched may still reach the handler; no new dispatch starts after
// Unsubscribe returns.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Session is a live conversation with the agent server.
//
// Events for the session arrive in transport order and are buffered for the
// session's lifetime; subscriptions observe them as they arrive. All methods
// are safe for concurrent use.
type Session struct {
	client        *Client
	id            string
	workspacePath string

	mu        sync.Mutex
	events    []SessionEvent
	subs      map[int]SessionEventHandler
	nextSub   int
	tools     map[string]ToolHandler
	destroyed bool

	// ACP turns stream deltas with no terminal idle notification; the
	// accumulated text becomes a synthesized assistant message when the
	// prompt call returns.
	acpDeltas []string
}

func newSession(client *Client, id, workspacePath string, tools []Tool) *Session {
	s := &Session{
		client:        client,
		id:            id,
		workspacePath: workspacePath,
		subs:          make(map[int]SessionEventHandler),
		tools:         make(map[string]ToolHandler),
	}
	for _, t := range tools {
		if t.Name != "" && t.Handler != nil {
			s.tools[t.Name] = t.Handler
		}
	}
	return s
}

// ID returns the session identifier. Stable across resume.
func (s *Session) ID() string { return s.id }

// WorkspacePath returns the server-side workspace directory for this
// session, or "" when the server did not report one (infinite sessions
// disabled, or the ACP dialect).
func (s *Session) WorkspacePath() string { return s.workspacePath }

// Subscribe registers a handler for every event on this session. Handlers
// run on the session's dispatch goroutine in arrival order.
func (s *Session) Subscribe(handler SessionEventHandler) *Subscription {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = handler
	s.mu.Unlock()

	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}}
}

// SubscribeType registers a handler for one event type only.
func (s *Session) SubscribeType(et EventType, handler SessionEventHandler) *Subscription {
	return s.Subscribe(func(ev SessionEvent) {
		if ev.Type == et {
			handler(ev)
		}
	})
}

// Send submits a prompt and returns the server-assigned message id once the
// server acknowledges receipt. It does not wait for the turn to finish.
func (s *Session) Send(ctx context.Context, opts MessageOptions) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	if s.client.dialect() == DialectACP {
		return s.sendACP(opts)
	}

	mode := opts.Mode
	if mode == "" {
		mode = SendEnqueue
	}
	var resp sessionSendResponse
	err := s.client.call(ctx, methodSessionSend, sessionSendRequest{
		SessionID: s.id,
		Prompt:    opts.Prompt,
		Mode:      mode,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// sendACP starts an ACP prompt turn. session/prompt blocks until the turn
// completes, so it runs in a goroutine and the turn's terminal events are
// synthesized when it returns. The message id is generated client-side; ACP
// has no send acknowledgment.
func (s *Session) sendACP(opts MessageOptions) (string, error) {
	messageID := uuid.NewString()

	s.mu.Lock()
	s.acpDeltas = nil
	s.mu.Unlock()

	s.dispatch(SessionEvent{
		Type:      EventUserMessage,
		SessionID: s.id,
		MessageID: messageID,
		Content:   opts.Prompt,
		Timestamp: time.Now(),
	})

	go func() {
		_, err := s.client.promptACP(s.id, []acpContentBlock{{Type: "text", Text: opts.Prompt}})
		if err != nil {
			s.dispatch(SessionEvent{
				Type:      EventSessionError,
				SessionID: s.id,
				MessageID: messageID,
				Message:   err.Error(),
				Timestamp: time.Now(),
			})
			return
		}

		s.mu.Lock()
		text := strings.Join(s.acpDeltas, "")
		s.acpDeltas = nil
		s.mu.Unlock()

		s.dispatch(SessionEvent{
			Type:      EventAssistantMessage,
			SessionID: s.id,
			MessageID: messageID,
			Content:   text,
			Timestamp: time.Now(),
		})
		s.dispatch(SessionEvent{
			Type:      EventSessionIdle,
			SessionID: s.id,
			MessageID: messageID,
			Timestamp: time.Now(),
		})
	}()

	return messageID, nil
}

// SendAndWait submits a prompt and blocks until the turn completes,
// returning the assistant message that concluded it.
//
// Two completion paths race: a live subscription registered before the send,
// and a scan of events already buffered by the time each terminal event
// lands. Whichever observes a finished turn first wins, so a turn that
// completes before the caller gets around to looking is never missed.
func (s *Session) SendAndWait(ctx context.Context, opts MessageOptions) (*SessionEvent, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	mark := len(s.events)
	s.mu.Unlock()

	// Terminal events poke the waiter; the buffer scan below is the source
	// of truth.
	signal := make(chan struct{}, 1)
	sub := s.Subscribe(func(ev SessionEvent) {
		switch ev.Type {
		case EventSessionIdle, EventSessionError:
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if _, err := s.Send(ctx, opts); err != nil {
		return nil, err
	}

	for {
		if result, done, err := s.checkTurn(mark); done {
			return result, err
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return nil, fmt.Errorf("agentlink: waiting for turn: %w", ctx.Err())
		case <-s.client.connDone():
			return nil, ErrConnectionLost
		}
	}
}

// checkTurn scans events buffered since mark and reports whether the turn
// has reached a terminal state.
func (s *Session) checkTurn(mark int) (*SessionEvent, bool, error) {
	s.mu.Lock()
	turn := make([]SessionEvent, len(s.events[mark:]))
	copy(turn, s.events[mark:])
	s.mu.Unlock()

	result := scanTurn(turn)
	switch result.state {
	case turnCompleted:
		ev := *result.message
		return &ev, true, nil
	case turnFailed:
		return nil, true, &SessionError{SessionID: s.id, Message: result.errEvent.Message}
	case turnBroken:
		return nil, true, fmt.Errorf("%w: session %s reported idle with no assistant message", ErrProtocol, s.id)
	default:
		return nil, false, nil
	}
}

// Abort requests cancellation of the in-flight turn. The turn still ends
// with an idle or error event; Abort does not synthesize one.
func (s *Session) Abort(ctx context.Context) error {
	if err := s.alive(); err != nil {
		return err
	}
	if s.client.dialect() == DialectACP {
		return s.client.notify(methodSessionAbort, acpCancelParams{SessionID: s.id})
	}
	return s.client.call(ctx, methodSessionAbort, sessionAbortRequest{SessionID: s.id}, nil)
}

// GetMessages returns the session's ordered event history: everything
// buffered locally, topped up from the server when the server knows more
// (events from before this client attached, e.g. after a resume).
func (s *Session) GetMessages(ctx context.Context) ([]SessionEvent, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	buffered := make([]SessionEvent, len(s.events))
	copy(buffered, s.events)
	s.mu.Unlock()

	if !s.client.translator.supports(methodSessionGetMessages) {
		return buffered, nil
	}

	var resp sessionGetMessagesResponse
	err := s.client.call(ctx, methodSessionGetMessages, sessionGetMessagesRequest{SessionID: s.id}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Events) <= len(buffered) {
		return buffered, nil
	}
	for i := range resp.Events {
		if resp.Events[i].SessionID == "" {
			resp.Events[i].SessionID = s.id
		}
	}
	return resp.Events, nil
}

// Destroy detaches the session from the client and releases its server-side
// in-memory state. Persisted session data is untouched; deleting it is
// [Client.DeleteSession]. Destroy is idempotent.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.subs = make(map[int]SessionEventHandler)
	s.mu.Unlock()

	s.client.forgetSession(s.id)

	if !s.client.translator.supports(methodSessionDestroy) {
		return nil
	}
	return s.client.call(ctx, methodSessionDestroy, sessionDestroyRequest{SessionID: s.id}, nil)
}

// alive reports an error if the session has been destroyed.
func (s *Session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("agentlink: session %s is destroyed", s.id)
	}
	return nil
}

// dispatch buffers an event and fans it out to subscribers, in arrival
// order. Runs on the client's notification dispatch path.
func (s *Session) dispatch(ev SessionEvent) {
	if ev.SessionID == "" {
		ev.SessionID = s.id
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.client.dialect() == DialectACP && ev.Type == EventAssistantMessageDelta {
		s.acpDeltas = append(s.acpDeltas, ev.Content)
	}
	s.events = append(s.events, ev)
	handlers := make([]SessionEventHandler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// toolHandler looks up the handler registered for a tool name.
func (s *Session) toolHandler(name string) (ToolHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tools[name]
	return h, ok
}
