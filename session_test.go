package agentlink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// startSessionServer stands up a native fake server with a created session.
func startSessionServer(t *testing.T) (*fakeServer, *Session) {
	t.Helper()

	fs := newFakeServer(t)
	fs.handleNativeHandshake()
	fs.handle("session.create", func(_ json.RawMessage) (any, *fakeError) {
		return createSessionResponse{SessionID: "sess-1"}, nil
	})

	c := newTestClient(t, fs)
	sess, err := c.CreateSession(t.Context(), SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return fs, sess
}

func TestSession_Subscribe(t *testing.T) {
	fs, sess := startSessionServer(t)

	all := make(chan SessionEvent, 8)
	idleOnly := make(chan SessionEvent, 8)
	sub := sess.Subscribe(func(ev SessionEvent) { all <- ev })
	sess.SubscribeType(EventSessionIdle, func(ev SessionEvent) { idleOnly <- ev })

	fs.notify("session.event", sessionEventParams("sess-1", "assistant.message", map[string]any{"content": "hi"}))
	fs.notify("session.event", sessionEventParams("sess-1", "session.idle", nil))

	var got []SessionEvent
	for range 2 {
		select {
		case ev := <-all:
			got = append(got, ev)
		case <-time.After(testTimeout):
			t.Fatal("subscriber missed an event")
		}
	}
	if got[0].Type != EventAssistantMessage || got[0].Content != "hi" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Type != EventSessionIdle {
		t.Errorf("second event = %+v", got[1])
	}

	select {
	case ev := <-idleOnly:
		if ev.Type != EventSessionIdle {
			t.Errorf("typed subscriber got %q", ev.Type)
		}
	case <-time.After(testTimeout):
		t.Fatal("typed subscriber missed its event")
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	fs.notify("session.event", sessionEventParams("sess-1", "session.idle", nil))
	select {
	case ev := <-all:
		t.Fatalf("unsubscribed handler got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_Send(t *testing.T) {
	fs, sess := startSessionServer(t)

	var sent sessionSendRequest
	fs.handle("session.send", func(params json.RawMessage) (any, *fakeError) {
		if err := json.Unmarshal(params, &sent); err != nil {
			return nil, &fakeError{Code: -32602, Message: err.Error()}
		}
		return sessionSendResponse{MessageID: "msg-1"}, nil
	})

	id, err := sess.Send(t.Context(), MessageOptions{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("messageID = %q, want msg-1", id)
	}
	if sent.SessionID != "sess-1" || sent.Prompt != "hello" {
		t.Errorf("request = %+v", sent)
	}
	if sent.Mode != SendEnqueue {
		t.Errorf("mode = %q, want default %q", sent.Mode, SendEnqueue)
	}

	if _, err := sess.Send(t.Context(), MessageOptions{Prompt: "now", Mode: SendImmediate}); err != nil {
		t.Fatalf("Send immediate: %v", err)
	}
	if sent.Mode != SendImmediate {
		t.Errorf("mode = %q, want %q", sent.Mode, SendImmediate)
	}
}

func TestSession_SendAndWait(t *testing.T) {
	fs, sess := startSessionServer(t)

	fs.handle("session.send", func(_ json.RawMessage) (any, *fakeError) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			fs.notify("session.event", sessionEventParams("sess-1", "user.message", map[string]any{"content": "hello"}))
			fs.notify("session.event", sessionEventParams("sess-1", "assistant.message", map[string]any{"content": "All done"}))
			fs.notify("session.event", sessionEventParams("sess-1", "session.idle", nil))
		}()
		return sessionSendResponse{MessageID: "msg-1"}, nil
	})

	reply, err := sess.SendAndWait(t.Context(), MessageOptions{Prompt: "hello"})
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if reply.Type != EventAssistantMessage || reply.Content != "All done" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestSession_SendAndWait_TurnAlreadyBuffered(t *testing.T) {
	fs, sess := startSessionServer(t)

	// The turn completes on the wire before the send ack arrives, so the
	// result is already in the buffer by the time the waiter first looks.
	fs.handle("session.send", func(_ json.RawMessage) (any, *fakeError) {
		fs.notify("session.event", sessionEventParams("sess-1", "user.message", map[string]any{"content": "hello"}))
		fs.notify("session.event", sessionEventParams("sess-1", "assistant.message", map[string]any{"content": "quick answer"}))
		fs.notify("session.event", sessionEventParams("sess-1", "session.idle", nil))
		return sessionSendResponse{MessageID: "msg-1"}, nil
	})

	reply, err := sess.SendAndWait(t.Context(), MessageOptions{Prompt: "hello"})
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if reply.Content != "quick answer" {
		t.Errorf("reply content = %q", reply.Content)
	}
}

func TestSession_SendAndWait_SessionError(t *testing.T) {
	fs, sess := startSessionServer(t)

	fs.handle("session.send", func(_ json.RawMessage) (any, *fakeError) {
		fs.notify("session.event", sessionEventParams("sess-1", "user.message", map[string]any{"content": "hello"}))
		fs.notify("session.event", sessionEventParams("sess-1", "session.error", map[string]any{"message": "model overloaded"}))
		return sessionSendResponse{MessageID: "msg-1"}, nil
	})

	_, err := sess.SendAndWait(t.Context(), MessageOptions{Prompt: "hello"})
	var sessErr *SessionError
	if !errors.As(err, &sessErr) {
		t.Fatalf("SendAndWait = %v, want *SessionError", err)
	}
	if sessErr.Message != "model overloaded" {
		t.Errorf("message = %q", sessErr.Message)
	}
	if sessErr.SessionID != "sess-1" {
		t.Errorf("sessionID = %q", sessErr.SessionID)
	}
}

func TestSession_SendAndWait_IdleWithoutAssistant(t *testing.T) {
	fs, sess := startSessionServer(t)

	fs.handle("session.send", func(_ json.RawMessage) (any, *fakeError) {
		fs.notify("session.event", sessionEventParams("sess-1", "user.message", map[string]any{"content": "hello"}))
		fs.notify("session.event", sessionEventParams("sess-1", "session.idle", nil))
		return sessionSendResponse{MessageID: "msg-1"}, nil
	})

	_, err := sess.SendAndWait(t.Context(), MessageOptions{Prompt: "hello"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("SendAndWait = %v, want ErrProtocol", err)
	}
}

func TestSession_SendAndWait_ContextCanceled(t *testing.T) {
	fs, sess := startSessionServer(t)

	fs.handle("session.send", func(_ json.RawMessage) (any, *fakeError) {
		return sessionSendResponse{MessageID: "msg-1"}, nil
	})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err := sess.SendAndWait(ctx, MessageOptions{Prompt: "hello"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendAndWait = %v, want deadline exceeded", err)
	}
}

func TestSession_SendAndWait_IgnoresPreviousTurn(t *testing.T) {
	fs, sess := startSessionServer(t)

	// Land a complete earlier turn in the buffer.
	seen := make(chan SessionEvent, 4)
	sub := sess.Subscribe(func(ev SessionEvent) { seen <- ev })
	fs.notify("session.event", sessionEventParams("sess-1", "user.message", map[string]any{"content": "old"}))
	fs.notify("session.event", sessionEventParams("sess-1", "assistant.message", map[string]any{"content": "old answer"}))
	fs.notify("session.event", sessionEventParams("sess-1", "session.idle", nil))
	for range 3 {
		select {
		case <-seen:
		case <-time.After(testTimeout):
			t.Fatal("buffered turn never arrived")
		}
	}
	sub.Unsubscribe()

	// The new turn never finishes; the old completion must not be taken
	// for it.
	fs.handle("session.send", func(_ json.RawMessage) (any, *fakeError) {
		return sessionSendResponse{MessageID: "msg-2"}, nil
	})
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err := sess.SendAndWait(ctx, MessageOptions{Prompt: "new"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendAndWait = %v, want deadline exceeded", err)
	}
}

func TestSession_Abort(t *testing.T) {
	fs, sess := startSessionServer(t)

	var aborted sessionAbortRequest
	fs.handle("session.abort", func(params json.RawMessage) (any, *fakeError) {
		_ = json.Unmarshal(params, &aborted)
		return map[string]any{}, nil
	})

	if err := sess.Abort(t.Context()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if aborted.SessionID != "sess-1" {
		t.Errorf("sessionID = %q, want sess-1", aborted.SessionID)
	}
}

func TestSession_GetMessages_PrefersLongerServerHistory(t *testing.T) {
	fs, sess := startSessionServer(t)

	// One event in the local buffer.
	seen := make(chan SessionEvent, 1)
	sub := sess.Subscribe(func(ev SessionEvent) { seen <- ev })
	fs.notify("session.event", sessionEventParams("sess-1", "user.message", map[string]any{"content": "hello"}))
	select {
	case <-seen:
	case <-time.After(testTimeout):
		t.Fatal("event never arrived")
	}
	sub.Unsubscribe()

	// The server knows more history, with session ids omitted on the wire.
	fs.handle("session.getMessages", func(_ json.RawMessage) (any, *fakeError) {
		return sessionGetMessagesResponse{Events: []SessionEvent{
			{Type: EventUserMessage, Content: "earlier"},
			{Type: EventAssistantMessage, Content: "earlier answer"},
			{Type: EventUserMessage, Content: "hello"},
		}}, nil
	})

	events, err := sess.GetMessages(t.Context())
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.SessionID != "sess-1" {
			t.Errorf("event %d sessionID = %q, want backfilled sess-1", i, ev.SessionID)
		}
	}
}

func TestSession_GetMessages_KeepsLongerLocalBuffer(t *testing.T) {
	fs, sess := startSessionServer(t)

	seen := make(chan SessionEvent, 2)
	sub := sess.Subscribe(func(ev SessionEvent) { seen <- ev })
	fs.notify("session.event", sessionEventParams("sess-1", "user.message", map[string]any{"content": "hello"}))
	fs.notify("session.event", sessionEventParams("sess-1", "assistant.message", map[string]any{"content": "hi"}))
	for range 2 {
		select {
		case <-seen:
		case <-time.After(testTimeout):
			t.Fatal("event never arrived")
		}
	}
	sub.Unsubscribe()

	fs.handle("session.getMessages", func(_ json.RawMessage) (any, *fakeError) {
		return sessionGetMessagesResponse{Events: []SessionEvent{
			{Type: EventUserMessage, Content: "hello", SessionID: "sess-1"},
		}}, nil
	})

	events, err := sess.GetMessages(t.Context())
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want local buffer of 2", len(events))
	}
	if events[1].Content != "hi" {
		t.Errorf("events[1].Content = %q", events[1].Content)
	}
}

func TestSession_Destroy(t *testing.T) {
	fs, sess := startSessionServer(t)

	var destroyed sessionDestroyRequest
	fs.handle("session.destroy", func(params json.RawMessage) (any, *fakeError) {
		_ = json.Unmarshal(params, &destroyed)
		return map[string]any{}, nil
	})

	if err := sess.Destroy(t.Context()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if destroyed.SessionID != "sess-1" {
		t.Errorf("sessionID = %q", destroyed.SessionID)
	}

	if err := sess.Destroy(t.Context()); err != nil {
		t.Errorf("second Destroy = %v, want nil", err)
	}
	if _, err := sess.Send(t.Context(), MessageOptions{Prompt: "x"}); err == nil {
		t.Error("Send after Destroy should fail")
	}
}

func TestSession_ACP_PromptTurn(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("initialize", func(_ json.RawMessage) (any, *fakeError) {
		return acpInitializeResult{ProtocolVersion: acpProtocolVersion}, nil
	})
	fs.handle("session/new", func(_ json.RawMessage) (any, *fakeError) {
		return acpNewSessionResult{SessionID: "acp-1"}, nil
	})
	fs.handle("session/prompt", func(params json.RawMessage) (any, *fakeError) {
		var req acpPromptParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &fakeError{Code: -32602, Message: err.Error()}
		}
		if len(req.Prompt) != 1 || req.Prompt[0].Text != "hello" {
			return nil, &fakeError{Code: -32602, Message: "prompt not forwarded"}
		}
		chunk := func(text string) map[string]any {
			return map[string]any{
				"sessionId": "acp-1",
				"update": map[string]any{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]any{"type": "text", "text": text},
				},
			}
		}
		fs.notify("session/update", chunk("Hello "))
		fs.notify("session/update", chunk("world"))
		return acpPromptResult{StopReason: "end_turn"}, nil
	})

	c := newTestClient(t, fs, WithDialect(DialectACP))
	sess, err := c.CreateSession(t.Context(), SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	types := make(chan EventType, 8)
	sess.Subscribe(func(ev SessionEvent) { types <- ev.Type })

	reply, err := sess.SendAndWait(t.Context(), MessageOptions{Prompt: "hello"})
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if reply.Type != EventAssistantMessage {
		t.Errorf("reply type = %q", reply.Type)
	}
	if reply.Content != "Hello world" {
		t.Errorf("reply content = %q, want accumulated chunks", reply.Content)
	}

	// The synthesized user message opens the turn before any chunk.
	select {
	case et := <-types:
		if et != EventUserMessage {
			t.Errorf("first event = %q, want %q", et, EventUserMessage)
		}
	case <-time.After(testTimeout):
		t.Fatal("no events dispatched")
	}
}

func TestSession_ACP_PromptFailure(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("initialize", func(_ json.RawMessage) (any, *fakeError) {
		return acpInitializeResult{ProtocolVersion: acpProtocolVersion}, nil
	})
	fs.handle("session/new", func(_ json.RawMessage) (any, *fakeError) {
		return acpNewSessionResult{SessionID: "acp-1"}, nil
	})
	fs.handle("session/prompt", func(_ json.RawMessage) (any, *fakeError) {
		return nil, &fakeError{Code: -32603, Message: "agent crashed"}
	})

	c := newTestClient(t, fs, WithDialect(DialectACP))
	sess, err := c.CreateSession(t.Context(), SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err = sess.SendAndWait(t.Context(), MessageOptions{Prompt: "hello"})
	var sessErr *SessionError
	if !errors.As(err, &sessErr) {
		t.Fatalf("SendAndWait = %v, want *SessionError", err)
	}
}

func TestSession_ACP_Abort(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("initialize", func(_ json.RawMessage) (any, *fakeError) {
		return acpInitializeResult{ProtocolVersion: acpProtocolVersion}, nil
	})
	fs.handle("session/new", func(_ json.RawMessage) (any, *fakeError) {
		return acpNewSessionResult{SessionID: "acp-1"}, nil
	})

	c := newTestClient(t, fs, WithDialect(DialectACP))
	sess, err := c.CreateSession(t.Context(), SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := sess.Abort(t.Context()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	// session/cancel travels as a notification; the server sees it as a
	// request with no id.
	for {
		msg := fs.nextRequest()
		if msg.Method != "session/cancel" {
			continue
		}
		if len(msg.ID) != 0 {
			t.Errorf("session/cancel carried id %s, want notification", msg.ID)
		}
		var p acpCancelParams
		_ = json.Unmarshal(msg.Params, &p)
		if p.SessionID != "acp-1" {
			t.Errorf("sessionID = %q", p.SessionID)
		}
		return
	}
}
