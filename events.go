package agentlink

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event a session produced.
type EventType string

const (
	// EventUserMessage is a prompt submitted by the host. It opens a turn.
	EventUserMessage EventType = "user.message"

	// EventAssistantMessage is a complete assistant response.
	EventAssistantMessage EventType = "assistant.message"

	// EventAssistantMessageDelta is a streaming fragment of an assistant
	// response. Only emitted when streaming is enabled on the session.
	EventAssistantMessageDelta EventType = "assistant.message_delta"

	// EventAssistantReasoning is a complete assistant reasoning block.
	EventAssistantReasoning EventType = "assistant.reasoning"

	// EventAssistantReasoningDelta is a streaming reasoning fragment.
	EventAssistantReasoningDelta EventType = "assistant.reasoning_delta"

	// EventToolExecutionStart indicates the server began executing a tool.
	EventToolExecutionStart EventType = "tool.execution_start"

	// EventToolExecutionComplete indicates a tool execution finished.
	EventToolExecutionComplete EventType = "tool.execution_complete"

	// EventSessionIdle signals that no further events are expected for the
	// current turn. It closes a turn.
	EventSessionIdle EventType = "session.idle"

	// EventSessionError is a server-reported failure inside a turn.
	// It closes a turn.
	EventSessionError EventType = "session.error"

	// EventCompactionStart indicates the server began compacting the
	// session's context (infinite-session mode).
	EventCompactionStart EventType = "session.compaction_start"

	// EventCompactionComplete indicates context compaction finished.
	EventCompactionComplete EventType = "session.compaction_complete"

	// EventUnknown carries a wire notification the active dialect could not
	// map to any other variant. The original payload is preserved in Raw.
	// Untranslatable shapes are never dropped.
	EventUnknown EventType = "unknown"
)

// SessionEvent is a single event observed on a session.
//
// Events for one session are delivered in transport arrival order. Each event
// belongs to exactly one turn, delimited by an EventUserMessage and the
// following EventSessionIdle or EventSessionError.
type SessionEvent struct {
	// Type identifies the event variant.
	Type EventType `json:"type"`

	// SessionID is the session this event belongs to.
	SessionID string `json:"sessionId,omitempty"`

	// MessageID correlates the event with the message that triggered it.
	MessageID string `json:"messageId,omitempty"`

	// Content is the text payload (messages, reasoning, deltas).
	Content string `json:"content,omitempty"`

	// Message is the human-readable description on error events.
	Message string `json:"message,omitempty"`

	// ToolCallID identifies the tool execution (tool events only).
	ToolCallID string `json:"toolCallId,omitempty"`

	// ToolName is the tool being executed (tool events only).
	ToolName string `json:"toolName,omitempty"`

	// Raw is the original wire payload, preserved for pass-through
	// and for EventUnknown.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Timestamp is when the client observed the event.
	Timestamp time.Time `json:"timestamp"`
}

// SessionEventHandler receives session events. Handlers run on the dispatch
// goroutine; a slow handler delays later events for the same session but
// never stalls other sessions or RPC responses.
type SessionEventHandler func(event SessionEvent)

// LifecycleEventType identifies a client-level session lifecycle transition.
type LifecycleEventType string

const (
	LifecycleCreated    LifecycleEventType = "session.created"
	LifecycleDeleted    LifecycleEventType = "session.deleted"
	LifecycleUpdated    LifecycleEventType = "session.updated"
	LifecycleForeground LifecycleEventType = "session.foreground"
	LifecycleBackground LifecycleEventType = "session.background"
)

// LifecycleEvent announces a session lifecycle transition observed on the
// server, independent of which client created the session.
type LifecycleEvent struct {
	Type      LifecycleEventType `json:"type"`
	SessionID string             `json:"sessionId"`
	Raw       json.RawMessage    `json:"raw,omitempty"`
}

// LifecycleHandler receives client-level lifecycle events.
type LifecycleHandler func(event LifecycleEvent)
