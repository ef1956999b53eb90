// native.go reshapes the server's native notifications into the
// protocol-agnostic event vocabulary.
//
// Native session events arrive as a two-level envelope:
//
//	outer: {"sessionId":"...", "event": <inner>}
//	inner: {"type":"assistant.message", "data":{"content":"..."}}
//
// parseNativeEvent unpacks the outer envelope and maps the inner "type"
// discriminator to a SessionEvent variant. The mapping is total: unknown
// discriminators become EventUnknown with the payload preserved in Raw.
package agentlink

import (
	"encoding/json"
	"time"
)

// nativeEventEnvelope is the outer shape of a session.event notification.
type nativeEventEnvelope struct {
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// nativeEvent is the inner event object.
type nativeEvent struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data nativeEventData `json:"data"`
}

// nativeEventData carries the variant-specific payload fields.
type nativeEventData struct {
	Content    string `json:"content,omitempty"`
	DeltaText  string `json:"deltaContent,omitempty"`
	Message    string `json:"message,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
}

// rawPayload preserves a notification payload for the Raw field. Raw is a
// json.RawMessage, so input that is not itself valid JSON is stored as a
// quoted JSON string.
func rawPayload(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return append(json.RawMessage(nil), b...)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// nativeEventTypes maps wire discriminators to the closed event set.
var nativeEventTypes = map[string]EventType{
	"user.message":                EventUserMessage,
	"assistant.message":           EventAssistantMessage,
	"assistant.message_delta":     EventAssistantMessageDelta,
	"assistant.reasoning":         EventAssistantReasoning,
	"assistant.reasoning_delta":   EventAssistantReasoningDelta,
	"tool.execution_start":        EventToolExecutionStart,
	"tool.execution_complete":     EventToolExecutionComplete,
	"session.idle":                EventSessionIdle,
	"session.error":               EventSessionError,
	"session.compaction_start":    EventCompactionStart,
	"session.compaction_complete": EventCompactionComplete,
}

// parseNativeEvent maps a session.event notification payload to a
// SessionEvent. Never returns nothing: untranslatable payloads become
// EventUnknown carrying the raw bytes.
func parseNativeEvent(params json.RawMessage) SessionEvent {
	var env nativeEventEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		return SessionEvent{
			Type:      EventUnknown,
			Raw:       rawPayload(params),
			Timestamp: time.Now(),
		}
	}

	var inner nativeEvent
	if err := json.Unmarshal(env.Event, &inner); err != nil || inner.Type == "" {
		return SessionEvent{
			Type:      EventUnknown,
			SessionID: env.SessionID,
			Raw:       rawPayload(env.Event),
			Timestamp: time.Now(),
		}
	}

	et, ok := nativeEventTypes[inner.Type]
	if !ok {
		return SessionEvent{
			Type:      EventUnknown,
			SessionID: env.SessionID,
			Raw:       rawPayload(env.Event),
			Timestamp: time.Now(),
		}
	}

	content := inner.Data.Content
	if et == EventAssistantMessageDelta || et == EventAssistantReasoningDelta {
		if inner.Data.DeltaText != "" {
			content = inner.Data.DeltaText
		}
	}

	messageID := inner.Data.MessageID
	if messageID == "" {
		messageID = inner.ID
	}

	return SessionEvent{
		Type:       et,
		SessionID:  env.SessionID,
		MessageID:  messageID,
		Content:    content,
		Message:    inner.Data.Message,
		ToolCallID: inner.Data.ToolCallID,
		ToolName:   inner.Data.ToolName,
		Raw:        rawPayload(env.Event),
		Timestamp:  time.Now(),
	}
}

// nativeLifecycleEnvelope is the shape of a session.lifecycle notification.
type nativeLifecycleEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// parseNativeLifecycle maps a session.lifecycle notification to a
// LifecycleEvent. Unknown types pass through with their wire name so
// wildcard subscribers still observe them.
func parseNativeLifecycle(params json.RawMessage) LifecycleEvent {
	var env nativeLifecycleEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		return LifecycleEvent{Raw: rawPayload(params)}
	}
	return LifecycleEvent{
		Type:      LifecycleEventType(env.Type),
		SessionID: env.SessionID,
		Raw:       rawPayload(params),
	}
}
