// acp.go carries the Agent Client Protocol wire shapes and the total mapping
// from ACP session/update notifications to the protocol-agnostic event set.
//
// ACP updates arrive as a two-level envelope:
//
//	outer: {"sessionId":"...", "update": <inner>}
//	inner: {"sessionUpdate":"agent_message_chunk", "content":{...}}
//
// parseACPUpdate unpacks the outer envelope and dispatches on the
// "sessionUpdate" discriminator. ACP has no idle notification; turn
// completion is the session/prompt response, which the session layer turns
// into a synthesized assistant message and idle event.
package agentlink

import (
	"encoding/json"
	"time"
)

// ACP protocol constants.
const (
	acpProtocolVersion = 1
	clientName         = "agentlink"
	clientVersion      = "0.1.0"
)

// --- Outbound shapes ---

type acpInitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      *acpImplementation `json:"clientInfo,omitempty"`
}

type acpInitializeResult struct {
	ProtocolVersion int                `json:"protocolVersion"`
	AgentInfo       *acpImplementation `json:"agentInfo,omitempty"`
}

type acpImplementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type acpNewSessionParams struct {
	CWD        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type acpNewSessionResult struct {
	SessionID string `json:"sessionId"`
}

type acpLoadSessionParams struct {
	SessionID  string `json:"sessionId"`
	CWD        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type acpContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type acpPromptParams struct {
	SessionID string            `json:"sessionId"`
	Prompt    []acpContentBlock `json:"prompt"`
}

type acpPromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

type acpCancelParams struct {
	SessionID string `json:"sessionId"`
}

// --- Inbound updates ---

// acpUpdateEnvelope is the outer shape of a session/update notification.
type acpUpdateEnvelope struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// acpUpdateHeader extracts the discriminator from the inner update object.
type acpUpdateHeader struct {
	SessionUpdate string `json:"sessionUpdate"`
}

// acpUpdateParser converts a raw inner update into an event, given the
// session id from the envelope.
type acpUpdateParser func(sessionID string, update json.RawMessage) SessionEvent

// acpUpdateParsers dispatches ACP sessionUpdate discriminators.
// Shapes without a protocol-agnostic counterpart (plan, mode and config
// updates, usage) map to EventUnknown with the payload preserved rather
// than dropped.
var acpUpdateParsers = map[string]acpUpdateParser{
	"agent_message_chunk": acpChunkParser(EventAssistantMessageDelta),
	"agent_thought_chunk": acpChunkParser(EventAssistantReasoningDelta),
	"user_message_chunk":  acpChunkParser(EventUserMessage),
	"tool_call":           parseACPToolCall,
	"tool_call_update":    parseACPToolCallUpdate,
}

// parseACPUpdate maps a session/update notification payload to a
// SessionEvent. Total: malformed or unrecognized payloads become
// EventUnknown carrying the raw bytes.
func parseACPUpdate(params json.RawMessage) SessionEvent {
	var env acpUpdateEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		return acpUnknownEvent("", params)
	}

	var header acpUpdateHeader
	if err := json.Unmarshal(env.Update, &header); err != nil || header.SessionUpdate == "" {
		return acpUnknownEvent(env.SessionID, env.Update)
	}

	parser, ok := acpUpdateParsers[header.SessionUpdate]
	if !ok {
		return acpUnknownEvent(env.SessionID, env.Update)
	}
	return parser(env.SessionID, env.Update)
}

func acpUnknownEvent(sessionID string, raw json.RawMessage) SessionEvent {
	return SessionEvent{
		Type:      EventUnknown,
		SessionID: sessionID,
		Raw:       rawPayload(raw),
		Timestamp: time.Now(),
	}
}

// acpChunkParser extracts content.text from a content chunk update.
func acpChunkParser(et EventType) acpUpdateParser {
	return func(sessionID string, update json.RawMessage) SessionEvent {
		var d struct {
			Content struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(update, &d); err != nil {
			return acpUnknownEvent(sessionID, update)
		}
		return SessionEvent{
			Type:      et,
			SessionID: sessionID,
			Content:   d.Content.Text,
			Raw:       rawPayload(update),
			Timestamp: time.Now(),
		}
	}
}

// acpToolCallBody is the shared shape of tool_call and tool_call_update.
type acpToolCallBody struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
	Status     string `json:"status,omitempty"`
}

func parseACPToolCall(sessionID string, update json.RawMessage) SessionEvent {
	var d acpToolCallBody
	if err := json.Unmarshal(update, &d); err != nil {
		return acpUnknownEvent(sessionID, update)
	}
	return SessionEvent{
		Type:       EventToolExecutionStart,
		SessionID:  sessionID,
		ToolCallID: d.ToolCallID,
		ToolName:   d.Title,
		Raw:        rawPayload(update),
		Timestamp:  time.Now(),
	}
}

func parseACPToolCallUpdate(sessionID string, update json.RawMessage) SessionEvent {
	var d acpToolCallBody
	if err := json.Unmarshal(update, &d); err != nil {
		return acpUnknownEvent(sessionID, update)
	}
	et := EventToolExecutionStart
	var errMsg string
	switch d.Status {
	case "completed":
		et = EventToolExecutionComplete
	case "failed":
		et = EventToolExecutionComplete
		errMsg = "tool call failed"
	}
	return SessionEvent{
		Type:       et,
		SessionID:  sessionID,
		ToolCallID: d.ToolCallID,
		ToolName:   d.Title,
		Message:    errMsg,
		Raw:        rawPayload(update),
		Timestamp:  time.Now(),
	}
}
