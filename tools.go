package agentlink

import (
	"encoding/json"
	"fmt"
)

// Tool is a host capability the server may invoke during a turn.
//
// The name, description, and parameter schema are sent to the server when the
// session is created; the handler stays client-side and runs when the server
// issues a tool call for this name.
type Tool struct {
	// Name is the tool identifier. Required.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description,omitempty"`

	// Parameters is a JSON Schema object describing the tool's arguments.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Handler executes the tool. Required. Runs in a dedicated goroutine;
	// a panic or returned error becomes a standardized failure result and
	// never crashes the session or the connection.
	Handler ToolHandler `json:"-"`
}

// ToolInvocation is one inbound tool call from the server. Exactly one
// invocation is outstanding per ToolCallID.
type ToolInvocation struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolHandler executes a tool call and returns its result.
//
// The return value is normalized into a [ToolResult] envelope: a ToolResult
// (or *ToolResult) passes through unchanged, a string becomes a success
// result with that text, nil becomes an empty success, and any other
// serializable value is marshaled to JSON text. A returned error or a panic
// becomes a standardized failure envelope.
type ToolHandler func(inv ToolInvocation) (any, error)

// ToolResult is the envelope returned to the server for a tool call.
type ToolResult struct {
	// TextResultForLLM is the text shown to the model.
	TextResultForLLM string `json:"textResultForLLM"`

	// ResultType is "success" or "failure".
	ResultType string `json:"resultType"`

	// Error carries the internal failure detail. It is not shown to the
	// model; the model only sees TextResultForLLM.
	Error string `json:"error,omitempty"`

	// ToolTelemetry carries optional handler-supplied metadata.
	ToolTelemetry map[string]any `json:"toolTelemetry,omitempty"`
}

// normalizeToolResult wraps a handler return value in a ToolResult envelope.
func normalizeToolResult(value any) ToolResult {
	switch v := value.(type) {
	case ToolResult:
		return v
	case *ToolResult:
		if v != nil {
			return *v
		}
		return successToolResult("")
	case nil:
		return successToolResult("")
	case string:
		return successToolResult(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return failedToolResult(fmt.Sprintf("marshal tool result: %v", err))
		}
		return successToolResult(string(data))
	}
}

func successToolResult(text string) ToolResult {
	return ToolResult{
		TextResultForLLM: text,
		ResultType:       "success",
		ToolTelemetry:    map[string]any{},
	}
}

// failedToolResult builds the standardized failure envelope. The detailed
// error stays in Error and is withheld from the model.
func failedToolResult(internal string) ToolResult {
	return ToolResult{
		TextResultForLLM: "Invoking this tool produced an error. Detailed information is not available.",
		ResultType:       "failure",
		Error:            internal,
		ToolTelemetry:    map[string]any{},
	}
}

// unsupportedToolResult builds the failure envelope for a tool call whose
// name has no registered handler on the session.
func unsupportedToolResult(toolName string) ToolResult {
	return ToolResult{
		TextResultForLLM: fmt.Sprintf("Tool '%s' is not supported by this client instance.", toolName),
		ResultType:       "failure",
		Error:            fmt.Sprintf("tool '%s' not supported", toolName),
		ToolTelemetry:    map[string]any{},
	}
}
