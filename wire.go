// wire.go holds the native dialect's request and response envelopes. These
// shapes are private to the engine; hosts only see the types in types.go.
package agentlink

import "encoding/json"

type pingRequest struct {
	Message string `json:"message,omitempty"`
}

type getStatusRequest struct{}

type getAuthStatusRequest struct{}

type listModelsRequest struct{}

type listModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// toolDef is the wire shape of a tool declaration: Tool minus the handler.
type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func toolDefs(tools []Tool) []toolDef {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]toolDef, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		defs = append(defs, toolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return defs
}

type createSessionRequest struct {
	Model            string                 `json:"model,omitempty"`
	SessionID        string                 `json:"sessionId,omitempty"`
	SystemMessage    string                 `json:"systemMessage,omitempty"`
	WorkingDirectory string                 `json:"workingDirectory,omitempty"`
	Tools            []toolDef              `json:"tools,omitempty"`
	Streaming        *bool                  `json:"streaming,omitempty"`
	InfiniteSessions *InfiniteSessionConfig `json:"infiniteSessions,omitempty"`
}

type createSessionResponse struct {
	SessionID     string `json:"sessionId"`
	WorkspacePath string `json:"workspacePath,omitempty"`
}

type resumeSessionRequest struct {
	SessionID        string                 `json:"sessionId"`
	Model            string                 `json:"model,omitempty"`
	SystemMessage    string                 `json:"systemMessage,omitempty"`
	WorkingDirectory string                 `json:"workingDirectory,omitempty"`
	Tools            []toolDef              `json:"tools,omitempty"`
	Streaming        *bool                  `json:"streaming,omitempty"`
	InfiniteSessions *InfiniteSessionConfig `json:"infiniteSessions,omitempty"`
}

type resumeSessionResponse struct {
	SessionID     string `json:"sessionId"`
	WorkspacePath string `json:"workspacePath,omitempty"`
}

type listSessionsRequest struct{}

type listSessionsResponse struct {
	Sessions []SessionMetadata `json:"sessions"`
}

type deleteSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type deleteSessionResponse struct {
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

type getForegroundRequest struct{}

type getForegroundResponse struct {
	SessionID *string `json:"sessionId,omitempty"`
}

type setForegroundRequest struct {
	SessionID string `json:"sessionId"`
}

type setForegroundResponse struct {
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

type sessionSendRequest struct {
	SessionID string   `json:"sessionId"`
	Prompt    string   `json:"prompt"`
	Mode      SendMode `json:"mode,omitempty"`
}

type sessionSendResponse struct {
	MessageID string `json:"messageId"`
}

type sessionAbortRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionDestroyRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionGetMessagesRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionGetMessagesResponse struct {
	Events []SessionEvent `json:"events"`
}

// toolCallRequest is the server-to-client tool invocation request.
type toolCallRequest struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

type toolCallResponse struct {
	Result ToolResult `json:"result"`
}
