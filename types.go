package agentlink

// ConnectionState describes the client's connection lifecycle. It is owned
// exclusively by the Client and transitions only through supervisor
// lifecycle events or explicit stop calls.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateStopping     ConnectionState = "stopping"
)

// protocolVersion is the wire protocol version this client speaks under the
// native dialect. Verified against the server's ping response during Start.
const protocolVersion = 1

// SessionConfig configures a new session. All fields are optional; the zero
// value creates a session with server defaults.
type SessionConfig struct {
	// Model selects the model for this session.
	Model string

	// SessionID requests a specific session identifier. When empty the
	// server generates one. The id is stable across resume.
	SessionID string

	// SystemMessage overrides the server's default system message.
	SystemMessage string

	// WorkingDirectory is the directory context for the session.
	WorkingDirectory string

	// Tools are host capabilities the server may invoke during turns.
	Tools []Tool

	// Streaming enables assistant.message_delta and
	// assistant.reasoning_delta events.
	Streaming bool

	// InfiniteSessions enables server-side workspace persistence with
	// automatic context compaction. The session's WorkspacePath reports
	// where the server keeps its state.
	InfiniteSessions *InfiniteSessionConfig
}

// ResumeSessionConfig configures resumption of an existing session.
type ResumeSessionConfig struct {
	Model            string
	SystemMessage    string
	WorkingDirectory string
	Tools            []Tool
	Streaming        bool
	InfiniteSessions *InfiniteSessionConfig
}

// InfiniteSessionConfig tunes infinite-session compaction thresholds.
// Threshold semantics and the workspace layout belong to the server; the
// client only forwards the configuration and consumes the workspace path.
type InfiniteSessionConfig struct {
	// Enabled turns infinite sessions on.
	Enabled bool `json:"enabled"`

	// BackgroundThreshold is the context-fill fraction at which background
	// compaction starts. Zero means server default.
	BackgroundThreshold float64 `json:"backgroundCompactionThreshold,omitempty"`

	// BlockingThreshold is the fraction at which the session blocks until
	// compaction completes. Zero means server default.
	BlockingThreshold float64 `json:"blockingCompactionThreshold,omitempty"`
}

// SendMode controls how a prompt interacts with in-flight work.
type SendMode string

const (
	// SendEnqueue queues the prompt behind in-flight work (default).
	SendEnqueue SendMode = "enqueue"

	// SendImmediate interrupts in-flight work with the prompt.
	SendImmediate SendMode = "immediate"
)

// MessageOptions configures a message sent to a session.
type MessageOptions struct {
	// Prompt is the message text.
	Prompt string

	// Mode controls queueing; empty means SendEnqueue.
	Mode SendMode
}

// PingResponse is the server's reply to a liveness probe.
type PingResponse struct {
	Message         string `json:"message"`
	Timestamp       int64  `json:"timestamp"`
	ProtocolVersion *int   `json:"protocolVersion,omitempty"`
}

// StatusResponse reports server version and protocol information.
type StatusResponse struct {
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// AuthStatusResponse reports the server's authentication state.
type AuthStatusResponse struct {
	Authenticated bool    `json:"authenticated"`
	AuthType      *string `json:"authType,omitempty"`
	Login         string  `json:"login,omitempty"`
}

// ModelInfo describes a model available on the server.
type ModelInfo struct {
	ID                        string   `json:"id"`
	Name                      string   `json:"name"`
	SupportedReasoningEfforts []string `json:"supportedReasoningEfforts,omitempty"`
	DefaultReasoningEffort    string   `json:"defaultReasoningEffort,omitempty"`
}

// SessionMetadata describes a session known to the server.
type SessionMetadata struct {
	SessionID    string  `json:"sessionId"`
	StartTime    string  `json:"startTime"`
	ModifiedTime string  `json:"modifiedTime"`
	Summary      *string `json:"summary,omitempty"`
}
