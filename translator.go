package agentlink

import (
	"encoding/json"
)

// Dialect selects the wire protocol variant spoken to the server. It is
// fixed at Client construction.
type Dialect string

const (
	// DialectNative is the server's own JSON-RPC vocabulary (default).
	DialectNative Dialect = "native"

	// DialectACP is the Agent Client Protocol variant. A documented subset
	// of operations is unavailable under ACP and fails client-side.
	DialectACP Dialect = "acp"
)

// Valid reports whether d names a known dialect.
func (d Dialect) Valid() bool {
	return d == DialectNative || d == DialectACP
}

// Protocol-agnostic method vocabulary. Under the native dialect the wire
// name is the vocabulary name; under ACP the translator rewrites it.
const (
	methodPing               = "ping"
	methodStatusGet          = "status.get"
	methodAuthGetStatus      = "auth.getStatus"
	methodModelsList         = "models.list"
	methodSessionCreate      = "session.create"
	methodSessionResume      = "session.resume"
	methodSessionList        = "session.list"
	methodSessionDelete      = "session.delete"
	methodSessionSend        = "session.send"
	methodSessionAbort       = "session.abort"
	methodSessionDestroy     = "session.destroy"
	methodSessionGetMessages = "session.getMessages"
	methodSessionGetFg       = "session.getForeground"
	methodSessionSetFg       = "session.setForeground"
)

// Native notification methods.
const (
	notifySessionEvent     = "session.event"
	notifySessionLifecycle = "session.lifecycle"
	methodToolCall         = "tool.call" // server-to-client request
)

// ACP wire methods.
const (
	acpMethodInitialize    = "initialize"
	acpMethodSessionNew    = "session/new"
	acpMethodSessionLoad   = "session/load"
	acpMethodSessionPrompt = "session/prompt"
	acpMethodSessionCancel = "session/cancel"
	acpMethodSessionUpdate = "session/update"
	acpMethodShutdown      = "shutdown"
)

// acpMethods maps the protocol-agnostic vocabulary to ACP wire names.
// The liveness probe becomes the ACP initialization handshake. Methods
// absent from this table are unavailable under ACP.
var acpMethods = map[string]string{
	methodPing:          acpMethodInitialize,
	methodSessionCreate: acpMethodSessionNew,
	methodSessionResume: acpMethodSessionLoad,
	methodSessionSend:   acpMethodSessionPrompt,
	methodSessionAbort:  acpMethodSessionCancel,
}

// translator maps the protocol-agnostic vocabulary to the wire dialect in
// effect: method renaming and unsupported-method rejection on the way out,
// notification reshaping on the way in.
type translator struct {
	dialect Dialect
}

func newTranslator(d Dialect) *translator {
	return &translator{dialect: d}
}

// wireMethod rewrites a protocol-agnostic method name for the active
// dialect. Unsupported operations fail here, client-side, before any wire
// traffic.
func (t *translator) wireMethod(method string) (string, error) {
	if t.dialect == DialectNative {
		return method, nil
	}
	wire, ok := acpMethods[method]
	if !ok {
		return "", &UnsupportedOperationError{Dialect: string(t.dialect), Method: method}
	}
	return wire, nil
}

// supports reports whether the active dialect can express method.
func (t *translator) supports(method string) bool {
	_, err := t.wireMethod(method)
	return err == nil
}

// inbound is a reshaped server notification: exactly one field is set.
type inbound struct {
	event     *SessionEvent
	lifecycle *LifecycleEvent
}

// notification reshapes a wire notification into the protocol-agnostic
// vocabulary. The mapping is total: every shape the dialect accepts maps to
// exactly one variant, with EventUnknown for anything untranslatable.
// Returns false for methods that are not notifications the client routes
// (e.g. unknown method names, which are ignored per JSON-RPC).
func (t *translator) notification(method string, params json.RawMessage) (inbound, bool) {
	switch t.dialect {
	case DialectACP:
		if method != acpMethodSessionUpdate {
			return inbound{}, false
		}
		ev := parseACPUpdate(params)
		return inbound{event: &ev}, true
	default:
		switch method {
		case notifySessionEvent:
			ev := parseNativeEvent(params)
			return inbound{event: &ev}, true
		case notifySessionLifecycle:
			lc := parseNativeLifecycle(params)
			return inbound{lifecycle: &lc}, true
		}
		return inbound{}, false
	}
}
