package agentlink

// turnResult is the outcome of scanning a session's event history for the
// current turn.
type turnResult struct {
	// state classifies the turn.
	state turnState

	// message is the assistant message that concluded the turn
	// (turnCompleted only).
	message *SessionEvent

	// errEvent is the session error that terminated the turn
	// (turnFailed only).
	errEvent *SessionEvent
}

type turnState int

const (
	// turnInProgress: no idle or error has been observed since the last
	// user message. Not an error, the turn simply hasn't finished.
	turnInProgress turnState = iota

	// turnCompleted: an idle was observed with an assistant message
	// before it.
	turnCompleted

	// turnFailed: a session error was observed.
	turnFailed

	// turnBroken: an idle was observed with no assistant message between
	// the last user message and the idle. The server violated the event
	// contract.
	turnBroken
)

// scanTurn inspects an ordered event history and classifies the turn opened
// by the last user message.
//
// Only the slice after the last user-message event is considered. Within it,
// a session error fails the turn outright. Otherwise the first idle event is
// located and the nearest preceding assistant message is the turn's result.
// No idle means the turn is still in progress. An idle with no assistant
// message is a contract violation (turnBroken).
func scanTurn(events []SessionEvent) turnResult {
	start := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventUserMessage {
			start = i + 1
			break
		}
	}
	turn := events[start:]

	for i := range turn {
		if turn[i].Type == EventSessionError {
			return turnResult{state: turnFailed, errEvent: &turn[i]}
		}
	}

	idle := -1
	for i := range turn {
		if turn[i].Type == EventSessionIdle {
			idle = i
			break
		}
	}
	if idle < 0 {
		return turnResult{state: turnInProgress}
	}

	for i := idle - 1; i >= 0; i-- {
		if turn[i].Type == EventAssistantMessage {
			return turnResult{state: turnCompleted, message: &turn[i]}
		}
	}
	return turnResult{state: turnBroken}
}
