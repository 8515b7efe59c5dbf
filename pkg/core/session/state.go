package session

// State is a position in the evaluation lifecycle.
type State string

const (
	StateCreated    State = "created"
	StateUploaded   State = "uploaded"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateStarted    State = "started"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// States lists every state in lifecycle order.
var States = []State{
	StateCreated,
	StateUploaded,
	StateProcessing,
	StateReady,
	StateStarted,
	StateCompleted,
	StateError,
}

// edges holds the forward transitions. Error is reachable from every non-terminal
// state and is handled separately.
var edges = map[State]State{
	StateCreated:    StateUploaded,
	StateUploaded:   StateProcessing,
	StateProcessing: StateReady,
	StateReady:      StateStarted,
	StateStarted:    StateCompleted,
}

func (s State) Valid() bool {
	switch s {
	case StateCreated, StateUploaded, StateProcessing, StateReady, StateStarted, StateCompleted, StateError:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// Guards that depend on session contents are checked by Session.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	return edges[from] == to
}

var statusMessages = map[State]string{
	StateCreated:    "Submission received",
	StateUploaded:   "Presentation uploaded successfully",
	StateProcessing: "Analyzing presentation content...",
	StateReady:      "Presentation analysis complete",
	StateStarted:    "Presentation evaluation in progress",
	StateCompleted:  "Evaluation completed successfully",
	StateError:      "Processing failed",
}

// StatusMessage returns the human-readable message shown to polling clients.
func StatusMessage(s State) string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return "Unknown status"
}
