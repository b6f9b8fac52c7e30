package session

import "time"

// EventKind classifies a normalized event emitted to a turn's sink.
type EventKind string

const (
	// EventUserEcho is plain user text echoed back by the CLI.
	EventUserEcho EventKind = "user-echo"

	// EventAssistant is the first text fragment of a new logical answer.
	EventAssistant EventKind = "assistant"

	// EventAssistantDelta continues the current logical answer.
	EventAssistantDelta EventKind = "assistant-delta"

	// EventSystemNote narrates tool use and other diagnostics.
	EventSystemNote EventKind = "system-note"

	// EventError terminates a turn that failed.
	EventError EventKind = "error"

	// EventCompleted terminates a turn that succeeded.
	EventCompleted EventKind = "completed"
)

// Event is the deduplicated, role-tagged output unit of one turn.
// Seq is monotonic within the turn. Every turn ends with exactly one
// EventError or EventCompleted, after which the sink channel is closed.
type Event struct {
	Kind      EventKind
	Text      string
	Seq       int
	Timestamp time.Time
}

// Terminal reports whether the event ends its turn.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventCompleted
}
