package session

import "time"

// Message is one entry in a session's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}

// Session is one logical conversation. History is append-only for the
// session's life; resumeID is the token the CLI hands back so a later
// turn can continue the same underlying conversation; proc is non-nil
// exactly while a turn is in flight.
//
// All fields below the exported ones are guarded by the Manager's mutex.
type Session struct {
	ID        string
	AgentID   string
	CreatedAt time.Time

	history  []Message
	resumeID string
	proc     TurnProcess
}

// Info is a point-in-time snapshot of a session's state.
type Info struct {
	ID           string
	AgentID      string
	CreatedAt    time.Time
	Messages     int
	TurnInFlight bool
}
