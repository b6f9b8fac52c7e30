// Package protocol decodes the Claude Code CLI stream-json wire format.
//
// Each line of the CLI's stdout is one JSON object: a frame tagged by its
// "type" field, optionally carrying content blocks tagged the same way.
// Decoding is pure — no logging, no state. Callers decide what to do with
// a *DecodeError (the supervisor logs and skips the line).
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the top-level frame union.
type FrameType string

const (
	FrameSystem    FrameType = "system"
	FrameAssistant FrameType = "assistant"
	FrameUser      FrameType = "user"
	FrameResult    FrameType = "result"

	// FrameOther is the fallback for frame types this codec does not know.
	// It decodes successfully and is ignored by the aggregator.
	FrameOther FrameType = "other"
)

// Frame is one decoded unit of the CLI's streaming output.
type Frame interface {
	Kind() FrameType
}

// SystemFrame is the CLI's first-contact metadata frame. The session_id it
// carries is the resumption token for continuing the conversation in a
// later process.
type SystemFrame struct {
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	CWD       string   `json:"cwd"`
	Tools     []string `json:"tools"`
	Model     string   `json:"model"`
}

func (*SystemFrame) Kind() FrameType { return FrameSystem }

// AssistantFrame carries one logical answer unit. The CLI may resend the
// same message id with extended content; deduplication is the aggregator's
// job, not the codec's.
type AssistantFrame struct {
	Message   AssistantMessage `json:"message"`
	SessionID string           `json:"session_id"`
}

func (*AssistantFrame) Kind() FrameType { return FrameAssistant }

// AssistantMessage is the nested message object inside an assistant frame.
type AssistantMessage struct {
	ID         string  `json:"id"`
	Role       string  `json:"role"`
	Model      string  `json:"model"`
	Content    []Block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      Usage   `json:"usage"`
}

// UserFrame echoes tool results (and occasionally plain text) back into
// the stream.
type UserFrame struct {
	Message   UserMessage `json:"message"`
	SessionID string      `json:"session_id"`
}

func (*UserFrame) Kind() FrameType { return FrameUser }

// UserMessage is the nested message object inside a user frame.
type UserMessage struct {
	Content []Block `json:"content"`
}

// ResultFrame terminates a turn. Exactly one (real or synthesized by the
// supervisor) ends every turn.
type ResultFrame struct {
	Subtype    string `json:"subtype"`
	IsError    bool   `json:"is_error"`
	Result     string `json:"result"`
	Error      string `json:"error"`
	SessionID  string `json:"session_id"`
	DurationMS int64  `json:"duration_ms"`
	Usage      Usage  `json:"usage"`
}

func (*ResultFrame) Kind() FrameType { return FrameResult }

// OtherFrame preserves frames with an unrecognized type tag so future
// protocol additions degrade gracefully instead of breaking decoding.
type OtherFrame struct {
	TypeName string
	Raw      json.RawMessage
}

func (*OtherFrame) Kind() FrameType { return FrameOther }

// Usage holds token counters. Zero values mean "not reported".
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// IsZero reports whether no usage was reported.
func (u Usage) IsZero() bool { return u.InputTokens == 0 && u.OutputTokens == 0 }

// Add accumulates counters from another sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// DecodeError wraps a line that failed to decode as a frame.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode frame: %v (line: %s)", e.Err, truncate(e.Line, 120))
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeFrame decodes one line of CLI stdout into a typed frame.
// The line must be a complete JSON object with a "type" tag.
func DecodeFrame(line string) (Frame, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil, &DecodeError{Line: line, Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Line: line, Err: fmt.Errorf("missing type field")}
	}

	var (
		frame Frame
		err   error
	)
	switch FrameType(env.Type) {
	case FrameSystem:
		f := &SystemFrame{}
		err = json.Unmarshal([]byte(line), f)
		frame = f
	case FrameAssistant:
		f := &AssistantFrame{}
		err = json.Unmarshal([]byte(line), f)
		frame = f
	case FrameUser:
		f := &UserFrame{}
		err = json.Unmarshal([]byte(line), f)
		frame = f
	case FrameResult:
		f := &ResultFrame{}
		err = json.Unmarshal([]byte(line), f)
		frame = f
	default:
		frame = &OtherFrame{TypeName: env.Type, Raw: json.RawMessage(line)}
	}
	if err != nil {
		return nil, &DecodeError{Line: line, Err: err}
	}
	return frame, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
