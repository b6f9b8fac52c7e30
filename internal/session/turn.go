package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zette-dev/forge/internal/protocol"
)

// turn aggregates one subprocess's frame stream into normalized events.
// The CLI resends a logical answer as overlapping snapshots (same message
// id, longer text each time); the aggregator emits only the unseen suffix
// so the sink never receives repeated text.
type turn struct {
	mgr       *Manager
	sessionID string
	proc      TurnProcess
	frames    <-chan protocol.Frame
	sink      chan<- Event

	seq int

	// Per-answer dedup state. answerID is the message id of the answer
	// currently accumulating; acc is everything already emitted for it.
	answerID string
	acc      string
	emitted  bool // at least one fragment of the current answer went out

	// transcript is all assistant text emitted this turn, recorded into
	// history once the turn ends.
	transcript strings.Builder

	usage protocol.Usage
}

// run consumes frames until the terminal result (or stream close), emits
// events, then reaps the subprocess and closes the sink. Runs on its own
// goroutine; all session mutation goes through the Manager.
func (t *turn) run(ctx context.Context) {
	defer close(t.sink)

	sawTerminal := false
	for frame := range t.frames {
		switch f := frame.(type) {
		case *protocol.SystemFrame:
			t.handleSystem(f)
		case *protocol.AssistantFrame:
			t.handleAssistant(ctx, f)
		case *protocol.UserFrame:
			t.handleUser(ctx, f)
		case *protocol.ResultFrame:
			t.handleResult(ctx, f)
			sawTerminal = true
		case *protocol.OtherFrame:
			slog.Debug("ignoring unknown frame", "type", f.TypeName, "session_id", t.sessionID)
		}
		if sawTerminal {
			break
		}
	}

	if !sawTerminal {
		// The reader closed the stream without a result frame. That only
		// happens on an aborted turn; tell the sink the turn is over.
		t.emit(ctx, EventError, "Turn interrupted")
	}

	// Unblock the reader in case frames arrived after the terminal one.
	go func() {
		for range t.frames {
		}
	}()

	// finishTurn returns nil when AbortTurn already owns the process and
	// will reap it itself.
	if proc := t.mgr.finishTurn(t.sessionID, t.proc); proc != nil {
		if err := proc.Wait(); err != nil {
			slog.Debug("turn process exited with error", "session_id", t.sessionID, "error", err)
		}
	}
}

func (t *turn) handleSystem(f *protocol.SystemFrame) {
	if f.SessionID != "" {
		t.mgr.setResumeID(t.sessionID, f.SessionID)
	}
	slog.Debug("turn init",
		"session_id", t.sessionID,
		"claude_session", f.SessionID,
		"model", f.Model,
		"tools", len(f.Tools))
}

// handleAssistant applies suffix dedup. A frame with a new message id
// starts a new logical answer (EventAssistant for its first fragment); a
// frame repeating the current id continues it (EventAssistantDelta).
func (t *turn) handleAssistant(ctx context.Context, f *protocol.AssistantFrame) {
	if f.SessionID != "" {
		t.mgr.setResumeID(t.sessionID, f.SessionID)
	}
	t.usage.Add(f.Message.Usage)

	if f.Message.ID != t.answerID {
		t.answerID = f.Message.ID
		t.acc = ""
		t.emitted = false
	}

	for _, b := range f.Message.Content {
		switch b.Type {
		case protocol.BlockText:
			t.emitAnswerText(ctx, b.Text)
		case protocol.BlockToolUse, protocol.BlockServerToolUse, protocol.BlockMCPToolUse:
			if b.ToolUse != nil {
				t.emit(ctx, EventSystemNote, "Using tool: "+b.ToolUse.Name)
			}
		case protocol.BlockThinking:
			// Thinking text is never surfaced to the sink.
		}
	}
}

// emitAnswerText compares incoming text against what was already emitted
// for the current answer and forwards only the unseen part.
func (t *turn) emitAnswerText(ctx context.Context, txt string) {
	if txt == "" {
		return
	}

	var delta string
	switch {
	case strings.HasPrefix(txt, t.acc):
		// Snapshot extends (or equals) what we have; take the suffix.
		delta = txt[len(t.acc):]
		t.acc = txt
	case strings.HasPrefix(t.acc, txt):
		// Pure repeat of an earlier, shorter snapshot.
		return
	default:
		// Disjoint fragment within the same answer; append verbatim.
		delta = txt
		t.acc += txt
	}
	if delta == "" {
		return
	}

	kind := EventAssistantDelta
	if !t.emitted {
		kind = EventAssistant
	}
	t.emitted = true
	t.transcript.WriteString(delta)
	t.emit(ctx, kind, delta)
}

// handleUser surfaces failed tool results as system notes and any plain
// text the CLI echoes back as a user echo. Successful tool results are
// routine machinery and stay silent.
func (t *turn) handleUser(ctx context.Context, f *protocol.UserFrame) {
	for _, b := range f.Message.Content {
		switch b.Type {
		case protocol.BlockToolResult, protocol.BlockMCPToolResult:
			if b.ToolResult == nil || !b.ToolResult.IsError {
				continue
			}
			note := "Tool failed"
			if s := summarize(b.ToolResult.Text, 200); s != "" {
				note += ": " + s
			}
			t.emit(ctx, EventSystemNote, note)
		case protocol.BlockText:
			if b.Text != "" {
				t.emit(ctx, EventUserEcho, b.Text)
			}
		}
	}
}

// handleResult emits the turn's single terminal event. The assistant
// transcript lands in history only when the turn succeeds; a failed or
// interrupted turn leaves history at the user prompt.
func (t *turn) handleResult(ctx context.Context, f *protocol.ResultFrame) {
	if f.SessionID != "" {
		t.mgr.setResumeID(t.sessionID, f.SessionID)
	}
	t.usage.Add(f.Usage)

	if f.IsError {
		msg := f.Error
		if msg == "" {
			msg = f.Result
		}
		if msg == "" {
			msg = fmt.Sprintf("Turn failed (%s)", f.Subtype)
		}
		t.emit(ctx, EventError, msg)
		return
	}

	t.recordTranscript()
	t.emit(ctx, EventCompleted, t.completionText(f))
}

func (t *turn) completionText(f *protocol.ResultFrame) string {
	if !t.usage.IsZero() {
		return fmt.Sprintf("Completed (%d in / %d out tokens)", t.usage.InputTokens, t.usage.OutputTokens)
	}
	if f.DurationMS > 0 {
		return fmt.Sprintf("Completed in %s", (time.Duration(f.DurationMS) * time.Millisecond).Round(time.Millisecond))
	}
	return "Completed successfully"
}

func (t *turn) recordTranscript() {
	if t.transcript.Len() == 0 {
		return
	}
	t.mgr.appendHistory(t.sessionID, Message{
		Role:      "assistant",
		Content:   t.transcript.String(),
		Timestamp: time.Now(),
		SessionID: t.sessionID,
	})
}

func (t *turn) emit(ctx context.Context, kind EventKind, text string) {
	ev := Event{
		Kind:      kind,
		Text:      text,
		Seq:       t.seq,
		Timestamp: time.Now(),
	}
	t.seq++

	select {
	case t.sink <- ev:
	case <-ctx.Done():
	}
}

// summarize collapses whitespace and truncates for a one-line note.
func summarize(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
