package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zette-dev/forge/internal/claude"
	"github.com/zette-dev/forge/internal/protocol"
)

// startTurn is shared scaffolding: one session, one started turn, and the
// spawned fake to feed frames through.
func startTurn(t *testing.T, h *harness) (string, spawned, chan Event) {
	t.Helper()
	id := h.mgr.Create("agent")
	sink := make(chan Event, 32)
	if err := h.mgr.StartTurn(context.Background(), id, "prompt", claude.Options{}, sink); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	return id, h.lastSpawn(t), sink
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestTurn_SimpleAnswer(t *testing.T) {
	h := newHarness()
	id, s, sink := startTurn(t, h)

	feed(s,
		&protocol.SystemFrame{Subtype: "init", SessionID: "cs-1"},
		assistantFrame("msg-1", "Hello there."),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != EventAssistant || events[0].Text != "Hello there." {
		t.Errorf("first event: %+v", events[0])
	}
	if events[1].Kind != EventCompleted {
		t.Errorf("terminal event: %+v", events[1])
	}

	history, _ := h.mgr.History(id)
	if len(history) != 2 || history[1].Role != "assistant" || history[1].Content != "Hello there." {
		t.Errorf("history = %+v", history)
	}
}

func TestTurn_DedupOverlappingSnapshots(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	// The CLI resends the growing answer as snapshots of the same message.
	feed(s,
		assistantFrame("msg-1", "The answer"),
		assistantFrame("msg-1", "The answer is"),
		assistantFrame("msg-1", "The answer is 42."),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	if len(events) != 4 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != EventAssistant || events[0].Text != "The answer" {
		t.Errorf("event[0]: %+v", events[0])
	}
	if events[1].Kind != EventAssistantDelta || events[1].Text != " is" {
		t.Errorf("event[1]: %+v", events[1])
	}
	if events[2].Kind != EventAssistantDelta || events[2].Text != " 42." {
		t.Errorf("event[2]: %+v", events[2])
	}

	var full strings.Builder
	for _, ev := range events[:3] {
		full.WriteString(ev.Text)
	}
	if full.String() != "The answer is 42." {
		t.Errorf("reassembled text = %q", full.String())
	}
}

func TestTurn_DisjointFragmentsAppend(t *testing.T) {
	h := newHarness()
	id, s, sink := startTurn(t, h)

	// Same message id but neither text is a prefix of the other: the
	// fragments append verbatim rather than deduplicating.
	feed(s,
		assistantFrame("msg-1", "Part one."),
		assistantFrame("msg-1", "Part two."),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != EventAssistant || events[0].Text != "Part one." {
		t.Errorf("event[0]: %+v", events[0])
	}
	if events[1].Kind != EventAssistantDelta || events[1].Text != "Part two." {
		t.Errorf("event[1]: %+v", events[1])
	}

	history, _ := h.mgr.History(id)
	if len(history) != 2 || history[1].Content != "Part one.Part two." {
		t.Errorf("history = %+v", history)
	}
}

func TestTurn_ExactRepeatEmitsNothing(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	feed(s,
		assistantFrame("msg-1", "Same text"),
		assistantFrame("msg-1", "Same text"),
		assistantFrame("msg-1", "Same"),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	if len(events) != 2 {
		t.Fatalf("repeats should emit nothing, got %+v", events)
	}
	if events[0].Text != "Same text" {
		t.Errorf("event[0]: %+v", events[0])
	}
}

func TestTurn_NewMessageIDStartsNewAnswer(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	feed(s,
		assistantFrame("msg-1", "First answer."),
		assistantFrame("msg-2", "Second answer."),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	got := kinds(events)
	want := []EventKind{EventAssistant, EventAssistant, EventCompleted}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
}

func TestTurn_ToolUseNarration(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	toolUse := &protocol.AssistantFrame{
		Message: protocol.AssistantMessage{
			ID: "msg-1",
			Content: []protocol.Block{{
				Type:    protocol.BlockToolUse,
				ToolUse: &protocol.ToolUse{ID: "t1", Name: "Bash"},
			}},
		},
	}
	toolResult := &protocol.UserFrame{
		Message: protocol.UserMessage{
			Content: []protocol.Block{{
				Type:       protocol.BlockToolResult,
				ToolResult: &protocol.ToolResult{ToolUseID: "t1", Text: "ok\n"},
			}},
		},
	}

	feed(s,
		toolUse,
		toolResult,
		assistantFrame("msg-2", "Done."),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	got := kinds(events)
	// Successful tool results stay silent; only the invocation is narrated.
	want := []EventKind{EventSystemNote, EventAssistant, EventCompleted}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v (events %+v)", got, want, events)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	if !strings.Contains(events[0].Text, "Bash") {
		t.Errorf("tool-use note should name the tool: %q", events[0].Text)
	}
}

func TestTurn_FailedToolResultNoted(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	feed(s,
		&protocol.UserFrame{Message: protocol.UserMessage{
			Content: []protocol.Block{{
				Type:       protocol.BlockToolResult,
				ToolResult: &protocol.ToolResult{ToolUseID: "t1", Text: "no such file", IsError: true},
			}},
		}},
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	if events[0].Kind != EventSystemNote || !strings.Contains(events[0].Text, "failed") {
		t.Errorf("event[0]: %+v", events[0])
	}
}

func TestTurn_UserEcho(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	feed(s,
		&protocol.UserFrame{Message: protocol.UserMessage{
			Content: []protocol.Block{{Type: protocol.BlockText, Text: "echoed prompt"}},
		}},
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	if events[0].Kind != EventUserEcho || events[0].Text != "echoed prompt" {
		t.Errorf("event[0]: %+v", events[0])
	}
}

func TestTurn_ErrorResult(t *testing.T) {
	h := newHarness()
	id, s, sink := startTurn(t, h)

	feed(s,
		assistantFrame("msg-1", "partial"),
		&protocol.ResultFrame{Subtype: "error_during_execution", IsError: true, Error: "rate limited"},
	)

	events := collectEvents(t, sink, 3*time.Second)
	last := events[len(events)-1]
	if last.Kind != EventError || last.Text != "rate limited" {
		t.Errorf("terminal event: %+v", last)
	}

	// A failed turn records only the user prompt, not the partial answer.
	history, _ := h.mgr.History(id)
	if len(history) != 1 || history[0].Role != "user" {
		t.Errorf("history = %+v", history)
	}
}

func TestTurn_StreamClosedWithoutResult(t *testing.T) {
	h := newHarness()
	id, s, sink := startTurn(t, h)

	s.frames <- assistantFrame("msg-1", "partial answer")
	close(s.frames)

	events := collectEvents(t, sink, 3*time.Second)
	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Fatalf("terminal event: %+v", last)
	}

	// An interrupted turn records only the user prompt.
	history, _ := h.mgr.History(id)
	if len(history) != 1 || history[0].Role != "user" {
		t.Errorf("history = %+v", history)
	}
}

func TestTurn_ExactlyOneTerminalEvent(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	// Frames after the result must not produce further events.
	feed(s,
		successResult(),
		assistantFrame("msg-9", "late text"),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	terminals := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 || len(events) != 1 {
		t.Fatalf("want exactly one terminal event and nothing after it, got %+v", events)
	}
}

func TestTurn_SeqMonotonic(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	feed(s,
		assistantFrame("msg-1", "a"),
		assistantFrame("msg-1", "ab"),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	for i, ev := range events {
		if ev.Seq != i {
			t.Fatalf("event %d has seq %d: %+v", i, ev.Seq, events)
		}
	}
}

func TestTurn_CompletionTextPrefersUsage(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	feed(s, &protocol.ResultFrame{
		Subtype:    "success",
		DurationMS: 1500,
		Usage:      protocol.Usage{InputTokens: 10, OutputTokens: 20},
	})

	events := collectEvents(t, sink, 3*time.Second)
	if !strings.Contains(events[0].Text, "10 in / 20 out") {
		t.Errorf("completion text = %q", events[0].Text)
	}
}

func TestTurn_UnknownFramesIgnored(t *testing.T) {
	h := newHarness()
	_, s, sink := startTurn(t, h)

	feed(s,
		&protocol.OtherFrame{TypeName: "telemetry"},
		assistantFrame("msg-1", "hi"),
		successResult(),
	)

	events := collectEvents(t, sink, 3*time.Second)
	if len(events) != 2 {
		t.Fatalf("unknown frames should be silent, got %+v", events)
	}
}
