package store

import (
	"testing"
)

func TestToModelMessagesStripsIDs(t *testing.T) {
	turns := []Turn{
		userTurn("ctx", "m1", "hello"),
		assistantTurn("ctx", "hi"),
	}
	msgs := ToModelMessages(turns, ConvertOptions{IncludeTools: true})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "hi" {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
}

func TestToModelMessagesToolPairing(t *testing.T) {
	turn := Turn{
		ID:   "a:ctx:1",
		Role: RoleAssistant,
		Parts: []Part{
			TextPart("let me check"),
			{Type: PartToolCall, ToolCallID: "call-1", ToolName: "exec_command", Input: `{"cmd":"ls"}`},
			{Type: PartToolOutput, ToolCallID: "call-1", Output: `{"success":true,"output":"a b c"}`},
			TextPart("done"),
		},
		Metadata: Metadata{V: 1, ContextID: "ctx"},
	}

	msgs := ToModelMessages([]Turn{turn}, ConvertOptions{IncludeTools: true})
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want assistant+tool+assistant", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].Name != "exec_command" {
		t.Fatalf("tool call missing: %+v", msgs[0])
	}
	if msgs[1].Role != "tool" || msgs[1].ToolCallID != "call-1" {
		t.Fatalf("tool result = %+v", msgs[1])
	}
	if msgs[2].Content != "done" {
		t.Fatalf("trailing text = %+v", msgs[2])
	}
}

func TestToModelMessagesIncompletePair(t *testing.T) {
	// A call whose result never arrived must not crash conversion; a
	// placeholder result is synthesized.
	turn := Turn{
		ID:   "a:ctx:2",
		Role: RoleAssistant,
		Parts: []Part{
			{Type: PartToolCall, ToolCallID: "call-9", ToolName: "write_stdin", Input: `{}`},
		},
		Metadata: Metadata{V: 1, ContextID: "ctx"},
	}
	msgs := ToModelMessages([]Turn{turn}, ConvertOptions{IncludeTools: true})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want call + synthesized result", len(msgs))
	}
	if msgs[1].Role != "tool" || msgs[1].ToolCallID != "call-9" {
		t.Fatalf("synthesized result = %+v", msgs[1])
	}
}

func TestToModelMessagesOrphanOutputDropped(t *testing.T) {
	turn := Turn{
		ID:   "a:ctx:3",
		Role: RoleAssistant,
		Parts: []Part{
			TextPart("odd transcript"),
			{Type: PartToolOutput, ToolCallID: "ghost", Output: `{}`},
		},
		Metadata: Metadata{V: 1, ContextID: "ctx"},
	}
	msgs := ToModelMessages([]Turn{turn}, ConvertOptions{IncludeTools: true})
	if len(msgs) != 1 || msgs[0].Content != "odd transcript" {
		t.Fatalf("orphan output should be dropped: %+v", msgs)
	}
}

func TestToModelMessagesWithoutTools(t *testing.T) {
	turn := Turn{
		ID:   "a:ctx:4",
		Role: RoleAssistant,
		Parts: []Part{
			TextPart("answer"),
			{Type: PartToolCall, ToolCallID: "c", ToolName: "exec_command"},
			{Type: PartToolOutput, ToolCallID: "c", Output: `{}`},
		},
		Metadata: Metadata{V: 1, ContextID: "ctx"},
	}
	msgs := ToModelMessages([]Turn{turn}, ConvertOptions{IncludeTools: false})
	if len(msgs) != 1 || len(msgs[0].ToolCalls) != 0 {
		t.Fatalf("tools should be stripped: %+v", msgs)
	}
}
