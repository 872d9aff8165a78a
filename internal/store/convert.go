package store

import (
	"encoding/json"
	"log/slog"

	"github.com/shipd/ship/internal/providers"
)

// ConvertOptions controls ToModelMessages.
type ConvertOptions struct {
	// IncludeTools keeps tool-call/tool-output parts in the converted
	// messages. Disable for plain-text consumers like the summarizer.
	IncludeTools bool
}

// ToModelMessages converts transcript turns to provider messages, stripping
// turn ids. Tool-call/tool-result pairing is repaired, never trusted: a tool
// call whose result never arrived gets a synthesized placeholder, and an
// orphaned tool output is dropped. A damaged transcript must not crash the
// conversion.
func ToModelMessages(turns []Turn, opts ConvertOptions) []providers.Message {
	var out []providers.Message

	for _, turn := range turns {
		switch turn.Role {
		case RoleUser:
			text := turn.JoinedText()
			if text == "" {
				continue
			}
			out = append(out, providers.Message{Role: "user", Content: text})

		case RoleAssistant:
			out = append(out, convertAssistant(turn, opts)...)
		}
	}
	return out
}

// convertAssistant walks an assistant turn's ordered parts, flushing an
// assistant message whenever tool outputs begin, so interleaved
// text/tool-call/tool-output sequences map onto the wire shape.
func convertAssistant(turn Turn, opts ConvertOptions) []providers.Message {
	var out []providers.Message

	var content string
	var calls []providers.ToolCall
	pending := map[string]bool{} // call ids awaiting an output

	flush := func() {
		if content == "" && len(calls) == 0 {
			return
		}
		out = append(out, providers.Message{Role: "assistant", Content: content, ToolCalls: calls})
		content = ""
		calls = nil
	}

	for _, p := range turn.Parts {
		switch p.Type {
		case PartText:
			if content != "" {
				content += "\n"
			}
			content += p.Text

		case PartToolCall:
			if !opts.IncludeTools {
				continue
			}
			var args map[string]interface{}
			if p.Input != "" {
				if err := json.Unmarshal([]byte(p.Input), &args); err != nil {
					args = map[string]interface{}{"_raw": p.Input}
				}
			}
			calls = append(calls, providers.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: args})
			pending[p.ToolCallID] = true

		case PartToolOutput:
			if !opts.IncludeTools {
				continue
			}
			if !pending[p.ToolCallID] {
				slog.Warn("dropping orphaned tool output", "context", turn.Metadata.ContextID, "tool_call_id", p.ToolCallID)
				continue
			}
			flush()
			out = append(out, providers.Message{Role: "tool", Content: p.Output, ToolCallID: p.ToolCallID})
			delete(pending, p.ToolCallID)
		}
	}
	flush()

	// Synthesize results for calls whose output never arrived, preserving
	// the strict call/result pairing providers require.
	for _, msg := range out {
		for _, tc := range msg.ToolCalls {
			if pending[tc.ID] {
				out = append(out, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing: transcript was compacted or the run was interrupted]",
					ToolCallID: tc.ID,
				})
				delete(pending, tc.ID)
			}
		}
	}

	return out
}
