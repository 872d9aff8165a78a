// Package store keeps an append-only JSONL transcript per context, with an advisory
// file lock, background-free two-phase compaction, and model-message
// conversion. One Store instance owns one context directory.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn sources.
const (
	SourceIngress = "ingress"
	SourceEgress  = "egress"
	SourceCompact = "compact"
)

// Turn kinds.
const (
	KindNormal  = "normal"
	KindSummary = "summary"
)

// Part types.
const (
	PartText       = "text"
	PartToolCall   = "tool-call"
	PartToolOutput = "tool-output"
)

// Turn is one immutable transcript record. Once appended it is never mutated;
// compaction may move it verbatim into an archive segment.
type Turn struct {
	ID       string   `json:"id"`
	Role     string   `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// Part is one ordered content element of a turn. User turns carry text parts;
// assistant turns may additionally carry tool-call and tool-output parts.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Tool-call / tool-output fields.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Input      string `json:"input,omitempty"`  // JSON-encoded tool arguments
	Output     string `json:"output,omitempty"` // JSON-encoded tool result
}

// TextPart builds a plain text part.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// Metadata is the persisted per-turn envelope.
type Metadata struct {
	V         int          `json:"v"`
	TS        int64        `json:"ts"` // unix ms
	ContextID string       `json:"contextId"`
	Channel   string       `json:"channel,omitempty"`
	TargetID  string       `json:"targetId,omitempty"`
	ActorID   string       `json:"actorId,omitempty"`
	ActorName string       `json:"actorName,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
	ThreadID  *int64       `json:"threadId,omitempty"`
	Source    string       `json:"source,omitempty"`
	Kind      string       `json:"kind,omitempty"`
	SourceRng *SourceRange `json:"sourceRange,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
}

// SourceRange identifies the contiguous archived segment a summary replaces.
type SourceRange struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Count  int    `json:"count"`
}

// Meta is the per-context control record, persisted next to the transcript.
type Meta struct {
	V                    int      `json:"v"`
	ContextID            string   `json:"contextId"`
	UpdatedAt            int64    `json:"updatedAt"` // unix ms
	PinnedSkillIDs       []string `json:"pinnedSkillIds,omitempty"`
	LastArchiveID        string   `json:"lastArchiveId,omitempty"`
	KeepLastMessages     int      `json:"keepLastMessages,omitempty"`
	MaxInputTokensApprox int      `json:"maxInputTokensApprox,omitempty"`
}

// ArchiveSegment is one immutable compaction archive file.
type ArchiveSegment struct {
	V         int    `json:"v"`
	ContextID string `json:"contextId"`
	ArchiveID string `json:"archiveId"`
	CreatedAt int64  `json:"createdAt"` // unix ms
	Turns     []Turn `json:"turns"`
}

// UserTurnID builds a deterministic user-turn id. With a platform message id
// the id is stable across re-delivery (idempotent ingest); without one a
// timestamp+nonce id is generated.
func UserTurnID(contextID, messageID string) string {
	if messageID != "" {
		return fmt.Sprintf("u:%s:%s", contextID, messageID)
	}
	return fmt.Sprintf("u:%s:%d-%s", contextID, time.Now().UnixMilli(), shortNonce())
}

// AssistantTurnID builds a fresh assistant-turn id.
func AssistantTurnID(contextID string) string {
	return fmt.Sprintf("a:%s:%s", contextID, shortNonce())
}

// SummaryTurnID builds a fresh summary-turn id.
func SummaryTurnID(contextID string) string {
	return fmt.Sprintf("s:%s:%s", contextID, shortNonce())
}

func shortNonce() string {
	id := uuid.NewString()
	return strings.ReplaceAll(id, "-", "")[:12]
}

// FirstText returns the first text part of a turn, or "".
func (t *Turn) FirstText() string {
	for _, p := range t.Parts {
		if p.Type == PartText {
			return p.Text
		}
	}
	return ""
}

// JoinedText concatenates all text parts of a turn.
func (t *Turn) JoinedText() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Type == PartText {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsSummary reports whether this is a compaction summary turn.
func (t *Turn) IsSummary() bool { return t.Metadata.Kind == KindSummary }
