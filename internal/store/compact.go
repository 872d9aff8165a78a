package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Compaction skip reasons.
const (
	SkipSmallMessages = "small_messages"
	SkipUnderBudget   = "under_budget"
)

// summarizeInputMaxChars bounds the linearized transcript fed to the
// summarizer model; when longer, the tail is preserved.
const summarizeInputMaxChars = 24_000

// SummarizeFunc produces a Markdown summary of a linearized transcript
// segment. nil, or a returned error, degrades to the lossy fallback notice.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// CompactParams tunes one CompactIfNeeded call.
type CompactParams struct {
	KeepLastMessages     int
	MaxInputTokensApprox int
	ArchiveOnCompact     bool
	SystemPrompt         string // counted toward the token estimate
	Summarize            SummarizeFunc
}

// CompactResult reports what compaction did.
type CompactResult struct {
	Compacted     bool
	SkipReason    string
	ArchiveID     string
	ArchivedCount int
	SummaryTurnID string
}

// EstimateTokens approximates the token cost of serialized text.
// Heuristic: ceil(total_chars / 3).
func EstimateTokens(totalChars int) int {
	return (totalChars + 2) / 3
}

// CompactIfNeeded replaces the older segment of an over-budget transcript
// with one model-generated summary turn, archiving the segment when asked.
// Two-phase: a short-lock snapshot, an unlocked decide+summarize (the model
// call may be slow), then a short-lock commit that re-splits against the
// current transcript so concurrent appends are preserved.
func (s *Store) CompactIfNeeded(ctx context.Context, params CompactParams) (CompactResult, error) {
	if params.KeepLastMessages < 1 {
		params.KeepLastMessages = 1
	}

	// Phase 1: snapshot.
	snapshot, err := s.LoadAll()
	if err != nil {
		return CompactResult{}, err
	}

	// Phase 2: decide, no lock held.
	if len(snapshot) <= params.KeepLastMessages+2 {
		return CompactResult{SkipReason: SkipSmallMessages}, nil
	}
	totalChars := len(params.SystemPrompt)
	for _, t := range snapshot {
		line, _ := json.Marshal(t)
		totalChars += len(line)
	}
	if EstimateTokens(totalChars) <= params.MaxInputTokensApprox {
		return CompactResult{SkipReason: SkipUnderBudget}, nil
	}

	older := snapshot[:len(snapshot)-params.KeepLastMessages]

	// Phase 3: summarize, no lock held.
	summary := s.summarizeSegment(ctx, older, params.Summarize)

	// Phase 4: commit under the context lock. The transcript may have grown;
	// re-split using the current length so concurrent appends stay in the tail.
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireLock(ctx, s.lockPath(), s.lockOpts)
	if err != nil {
		return CompactResult{}, err
	}
	defer lock.release()

	current, err := s.LoadAll()
	if err != nil {
		return CompactResult{}, err
	}
	if len(current) <= params.KeepLastMessages {
		return CompactResult{SkipReason: SkipSmallMessages}, nil
	}
	commitOlder := current[:len(current)-params.KeepLastMessages]
	kept := current[len(current)-params.KeepLastMessages:]

	archiveID := ""
	if params.ArchiveOnCompact {
		archiveID = fmt.Sprintf("%d-%s", time.Now().UnixMilli(), strings.Split(uuid.NewString(), "-")[0])
		if err := s.writeArchive(archiveID, commitOlder); err != nil {
			return CompactResult{}, err
		}
	}

	summaryTurn := Turn{
		ID:   SummaryTurnID(s.contextID),
		Role: RoleAssistant,
		Parts: []Part{
			TextPart(summary),
		},
		Metadata: Metadata{
			V:         1,
			TS:        time.Now().UnixMilli(),
			ContextID: s.contextID,
			Source:    SourceCompact,
			Kind:      KindSummary,
			SourceRng: &SourceRange{
				FromID: commitOlder[0].ID,
				ToID:   commitOlder[len(commitOlder)-1].ID,
				Count:  len(commitOlder),
			},
		},
	}

	rewritten := make([]Turn, 0, len(kept)+1)
	rewritten = append(rewritten, summaryTurn)
	rewritten = append(rewritten, kept...)
	if err := s.rewriteTranscript(rewritten); err != nil {
		return CompactResult{}, err
	}

	if err := s.updateMetaLocked(func(m *Meta) {
		if archiveID != "" {
			m.LastArchiveID = archiveID
		}
		m.KeepLastMessages = params.KeepLastMessages
		m.MaxInputTokensApprox = params.MaxInputTokensApprox
	}); err != nil {
		slog.Warn("compaction meta update failed", "context", s.contextID, "error", err)
	}

	slog.Info("transcript compacted",
		"context", s.contextID,
		"archived", len(commitOlder),
		"kept", len(kept),
		"archive_id", archiveID,
	)

	return CompactResult{
		Compacted:     true,
		ArchiveID:     archiveID,
		ArchivedCount: len(commitOlder),
		SummaryTurnID: summaryTurn.ID,
	}, nil
}

// summarizeSegment linearizes older turns as "role: text" lines (tail
// preserved when over the input cap) and asks the summarizer. Any failure
// degrades to a fixed lossy-truncation notice; compaction never aborts on a
// model error.
func (s *Store) summarizeSegment(ctx context.Context, older []Turn, summarize SummarizeFunc) string {
	fallback := fmt.Sprintf(
		"[Conversation summary unavailable: %d older messages were removed to fit the context window. Earlier details may be lost.]",
		len(older),
	)
	if summarize == nil {
		return fallback
	}

	var b strings.Builder
	for _, t := range older {
		text := t.JoinedText()
		if text == "" {
			continue
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	linear := b.String()
	if len(linear) > summarizeInputMaxChars {
		linear = linear[len(linear)-summarizeInputMaxChars:]
	}

	summary, err := summarize(ctx, linear)
	if err != nil || strings.TrimSpace(summary) == "" {
		slog.Warn("compaction summarization failed, using fallback", "context", s.contextID, "error", err)
		return fallback
	}
	return summary
}

func (s *Store) writeArchive(archiveID string, turns []Turn) error {
	seg := ArchiveSegment{
		V:         1,
		ContextID: s.contextID,
		ArchiveID: archiveID,
		CreatedAt: time.Now().UnixMilli(),
		Turns:     turns,
	}
	data, err := json.MarshalIndent(seg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	dir := s.archiveDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	return atomicWrite(dir, filepath.Join(dir, archiveID+".json"), data)
}

// rewriteTranscript atomically replaces the transcript (write-tmp + rename).
// Caller holds both the store mutex and the file lock.
func (s *Store) rewriteTranscript(turns []Turn) error {
	var b strings.Builder
	for _, t := range turns {
		line, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		b.Write(line)
		b.WriteString("\n")
	}
	if err := atomicWrite(s.dir, s.messagesPath(), []byte(b.String())); err != nil {
		return err
	}

	s.ids = make(map[string]struct{}, len(turns))
	for _, t := range turns {
		s.ids[t.ID] = struct{}{}
	}
	s.idsLoaded = true
	return nil
}
