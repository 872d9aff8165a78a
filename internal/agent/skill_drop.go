package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shipd/ship/internal/providers"
)

const skillDropSystemPrompt = `You manage which skills stay pinned on a conversation.
Given the pinned skills and the recent conversation tail, decide which skills
are no longer relevant and can be dropped.
Respond ONLY with a JSON array of skill ids to drop, e.g. ["deploy"].
Respond with [] when every skill is still relevant.`

// maybeDropSkills runs after a compaction committed. The recent tail may no
// longer justify every pinned skill, so the model is asked which ones to
// drop. Everything here is best-effort: failures leave the pin set untouched.
func (r *Runner) maybeDropSkills(ctx context.Context, keepLast int) {
	meta, err := r.store.LoadMeta()
	if err != nil || len(meta.PinnedSkillIDs) == 0 {
		return
	}

	turns, err := r.store.LoadAll()
	if err != nil {
		return
	}
	if len(turns) > keepLast {
		turns = turns[len(turns)-keepLast:]
	}

	var b strings.Builder
	b.WriteString("Pinned skills:\n")
	for _, sk := range r.skills.Resolve(meta.PinnedSkillIDs) {
		fmt.Fprintf(&b, "- %s: %s\n", sk.ID, sk.Description)
	}
	b.WriteString("\nRecent conversation:\n")
	for i := range turns {
		fmt.Fprintf(&b, "%s: %s\n", turns[i].Role, turns[i].JoinedText())
	}

	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Model: r.model(),
		Messages: []providers.Message{
			{Role: "system", Content: skillDropSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		slog.Warn("skill drop check failed", "context", r.store.ContextID(), "error", err)
		return
	}

	drop := parseSkillDropResponse(resp.Content)
	if len(drop) == 0 {
		return
	}

	dropSet := map[string]bool{}
	for _, id := range drop {
		dropSet[id] = true
	}
	var kept []string
	for _, id := range meta.PinnedSkillIDs {
		if !dropSet[id] {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(meta.PinnedSkillIDs) {
		return
	}
	if err := r.store.SetPinnedSkillIDs(kept); err != nil {
		slog.Warn("failed to persist skill drop", "context", r.store.ContextID(), "error", err)
		return
	}
	slog.Info("dropped stale skills after compaction",
		"context", r.store.ContextID(), "dropped", drop, "kept", kept)
}

// parseSkillDropResponse extracts the JSON id array, tolerating code fences
// and surrounding prose.
func parseSkillDropResponse(content string) []string {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &ids); err != nil {
		return nil
	}
	return ids
}

// ContextID returns the bound context id, empty before the first run.
func (r *Runner) ContextID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contextID
}
