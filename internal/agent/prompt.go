package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shipd/ship/internal/bus"
	"github.com/shipd/ship/internal/paths"
	"github.com/shipd/ship/internal/skills"
)

// buildSystemPrompt composes the per-run system prompt. It is rebuilt on
// every step and never persisted to the transcript. Order: runtime context,
// profile files, per-context memory, application texts, active skills.
func (r *Runner) buildSystemPrompt(msg bus.InboundMessage, active []skills.Skill, toolNames []string) string {
	var sections []string

	sections = append(sections, runtimeContextBlock(r.layout, msg))

	for _, name := range []string{paths.PrimaryProfile, paths.OtherProfile} {
		if text := readOptional(filepath.Join(r.layout.ProfileDir(), name)); text != "" {
			sections = append(sections, text)
		}
	}

	if text := readOptional(r.layout.MemoryFilePath(msg.ContextID)); text != "" {
		sections = append(sections, "## Memory\n\n"+text)
	}

	if text := readOptional(r.layout.AgentFilePath()); text != "" {
		sections = append(sections, text)
	}
	sections = append(sections, r.systemTexts...)

	if len(active) > 0 {
		sections = append(sections, activeSkillsBlock(active, toolNames))
	}

	return strings.Join(sections, "\n\n")
}

func runtimeContextBlock(layout paths.Layout, msg bus.InboundMessage) string {
	var b strings.Builder
	b.WriteString("## Runtime Context\n\n")
	fmt.Fprintf(&b, "- Project root: %s\n", layout.Root)
	fmt.Fprintf(&b, "- Context: %s\n", msg.ContextID)
	if msg.RequestID != "" {
		fmt.Fprintf(&b, "- Request: %s\n", msg.RequestID)
	}
	if msg.Channel != "" {
		fmt.Fprintf(&b, "- Channel: %s\n", msg.Channel)
	}
	if msg.TargetID != "" {
		fmt.Fprintf(&b, "- Target: %s\n", msg.TargetID)
	}
	if msg.ActorID != "" {
		actor := msg.ActorID
		if msg.ActorName != "" {
			actor += " (" + msg.ActorName + ")"
		}
		fmt.Fprintf(&b, "- Actor: %s\n", actor)
	}
	return strings.TrimRight(b.String(), "\n")
}

func activeSkillsBlock(active []skills.Skill, toolNames []string) string {
	var b strings.Builder
	b.WriteString("## ACTIVE SKILLS\n")
	for _, sk := range active {
		fmt.Fprintf(&b, "\n### %s\n", sk.ID)
		if sk.Description != "" {
			b.WriteString(sk.Description + "\n")
		}
		b.WriteString(sk.Instructions + "\n")
		if sk.Restricted() {
			fmt.Fprintf(&b, "Allowed tools: %s\n", strings.Join(sk.AllowedTools, ", "))
		} else {
			b.WriteString("Allowed tools: no restriction\n")
		}
	}
	fmt.Fprintf(&b, "\nEffective tools for this run: %s", strings.Join(toolNames, ", "))
	return b.String()
}

func readOptional(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
