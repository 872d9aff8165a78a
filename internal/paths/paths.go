// Package paths defines the deterministic on-disk layout and context-id
// validation.
//
// Everything the runtime persists lives under the project root:
//
//	<root>/
//	  Agent.md                          system-prompt component
//	  ship.json                         configuration
//	  .ship/
//	    context/<enc(contextId)>/messages/
//	      messages.jsonl                append-only turn log
//	      meta.json                     per-context meta
//	      .context.lock                 advisory lock (ephemeral)
//	      archive/<archiveId>.json      compaction segments
//	    profile/{Primary,Other}.md      optional long-term memory
//	    config/mcp.json                 external-tool connector config
//	    logs/ cache/ public/ tasks/ task/ skills/
//
// Task runs use the alternate layout .ship/task/<taskId>/<timestamp>/... with
// context id "task-run:<taskId>:<timestamp>". The store accepts a directory
// override so one engine writes into either layout.
package paths

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	ShipDir     = ".ship"
	ContextDir  = "context"
	MessagesDir = "messages"
	ArchiveDir  = "archive"

	MessagesFile = "messages.jsonl"
	MetaFile     = "meta.json"
	LockFile     = ".context.lock"

	AgentFile       = "Agent.md"
	ConfigFile      = "ship.json"
	PrimaryProfile  = "Primary.md"
	OtherProfile    = "Other.md"
	taskRunPrefix   = "task-run:"
	taskIDMaxLength = 64
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Layout resolves runtime file locations under one project root.
type Layout struct {
	Root string
}

// ValidateContextID rejects empty (after trim) context ids. Task-run ids are
// additionally checked against the task-run:<taskId>:<timestamp> shape.
func ValidateContextID(contextID string) error {
	trimmed := strings.TrimSpace(contextID)
	if trimmed == "" {
		return fmt.Errorf("invalid context id: empty")
	}
	if strings.HasPrefix(trimmed, taskRunPrefix) {
		if _, _, err := ParseTaskRunContextID(trimmed); err != nil {
			return err
		}
	}
	return nil
}

// TaskRunContextID builds the canonical context id for one task run.
func TaskRunContextID(taskID string, ts time.Time) (string, error) {
	if !taskIDPattern.MatchString(taskID) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	return fmt.Sprintf("%s%s:%d", taskRunPrefix, taskID, ts.UnixMilli()), nil
}

// ParseTaskRunContextID splits "task-run:<taskId>:<timestamp>".
func ParseTaskRunContextID(contextID string) (taskID string, ts int64, err error) {
	rest, ok := strings.CutPrefix(contextID, taskRunPrefix)
	if !ok {
		return "", 0, fmt.Errorf("invalid task-run context id %q", contextID)
	}
	taskID, tsStr, ok := strings.Cut(rest, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid task-run context id %q: missing timestamp", contextID)
	}
	if !taskIDPattern.MatchString(taskID) {
		return "", 0, fmt.Errorf("invalid task id %q", taskID)
	}
	ts, err = strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid task-run timestamp %q", tsStr)
	}
	return taskID, ts, nil
}

// IsTaskRun reports whether a context id uses the task-run layout.
func IsTaskRun(contextID string) bool {
	return strings.HasPrefix(contextID, taskRunPrefix)
}

func (l Layout) shipPath(parts ...string) string {
	return filepath.Join(append([]string{l.Root, ShipDir}, parts...)...)
}

// ContextMessagesDir returns the messages directory for a context. Task-run
// contexts resolve into the .ship/task/<taskId>/<timestamp>/ layout; all
// others into .ship/context/<enc(contextId)>/messages/.
func (l Layout) ContextMessagesDir(contextID string) string {
	if taskID, ts, err := ParseTaskRunContextID(contextID); err == nil {
		return l.shipPath("task", taskID, strconv.FormatInt(ts, 10), MessagesDir)
	}
	return l.shipPath(ContextDir, url.PathEscape(contextID), MessagesDir)
}

// MessagesFilePath returns the transcript path for a context.
func (l Layout) MessagesFilePath(contextID string) string {
	return filepath.Join(l.ContextMessagesDir(contextID), MessagesFile)
}

// MemoryFilePath returns the per-context memory markdown path.
func (l Layout) MemoryFilePath(contextID string) string {
	return l.shipPath(ContextDir, url.PathEscape(contextID), "MEMORY.md")
}

// ProfileDir returns the long-term profile directory.
func (l Layout) ProfileDir() string { return l.shipPath("profile") }

// SkillsDir returns the skills directory.
func (l Layout) SkillsDir() string { return l.shipPath("skills") }

// TasksDir returns the task-definition directory.
func (l Layout) TasksDir() string { return l.shipPath("tasks") }

// CacheDir returns the cache directory.
func (l Layout) CacheDir() string { return l.shipPath("cache") }

// LogsDir returns the log directory.
func (l Layout) LogsDir() string { return l.shipPath("logs") }

// AgentFilePath returns <root>/Agent.md.
func (l Layout) AgentFilePath() string { return filepath.Join(l.Root, AgentFile) }

// ConfigFilePath returns <root>/ship.json.
func (l Layout) ConfigFilePath() string { return filepath.Join(l.Root, ConfigFile) }
