// Package tasks runs cron-scheduled prompts. Each definition under
// .ship/tasks/<taskId>.json turns into a fresh task-run:<taskId>:<ts> context
// enqueued through the normal lane scheduler, so task output lands in the
// .ship/task/<taskId>/<ts>/ transcript layout.
package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/shipd/ship/internal/bus"
	"github.com/shipd/ship/internal/paths"
)

const defaultPollSeconds = 30

// Def is one task definition file.
type Def struct {
	ID       string `json:"id,omitempty"` // defaults to the file name
	Schedule string `json:"schedule"`     // five-field cron expression
	Prompt   string `json:"prompt"`
	Channel  string `json:"channel,omitempty"`
	TargetID string `json:"target_id,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// EnqueueFunc injects a task run into the runtime.
type EnqueueFunc func(msg bus.InboundMessage) error

// Engine polls task definitions and fires due ones.
type Engine struct {
	dir     string
	poll    time.Duration
	enqueue EnqueueFunc
	gron    *gronx.Gronx

	mu    sync.Mutex
	fired map[string]time.Time // task id -> last fired minute
}

func NewEngine(layout paths.Layout, pollSeconds int, enqueue EnqueueFunc) *Engine {
	if pollSeconds <= 0 {
		pollSeconds = defaultPollSeconds
	}
	return &Engine{
		dir:     layout.TasksDir(),
		poll:    time.Duration(pollSeconds) * time.Second,
		enqueue: enqueue,
		gron:    gronx.New(),
		fired:   map[string]time.Time{},
	}
}

// Run polls until ctx is done. Definitions are re-read every tick, so edits
// take effect without a restart.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(now)
		}
	}
}

// Tick fires every due task once per schedule minute.
func (e *Engine) Tick(now time.Time) {
	// Five-field cron resolves to minutes; gronx evaluates the exact instant,
	// so seconds must be dropped or a poll landing at :07 never matches.
	minute := now.Truncate(time.Minute)
	for _, def := range e.Load() {
		due, err := e.gron.IsDue(def.Schedule, minute)
		if err != nil {
			slog.Warn("task schedule rejected", "task", def.ID, "schedule", def.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		e.mu.Lock()
		if last, ok := e.fired[def.ID]; ok && !last.Before(minute) {
			e.mu.Unlock()
			continue
		}
		e.fired[def.ID] = minute
		e.mu.Unlock()

		if err := e.fire(def, now); err != nil {
			slog.Error("task enqueue failed", "task", def.ID, "error", err)
		}
	}
}

func (e *Engine) fire(def Def, now time.Time) error {
	contextID, err := paths.TaskRunContextID(def.ID, now)
	if err != nil {
		return err
	}
	slog.Info("task due", "task", def.ID, "context", contextID)
	return e.enqueue(bus.InboundMessage{
		ContextID: contextID,
		Text:      def.Prompt,
		Channel:   def.Channel,
		TargetID:  def.TargetID,
		ActorID:   "task:" + def.ID,
		MessageID: contextID, // one message per run, id reuse keeps it idempotent
	})
}

// Load reads every *.json definition, skipping disabled and malformed ones.
func (e *Engine) Load() []Def {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("tasks dir unreadable", "dir", e.dir, "error", err)
		}
		return nil
	}
	var defs []Def
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(e.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("task file unreadable", "file", path, "error", err)
			continue
		}
		var def Def
		if err := json.Unmarshal(data, &def); err != nil {
			slog.Warn("task file malformed", "file", path, "error", err)
			continue
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(name, ".json")
		}
		if def.Disabled {
			continue
		}
		if def.Prompt == "" || def.Schedule == "" {
			slog.Warn("task missing prompt or schedule", "file", path)
			continue
		}
		if !gronx.IsValid(def.Schedule) {
			slog.Warn("task schedule invalid", "task", def.ID, "schedule", def.Schedule)
			continue
		}
		defs = append(defs, def)
	}
	return defs
}
