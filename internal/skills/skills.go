// Package skills loads skill definitions from the project skills directory.
//
// A skill lives at .ship/skills/<id>/skill.json and carries instructions that
// are injected into the system prompt when the skill is pinned on a context,
// plus an optional tool allowlist that narrows what the model may call while
// the skill is active.
package skills

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Skill is one loaded skill definition.
type Skill struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// Restricted reports whether the skill narrows the tool set. A skill with no
// allowedTools leaves every tool available.
func (s Skill) Restricted() bool { return len(s.AllowedTools) > 0 }

// Loader caches skill definitions and optionally hot-reloads them when the
// skills directory changes.
type Loader struct {
	dir string

	mu     sync.RWMutex
	skills map[string]Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader reads every skill under dir. A missing directory is not an error;
// it just yields an empty loader.
func NewLoader(dir string) (*Loader, error) {
	l := &Loader{dir: dir, skills: map[string]Skill{}}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads all skill.json files under the skills directory, replacing
// the cached set. Individual malformed skills are skipped with a warning so
// one broken file cannot take down the rest.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.skills = map[string]Skill{}
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	loaded := map[string]Skill{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, e.Name(), "skill.json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue // dir without a skill.json
		}
		var sk Skill
		if err := json.Unmarshal(data, &sk); err != nil {
			slog.Warn("skipping malformed skill", "path", path, "error", err)
			continue
		}
		if strings.TrimSpace(sk.ID) == "" {
			sk.ID = e.Name()
		}
		if sk.ID != e.Name() {
			slog.Warn("skill id does not match its directory", "dir", e.Name(), "id", sk.ID)
		}
		if strings.TrimSpace(sk.Instructions) == "" {
			slog.Warn("skipping skill without instructions", "id", sk.ID)
			continue
		}
		loaded[sk.ID] = sk
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	return nil
}

// Watch starts a background fsnotify watcher that reloads the cache whenever
// the skills directory changes. Safe to call once; Close stops it.
func (l *Loader) Watch() error {
	if l.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch skills dir: %w", err)
	}
	// Watch one level of skill subdirectories too, so edits to an existing
	// skill.json are picked up, not just adds and removes at the top level.
	if entries, err := os.ReadDir(l.dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				w.Add(filepath.Join(l.dir, e.Name()))
			}
		}
	}

	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					l.watcher.Add(ev.Name)
				}
			}
			if err := l.Reload(); err != nil {
				slog.Warn("skills reload failed", "error", err)
			} else {
				slog.Debug("skills reloaded", "trigger", ev.Name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("skills watcher error", "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// Get returns the skill with the given id.
func (l *Loader) Get(id string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sk, ok := l.skills[id]
	return sk, ok
}

// List returns all loaded skills sorted by id.
func (l *Loader) List() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(l.skills))
	for _, sk := range l.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve maps pinned skill ids to loaded skills, skipping ids that no longer
// exist on disk.
func (l *Loader) Resolve(ids []string) []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Skill
	for _, id := range ids {
		sk, ok := l.skills[id]
		if !ok {
			slog.Warn("pinned skill not found, skipping", "id", id)
			continue
		}
		out = append(out, sk)
	}
	return out
}
