package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shipd/ship/internal/paths"
)

// ErrInvalidContextID is returned when a context id fails validation at an
// API boundary.
var ErrInvalidContextID = errors.New("invalid_context_id")

// Store owns one context's transcript directory. All writes serialize through
// the in-process mutex plus the on-disk advisory lock; reads are tolerant of
// concurrent writers because the format is append-only JSON lines.
type Store struct {
	contextID string
	dir       string // messages directory
	lockOpts  LockOptions

	mu        sync.Mutex
	ids       map[string]struct{} // turn ids seen in the transcript
	idsLoaded bool
}

// New creates a store for a context using the standard layout.
func New(layout paths.Layout, contextID string) (*Store, error) {
	if err := paths.ValidateContextID(contextID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContextID, err)
	}
	return &Store{contextID: contextID, dir: layout.ContextMessagesDir(contextID)}, nil
}

// NewAt creates a store with an explicit messages-directory override, so one
// engine can write into the task-run layout.
func NewAt(contextID, dir string) (*Store, error) {
	if err := paths.ValidateContextID(contextID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContextID, err)
	}
	return &Store{contextID: contextID, dir: dir}, nil
}

// SetLockOptions overrides lock tuning (tests, slow providers).
func (s *Store) SetLockOptions(opts LockOptions) { s.lockOpts = opts }

// ContextID returns the bound context id.
func (s *Store) ContextID() string { return s.contextID }

// Dir returns the messages directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) messagesPath() string { return filepath.Join(s.dir, paths.MessagesFile) }
func (s *Store) metaPath() string     { return filepath.Join(s.dir, paths.MetaFile) }
func (s *Store) lockPath() string     { return filepath.Join(s.dir, paths.LockFile) }
func (s *Store) archiveDir() string   { return filepath.Join(s.dir, paths.ArchiveDir) }

// Append serializes the turn as one JSON line and appends it under the
// context write-lock (compaction rewrites the same file).
func (s *Store) Append(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(turn)
}

// AppendIfNew appends unless a turn with the same id already exists.
// Returns true when the turn was written.
func (s *Store) AppendIfNew(turn Turn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIDsLocked(); err != nil {
		return false, err
	}
	if _, seen := s.ids[turn.ID]; seen {
		return false, nil
	}
	if err := s.appendLocked(turn); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) appendLocked(turn Turn) error {
	if turn.ID == "" {
		return fmt.Errorf("append: turn id is empty")
	}
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return fmt.Errorf("append: unknown role %q", turn.Role)
	}

	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}

	lock, err := acquireLock(context.Background(), s.lockPath(), s.lockOpts)
	if err != nil {
		return err
	}
	defer lock.release()

	f, err := os.OpenFile(s.messagesPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}

	if s.idsLoaded {
		s.ids[turn.ID] = struct{}{}
	}
	return nil
}

// LoadAll reads the entire transcript. Malformed lines are skipped with a
// warning; a load never fails because of one bad line. Only turns with a
// recognized role and a parts array are returned.
func (s *Store) LoadAll() ([]Turn, error) {
	return s.loadFile(s.messagesPath())
}

// LoadRange returns turns[i:j] clamped to the transcript bounds.
func (s *Store) LoadRange(i, j int) ([]Turn, error) {
	turns, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if i < 0 {
		i = 0
	}
	if j > len(turns) {
		j = len(turns)
	}
	if i >= j {
		return nil, nil
	}
	return turns[i:j], nil
}

func (s *Store) loadFile(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var turn Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			slog.Warn("skipping malformed transcript line", "context", s.contextID, "line", lineNo, "error", err)
			continue
		}
		if (turn.Role != RoleUser && turn.Role != RoleAssistant) || turn.Parts == nil {
			slog.Warn("skipping unrecognized transcript line", "context", s.contextID, "line", lineNo, "role", turn.Role)
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return turns, fmt.Errorf("scan transcript: %w", err)
	}
	return turns, nil
}

func (s *Store) ensureIDsLocked() error {
	if s.idsLoaded {
		return nil
	}
	turns, err := s.LoadAll()
	if err != nil {
		return err
	}
	s.ids = make(map[string]struct{}, len(turns))
	for _, t := range turns {
		s.ids[t.ID] = struct{}{}
	}
	s.idsLoaded = true
	return nil
}

// LoadMeta reads the per-context meta record, returning a fresh v1 record
// when none exists yet.
func (s *Store) LoadMeta() (Meta, error) {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{V: 1, ContextID: s.contextID}, nil
		}
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("meta unreadable, starting fresh", "context", s.contextID, "error", err)
		return Meta{V: 1, ContextID: s.contextID}, nil
	}
	if m.ContextID == "" {
		m.ContextID = s.contextID
	}
	return m, nil
}

// UpdateMeta applies fn to the current meta under the store mutex and writes
// the result atomically.
func (s *Store) UpdateMeta(fn func(m *Meta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateMetaLocked(fn)
}

func (s *Store) updateMetaLocked(fn func(m *Meta)) error {
	m, err := s.LoadMeta()
	if err != nil {
		return err
	}
	fn(&m)
	m.V = 1
	m.ContextID = s.contextID
	m.UpdatedAt = time.Now().UnixMilli()
	return s.writeMeta(m)
}

func (s *Store) writeMeta(m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}
	return atomicWrite(s.dir, s.metaPath(), data)
}

// AddPinnedSkillID pins a skill id on the context, durable across runs.
func (s *Store) AddPinnedSkillID(skillID string) error {
	return s.UpdateMeta(func(m *Meta) {
		for _, id := range m.PinnedSkillIDs {
			if id == skillID {
				return
			}
		}
		m.PinnedSkillIDs = append(m.PinnedSkillIDs, skillID)
	})
}

// SetPinnedSkillIDs replaces the pinned-skill set.
func (s *Store) SetPinnedSkillIDs(skillIDs []string) error {
	return s.UpdateMeta(func(m *Meta) {
		m.PinnedSkillIDs = append([]string(nil), skillIDs...)
	})
}

// LoadArchive reads one archive segment by id.
func (s *Store) LoadArchive(archiveID string) (ArchiveSegment, error) {
	data, err := os.ReadFile(filepath.Join(s.archiveDir(), archiveID+".json"))
	if err != nil {
		return ArchiveSegment{}, fmt.Errorf("read archive: %w", err)
	}
	var seg ArchiveSegment
	if err := json.Unmarshal(data, &seg); err != nil {
		return ArchiveSegment{}, fmt.Errorf("parse archive: %w", err)
	}
	return seg, nil
}

// atomicWrite writes data to path via temp file + rename in the same dir.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
