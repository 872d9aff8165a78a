package shell

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxActiveShellContexts caps concurrently live sessions.
const MaxActiveShellContexts = 64

const (
	// sessionIdleTimeout is the quiescent period after which an exited
	// session is reclaimed without waiting for capacity pressure.
	sessionIdleTimeout = time.Minute
	janitorInterval    = 30 * time.Second
)

var (
	ErrTooManySessions = errors.New("too_many_sessions")
	ErrUnknownSession  = errors.New("shell_unknown_session")
	ErrStdinClosed     = errors.New("shell_stdin_closed")
)

// SpawnParams describes one exec_command invocation.
type SpawnParams struct {
	Command string
	Workdir string // resolved relative to the project root when relative
	Shell   string // defaults to $SHELL, then bash
	Login   bool   // -lc vs -c
	Env     []string
}

// Manager owns the session map. All map mutation happens under mu; capacity
// eviction runs synchronously inside Spawn.
type Manager struct {
	projectRoot string
	maxSessions int

	mu       sync.Mutex
	sessions map[int]*Session
	nextID   int

	janitorOnce sync.Once
	janitorDone chan struct{}
}

func NewManager(projectRoot string) *Manager {
	m := &Manager{
		projectRoot: projectRoot,
		maxSessions: MaxActiveShellContexts,
		sessions:    map[int]*Session{},
		nextID:      1,
		janitorDone: make(chan struct{}),
	}
	go m.janitor()
	return m
}

// janitor reclaims exited sessions whose output nobody collected within the
// quiescent window. Runs until Shutdown.
func (m *Manager) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.janitorDone:
			return
		case now := <-ticker.C:
			m.sweepIdle(now)
		}
	}
}

// sweepIdle drops every exited session idle past sessionIdleTimeout.
func (m *Manager) sweepIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		exited, _, _, _ := s.snapshot()
		if exited && s.idleFor(now) > sessionIdleTimeout {
			slog.Debug("reclaiming idle shell session", "id", id)
			delete(m.sessions, id)
		}
	}
}

// Spawn starts a shell process and registers its session. Exited and drained
// sessions are evicted oldest-first to make room before failing with
// ErrTooManySessions.
func (m *Manager) Spawn(p SpawnParams) (*Session, error) {
	shellBin := p.Shell
	if shellBin == "" {
		shellBin = os.Getenv("SHELL")
	}
	if shellBin == "" {
		shellBin = "bash"
	}
	flag := "-lc"
	if !p.Login {
		flag = "-c"
	}

	workdir := m.projectRoot
	if p.Workdir != "" {
		if filepath.IsAbs(p.Workdir) {
			workdir = filepath.Clean(p.Workdir)
		} else {
			workdir = filepath.Clean(filepath.Join(m.projectRoot, p.Workdir))
		}
	}

	cmd := exec.Command(shellBin, flag, p.Command)
	cmd.Dir = workdir
	cmd.Env = utf8Env(append(os.Environ(), p.Env...))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	m.mu.Lock()
	m.evictLocked()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	id := m.nextID
	m.nextID++
	s := newSession(id, cmd, stdin)
	m.sessions[id] = s
	m.mu.Unlock()

	if err := cmd.Start(); err != nil {
		m.Remove(id)
		return nil, fmt.Errorf("start shell: %w", err)
	}
	slog.Debug("shell session started", "id", id, "shell", shellBin, "workdir", workdir)

	go pump(s, stdout)
	go pump(s, stderr)
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = cmd.ProcessState.ExitCode()
			if code < 0 {
				code = -1
			}
		}
		s.markExited(code)
	}()

	return s, nil
}

func pump(s *Session, r io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.appendOutput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// evictLocked removes sessions that have exited with an empty buffer,
// oldest-first. Callers hold m.mu.
func (m *Manager) evictLocked() {
	if len(m.sessions) < m.maxSessions {
		return
	}
	var done []*Session
	for _, s := range m.sessions {
		exited, _, _, drained := s.snapshot()
		if exited && drained {
			done = append(done, s)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].createdAt.Before(done[j].createdAt) })
	for _, s := range done {
		if len(m.sessions) < m.maxSessions {
			return
		}
		delete(m.sessions, s.id)
	}
}

// Get returns the session with the given id.
func (m *Manager) Get(id int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops a session from the map without touching the process.
func (m *Manager) Remove(id int) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Close terminates a session and removes it. Unknown ids are idempotent
// success.
func (m *Manager) Close(id int, force bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.terminate(force)
	s.stdin.Close()
}

// Shutdown stops the janitor and terminates every remaining session. Used at
// process exit.
func (m *Manager) Shutdown() {
	m.janitorOnce.Do(func() { close(m.janitorDone) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[int]*Session{}
	m.mu.Unlock()
	for _, s := range sessions {
		s.terminate(true)
		s.stdin.Close()
	}
}

// Count reports live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// utf8Env makes sure the child sees a UTF-8 locale so its output survives
// sanitization.
func utf8Env(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "LANG=") && strings.Contains(kv, "UTF-8") {
			return env
		}
	}
	return append(env, "LANG=C.UTF-8")
}
