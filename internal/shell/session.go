// Package shell manages long-lived interactive shell sessions for the agent.
//
// A session is one spawned shell process whose combined stdout/stderr stream
// accumulates into a bounded pending buffer. The exec_command and write_stdin
// tools wait on that buffer with a clamped yield window and page the result
// back to the model; close_shell releases the process.
package shell

import (
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// MaxContextPendingChars bounds the pending buffer; oldest bytes are
	// dropped past this.
	MaxContextPendingChars = 1_000_000

	minYield      = 50 * time.Millisecond
	maxYield      = 30 * time.Second
	emptyPollMin  = 5 * time.Second
	followOnWait  = 30 * time.Millisecond
)

// Session is one live shell process and its output buffer.
type Session struct {
	id        int
	createdAt time.Time

	cmd   *exec.Cmd
	stdin stdinWriter

	mu          sync.Mutex
	pending     string
	dropped     int
	exited      bool
	exitCode    int
	stdinClosed bool
	lastActive  time.Time
	changed     chan struct{} // closed and replaced on every state change
}

type stdinWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

func newSession(id int, cmd *exec.Cmd, stdin stdinWriter) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		createdAt:  now,
		lastActive: now,
		cmd:        cmd,
		stdin:      stdin,
		changed:    make(chan struct{}),
	}
}

// ID returns the session's context id as handed to the model.
func (s *Session) ID() int { return s.id }

// signalLocked wakes every waiter. Callers hold s.mu.
func (s *Session) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// appendOutput sanitizes and buffers a chunk from stdout or stderr. Past the
// buffer cap the oldest bytes are discarded and droppedChars grows; the
// session stays usable.
func (s *Session) appendOutput(chunk []byte) {
	text := sanitizeOutput(string(chunk))
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending += text
	if over := len(s.pending) - MaxContextPendingChars; over > 0 {
		s.pending = s.pending[over:]
		s.dropped += over
	}
	s.lastActive = time.Now()
	s.signalLocked()
}

func (s *Session) markExited(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
	s.exitCode = code
	s.stdinClosed = true
	s.lastActive = time.Now()
	s.signalLocked()
}

// sanitizeOutput strips control characters except newline and tab and
// normalizes CRLF to LF.
func sanitizeOutput(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// clampYield applies the wait-window bounds. Empty-input polling raises the
// floor so the model cannot busy-loop on an idle process.
func clampYield(d time.Duration, emptyPoll bool) time.Duration {
	if d < minYield {
		d = minYield
	}
	if emptyPoll && d < emptyPollMin {
		d = emptyPollMin
	}
	if d > maxYield {
		d = maxYield
	}
	return d
}

// waitOutput blocks until output is pending, the process exits, or the yield
// window closes. When bytes are already pending it still waits briefly for a
// follow-on chunk to reduce fragmentation.
func (s *Session) waitOutput(yield time.Duration, emptyPoll bool) {
	deadline := time.NewTimer(clampYield(yield, emptyPoll))
	defer deadline.Stop()

	for {
		// The channel must be captured under the same lock as the state
		// snapshot: a chunk landing between them would signal a channel this
		// waiter is not holding and the wakeup would be lost.
		s.mu.Lock()
		hasPending := s.pending != ""
		exited := s.exited
		ch := s.changed
		s.mu.Unlock()

		if hasPending {
			select {
			case <-ch:
			case <-time.After(followOnWait):
			}
			return
		}
		if exited {
			return
		}

		select {
		case <-ch:
		case <-deadline.C:
			return
		}
	}
}

// takePage cuts up to maxChars/maxLines off the front of the pending buffer
// and reports whether more remains.
func (s *Session) takePage(maxChars, maxLines int) (page string, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := len(s.pending)
	if maxChars > 0 && cut > maxChars {
		cut = maxChars
	}
	if maxLines > 0 {
		lines := 0
		for i := 0; i < cut; i++ {
			if s.pending[i] == '\n' {
				lines++
				if lines == maxLines {
					cut = i + 1
					break
				}
			}
		}
	}

	page = s.pending[:cut]
	s.pending = s.pending[cut:]
	s.lastActive = time.Now()
	return page, s.pending != ""
}

// snapshot returns the fields tool responses report.
func (s *Session) snapshot() (exited bool, exitCode, dropped int, drained bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitCode, s.dropped, s.pending == ""
}

// idleFor reports how long the session has gone without activity.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// writeStdin sends input to the process.
func (s *Session) writeStdin(chars string) error {
	s.mu.Lock()
	closed := s.stdinClosed
	s.lastActive = time.Now()
	s.mu.Unlock()
	if closed {
		return ErrStdinClosed
	}
	if _, err := s.stdin.Write([]byte(chars)); err != nil {
		s.mu.Lock()
		s.stdinClosed = true
		s.mu.Unlock()
		return ErrStdinClosed
	}
	return nil
}

// terminate signals the process. force upgrades SIGTERM to SIGKILL.
func (s *Session) terminate(force bool) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	s.cmd.Process.Signal(sig)
}
