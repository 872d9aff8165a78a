package shell

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/shipd/ship/internal/tools"
)

// sendHelperPatterns rejects commands that try to reach the user through the
// local chat callback instead of the chat_send tool. Going around the tool
// would bypass delivery bookkeeping.
var sendHelperPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bship\s+chat\b`),
	regexp.MustCompile(`\$SMA_CTX_SERVER_HOST\b.*/(chat|send)\b`),
}

// PageLimits holds the output-paging budgets from configuration.
type PageLimits struct {
	MaxChars int
	MaxLines int
}

// tighten narrows the char budget by the caller's max_output_tokens.
func (p PageLimits) tighten(maxOutputTokens int) PageLimits {
	if maxOutputTokens > 0 {
		if chars := maxOutputTokens * 4; chars < p.MaxChars {
			p.MaxChars = chars
		}
	}
	return p
}

const moreOutputNote = "More output is buffered. Poll with write_stdin(context_id, chars: \"\") to read the next page."

// response is the JSON payload all three shell tools return to the model.
// ContextID null signals the session is gone.
type response struct {
	Success       bool   `json:"success"`
	ContextID     *int   `json:"context_id"`
	Output        string `json:"output,omitempty"`
	HasMoreOutput bool   `json:"has_more_output"`
	DroppedChars  int    `json:"dropped_chars,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Note          string `json:"note,omitempty"`
	Error         string `json:"error,omitempty"`
}

func failure(kind string) *tools.Result {
	return tools.JSONResult(response{Success: false, Error: kind})
}

// collect runs the wait/page/finalize sequence shared by exec_command and
// write_stdin. When the process has exited and the buffer is drained the
// session is auto-finalized and context_id comes back null.
func collect(m *Manager, s *Session, yield time.Duration, emptyPoll bool, limits PageLimits) *tools.Result {
	s.waitOutput(yield, emptyPoll)
	page, hasMore := s.takePage(limits.MaxChars, limits.MaxLines)
	exited, code, dropped, _ := s.snapshot()

	resp := response{
		Success:       true,
		Output:        page,
		HasMoreOutput: hasMore,
		DroppedChars:  dropped,
	}
	if hasMore {
		resp.Note = moreOutputNote
	}
	if exited && !hasMore {
		m.Remove(s.ID())
		resp.ExitCode = &code
	} else {
		id := s.ID()
		resp.ContextID = &id
	}
	return tools.JSONResult(resp)
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolArg(args map[string]interface{}, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// ExecCommandTool starts a shell session and returns its first output page.
type ExecCommandTool struct {
	mgr    *Manager
	limits PageLimits
}

func NewExecCommandTool(mgr *Manager, limits PageLimits) *ExecCommandTool {
	return &ExecCommandTool{mgr: mgr, limits: limits}
}

func (t *ExecCommandTool) Name() string { return "exec_command" }
func (t *ExecCommandTool) Description() string {
	return "Run a shell command in a new interactive session and return its output"
}
func (t *ExecCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"cmd": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to run",
			},
			"workdir": map[string]interface{}{
				"type":        "string",
				"description": "Working directory, relative to the project root",
			},
			"shell": map[string]interface{}{
				"type":        "string",
				"description": "Shell binary to use, defaults to $SHELL",
			},
			"login": map[string]interface{}{
				"type":        "boolean",
				"description": "Run as a login shell (-lc), default true",
			},
			"yield_time_ms": map[string]interface{}{
				"type":        "integer",
				"description": "How long to wait for output before returning, default 10000",
			},
			"max_output_tokens": map[string]interface{}{
				"type":        "integer",
				"description": "Approximate token budget for the returned page",
			},
		},
		"required": []string{"cmd"},
	}
}

func (t *ExecCommandTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	cmd, _ := args["cmd"].(string)
	if cmd == "" {
		return tools.ErrorResult("cmd is required")
	}
	for _, pat := range sendHelperPatterns {
		if pat.MatchString(cmd) {
			return tools.ErrorResult("use the chat_send tool to message the user, not a shell command")
		}
	}

	workdir, _ := args["workdir"].(string)
	shellBin, _ := args["shell"].(string)
	req := tools.RequestFromCtx(ctx)

	s, err := t.mgr.Spawn(SpawnParams{
		Command: cmd,
		Workdir: workdir,
		Shell:   shellBin,
		Login:   boolArg(args, "login", true),
		Env:     req.Env(),
	})
	if err != nil {
		if errors.Is(err, ErrTooManySessions) {
			return failure("too_many_sessions")
		}
		return tools.ErrorResult("failed to start shell: " + err.Error())
	}

	yield := time.Duration(intArg(args, "yield_time_ms", 10_000)) * time.Millisecond
	limits := t.limits.tighten(intArg(args, "max_output_tokens", 0))
	return collect(t.mgr, s, yield, false, limits)
}

// WriteStdinTool sends input to an open session, or polls it when chars is
// empty.
type WriteStdinTool struct {
	mgr    *Manager
	limits PageLimits
}

func NewWriteStdinTool(mgr *Manager, limits PageLimits) *WriteStdinTool {
	return &WriteStdinTool{mgr: mgr, limits: limits}
}

func (t *WriteStdinTool) Name() string { return "write_stdin" }
func (t *WriteStdinTool) Description() string {
	return "Send input to an open shell session, or poll for more output with empty chars"
}
func (t *WriteStdinTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"context_id": map[string]interface{}{
				"type":        "integer",
				"description": "Session id returned by exec_command",
			},
			"chars": map[string]interface{}{
				"type":        "string",
				"description": "Input to send; empty string just polls for output",
			},
			"yield_time_ms": map[string]interface{}{
				"type":        "integer",
				"description": "How long to wait for output before returning, default 10000",
			},
			"max_output_tokens": map[string]interface{}{
				"type":        "integer",
				"description": "Approximate token budget for the returned page",
			},
		},
		"required": []string{"context_id"},
	}
}

func (t *WriteStdinTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	id := intArg(args, "context_id", 0)
	s, ok := t.mgr.Get(id)
	if !ok {
		return failure("shell_unknown_session")
	}

	chars, _ := args["chars"].(string)
	if chars != "" {
		if err := s.writeStdin(chars); err != nil {
			return failure("shell_stdin_closed")
		}
	}

	yield := time.Duration(intArg(args, "yield_time_ms", 10_000)) * time.Millisecond
	limits := t.limits.tighten(intArg(args, "max_output_tokens", 0))
	return collect(t.mgr, s, yield, chars == "", limits)
}

// CloseShellTool terminates a session. Closing an unknown id is success.
type CloseShellTool struct {
	mgr *Manager
}

func NewCloseShellTool(mgr *Manager) *CloseShellTool {
	return &CloseShellTool{mgr: mgr}
}

func (t *CloseShellTool) Name() string { return "close_shell" }
func (t *CloseShellTool) Description() string {
	return "Terminate a shell session and discard its buffered output"
}
func (t *CloseShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"context_id": map[string]interface{}{
				"type":        "integer",
				"description": "Session id to close",
			},
			"force": map[string]interface{}{
				"type":        "boolean",
				"description": "Use SIGKILL instead of SIGTERM",
			},
		},
		"required": []string{"context_id"},
	}
}

func (t *CloseShellTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	id := intArg(args, "context_id", 0)
	t.mgr.Close(id, boolArg(args, "force", false))
	return tools.JSONResult(response{Success: true})
}
