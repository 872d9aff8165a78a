package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/shipd/ship/internal/skills"
)

type fakeTool struct {
	name string
	run  func(ctx context.Context, args map[string]interface{}) *Result
}

func (t *fakeTool) Name() string                        { return t.name }
func (t *fakeTool) Description() string                 { return "fake " + t.name }
func (t *fakeTool) Parameters() map[string]interface{}  { return map[string]interface{}{"type": "object"} }
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.run != nil {
		return t.run(ctx, args)
	}
	return NewResult("ok")
}

func newTestRegistry(names ...string) *Registry {
	reg := NewRegistry()
	for _, n := range names {
		reg.Register(&fakeTool{name: n})
	}
	return reg
}

func TestRunSetUnrestrictedKeepsAll(t *testing.T) {
	reg := newTestRegistry("read_file", "exec_command", "chat_send")
	rs := BuildRunSet(reg, []skills.Skill{{ID: "open", Instructions: "x"}}, nil)
	if got := rs.Names(); len(got) != 3 {
		t.Fatalf("names = %v", got)
	}
}

func TestRunSetSkillGating(t *testing.T) {
	reg := newTestRegistry("read_file", "write_file", "exec_command", "write_stdin", "close_shell", "chat_send")
	active := []skills.Skill{
		{ID: "a", Instructions: "x", AllowedTools: []string{"read_file"}},
		{ID: "b", Instructions: "y", AllowedTools: []string{"chat_send"}},
	}
	rs := BuildRunSet(reg, active, nil)

	want := []string{"chat_send", "close_shell", "exec_command", "read_file", "write_stdin"}
	got := rs.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", got, want)
	}
	if res := rs.Execute(context.Background(), "write_file", nil); !res.IsError {
		t.Fatal("gated tool should not execute")
	}
}

func TestRunSetAfterToolHook(t *testing.T) {
	reg := newTestRegistry("read_file")
	calls := 0
	rs := BuildRunSet(reg, nil, func() { calls++ })

	rs.Execute(context.Background(), "read_file", map[string]interface{}{"path": "x"})
	rs.Execute(context.Background(), "missing", nil)
	if calls != 1 {
		t.Fatalf("afterTool ran %d times, want 1 (unknown tool skips hook)", calls)
	}
}

func TestRunSetDefinitions(t *testing.T) {
	reg := newTestRegistry("b_tool", "a_tool")
	defs := BuildRunSet(reg, nil, nil).Definitions()
	if len(defs) != 2 || defs[0].Function.Name != "a_tool" {
		t.Fatalf("defs = %+v", defs)
	}
	if defs[0].Type != "function" {
		t.Fatalf("def type = %q", defs[0].Type)
	}
}

func TestRequestEnv(t *testing.T) {
	thread := int64(42)
	req := Request{
		ContextID: "ctx", RequestID: "req-1", Channel: "ws", TargetID: "room",
		ActorID: "u1", ThreadID: &thread, ServerHost: "127.0.0.1", ServerPort: 18791,
	}
	env := strings.Join(req.Env(), "\n")
	for _, want := range []string{
		"SMA_CTX_CONTEXT_ID=ctx",
		"SMA_CTX_THREAD_ID=42",
		"SMA_CTX_SERVER_PORT=18791",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("env missing %q:\n%s", want, env)
		}
	}
	if strings.Contains(env, "SMA_CTX_ACTOR_NAME") {
		t.Fatal("empty optional fields should be omitted")
	}
}
