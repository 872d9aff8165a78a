package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/shipd/ship/internal/providers"
	"github.com/shipd/ship/internal/skills"
)

// Tool is the interface every agent tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// shellTriad stays available even under a skill allowlist, so an active skill
// can never lock the model out of its own shell sessions.
var shellTriad = map[string]bool{
	"exec_command": true,
	"write_stdin":  true,
	"close_shell":  true,
}

// Registry holds the application's base tool set.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		slog.Warn("replacing registered tool", "name", t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// RunSet is the per-run tool map the agent loop executes against. It applies
// active-skill gating and interposes the post-tool hook; tools themselves
// never see either.
type RunSet struct {
	tools     map[string]Tool
	afterTool func()
}

// BuildRunSet narrows the registry to the tools allowed by the active skills
// and attaches afterTool, which runs after every execution (the scheduler's
// correction-merge drain). Skills with no allowedTools leave the full set
// available; otherwise the effective allowlist is the union of every active
// skill's allowedTools plus the shell triad.
func BuildRunSet(reg *Registry, active []skills.Skill, afterTool func()) *RunSet {
	restricted := false
	allowed := map[string]bool{}
	for _, sk := range active {
		if !sk.Restricted() {
			continue
		}
		restricted = true
		for _, name := range sk.AllowedTools {
			allowed[name] = true
		}
	}

	rs := &RunSet{tools: map[string]Tool{}, afterTool: afterTool}
	for _, t := range reg.List() {
		if restricted && !allowed[t.Name()] && !shellTriad[t.Name()] {
			continue
		}
		rs.tools[t.Name()] = t
	}
	return rs
}

// Names returns the effective tool names sorted.
func (rs *RunSet) Names() []string {
	out := make([]string, 0, len(rs.tools))
	for name := range rs.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions renders the run set as provider tool definitions.
func (rs *RunSet) Definitions() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, name := range rs.Names() {
		t := rs.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the named tool and then fires the post-tool hook. Unknown
// tools produce an error result rather than aborting the loop.
func (rs *RunSet) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := rs.tools[name]
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}
	res := t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult("tool returned no result: " + name)
	}
	if rs.afterTool != nil {
		rs.afterTool()
	}
	return res
}
