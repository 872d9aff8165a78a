// Package agent drives the per-context tool loop: compact the transcript,
// compose the system prompt, step the model until it stops calling tools, and
// hand the synthesized assistant turn back to the scheduler.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shipd/ship/internal/bus"
	"github.com/shipd/ship/internal/config"
	"github.com/shipd/ship/internal/paths"
	"github.com/shipd/ship/internal/providers"
	"github.com/shipd/ship/internal/skills"
	"github.com/shipd/ship/internal/store"
	"github.com/shipd/ship/internal/tools"
)

const (
	maxSteps = 30

	// maxOverflowRetries bounds full re-entries after a context-length error;
	// each retry halves the compaction budgets.
	maxOverflowRetries = 3

	keepLastFloor    = 6
	tokenBudgetFloor = 2000
)

// DrainResult reports what the scheduler folded into the running slice.
type DrainResult struct {
	Drained  int
	Messages []bus.InboundMessage
}

// DrainFunc is the scheduler's cooperation signal, invoked at tool
// boundaries. A positive drained count means new user turns were appended to
// the transcript and the runner must re-read it before the next step.
type DrainFunc func() DrainResult

// RunRequest is one slice of work: the head-of-lane message plus the
// scheduler hooks.
type RunRequest struct {
	Msg   bus.InboundMessage
	Drain DrainFunc
	// OnStep fires for each step that produced assistant text.
	OnStep func(step int, text string)
	// OnStepFinish fires once per completed step, including the final one.
	OnStepFinish func(step int)
}

// RunResult is the outcome of a slice. AssistantTurn is returned, never
// appended here; the scheduler commits it exactly once after delivery.
type RunResult struct {
	Success       bool
	Output        string
	ToolCalls     int
	Steps         int
	AssistantTurn *store.Turn
}

// RunnerConfig wires a runner for one context.
type RunnerConfig struct {
	Layout      paths.Layout
	Config      *config.Config
	Provider    providers.Provider
	Store       *store.Store
	Tools       *tools.Registry
	Skills      *skills.Loader
	SystemTexts []string
	ServerHost  string
	ServerPort  int
	// Deliver lets chat_send push interim messages while a slice runs.
	Deliver tools.DeliverHook
}

// Runner executes slices for exactly one context.
type Runner struct {
	layout      paths.Layout
	cfg         *config.Config
	provider    providers.Provider
	store       *store.Store
	registry    *tools.Registry
	skills      *skills.Loader
	systemTexts []string
	serverHost  string
	serverPort  int
	deliver     tools.DeliverHook

	mu        sync.Mutex
	contextID string // bound on first run
}

func NewRunner(rc RunnerConfig) *Runner {
	return &Runner{
		layout:      rc.Layout,
		cfg:         rc.Config,
		provider:    rc.Provider,
		store:       rc.Store,
		registry:    rc.Tools,
		skills:      rc.Skills,
		systemTexts: rc.SystemTexts,
		serverHost:  rc.ServerHost,
		serverPort:  rc.ServerPort,
		deliver:     rc.Deliver,
	}
}

// bind pins the runner to its first context id and rejects any other.
func (r *Runner) bind(contextID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contextID == "" {
		r.contextID = contextID
		return nil
	}
	if r.contextID != contextID {
		return fmt.Errorf("runner bound to context %q, got %q", r.contextID, contextID)
	}
	return nil
}

// Run executes one slice. Provider context-overflow errors re-enter with
// halved budgets; any other failure comes back as a user-facing result, not
// an error.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := paths.ValidateContextID(req.Msg.ContextID); err != nil {
		return nil, err
	}
	if err := r.bind(req.Msg.ContextID); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxOverflowRetries; attempt++ {
		res, err := r.runAttempt(ctx, req, attempt)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if providers.IsContextOverflow(err) && attempt < maxOverflowRetries {
			slog.Warn("context overflow, retrying with halved budgets",
				"context", req.Msg.ContextID, "attempt", attempt+1, "error", err)
			continue
		}
		break
	}

	slog.Error("slice failed", "context", req.Msg.ContextID, "error", lastErr)
	return &RunResult{
		Success: false,
		Output:  "Execution failed: " + lastErr.Error(),
	}, nil
}

// halved divides v by 2^attempt with a floor.
func halved(v, attempt, floor int) int {
	v >>= attempt
	if v < floor {
		v = floor
	}
	return v
}

func (r *Runner) runAttempt(ctx context.Context, req RunRequest, attempt int) (*RunResult, error) {
	hist := r.cfg.Context.History
	keep := halved(hist.KeepLastMessages, attempt, keepLastFloor)
	budget := halved(hist.MaxInputTokensApprox, attempt, tokenBudgetFloor)

	compacted, err := r.store.CompactIfNeeded(ctx, store.CompactParams{
		KeepLastMessages:     keep,
		MaxInputTokensApprox: budget,
		ArchiveOnCompact:     hist.ArchiveEnabled(),
		Summarize:            r.summarize,
	})
	if err != nil {
		// Compaction trouble degrades the run, it does not abort it.
		slog.Warn("compaction failed before run", "context", req.Msg.ContextID, "error", err)
	} else if compacted.Compacted {
		slog.Info("transcript compacted before run",
			"context", req.Msg.ContextID, "archived", compacted.ArchivedCount, "archive", compacted.ArchiveID)
		r.maybeDropSkills(ctx, keep)
	}

	if err := r.ensureUserTurn(req.Msg); err != nil {
		return nil, fmt.Errorf("ensure user turn: %w", err)
	}

	return r.stepLoop(ctx, req)
}

// toolError is one failed tool result surfaced at the output tail.
type toolError struct {
	name    string
	summary string
}

func (r *Runner) stepLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	cur := req.Msg // latest message; correction merge advances it

	afterTool := func() {
		if req.Drain == nil {
			return
		}
		res := req.Drain()
		if res.Drained > 0 {
			if len(res.Messages) > 0 {
				cur = res.Messages[len(res.Messages)-1]
			}
			slog.Debug("lane drained mid-slice", "context", cur.ContextID, "count", res.Drained)
		}
	}

	var (
		runMessages  []providers.Message // this run's assistant/tool suffix
		parts        []store.Part        // assistant-turn parts in emit order
		toolErrors   []toolError
		toolCalls    int
		finalContent string
		steps        int
	)

	for steps < maxSteps {
		steps++

		// The transcript is re-read every step so turns folded in by the
		// drain callback become part of the prefix; this run's in-flight
		// tool exchange is preserved as the suffix.
		turns, err := r.store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load transcript: %w", err)
		}
		meta, err := r.store.LoadMeta()
		if err != nil {
			return nil, fmt.Errorf("load meta: %w", err)
		}
		active := r.skills.Resolve(meta.PinnedSkillIDs)
		rs := tools.BuildRunSet(r.registry, active, afterTool)

		messages := make([]providers.Message, 0, len(turns)+len(runMessages)+1)
		messages = append(messages, providers.Message{
			Role:    "system",
			Content: r.buildSystemPrompt(cur, active, rs.Names()),
		})
		messages = append(messages, store.ToModelMessages(turns, store.ConvertOptions{IncludeTools: true})...)
		messages = append(messages, runMessages...)

		resp, err := r.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    rs.Definitions(),
			Model:    r.model(),
			Options:  r.chatOptions(),
		})
		if err != nil {
			return nil, fmt.Errorf("model call failed (step %d): %w", steps, err)
		}

		if resp.Content != "" {
			parts = append(parts, store.TextPart(resp.Content))
			if req.OnStep != nil {
				req.OnStep(steps, resp.Content)
			}
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			if req.OnStepFinish != nil {
				req.OnStepFinish(steps)
			}
			break
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		runMessages = append(runMessages, assistantMsg)

		for _, tc := range resp.ToolCalls {
			toolCalls++
			inputJSON, _ := json.Marshal(tc.Arguments)
			parts = append(parts, store.Part{
				Type:       store.PartToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Input:      string(inputJSON),
			})
			slog.Info("tool call", "context", cur.ContextID, "tool", tc.Name, "step", steps)

			toolCtx := r.toolContext(ctx, cur)
			result := rs.Execute(toolCtx, tc.Name, tc.Arguments)
			if summary, failed := summarizeFailure(result); failed {
				toolErrors = append(toolErrors, toolError{name: tc.Name, summary: summary})
				slog.Warn("tool failed", "context", cur.ContextID, "tool", tc.Name, "error", summary)
			}

			parts = append(parts, store.Part{
				Type:       store.PartToolOutput,
				ToolCallID: tc.ID,
				Output:     result.ForLLM,
			})
			runMessages = append(runMessages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
		if req.OnStepFinish != nil {
			req.OnStepFinish(steps)
		}
	}

	output := strings.TrimSpace(finalContent)
	if output == "" {
		output = "(no response)"
	}
	if len(toolErrors) > 0 {
		var b strings.Builder
		b.WriteString(output)
		b.WriteString("\n\nTool errors:\n")
		for _, te := range toolErrors {
			fmt.Fprintf(&b, "- %s: %s\n", te.name, te.summary)
		}
		output = strings.TrimRight(b.String(), "\n")
	}

	if len(parts) == 0 {
		parts = append(parts, store.TextPart(output))
	}

	turn := &store.Turn{
		ID:    store.AssistantTurnID(cur.ContextID),
		Role:  store.RoleAssistant,
		Parts: parts,
		Metadata: store.Metadata{
			V:         1,
			TS:        time.Now().UnixMilli(),
			ContextID: cur.ContextID,
			Channel:   cur.Channel,
			TargetID:  cur.TargetID,
			ActorID:   "bot",
			Source:    store.SourceEgress,
			Kind:      store.KindNormal,
			RequestID: cur.RequestID,
		},
	}

	return &RunResult{
		Success:       true,
		Output:        output,
		ToolCalls:     toolCalls,
		Steps:         steps,
		AssistantTurn: turn,
	}, nil
}

// summarizeFailure extracts a ≤200 char error summary from a tool result.
// Failures show up either as IsError or as a JSON payload with success=false.
func summarizeFailure(result *tools.Result) (string, bool) {
	failed := result.IsError
	summary := result.ForLLM

	if !failed {
		var payload struct {
			Success *bool  `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(result.ForLLM), &payload); err == nil &&
			payload.Success != nil && !*payload.Success {
			failed = true
			if payload.Error != "" {
				summary = payload.Error
			}
		}
	}
	if !failed {
		return "", false
	}
	summary = strings.TrimSpace(summary)
	if len(summary) > 200 {
		summary = summary[:200] + "..."
	}
	return summary, true
}

func (r *Runner) toolContext(ctx context.Context, msg bus.InboundMessage) context.Context {
	ctx = tools.WithWorkspace(ctx, r.layout.Root)
	if r.deliver != nil {
		ctx = tools.WithDeliver(ctx, r.deliver)
	}
	return tools.WithRequest(ctx, tools.Request{
		ContextID:  msg.ContextID,
		RequestID:  msg.RequestID,
		Channel:    msg.Channel,
		TargetID:   msg.TargetID,
		ActorID:    msg.ActorID,
		ActorName:  msg.ActorName,
		MessageID:  msg.MessageID,
		ThreadID:   msg.ThreadID,
		ServerHost: r.serverHost,
		ServerPort: r.serverPort,
	})
}

func (r *Runner) model() string {
	if r.cfg.Agent.Model != "" {
		return r.cfg.Agent.Model
	}
	return r.provider.DefaultModel()
}

func (r *Runner) chatOptions() map[string]interface{} {
	opts := map[string]interface{}{}
	if r.cfg.Agent.MaxTokens > 0 {
		opts["max_tokens"] = r.cfg.Agent.MaxTokens
	}
	if r.cfg.Agent.Temperature > 0 {
		opts["temperature"] = r.cfg.Agent.Temperature
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// ensureUserTurn makes the head message's user turn present exactly once.
// Ingress only stamps ids; the turn commits here when the slice starts, or
// earlier via a correction merge. Matching is by platform message id first,
// then by trimmed text within the last two turns.
func (r *Runner) ensureUserTurn(msg bus.InboundMessage) error {
	turns, err := r.store.LoadAll()
	if err != nil {
		return err
	}
	tail := turns
	if len(tail) > 2 {
		tail = tail[len(tail)-2:]
	}
	for _, t := range tail {
		if t.Role != store.RoleUser {
			continue
		}
		if msg.MessageID != "" && t.Metadata.MessageID == msg.MessageID {
			return nil
		}
		if strings.TrimSpace(t.JoinedText()) == strings.TrimSpace(msg.Text) {
			return nil
		}
	}
	_, err = r.store.AppendIfNew(UserTurnFromMessage(msg))
	return err
}

// UserTurnFromMessage builds the ingress turn for an inbound message. Shared
// with the scheduler's correction merge.
func UserTurnFromMessage(msg bus.InboundMessage) store.Turn {
	return store.Turn{
		ID:    store.UserTurnID(msg.ContextID, msg.MessageID),
		Role:  store.RoleUser,
		Parts: []store.Part{store.TextPart(msg.Text)},
		Metadata: store.Metadata{
			V:         1,
			TS:        time.Now().UnixMilli(),
			ContextID: msg.ContextID,
			Channel:   msg.Channel,
			TargetID:  msg.TargetID,
			ActorID:   msg.ActorID,
			ActorName: msg.ActorName,
			MessageID: msg.MessageID,
			ThreadID:  msg.ThreadID,
			Source:    store.SourceIngress,
			Kind:      store.KindNormal,
			RequestID: msg.RequestID,
		},
	}
}

const summarizeSystemPrompt = `Summarize the following conversation segment as concise Markdown.
Preserve decisions, open tasks, names, file paths and other facts the
assistant will need later. Do not add commentary.`

// summarize is the CompactIfNeeded callback; it runs unlocked.
func (r *Runner) summarize(ctx context.Context, text string) (string, error) {
	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Model: r.model(),
		Messages: []providers.Message{
			{Role: "system", Content: summarizeSystemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
