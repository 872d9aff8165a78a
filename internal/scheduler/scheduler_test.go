package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shipd/ship/internal/agent"
	"github.com/shipd/ship/internal/bus"
	"github.com/shipd/ship/internal/config"
	"github.com/shipd/ship/internal/paths"
	"github.com/shipd/ship/internal/providers"
	"github.com/shipd/ship/internal/skills"
	"github.com/shipd/ship/internal/store"
	"github.com/shipd/ship/internal/tools"
)

// chatFunc lets each test script the model per call.
type chatFunc func(req providers.ChatRequest) (*providers.ChatResponse, error)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	chat  chatFunc
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	fn := p.chat
	p.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &providers.ChatResponse{Content: "ack", FinishReason: "stop"}, nil
}

func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

// testRig wires a scheduler over real stores and runners in a temp project.
type testRig struct {
	t        *testing.T
	layout   paths.Layout
	provider *fakeProvider
	registry *tools.Registry
	sched    *Scheduler

	mu      sync.Mutex
	stores  map[string]*store.Store
	runners map[string]*agent.Runner

	delivered []bus.OutboundMessage
	deliverFn bus.DeliverFunc
}

func newRig(t *testing.T, qcfg config.ChatQueueConfig) *testRig {
	t.Helper()
	rig := &testRig{
		t:        t,
		layout:   paths.Layout{Root: t.TempDir()},
		provider: &fakeProvider{},
		registry: tools.NewRegistry(),
		stores:   map[string]*store.Store{},
		runners:  map[string]*agent.Runner{},
	}
	rig.sched = New(qcfg, Hooks{
		RunnerFor: rig.runnerFor,
		StoreFor:  rig.storeFor,
		DeliverResult: func(msg bus.OutboundMessage) {
			rig.mu.Lock()
			fn := rig.deliverFn
			rig.delivered = append(rig.delivered, msg)
			rig.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		},
	})
	return rig
}

func (rig *testRig) storeFor(contextID string) (*store.Store, error) {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	if st, ok := rig.stores[contextID]; ok {
		return st, nil
	}
	st, err := store.New(rig.layout, contextID)
	if err != nil {
		return nil, err
	}
	st.SetLockOptions(store.LockOptions{StaleAfter: 2 * time.Second, Backoff: 5 * time.Millisecond})
	rig.stores[contextID] = st
	return st, nil
}

func (rig *testRig) runnerFor(contextID string) (*agent.Runner, error) {
	st, err := rig.storeFor(contextID)
	if err != nil {
		return nil, err
	}
	rig.mu.Lock()
	defer rig.mu.Unlock()
	if r, ok := rig.runners[contextID]; ok {
		return r, nil
	}
	loader, err := skills.NewLoader(rig.layout.SkillsDir())
	if err != nil {
		return nil, err
	}
	r := agent.NewRunner(agent.RunnerConfig{
		Layout:   rig.layout,
		Config:   config.Default(),
		Provider: rig.provider,
		Store:    st,
		Tools:    rig.registry,
		Skills:   loader,
	})
	rig.runners[contextID] = r
	return r, nil
}

func (rig *testRig) wait() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rig.sched.Wait(ctx); err != nil {
		rig.t.Fatal(err)
	}
}

func msg(contextID, id, text string) bus.InboundMessage {
	return bus.InboundMessage{
		ContextID: contextID, Text: text, Channel: "ws", TargetID: "room",
		ActorID: "u1", MessageID: id, RequestID: "req-" + id,
	}
}

func roles(turns []store.Turn) []string {
	var out []string
	for _, t := range turns {
		out = append(out, string(t.Role))
	}
	return out
}

func TestEnqueueRejectsEmptyContext(t *testing.T) {
	rig := newRig(t, config.Default().Context.ChatQueue)
	if err := rig.sched.Enqueue(bus.InboundMessage{Text: "hi"}); err == nil {
		t.Fatal("empty context id must be rejected")
	}
}

// Two messages on one lane commit strictly in order: user, assistant, user,
// assistant.
func TestSingleContextSerialization(t *testing.T) {
	rig := newRig(t, config.Default().Context.ChatQueue)

	if err := rig.sched.Enqueue(msg("ctx-A", "m1", "ping")); err != nil {
		t.Fatal(err)
	}
	if err := rig.sched.Enqueue(msg("ctx-A", "m2", "pong")); err != nil {
		t.Fatal(err)
	}
	rig.wait()

	st, _ := rig.storeFor("ctx-A")
	turns, _ := st.LoadAll()
	want := []string{"user", "assistant", "user", "assistant"}
	got := roles(turns)
	if len(got) != len(want) {
		t.Fatalf("turns = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("turn order = %v, want %v", got, want)
		}
	}
	if turns[0].FirstText() != "ping" || turns[2].FirstText() != "pong" {
		t.Fatalf("user order = %q, %q", turns[0].FirstText(), turns[2].FirstText())
	}
	if len(rig.delivered) != 2 {
		t.Fatalf("delivered %d results", len(rig.delivered))
	}
}

// Independent contexts overlap: both model calls are in flight before either
// completes.
func TestCrossContextParallelism(t *testing.T) {
	rig := newRig(t, config.Default().Context.ChatQueue)

	var inFlight, peak atomic.Int32
	barrier := make(chan struct{})
	var barrierOnce sync.Once
	rig.provider.chat = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		if n == 2 {
			barrierOnce.Do(func() { close(barrier) })
		}
		select {
		case <-barrier:
		case <-time.After(5 * time.Second):
		}
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}

	rig.sched.Enqueue(msg("ctx-A", "a1", "hello"))
	rig.sched.Enqueue(msg("ctx-B", "b1", "hello"))
	rig.wait()

	if peak.Load() < 2 {
		t.Fatalf("peak concurrent model calls = %d, want 2", peak.Load())
	}
}

// Messages arriving at a tool boundary fold into the running slice: all
// three user turns precede the single assistant turn.
func TestCorrectionMerge(t *testing.T) {
	rig := newRig(t, config.Default().Context.ChatQueue)

	followUps := []bus.InboundMessage{
		msg("ctx-A", "m2", "also include X"),
		msg("ctx-A", "m3", "actually only X"),
	}
	rig.registry.Register(&enqueueTool{rig: rig, msgs: followUps})

	step := 0
	rig.provider.chat = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		step++
		if step == 1 {
			return &providers.ChatResponse{
				ToolCalls:    []providers.ToolCall{{ID: "c1", Name: "spawn_messages", Arguments: map[string]interface{}{}}},
				FinishReason: "tool_calls",
			}, nil
		}
		return &providers.ChatResponse{Content: "only X it is", FinishReason: "stop"}, nil
	}

	rig.sched.Enqueue(msg("ctx-A", "m1", "summarize this"))
	rig.wait()

	st, _ := rig.storeFor("ctx-A")
	turns, _ := st.LoadAll()
	got := roles(turns)
	want := []string{"user", "user", "user", "assistant"}
	if len(got) != len(want) {
		t.Fatalf("turns = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("turn order = %v, want %v", got, want)
		}
	}
	for i, text := range []string{"summarize this", "also include X", "actually only X"} {
		if turns[i].FirstText() != text {
			t.Fatalf("user turn %d = %q, want %q", i, turns[i].FirstText(), text)
		}
	}
	// One slice handled all three; no further deliveries.
	if len(rig.delivered) != 1 {
		t.Fatalf("delivered %d results, want 1", len(rig.delivered))
	}
}

// enqueueTool injects follow-up messages mid-slice, simulating the user
// typing while the model works.
type enqueueTool struct {
	rig  *testRig
	msgs []bus.InboundMessage
	once sync.Once
}

func (e *enqueueTool) Name() string                       { return "spawn_messages" }
func (e *enqueueTool) Description() string                { return "test helper" }
func (e *enqueueTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (e *enqueueTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	e.once.Do(func() {
		for _, m := range e.msgs {
			e.rig.sched.Enqueue(m)
		}
	})
	return tools.NewResult("ok")
}

func TestRunningTotalNeverExceedsMaxConcurrency(t *testing.T) {
	qcfg := config.Default().Context.ChatQueue
	qcfg.MaxConcurrency = 2
	rig := newRig(t, qcfg)

	var inFlight, peak atomic.Int32
	rig.provider.chat = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}

	for i := 0; i < 10; i++ {
		rig.sched.Enqueue(msg("ctx-"+string(rune('a'+i)), "m", "hi"))
	}
	rig.wait()

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, max is 2", peak.Load())
	}
	stats := rig.sched.Stats()
	if stats.RunningTotal != 0 || stats.PendingTotal != 0 {
		t.Fatalf("stats after drain = %+v", stats)
	}
}

func TestDeliverPanicDoesNotWedgeLane(t *testing.T) {
	rig := newRig(t, config.Default().Context.ChatQueue)
	rig.deliverFn = func(bus.OutboundMessage) { panic("adapter exploded") }

	rig.sched.Enqueue(msg("ctx-A", "m1", "one"))
	rig.wait()
	rig.sched.Enqueue(msg("ctx-A", "m2", "two"))
	rig.wait()

	st, _ := rig.storeFor("ctx-A")
	turns, _ := st.LoadAll()
	assistants := 0
	for _, turn := range turns {
		if turn.Role == store.RoleAssistant {
			assistants++
		}
	}
	if assistants != 2 {
		t.Fatalf("got %d assistant turns, want 2 (lane wedged?)", assistants)
	}
}
