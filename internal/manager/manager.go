// Package manager owns the per-context singletons (store, runner) and is the
// runtime's single ingest surface: validate, commit the user turn, hand the
// message to the scheduler.
package manager

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shipd/ship/internal/agent"
	"github.com/shipd/ship/internal/bus"
	"github.com/shipd/ship/internal/config"
	"github.com/shipd/ship/internal/memory"
	"github.com/shipd/ship/internal/paths"
	"github.com/shipd/ship/internal/providers"
	"github.com/shipd/ship/internal/scheduler"
	"github.com/shipd/ship/internal/skills"
	"github.com/shipd/ship/internal/store"
	"github.com/shipd/ship/internal/tools"
)

// Config wires a Manager.
type Config struct {
	Layout      paths.Layout
	Config      *config.Config
	Provider    providers.Provider
	Tools       *tools.Registry
	Skills      *skills.Loader
	Memory      *memory.Index // nil disables the post-turn index hook
	SystemTexts []string
	Deliver     bus.DeliverFunc
	SendAction  bus.SendActionFunc
	ServerHost  string
	ServerPort  int
}

// Manager creates stores and runners lazily and feeds the lane scheduler.
type Manager struct {
	mc    Config
	sched *scheduler.Scheduler

	mu      sync.Mutex
	stores  map[string]*store.Store
	runners map[string]*agent.Runner
}

func New(mc Config) *Manager {
	m := &Manager{
		mc:      mc,
		stores:  map[string]*store.Store{},
		runners: map[string]*agent.Runner{},
	}
	m.sched = scheduler.New(mc.Config.Context.ChatQueue, scheduler.Hooks{
		RunnerFor:     m.runnerFor,
		StoreFor:      m.GetStore,
		DeliverResult: mc.Deliver,
		SendAction:    mc.SendAction,
		AfterSlice:    m.AfterContextUpdatedAsync,
	})
	return m
}

// Enqueue validates the message, stamps its ids, and schedules the lane. The
// user turn is NOT committed here: it commits when its slice starts (or when
// a correction merge folds it in), so each assistant turn lands directly
// after the user turn that produced it.
func (m *Manager) Enqueue(msg bus.InboundMessage) error {
	if err := paths.ValidateContextID(msg.ContextID); err != nil {
		return err
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	// A synthetic message id keeps the turn id deterministic across the
	// correction-merge drain and the runner's idempotence check.
	if msg.MessageID == "" {
		msg.MessageID = "gen-" + uuid.NewString()
	}
	return m.sched.Enqueue(msg)
}

// GetStore returns the lazy store singleton for a context.
func (m *Manager) GetStore(contextID string) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stores[contextID]; ok {
		return st, nil
	}
	st, err := store.New(m.mc.Layout, contextID)
	if err != nil {
		return nil, err
	}
	m.stores[contextID] = st
	return st, nil
}

func (m *Manager) runnerFor(contextID string) (*agent.Runner, error) {
	st, err := m.GetStore(contextID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runners[contextID]; ok {
		return r, nil
	}
	r := agent.NewRunner(agent.RunnerConfig{
		Layout:      m.mc.Layout,
		Config:      m.mc.Config,
		Provider:    m.mc.Provider,
		Store:       st,
		Tools:       m.mc.Tools,
		Skills:      m.mc.Skills,
		SystemTexts: m.mc.SystemTexts,
		ServerHost:  m.mc.ServerHost,
		ServerPort:  m.mc.ServerPort,
		Deliver: func(channel, targetID, text string) {
			if m.mc.Deliver == nil {
				return
			}
			m.mc.Deliver(bus.OutboundMessage{
				ContextID: contextID,
				Channel:   channel,
				TargetID:  targetID,
				Text:      text,
			})
		},
	})
	m.runners[contextID] = r
	return r, nil
}

// ClearRunner recycles the in-memory runner for a context. The transcript is
// untouched; the next message builds a fresh runner over the same store.
func (m *Manager) ClearRunner(contextID string) {
	m.mu.Lock()
	delete(m.runners, contextID)
	m.mu.Unlock()
	slog.Info("runner cleared", "context", contextID)
}

// Stats snapshots the scheduler.
func (m *Manager) Stats() scheduler.Stats { return m.sched.Stats() }

// Scheduler exposes the underlying scheduler for shutdown draining.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// AfterContextUpdatedAsync fires post-turn side tasks, currently memory
// indexing. Best-effort and never blocking: it runs on its own goroutine and
// swallows every failure.
func (m *Manager) AfterContextUpdatedAsync(contextID string) {
	if m.mc.Memory == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("post-turn hook panicked", "context", contextID, "panic", r)
			}
		}()
		st, err := m.GetStore(contextID)
		if err != nil {
			return
		}
		turns, err := st.LoadAll()
		if err != nil {
			slog.Warn("memory index skipped", "context", contextID, "error", err)
			return
		}
		if err := m.mc.Memory.IndexTurns(contextID, turns); err != nil {
			slog.Warn("memory index failed", "context", contextID, "error", err)
		}
	}()
}
