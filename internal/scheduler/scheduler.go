// Package scheduler serializes work per context while letting independent
// contexts run in parallel. Each context owns a lane (a FIFO of inbound
// messages); a bounded pool of workers pulls runnable lanes and executes one
// message per time slice.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shipd/ship/internal/agent"
	"github.com/shipd/ship/internal/bus"
	"github.com/shipd/ship/internal/config"
	"github.com/shipd/ship/internal/paths"
	"github.com/shipd/ship/internal/store"
)

const typingInterval = 4 * time.Second

// lane is the per-context FIFO.
type lane struct {
	queue   []bus.InboundMessage
	running bool
	channel string
}

// RunnerFor returns the runner serving a context, creating it lazily.
type RunnerFor func(contextID string) (*agent.Runner, error)

// StoreFor returns the store serving a context, creating it lazily.
type StoreFor func(contextID string) (*store.Store, error)

// Hooks are the scheduler's outward connections. Only RunnerFor and StoreFor
// are required.
type Hooks struct {
	RunnerFor     RunnerFor
	StoreFor      StoreFor
	DeliverResult bus.DeliverFunc
	SendAction    bus.SendActionFunc
	// AfterSlice fires after a slice commits, off the worker's critical path.
	AfterSlice func(contextID string)
}

// Scheduler owns the lane map. All lane and counter mutation happens under
// mu; slices themselves run on worker goroutines.
type Scheduler struct {
	cfg   config.ChatQueueConfig
	hooks Hooks

	mu           sync.Mutex
	lanes        map[string]*lane
	runnable     []string
	runnableSet  map[string]bool
	runningTotal int
}

func New(cfg config.ChatQueueConfig, hooks Hooks) *Scheduler {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxConcurrency > 32 {
		cfg.MaxConcurrency = 32
	}
	return &Scheduler{
		cfg:         cfg,
		hooks:       hooks,
		lanes:       map[string]*lane{},
		runnableSet: map[string]bool{},
	}
}

// Enqueue pushes a message onto its context's lane and kicks the worker
// pool. The only error is an invalid context id.
func (s *Scheduler) Enqueue(msg bus.InboundMessage) error {
	if err := paths.ValidateContextID(msg.ContextID); err != nil {
		return err
	}

	s.mu.Lock()
	ln, ok := s.lanes[msg.ContextID]
	if !ok {
		ln = &lane{channel: msg.Channel}
		s.lanes[msg.ContextID] = ln
	}
	ln.queue = append(ln.queue, msg)
	s.markRunnableLocked(msg.ContextID)
	s.mu.Unlock()

	s.kick()
	return nil
}

// markRunnableLocked adds a lane to the runnable FIFO once. Callers hold mu.
func (s *Scheduler) markRunnableLocked(contextID string) {
	if s.runnableSet[contextID] {
		return
	}
	s.runnableSet[contextID] = true
	s.runnable = append(s.runnable, contextID)
}

// kick starts workers for runnable lanes while capacity remains.
func (s *Scheduler) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.runningTotal < s.cfg.MaxConcurrency && len(s.runnable) > 0 {
		contextID := s.runnable[0]
		s.runnable = s.runnable[1:]
		delete(s.runnableSet, contextID)

		ln := s.lanes[contextID]
		if ln == nil || ln.running || len(ln.queue) == 0 {
			continue
		}
		ln.running = true
		s.runningTotal++
		go s.worker(contextID, ln)
	}
}

// worker runs exactly one time slice, then releases the lane and re-kicks.
func (s *Scheduler) worker(contextID string, ln *lane) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("slice panicked", "context", contextID, "panic", r)
		}
		s.mu.Lock()
		ln.running = false
		s.runningTotal--
		if len(ln.queue) > 0 {
			s.markRunnableLocked(contextID)
		}
		s.mu.Unlock()
		s.kick()
	}()

	s.mu.Lock()
	if len(ln.queue) == 0 {
		s.mu.Unlock()
		return
	}
	msg := ln.queue[0]
	ln.queue = ln.queue[1:]
	s.mu.Unlock()

	s.runSlice(contextID, ln, msg)
}

func (s *Scheduler) runSlice(contextID string, ln *lane, msg bus.InboundMessage) {
	runner, err := s.hooks.RunnerFor(contextID)
	if err != nil {
		slog.Error("no runner for lane", "context", contextID, "error", err)
		return
	}
	st, err := s.hooks.StoreFor(contextID)
	if err != nil {
		slog.Error("no store for lane", "context", contextID, "error", err)
		return
	}

	stopTyping := s.startTyping(msg)
	defer stopTyping()

	merge := &mergeState{
		enabled:   s.cfg.CorrectionMergeEnabled(),
		maxRounds: s.cfg.CorrectionMaxRounds,
		maxMerged: s.cfg.CorrectionMaxMergedMessages,
	}

	res, err := runner.Run(context.Background(), agent.RunRequest{
		Msg:   msg,
		Drain: s.drainFunc(ln, st, merge, &msg),
		OnStepFinish: func(step int) {
			slog.Debug("step finished", "context", contextID, "step", step)
		},
	})
	if err != nil {
		slog.Error("slice failed before producing a result", "context", contextID, "error", err)
		return
	}

	s.commit(st, msg, res)

	if s.hooks.AfterSlice != nil {
		go s.hooks.AfterSlice(contextID)
	}
}

// mergeState tracks per-slice correction-merge budgets.
type mergeState struct {
	enabled   bool
	rounds    int
	merged    int
	maxRounds int
	maxMerged int
}

// drainFunc builds the cooperation callback handed to the runner. Invoked at
// tool boundaries, it folds pending same-lane messages into the running
// slice: each drained message is committed as a user turn before the
// eventual assistant turn, and the request target follows the latest
// message.
func (s *Scheduler) drainFunc(ln *lane, st *store.Store, merge *mergeState, cur *bus.InboundMessage) agent.DrainFunc {
	return func() agent.DrainResult {
		if !merge.enabled || merge.rounds >= merge.maxRounds || merge.merged >= merge.maxMerged {
			return agent.DrainResult{}
		}

		s.mu.Lock()
		take := merge.maxMerged - merge.merged
		if take > len(ln.queue) {
			take = len(ln.queue)
		}
		drained := ln.queue[:take]
		ln.queue = ln.queue[take:]
		s.mu.Unlock()

		if len(drained) == 0 {
			return agent.DrainResult{}
		}
		merge.rounds++
		merge.merged += len(drained)

		kept := drained[:0]
		for _, m := range drained {
			if _, err := st.AppendIfNew(agent.UserTurnFromMessage(m)); err != nil {
				slog.Warn("failed to commit drained message", "context", m.ContextID, "error", err)
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) > 0 {
			*cur = kept[len(kept)-1]
		}
		return agent.DrainResult{Drained: len(kept), Messages: kept}
	}
}

// commit appends the assistant turn, then delivers. Append-before-deliver
// keeps the transcript the source of truth even when the adapter blows up;
// delivery panics and errors are logged and swallowed.
func (s *Scheduler) commit(st *store.Store, msg bus.InboundMessage, res *agent.RunResult) {
	if res.AssistantTurn != nil {
		if err := st.Append(*res.AssistantTurn); err != nil {
			slog.Error("failed to commit assistant turn", "context", msg.ContextID, "error", err)
		}
	}

	if s.hooks.DeliverResult == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("deliverResult panicked", "context", msg.ContextID, "panic", r)
		}
	}()
	s.hooks.DeliverResult(bus.OutboundMessage{
		ContextID: msg.ContextID,
		Channel:   msg.Channel,
		TargetID:  msg.TargetID,
		Text:      res.Output,
		RequestID: msg.RequestID,
	})
}

// startTyping emits a typing indicator every few seconds until the returned
// stop function runs.
func (s *Scheduler) startTyping(msg bus.InboundMessage) func() {
	if s.hooks.SendAction == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		s.hooks.SendAction(msg.Channel, msg.TargetID)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.hooks.SendAction(msg.Channel, msg.TargetID)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	Lanes            int            `json:"lanes"`
	PendingTotal     int            `json:"pendingTotal"`
	RunningTotal     int            `json:"runningTotal"`
	PendingByChannel map[string]int `json:"pendingByChannel"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Lanes: len(s.lanes), RunningTotal: s.runningTotal, PendingByChannel: map[string]int{}}
	for _, ln := range s.lanes {
		st.PendingTotal += len(ln.queue)
		if len(ln.queue) > 0 {
			st.PendingByChannel[ln.channel] += len(ln.queue)
		}
	}
	return st
}

// Wait blocks until every lane is idle or the context expires. Test and
// shutdown helper.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.runningTotal == 0
		if idle {
			for _, ln := range s.lanes {
				if len(ln.queue) > 0 {
					idle = false
					break
				}
			}
		}
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("scheduler busy: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
