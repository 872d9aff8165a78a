package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shipd/ship/internal/bus"
	"github.com/shipd/ship/internal/config"
	"github.com/shipd/ship/internal/gateway"
	"github.com/shipd/ship/internal/manager"
	"github.com/shipd/ship/internal/memory"
	"github.com/shipd/ship/internal/paths"
	"github.com/shipd/ship/internal/providers"
	"github.com/shipd/ship/internal/shell"
	"github.com/shipd/ship/internal/skills"
	"github.com/shipd/ship/internal/tasks"
	"github.com/shipd/ship/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, scheduler, and task engine",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// runtime bundles everything a command needs to push messages through the
// agent loop.
type runtime struct {
	layout paths.Layout
	cfg    *config.Config
	mgr    *manager.Manager

	shells *shell.Manager
	loader *skills.Loader
	index  *memory.Index
}

func (rt *runtime) close() {
	if rt.loader != nil {
		rt.loader.Close()
	}
	if rt.index != nil {
		rt.index.Close()
	}
	if rt.shells != nil {
		rt.shells.Shutdown()
	}
}

// buildRuntime wires the full stack. deliver and sendAction may swap later
// via the indirection funcs, so the gateway can be constructed after the
// manager that feeds it.
func buildRuntime(layout paths.Layout, cfg *config.Config, deliver *bus.DeliverFunc, sendAction *bus.SendActionFunc) (*runtime, error) {
	provider := providers.NewOpenAIProvider(cfg.Agent.Provider, cfg.Agent.APIKey, cfg.Agent.APIBase, cfg.Agent.Model)

	shells := shell.NewManager(layout.Root)
	limits := shell.PageLimits{
		MaxChars: cfg.Permissions.ExecCommand.MaxOutputChars,
		MaxLines: cfg.Permissions.ExecCommand.MaxOutputLines,
	}

	loader, err := skills.NewLoader(layout.SkillsDir())
	if err != nil {
		shells.Shutdown()
		return nil, fmt.Errorf("load skills: %w", err)
	}
	if err := loader.Watch(); err != nil {
		slog.Warn("skill hot reload unavailable", "error", err)
	}

	index, err := memory.Open(layout)
	if err != nil {
		slog.Warn("memory index unavailable", "error", err)
		index = nil
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(layout.Root, true))
	registry.Register(tools.NewWriteFileTool(layout.Root, true))
	registry.Register(tools.NewListFilesTool(layout.Root, true))
	registry.Register(tools.NewChatSendTool())
	registry.Register(shell.NewExecCommandTool(shells, limits))
	registry.Register(shell.NewWriteStdinTool(shells, limits))
	registry.Register(shell.NewCloseShellTool(shells))
	if index != nil {
		registry.Register(memory.NewSearchTool(index))
	}

	mgr := manager.New(manager.Config{
		Layout:   layout,
		Config:   cfg,
		Provider: provider,
		Tools:    registry,
		Skills:   loader,
		Memory:   index,
		Deliver: func(msg bus.OutboundMessage) {
			if *deliver != nil {
				(*deliver)(msg)
			}
		},
		SendAction: func(channel, targetID string) {
			if *sendAction != nil {
				(*sendAction)(channel, targetID)
			}
		},
		ServerHost: cfg.Gateway.Host,
		ServerPort: cfg.Gateway.Port,
	})

	return &runtime{
		layout: layout,
		cfg:    cfg,
		mgr:    mgr,
		shells: shells,
		loader: loader,
		index:  index,
	}, nil
}

func runServe() {
	setupLogging()
	layout := resolveLayout()
	cfg, err := loadConfig(layout)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	var deliver bus.DeliverFunc
	var sendAction bus.SendActionFunc
	rt, err := buildRuntime(layout, cfg, &deliver, &sendAction)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer rt.close()

	gw := gateway.NewServer(cfg.Gateway, rt.mgr.Enqueue)
	deliver = gw.Deliver
	sendAction = gw.SendAction

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Serve(ctx) })
	if cfg.Tasks.Enabled {
		engine := tasks.NewEngine(layout, cfg.Tasks.PollSeconds, rt.mgr.Enqueue)
		g.Go(func() error {
			engine.Run(ctx)
			return nil
		})
	}

	slog.Info("ship running", "root", layout.Root, "version", Version)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("runtime stopped", "error", err)
		os.Exit(1)
	}
}
