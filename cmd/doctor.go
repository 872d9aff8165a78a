package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipd/ship/internal/memory"
	"github.com/shipd/ship/internal/paths"
	"github.com/shipd/ship/internal/skills"
	"github.com/shipd/ship/internal/tasks"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and project health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	layout := resolveLayout()

	fmt.Println("ship doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Printf("  Go:       %s\n", goruntime.Version())
	fmt.Printf("  Root:     %s\n", layout.Root)
	fmt.Println()

	cfgPath := resolveConfigPath(layout)
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := loadConfig(layout)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Provider: %s model=%s", cfg.Agent.Provider, cfg.Agent.Model)
	if cfg.Agent.APIKey == "" {
		fmt.Println(" (SHIP_API_KEY not set)")
	} else {
		fmt.Println(" (key present)")
	}

	fmt.Println()
	if loader, err := skills.NewLoader(layout.SkillsDir()); err == nil {
		fmt.Printf("  Skills:   %d loaded\n", len(loader.List()))
	} else {
		fmt.Printf("  Skills:   load error: %s\n", err)
	}

	engine := tasks.NewEngine(layout, cfg.Tasks.PollSeconds, nil)
	fmt.Printf("  Tasks:    %d defined (enabled=%v)\n", len(engine.Load()), cfg.Tasks.Enabled)

	if ix, err := memory.Open(layout); err == nil {
		fmt.Println("  Memory:   index OK")
		ix.Close()
	} else {
		fmt.Printf("  Memory:   %s\n", err)
	}

	checkStaleLocks(layout)
}

// checkStaleLocks scans every context for an old .context.lock, a sign of a
// crashed compaction. The runtime steals these automatically; doctor only
// surfaces them.
func checkStaleLocks(layout paths.Layout) {
	contextsDir := filepath.Join(layout.Root, paths.ShipDir, paths.ContextDir)
	entries, err := os.ReadDir(contextsDir)
	if err != nil {
		return
	}
	stale := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		lockPath := filepath.Join(contextsDir, entry.Name(), paths.MessagesDir, paths.LockFile)
		info, err := os.Stat(lockPath)
		if err != nil {
			continue
		}
		if age := time.Since(info.ModTime()); age > 30*time.Second {
			fmt.Printf("  Lock:     %s stale for %s\n", lockPath, age.Round(time.Second))
			stale++
		}
	}
	if stale == 0 {
		fmt.Println("  Locks:    clean")
	}
}
