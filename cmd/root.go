package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shipd/ship/internal/config"
	"github.com/shipd/ship/internal/paths"
)

// Version is set at build time via -ldflags "-X github.com/shipd/ship/cmd.Version=v1.0.0"
var Version = "dev"

var (
	rootDir string
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ship",
	Short: "ship: lane-scheduled agent runtime",
	Long:  "Ship runs tool-using agent loops over append-only conversation transcripts: one serial lane per context, parallel across contexts, with lock-guarded history compaction.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "project root (default: current directory or $SHIP_ROOT)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <root>/ship.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ship %s\n", Version)
		},
	}
}

func resolveLayout() paths.Layout {
	root := rootDir
	if root == "" {
		root = os.Getenv("SHIP_ROOT")
	}
	if root == "" {
		root, _ = os.Getwd()
	}
	return paths.Layout{Root: root}
}

func resolveConfigPath(layout paths.Layout) string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("SHIP_CONFIG"); v != "" {
		return v
	}
	return layout.ConfigFilePath()
}

func loadConfig(layout paths.Layout) (*config.Config, error) {
	return config.Load(resolveConfigPath(layout))
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
