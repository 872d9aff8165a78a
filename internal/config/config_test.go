package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ship.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Context.History.KeepLastMessages != 30 {
		t.Fatalf("keepLastMessages = %d", cfg.Context.History.KeepLastMessages)
	}
	if cfg.Context.History.MaxInputTokensApprox != 12000 {
		t.Fatalf("maxInputTokensApprox = %d", cfg.Context.History.MaxInputTokensApprox)
	}
	if !cfg.Context.History.ArchiveEnabled() {
		t.Fatal("archiveOnCompact should default to true")
	}
	if cfg.Context.ChatQueue.MaxConcurrency != 2 {
		t.Fatalf("maxConcurrency = %d", cfg.Context.ChatQueue.MaxConcurrency)
	}
	if !cfg.Context.ChatQueue.CorrectionMergeEnabled() {
		t.Fatal("correction merge should default to true")
	}
}

func TestLoadClampsRanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ship.json")
	// JSON5: comments and trailing commas are accepted.
	body := `{
		// runtime limits
		context: {
			history: { keepLastMessages: 2, maxInputTokensApprox: 100 },
			chatQueue: { maxConcurrency: 99, correctionMaxRounds: 50, correctionMaxMergedMessages: 500 },
		},
		permissions: { exec_command: { maxOutputChars: 10, maxOutputLines: 2 } },
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Context.History.KeepLastMessages != 6 {
		t.Fatalf("keepLastMessages = %d, want floor 6", cfg.Context.History.KeepLastMessages)
	}
	if cfg.Context.History.MaxInputTokensApprox != 2000 {
		t.Fatalf("maxInputTokensApprox = %d, want floor 2000", cfg.Context.History.MaxInputTokensApprox)
	}
	if cfg.Context.ChatQueue.MaxConcurrency != 32 {
		t.Fatalf("maxConcurrency = %d, want cap 32", cfg.Context.ChatQueue.MaxConcurrency)
	}
	if cfg.Context.ChatQueue.CorrectionMaxRounds != 10 {
		t.Fatalf("correctionMaxRounds = %d, want cap 10", cfg.Context.ChatQueue.CorrectionMaxRounds)
	}
	if cfg.Context.ChatQueue.CorrectionMaxMergedMessages != 50 {
		t.Fatalf("correctionMaxMergedMessages = %d, want cap 50", cfg.Context.ChatQueue.CorrectionMaxMergedMessages)
	}
	if cfg.Permissions.ExecCommand.MaxOutputChars != 500 {
		t.Fatalf("maxOutputChars = %d, want floor 500", cfg.Permissions.ExecCommand.MaxOutputChars)
	}
	if cfg.Permissions.ExecCommand.MaxOutputLines != 20 {
		t.Fatalf("maxOutputLines = %d, want floor 20", cfg.Permissions.ExecCommand.MaxOutputLines)
	}
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("SHIP_API_KEY", "sk-test")
	t.Setenv("SHIP_MODEL", "test-model")
	cfg, err := Load(filepath.Join(t.TempDir(), "ship.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.APIKey != "sk-test" {
		t.Fatalf("api key = %q", cfg.Agent.APIKey)
	}
	if cfg.Agent.Model != "test-model" {
		t.Fatalf("model = %q", cfg.Agent.Model)
	}
}
