package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:    "openai",
			Model:       "gpt-4.1",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Context: ContextConfig{
			History: HistoryConfig{
				KeepLastMessages:     30,
				MaxInputTokensApprox: 12000,
			},
			ChatQueue: ChatQueueConfig{
				MaxConcurrency:              2,
				CorrectionMaxRounds:         2,
				CorrectionMaxMergedMessages: 5,
			},
		},
		Permissions: PermissionsConfig{
			ExecCommand: ExecCommandPermissions{
				MaxOutputChars: 12000,
				MaxOutputLines: 200,
			},
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18791,
			RateLimitRPM: 20,
		},
		Tasks: TasksConfig{
			PollSeconds: 30,
		},
	}
}

// Load reads ship.json (JSON5 accepted), then overlays env vars and clamps
// every field to its documented range. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			cfg.clamp()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SHIP_API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("SHIP_API_BASE"); v != "" {
		c.Agent.APIBase = v
	}
	if v := os.Getenv("SHIP_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := os.Getenv("SHIP_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
}

func (c *Config) clamp() {
	h := &c.Context.History
	if h.KeepLastMessages < 6 {
		h.KeepLastMessages = 6
	}
	if h.MaxInputTokensApprox < 2000 {
		h.MaxInputTokensApprox = 2000
	}

	q := &c.Context.ChatQueue
	if q.MaxConcurrency < 1 {
		q.MaxConcurrency = 1
	} else if q.MaxConcurrency > 32 {
		q.MaxConcurrency = 32
	}
	if q.CorrectionMaxRounds < 1 {
		q.CorrectionMaxRounds = 1
	} else if q.CorrectionMaxRounds > 10 {
		q.CorrectionMaxRounds = 10
	}
	if q.CorrectionMaxMergedMessages < 1 {
		q.CorrectionMaxMergedMessages = 1
	} else if q.CorrectionMaxMergedMessages > 50 {
		q.CorrectionMaxMergedMessages = 50
	}

	p := &c.Permissions.ExecCommand
	if p.MaxOutputChars < 500 {
		p.MaxOutputChars = 500
	}
	if p.MaxOutputLines < 20 {
		p.MaxOutputLines = 20
	}

	if c.Tasks.PollSeconds <= 0 {
		c.Tasks.PollSeconds = 30
	}
}
