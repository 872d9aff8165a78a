package config

// Config is the root configuration for the ship runtime, read from ship.json.
type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Context     ContextConfig     `json:"context"`
	Permissions PermissionsConfig `json:"permissions"`
	Gateway     GatewayConfig     `json:"gateway"`
	Tasks       TasksConfig       `json:"tasks,omitempty"`
}

// AgentConfig holds model settings for the runner.
type AgentConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	APIBase     string  `json:"api_base,omitempty"`
	APIKey      string  `json:"-"` // from env SHIP_API_KEY only, never persisted
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// ContextConfig groups transcript history and lane queue settings.
type ContextConfig struct {
	History   HistoryConfig   `json:"history"`
	ChatQueue ChatQueueConfig `json:"chatQueue"`
}

// HistoryConfig controls compaction thresholds.
type HistoryConfig struct {
	KeepLastMessages     int   `json:"keepLastMessages"`     // >=6, default 30
	MaxInputTokensApprox int   `json:"maxInputTokensApprox"` // >=2000, default 12000
	ArchiveOnCompact     *bool `json:"archiveOnCompact"`     // default true
}

// ArchiveEnabled resolves the archiveOnCompact default.
func (h HistoryConfig) ArchiveEnabled() bool {
	return h.ArchiveOnCompact == nil || *h.ArchiveOnCompact
}

// ChatQueueConfig controls the lane scheduler.
type ChatQueueConfig struct {
	MaxConcurrency              int   `json:"maxConcurrency"`              // [1,32], default 2
	EnableCorrectionMerge       *bool `json:"enableCorrectionMerge"`       // default true
	CorrectionMaxRounds         int   `json:"correctionMaxRounds"`         // default 2, max 10
	CorrectionMaxMergedMessages int   `json:"correctionMaxMergedMessages"` // default 5, max 50
}

// CorrectionMergeEnabled resolves the enableCorrectionMerge default.
func (q ChatQueueConfig) CorrectionMergeEnabled() bool {
	return q.EnableCorrectionMerge == nil || *q.EnableCorrectionMerge
}

// PermissionsConfig holds per-tool limits.
type PermissionsConfig struct {
	ExecCommand ExecCommandPermissions `json:"exec_command"`
}

// ExecCommandPermissions bounds shell tool output paging.
type ExecCommandPermissions struct {
	MaxOutputChars int `json:"maxOutputChars"` // >=500, default 12000
	MaxOutputLines int `json:"maxOutputLines"` // >=20, default 200
}

// GatewayConfig configures the WebSocket ingress.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPM int    `json:"rate_limit_rpm"` // 0 = disabled
}

// TasksConfig configures the cron-style task runner.
type TasksConfig struct {
	Enabled       bool `json:"enabled"`
	PollSeconds   int  `json:"poll_seconds,omitempty"`   // default 30
	MaxConcurrent int  `json:"max_concurrent,omitempty"` // reserved
}
