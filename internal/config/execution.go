package config

import "time"

// ExecutionConfig holds worker pool and worktree settings.
type ExecutionConfig struct {
	// MaxConcurrentPipelines sizes the pipeline worker pool. Submissions
	// above capacity queue in FIFO order.
	MaxConcurrentPipelines int `yaml:"maxConcurrentPipelines"`

	// WorktreeDir is where isolated checkouts live, relative to the
	// repository root.
	WorktreeDir string `yaml:"worktreeDir"`

	// StateDir is where persisted state lives, relative to the workspace.
	StateDir string `yaml:"stateDir"`

	// DefaultStageTimeout applies when an agent profile carries no timeout.
	DefaultStageTimeout string `yaml:"defaultStageTimeout"`

	// OverallTimeout optionally bounds a whole pipeline. Empty disables it.
	OverallTimeout string `yaml:"overallTimeout"`

	// SettingsFiles are copied from the main workspace into each new
	// worktree. Non-existent sources are skipped silently.
	SettingsFiles []string `yaml:"settingsFiles"`
}

// AgentProfile overrides roster defaults for one agent.
type AgentProfile struct {
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"`
	Capabilities    []string `yaml:"capabilities"`
	UseWorktree     *bool    `yaml:"useWorktree"`
	MaxOutputTokens int      `yaml:"maxOutputTokens"`
	MaxRetries      int      `yaml:"maxRetries"`
	TimeoutMs       int      `yaml:"timeoutMs"`
	GatePolicy      string   `yaml:"gatePolicy"`
}

// StageTimeout parses the default stage timeout, defaulting to 120s.
func (e ExecutionConfig) StageTimeout() (time.Duration, error) {
	return parseDuration(e.DefaultStageTimeout, "execution.defaultStageTimeout", 120*time.Second)
}

// PipelineTimeout parses the overall timeout; zero means unbounded.
func (e ExecutionConfig) PipelineTimeout() (time.Duration, error) {
	return parseDuration(e.OverallTimeout, "execution.overallTimeout", 0)
}
