package pipeline

import (
	"time"

	"agentcrew/internal/router"
	"agentcrew/internal/worktree"
)

// recordVersion is the migration tag on every checkpoint record.
const recordVersion = "1.0"

// Status is the pipeline lifecycle state.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusPaused           Status = "paused"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsResumable reports whether the status is an explicitly interruptible
// resting state. Machine.Resume additionally accepts a running checkpoint
// loaded from disk with no live worker, which can only be a crash leftover.
func (s Status) IsResumable() bool {
	return s == StatusQueued || s == StatusPaused
}

// GatePolicy is the rule applied at stage completion.
type GatePolicy string

const (
	GateAutoAdvance     GatePolicy = "auto-advance"
	GateRequireApproval GatePolicy = "require-approval"
	GateBestEffort      GatePolicy = "best-effort"
)

// Stage is one (agent, gate policy, timeout) step of a pipeline.
type Stage struct {
	Agent          AgentDefinition `json:"agent"`
	GatePolicy     GatePolicy      `json:"gate_policy"`
	StageTimeoutMs int             `json:"stage_timeout_ms"`
}

// StageResult is the per-stage outcome recorded in the checkpoint.
type StageResult struct {
	AgentID            string              `json:"agent_id"`
	Target             router.Target       `json:"target"`
	RequestFingerprint string              `json:"request_fingerprint"`
	ResponseSummary    string              `json:"response_summary"`
	InputTokens        int                 `json:"input_tokens"`
	OutputTokens       int                 `json:"output_tokens"`
	CostUSD            float64             `json:"cost_usd"`
	LatencyMs          int64               `json:"latency_ms"`
	Decisions          []router.Decision   `json:"decisions,omitempty"`
	FilesChanged       *worktree.ChangeSet `json:"files_changed,omitempty"`
	Skipped            bool                `json:"skipped,omitempty"` // best-effort stage that produced nothing
	CompletedAt        time.Time           `json:"completed_at"`
}

// Metrics aggregates pipeline-wide usage.
type Metrics struct {
	TotalInputTokens  int              `json:"total_input_tokens"`
	TotalOutputTokens int              `json:"total_output_tokens"`
	TotalCostUSD      float64          `json:"total_cost_usd"`
	WallClockMs       int64            `json:"wall_clock_ms"`
	CallsPerProvider  map[string]int64 `json:"calls_per_provider,omitempty"`
}

func (m *Metrics) addCall(providerName string, in, out int, cost float64) {
	m.TotalInputTokens += in
	m.TotalOutputTokens += out
	m.TotalCostUSD += cost
	if m.CallsPerProvider == nil {
		m.CallsPerProvider = make(map[string]int64)
	}
	m.CallsPerProvider[providerName]++
}

// LastError records the most recent failure for operators.
type LastError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
	Attempt int    `json:"attempt"`
}

// Pipeline is the durable record of one task traversing its stage list.
// The checkpoint of this record is sufficient to reconstruct the pipeline
// from a cold start.
type Pipeline struct {
	Version          string               `json:"version"`
	ID               string               `json:"id"`
	TaskID           string               `json:"task_id"`
	Stages           []Stage              `json:"stages"`
	CurrentStage     int                  `json:"current_stage"`
	StageResults     map[int]*StageResult `json:"stage_results"`
	Metrics          Metrics              `json:"metrics"`
	Status           Status               `json:"status"`
	StartedAt        time.Time            `json:"started_at"`
	LastCheckpointAt time.Time            `json:"last_checkpoint_at"`
	LastError        *LastError           `json:"last_error,omitempty"`

	// Prompt context carried between stages; rebuilt on resume from the
	// recorded stage results.
	TaskTitle       string `json:"task_title"`
	TaskDescription string `json:"task_description"`
	TaskPriority    string `json:"task_priority"`
}

// Result returns the stage result for an index, if recorded.
func (p *Pipeline) Result(i int) (*StageResult, bool) {
	r, ok := p.StageResults[i]
	return r, ok
}
