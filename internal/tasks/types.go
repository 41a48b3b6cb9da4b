// Package tasks maintains the epic → story → task hierarchy, its dependency
// graph, and the ready-queue projection the pipeline draws from (C5).
package tasks

import "time"

// recordVersion is the migration tag written into every persisted record.
const recordVersion = "1.0"

// Priority orders work items.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// rank returns the sort weight; higher runs first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Status is the shared work-item status domain.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// statusOrder defines forward progress. Transitions are monotonic except
// back to blocked or ready.
var statusOrder = map[Status]int{
	StatusBacklog:    0,
	StatusReady:      1,
	StatusInProgress: 2,
	StatusBlocked:    3, // re-enterable
	StatusReview:     4,
	StatusDone:       5,
	StatusCancelled:  5,
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusBlocked || to == StatusReady {
		return true
	}
	return statusOrder[to] > statusOrder[from]
}

// Epic is the top-level work item.
type Epic struct {
	Version            string    `json:"version"`
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	BusinessValue      string    `json:"business_value,omitempty"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	Priority           Priority  `json:"priority"`
	Status             Status    `json:"status"`
	EstimatedEffort    float64   `json:"estimated_effort,omitempty"`
	ActualEffort       float64   `json:"actual_effort,omitempty"`
	StartedAt          time.Time `json:"started_at,omitempty"`
	EndedAt            time.Time `json:"ended_at,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	StoryIDs           []string  `json:"story_ids"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Story is the mid-level work item; it owns tasks.
type Story struct {
	Version            string    `json:"version"`
	ID                 string    `json:"id"`
	EpicID             string    `json:"epic_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	UserStory          string    `json:"user_story,omitempty"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	Priority           Priority  `json:"priority"`
	Status             Status    `json:"status"`
	TaskIDs            []string  `json:"task_ids"`
	Dependencies       []string  `json:"dependencies,omitempty"` // other story ids
	Tags               []string  `json:"tags,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Task is the unit executed by the pipeline.
type Task struct {
	Version              string                 `json:"version"`
	ID                   string                 `json:"id"`
	StoryID              string                 `json:"story_id"`
	EpicID               string                 `json:"epic_id"`
	Title                string                 `json:"title"`
	Description          string                 `json:"description"`
	TechnicalDetails     string                 `json:"technical_details,omitempty"`
	Priority             Priority               `json:"priority"`
	Status               Status                 `json:"status"`
	AssignedAgentID      string                 `json:"assigned_agent_id,omitempty"`
	EstimatedInputTokens int                    `json:"estimated_input_tokens,omitempty"`
	EstimatedCostUSD     float64                `json:"estimated_cost_usd,omitempty"`
	ActualUsage          *Usage                 `json:"actual_usage,omitempty"`
	PipelineID           string                 `json:"pipeline_id,omitempty"`
	Dependencies         []string               `json:"dependencies,omitempty"` // other task ids
	Prerequisites        []string               `json:"prerequisites,omitempty"`
	Tags                 []string               `json:"tags,omitempty"`
	Outputs              []string               `json:"outputs,omitempty"`
	Subtasks             []Subtask              `json:"subtasks,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// Usage records what a pipeline execution actually consumed.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMs   int64   `json:"duration_ms"`
}

// Subtask is decorative hierarchy; the pipeline never exercises it.
type Subtask struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Done       bool        `json:"done"`
	CheckItems []CheckItem `json:"check_items,omitempty"`
}

// CheckItem is a checklist entry under a subtask.
type CheckItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}
