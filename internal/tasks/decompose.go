package tasks

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Decomposition thresholds for flagged risks.
const (
	riskStoryCount  = 8
	riskTotalCostUSD = 5.0

	// nominalUSDPer1K prices proposal estimates before a router pick exists.
	nominalUSDPer1K = 0.01
)

// DecomposeResult is a proposal, not a commit. The caller persists the
// stories and tasks explicitly if it accepts the plan.
type DecomposeResult struct {
	Epic             *Epic    `json:"epic"`
	Stories          []*Story `json:"stories"`
	Tasks            []*Task  `json:"tasks"`
	Graph            *Graph   `json:"graph"`
	EstimatedEffort  float64  `json:"estimated_effort"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd"`
	Risks            []string `json:"risks,omitempty"`
}

// storyTemplate is one phase of the deterministic decomposition.
type storyTemplate struct {
	slug      string
	title     string
	userStory string
	agentID   string
	dependsOn string // slug of the prior phase
}

var storyTemplates = []storyTemplate{
	{slug: "design", title: "Design", userStory: "As a maintainer, I need a design so implementation has a target.", agentID: "designer"},
	{slug: "implement", title: "Implementation", userStory: "As a user, I need the feature built.", agentID: "implementer", dependsOn: "design"},
	{slug: "validate", title: "Validation", userStory: "As a maintainer, I need the change verified.", agentID: "validator", dependsOn: "implement"},
	{slug: "document", title: "Documentation", userStory: "As a user, I need the change documented.", agentID: "documenter", dependsOn: "validate"},
}

// decomposeNamespace keys deterministic ids so repeated decomposition of the
// same epic proposes the same plan.
var decomposeNamespace = uuid.MustParse("7f1c9e56-0000-4000-8000-a9e44ec0d301")

// Decompose deterministically proposes stories and tasks from an epic's
// title and description. Template-based; the structure mirrors the default
// agent roster so every proposed task routes to a pipeline stage owner.
func Decompose(epic *Epic) *DecomposeResult {
	result := &DecomposeResult{
		Epic:  epic,
		Graph: &Graph{},
	}
	result.Graph.AddNode(epic.ID, NodeEpic)

	criteria := epic.AcceptanceCriteria
	if len(criteria) == 0 {
		criteria = []string{epic.Title}
	}

	storyIDBySlug := make(map[string]string, len(storyTemplates))
	taskIDBySlug := make(map[string][]string, len(storyTemplates))

	for _, tpl := range storyTemplates {
		storyID := deterministicID(epic.ID, "story", tpl.slug)
		storyIDBySlug[tpl.slug] = storyID

		story := &Story{
			ID:        storyID,
			EpicID:    epic.ID,
			Title:     fmt.Sprintf("%s: %s", tpl.title, epic.Title),
			UserStory: tpl.userStory,
			Priority:  epic.Priority,
			Status:    StatusBacklog,
			TaskIDs:   []string{},
		}
		result.Graph.AddNode(storyID, NodeStory)
		result.Graph.AddEdge(epic.ID, storyID, EdgeRequires)
		if tpl.dependsOn != "" {
			dep := storyIDBySlug[tpl.dependsOn]
			story.Dependencies = append(story.Dependencies, dep)
			result.Graph.AddEdge(dep, storyID, EdgeBlocks)
		}

		for i, criterion := range criteria {
			taskID := deterministicID(epic.ID, "task", fmt.Sprintf("%s-%d", tpl.slug, i))
			task := &Task{
				ID:              taskID,
				StoryID:         storyID,
				EpicID:          epic.ID,
				Title:           fmt.Sprintf("%s: %s", tpl.title, shorten(criterion, 60)),
				Description:     criterion,
				Priority:        epic.Priority,
				Status:          StatusBacklog,
				AssignedAgentID: tpl.agentID,
			}
			task.EstimatedInputTokens = estimateTokens(epic, criterion)
			task.EstimatedCostUSD = float64(task.EstimatedInputTokens) * nominalUSDPer1K / 1000

			// A phase task waits on the same criterion's task in the
			// previous phase.
			if tpl.dependsOn != "" {
				prior := taskIDBySlug[tpl.dependsOn]
				if i < len(prior) {
					task.Dependencies = append(task.Dependencies, prior[i])
					result.Graph.AddEdge(prior[i], taskID, EdgeBlocks)
				}
			}

			story.TaskIDs = append(story.TaskIDs, taskID)
			taskIDBySlug[tpl.slug] = append(taskIDBySlug[tpl.slug], taskID)
			result.Graph.AddNode(taskID, NodeTask)
			result.Graph.AddEdge(storyID, taskID, EdgeRequires)

			result.Tasks = append(result.Tasks, task)
			result.EstimatedCostUSD += task.EstimatedCostUSD
			result.EstimatedEffort += 0.5 // half a point per templated task
		}

		result.Stories = append(result.Stories, story)
	}

	if cycle := result.Graph.FindBlocksCycle(); cycle != nil {
		result.Risks = append(result.Risks,
			fmt.Sprintf("dependency cycle in proposal: %s", strings.Join(cycle, " -> ")))
	}
	if len(result.Stories) > riskStoryCount {
		result.Risks = append(result.Risks,
			fmt.Sprintf("high story count: %d", len(result.Stories)))
	}
	if result.EstimatedCostUSD > riskTotalCostUSD {
		result.Risks = append(result.Risks,
			fmt.Sprintf("high estimated cost: $%.2f", result.EstimatedCostUSD))
	}
	return result
}

func deterministicID(epicID, class, slug string) string {
	return uuid.NewSHA1(decomposeNamespace, []byte(epicID+"/"+class+"/"+slug)).String()
}

func estimateTokens(epic *Epic, criterion string) int {
	// Rough chars-per-token plus a prompt scaffold allowance.
	chars := len(epic.Title) + len(epic.Description) + len(criterion)
	return chars/4 + 500
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
