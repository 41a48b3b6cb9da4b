package tasks

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/provider"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

// seedHierarchy creates epic -> story -> n tasks and returns their ids.
func seedHierarchy(t *testing.T, s *Store, n int) (epicID, storyID string, taskIDs []string) {
	t.Helper()

	epic := &Epic{Title: "Build the widget"}
	require.NoError(t, s.CreateEpic(epic))

	story := &Story{EpicID: epic.ID, Title: "Widget core"}
	require.NoError(t, s.CreateStory(story))

	for i := 0; i < n; i++ {
		task := &Task{StoryID: story.ID, Title: "step"}
		require.NoError(t, s.CreateTask(task))
		taskIDs = append(taskIDs, task.ID)
	}
	return epic.ID, story.ID, taskIDs
}

func TestCreateHierarchy(t *testing.T) {
	s := newTestStore(t)
	epicID, storyID, taskIDs := seedHierarchy(t, s, 2)

	epic, err := s.GetEpic(epicID)
	require.NoError(t, err)
	assert.Equal(t, []string{storyID}, epic.StoryIDs)
	assert.Equal(t, StatusBacklog, epic.Status)

	story, err := s.GetStory(storyID)
	require.NoError(t, err)
	assert.Equal(t, taskIDs, story.TaskIDs)
	assert.Equal(t, epicID, story.EpicID)
}

func TestCreateStoryRequiresEpic(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateStory(&Story{EpicID: "ghost", Title: "orphan"})
	require.Error(t, err)
	assert.Equal(t, provider.KindValidation, provider.KindOf(err))
}

func TestCreateTaskRequiresConsistentParents(t *testing.T) {
	s := newTestStore(t)
	epicID, storyID, _ := seedHierarchy(t, s, 0)

	err := s.CreateTask(&Task{StoryID: "ghost", Title: "orphan"})
	require.Error(t, err)

	err = s.CreateTask(&Task{StoryID: storyID, EpicID: "wrong-epic", Title: "mismatched"})
	require.Error(t, err)
	assert.Equal(t, provider.KindValidation, provider.KindOf(err))

	// Correct parents pass.
	require.NoError(t, s.CreateTask(&Task{StoryID: storyID, EpicID: epicID, Title: "fine"}))
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, storyID, _ := seedHierarchy(t, s, 0)

	task := &Task{
		StoryID:          storyID,
		Title:            "round trip",
		Description:      "desc",
		TechnicalDetails: "tech",
		Priority:         PriorityHigh,
		Prerequisites:    []string{"db migrated"},
		Tags:             []string{"backend"},
		Metadata:         map[string]interface{}{"key": "value"},
		Subtasks: []Subtask{{
			ID: "sub1", Title: "check", CheckItems: []CheckItem{{Text: "done?", Done: true}},
		}},
	}
	require.NoError(t, s.CreateTask(task))

	loaded, err := s.GetTask(task.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(task, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, recordVersion, loaded.Version)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusBacklog, StatusReady, true},
		{StatusReady, StatusInProgress, true},
		{StatusInProgress, StatusReview, true},
		{StatusReview, StatusDone, true},
		{StatusInProgress, StatusBlocked, true},
		{StatusBlocked, StatusReady, true}, // back to ready is allowed
		{StatusDone, StatusInProgress, false},
		{StatusCancelled, StatusReady, false},
		{StatusReview, StatusInProgress, false}, // no backward move
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestReadyGateRequiresDoneDependencies(t *testing.T) {
	s := newTestStore(t)
	_, _, taskIDs := seedHierarchy(t, s, 2)

	require.NoError(t, s.AddTaskDependency(taskIDs[1], taskIDs[0]))

	err := s.UpdateTaskStatus(taskIDs[1], StatusReady)
	require.Error(t, err, "dependency not done yet")

	for _, status := range []Status{StatusReady, StatusInProgress, StatusDone} {
		require.NoError(t, s.UpdateTaskStatus(taskIDs[0], status))
	}
	require.NoError(t, s.UpdateTaskStatus(taskIDs[1], StatusReady))
}

func TestDoneCascade(t *testing.T) {
	s := newTestStore(t)
	epicID, storyID, taskIDs := seedHierarchy(t, s, 2)

	for _, id := range taskIDs {
		require.NoError(t, s.UpdateTaskStatus(id, StatusReady))
		require.NoError(t, s.UpdateTaskStatus(id, StatusInProgress))
		require.NoError(t, s.UpdateTaskStatus(id, StatusDone))
	}

	story, err := s.GetStory(storyID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, story.Status, "story advances when all tasks done")

	epic, err := s.GetEpic(epicID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, epic.Status, "epic advances when all stories done")
	assert.False(t, epic.EndedAt.IsZero(), "epic stamps its end timestamp")
}

func TestCycleRejection(t *testing.T) {
	s := newTestStore(t)
	_, _, ids := seedHierarchy(t, s, 3)

	require.NoError(t, s.AddTaskDependency(ids[1], ids[0])) // T1 blocks T2
	require.NoError(t, s.AddTaskDependency(ids[2], ids[1])) // T2 blocks T3

	// Closing the cycle T3 -> T1 must be rejected with validation and leave
	// the store unchanged.
	err := s.AddTaskDependency(ids[0], ids[2])
	require.Error(t, err)
	assert.Equal(t, provider.KindValidation, provider.KindOf(err))

	t1, err := s.GetTask(ids[0])
	require.NoError(t, err)
	assert.Empty(t, t1.Dependencies, "rejected edge not persisted")

	g, err := s.BuildGraph()
	require.NoError(t, err)
	assert.Nil(t, g.FindBlocksCycle())
}

func TestCreateTaskWithCyclicDependenciesRejected(t *testing.T) {
	s := newTestStore(t)
	_, storyID, ids := seedHierarchy(t, s, 1)

	self := &Task{ID: "self", StoryID: storyID, Title: "self-blocking", Dependencies: []string{"self"}}
	require.Error(t, s.CreateTask(self))
	_, err := s.GetTask("self")
	assert.Error(t, err, "rejected task not persisted")

	ok := &Task{StoryID: storyID, Title: "fine", Dependencies: []string{ids[0]}}
	require.NoError(t, s.CreateTask(ok))
}

func TestDeleteEpicGuard(t *testing.T) {
	s := newTestStore(t)
	epicID, _, taskIDs := seedHierarchy(t, s, 1)

	err := s.DeleteEpic(epicID)
	require.Error(t, err, "live task blocks deletion")

	require.NoError(t, s.UpdateTaskStatus(taskIDs[0], StatusCancelled))
	require.NoError(t, s.DeleteEpic(epicID))

	_, err = s.GetEpic(epicID)
	assert.Error(t, err)
}

func TestGetReadyTasks(t *testing.T) {
	s := newTestStore(t)
	_, storyID, _ := seedHierarchy(t, s, 0)

	mk := func(title string, prio Priority, deps ...string) string {
		task := &Task{StoryID: storyID, Title: title, Priority: prio, Dependencies: deps}
		require.NoError(t, s.CreateTask(task))
		return task.ID
	}

	low := mk("low", PriorityLow)
	critical := mk("critical", PriorityCritical)
	normal := mk("normal", PriorityNormal)
	gated := mk("gated", PriorityCritical, low)

	ready, err := s.GetReadyTasks("")
	require.NoError(t, err)

	var titles []string
	for _, task := range ready {
		titles = append(titles, task.Title)
	}
	assert.Equal(t, []string{"critical", "normal", "low"}, titles,
		"priority order, dependency-gated task excluded")

	// Complete the dependency; the gated task becomes eligible.
	for _, status := range []Status{StatusReady, StatusInProgress, StatusDone} {
		require.NoError(t, s.UpdateTaskStatus(low, status))
	}
	ready, err = s.GetReadyTasks(PriorityCritical)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, critical, ready[0].ID)
	assert.Equal(t, gated, ready[1].ID, "creation order within a priority band")

	_ = normal
}
