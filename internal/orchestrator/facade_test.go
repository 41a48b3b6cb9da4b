package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcrew/internal/config"
	"agentcrew/internal/pipeline"
	"agentcrew/internal/provider"
	"agentcrew/internal/tasks"
)

// fakeProviderClient answers every invocation successfully.
type fakeProviderClient struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeProviderClient) Invoke(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &provider.Response{Text: "done", Model: req.Model, InputTokens: 50, OutputTokens: 20, Latency: time.Millisecond}, nil
}

func (f *fakeProviderClient) Validate(ctx context.Context) error { return f.fail }

// waitSettled polls until no pipeline is queued or running.
func (o *Orchestrator) waitSettled(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s, err := o.GetStatus()
		if err == nil {
			busy := false
			for _, p := range s.Pipelines {
				if p.Status == pipeline.StatusQueued || p.Status == pipeline.StatusRunning {
					busy = true
					break
				}
			}
			if !busy {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Providers["alpha"] = config.ProviderConfig{
		APIKey: "k",
		Models: map[string]config.ModelConfig{
			"m1": {Pricing: config.PricingConfig{InputPer1K: 0.001, OutputPer1K: 0.002}, MaxOutputTokens: 500},
		},
	}
	cfg.Limits.PerProvider["alpha"] = config.ProviderLimit{DailyBudgetUSD: 10}
	cfg.Routing.Default = "alpha:m1"
	cfg.Routing.BackoffBase = "1ms"
	cfg.Routing.BackoffCap = "5ms"
	cfg.Execution.MaxConcurrentPipelines = 2
	return cfg
}

// testWorkspace creates a git repository with one commit so worktree-using
// agents have something to check out.
func testWorkspace(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ws := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = ws
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "README.md"), []byte("seed\n"), 0644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return ws
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, client *fakeProviderClient) *Orchestrator {
	t.Helper()
	if client == nil {
		client = &fakeProviderClient{}
	}
	registry := provider.NewRegistryWithFactory(func(family string, c provider.ClientConfig) provider.Client {
		return client
	})
	o, err := NewWithRegistry(context.Background(), testWorkspace(t), cfg, registry)
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o
}

func TestProcessTaskEndToEnd(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), nil)

	p, err := o.ProcessTask(&tasks.Task{Title: "ad-hoc work", Priority: tasks.PriorityNormal}, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Len(t, p.Stages, 5, "default five-agent roster")

	o.waitSettled(10 * time.Second)

	s, err := o.GetStatus()
	require.NoError(t, err)
	assert.Empty(t, s.Pipelines, "terminal pipelines drop out of the active list")
	assert.Greater(t, s.Budget.SpentTodayUSD, 0.0)
	assert.NotEmpty(t, s.RecentDecisions)

	final, err := o.checkpoints.Load(p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, final.Status)
	require.Len(t, final.StageResults, 5)

	// The implementer ran in a worktree: its result carries a change
	// descriptor and no lock file survives the stage.
	impl, ok := final.Result(2)
	require.True(t, ok)
	assert.Equal(t, "implementer", impl.AgentID)
	assert.NotNil(t, impl.FilesChanged)

	entries, err := os.ReadDir(filepath.Join(o.workspace, ".worktrees"))
	if err == nil {
		for _, e := range entries {
			assert.False(t, filepath.Ext(e.Name()) == ".lock", "no lock files remain: %s", e.Name())
		}
	}
}

func TestProcessTaskLoadsStoredRecord(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), nil)

	epic := &tasks.Epic{Title: "epic"}
	require.NoError(t, o.Store().CreateEpic(epic))
	story := &tasks.Story{EpicID: epic.ID, Title: "story"}
	require.NoError(t, o.Store().CreateStory(story))
	task := &tasks.Task{StoryID: story.ID, Title: "stored task"}
	require.NoError(t, o.Store().CreateTask(task))

	p, err := o.ProcessTask(&tasks.Task{ID: task.ID}, Options{})
	require.NoError(t, err)
	assert.Equal(t, task.ID, p.TaskID)
	assert.Equal(t, "stored task", p.TaskTitle)

	o.waitSettled(10 * time.Second)

	// The pipeline's aggregate usage lands back on the task record.
	stored, err := o.Store().GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.PipelineID)
	require.NotNil(t, stored.ActualUsage)
	assert.Greater(t, stored.ActualUsage.InputTokens, 0)
}

func TestSubmissionRefusedAtCap(t *testing.T) {
	cfg := testConfig()
	o := newTestOrchestrator(t, cfg, nil)

	o.router.Ledger().Charge("alpha", 10)

	_, err := o.ProcessTask(&tasks.Task{Title: "over budget"}, Options{})
	require.Error(t, err)
	assert.Equal(t, provider.KindBudgetExceeded, provider.KindOf(err))
	assert.Contains(t, err.Error(), "$10.00", "message names the cap value")

	s, err := o.GetStatus()
	require.NoError(t, err)
	require.NotEmpty(t, s.Alerts)
	assert.Equal(t, AlertError, s.Alerts[0].Level)
}

func TestBudgetWarningAlert(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), nil)
	o.router.Ledger().Charge("alpha", 8.5)

	s, err := o.GetStatus()
	require.NoError(t, err)
	require.NotEmpty(t, s.Alerts)
	assert.Equal(t, AlertWarning, s.Alerts[0].Level)
}

func TestNoValidProvidersIsFatal(t *testing.T) {
	cfg := testConfig()
	client := &fakeProviderClient{fail: provider.TargetError(provider.KindAuth, "alpha", "", "nope")}
	registry := provider.NewRegistryWithFactory(func(family string, c provider.ClientConfig) provider.Client {
		return client
	})

	_, err := NewWithRegistry(context.Background(), t.TempDir(), cfg, registry)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoValidProviders)
}

func TestApprovalFlowThroughFacade(t *testing.T) {
	cfg := testConfig()
	require.NotContains(t, cfg.AgentProfiles, "designer")
	o := newTestOrchestrator(t, cfg, nil)

	roster := []pipeline.AgentDefinition{
		{ID: "designer", Name: "designer", Type: pipeline.AgentDesigner, MaxOutputTokens: 100, MaxRetries: 1, TimeoutMs: 2000, GatePolicy: pipeline.GateRequireApproval},
		{ID: "validator", Name: "validator", Type: pipeline.AgentValidator, MaxOutputTokens: 100, MaxRetries: 1, TimeoutMs: 2000, GatePolicy: pipeline.GateAutoAdvance},
	}

	p, err := o.ProcessTask(&tasks.Task{Title: "gated"}, Options{Roster: roster})
	require.NoError(t, err)

	// Wait for the approval gate.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s, err := o.GetStatus()
		require.NoError(t, err)
		if len(s.Pipelines) == 1 && s.Pipelines[0].Status == pipeline.StatusAwaitingApproval {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, o.Approve(p.ID, true))
	o.waitSettled(10 * time.Second)

	s, err := o.GetStatus()
	require.NoError(t, err)
	assert.Empty(t, s.Pipelines)

	// Cancel after completion is a no-op, not an error.
	require.NoError(t, o.Cancel(p.ID))
}

func TestGetReadyTasksPassthrough(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), nil)

	epic := &tasks.Epic{Title: "e"}
	require.NoError(t, o.Store().CreateEpic(epic))
	story := &tasks.Story{EpicID: epic.ID, Title: "s"}
	require.NoError(t, o.Store().CreateStory(story))
	task := &tasks.Task{StoryID: story.ID, Title: "t", Priority: tasks.PriorityHigh}
	require.NoError(t, o.Store().CreateTask(task))

	ready, err := o.GetReadyTasks("")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, task.ID, ready[0].ID)
}
