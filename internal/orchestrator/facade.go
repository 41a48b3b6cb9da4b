// Package orchestrator wires the provider registry, router, worktree
// manager, task store and pipeline machinery behind a small public surface
// (C7). The facade is a single value owned by main; nothing in the system is
// a package global.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"agentcrew/internal/config"
	"agentcrew/internal/logging"
	"agentcrew/internal/pipeline"
	"agentcrew/internal/provider"
	"agentcrew/internal/router"
	"agentcrew/internal/tasks"
	"agentcrew/internal/worktree"
)

// ErrNoValidProviders is returned when every configured provider fails
// credential validation at startup.
var ErrNoValidProviders = errors.New("no valid providers")

// Orchestrator is the facade over C1–C6.
type Orchestrator struct {
	cfg       *config.Config
	workspace string
	stateDir  string

	registry    *provider.Registry
	router      *router.Router
	worktrees   *worktree.Manager
	store       *tasks.Store
	checkpoints *pipeline.CheckpointStore
	events      *pipeline.Bus
	machine     *pipeline.Machine
	pool        *pipeline.Pool
	roster      []pipeline.AgentDefinition
}

// Options tune a single task submission.
type Options struct {
	// Roster overrides the default agent roster for this pipeline.
	Roster []pipeline.AgentDefinition
}

// New builds and validates the whole system for a workspace.
func New(ctx context.Context, workspace string, cfg *config.Config) (*Orchestrator, error) {
	return NewWithRegistry(ctx, workspace, cfg, provider.NewRegistry())
}

// NewWithRegistry builds the system around a caller-supplied registry. Tests
// use it to substitute fake provider clients.
func NewWithRegistry(ctx context.Context, workspace string, cfg *config.Config, registry *provider.Registry) (*Orchestrator, error) {
	if err := logging.Initialize(workspace); err != nil {
		return nil, err
	}
	logging.Configure(cfg.LoggingSettings())
	logging.Boot("agentcrew starting in %s", workspace)

	stateDir := cfg.Execution.StateDir
	if stateDir == "" {
		stateDir = ".agentcrew"
	}
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(workspace, stateDir)
	}
	o := &Orchestrator{
		cfg:       cfg,
		workspace: workspace,
		stateDir:  stateDir,
	}

	o.registry = registry
	for name, pc := range cfg.Providers {
		if err := o.registry.Register(name, pc); err != nil {
			return nil, err
		}
	}
	if err := o.registry.ValidateAll(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoValidProviders, err)
	}

	loc, err := cfg.Routing.Location()
	if err != nil {
		return nil, err
	}
	ledger, err := router.NewSpendLedger(o.stateDir, loc)
	if err != nil {
		return nil, err
	}
	o.router, err = router.New(o.registry, cfg.Routing, cfg.Limits, ledger)
	if err != nil {
		return nil, err
	}

	o.worktrees = worktree.NewManager(workspace, cfg.Execution.WorktreeDir, cfg.Execution.SettingsFiles)
	o.worktrees.RecoverOrphans(ctx)

	o.store, err = tasks.NewStore(o.stateDir)
	if err != nil {
		return nil, err
	}
	o.checkpoints, err = pipeline.NewCheckpointStore(o.stateDir)
	if err != nil {
		return nil, err
	}
	o.events = pipeline.NewBus()

	stageTimeout, err := cfg.Execution.StageTimeout()
	if err != nil {
		return nil, err
	}
	overall, err := cfg.Execution.PipelineTimeout()
	if err != nil {
		return nil, err
	}

	o.machine = pipeline.NewMachine(pipeline.Deps{
		Registry:            o.registry,
		Router:              o.router,
		Worktrees:           o.worktrees,
		Tasks:               o.store,
		Checkpoints:         o.checkpoints,
		Events:              o.events,
		DailyCapUSD:         cfg.DailyCapTotal(),
		AlertThreshold:      cfg.Alerts.Thresholds.DailyCost,
		DefaultStageTimeout: stageTimeout,
		OverallTimeout:      overall,
	})
	o.pool = pipeline.NewPool(o.machine, cfg.Execution.MaxConcurrentPipelines)
	o.roster = pipeline.RosterFromConfig(cfg.AgentProfiles)

	logging.Boot("agentcrew ready: %d providers, %d-agent roster, daily cap $%.2f",
		len(cfg.Providers), len(o.roster), cfg.DailyCapTotal())
	return o, nil
}

// ProcessTask runs a fresh pipeline for a task. A task whose id exists in the
// hierarchy store is loaded from it; an ad-hoc task record is used as given.
// Submission is refused when the daily cap is already consumed.
func (o *Orchestrator) ProcessTask(task *tasks.Task, opts Options) (*pipeline.Pipeline, error) {
	if task == nil || (task.ID == "" && task.Title == "") {
		return nil, provider.NewError(provider.KindValidation, "task must carry an id or a title")
	}
	if stored, err := o.store.GetTask(task.ID); task.ID != "" && err == nil {
		task = stored
	}

	capUSD := o.cfg.DailyCapTotal()
	spent := o.router.Ledger().TotalToday()
	if capUSD > 0 && spent >= capUSD {
		return nil, provider.NewError(provider.KindBudgetExceeded,
			"daily cap $%.2f reached (accumulated spend $%.2f); new pipelines refused", capUSD, spent)
	}

	roster := opts.Roster
	if len(roster) == 0 {
		roster = o.roster
	}

	p, err := o.machine.NewPipeline(task, roster)
	if err != nil {
		return nil, err
	}
	if err := o.pool.Submit(p); err != nil {
		return nil, err
	}
	logging.Orchestrator("Submitted pipeline %s for task %s", p.ID, task.ID)
	return p, nil
}

// Resume continues a queued or paused pipeline from its checkpoint.
func (o *Orchestrator) Resume(pipelineID string) (*pipeline.Pipeline, error) {
	p, err := o.machine.Resume(pipelineID)
	if err != nil {
		return nil, err
	}
	if err := o.pool.Submit(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Approve resolves an approval gate. Rejection cancels the pipeline.
// Repeated approval after acceptance is a no-op.
func (o *Orchestrator) Approve(pipelineID string, accepted bool) error {
	p, resume, err := o.machine.Approve(pipelineID, accepted)
	if err != nil {
		return err
	}
	if resume {
		return o.pool.Submit(p)
	}
	return nil
}

// Cancel requests cooperative cancellation. Idempotent.
func (o *Orchestrator) Cancel(pipelineID string) error {
	return o.machine.Cancel(pipelineID)
}

// Pause requests the pipeline stop at its next checkpoint boundary in a
// resumable state.
func (o *Orchestrator) Pause(pipelineID string) {
	o.machine.Pause(pipelineID)
}

// GetReadyTasks is a passthrough to the hierarchy store's ready queue.
func (o *Orchestrator) GetReadyTasks(priority tasks.Priority) ([]*tasks.Task, error) {
	return o.store.GetReadyTasks(priority)
}

// Store exposes the task hierarchy store.
func (o *Orchestrator) Store() *tasks.Store { return o.store }

// Events exposes the pipeline event bus for observers.
func (o *Orchestrator) Events() *pipeline.Bus { return o.events }

// Shutdown drains the pool, cleans all active worktrees and flushes state.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	logging.Orchestrator("Shutting down")
	o.pool.Shutdown()
	o.worktrees.CleanupAll(ctx)
	if err := o.router.Ledger().Save(); err != nil {
		logging.Orchestrator("Usage ledger flush failed: %v", err)
	}
	logging.CloseAll()
}
