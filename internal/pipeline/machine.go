package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcrew/internal/logging"
	"agentcrew/internal/provider"
	"agentcrew/internal/router"
	"agentcrew/internal/tasks"
	"agentcrew/internal/worktree"
)

// Deps is the injected bundle the state machine operates on. The facade owns
// the instances; nothing here is a package global.
type Deps struct {
	Registry    *provider.Registry
	Router      *router.Router
	Worktrees   *worktree.Manager
	Tasks       *tasks.Store
	Checkpoints *CheckpointStore
	Events      *Bus

	DailyCapUSD         float64
	AlertThreshold      float64 // fraction of the cap that fires a warning
	DefaultStageTimeout time.Duration
	OverallTimeout      time.Duration
}

// Machine owns per-pipeline state and drives tasks through their stage lists
// with durable checkpoints (C6). One pipeline runs single-threaded; stages
// are sequential by contract.
type Machine struct {
	deps Deps

	mu       sync.Mutex
	controls map[string]*control
	now      func() time.Time
}

// control carries the cooperative cancellation and pause flags, checked at
// every checkpoint boundary and before each retry.
type control struct {
	mu        sync.Mutex
	cancelled bool
	paused    bool
}

func (c *control) requestCancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

func (c *control) requestPause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *control) cancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *control) pauseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// NewMachine creates the state machine.
func NewMachine(deps Deps) *Machine {
	if deps.AlertThreshold <= 0 {
		deps.AlertThreshold = 0.8
	}
	if deps.DefaultStageTimeout <= 0 {
		deps.DefaultStageTimeout = 120 * time.Second
	}
	return &Machine{
		deps:     deps,
		controls: make(map[string]*control),
		now:      time.Now,
	}
}

// NewPipeline builds a queued pipeline record for a task, cloning the stage
// roster at submit time, and writes the first checkpoint.
func (m *Machine) NewPipeline(task *tasks.Task, roster []AgentDefinition) (*Pipeline, error) {
	stages := make([]Stage, 0, len(roster))
	for _, agent := range roster {
		gate := agent.GatePolicy
		if gate == "" {
			gate = GateAutoAdvance
		}
		stages = append(stages, Stage{
			Agent:          agent,
			GatePolicy:     gate,
			StageTimeoutMs: int(agent.StageTimeout(m.deps.DefaultStageTimeout) / time.Millisecond),
		})
	}

	p := &Pipeline{
		ID:              uuid.NewString(),
		TaskID:          task.ID,
		Stages:          stages,
		StageResults:    make(map[int]*StageResult),
		Status:          StatusQueued,
		StartedAt:       m.now(),
		TaskTitle:       task.Title,
		TaskDescription: strings.TrimSpace(task.Description + "\n" + task.TechnicalDetails),
		TaskPriority:    string(task.Priority),
	}
	if err := m.deps.Checkpoints.Save(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Run drives a pipeline from its current stage to a terminal or waiting
// state. Entry requires queued (fresh or resumed) or running (post-approval).
func (m *Machine) Run(ctx context.Context, p *Pipeline) error {
	if p.Status.IsTerminal() {
		return nil
	}
	ctrl := m.control(p.ID)

	if m.deps.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.deps.OverallTimeout)
		defer cancel()
	}

	wallStart := m.now()
	flushWallClock := func() {
		p.Metrics.WallClockMs += int64(m.now().Sub(wallStart) / time.Millisecond)
		wallStart = m.now()
	}

	if p.Status == StatusQueued {
		p.Status = StatusRunning
		if err := m.deps.Checkpoints.Save(p); err != nil {
			return err
		}
		m.deps.Events.Publish(Event{Type: EventStarted, PipelineID: p.ID})
		logging.Pipeline("Pipeline %s started (task=%s, stages=%d)", p.ID, p.TaskID, len(p.Stages))
	}

	for p.CurrentStage < len(p.Stages) {
		if ctrl.cancelRequested() {
			flushWallClock()
			return m.finishCancelled(p)
		}
		if ctrl.pauseRequested() {
			flushWallClock()
			return m.pauseRecord(p)
		}

		stage := p.Stages[p.CurrentStage]
		result, stageErr := m.runStage(ctx, p, stage, ctrl)
		flushWallClock()

		if stageErr != nil {
			kind := provider.KindOf(stageErr)
			switch {
			case kind == provider.KindCancelled:
				return m.finishCancelled(p)
			case kind == provider.KindBudgetExceeded, kind == provider.KindWorktreeFailure:
				return m.finishFailed(p, stage, stageErr)
			case stage.GatePolicy == GateBestEffort:
				logging.Pipeline("Pipeline %s stage %d (%s) skipped best-effort: %v",
					p.ID, p.CurrentStage, stage.Agent.ID, stageErr)
				p.StageResults[p.CurrentStage] = &StageResult{
					AgentID:     stage.Agent.ID,
					Skipped:     true,
					CompletedAt: m.now(),
				}
				p.recordError(stageErr)
			default:
				return m.finishFailed(p, stage, stageErr)
			}
		} else {
			p.StageResults[p.CurrentStage] = result
			p.Metrics.addCall(result.Target.Provider, result.InputTokens, result.OutputTokens, result.CostUSD)
			m.deps.Events.Publish(Event{
				Type:       EventStageSucceeded,
				PipelineID: p.ID,
				StageIndex: p.CurrentStage,
				AgentID:    stage.Agent.ID,
			})
		}

		if stageErr == nil && stage.GatePolicy == GateRequireApproval {
			p.Status = StatusAwaitingApproval
			if err := m.deps.Checkpoints.Save(p); err != nil {
				return err
			}
			m.deps.Events.Publish(Event{Type: EventAwaitingApproval, PipelineID: p.ID, StageIndex: p.CurrentStage})
			logging.Pipeline("Pipeline %s awaiting approval after stage %d", p.ID, p.CurrentStage)
			return nil
		}

		p.CurrentStage++
		p.Status = StatusRunning
		if err := m.deps.Checkpoints.Save(p); err != nil {
			return err
		}
	}

	p.Status = StatusSucceeded
	flushWallClock()
	if err := m.deps.Checkpoints.Save(p); err != nil {
		return err
	}
	m.deps.Events.Publish(Event{Type: EventCompleted, PipelineID: p.ID})
	logging.Pipeline("Pipeline %s succeeded (cost=$%.4f)", p.ID, p.Metrics.TotalCostUSD)
	m.recordTaskUsage(p)
	m.dropControl(p.ID)
	return nil
}

// Approve resolves an approval gate. Accepted transitions to running and the
// caller re-submits the pipeline; rejected cancels it. Any non-approval state
// is a no-op.
func (m *Machine) Approve(id string, accepted bool) (*Pipeline, bool, error) {
	p, err := m.deps.Checkpoints.Load(id)
	if err != nil {
		return nil, false, err
	}
	if p.Status != StatusAwaitingApproval {
		return p, false, nil
	}

	if !accepted {
		return p, false, m.cancelRecord(p)
	}

	p.Status = StatusRunning
	p.CurrentStage++
	if err := m.deps.Checkpoints.Save(p); err != nil {
		return nil, false, err
	}
	logging.Pipeline("Pipeline %s approved, continuing at stage %d", p.ID, p.CurrentStage)
	return p, true, nil
}

// Cancel requests cooperative cancellation. A pipeline idle on disk
// (queued, paused, awaiting approval) is cancelled immediately; a running
// one stops at its next checkpoint boundary. Idempotent.
func (m *Machine) Cancel(id string) error {
	m.control(id).requestCancel()

	p, err := m.deps.Checkpoints.Load(id)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return nil
	}
	if p.Status == StatusQueued || p.Status == StatusPaused || p.Status == StatusAwaitingApproval {
		return m.cancelRecord(p)
	}
	return nil
}

// Resume loads a checkpoint, validates it is resumable, and returns the
// pipeline ready for re-submission. Completed stage results are retained and
// never re-executed. A running record loaded from disk is also accepted: a
// live running pipeline is owned by its worker and never passes through
// Resume, so a running checkpoint found here can only be a crash leftover.
func (m *Machine) Resume(id string) (*Pipeline, error) {
	p, err := m.deps.Checkpoints.Load(id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusRunning {
		m.mu.Lock()
		_, live := m.controls[id]
		m.mu.Unlock()
		if live {
			return nil, provider.NewError(provider.KindValidation,
				"pipeline %s is running and owned by a live worker", id)
		}
	} else if !p.Status.IsResumable() {
		return nil, provider.NewError(provider.KindValidation,
			"pipeline %s is %s, not resumable", id, p.Status)
	}
	p.Status = StatusQueued
	if err := m.deps.Checkpoints.Save(p); err != nil {
		return nil, err
	}
	logging.Pipeline("Pipeline %s resuming at stage %d", p.ID, p.CurrentStage)
	return p, nil
}

// Pause requests that a running pipeline stop at its next checkpoint
// boundary in the resumable paused state.
func (m *Machine) Pause(id string) {
	m.control(id).requestPause()
}

func (m *Machine) pauseRecord(p *Pipeline) error {
	p.Status = StatusPaused
	if err := m.deps.Checkpoints.Save(p); err != nil {
		return err
	}
	logging.Pipeline("Pipeline %s paused at stage %d", p.ID, p.CurrentStage)
	m.dropControl(p.ID)
	return nil
}

func (m *Machine) finishCancelled(p *Pipeline) error {
	return m.cancelRecord(p)
}

func (m *Machine) cancelRecord(p *Pipeline) error {
	p.Status = StatusCancelled
	if err := m.deps.Checkpoints.Save(p); err != nil {
		return err
	}
	m.deps.Events.Publish(Event{Type: EventCancelled, PipelineID: p.ID})
	logging.Pipeline("Pipeline %s cancelled", p.ID)
	m.dropControl(p.ID)
	return nil
}

func (m *Machine) finishFailed(p *Pipeline, stage Stage, cause error) error {
	p.recordError(cause)
	p.Status = StatusFailed
	if err := m.deps.Checkpoints.Save(p); err != nil {
		return err
	}
	m.deps.Events.Publish(Event{
		Type:       EventStageFailed,
		PipelineID: p.ID,
		StageIndex: p.CurrentStage,
		AgentID:    stage.Agent.ID,
		Detail:     cause.Error(),
	})
	m.deps.Events.Publish(Event{Type: EventCompleted, PipelineID: p.ID, Detail: string(StatusFailed)})
	logging.Pipeline("Pipeline %s failed at stage %d: %v", p.ID, p.CurrentStage, cause)
	m.dropControl(p.ID)
	return cause
}

// runStage executes one stage: budget check, optional worktree, routed
// provider invocation with retries, change capture.
func (m *Machine) runStage(ctx context.Context, p *Pipeline, stage Stage, ctrl *control) (*StageResult, error) {
	agent := stage.Agent
	timer := logging.StartTimer(logging.CategoryPipeline, fmt.Sprintf("stage %s", agent.ID))
	defer timer.Stop()

	prompt := m.buildPrompt(p, agent)
	rc := router.Context{
		AgentID:              agent.ID,
		TaskKind:             string(agent.Type),
		RequiredCapabilities: agent.Capabilities,
		EstimatedInputTokens: m.estimateTokens(prompt),
		MaxOutputTokens:      agent.MaxOutputTokens,
		Priority:             p.TaskPriority,
	}

	// Budget gate before anything externally visible happens.
	if err := m.checkBudget(rc); err != nil {
		return nil, err
	}

	var wtName string
	var wtInfo *worktree.Info
	if agent.UseWorktree {
		wtName = m.deps.Worktrees.Name(agent.ID, p.TaskID, m.now())
		info, err := m.deps.Worktrees.Create(ctx, agent.ID, p.TaskID, wtName)
		if err != nil {
			return nil, err
		}
		wtInfo = info
		defer m.deps.Worktrees.Cleanup(context.WithoutCancel(ctx), wtName)
	}

	stageTimeout := time.Duration(stage.StageTimeoutMs) * time.Millisecond
	if stageTimeout <= 0 {
		stageTimeout = m.deps.DefaultStageTimeout
	}

	var (
		decisions []router.Decision
		excluded  []router.Target
		lastErr   error
	)
	attemptsByTarget := make(map[string]int)

	for attempt := 0; attempt <= agent.MaxRetries; attempt++ {
		if ctrl.cancelRequested() {
			return nil, provider.NewError(provider.KindCancelled, "pipeline %s cancelled", p.ID)
		}
		if attempt > 0 {
			if err := m.checkBudget(rc); err != nil {
				return nil, err
			}
			if err := sleepCtx(ctx, m.deps.Router.BackoffFor(attempt-1, lastErr)); err != nil {
				return nil, provider.ClassifyTransport("", "", err)
			}
		}

		rc.Excluded = excluded
		decision, err := m.deps.Router.Pick(rc)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		decisions = append(decisions, *decision)
		if decision.Tier != router.TierPrimary {
			m.deps.Events.Publish(Event{
				Type:       EventRouterFallback,
				PipelineID: p.ID,
				AgentID:    agent.ID,
				Detail:     decision.Target.String(),
			})
		}

		target := decision.Target
		req := provider.Request{
			Model:           target.Model,
			System:          agent.SystemPrompt,
			Prompt:          prompt,
			MaxOutputTokens: agent.MaxOutputTokens,
		}

		invokeCtx, cancel := context.WithTimeout(ctx, stageTimeout)
		resp, err := m.deps.Registry.Invoke(invokeCtx, target.Provider, req)
		cancel()

		if err != nil {
			p.recordErrorAt(err, attempt)
			lastErr = err
			attemptsByTarget[target.String()]++
			if !provider.IsRetryable(err) {
				return nil, err
			}
			// A rate-limited or flaky target is retried in place until its
			// provider's retry budget is spent, then excluded so the next
			// pick walks the fallback chain. The chain itself is re-entered
			// at most maxFallbackAttempts times per stage invocation.
			if attemptsByTarget[target.String()] >= m.deps.Registry.MaxRetriesFor(target.Provider) {
				if len(excluded) >= m.deps.Router.MaxFallbackAttempts() {
					logging.Pipeline("Pipeline %s stage %s fallback attempts exhausted after %d targets",
						p.ID, agent.ID, len(excluded)+1)
					return nil, lastErr
				}
				excluded = append(excluded, target)
			}
			logging.Pipeline("Pipeline %s stage %s attempt %d retryable: %v", p.ID, agent.ID, attempt, err)
			continue
		}

		// Charge actual usage; a cancel that landed mid-call still pays.
		pricing, _ := m.deps.Registry.PricingFor(target.Provider, target.Model)
		cost := m.deps.Registry.Tokenizer().ActualCost(resp.InputTokens, resp.OutputTokens, pricing)
		before := m.deps.Router.Ledger().TotalToday()
		m.deps.Router.RecordCall(target, resp.Latency, cost)
		m.publishBudgetCrossing(before, before+cost)

		if ctrl.cancelRequested() {
			return nil, provider.NewError(provider.KindCancelled,
				"pipeline %s cancelled; in-flight result discarded", p.ID)
		}

		result := &StageResult{
			AgentID:            agent.ID,
			Target:             target,
			RequestFingerprint: fingerprint(req.System + "\x00" + req.Prompt),
			ResponseSummary:    summarize(resp.Text),
			InputTokens:        resp.InputTokens,
			OutputTokens:       resp.OutputTokens,
			CostUSD:            cost,
			LatencyMs:          int64(resp.Latency / time.Millisecond),
			Decisions:          decisions,
			CompletedAt:        m.now(),
		}
		if wtInfo != nil {
			if changes, cerr := m.deps.Worktrees.CaptureChanges(ctx, wtName); cerr == nil {
				result.FilesChanged = changes
			}
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = provider.NewError(provider.KindNoTarget, "stage %s produced no result", agent.ID)
	}
	return nil, lastErr
}

// checkBudget compares accumulated daily spend plus the stage's estimated
// cost against the configured daily cap.
func (m *Machine) checkBudget(rc router.Context) error {
	capUSD := m.deps.DailyCapUSD
	if capUSD <= 0 {
		return nil
	}
	spent := m.deps.Router.Ledger().TotalToday()
	est := m.estimateStageCost(rc)
	if spent+est > capUSD {
		return provider.NewError(provider.KindBudgetExceeded,
			"daily budget exceeded: spent $%.2f + estimated $%.2f > cap $%.2f", spent, est, capUSD)
	}
	return nil
}

// estimateStageCost prices the prospective call against the cheapest
// registered target so the budget gate is deterministic before routing.
func (m *Machine) estimateStageCost(rc router.Context) float64 {
	best := -1.0
	for _, t := range m.deps.Registry.Targets() {
		prov, model, ok := splitTarget(t)
		if !ok {
			continue
		}
		pricing, found := m.deps.Registry.PricingFor(prov, model)
		if !found {
			continue
		}
		maxOut := rc.MaxOutputTokens
		if maxOut <= 0 {
			maxOut = m.deps.Registry.MaxOutputTokensFor(prov, model)
		}
		cost := m.deps.Registry.Tokenizer().EstimateCost(rc.EstimatedInputTokens, maxOut, pricing)
		if best < 0 || cost < best {
			best = cost
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

func (m *Machine) publishBudgetCrossing(before, after float64) {
	capUSD := m.deps.DailyCapUSD
	if capUSD <= 0 {
		return
	}
	warn := capUSD * m.deps.AlertThreshold
	if before < warn && after >= warn {
		m.deps.Events.Publish(Event{
			Type:   EventBudgetThreshold,
			Detail: fmt.Sprintf("warning: daily spend $%.2f crossed %.0f%% of cap $%.2f", after, m.deps.AlertThreshold*100, capUSD),
		})
	}
	if before < capUSD && after >= capUSD {
		m.deps.Events.Publish(Event{
			Type:   EventBudgetThreshold,
			Detail: fmt.Sprintf("error: daily spend $%.2f reached cap $%.2f", after, capUSD),
		})
	}
}

// buildPrompt assembles the stage prompt from the task and the summaries of
// completed stages.
func (m *Machine) buildPrompt(p *Pipeline, agent AgentDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n%s\n", p.TaskTitle, p.TaskDescription)
	for i := 0; i < p.CurrentStage; i++ {
		if r, ok := p.StageResults[i]; ok && !r.Skipped {
			fmt.Fprintf(&b, "\n[%s output]\n%s\n", r.AgentID, r.ResponseSummary)
		}
	}
	fmt.Fprintf(&b, "\nYou are the %s. %s\n", agent.Name, agent.SystemPrompt)
	return b.String()
}

func (m *Machine) estimateTokens(prompt string) int {
	// The registry tokenizer keys on provider/model; pre-routing the stage
	// only needs a family-neutral estimate.
	return m.deps.Registry.Tokenize("", "", prompt)
}

// recordTaskUsage writes the pipeline's aggregate usage back onto the task.
func (m *Machine) recordTaskUsage(p *Pipeline) {
	if m.deps.Tasks == nil {
		return
	}
	t, err := m.deps.Tasks.GetTask(p.TaskID)
	if err != nil {
		return
	}
	t.PipelineID = p.ID
	t.ActualUsage = &tasks.Usage{
		InputTokens:  p.Metrics.TotalInputTokens,
		OutputTokens: p.Metrics.TotalOutputTokens,
		CostUSD:      p.Metrics.TotalCostUSD,
		DurationMs:   p.Metrics.WallClockMs,
	}
	if err := m.deps.Tasks.UpdateTask(t); err != nil {
		logging.Pipeline("Failed to record usage on task %s: %v", t.ID, err)
	}
}

func (m *Machine) control(id string) *control {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controls[id]
	if !ok {
		c = &control{}
		m.controls[id] = c
	}
	return c
}

func (m *Machine) dropControl(id string) {
	m.mu.Lock()
	delete(m.controls, id)
	m.mu.Unlock()
}

func (p *Pipeline) recordError(err error) {
	p.recordErrorAt(err, 0)
}

func (p *Pipeline) recordErrorAt(err error, attempt int) {
	le := &LastError{
		Kind:    string(provider.KindOf(err)),
		Message: err.Error(),
		Attempt: attempt,
	}
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Provider != "" {
		le.Target = pe.Provider + ":" + pe.Model
	}
	p.LastError = le
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum[:8])
}

func summarize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 500 {
		return s
	}
	return s[:500] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func splitTarget(t string) (string, string, bool) {
	i := strings.IndexByte(t, ':')
	if i <= 0 || i == len(t)-1 {
		return "", "", false
	}
	return t[:i], t[i+1:], true
}
