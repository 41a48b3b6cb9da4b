package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentcrew/internal/orchestrator"
	"agentcrew/internal/pipeline"
	"agentcrew/internal/tasks"
)

var (
	taskTitle       string
	taskDescription string
	taskPriority    string
	waitForResult   bool

	approveReject bool
	readyPriority string
)

var processCmd = &cobra.Command{
	Use:   "process [task-id]",
	Short: "Run a task through a fresh pipeline",
	Args:  cobra.MaximumNArgs(1),
	RunE: run(func(ctx context.Context, o *orchestrator.Orchestrator, args []string) error {
		task := &tasks.Task{
			Title:       taskTitle,
			Description: taskDescription,
			Priority:    tasks.Priority(taskPriority),
		}
		if len(args) > 0 {
			task.ID = args[0]
		}

		p, err := o.ProcessTask(task, orchestrator.Options{})
		if err != nil {
			return err
		}
		logger.Info("pipeline submitted",
			zap.String("pipeline_id", p.ID),
			zap.String("task_id", p.TaskID))
		fmt.Println(p.ID)

		if waitForResult {
			return waitForTerminal(ctx, o, p.ID)
		}
		return nil
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <pipeline-id>",
	Short: "Resume a queued or paused pipeline from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, o *orchestrator.Orchestrator, args []string) error {
		p, err := o.Resume(args[0])
		if err != nil {
			return err
		}
		logger.Info("pipeline resumed",
			zap.String("pipeline_id", p.ID),
			zap.Int("stage", p.CurrentStage))
		if waitForResult {
			return waitForTerminal(ctx, o, p.ID)
		}
		return nil
	}),
}

var approveCmd = &cobra.Command{
	Use:   "approve <pipeline-id>",
	Short: "Resolve an approval gate (use --reject to cancel)",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, o *orchestrator.Orchestrator, args []string) error {
		if err := o.Approve(args[0], !approveReject); err != nil {
			return err
		}
		if approveReject {
			logger.Info("pipeline rejected", zap.String("pipeline_id", args[0]))
		} else {
			logger.Info("pipeline approved", zap.String("pipeline_id", args[0]))
		}
		return nil
	}),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <pipeline-id>",
	Short: "Cancel a pipeline cooperatively",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, o *orchestrator.Orchestrator, args []string) error {
		if err := o.Cancel(args[0]); err != nil {
			return err
		}
		logger.Info("cancellation requested", zap.String("pipeline_id", args[0]))
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active pipelines, budget snapshot and recent routing decisions",
	RunE: run(func(ctx context.Context, o *orchestrator.Orchestrator, args []string) error {
		s, err := o.GetStatus()
		if err != nil {
			return err
		}
		return printJSON(s)
	}),
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List tasks eligible for immediate execution",
	RunE: run(func(ctx context.Context, o *orchestrator.Orchestrator, args []string) error {
		list, err := o.GetReadyTasks(tasks.Priority(readyPriority))
		if err != nil {
			return err
		}
		return printJSON(list)
	}),
}

var decomposeCmd = &cobra.Command{
	Use:   "decompose <epic-id>",
	Short: "Propose stories and tasks for an epic (prints, does not persist)",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, o *orchestrator.Orchestrator, args []string) error {
		epic, err := o.Store().GetEpic(args[0])
		if err != nil {
			return err
		}
		return printJSON(tasks.Decompose(epic))
	}),
}

// waitForTerminal polls checkpoints until the pipeline reaches a terminal or
// waiting state.
func waitForTerminal(ctx context.Context, o *orchestrator.Orchestrator, id string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s, err := o.GetStatus()
			if err != nil {
				return err
			}
			found := false
			for _, p := range s.Pipelines {
				if p.ID == id {
					found = true
					if p.Status == pipeline.StatusAwaitingApproval {
						logger.Info("pipeline awaiting approval", zap.String("pipeline_id", id))
						return nil
					}
				}
			}
			// Terminal pipelines drop out of the active list.
			if !found {
				return nil
			}
		}
	}
}

func init() {
	processCmd.Flags().StringVar(&taskTitle, "title", "", "Ad-hoc task title")
	processCmd.Flags().StringVar(&taskDescription, "description", "", "Ad-hoc task description")
	processCmd.Flags().StringVar(&taskPriority, "priority", "normal", "Task priority (low|normal|high|critical)")
	processCmd.Flags().BoolVar(&waitForResult, "wait", false, "Block until the pipeline settles")
	resumeCmd.Flags().BoolVar(&waitForResult, "wait", false, "Block until the pipeline settles")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "Reject instead of approving")
	readyCmd.Flags().StringVar(&readyPriority, "priority", "", "Filter by priority")

	rootCmd.AddCommand(processCmd, resumeCmd, approveCmd, cancelCmd, statusCmd, readyCmd, decomposeCmd)
}
