// agentcrew coordinates a team of AI agents through multi-stage pipelines
// against a source repository, with provider routing, spend budgets and
// isolated worktrees.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agentcrew/internal/config"
	"agentcrew/internal/logging"
	"agentcrew/internal/orchestrator"
	"agentcrew/internal/provider"
)

// Exit codes.
const (
	exitOK            = 0
	exitFailure       = 1
	exitInvalidConfig = 2
	exitBudget        = 3
	exitNoProviders   = 4
)

var (
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "agentcrew",
	Short: "agentcrew - multi-agent task pipeline orchestrator",
	Long: `agentcrew executes epics, stories and tasks through a pipeline of
heterogeneous AI agents (orchestrator, designer, implementer, validator,
documenter). Each stage routes to a provider under capability and budget
constraints, runs side effects in an isolated git worktree, and checkpoints
durably so pipelines survive restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, _ = os.Getwd()
		} else if abs, err := filepath.Abs(workspace); err == nil {
			workspace = abs
		}

		// .env is optional; a missing file is fine.
		godotenv.Load(filepath.Join(workspace, ".env"))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .agentcrew/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Operation timeout")
}

// boot loads config and builds the orchestrator.
func boot(ctx context.Context) (*orchestrator.Orchestrator, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath(workspace)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, provider.NewError(provider.KindConfig, "%v", err)
	}
	return orchestrator.New(ctx, workspace, cfg)
}

// exitCodeFor maps an error to the documented exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, orchestrator.ErrNoValidProviders) {
		return exitNoProviders
	}
	switch provider.KindOf(err) {
	case provider.KindConfig:
		return exitInvalidConfig
	case provider.KindBudgetExceeded:
		return exitBudget
	default:
		return exitFailure
	}
}

// run wraps a command body with orchestrator boot and shutdown.
func run(fn func(ctx context.Context, o *orchestrator.Orchestrator, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		o, err := boot(ctx)
		if err != nil {
			return err
		}
		defer o.Shutdown(ctx)
		return fn(ctx, o, args)
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
