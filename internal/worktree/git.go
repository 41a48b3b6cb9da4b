package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"agentcrew/internal/logging"
)

// gitRunner executes git commands with an explicit working directory.
// The process-wide current directory is never touched; concurrent agents
// share the process, so every command names its directory.
type gitRunner struct {
	timeout time.Duration
}

func newGitRunner() *gitRunner {
	return &gitRunner{timeout: 60 * time.Second}
}

// run executes git with args in dir and returns combined output.
func (g *gitRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	logging.WorktreeDebug("git %s (dir=%s)", strings.Join(args, " "), dir)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			logging.Get(logging.CategoryWorktree).Warn("git %s timed out after %s", args[0], g.timeout)
		}
		return string(output), fmt.Errorf("git %s failed: %w, output: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
