package worktree

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentcrew/internal/logging"
	"agentcrew/internal/provider"
)

// Manager creates, locks and destroys isolated repository checkouts per
// agent execution (C4). Worktrees live under worktreeDir; each carries an
// advisory lock file {name}.lock holding the owning process id.
type Manager struct {
	repoRoot      string
	worktreeDir   string
	settingsFiles []string
	git           *gitRunner

	mu     sync.Mutex
	owners map[string]ownership // name -> owner

	// pid and pidAlive are test seams.
	pid      int
	pidAlive func(int) bool
}

type ownership struct {
	pid     int
	agentID string
}

// NewManager creates a worktree manager rooted at the repository.
func NewManager(repoRoot, worktreeDir string, settingsFiles []string) *Manager {
	if !filepath.IsAbs(worktreeDir) {
		worktreeDir = filepath.Join(repoRoot, worktreeDir)
	}
	return &Manager{
		repoRoot:      repoRoot,
		worktreeDir:   worktreeDir,
		settingsFiles: settingsFiles,
		git:           newGitRunner(),
		owners:        make(map[string]ownership),
		pid:           os.Getpid(),
		pidAlive:      processAlive,
	}
}

// Name derives the canonical worktree name for an execution:
// agent-{agentId}-{6-hex} where the hex hashes (agentId, taskId, timestamp).
func (m *Manager) Name(agentID, taskID string, ts time.Time) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%d", agentID, taskID, ts.UnixNano())
	return fmt.Sprintf("agent-%s-%06x", agentID, h.Sum32()&0xFFFFFF)
}

// Create opens an isolated worktree for (agent, task). An existing healthy
// worktree under the canonical name is reused; otherwise a branch
// agent/{agentId}/{taskId} is created from HEAD and a fresh worktree added.
func (m *Manager) Create(ctx context.Context, agentID, taskID, name string) (*Info, error) {
	timer := logging.StartTimer(logging.CategoryWorktree, "worktree create")
	defer timer.Stop()

	path := filepath.Join(m.worktreeDir, name)
	branch := fmt.Sprintf("agent/%s/%s", agentID, taskID)

	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return nil, wrapWorktree(err, "failed to create worktree dir")
	}

	if m.healthy(ctx, path) {
		logging.Worktree("Reusing healthy worktree %s", name)
		if err := m.lock(name, agentID); err != nil {
			return nil, err
		}
		return m.info(ctx, name, path, branch, agentID)
	}

	// Branch from current HEAD; an existing branch is fine.
	if out, err := m.git.run(ctx, m.repoRoot, "branch", branch); err != nil {
		if !strings.Contains(out, "already exists") && !strings.Contains(err.Error(), "already exists") {
			return nil, wrapWorktree(err, "failed to create branch %s", branch)
		}
	}

	if _, err := m.git.run(ctx, m.repoRoot, "worktree", "add", path, branch); err != nil {
		m.cleanupAfterFailure(ctx, name, path)
		return nil, wrapWorktree(err, "failed to add worktree %s", name)
	}

	m.copySettings(path)

	if err := m.lock(name, agentID); err != nil {
		m.cleanupAfterFailure(ctx, name, path)
		return nil, err
	}

	logging.Worktree("Created worktree %s (branch=%s)", name, branch)
	return m.info(ctx, name, path, branch, agentID)
}

// ExecuteIn runs fn against the worktree path. The path is passed explicitly;
// the process working directory is never changed.
func (m *Manager) ExecuteIn(name string, fn func(path string) error) error {
	m.mu.Lock()
	_, owned := m.owners[name]
	m.mu.Unlock()
	if !owned {
		return provider.NewError(provider.KindWorktreeFailure, "worktree %s is not owned by this process", name)
	}
	return fn(filepath.Join(m.worktreeDir, name))
}

// CaptureChanges classifies the worktree's changed files and produces a
// unified diff against HEAD.
func (m *Manager) CaptureChanges(ctx context.Context, name string) (*ChangeSet, error) {
	path := filepath.Join(m.worktreeDir, name)

	status, err := m.git.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, wrapWorktree(err, "failed to read status of %s", name)
	}
	cs := parsePorcelain(status)

	// Diff failures are tolerated; classification is the load-bearing part.
	if diff, err := m.git.run(ctx, path, "diff", "HEAD"); err == nil {
		cs.Diff = diff
	}
	return cs, nil
}

// Commit commits all changes in the worktree. "Nothing to commit" is not an
// error and reports false.
func (m *Manager) Commit(ctx context.Context, name, message, author string) (bool, error) {
	path := filepath.Join(m.worktreeDir, name)

	if _, err := m.git.run(ctx, path, "add", "-A"); err != nil {
		return false, wrapWorktree(err, "failed to stage changes in %s", name)
	}

	args := []string{"commit", "-m", message}
	if author != "" {
		args = append(args, "--author", author)
	}
	out, err := m.git.run(ctx, path, args...)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(err.Error(), "nothing to commit") {
			return false, nil
		}
		return false, wrapWorktree(err, "failed to commit in %s", name)
	}
	return true, nil
}

// Stash stashes uncommitted changes and returns the stash reference; empty
// when there was nothing to stash.
func (m *Manager) Stash(ctx context.Context, name string) (string, error) {
	path := filepath.Join(m.worktreeDir, name)

	out, err := m.git.run(ctx, path, "stash", "push", "-u", "-m", "agentcrew:"+name)
	if err != nil {
		return "", wrapWorktree(err, "failed to stash in %s", name)
	}
	if strings.Contains(out, "No local changes") {
		return "", nil
	}
	ref, err := m.git.run(ctx, path, "rev-parse", "stash@{0}")
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(ref), nil
}

// Cleanup releases a worktree after stage completion or failure: stash
// leftovers, drop the lock, prune the checkout.
func (m *Manager) Cleanup(ctx context.Context, name string) error {
	path := filepath.Join(m.worktreeDir, name)

	if _, err := os.Stat(path); err == nil {
		if _, err := m.Stash(ctx, name); err != nil {
			logging.Worktree("Cleanup stash failed for %s: %v", name, err)
		}
	}

	m.unlock(name)

	if _, err := m.git.run(ctx, m.repoRoot, "worktree", "remove", "--force", path); err != nil {
		// Fall back to prune for checkouts git already considers gone.
		m.git.run(ctx, m.repoRoot, "worktree", "prune")
	}
	logging.Worktree("Cleaned up worktree %s", name)
	return nil
}

// CleanupAll releases every worktree owned by this process.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.owners))
	for name := range m.owners {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.Cleanup(ctx, name)
	}
}

// RecoverOrphans prunes worktrees the repository considers prunable and
// removes lock files whose recorded pid is no longer alive. Run at startup.
func (m *Manager) RecoverOrphans(ctx context.Context) {
	m.git.run(ctx, m.repoRoot, "worktree", "prune")

	entries, err := os.ReadDir(m.worktreeDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		lockPath := filepath.Join(m.worktreeDir, e.Name())
		data, err := os.ReadFile(lockPath)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || !m.pidAlive(pid) {
			os.Remove(lockPath)
			logging.Worktree("Removed stale lock %s (pid=%d)", e.Name(), pid)
		}
	}
}

// List returns the worktrees currently present under the managed directory.
func (m *Manager) List(ctx context.Context) []Info {
	out := []Info{}
	entries, err := os.ReadDir(m.worktreeDir)
	if err != nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		owner, locked := m.owners[e.Name()]
		info := Info{
			Name:   e.Name(),
			Path:   filepath.Join(m.worktreeDir, e.Name()),
			Locked: locked,
		}
		if locked {
			info.AgentID = owner.agentID
		}
		out = append(out, info)
	}
	return out
}

// lock writes the advisory lock file. A live lock held by another process is
// never forcibly overwritten.
func (m *Manager) lock(name, agentID string) error {
	lockPath := filepath.Join(m.worktreeDir, name+".lock")

	if data, err := os.ReadFile(lockPath); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid != m.pid && m.pidAlive(pid) {
			return provider.NewError(provider.KindWorktreeFailure,
				"worktree %s is locked by live process %d", name, pid)
		}
	}

	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(m.pid)), 0644); err != nil {
		return wrapWorktree(err, "failed to write lock for %s", name)
	}

	m.mu.Lock()
	m.owners[name] = ownership{pid: m.pid, agentID: agentID}
	m.mu.Unlock()
	return nil
}

func (m *Manager) unlock(name string) {
	os.Remove(filepath.Join(m.worktreeDir, name+".lock"))
	m.mu.Lock()
	delete(m.owners, name)
	m.mu.Unlock()
}

// healthy reports whether an existing checkout responds to git status.
func (m *Manager) healthy(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_, err := m.git.run(ctx, path, "status", "--porcelain")
	return err == nil
}

// copySettings copies the allow-listed configuration files from the main
// workspace. Non-existent sources are skipped silently.
func (m *Manager) copySettings(dst string) {
	for _, rel := range m.settingsFiles {
		src := filepath.Join(m.repoRoot, rel)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(dst, rel)); err != nil {
			logging.WorktreeDebug("Settings copy skipped %s: %v", rel, err)
		}
	}
}

// cleanupAfterFailure is the best-effort unwind when creation fails partway.
// The caller keeps the original error.
func (m *Manager) cleanupAfterFailure(ctx context.Context, name, path string) {
	os.Remove(filepath.Join(m.worktreeDir, name+".lock"))
	m.git.run(ctx, m.repoRoot, "worktree", "remove", "--force", path)
	m.git.run(ctx, m.repoRoot, "worktree", "prune")
}

func (m *Manager) info(ctx context.Context, name, path, branch, agentID string) (*Info, error) {
	head := ""
	if out, err := m.git.run(ctx, path, "rev-parse", "HEAD"); err == nil {
		head = strings.TrimSpace(out)
	}
	return &Info{
		Name:    name,
		Path:    path,
		Branch:  branch,
		Head:    head,
		Locked:  true,
		AgentID: agentID,
	}, nil
}

// parsePorcelain classifies `git status --porcelain` output.
func parsePorcelain(out string) *ChangeSet {
	cs := &ChangeSet{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		switch {
		case strings.Contains(code, "R"):
			cs.Renamed = append(cs.Renamed, path)
		case code == "??" || strings.Contains(code, "A"):
			cs.Added = append(cs.Added, path)
		case strings.Contains(code, "D"):
			cs.Deleted = append(cs.Deleted, path)
		case strings.Contains(code, "M"):
			cs.Modified = append(cs.Modified, path)
		}
	}
	return cs
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func wrapWorktree(err error, format string, args ...interface{}) *provider.Error {
	e := provider.NewError(provider.KindWorktreeFailure, format, args...)
	e.Err = err
	e.Message = e.Message + ": " + err.Error()
	return e
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence on unix.
	return proc.Signal(probeSignal) == nil
}
