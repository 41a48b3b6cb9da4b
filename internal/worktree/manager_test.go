package worktree

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameFormat(t *testing.T) {
	m := NewManager(t.TempDir(), ".worktrees", nil)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	name := m.Name("implementer", "task-42", ts)

	assert.Regexp(t, regexp.MustCompile(`^agent-implementer-[0-9a-f]{6}$`), name)

	// Deterministic for the same inputs, distinct across timestamps.
	assert.Equal(t, name, m.Name("implementer", "task-42", ts))
	assert.NotEqual(t, name, m.Name("implementer", "task-42", ts.Add(time.Second)))
	assert.NotEqual(t, name, m.Name("validator", "task-42", ts))
}

func TestParsePorcelain(t *testing.T) {
	out := " M internal/app.go\n" +
		"A  internal/new.go\n" +
		"?? untracked.txt\n" +
		" D gone.go\n" +
		"R  old.go -> new.go\n" +
		"\n"

	cs := parsePorcelain(out)
	assert.Equal(t, []string{"internal/new.go", "untracked.txt"}, cs.Added)
	assert.Equal(t, []string{"internal/app.go"}, cs.Modified)
	assert.Equal(t, []string{"gone.go"}, cs.Deleted)
	assert.Equal(t, []string{"old.go -> new.go"}, cs.Renamed)
	assert.False(t, cs.Empty())
	assert.Len(t, cs.Files(), 5)

	assert.True(t, parsePorcelain("").Empty())
}

func TestLockRefusesLiveForeignPid(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, ".worktrees", nil)
	require.NoError(t, os.MkdirAll(m.worktreeDir, 0755))

	// A live lock held by another process is never overwritten.
	m.pidAlive = func(pid int) bool { return true }
	foreign := m.pid + 1
	lockPath := filepath.Join(m.worktreeDir, "agent-x-abc123.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte(strconv.Itoa(foreign)), 0644))

	err := m.lock("agent-x-abc123", "x")
	require.Error(t, err)

	data, _ := os.ReadFile(lockPath)
	assert.Equal(t, strconv.Itoa(foreign), string(data), "foreign lock untouched")
}

func TestLockTakesOverDeadPid(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, ".worktrees", nil)
	require.NoError(t, os.MkdirAll(m.worktreeDir, 0755))

	m.pidAlive = func(pid int) bool { return false }
	lockPath := filepath.Join(m.worktreeDir, "agent-x-abc123.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("99999"), 0644))

	require.NoError(t, m.lock("agent-x-abc123", "x"))

	data, _ := os.ReadFile(lockPath)
	assert.Equal(t, strconv.Itoa(m.pid), string(data), "stale lock replaced")

	// ExecuteIn works for an owned worktree and passes the explicit path.
	var got string
	require.NoError(t, m.ExecuteIn("agent-x-abc123", func(path string) error {
		got = path
		return nil
	}))
	assert.Equal(t, filepath.Join(m.worktreeDir, "agent-x-abc123"), got)

	m.unlock("agent-x-abc123")
	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteInRequiresOwnership(t *testing.T) {
	m := NewManager(t.TempDir(), ".worktrees", nil)
	err := m.ExecuteIn("never-created", func(string) error { return nil })
	require.Error(t, err)
}

func TestRecoverOrphansRemovesStaleLocks(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, ".worktrees", nil)
	require.NoError(t, os.MkdirAll(m.worktreeDir, 0755))

	stale := filepath.Join(m.worktreeDir, "agent-a-000001.lock")
	live := filepath.Join(m.worktreeDir, "agent-b-000002.lock")
	garbage := filepath.Join(m.worktreeDir, "agent-c-000003.lock")
	require.NoError(t, os.WriteFile(stale, []byte("99999"), 0644))
	require.NoError(t, os.WriteFile(live, []byte("1234"), 0644))
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid"), 0644))

	m.pidAlive = func(pid int) bool { return pid == 1234 }
	m.RecoverOrphans(t.Context())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "dead-pid lock removed")
	_, err = os.Stat(garbage)
	assert.True(t, os.IsNotExist(err), "unparseable lock removed")
	_, err = os.Stat(live)
	assert.NoError(t, err, "live lock kept")
}

func TestCopySettingsSkipsMissingSources(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0644))

	m := NewManager(root, ".worktrees", []string{"go.mod", "does-not-exist.cfg"})
	dst := filepath.Join(root, ".worktrees", "agent-a-000001")
	require.NoError(t, os.MkdirAll(dst, 0755))

	m.copySettings(dst)

	data, err := os.ReadFile(filepath.Join(dst, "go.mod"))
	require.NoError(t, err)
	assert.Equal(t, "module x\n", string(data))
	_, err = os.Stat(filepath.Join(dst, "does-not-exist.cfg"))
	assert.True(t, os.IsNotExist(err))
}
