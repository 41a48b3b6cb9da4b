//go:build !windows

package worktree

import "syscall"

// probeSignal is signal 0: existence probe without delivering anything.
var probeSignal = syscall.Signal(0)
