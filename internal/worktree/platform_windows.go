//go:build windows

package worktree

import "os"

// Windows cannot probe with signal 0; os.Interrupt delivery failure is the
// closest liveness signal available without OpenProcess.
var probeSignal = os.Interrupt
