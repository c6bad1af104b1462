//go:build windows

package supervisor

import (
	"os"
	"syscall"
)

// No user-defined signal exists on Windows; reload is only reachable
// through Supervisor.Reload.
var (
	terminateSignals = []os.Signal{syscall.SIGTERM, os.Interrupt}
	reloadSignals    = []os.Signal{}
)
