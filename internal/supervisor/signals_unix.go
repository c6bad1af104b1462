//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

var (
	terminateSignals = []os.Signal{syscall.SIGTERM, os.Interrupt}
	reloadSignals    = []os.Signal{syscall.SIGUSR1}
)
