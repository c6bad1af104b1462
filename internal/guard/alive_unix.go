//go:build !windows

package guard

import (
	"errors"
	"syscall"
)

// pidAlive sends the zero signal; EPERM still means the process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
