//go:build !windows

package main

import "syscall"

func sendReload(pid int) error { return syscall.Kill(pid, syscall.SIGUSR1) }

func sendTerminate(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) }
