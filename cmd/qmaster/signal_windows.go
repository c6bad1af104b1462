//go:build windows

package main

import (
	"errors"
	"os"
)

func sendReload(int) error {
	return errors.New("reload signal not supported on windows; use POST /reload")
}

func sendTerminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
