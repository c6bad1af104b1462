//go:build !windows

package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/qmaster/internal/guard"
)

func TestReloadAndStopSignalMaster(t *testing.T) {
	path, dir := writeConfig(t, "")
	marker := guard.New(dir, "emails")
	require.NoError(t, marker.Install())
	t.Cleanup(func() { _ = marker.Remove() })

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var out bytes.Buffer
	require.NoError(t, runReload(context.Background(), &GlobalFlags{ConfigPath: path}, &out))
	require.Equal(t, syscall.SIGUSR1, recv(t, sigs))

	require.NoError(t, runStop(&StopFlags{GlobalFlags: GlobalFlags{ConfigPath: path}}, &out))
	require.Equal(t, syscall.SIGTERM, recv(t, sigs))
	require.Contains(t, out.String(), "stop sent to emails")
}

func recv(t *testing.T, ch <-chan os.Signal) os.Signal {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("signal not delivered")
		return nil
	}
}
