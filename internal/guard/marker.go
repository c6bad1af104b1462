// Package guard implements the per-channel singleton marker used by the
// supervisor to refuse a second master for the same channel.
//
// The marker lives at {dir}/{channel}-master.pid. The first line holds the
// owning pid; an optional second line carries JSON meta with the process
// start time so a recycled pid is not mistaken for a live supervisor.
package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by Install when a live supervisor already
// owns the channel marker.
var ErrAlreadyRunning = errors.New("channel already running")

// DegradedError reports that the marker could not be written. Startup may
// continue but the singleton guarantee no longer holds for this run.
type DegradedError struct {
	Path string
	Err  error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("marker %s not written: %v", e.Path, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

type markerMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// Marker is the filesystem record of a live supervisor for one channel.
type Marker struct {
	Dir     string
	Channel string
}

// New returns a marker for channel inside dir. An empty dir means the
// current working directory.
func New(dir, channel string) Marker { return Marker{Dir: dir, Channel: channel} }

func (m Marker) Path() string {
	return filepath.Join(m.Dir, m.Channel+"-master.pid")
}

// IsRunning reports whether the marker exists and names a live process.
func (m Marker) IsRunning() (bool, error) {
	pid, meta, err := m.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnix > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != meta.StartUnix {
			// pid recycled by an unrelated process
			return false, nil
		}
	}
	return pidAlive(pid), nil
}

// Owner returns the pid recorded in the marker.
func (m Marker) Owner() (int, error) {
	pid, _, err := m.read()
	return pid, err
}

// Install fails with ErrAlreadyRunning when another live supervisor owns the
// marker, otherwise it records the current process. A write failure is
// reported as *DegradedError so the caller can decide to continue.
func (m Marker) Install() error {
	running, err := m.IsRunning()
	if err != nil && !errors.Is(err, errBadMarker) {
		return fmt.Errorf("check marker %s: %w", m.Path(), err)
	}
	if running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.Channel)
	}
	if err := m.write(os.Getpid()); err != nil {
		return &DegradedError{Path: m.Path(), Err: err}
	}
	return nil
}

// Remove deletes the marker when it still names this process. A missing
// marker is not an error.
func (m Marker) Remove() error {
	pid, _, err := m.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, errBadMarker) {
			return err
		}
	} else if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(m.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var errBadMarker = errors.New("malformed marker")

func (m Marker) read() (int, markerMeta, error) {
	var meta markerMeta
	data, err := os.ReadFile(m.Path())
	if err != nil {
		return 0, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("%w: invalid pid in %s: %v", errBadMarker, m.Path(), err)
	}
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

func (m Marker) write(pid int) error {
	if m.Dir != "" {
		if err := os.MkdirAll(m.Dir, 0o750); err != nil {
			return err
		}
	}
	content := strconv.Itoa(pid) + "\n"
	if start := procStartUnix(pid); start > 0 {
		b, _ := json.Marshal(markerMeta{StartUnix: start})
		content += string(b) + "\n"
	}
	return os.WriteFile(m.Path(), []byte(content), 0o600)
}
