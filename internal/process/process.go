package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrAlreadyStarted is returned by Start on a process that was started before.
var ErrAlreadyStarted = errors.New("process already started")

// killGrace bounds the wait for exit after SIGKILL.
const killGrace = 2 * time.Second

// Status is a point-in-time view of a Process.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"-"`
}

// Process runs one command once. A monitor goroutine owns cmd.Wait and
// closes Done when the command exits; Stop only signals and waits on Done.
type Process struct {
	spec Spec

	mu      sync.Mutex
	started bool
	status  Status
	closers []io.Closer
	done    chan struct{}
}

func New(spec Spec) *Process {
	return &Process{spec: spec, done: make(chan struct{}), status: Status{Name: spec.Name}}
}

// Start launches the command in its own process group.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		cmd.Env = p.spec.Env
	}
	configureSysProcAttr(cmd)
	if err := p.configureOutput(cmd); err != nil {
		p.closeWriters()
		return err
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}

	p.started = true
	p.status.PID = cmd.Process.Pid
	p.status.Running = true
	p.status.StartedAt = time.Now()

	go p.monitor(cmd)
	return nil
}

func (p *Process) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.closeWriters()
	p.mu.Unlock()
	close(p.done)
}

// configureOutput wires stdout/stderr: explicit writers first, then rotated
// log files, otherwise the null device.
func (p *Process) configureOutput(cmd *exec.Cmd) error {
	outW, errW, err := p.spec.Log.ProcessWriters(p.spec.Name)
	if err != nil {
		return fmt.Errorf("log writers for %s: %w", p.spec.Name, err)
	}
	if outW != nil {
		p.closers = append(p.closers, outW)
	}
	if errW != nil {
		p.closers = append(p.closers, errW)
	}
	stdout, stderr := pick(p.spec.Stdout, outW), pick(p.spec.Stderr, errW)
	if stdout == nil || stderr == nil {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		p.closers = append(p.closers, null)
		if stdout == nil {
			stdout = null
		}
		if stderr == nil {
			stderr = null
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return nil
}

func pick(explicit io.Writer, rotated io.WriteCloser) io.Writer {
	if explicit != nil {
		return explicit
	}
	if rotated != nil {
		return rotated
	}
	return nil
}

func (p *Process) closeWriters() {
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.closers = nil
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL when the
// process has not exited within timeout. It is safe to call more than once
// and on a process that already exited.
func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	started, pid := p.started, p.status.PID
	p.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminate(pid); err != nil {
		return fmt.Errorf("terminate %s (pid %d): %w", p.spec.Name, pid, err)
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}

	if err := kill(pid); err != nil {
		return fmt.Errorf("kill %s (pid %d): %w", p.spec.Name, pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("%s (pid %d) did not exit after kill", p.spec.Name, pid)
	}
}

// Run starts the process and waits for it to exit. Cancelling ctx stops the
// process with stopTimeout and returns ctx.Err().
func (p *Process) Run(ctx context.Context, stopTimeout time.Duration) error {
	if err := p.Start(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return p.Status().ExitErr
	case <-ctx.Done():
		_ = p.Stop(stopTimeout)
		return ctx.Err()
	}
}
