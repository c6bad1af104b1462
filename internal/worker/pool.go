// Package worker runs the worker processes of one channel and the consumer
// loop each of them executes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/qmaster/internal/env"
	"github.com/loykin/qmaster/internal/logger"
	"github.com/loykin/qmaster/internal/metrics"
	"github.com/loykin/qmaster/internal/process"
)

var ErrPoolRunning = errors.New("worker pool already running")

// Config describes the worker processes of a channel.
type Config struct {
	Channel string
	// Command is run through the shell rules of process.Spec. When Args is
	// set, Command is executed directly with Args instead.
	Command         string
	Args            []string
	WorkDir         string
	Instances       int
	StopTimeout     time.Duration
	RestartInterval time.Duration
	Env             []string
	EnvFiles        []string
	UseOSEnv        bool
	Log             logger.Config
	Logger          *slog.Logger
}

func (c Config) instances() int {
	if c.Instances < 1 {
		return 1
	}
	return c.Instances
}

func (c Config) restartInterval() time.Duration {
	if c.RestartInterval <= 0 {
		return 50 * time.Millisecond
	}
	return c.RestartInterval
}

// Pool keeps Instances worker processes alive until Stop. A worker that
// exits on its own is restarted after RestartInterval.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	log     *slog.Logger
	running bool
	cancel  context.CancelFunc
	slots   []*slot
	wg      sync.WaitGroup
}

// slot is one instance position; its process is replaced on restart.
type slot struct {
	name string
	mu   sync.Mutex
	proc *process.Process
}

func (s *slot) current() *process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *slot) set(p *process.Process) {
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
}

func NewPool(cfg Config) *Pool {
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Pool{cfg: cfg, log: l.With("component", "worker-pool", "channel", cfg.Channel)}
}

// Update replaces the configuration used by the next Start or Reload.
func (p *Pool) Update(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.Logger == nil {
		cfg.Logger = p.cfg.Logger
	}
	p.cfg = cfg
}

// Start spawns every instance. If one of them fails to start, the ones
// already started are stopped again and the error is returned.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Pool) startLocked() error {
	if p.running {
		return ErrPoolRunning
	}
	cfg := p.cfg
	environ, err := p.environ(cfg)
	if err != nil {
		return err
	}

	n := cfg.instances()
	slots := make([]*slot, 0, n)
	for i := 1; i <= n; i++ {
		s := &slot{name: fmt.Sprintf("%s-worker-%d", cfg.Channel, i)}
		proc, err := p.spawn(cfg, s.name, i, environ)
		if err != nil {
			for _, started := range slots {
				_ = started.current().Stop(cfg.StopTimeout)
			}
			return err
		}
		s.set(proc)
		slots = append(slots, s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.slots = slots
	p.cancel = cancel
	p.running = true
	metrics.SetWorkersRunning(cfg.Channel, len(slots))
	for i, s := range slots {
		p.wg.Add(1)
		go p.supervise(ctx, cfg, s, i+1, environ)
	}
	p.log.Info("worker pool started", "instances", len(slots))
	return nil
}

func (p *Pool) environ(cfg Config) ([]string, error) {
	set := env.New(cfg.UseOSEnv)
	for _, f := range cfg.EnvFiles {
		if err := set.LoadFile(f); err != nil {
			return nil, fmt.Errorf("worker env file: %w", err)
		}
	}
	set.Apply(cfg.Env)
	return set.Environ("QMASTER_CHANNEL=" + cfg.Channel), nil
}

func (p *Pool) spawn(cfg Config, name string, instance int, environ []string) (*process.Process, error) {
	vars := append(append([]string{}, environ...), "QMASTER_WORKER_INSTANCE="+strconv.Itoa(instance))
	proc := process.New(process.Spec{
		Name:    name,
		Command: cfg.Command,
		Args:    cfg.Args,
		WorkDir: cfg.WorkDir,
		Env:     vars,
		Log:     cfg.Log,
	})
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", name, err)
	}
	metrics.IncWorkerStart(cfg.Channel)
	p.log.Debug("worker started", "worker", name, "pid", proc.PID())
	return proc, nil
}

// supervise owns one slot: it restarts the process after an unexpected exit
// and stops it when ctx is cancelled.
func (p *Pool) supervise(ctx context.Context, cfg Config, s *slot, instance int, environ []string) {
	defer p.wg.Done()
	for {
		proc := s.current()
		if proc == nil {
			if !sleepCtx(ctx, cfg.restartInterval()) {
				return
			}
			next, err := p.spawn(cfg, s.name, instance, environ)
			if err != nil {
				p.log.Error("worker restart failed", "worker", s.name, "error", err)
				continue
			}
			metrics.IncWorkerRestart(cfg.Channel)
			s.set(next)
			continue
		}

		select {
		case <-ctx.Done():
			if err := proc.Stop(cfg.StopTimeout); err != nil {
				p.log.Warn("worker stop failed", "worker", s.name, "error", err)
			}
			return
		case <-proc.Done():
			if ctx.Err() != nil {
				return
			}
			st := proc.Status()
			p.log.Warn("worker exited", "worker", s.name, "pid", st.PID, "error", st.ExitErr)
			s.set(nil)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop terminates every worker and waits for them. Stopping a pool that is
// not running is a no-op.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *Pool) stopLocked() {
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	p.slots = nil
	metrics.SetWorkersRunning(p.cfg.Channel, 0)
	p.log.Info("worker pool stopped")
}

// Reload replaces every worker with a fresh process using the current
// configuration.
func (p *Pool) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if err := p.startLocked(); err != nil {
		return fmt.Errorf("reload workers: %w", err)
	}
	return nil
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PIDs maps worker names to the pid of their current process.
func (p *Pool) PIDs() map[string]int32 {
	p.mu.Lock()
	slots := p.slots
	p.mu.Unlock()
	out := make(map[string]int32, len(slots))
	for _, s := range slots {
		if proc := s.current(); proc != nil {
			if st := proc.Status(); st.Running {
				out[s.name] = int32(st.PID)
			}
		}
	}
	return out
}
