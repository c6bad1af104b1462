// Package supervisor runs the master process of one queue channel.
//
// Listen installs the channel marker, requeues stalled jobs, starts the
// worker pool and then hands control to a single event loop. Signals, the
// expiry, watchdog and snapshot tickers, explicit Reload/ExitMaster requests
// and context cancellation are all handled on that loop, one at a time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/qmaster/internal/driver"
	"github.com/loykin/qmaster/internal/guard"
	"github.com/loykin/qmaster/internal/metrics"
)

const (
	DefaultMemoryLimitMB    = 1024
	DefaultSnapshotInterval = 300 // seconds

	DefaultExpiryPeriod   = time.Second
	DefaultWatchdogPeriod = 300 * time.Second
)

// Exit reasons reported in logs and the exits metric.
const (
	ReasonSignal      = "signal"
	ReasonMemoryLimit = "memory_limit"
	ReasonContext     = "context"
	ReasonRequested   = "requested"
)

var ErrNotRunning = errors.New("supervisor not running")

// WorkerPool is started once per Listen, reloaded on request and stopped
// exactly once at exit. All calls are synchronous.
type WorkerPool interface {
	Start() error
	Stop() error
	Reload() error
}

// Driver is the part of the queue backend the supervisor drives.
type Driver interface {
	Name() string
	Channel() string
	RetryReserved(ctx context.Context) error
	MigrateExpired(ctx context.Context) error
	Status(ctx context.Context) (driver.Stats, error)
}

// Snapshots dispatches status snapshots. Dispatch reports failures it has
// already logged.
type Snapshots interface {
	Len() int
	Dispatch(ctx context.Context) error
}

type Config struct {
	PIDPath      string
	MemoryLimit  int     // MB; <= 0 means DefaultMemoryLimitMB
	SleepSeconds float64 // negative values are treated as 0
	// SnapshotInterval in seconds; <= 0 means DefaultSnapshotInterval.
	SnapshotInterval int
}

type Options struct {
	Logger *slog.Logger
	// Signals replaces OS signal delivery. When nil the supervisor registers
	// with signal.Notify and unregisters at exit.
	Signals <-chan os.Signal
	// Snapshots may be nil; no snapshot timer is scheduled then.
	Snapshots Snapshots
	// MemorySampler returns the supervisor's resident memory in MB.
	MemorySampler func() (float64, error)

	ExpiryPeriod   time.Duration
	WatchdogPeriod time.Duration
	SnapshotPeriod time.Duration
}

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

type Supervisor struct {
	channel string
	cfg     Config
	opts    Options
	marker  guard.Marker
	drv     Driver
	pool    WorkerPool
	log     *slog.Logger

	state atomic.Int32
	// stopping is raised before any teardown request and checked before
	// every loop callback. It is only written under mu.
	stopping atomic.Bool
	// loopID is the goroutine running the event loop.
	loopID atomic.Uint64

	mu       sync.Mutex
	tearing  bool
	looping  bool
	done     chan struct{}
	exitCh   chan string
	reloadCh chan chan error
	sigCh    chan os.Signal
	tickers  []*time.Ticker
}

func New(drv Driver, pool WorkerPool, cfg Config, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MemorySampler == nil {
		pid := os.Getpid()
		opts.MemorySampler = func() (float64, error) { return metrics.MemoryUsageMB(pid) }
	}
	if opts.ExpiryPeriod <= 0 {
		opts.ExpiryPeriod = DefaultExpiryPeriod
	}
	if opts.WatchdogPeriod <= 0 {
		opts.WatchdogPeriod = DefaultWatchdogPeriod
	}
	if opts.SnapshotPeriod <= 0 {
		opts.SnapshotPeriod = time.Duration(cfg.snapshotInterval()) * time.Second
	}
	done := make(chan struct{})
	close(done)
	channel := drv.Channel()
	return &Supervisor{
		channel: channel,
		cfg:     cfg,
		opts:    opts,
		marker:  guard.New(cfg.PIDPath, channel),
		drv:     drv,
		pool:    pool,
		log:     opts.Logger.With("component", "supervisor", "channel", channel),
		done:    done,
	}
}

func (c Config) memoryLimit() int {
	if c.MemoryLimit <= 0 {
		return DefaultMemoryLimitMB
	}
	return c.MemoryLimit
}

func (c Config) snapshotInterval() int {
	if c.SnapshotInterval <= 0 {
		return DefaultSnapshotInterval
	}
	return c.SnapshotInterval
}

func (s *Supervisor) Channel() string { return s.channel }

func (s *Supervisor) State() State { return State(s.state.Load()) }

// MarkerPath is where the channel marker lives.
func (s *Supervisor) MarkerPath() string { return s.marker.Path() }

// IsRunning reports whether a live supervisor owns the channel marker.
func (s *Supervisor) IsRunning() bool {
	running, err := s.marker.IsRunning()
	if err != nil {
		s.log.Debug("marker unreadable", "path", s.marker.Path(), "error", err)
	}
	return running
}

// SleepTime is the pause workers take between two pops. Never negative.
func (s *Supervisor) SleepTime() time.Duration {
	if s.cfg.SleepSeconds <= 0 {
		return 0
	}
	return time.Duration(s.cfg.SleepSeconds * float64(time.Second))
}

// MemoryExceeded samples memory usage and reports whether it is at or above
// the configured ceiling. A failed sample never counts as exceeded.
func (s *Supervisor) MemoryExceeded() bool {
	mb, err := s.opts.MemorySampler()
	if err != nil {
		s.log.Warn("memory sample failed", "error", err)
		return false
	}
	metrics.SetSupervisorMemory(s.channel, mb)
	return mb >= float64(s.cfg.memoryLimit())
}

// Listen starts the supervisor. The marker is checked first, so a channel
// that is already supervised fails before any collaborator is touched.
// RetryReserved completes before the worker pool starts. If either of them
// fails the marker is removed again.
func (s *Supervisor) Listen(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", guard.ErrAlreadyRunning, s.channel)
	}
	s.stopping.Store(false)
	s.tearing = false
	s.looping = false
	s.done = make(chan struct{})
	s.exitCh = make(chan string, 1)
	s.reloadCh = make(chan chan error)
	s.loopID.Store(0)
	s.mu.Unlock()

	if err := s.marker.Install(); err != nil {
		var degraded *guard.DegradedError
		if !errors.As(err, &degraded) {
			s.abortStart()
			return err
		}
		s.log.Warn("singleton guard degraded", "path", degraded.Path, "error", degraded.Err)
	}

	if err := s.drv.RetryReserved(ctx); err != nil {
		s.rollback()
		return fmt.Errorf("retry reserved jobs: %w", err)
	}
	if err := s.pool.Start(); err != nil {
		s.rollback()
		return fmt.Errorf("start worker pool: %w", err)
	}

	sig := s.opts.Signals
	var own chan os.Signal
	if sig == nil {
		own = make(chan os.Signal, 4)
		signal.Notify(own, slices.Concat(terminateSignals, reloadSignals)...)
		sig = own
	}

	expiry := time.NewTicker(s.opts.ExpiryPeriod)
	watchdog := time.NewTicker(s.opts.WatchdogPeriod)
	tickers := []*time.Ticker{expiry, watchdog}
	var snapC <-chan time.Time
	if s.opts.Snapshots != nil && s.opts.Snapshots.Len() > 0 {
		snap := time.NewTicker(s.opts.SnapshotPeriod)
		tickers = append(tickers, snap)
		snapC = snap.C
	}

	s.mu.Lock()
	s.sigCh = own
	s.tickers = tickers
	if s.stopping.Load() {
		// ExitMaster arrived while starting and is waiting on done.
		s.mu.Unlock()
		s.teardown(ReasonRequested)
		return fmt.Errorf("%w: %s: exit requested during startup", ErrNotRunning, s.channel)
	}
	s.looping = true
	s.state.Store(int32(StateRunning))
	s.mu.Unlock()

	s.log.Info("supervisor listening", "driver", s.drv.Name(), "marker", s.marker.Path(),
		"snapshot_handlers", s.snapshotHandlers())

	go s.loop(ctx, sig, expiry.C, watchdog.C, snapC)
	return nil
}

func (s *Supervisor) snapshotHandlers() int {
	if s.opts.Snapshots == nil {
		return 0
	}
	return s.opts.Snapshots.Len()
}

func (s *Supervisor) rollback() {
	if err := s.marker.Remove(); err != nil {
		s.log.Warn("marker rollback failed", "path", s.marker.Path(), "error", err)
	}
	s.abortStart()
}

// abortStart ends a failed Listen and releases anyone waiting on done.
func (s *Supervisor) abortStart() {
	s.mu.Lock()
	s.tearing = true
	s.stopping.Store(true)
	s.state.Store(int32(StateStopped))
	done := s.done
	s.mu.Unlock()
	close(done)
}

func (s *Supervisor) loop(ctx context.Context, sig <-chan os.Signal, expiry, watchdog, snap <-chan time.Time) {
	s.loopID.Store(goroutineID())
	for {
		select {
		case <-ctx.Done():
			s.teardown(ReasonContext)
			return
		case reason := <-s.exitCh:
			s.teardown(reason)
			return
		case reply := <-s.reloadCh:
			reply <- s.reload()
		case v, ok := <-sig:
			if !ok {
				sig = nil
				continue
			}
			if s.stopping.Load() {
				continue
			}
			if slices.Contains(reloadSignals, v) {
				s.log.Info("reload signal received", "signal", v.String())
				_ = s.reload()
				continue
			}
			s.log.Info("terminate signal received", "signal", v.String())
			s.teardown(ReasonSignal)
			return
		case <-expiry:
			if s.stopping.Load() {
				continue
			}
			s.guarded("expiry migration", func() {
				if err := s.drv.MigrateExpired(ctx); err != nil {
					s.log.Error("expiry migration failed", "error", err)
				}
			})
		case <-watchdog:
			if s.stopping.Load() {
				continue
			}
			if s.MemoryExceeded() {
				s.log.Warn("memory limit reached", "limit_mb", s.cfg.memoryLimit())
				s.teardown(ReasonMemoryLimit)
				return
			}
		case <-snap:
			if s.stopping.Load() {
				continue
			}
			s.guarded("snapshot", func() { _ = s.opts.Snapshots.Dispatch(ctx) })
		}
	}
}

// onLoop reports whether the caller is a callback running on the event loop.
func (s *Supervisor) onLoop() bool {
	id := s.loopID.Load()
	return id != 0 && id == goroutineID()
}

// guarded keeps a misbehaving collaborator from killing the loop.
func (s *Supervisor) guarded(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(what+" panicked", "panic", r)
		}
	}()
	fn()
}

func (s *Supervisor) reload() error {
	metrics.IncReload(s.channel)
	if err := s.pool.Reload(); err != nil {
		s.log.Error("worker reload failed", "error", err)
		return err
	}
	s.log.Info("workers reloaded")
	return nil
}

// Reload asks the running loop to reload the worker pool and waits for the
// result. Called from a loop callback it reloads in place.
func (s *Supervisor) Reload() error {
	if s.onLoop() {
		if s.stopping.Load() {
			return ErrNotRunning
		}
		return s.reload()
	}
	s.mu.Lock()
	looping, done, reqs := s.looping, s.done, s.reloadCh
	s.mu.Unlock()
	if !looping || s.stopping.Load() {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case reqs <- reply:
	case <-done:
		return ErrNotRunning
	}
	return <-reply
}

// ExitMaster stops the timers and the worker pool and removes the marker.
// It is idempotent and returns once teardown has finished. Called from a
// loop callback it only queues the request; the loop tears down when the
// callback returns.
func (s *Supervisor) ExitMaster() {
	s.exit(ReasonRequested)
}

func (s *Supervisor) exit(reason string) {
	if s.onLoop() {
		s.mu.Lock()
		s.stopping.Store(true)
		requestExit(s.exitCh, reason)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.stopping.Store(true)
	done := s.done
	switch {
	case s.tearing || s.State() == StateStarting:
		// teardown is running, or Listen will abort and close done
	case s.looping:
		requestExit(s.exitCh, reason)
	default:
		// nothing is running; tear down on this goroutine
		s.tearing = true
		done = make(chan struct{})
		s.done = done
		s.mu.Unlock()
		s.finishTeardown(reason, done)
		return
	}
	s.mu.Unlock()
	<-done
}

func requestExit(ch chan string, reason string) {
	select {
	case ch <- reason:
	default:
		// a request is already queued
	}
}

// Wait blocks until the current run has been torn down.
func (s *Supervisor) Wait() {
	<-s.Done()
}

// Done is closed when the current run has been torn down.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// teardown runs at most once per run.
func (s *Supervisor) teardown(reason string) {
	s.mu.Lock()
	if s.tearing {
		s.mu.Unlock()
		return
	}
	s.tearing = true
	s.stopping.Store(true)
	done := s.done
	s.mu.Unlock()
	s.finishTeardown(reason, done)
}

func (s *Supervisor) finishTeardown(reason string, done chan struct{}) {
	s.mu.Lock()
	tickers, own := s.tickers, s.sigCh
	s.tickers, s.sigCh = nil, nil
	s.mu.Unlock()

	for _, t := range tickers {
		t.Stop()
	}
	if own != nil {
		signal.Stop(own)
	}
	if err := s.pool.Stop(); err != nil {
		s.log.Error("worker pool stop failed", "error", err)
	}
	if err := s.marker.Remove(); err != nil {
		s.log.Warn("marker removal failed", "path", s.marker.Path(), "error", err)
	}
	metrics.IncExit(s.channel, reason)

	s.mu.Lock()
	s.looping = false
	s.state.Store(int32(StateStopped))
	s.mu.Unlock()
	s.log.Info("supervisor stopped", "reason", reason)
	close(done)
}
