// Package qmaster supervises the workers of one job-queue channel.
//
// A Master ties together the queue driver, the worker pool, the snapshot
// handlers and the supervisor event loop of a channel:
//
//	cfg, _ := qmaster.LoadConfig("qmaster.toml")
//	m, _ := qmaster.NewMaster(cfg, qmaster.Options{ConfigPath: "qmaster.toml"})
//	defer m.Close()
//	if err := m.Listen(ctx); err != nil { ... }
//	m.Wait()
package qmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/qmaster/internal/config"
	"github.com/loykin/qmaster/internal/driver"
	"github.com/loykin/qmaster/internal/guard"
	"github.com/loykin/qmaster/internal/logger"
	"github.com/loykin/qmaster/internal/metrics"
	"github.com/loykin/qmaster/internal/server"
	"github.com/loykin/qmaster/internal/snapshot"
	"github.com/loykin/qmaster/internal/supervisor"
	"github.com/loykin/qmaster/internal/worker"
)

type (
	Config          = config.Config
	Job             = driver.Job
	Stats           = driver.Stats
	Driver          = driver.Driver
	Snapshot        = snapshot.Snapshot
	SnapshotFactory = snapshot.Factory
	State           = supervisor.State
)

var (
	ErrAlreadyRunning = guard.ErrAlreadyRunning
	ErrNotRunning     = supervisor.ErrNotRunning
)

// DefaultMetricsInterval is how often worker process metrics are sampled.
const DefaultMetricsInterval = 15 * time.Second

func LoadConfig(path string) (Config, error) { return config.Load(path) }

func DefaultConfig() Config { return config.Defaults() }

// OpenDriver opens the queue driver configured for cfg.Channel.
func OpenDriver(cfg Config) (Driver, error) {
	return driver.Open(driver.Config{
		Type:        cfg.Driver.Type,
		DSN:         cfg.Driver.DSN,
		Channel:     cfg.Channel,
		MaxAttempts: cfg.Driver.MaxAttempts,
	})
}

// IsRunning reports whether a live supervisor owns cfg.Channel.
func IsRunning(cfg Config) (bool, error) {
	return guard.New(cfg.PIDPath, cfg.Channel).IsRunning()
}

// MasterPID returns the pid recorded in the channel marker.
func MasterPID(cfg Config) (int, error) {
	return guard.New(cfg.PIDPath, cfg.Channel).Owner()
}

// NewLogger builds the supervisor logger from the log section.
func NewLogger(cfg Config) (*slog.Logger, func() error, error) {
	l, closer, err := logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Path:   cfg.Log.File,
		File: logger.FileConfig{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
	}.New(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return l, closer.Close, nil
}

type Options struct {
	Logger *slog.Logger
	// ConfigPath is passed to spawned workers as --config.
	ConfigPath string
	// Executable replaces os.Executable for the default worker command.
	Executable string
	// Registry replaces the built-in snapshot handlers.
	Registry *snapshot.Registry
	// Signals replaces OS signal delivery.
	Signals <-chan os.Signal
	// Registerer receives the metrics collectors; nil skips registration.
	Registerer      prometheus.Registerer
	MetricsInterval time.Duration
}

// Master is one supervised channel.
type Master struct {
	cfg       Config
	opts      Options
	log       *slog.Logger
	drv       Driver
	pool      *worker.Pool
	snaps     *snapshot.Dispatcher
	sup       *supervisor.Supervisor
	collector *metrics.WorkerCollector
}

func NewMaster(cfg Config, opts Options) (*Master, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	opts.Logger = log

	wcfg, err := WorkerConfig(cfg, opts.Executable, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	wcfg.Logger = log

	drv, err := OpenDriver(cfg)
	if err != nil {
		return nil, fmt.Errorf("open driver: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = snapshot.NewDefaultRegistry(log)
	}
	resolved := reg.Resolve(cfg.JobSnapshot.Handler, func(name string) snapshot.Options {
		return cfg.HandlerOptions(name)
	}, log)
	snaps := snapshot.NewDispatcher(drv, resolved, log)

	pool := worker.NewPool(wcfg)
	sup := supervisor.New(drv, pool, supervisor.Config{
		PIDPath:          cfg.PIDPath,
		MemoryLimit:      cfg.MemoryLimit,
		SleepSeconds:     cfg.SleepSeconds,
		SnapshotInterval: cfg.JobSnapshot.Interval,
	}, supervisor.Options{
		Logger:    log,
		Signals:   opts.Signals,
		Snapshots: snaps,
	})

	m := &Master{
		cfg:       cfg,
		opts:      opts,
		log:       log,
		drv:       drv,
		pool:      pool,
		snaps:     snaps,
		sup:       sup,
		collector: metrics.NewWorkerCollector(cfg.Channel, opts.MetricsInterval),
	}
	if opts.Registerer != nil {
		if err := metrics.Register(opts.Registerer); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if err := m.collector.Register(opts.Registerer); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("register worker metrics: %w", err)
		}
	}
	return m, nil
}

// WorkerConfig maps the worker section onto a pool configuration. An empty
// worker.command runs "<exe> work --channel <channel>" so every worker is a
// qmaster consumer.
func WorkerConfig(cfg Config, exe, configPath string) (worker.Config, error) {
	w := cfg.Worker
	wc := worker.Config{
		Channel:         cfg.Channel,
		Command:         w.Command,
		WorkDir:         w.WorkDir,
		Instances:       w.Instances,
		StopTimeout:     w.StopTimeout,
		RestartInterval: w.RestartInterval,
		Env:             w.Env,
		EnvFiles:        w.EnvFiles,
		UseOSEnv:        w.UseOSEnv,
		Log: logger.Config{File: logger.FileConfig{
			Dir:        w.Log.Dir,
			StdoutPath: w.Log.Stdout,
			StderrPath: w.Log.Stderr,
			MaxSizeMB:  w.Log.MaxSizeMB,
			MaxBackups: w.Log.MaxBackups,
			MaxAgeDays: w.Log.MaxAgeDays,
			Compress:   w.Log.Compress,
		}},
	}
	if wc.Command != "" {
		return wc, nil
	}
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return worker.Config{}, fmt.Errorf("resolve worker executable: %w", err)
		}
	}
	wc.Command = exe
	wc.Args = []string{"work", "--channel", cfg.Channel}
	if configPath != "" {
		wc.Args = append(wc.Args, "--config", configPath)
	}
	return wc, nil
}

// Listen starts the supervisor and the worker metrics sampler.
func (m *Master) Listen(ctx context.Context) error {
	if err := m.sup.Listen(ctx); err != nil {
		return err
	}
	m.collector.Start(ctx, m.pool.PIDs)
	return nil
}

func (m *Master) Wait() { m.sup.Wait() }

func (m *Master) ExitMaster() { m.sup.ExitMaster() }

// Reload replaces the workers. A non-nil cfg updates the worker settings
// first; the channel, driver and snapshot handlers are fixed for the life of
// the Master.
func (m *Master) Reload(cfg *Config) error {
	if cfg != nil {
		if cfg.Channel != m.cfg.Channel {
			return fmt.Errorf("reload: channel change %q -> %q requires a restart", m.cfg.Channel, cfg.Channel)
		}
		wcfg, err := WorkerConfig(*cfg, m.opts.Executable, m.opts.ConfigPath)
		if err != nil {
			return err
		}
		wcfg.Logger = m.log
		m.pool.Update(wcfg)
	}
	return m.sup.Reload()
}

func (m *Master) Channel() string { return m.cfg.Channel }

func (m *Master) Config() Config { return m.cfg }

func (m *Master) Driver() Driver { return m.drv }

func (m *Master) Supervisor() *supervisor.Supervisor { return m.sup }

func (m *Master) State() State { return m.sup.State() }

func (m *Master) WorkerPIDs() map[string]int32 { return m.pool.PIDs() }

// LastSnapshot is the most recent snapshot taken by the snapshot timer.
func (m *Master) LastSnapshot() (Snapshot, bool) { return m.snaps.Last() }

// Handler serves /healthz, /status, /reload and /metrics under basePath.
func (m *Master) Handler(basePath string) http.Handler {
	return server.NewRouter(m.serverDeps(), basePath).Handler()
}

// Serve starts an HTTP server for Handler on addr.
func (m *Master) Serve(addr, basePath string) *http.Server {
	return server.NewServer(addr, basePath, m.serverDeps())
}

func (m *Master) serverDeps() server.Deps {
	return server.Deps{Supervisor: m.sup, Snapshots: m.snaps, Queue: m.drv, Workers: m.pool.PIDs}
}

// Close tears the supervisor down if needed and releases the driver and
// snapshot handlers.
func (m *Master) Close() error {
	if m.sup.State() != supervisor.StateStopped {
		m.sup.ExitMaster()
	}
	m.collector.Stop()
	return errors.Join(m.snaps.Close(), m.drv.Close())
}

// NewConsumer builds the consumer loop a worker process runs.
func NewConsumer(cfg Config, q worker.Queue, log *slog.Logger) *worker.Consumer {
	return worker.NewConsumer(q, worker.ConsumerOptions{
		Sleep:  cfg.SleepTime(),
		Runner: worker.CommandRunner(os.Stdout, os.Stderr, cfg.Worker.StopTimeout),
		Logger: log,
	})
}
