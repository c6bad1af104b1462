package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/qmaster"
	"github.com/loykin/qmaster/internal/config"
	"github.com/loykin/qmaster/pkg/client"
)

// loadConfig reads the config file and applies the --channel override.
func loadConfig(flags GlobalFlags) (*config.Loader, qmaster.Config, error) {
	loader := config.NewLoader(flags.ConfigPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, qmaster.Config{}, err
	}
	applyOverrides(&cfg, flags)
	return loader, cfg, nil
}

func applyOverrides(cfg *qmaster.Config, flags GlobalFlags) {
	if flags.Channel != "" {
		cfg.Channel = flags.Channel
	}
}

func setupLogger(cfg qmaster.Config) (*slog.Logger, func(), error) {
	log, closeFn, err := qmaster.NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return log, func() { _ = closeFn() }, nil
}

func runListen(ctx context.Context, flags *ListenFlags) error {
	loader, cfg, err := loadConfig(flags.GlobalFlags)
	if err != nil {
		return err
	}
	if flags.HTTP != "" {
		cfg.HTTP.Listen = flags.HTTP
	}
	log, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	configPath := flags.ConfigPath
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}
	m, err := qmaster.NewMaster(cfg, qmaster.Options{
		Logger:     log,
		ConfigPath: configPath,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
	}()

	if err := m.Listen(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.HTTP.Listen != "" {
		srv = m.Serve(cfg.HTTP.Listen, "")
		log.Info("http listening", "addr", cfg.HTTP.Listen)
	}
	if cfg.WatchConfig {
		loader.Watch(func(next config.Config) {
			applyOverrides(&next, flags.GlobalFlags)
			log.Info("config changed, reloading workers")
			if err := m.Reload(&next); err != nil {
				log.Error("reload after config change failed", "error", err)
			}
		}, func(err error) {
			log.Warn("config change ignored", "error", err)
		})
	}

	m.Wait()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func runWork(ctx context.Context, flags *GlobalFlags) error {
	_, cfg, err := loadConfig(*flags)
	if err != nil {
		return err
	}
	log, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	drv, err := qmaster.OpenDriver(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = drv.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()
	log = log.With("channel", cfg.Channel, "pid", os.Getpid())
	log.Info("worker consuming")
	return qmaster.NewConsumer(cfg, drv, log).Run(ctx)
}

func runPush(ctx context.Context, flags *PushFlags, out io.Writer) error {
	if flags.Payload == "" {
		return errors.New("--payload is required")
	}
	_, cfg, err := loadConfig(flags.GlobalFlags)
	if err != nil {
		return err
	}
	drv, err := qmaster.OpenDriver(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = drv.Close() }()

	job, err := drv.Push(ctx, flags.Payload, flags.Delay)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s\t%s\n", job.ID, job.State)
	return nil
}

type statusOutput struct {
	Channel string        `json:"channel"`
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
	Driver  string        `json:"driver"`
	Queue   qmaster.Stats `json:"queue"`
}

func newAPIClient(flags GlobalFlags) (*client.Client, error) {
	return client.New(client.Config{BaseURL: flags.API, Insecure: flags.Insecure})
}

func runStatus(ctx context.Context, flags *StatusFlags, out io.Writer) error {
	if flags.API != "" {
		return runRemoteStatus(ctx, flags, out)
	}
	_, cfg, err := loadConfig(flags.GlobalFlags)
	if err != nil {
		return err
	}
	st := statusOutput{Channel: cfg.Channel}
	if st.Running, err = qmaster.IsRunning(cfg); err != nil {
		return err
	}
	if st.Running {
		st.PID, _ = qmaster.MasterPID(cfg)
	}

	drv, err := qmaster.OpenDriver(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = drv.Close() }()
	st.Driver = drv.Name()
	if st.Queue, err = drv.Status(ctx); err != nil {
		return err
	}

	if flags.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	state := "stopped"
	if st.Running {
		state = fmt.Sprintf("running (pid %d)", st.PID)
	}
	q := st.Queue
	_, _ = fmt.Fprintf(out, "channel:  %s\nmaster:   %s\ndriver:   %s\n", st.Channel, state, st.Driver)
	_, _ = fmt.Fprintf(out, "waiting=%d reserved=%d delayed=%d done=%d failed=%d total=%d\n",
		q.Waiting, q.Reserved, q.Delayed, q.Done, q.Failed, q.Total)
	return nil
}

func runRemoteStatus(ctx context.Context, flags *StatusFlags, out io.Writer) error {
	c, err := newAPIClient(flags.GlobalFlags)
	if err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if flags.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	_, _ = fmt.Fprintf(out, "channel:  %s\nmaster:   %s\nworkers:  %d\n", st.Channel, st.State, len(st.Workers))
	if q := st.Queue; q != nil {
		_, _ = fmt.Fprintf(out, "waiting=%d reserved=%d delayed=%d done=%d failed=%d total=%d\n",
			q.Waiting, q.Reserved, q.Delayed, q.Done, q.Failed, q.Total)
	}
	return nil
}

// runningMaster returns the pid of the live supervisor of the channel.
func runningMaster(flags GlobalFlags) (qmaster.Config, int, error) {
	_, cfg, err := loadConfig(flags)
	if err != nil {
		return cfg, 0, err
	}
	running, err := qmaster.IsRunning(cfg)
	if err != nil {
		return cfg, 0, err
	}
	if !running {
		return cfg, 0, fmt.Errorf("%w: %s", qmaster.ErrNotRunning, cfg.Channel)
	}
	pid, err := qmaster.MasterPID(cfg)
	return cfg, pid, err
}

func runReload(ctx context.Context, flags *GlobalFlags, out io.Writer) error {
	if flags.API != "" {
		c, err := newAPIClient(*flags)
		if err != nil {
			return err
		}
		if err := c.Reload(ctx); err != nil {
			return fmt.Errorf("reload via %s: %w", flags.API, err)
		}
		_, _ = fmt.Fprintf(out, "reload requested via %s\n", flags.API)
		return nil
	}
	cfg, pid, err := runningMaster(*flags)
	if err != nil {
		return err
	}
	if err := sendReload(pid); err != nil {
		return fmt.Errorf("reload %s (pid %d): %w", cfg.Channel, pid, err)
	}
	_, _ = fmt.Fprintf(out, "reload sent to %s (pid %d)\n", cfg.Channel, pid)
	return nil
}

func runStop(flags *StopFlags, out io.Writer) error {
	cfg, pid, err := runningMaster(flags.GlobalFlags)
	if err != nil {
		return err
	}
	if err := sendTerminate(pid); err != nil {
		return fmt.Errorf("stop %s (pid %d): %w", cfg.Channel, pid, err)
	}
	if flags.Wait > 0 {
		deadline := time.Now().Add(flags.Wait)
		for {
			running, _ := qmaster.IsRunning(cfg)
			if !running {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("%s still running after %v", cfg.Channel, flags.Wait)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	_, _ = fmt.Fprintf(out, "stop sent to %s (pid %d)\n", cfg.Channel, pid)
	return nil
}
