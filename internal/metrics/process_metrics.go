package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// MemoryUsageMB returns the resident set size of pid in megabytes.
func MemoryUsageMB(pid int) (float64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("process handle %d: %w", pid, err)
	}
	mi, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("memory info %d: %w", pid, err)
	}
	return float64(mi.RSS) / 1024 / 1024, nil
}

// Sample is one resource reading of a worker process.
type Sample struct {
	PID        int32
	CPUPercent float64
	MemoryMB   float64
	NumThreads int32
	NumFDs     int32 // Unix only
	Timestamp  time.Time
}

// WorkerCollector periodically samples the worker processes of a channel and
// exports per-instance gauges. The pid set is supplied on each tick by the
// pool so restarted workers are picked up.
type WorkerCollector struct {
	channel  string
	interval time.Duration

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec

	mu   sync.RWMutex
	last map[string]Sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWorkerCollector(channel string, interval time.Duration) *WorkerCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	labels := []string{"channel", "instance"}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, labels)
	}
	return &WorkerCollector{
		channel:  channel,
		interval: interval,
		cpu:      gauge("cpu_percent", "CPU usage percentage of a worker process."),
		memory:   gauge("memory_mb", "Resident memory of a worker process in MB."),
		threads:  gauge("threads", "Threads of a worker process."),
		fds:      gauge("open_fds", "Open file descriptors of a worker process."),
		last:     make(map[string]Sample),
		stopCh:   make(chan struct{}),
	}
}

// Register is tolerant of collectors registered by a previous collector.
func (c *WorkerCollector) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{c.cpu, c.memory, c.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.fds)
	}
	return registerAll(r, cs)
}

// Start samples on every interval until ctx ends or Stop is called.
func (c *WorkerCollector) Start(ctx context.Context, pids func() map[string]int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *WorkerCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every instance once and drops gauges of vanished ones.
func (c *WorkerCollector) Collect(pids map[string]int32) {
	now := time.Now()
	fresh := make(map[string]Sample, len(pids))
	for instance, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := sample(pid, now)
		if err != nil {
			slog.Debug("worker sample failed", "channel", c.channel, "instance", instance, "pid", pid, "error", err)
			continue
		}
		fresh[instance] = s
		c.cpu.WithLabelValues(c.channel, instance).Set(s.CPUPercent)
		c.memory.WithLabelValues(c.channel, instance).Set(s.MemoryMB)
		c.threads.WithLabelValues(c.channel, instance).Set(float64(s.NumThreads))
		if s.NumFDs > 0 {
			c.fds.WithLabelValues(c.channel, instance).Set(float64(s.NumFDs))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for instance := range c.last {
		if _, ok := fresh[instance]; !ok {
			c.cpu.DeleteLabelValues(c.channel, instance)
			c.memory.DeleteLabelValues(c.channel, instance)
			c.threads.DeleteLabelValues(c.channel, instance)
			c.fds.DeleteLabelValues(c.channel, instance)
		}
	}
	c.last = fresh
}

// Last returns the most recent sample of instance.
func (c *WorkerCollector) Last(instance string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.last[instance]
	return s, ok
}

func sample(pid int32, at time.Time) (Sample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Sample{}, err
	}
	mi, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	s := Sample{PID: pid, MemoryMB: float64(mi.RSS) / 1024 / 1024, Timestamp: at}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
