package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qmaster"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	queueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs per state at the last status snapshot.",
		}, []string{"channel", "state"},
	)
	snapshotFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "failures_total",
			Help:      "Snapshot ticks that ended early because of a status or handler failure.",
		}, []string{"channel"},
	)
	supervisorMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "memory_mb",
			Help:      "Resident memory of the supervisor at the last watchdog sample.",
		}, []string{"channel"},
	)
	supervisorExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "exits_total",
			Help:      "Supervisor shutdowns by reason.",
		}, []string{"channel", "reason"},
	)
	supervisorReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "reloads_total",
			Help:      "Worker pool reloads.",
		}, []string{"channel"},
	)
	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Worker process starts, including restarts.",
		}, []string{"channel"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Automatic restarts of crashed workers.",
		}, []string{"channel"},
	)
	workersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running",
			Help:      "Worker processes currently running.",
		}, []string{"channel"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		queueJobs, snapshotFailures,
		supervisorMemory, supervisorExits, supervisorReloads,
		workerStarts, workerRestarts, workersRunning,
	}
	if err := registerAll(r, cs); err != nil {
		return err
	}
	regOK.Store(true)
	return nil
}

func registerAll(r prometheus.Registerer, cs []prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

// QueueStats is the subset of a snapshot exported as gauges.
type QueueStats struct {
	Waiting, Reserved, Delayed, Done, Failed, Total int64
}

func SetQueueStats(channel string, s QueueStats) {
	if !regOK.Load() {
		return
	}
	for state, v := range map[string]int64{
		"waiting":  s.Waiting,
		"reserved": s.Reserved,
		"delayed":  s.Delayed,
		"done":     s.Done,
		"failed":   s.Failed,
		"total":    s.Total,
	} {
		queueJobs.WithLabelValues(channel, state).Set(float64(v))
	}
}

func IncSnapshotFailure(channel string) {
	if regOK.Load() {
		snapshotFailures.WithLabelValues(channel).Inc()
	}
}

func SetSupervisorMemory(channel string, mb float64) {
	if regOK.Load() {
		supervisorMemory.WithLabelValues(channel).Set(mb)
	}
}

func IncExit(channel, reason string) {
	if regOK.Load() {
		supervisorExits.WithLabelValues(channel, reason).Inc()
	}
}

func IncReload(channel string) {
	if regOK.Load() {
		supervisorReloads.WithLabelValues(channel).Inc()
	}
}

func IncWorkerStart(channel string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(channel).Inc()
	}
}

func IncWorkerRestart(channel string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(channel).Inc()
	}
}

func SetWorkersRunning(channel string, n int) {
	if regOK.Load() {
		workersRunning.WithLabelValues(channel).Set(float64(n))
	}
}
