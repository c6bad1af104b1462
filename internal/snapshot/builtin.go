package snapshot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loykin/qmaster/internal/history"
	"github.com/loykin/qmaster/internal/history/factory"
	"github.com/loykin/qmaster/internal/metrics"
)

// NewDefaultRegistry returns a registry with the built-in handlers:
//
//	log         writes one slog record per snapshot (option: level)
//	prometheus  exports the counts as qmaster_queue_jobs gauges
//	history     appends to a history sink (option: dsn)
func NewDefaultRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := NewRegistry()
	r.Register("log", func(o Options) (any, error) {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(o.String("level", "info"))); err != nil {
			return nil, err
		}
		return &LogHandler{log: log, level: lvl}, nil
	})
	r.Register("prometheus", func(Options) (any, error) {
		return PrometheusHandler{}, nil
	})
	r.Register("history", func(o Options) (any, error) {
		dsn := o.String("dsn", "")
		if dsn == "" {
			return nil, errors.New("history handler requires option dsn")
		}
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, err
		}
		return &HistoryHandler{sink: sink}, nil
	})
	return r
}

type LogHandler struct {
	log   *slog.Logger
	level slog.Level
}

func (h *LogHandler) Handle(ctx context.Context, s Snapshot) error {
	h.log.Log(ctx, h.level, "queue snapshot",
		"channel", s.Channel,
		"driver", s.Driver,
		"waiting", s.Waiting,
		"reserved", s.Reserved,
		"delayed", s.Delayed,
		"done", s.Done,
		"failed", s.Failed,
		"total", s.Total,
	)
	return nil
}

type PrometheusHandler struct{}

func (PrometheusHandler) Handle(_ context.Context, s Snapshot) error {
	metrics.SetQueueStats(s.Channel, metrics.QueueStats{
		Waiting:  s.Waiting,
		Reserved: s.Reserved,
		Delayed:  s.Delayed,
		Done:     s.Done,
		Failed:   s.Failed,
		Total:    s.Total,
	})
	return nil
}

// HistoryHandler persists snapshots through a history sink.
type HistoryHandler struct {
	sink history.Sink
}

func NewHistoryHandler(sink history.Sink) *HistoryHandler { return &HistoryHandler{sink: sink} }

func (h *HistoryHandler) Handle(ctx context.Context, s Snapshot) error {
	return h.sink.Send(ctx, history.Record(s))
}

func (h *HistoryHandler) Close() error { return h.sink.Close() }
