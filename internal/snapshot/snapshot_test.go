package snapshot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/qmaster/internal/driver"
	"github.com/loykin/qmaster/internal/history"
	"github.com/loykin/qmaster/internal/metrics"
)

type fakeSource struct {
	stats driver.Stats
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Name() string    { return "fake" }
func (f *fakeSource) Channel() string { return "emails" }
func (f *fakeSource) Status(context.Context) (driver.Stats, error) {
	f.calls.Add(1)
	return f.stats, f.err
}

type recorder struct {
	got   []Snapshot
	err   error
	panic bool
}

func (r *recorder) Handle(_ context.Context, s Snapshot) error {
	r.got = append(r.got, s)
	if r.panic {
		panic("handler exploded")
	}
	return r.err
}

type notAHandler struct{}

func bufLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestResolve_SkipsInvalidReferences(t *testing.T) {
	log, buf := bufLogger()
	valid := &recorder{}
	r := NewRegistry()
	r.Register("valid", func(Options) (any, error) { return valid, nil })
	r.Register("broken", func(Options) (any, error) { return nil, errors.New("no backend") })
	r.Register("nil", func(Options) (any, error) { return nil, nil })
	r.Register("wrong-type", func(Options) (any, error) { return notAHandler{}, nil })

	got := r.Resolve([]string{"missing", "broken", "valid", "nil", "wrong-type"}, nil, log)

	require.Len(t, got, 1)
	assert.Equal(t, "valid", got[0].Name)
	assert.Same(t, valid, got[0].Handler)
	assert.Equal(t, 4, strings.Count(buf.String(), "snapshot handler skipped"))
	assert.Contains(t, buf.String(), ErrUnknownHandler.Error())
	assert.Contains(t, buf.String(), "does not implement")
}

func TestResolve_PassesOptions(t *testing.T) {
	var seen Options
	r := NewRegistry()
	r.Register("h", func(o Options) (any, error) {
		seen = o
		return HandlerFunc(func(context.Context, Snapshot) error { return nil }), nil
	})
	r.Resolve([]string{"h"}, func(name string) Options { return Options{"name": name} }, nil)
	assert.Equal(t, "h", seen.String("name", ""))
	assert.Equal(t, "def", seen.String("absent", "def"))
}

func TestInstantiate_Unknown(t *testing.T) {
	_, err := NewRegistry().Instantiate("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestDispatch_CarriesExactCounts(t *testing.T) {
	src := &fakeSource{stats: driver.Stats{Waiting: 3, Reserved: 1, Delayed: 2, Done: 10, Failed: 0, Total: 16}}
	rec := &recorder{}
	d := NewDispatcher(src, []Resolved{{Name: "rec", Handler: rec}}, nil)

	require.NoError(t, d.Dispatch(context.Background()))
	require.Len(t, rec.got, 1)
	s := rec.got[0]
	assert.Equal(t, "emails", s.Channel)
	assert.Equal(t, "fake", s.Driver)
	assert.False(t, s.TakenAt.IsZero())
	assert.Equal(t, int64(3), s.Waiting)
	assert.Equal(t, int64(1), s.Reserved)
	assert.Equal(t, int64(2), s.Delayed)
	assert.Equal(t, int64(10), s.Done)
	assert.Equal(t, int64(0), s.Failed)
	assert.Equal(t, int64(16), s.Total)

	last, ok := d.Last()
	require.True(t, ok)
	assert.Equal(t, s, last)
}

func TestDispatch_InvalidAndValidHandler(t *testing.T) {
	valid := &recorder{}
	r := NewRegistry()
	r.Register("valid", func(Options) (any, error) { return valid, nil })
	handlers := r.Resolve([]string{"does-not-exist", "valid"}, nil, slog.New(slog.DiscardHandler))

	d := NewDispatcher(&fakeSource{}, handlers, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background()))
	}
	assert.Len(t, valid.got, 3)
}

func TestDispatch_HandlerErrorEndsTick(t *testing.T) {
	log, buf := bufLogger()
	failing := &recorder{err: errors.New("sink down")}
	after := &recorder{}
	src := &fakeSource{}
	d := NewDispatcher(src, []Resolved{{"failing", failing}, {"after", after}}, log)

	err := d.Dispatch(context.Background())
	require.Error(t, err)
	assert.Empty(t, after.got)

	// the next tick runs again from the start
	require.Error(t, d.Dispatch(context.Background()))
	assert.Len(t, failing.got, 2)
	assert.Equal(t, int32(2), src.calls.Load())

	out := buf.String()
	assert.Contains(t, out, "channel=emails")
	assert.Contains(t, out, "driver=fake")
	assert.Contains(t, out, "sink down")
}

func TestDispatch_PanicIsContained(t *testing.T) {
	after := &recorder{}
	d := NewDispatcher(&fakeSource{}, []Resolved{{"boom", &recorder{panic: true}}, {"after", after}}, slog.New(slog.DiscardHandler))

	var err error
	assert.NotPanics(t, func() { err = d.Dispatch(context.Background()) })
	assert.ErrorContains(t, err, "handler exploded")
	assert.Empty(t, after.got)
}

func TestDispatch_StatusError(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(&fakeSource{err: errors.New("db locked")}, []Resolved{{"rec", rec}}, slog.New(slog.DiscardHandler))

	err := d.Dispatch(context.Background())
	assert.ErrorContains(t, err, "db locked")
	assert.Empty(t, rec.got)
	_, ok := d.Last()
	assert.False(t, ok)
}

func TestBuiltin_Log(t *testing.T) {
	log, buf := bufLogger()
	r := NewDefaultRegistry(log)
	handlers := r.Resolve([]string{"log"}, func(string) Options { return Options{"level": "warn"} }, log)
	require.Len(t, handlers, 1)

	d := NewDispatcher(&fakeSource{stats: driver.Stats{Waiting: 5, Total: 5}}, handlers, log)
	require.NoError(t, d.Dispatch(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "queue snapshot")
	assert.Contains(t, out, "waiting=5")
}

func TestBuiltin_Prometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))

	r := NewDefaultRegistry(nil)
	handlers := r.Resolve([]string{"prometheus"}, nil, nil)
	require.Len(t, handlers, 1)
	d := NewDispatcher(&fakeSource{stats: driver.Stats{Waiting: 3, Reserved: 1, Delayed: 2, Done: 10, Total: 16}}, handlers, nil)
	require.NoError(t, d.Dispatch(context.Background()))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "qmaster_queue_jobs" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var state string
			for _, l := range m.GetLabel() {
				if l.GetName() == "state" {
					state = l.GetValue()
				}
			}
			found[state] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 3.0, found["waiting"])
	assert.Equal(t, 16.0, found["total"])
}

func TestBuiltin_History(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	r := NewDefaultRegistry(nil)
	log, buf := bufLogger()
	handlers := r.Resolve([]string{"history", "history-missing-dsn"}, func(name string) Options {
		if name == "history" {
			return Options{"dsn": dsn}
		}
		return nil
	}, log)
	require.Len(t, handlers, 1)
	assert.Contains(t, buf.String(), "history-missing-dsn")

	d := NewDispatcher(&fakeSource{stats: driver.Stats{Done: 2, Total: 2}}, handlers, nil)
	require.NoError(t, d.Dispatch(context.Background()))
	require.NoError(t, d.Dispatch(context.Background()))
	require.NoError(t, d.Close())

	sink, err := history.NewSQLSinkFromDSN(dsn)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), "emails")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBuiltin_HistoryRequiresDSN(t *testing.T) {
	_, err := NewDefaultRegistry(nil).Instantiate("history", nil)
	assert.ErrorContains(t, err, "dsn")
	assert.Equal(t, []string{"history", "log", "prometheus"}, NewDefaultRegistry(nil).Names())
}

func TestHistoryHandler_ConvertsSnapshot(t *testing.T) {
	sink := &memSink{}
	h := NewHistoryHandler(sink)
	at := time.Unix(100, 0)
	require.NoError(t, h.Handle(context.Background(), Snapshot{Channel: "c", Driver: "d", TakenAt: at, Failed: 4, Total: 4}))
	require.Len(t, sink.got, 1)
	assert.Equal(t, history.Record{Channel: "c", Driver: "d", TakenAt: at, Failed: 4, Total: 4}, sink.got[0])
	require.NoError(t, h.Close())
	assert.True(t, sink.closed)
}

type memSink struct {
	got    []history.Record
	closed bool
}

func (m *memSink) Send(_ context.Context, r history.Record) error {
	m.got = append(m.got, r)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}
