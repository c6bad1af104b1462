// Package snapshot builds point-in-time queue status records and fans them
// out to configured handlers.
//
// Handler references are resolved once against a Registry. Unknown names,
// failing factories and instances that do not implement Handler are logged
// and skipped. During dispatch the first status or handler failure, panics
// included, ends the tick; it is logged and never reaches the caller's
// timer.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/qmaster/internal/driver"
	"github.com/loykin/qmaster/internal/metrics"
)

// ErrUnknownHandler is reported for references missing from the registry.
var ErrUnknownHandler = errors.New("unknown snapshot handler")

// Snapshot carries the aggregate job counts of one channel at TakenAt.
type Snapshot struct {
	Channel  string    `json:"channel"`
	Driver   string    `json:"driver"`
	TakenAt  time.Time `json:"taken_at"`
	Waiting  int64     `json:"waiting"`
	Reserved int64     `json:"reserved"`
	Delayed  int64     `json:"delayed"`
	Done     int64     `json:"done"`
	Failed   int64     `json:"failed"`
	Total    int64     `json:"total"`
}

func fromStats(channel, drv string, at time.Time, s driver.Stats) Snapshot {
	return Snapshot{
		Channel:  channel,
		Driver:   drv,
		TakenAt:  at,
		Waiting:  s.Waiting,
		Reserved: s.Reserved,
		Delayed:  s.Delayed,
		Done:     s.Done,
		Failed:   s.Failed,
		Total:    s.Total,
	}
}

// Handler observes snapshots.
type Handler interface {
	Handle(ctx context.Context, s Snapshot) error
}

type HandlerFunc func(ctx context.Context, s Snapshot) error

func (f HandlerFunc) Handle(ctx context.Context, s Snapshot) error { return f(ctx, s) }

// Options are the per-handler settings from job_snapshot.options.<name>.
type Options map[string]any

func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// Factory instantiates a handler. The result is checked for the Handler
// capability by Resolve, so factories may return any value.
type Factory func(opts Options) (any, error)

// Registry maps handler names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolved is a handler that passed validation.
type Resolved struct {
	Name    string
	Handler Handler
}

// Instantiate builds the handler named ref. It fails with ErrUnknownHandler,
// the factory's error, or a capability error.
func (r *Registry) Instantiate(ref string, opts Options) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, ref)
	}
	inst, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", ref, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("instantiate %s: factory returned nil", ref)
	}
	h, ok := inst.(Handler)
	if !ok {
		if c, ok := inst.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("%s: %T does not implement Handle(ctx, Snapshot) error", ref, inst)
	}
	return h, nil
}

// Resolve validates refs in order and returns the usable handlers. Every
// rejected reference is logged as a warning and skipped.
func (r *Registry) Resolve(refs []string, opts func(name string) Options, log *slog.Logger) []Resolved {
	if log == nil {
		log = slog.Default()
	}
	out := make([]Resolved, 0, len(refs))
	for _, ref := range refs {
		var o Options
		if opts != nil {
			o = opts(ref)
		}
		h, err := r.Instantiate(ref, o)
		if err != nil {
			log.Warn("snapshot handler skipped", "handler", ref, "error", err)
			continue
		}
		out = append(out, Resolved{Name: ref, Handler: h})
	}
	return out
}

// StatusSource is the part of a queue driver the dispatcher needs.
type StatusSource interface {
	Name() string
	Channel() string
	Status(ctx context.Context) (driver.Stats, error)
}

type Dispatcher struct {
	src      StatusSource
	handlers []Resolved
	log      *slog.Logger
	now      func() time.Time

	last atomic.Pointer[Snapshot]
}

func NewDispatcher(src StatusSource, handlers []Resolved, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{src: src, handlers: handlers, log: log, now: time.Now}
}

// Len is the number of resolved handlers. The supervisor schedules the
// snapshot timer only when it is positive.
func (d *Dispatcher) Len() int { return len(d.handlers) }

// Dispatch takes one snapshot and hands it to every handler in order. The
// returned error has already been logged; callers only inspect it.
func (d *Dispatcher) Dispatch(ctx context.Context) (err error) {
	channel, drv := d.src.Channel(), d.src.Name()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			metrics.IncSnapshotFailure(channel)
			d.log.Error("snapshot dispatch failed", "channel", channel, "driver", drv, "error", err)
		}
	}()

	stats, err := d.src.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	snap := fromStats(channel, drv, d.now(), stats)
	d.last.Store(&snap)

	for _, h := range d.handlers {
		if err := h.Handler.Handle(ctx, snap); err != nil {
			return fmt.Errorf("handler %s: %w", h.Name, err)
		}
	}
	return nil
}

// Last returns the most recent successfully queried snapshot.
func (d *Dispatcher) Last() (Snapshot, bool) {
	s := d.last.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Close releases handlers holding resources such as history sinks.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, h := range d.handlers {
		if c, ok := h.Handler.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", h.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
