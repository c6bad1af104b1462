package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loykin/qmaster/internal/driver"
)

// events records collaborator calls in order.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakePool struct {
	ev       *events
	startErr error
	starts   atomic.Int32
	stops    atomic.Int32
	reloads  atomic.Int32

	// Start and Stop block on these gates when set. The entered counters
	// move before blocking.
	startGate    chan struct{}
	stopGate     chan struct{}
	startEntered atomic.Int32
	stopEntered  atomic.Int32
}

func (p *fakePool) Start() error {
	p.ev.add("pool.start")
	p.startEntered.Add(1)
	if p.startGate != nil {
		<-p.startGate
	}
	if p.startErr != nil {
		return p.startErr
	}
	p.starts.Add(1)
	return nil
}

func (p *fakePool) Stop() error {
	p.ev.add("pool.stop")
	p.stopEntered.Add(1)
	if p.stopGate != nil {
		<-p.stopGate
	}
	p.stops.Add(1)
	return nil
}

func (p *fakePool) Reload() error {
	p.ev.add("pool.reload")
	p.reloads.Add(1)
	return nil
}

type fakeDriver struct {
	ev         *events
	channel    string
	stats      driver.Stats
	retryErr   error
	migrateErr error
	// markerSeen records whether the marker existed during RetryReserved.
	markerPath string
	markerSeen atomic.Bool
	retries    atomic.Int32
	migrates   atomic.Int32
	statuses   atomic.Int32
}

func (d *fakeDriver) Name() string    { return "fake" }
func (d *fakeDriver) Channel() string { return d.channel }

func (d *fakeDriver) RetryReserved(ctx context.Context) error {
	d.ev.add("driver.retry")
	d.retries.Add(1)
	if d.markerPath != "" {
		if _, err := os.Stat(d.markerPath); err == nil {
			d.markerSeen.Store(true)
		}
	}
	return d.retryErr
}

func (d *fakeDriver) MigrateExpired(ctx context.Context) error {
	d.migrates.Add(1)
	return d.migrateErr
}

func (d *fakeDriver) Status(ctx context.Context) (driver.Stats, error) {
	d.statuses.Add(1)
	return d.stats, nil
}

var errBoom = errors.New("boom")

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFakes(t *testing.T, channel string) (*fakeDriver, *fakePool) {
	t.Helper()
	ev := &events{}
	return &fakeDriver{ev: ev, channel: channel}, &fakePool{ev: ev}
}
