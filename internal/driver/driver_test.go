package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: time.UnixMilli(1_700_000_000_000)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// opener builds a driver for the given backend config; Type and DSN are
// filled by the caller of runDriverSuite.
type opener func(t *testing.T, cfg Config) Driver

func openWith(typ, dsn string) opener {
	return func(t *testing.T, cfg Config) Driver {
		t.Helper()
		cfg.Type, cfg.DSN = typ, dsn
		d, err := Open(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })
		return d
	}
}

func channelFor(t *testing.T) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
}

func runDriverSuite(t *testing.T, open opener) {
	ctx := context.Background()

	setup := func(t *testing.T, maxAttempts int) (Driver, *testClock) {
		clock := newTestClock()
		d := open(t, Config{Channel: channelFor(t), MaxAttempts: maxAttempts, Now: clock.Now})
		return d, clock
	}

	t.Run("push pop ack", func(t *testing.T) {
		d, _ := setup(t, 3)
		pushed, err := d.Push(ctx, "echo hi", 0)
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, pushed.State)
		assert.Equal(t, d.Channel(), pushed.Channel)
		assert.Equal(t, 3, pushed.MaxAttempts)

		st, err := d.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Waiting: 1, Total: 1}, st)

		j, err := d.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, pushed.ID, j.ID)
		assert.Equal(t, "echo hi", j.Payload)
		assert.Equal(t, StateReserved, j.State)
		assert.Equal(t, 1, j.Attempt)
		assert.False(t, j.ReservedAt.IsZero())

		require.NoError(t, d.Ack(ctx, j.ID))
		st, err = d.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Done: 1, Total: 1}, st)

		assert.ErrorIs(t, d.Ack(ctx, j.ID), ErrNotFound)
	})

	t.Run("pop empty", func(t *testing.T) {
		d, _ := setup(t, 3)
		_, err := d.Pop(ctx)
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("fifo", func(t *testing.T) {
		d, clock := setup(t, 3)
		a, err := d.Push(ctx, "a", 0)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
		b, err := d.Push(ctx, "b", 0)
		require.NoError(t, err)

		j1, err := d.Pop(ctx)
		require.NoError(t, err)
		j2, err := d.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, a.ID, j1.ID)
		assert.Equal(t, b.ID, j2.ID)
	})

	t.Run("delayed then migrated", func(t *testing.T) {
		d, clock := setup(t, 3)
		j, err := d.Push(ctx, "later", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, j.State)

		_, err = d.Pop(ctx)
		assert.ErrorIs(t, err, ErrEmpty)

		require.NoError(t, d.MigrateExpired(ctx))
		st, _ := d.Status(ctx)
		assert.Equal(t, int64(1), st.Delayed)

		clock.Advance(5 * time.Second)
		require.NoError(t, d.MigrateExpired(ctx))
		st, _ = d.Status(ctx)
		assert.Equal(t, Stats{Waiting: 1, Total: 1}, st)

		got, err := d.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
	})

	t.Run("fail retries then fails", func(t *testing.T) {
		d, _ := setup(t, 2)
		_, err := d.Push(ctx, "flaky", 0)
		require.NoError(t, err)

		j, err := d.Pop(ctx)
		require.NoError(t, err)
		require.NoError(t, d.Fail(ctx, j.ID, errors.New("exit status 1")))
		got, err := d.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, got.State)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, "exit status 1", got.LastError)
		assert.True(t, got.ReservedAt.IsZero())

		j, err = d.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, j.Attempt)
		require.NoError(t, d.Fail(ctx, j.ID, errors.New("exit status 2")))
		got, err = d.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, "exit status 2", got.LastError)

		assert.ErrorIs(t, d.Fail(ctx, j.ID, nil), ErrNotFound)
	})

	t.Run("retry reserved", func(t *testing.T) {
		d, clock := setup(t, 2)
		_, err := d.Push(ctx, "stalled", 0)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
		_, err = d.Push(ctx, "exhausted", 0)
		require.NoError(t, err)

		first, err := d.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, "stalled", first.Payload)
		// burn the second job's attempts down to the last one
		second, err := d.Pop(ctx)
		require.NoError(t, err)
		require.NoError(t, d.Fail(ctx, second.ID, errors.New("boom")))
		second, err = d.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, second.Attempt)

		require.NoError(t, d.RetryReserved(ctx))

		st, err := d.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Waiting: 1, Failed: 1, Total: 2}, st)

		got, err := d.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, got.State)
		got, err = d.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, got.State)
	})

	t.Run("release", func(t *testing.T) {
		d, clock := setup(t, 3)
		_, err := d.Push(ctx, "r", 0)
		require.NoError(t, err)

		j, err := d.Pop(ctx)
		require.NoError(t, err)
		require.NoError(t, d.Release(ctx, j.ID, 0))
		got, err := d.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, got.State)
		assert.Equal(t, 0, got.Attempt)

		j, err = d.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, j.Attempt)
		require.NoError(t, d.Release(ctx, j.ID, 10*time.Second))
		got, err = d.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, got.State)
		assert.Equal(t, clock.Now().Add(10*time.Second).UnixMilli(), got.AvailableAt.UnixMilli())

		assert.ErrorIs(t, d.Release(ctx, j.ID, 0), ErrNotFound)
	})

	t.Run("status counts", func(t *testing.T) {
		d, _ := setup(t, 3)
		for i := 0; i < 14; i++ {
			_, err := d.Push(ctx, fmt.Sprintf("job-%d", i), 0)
			require.NoError(t, err)
		}
		for i := 0; i < 2; i++ {
			_, err := d.Push(ctx, "delayed", time.Hour)
			require.NoError(t, err)
		}
		for i := 0; i < 10; i++ {
			j, err := d.Pop(ctx)
			require.NoError(t, err)
			require.NoError(t, d.Ack(ctx, j.ID))
		}
		_, err := d.Pop(ctx)
		require.NoError(t, err)

		st, err := d.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Waiting: 3, Reserved: 1, Delayed: 2, Done: 10, Failed: 0, Total: 16}, st)
	})

	t.Run("get unknown", func(t *testing.T) {
		d, _ := setup(t, 3)
		_, err := d.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, d.Ack(ctx, "missing"), ErrNotFound)
	})
}

func TestMemoryDriver(t *testing.T) {
	runDriverSuite(t, openWith("memory", ""))
}

func TestSQLiteDriver(t *testing.T) {
	runDriverSuite(t, openWith("sqlite", filepath.Join(t.TempDir(), "queue.db")))
}

func TestSQLiteDriver_ChannelIsolation(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	a, err := Open(Config{Type: "sqlite", DSN: dsn, Channel: "emails"})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := Open(Config{Type: "sqlite", DSN: dsn, Channel: "sms"})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = a.Push(ctx, "mail", 0)
	require.NoError(t, err)

	_, err = b.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)

	require.NoError(t, b.RetryReserved(ctx))
	j, err := a.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mail", j.Payload)
	assert.Equal(t, "sqlite", a.Name())
}

func TestSQLiteDriver_ConcurrentPopsClaimOnce(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()
	producer, err := Open(Config{Type: "sqlite", DSN: dsn, Channel: "c"})
	require.NoError(t, err)
	defer func() { _ = producer.Close() }()
	for i := 0; i < 20; i++ {
		_, err := producer.Push(ctx, fmt.Sprint(i), 0)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		d, err := Open(Config{Type: "sqlite", DSN: dsn, Channel: "c"})
		require.NoError(t, err)
		defer func() { _ = d.Close() }()
		wg.Add(1)
		go func(d Driver) {
			defer wg.Done()
			for failures := 0; failures < 100; {
				j, err := d.Pop(ctx)
				if errors.Is(err, ErrEmpty) {
					return
				}
				if err != nil {
					// lock contention between connections; try again
					failures++
					time.Sleep(10 * time.Millisecond)
					continue
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{Type: "redis", Channel: "c"})
	assert.ErrorContains(t, err, "unsupported driver type")

	_, err = Open(Config{Type: "memory"})
	assert.ErrorContains(t, err, "channel")

	_, err = Open(Config{Type: "sqlite", Channel: "c"})
	assert.ErrorContains(t, err, "empty DSN")
}

func TestRegister_Custom(t *testing.T) {
	Register("test-custom", func(cfg Config) (Driver, error) { return NewMemory(cfg), nil })
	assert.Contains(t, SupportedTypes(), "test-custom")
	d, err := Open(Config{Type: "test-custom", Channel: "x"})
	require.NoError(t, err)
	assert.Equal(t, "memory", d.Name())
}

func TestSQLitePath(t *testing.T) {
	assert.Equal(t, "/tmp/q.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", sqlitePath("sqlite:///tmp/q.db"))
	assert.Equal(t, ":memory:?_pragma=busy_timeout(5000)", sqlitePath(":memory:"))
	assert.Equal(t, "q.db?_pragma=foreign_keys(1)", sqlitePath("q.db?_pragma=foreign_keys(1)"))
}
