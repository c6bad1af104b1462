// Package driver provides durable job storage for one queue channel.
//
// Jobs move through the states waiting, reserved, delayed, done and failed.
// Producers Push, workers Pop/Ack/Fail/Release, and the supervisor calls
// RetryReserved at startup, MigrateExpired every second and Status for
// snapshots.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateWaiting  State = "waiting"
	StateReserved State = "reserved"
	StateDelayed  State = "delayed"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

var (
	// ErrEmpty is returned by Pop when no job is ready.
	ErrEmpty = errors.New("queue empty")
	// ErrNotFound is returned when a job id does not exist or is not in the
	// state the operation requires.
	ErrNotFound = errors.New("job not found")
)

type Job struct {
	ID          string
	Channel     string
	Payload     string
	State       State
	Attempt     int
	MaxAttempts int
	AvailableAt time.Time
	ReservedAt  time.Time // zero unless reserved
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stats are aggregate job counts of one channel.
type Stats struct {
	Waiting  int64
	Reserved int64
	Delayed  int64
	Done     int64
	Failed   int64
	Total    int64
}

func (s *Stats) add(state State, n int64) {
	switch state {
	case StateWaiting:
		s.Waiting += n
	case StateReserved:
		s.Reserved += n
	case StateDelayed:
		s.Delayed += n
	case StateDone:
		s.Done += n
	case StateFailed:
		s.Failed += n
	}
	s.Total += n
}

type Driver interface {
	// Name identifies the backend (sqlite, postgres, memory).
	Name() string
	Channel() string

	// RetryReserved requeues every reserved job. Jobs that used up their
	// attempts are marked failed instead.
	RetryReserved(ctx context.Context) error
	// MigrateExpired promotes delayed jobs whose delay has elapsed.
	MigrateExpired(ctx context.Context) error
	Status(ctx context.Context) (Stats, error)

	Push(ctx context.Context, payload string, delay time.Duration) (Job, error)
	// Pop reserves the oldest ready job or returns ErrEmpty.
	Pop(ctx context.Context) (Job, error)
	Ack(ctx context.Context, id string) error
	// Fail records cause and requeues the job, or marks it failed once
	// MaxAttempts is reached.
	Fail(ctx context.Context, id string, cause error) error
	// Release returns a reserved job to the queue after delay without
	// consuming an attempt.
	Release(ctx context.Context, id string, delay time.Duration) error
	Get(ctx context.Context, id string) (Job, error)
	Close() error
}

const DefaultMaxAttempts = 3

// Config selects and parameterizes a driver.
type Config struct {
	Type        string
	DSN         string
	Channel     string
	MaxAttempts int
	// Now overrides the clock; tests only.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// Builder creates a driver from config.
type Builder func(cfg Config) (Driver, error)

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{}
)

func init() {
	Register("memory", func(cfg Config) (Driver, error) { return NewMemory(cfg), nil })
	Register("sqlite", func(cfg Config) (Driver, error) { return NewSQL(dialectSQLite, cfg) })
	Register("postgres", func(cfg Config) (Driver, error) { return NewSQL(dialectPostgres, cfg) })
	Register("postgresql", func(cfg Config) (Driver, error) { return NewSQL(dialectPostgres, cfg) })
}

// Register makes a driver type available to Open. A later registration
// under the same name replaces the earlier one.
func Register(typ string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[typ] = b
}

// Open builds the driver named by cfg.Type.
func Open(cfg Config) (Driver, error) {
	buildersMu.RLock()
	b, ok := builders[cfg.Type]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported driver type: %s (supported: %v)", cfg.Type, SupportedTypes())
	}
	if cfg.Channel == "" {
		return nil, errors.New("driver requires a channel")
	}
	return b(cfg)
}

func SupportedTypes() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	out := make([]string, 0, len(builders))
	for t := range builders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
