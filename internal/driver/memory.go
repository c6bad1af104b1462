package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local driver. Workers spawned as separate processes
// cannot share it; it serves tests and single-process setups.
type Memory struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemory(cfg Config) *Memory {
	return &Memory{cfg: cfg, jobs: make(map[string]*Job)}
}

func (m *Memory) Name() string    { return "memory" }
func (m *Memory) Channel() string { return m.cfg.Channel }

func (m *Memory) RetryReserved(ctx context.Context) error {
	now := m.cfg.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.State != StateReserved {
			continue
		}
		if j.Attempt >= j.MaxAttempts {
			j.State = StateFailed
		} else {
			j.State = StateWaiting
			j.AvailableAt = now
		}
		j.ReservedAt = time.Time{}
		j.UpdatedAt = now
	}
	return nil
}

func (m *Memory) MigrateExpired(ctx context.Context) error {
	now := m.cfg.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.State == StateDelayed && !j.AvailableAt.After(now) {
			j.State = StateWaiting
			j.UpdatedAt = now
		}
	}
	return nil
}

func (m *Memory) Status(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, j := range m.jobs {
		s.add(j.State, 1)
	}
	return s, nil
}

func (m *Memory) Push(ctx context.Context, payload string, delay time.Duration) (Job, error) {
	now := m.cfg.now()
	j := &Job{
		ID:          uuid.NewString(),
		Channel:     m.cfg.Channel,
		Payload:     payload,
		State:       StateWaiting,
		MaxAttempts: m.cfg.maxAttempts(),
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if delay > 0 {
		j.State = StateDelayed
		j.AvailableAt = now.Add(delay)
	}
	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()
	return *j, nil
}

func (m *Memory) Pop(ctx context.Context) (Job, error) {
	now := m.cfg.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ready := make([]*Job, 0)
	for _, j := range m.jobs {
		if j.State == StateWaiting && !j.AvailableAt.After(now) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return Job{}, ErrEmpty
	}
	sort.Slice(ready, func(a, b int) bool {
		if !ready[a].AvailableAt.Equal(ready[b].AvailableAt) {
			return ready[a].AvailableAt.Before(ready[b].AvailableAt)
		}
		if !ready[a].CreatedAt.Equal(ready[b].CreatedAt) {
			return ready[a].CreatedAt.Before(ready[b].CreatedAt)
		}
		return ready[a].ID < ready[b].ID
	})
	j := ready[0]
	j.State = StateReserved
	j.Attempt++
	j.ReservedAt = now
	j.UpdatedAt = now
	return *j, nil
}

func (m *Memory) reserved(id string) (*Job, error) {
	j, ok := m.jobs[id]
	if !ok || j.State != StateReserved {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

func (m *Memory) Ack(ctx context.Context, id string) error {
	now := m.cfg.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.reserved(id)
	if err != nil {
		return err
	}
	j.State = StateDone
	j.ReservedAt = time.Time{}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Fail(ctx context.Context, id string, cause error) error {
	now := m.cfg.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.reserved(id)
	if err != nil {
		return err
	}
	if j.Attempt >= j.MaxAttempts {
		j.State = StateFailed
	} else {
		j.State = StateWaiting
	}
	j.AvailableAt = now
	j.LastError = errString(cause)
	j.ReservedAt = time.Time{}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Release(ctx context.Context, id string, delay time.Duration) error {
	now := m.cfg.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.reserved(id)
	if err != nil {
		return err
	}
	j.State = StateWaiting
	j.AvailableAt = now
	if j.Attempt > 0 {
		j.Attempt--
	}
	if delay > 0 {
		j.State = StateDelayed
		j.AvailableAt = now.Add(delay)
	}
	j.ReservedAt = time.Time{}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *j, nil
}

func (m *Memory) Close() error { return nil }
