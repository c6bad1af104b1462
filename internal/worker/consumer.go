package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/qmaster/internal/driver"
	"github.com/loykin/qmaster/internal/process"
)

// Queue is the worker side of a driver.
type Queue interface {
	Pop(ctx context.Context) (driver.Job, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
	Release(ctx context.Context, id string, delay time.Duration) error
}

// Runner executes one job payload.
type Runner func(ctx context.Context, job driver.Job) error

// DefaultIdle is the wait after an empty pop when no sleep is configured.
const DefaultIdle = 500 * time.Millisecond

type ConsumerOptions struct {
	// Sleep is the pause between two pops.
	Sleep time.Duration
	// Idle is the wait after an empty pop or a pop error.
	Idle   time.Duration
	Runner Runner
	Logger *slog.Logger
}

// Consumer pops jobs of one channel and runs them until its context ends.
type Consumer struct {
	q     Queue
	sleep time.Duration
	idle  time.Duration
	run   Runner
	log   *slog.Logger
	stats ConsumerStats
}

// ConsumerStats counts outcomes since the consumer was created.
type ConsumerStats struct {
	Acked    int
	Failed   int
	Released int
}

func NewConsumer(q Queue, opts ConsumerOptions) *Consumer {
	c := &Consumer{q: q, sleep: opts.Sleep, idle: opts.Idle, run: opts.Runner, log: opts.Logger}
	if c.sleep < 0 {
		c.sleep = 0
	}
	if c.idle <= 0 {
		c.idle = max(c.sleep, DefaultIdle)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.run == nil {
		c.run = CommandRunner(os.Stdout, os.Stderr, 10*time.Second)
	}
	return c
}

// Run consumes until ctx is cancelled and then returns nil. A job
// interrupted by cancellation is released back to the queue.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := c.q.Pop(ctx)
		if err != nil {
			if !errors.Is(err, driver.ErrEmpty) && ctx.Err() == nil {
				c.log.Error("pop failed", "error", err)
			}
			if !sleepCtx(ctx, c.idle) {
				return nil
			}
			continue
		}
		c.handle(ctx, job)
		if c.sleep > 0 && !sleepCtx(ctx, c.sleep) {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, job driver.Job) {
	log := c.log.With("job", job.ID, "attempt", job.Attempt)
	err := c.safeRun(ctx, job)
	// the outcome must be recorded even when ctx is already done
	bg := context.WithoutCancel(ctx)
	switch {
	case ctx.Err() != nil:
		if rerr := c.q.Release(bg, job.ID, 0); rerr != nil {
			log.Error("release failed", "error", rerr)
			return
		}
		c.stats.Released++
		log.Info("job released on shutdown")
	case err != nil:
		if ferr := c.q.Fail(bg, job.ID, err); ferr != nil {
			log.Error("fail failed", "error", ferr)
			return
		}
		c.stats.Failed++
		log.Warn("job failed", "error", err)
	default:
		if aerr := c.q.Ack(bg, job.ID); aerr != nil {
			log.Error("ack failed", "error", aerr)
			return
		}
		c.stats.Acked++
		log.Debug("job done")
	}
}

func (c *Consumer) safeRun(ctx context.Context, job driver.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return c.run(ctx, job)
}

// Stats is only meaningful after Run has returned.
func (c *Consumer) Stats() ConsumerStats { return c.stats }

// CommandRunner runs the payload as a command line with the job id in
// QMASTER_JOB_ID. Output goes to stdout and stderr.
func CommandRunner(stdout, stderr io.Writer, stopTimeout time.Duration) Runner {
	return func(ctx context.Context, job driver.Job) error {
		proc := process.New(process.Spec{
			Name:    "job-" + job.ID,
			Command: job.Payload,
			Env:     append(os.Environ(), "QMASTER_JOB_ID="+job.ID, "QMASTER_JOB_ATTEMPT="+fmt.Sprint(job.Attempt)),
			Stdout:  stdout,
			Stderr:  stderr,
		})
		return proc.Run(ctx, stopTimeout)
	}
}
