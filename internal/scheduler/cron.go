package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is one periodic maintenance job.
type JobFunc func(ctx context.Context) error

type cronJob struct {
	name string
	spec string
	fn   JobFunc
}

// Cron runs named jobs on cron specs ("@every 1h", "@daily", "0 */4 * * *").
// A job that is still running when its next slot arrives is skipped.
type Cron struct {
	jobs    []cronJob
	observe func(job string, took time.Duration, err error)
	logger  zerolog.Logger
}

// NewCron constructs an empty job table.
func NewCron(logger zerolog.Logger) *Cron {
	return &Cron{logger: logger.With().Str("component", "cron").Logger()}
}

// OnFinish registers a hook called after every job run.
func (c *Cron) OnFinish(fn func(job string, took time.Duration, err error)) {
	c.observe = fn
}

// Add validates spec and queues the job. Jobs start when Run is called.
func (c *Cron) Add(name, spec string, fn JobFunc) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}
	c.jobs = append(c.jobs, cronJob{name: name, spec: spec, fn: fn})
	return nil
}

// Len is the number of queued jobs.
func (c *Cron) Len() int { return len(c.jobs) }

// Run starts every job and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (c *Cron) Run(ctx context.Context) error {
	adapter := cronLogger{logger: c.logger}
	runner := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	for _, job := range c.jobs {
		job := job
		if _, err := runner.AddFunc(job.spec, func() { c.runJob(ctx, job) }); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
		c.logger.Info().Str("job", job.name).Str("spec", job.spec).Msg("job scheduled")
	}

	runner.Start()
	<-ctx.Done()
	<-runner.Stop().Done()
	return ctx.Err()
}

func (c *Cron) runJob(ctx context.Context, job cronJob) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := job.fn(ctx)
	took := time.Since(start)
	if err != nil {
		c.logger.Error().Err(err).Str("job", job.name).Dur("took", took).Msg("job failed")
	} else {
		c.logger.Debug().Str("job", job.name).Dur("took", took).Msg("job finished")
	}
	if c.observe != nil {
		c.observe(job.name, took, err)
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
