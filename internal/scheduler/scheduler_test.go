package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 10, 17, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), s.nextTick(now))
	onBoundary := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), s.nextTick(onBoundary))
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), s.bucketStart(now))
}

func TestNextTickUnaligned(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	now := time.Date(2025, 3, 1, 10, 17, 3, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []error
	)
	s, err := New(Options{
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Observe: func(_ time.Time, _ time.Duration, err error) {
			mu.Lock()
			observed = append(observed, err)
			mu.Unlock()
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	err = s.Run(ctx, func(context.Context, time.Time) error {
		if ticks.Add(1) == 3 {
			cancel()
		}
		return errors.New("upstream down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), ticks.Load(), "errors do not stop the loop")
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, observed, 3)
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCronRejectsBadSpec(t *testing.T) {
	c := NewCron(zerolog.Nop())
	assert.Error(t, c.Add("broken", "every hour", func(context.Context) error { return nil }))
	assert.NoError(t, c.Add("retention", "@daily", func(context.Context) error { return nil }))
	assert.NoError(t, c.Add("backfill", "*/15 * * * *", func(context.Context) error { return nil }))
	assert.Equal(t, 2, c.Len())
}

func TestCronRunsJobs(t *testing.T) {
	c := NewCron(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	finished := make(chan string, 4)
	c.OnFinish(func(job string, _ time.Duration, _ error) {
		select {
		case finished <- job:
		default:
		}
	})
	require.NoError(t, c.Add("backfill", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case job := <-finished:
		assert.Equal(t, "backfill", job)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}
