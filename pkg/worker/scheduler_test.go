package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awarenet/relmem-go/pkg/worker"
)

func TestSchedulerRunsJobsOnInterval(t *testing.T) {
	s := worker.NewScheduler(zerolog.Nop())

	var runs atomic.Int64
	s.Register(worker.Job{
		Name:     "counter",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start()
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.Drain(context.Background()))

	assert.Greater(t, runs.Load(), int64(0))
}

func TestSchedulerJobFailureDoesNotStopTicking(t *testing.T) {
	s := worker.NewScheduler(zerolog.Nop())

	var runs atomic.Int64
	s.Register(worker.Job{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("cycle failed")
		},
	})

	s.Start()
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.Drain(context.Background()))

	assert.Greater(t, runs.Load(), int64(1), "a failing cycle is logged, not fatal")
}

func TestSchedulerDrainCancelsInFlightRun(t *testing.T) {
	s := worker.NewScheduler(zerolog.Nop())

	started := make(chan struct{}, 1)
	s.Register(worker.Job{
		Name:     "slow",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	s.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Drain(ctx), "drain aborts the in-flight run instead of hanging")
}

func TestSchedulerDrainBeforeStart(t *testing.T) {
	s := worker.NewScheduler(zerolog.Nop())
	assert.NoError(t, s.Drain(context.Background()))
}

func TestSchedulerStartTwice(t *testing.T) {
	s := worker.NewScheduler(zerolog.Nop())

	var runs atomic.Int64
	s.Register(worker.Job{
		Name:     "once",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start()
	s.Start()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Drain(context.Background()))
}
