package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunsImmediatelyThenOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := New(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Add(ctx, Job{
		Name:     "tick-counter",
		Interval: time.Second,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start(ctx)
	defer s.Stop()

	// The first run fires on Start, not after the first interval.
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 500*time.Millisecond, 10*time.Millisecond,
		"job must run immediately on boot")

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, 50*time.Millisecond,
		"job must keep running on the interval")
}

func TestSingleFlightGuardPreventsOverlap(t *testing.T) {
	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		runs     atomic.Int32
	)
	s := New(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Add(ctx, Job{
		Name:     "slow-job",
		Interval: time.Second,
		Run: func(context.Context) error {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			runs.Add(1)
			time.Sleep(2500 * time.Millisecond)
			return nil
		},
	}))

	s.Start(ctx)
	time.Sleep(2200 * time.Millisecond) // immediate run still in flight across two ticks
	cancel()
	s.Stop()

	// Wait out the in-flight run before asserting.
	assert.Eventually(t, func() bool { return inFlight.Load() == 0 }, 2*time.Second, 50*time.Millisecond)
	assert.Equal(t, int32(1), maxSeen.Load(), "two ticks must never interleave")
	assert.Equal(t, int32(1), runs.Load(), "overlapping ticks are skipped, not queued")
}

type fakeLease struct {
	allow    bool
	err      error
	acquires atomic.Int32
	releases atomic.Int32
}

func (f *fakeLease) AcquireLease(context.Context, string, time.Duration) (bool, error) {
	f.acquires.Add(1)
	return f.allow, f.err
}

func (f *fakeLease) ReleaseLease(context.Context, string) error {
	f.releases.Add(1)
	return nil
}

func TestLeaseHeldElsewhereSkipsRun(t *testing.T) {
	var runs atomic.Int32
	lease := &fakeLease{allow: false}
	s := New(zaptest.NewLogger(t), lease)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Add(ctx, Job{
		Name:     "leased-job",
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start(ctx)
	defer s.Stop()

	assert.Eventually(t, func() bool { return lease.acquires.Load() >= 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), runs.Load(), "run must be skipped while another replica holds the lease")
	assert.Equal(t, int32(0), lease.releases.Load())
}

func TestLeaseErrorStillRuns(t *testing.T) {
	var runs atomic.Int32
	lease := &fakeLease{allow: false, err: errors.New("redis down")}
	s := New(zaptest.NewLogger(t), lease)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Add(ctx, Job{
		Name:     "resilient-job",
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start(ctx)
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 10*time.Millisecond,
		"a broken lease backend must not stop settlement")
}

func TestJobStateBookkeeping(t *testing.T) {
	s := New(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Add(ctx, Job{
		Name:     "failing-job",
		Interval: time.Hour,
		Run:      func(context.Context) error { return errors.New("tick failed") },
	}))

	s.Start(ctx)
	defer s.Stop()

	state, ok := s.State("failing-job")
	require.True(t, ok)
	assert.Eventually(t, func() bool { return state.LastError() == "tick failed" }, time.Second, 10*time.Millisecond)
	assert.False(t, state.Running())
}

func TestAddRejectsDuplicatesAndSubSecondIntervals(t *testing.T) {
	s := New(zaptest.NewLogger(t), nil)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(ctx, Job{Name: "a", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(ctx, Job{Name: "a", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(ctx, Job{Name: "b", Interval: 100 * time.Millisecond, Run: noop}))
}
