package testplan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func TestRunSchedulerRunOnce(t *testing.T) {
	var calls atomic.Int32
	s := NewDefaultRunScheduler(10*time.Millisecond, true, testLogger())
	s.RegisterCallback(func() error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "run-once never ticks")
	require.NoError(t, s.WaitForShutdown(context.Background()))
}

func TestRunSchedulerPeriodic(t *testing.T) {
	calls := make(chan struct{}, 10)
	s := NewDefaultRunScheduler(10*time.Millisecond, false, testLogger())
	s.RegisterCallback(func() error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for run %d", i+1)
		}
	}

	require.NoError(t, s.Stop())
	assert.True(t, s.Stopped())
	require.NoError(t, s.WaitForShutdown(ctx))

	// drain what was sent before Stop returned
	for len(calls) > 0 {
		<-calls
	}
	select {
	case <-calls:
		t.Fatal("plan ran after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunSchedulerErrors(t *testing.T) {
	t.Run("no callback", func(t *testing.T) {
		s := NewDefaultRunScheduler(time.Second, true, testLogger())
		require.Error(t, s.Start(context.Background()))
	})

	t.Run("continuous without interval", func(t *testing.T) {
		s := NewDefaultRunScheduler(0, false, testLogger())
		s.RegisterCallback(func() error { return nil })
		require.Error(t, s.Start(context.Background()))
	})

	t.Run("first run error is returned", func(t *testing.T) {
		want := errors.New("boom")
		for _, runOnce := range []bool{true, false} {
			s := NewDefaultRunScheduler(time.Hour, runOnce, testLogger())
			s.RegisterCallback(func() error { return want })
			require.ErrorIs(t, s.Start(context.Background()), want)
		}
	})

	t.Run("periodic errors keep the loop going", func(t *testing.T) {
		var calls atomic.Int32
		s := NewDefaultRunScheduler(5*time.Millisecond, false, testLogger())
		s.RegisterCallback(func() error {
			if calls.Add(1) > 1 {
				return errors.New("later failure")
			}
			return nil
		})
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, s.Start(ctx))
		require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, s.WaitForShutdown(context.Background()))
	})
}

func TestRunSchedulerStopTwice(t *testing.T) {
	s := NewDefaultRunScheduler(time.Hour, false, testLogger())
	s.RegisterCallback(func() error { return nil })
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.NoError(t, s.WaitForShutdown(context.Background()))
}

func TestRunSchedulerDropsTicksDuringRun(t *testing.T) {
	var inFlight, peak, calls atomic.Int32
	s := NewDefaultRunScheduler(2*time.Millisecond, false, testLogger())
	s.RegisterCallback(func() error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	require.NoError(t, s.WaitForShutdown(context.Background()), "nothing to wait for before start")
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.WaitForShutdown(context.Background()))

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, uint64(calls.Load()), s.runs.Load())
}
