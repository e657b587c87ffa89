package tick

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met within "+timeout.String())
}

func TestTicksFire(t *testing.T) {
	var fired atomic.Int64
	s := NewScheduler(Config{Workers: 2, CallTimeout: time.Second}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			fired.Add(1)
			return false, nil
		})
	defer s.Stop()

	s.StartTicking("m1", 10*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 3 })
}

func TestStopTickingHaltsFiring(t *testing.T) {
	var fired atomic.Int64
	s := NewScheduler(Config{Workers: 2, CallTimeout: time.Second}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			fired.Add(1)
			return false, nil
		})
	defer s.Stop()

	s.StartTicking("m1", 10*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 1 })

	s.StopTicking("m1")
	require.Equal(t, 0, s.Active())

	settled := fired.Load()
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, fired.Load(), settled+1, "at most one in-flight firing after stop")
}

func TestDoneCancelsTask(t *testing.T) {
	var fired atomic.Int64
	s := NewScheduler(Config{Workers: 2, CallTimeout: time.Second}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			return fired.Add(1) >= 2, nil
		})
	defer s.Stop()

	s.StartTicking("m1", 10*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return s.Active() == 0 })
	require.EqualValues(t, 2, fired.Load())
}

func TestErrorDoesNotCancelTask(t *testing.T) {
	var fired atomic.Int64
	s := NewScheduler(Config{Workers: 2, CallTimeout: time.Second}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			fired.Add(1)
			return false, errors.New("transient")
		})
	defer s.Stop()

	s.StartTicking("m1", 10*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 3 })
	require.Equal(t, 1, s.Active())
}

func TestPanicIsIsolated(t *testing.T) {
	var fired atomic.Int64
	s := NewScheduler(Config{Workers: 2, CallTimeout: time.Second}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			if fired.Add(1) == 1 {
				panic("boom")
			}
			return false, nil
		})
	defer s.Stop()

	s.StartTicking("m1", 10*time.Millisecond)
	// The panicking firing must not kill the worker or the task
	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 3 })
}

func TestSameMatchNeverOverlaps(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	var fired atomic.Int64

	s := NewScheduler(Config{Workers: 4, CallTimeout: time.Second}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			// Hold past several intervals so overlap would show up
			time.Sleep(30 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			fired.Add(1)
			return false, nil
		})
	defer s.Stop()

	s.StartTicking("m1", 5*time.Millisecond)
	waitFor(t, 3*time.Second, func() bool { return fired.Load() >= 4 })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxInFlight, "firings for one match must be serialized")
}

func TestIndependentMatchesTickConcurrently(t *testing.T) {
	perMatch := make(map[string]*atomic.Int64)
	perMatch["a"] = &atomic.Int64{}
	perMatch["b"] = &atomic.Int64{}

	s := NewScheduler(Config{Workers: 4, CallTimeout: time.Second}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			perMatch[matchID].Add(1)
			return false, nil
		})
	defer s.Stop()

	s.StartTicking("a", 10*time.Millisecond)
	s.StartTicking("b", 10*time.Millisecond)
	require.Equal(t, 2, s.Active())

	waitFor(t, 2*time.Second, func() bool {
		return perMatch["a"].Load() >= 2 && perMatch["b"].Load() >= 2
	})
}

func TestRestartReplacesTask(t *testing.T) {
	var fired atomic.Int64
	s := NewScheduler(Config{Workers: 2, CallTimeout: time.Second}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			fired.Add(1)
			return false, nil
		})
	defer s.Stop()

	s.StartTicking("m1", time.Hour)
	s.StartTicking("m1", 10*time.Millisecond)
	require.Equal(t, 1, s.Active())

	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 2 })
}

func TestFiringContextCarriesTimeout(t *testing.T) {
	deadlineSeen := make(chan bool, 1)
	s := NewScheduler(Config{Workers: 1, CallTimeout: 50 * time.Millisecond}, zap.NewNop(),
		func(ctx context.Context, matchID string) (bool, error) {
			_, ok := ctx.Deadline()
			select {
			case deadlineSeen <- ok:
			default:
			}
			return true, nil
		})
	defer s.Stop()

	s.StartTicking("m1", 10*time.Millisecond)
	select {
	case ok := <-deadlineSeen:
		require.True(t, ok, "firing context should carry a deadline")
	case <-time.After(2 * time.Second):
		t.Fatal("tick never fired")
	}
}
