package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionLocks_RejectImmediatelyWhenBusy(t *testing.T) {
	l := newSessionLocks()
	release, err := l.acquire(context.Background(), "s1", 0)
	require.NoError(t, err)

	_, err = l.acquire(context.Background(), "s1", -1)
	require.ErrorIs(t, err, errSessionBusy)

	other, err := l.acquire(context.Background(), "s2", 0)
	require.NoError(t, err)
	other()

	release()
	release()
	require.Equal(t, 0, l.active())

	again, err := l.acquire(context.Background(), "s1", 0)
	require.NoError(t, err)
	again()
}

func TestSessionLocks_WaitTimesOut(t *testing.T) {
	l := newSessionLocks()
	release, err := l.acquire(context.Background(), "s1", 0)
	require.NoError(t, err)
	defer release()

	_, err = l.acquire(context.Background(), "s1", 10*time.Millisecond)
	require.ErrorIs(t, err, errSessionBusy)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, l.active())
}

func TestSessionLocks_SerializesRuns(t *testing.T) {
	l := newSessionLocks()
	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.acquire(context.Background(), "s1", 5*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInFlight.Load())
	require.Equal(t, 0, l.active())
}
