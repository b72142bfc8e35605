package adapterutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollLoopSkipsOverlappingTicks(t *testing.T) {
	var running int32
	var overlapped int32
	var calls int32

	loop := &PollLoop{
		Interval: 5 * time.Millisecond,
		Poll: func(ctx context.Context) {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				atomic.StoreInt32(&overlapped, 1)
				return
			}
			atomic.AddInt32(&calls, 1)
			time.Sleep(20 * time.Millisecond)
			atomic.StoreInt32(&running, 0)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	loop.Start(ctx)
	time.Sleep(90 * time.Millisecond)
	require.NoError(t, loop.Stop(context.Background()))

	require.Zero(t, atomic.LoadInt32(&overlapped), "a tick must never start while the previous one is still running")
	require.Greater(t, atomic.LoadInt32(&calls), int32(0))
}

func TestPollLoopStartIsIdempotent(t *testing.T) {
	var calls int32
	loop := &PollLoop{
		Interval: 5 * time.Millisecond,
		Poll: func(ctx context.Context) {
			atomic.AddInt32(&calls, 1)
		},
	}
	ctx := context.Background()
	loop.Start(ctx)
	loop.Start(ctx) // second Start before Stop is a no-op
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, loop.Stop(context.Background()))
}

func TestShouldAdvance(t *testing.T) {
	require.True(t, ShouldAdvance(Acked, false))
	require.True(t, ShouldAdvance(NackedRetryable, false))
	require.True(t, ShouldAdvance(NackedExecutorError, false), "default policy always advances")
	require.False(t, ShouldAdvance(NackedExecutorError, true), "opt-in switch withholds advance on executor error")
	require.True(t, ShouldAdvance(NackedRetryable, true), "the switch only affects executor errors, not ordinary nacks")
}
