package resourcemonitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorDisabledWithoutThresholdIsNoop(t *testing.T) {
	var called int32
	m := New(0, true, func() { atomic.AddInt32(&called, 1) }, nil)
	m.interval = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m.Run(ctx)
	require.Zero(t, atomic.LoadInt32(&called))
}

func TestMonitorTripsShutdownWhenThresholdExceeded(t *testing.T) {
	var called int32
	done := make(chan struct{})
	m := New(1, true, func() {
		atomic.AddInt32(&called, 1)
		close(done)
	}, nil)
	m.interval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("monitor did not trip shutdown before the test deadline")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&called))
}

func TestMonitorSkipsShutdownWhenGracefulShutdownDisabled(t *testing.T) {
	var called int32
	m := New(1, false, func() { atomic.AddInt32(&called, 1) }, nil)
	m.interval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	m.Run(ctx)
	require.Zero(t, atomic.LoadInt32(&called))
}
