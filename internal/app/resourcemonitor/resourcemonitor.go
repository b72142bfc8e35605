// Package resourcemonitor periodically samples process memory and triggers
// graceful shutdown when it crosses the configured heap threshold
// (pkg/config.MemoryConfig), grounded on the same ticker-driven service-loop
// shape retryworker.Worker and scheduler.Scheduler already use.
package resourcemonitor

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// defaultInterval is a quiet polling cadence; memory pressure does not need
// sub-second granularity.
const defaultInterval = 15 * time.Second

// Monitor samples RSS/heap on a fixed interval and calls Shutdown once the
// configured threshold is crossed, at most once per process lifetime.
type Monitor struct {
	heapThresholdMB  int
	gracefulShutdown bool
	interval         time.Duration
	log              *logrus.Entry

	shutdown func()
	tripped  bool
}

// New builds a Monitor. heapThresholdMB <= 0 disables the heap/RSS check
// entirely (Run returns immediately and never fires shutdown).
func New(heapThresholdMB int, gracefulShutdown bool, shutdown func(), log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Monitor{
		heapThresholdMB:  heapThresholdMB,
		gracefulShutdown: gracefulShutdown,
		interval:         defaultInterval,
		shutdown:         shutdown,
		log:              log,
	}
}

// Run polls until ctx is cancelled, sampling memory every tick.
func (m *Monitor) Run(ctx context.Context) {
	if m.heapThresholdMB <= 0 || m.shutdown == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	if m.tripped {
		return
	}

	var heapMB, rssMB uint64

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	heapMB = memStats.HeapAlloc / (1024 * 1024)

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		m.log.WithError(err).Warn("resourcemonitor: failed to open process handle, falling back to runtime heap only")
	} else if mem, err := proc.MemoryInfoWithContext(ctx); err != nil {
		m.log.WithError(err).Warn("resourcemonitor: failed to read RSS")
	} else {
		rssMB = mem.RSS / (1024 * 1024)
	}

	sampledMB := heapMB
	if rssMB > sampledMB {
		sampledMB = rssMB
	}

	if sampledMB < uint64(m.heapThresholdMB) {
		return
	}

	m.log.WithFields(logrus.Fields{
		"heap_mb":      heapMB,
		"rss_mb":       rssMB,
		"threshold_mb": m.heapThresholdMB,
	}).Warn("resourcemonitor: memory threshold exceeded")

	if !m.gracefulShutdown {
		return
	}
	m.tripped = true
	go m.shutdown()
}
