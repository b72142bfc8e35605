// Package adapterutil holds the pieces shared by every ingestion adapter
// variant (spec §4.1): the common Adapter contract, a handler type each
// adapter invokes per event, and a ticker-driven poll loop that guarantees
// a tick never overlaps the previous one still in flight.
package adapterutil

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/pkg/logger"
)

// Handler processes one ingested event and reports whether it should be
// acknowledged. Adapters call Handler synchronously per event so that ack/
// nack can be driven by the handler's outcome (spec §4.1 "offers ack/nack
// per event").
type Handler func(ctx context.Context, e event.Event) error

// Adapter is the contract every ingestion variant implements: one instance
// per (tenant, source) per spec §3.
type Adapter interface {
	Name() string
	Start(ctx context.Context, handler Handler) error
	Stop(ctx context.Context) error
}

// PollLoop drives a fixed-interval poll function on a ticker, skipping a
// tick if the previous one is still running rather than letting ticks pile
// up concurrently — grounded on the teacher's automation.Scheduler, whose
// single background goroutine calls tick(ctx) synchronously inside the
// ticker's select loop so two ticks can never overlap.
type PollLoop struct {
	Interval time.Duration
	Poll     func(ctx context.Context)
	Log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Start begins the loop. Calling Start twice without an intervening Stop is
// a no-op, matching system.Service idempotency expectations.
func (p *PollLoop) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Poll(runCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight poll, if any, to return.
func (p *PollLoop) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AckOutcome classifies a handler's return for checkpoint-advance purposes
// (spec §9 Open Question (a)).
type AckOutcome int

const (
	// Acked means the event was delivered or terminally rejected by
	// business logic — always advances the checkpoint.
	Acked AckOutcome = iota
	// NackedRetryable means the event failed but is retryable downstream
	// (the DLQ worker owns retry) — advances the checkpoint by default.
	NackedRetryable
	// NackedExecutorError means the handler itself errored before it could
	// classify the event (a bug, a panic recovered upstream, a storage
	// failure) — advance is withheld only when RefuseAdvanceOnExecutorError
	// is set, per spec §9 Open Question (a).
	NackedExecutorError
)

// ShouldAdvance applies the relational adapter's checkpoint policy: the
// documented default is to always advance and let the DLQ worker drive
// retry, with an explicit opt-in switch to withhold advance on executor
// errors so a systemic bug cannot silently skip events.
func ShouldAdvance(outcome AckOutcome, refuseAdvanceOnExecutorError bool) bool {
	if outcome == NackedExecutorError && refuseAdvanceOnExecutorError {
		return false
	}
	return true
}
