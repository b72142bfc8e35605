// Package pipeline implements spec §5's key-bucket executor: the handler
// every ingestion adapter calls per event. It wires dedup -> rule
// resolution -> transformation -> immediate delivery or scheduling, while
// serialising events that share a partition key through a fixed set of
// per-bucket worker goroutines so that ordering within one (tenant,
// partition-key) is preserved even though adapters and rules execute
// concurrently across keys.
package pipeline

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/r3e-network/integration-gateway/internal/app/dedup"
	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/internal/app/rules"
	"github.com/r3e-network/integration-gateway/internal/app/scheduler"
	"github.com/r3e-network/integration-gateway/internal/app/transform"
	"github.com/r3e-network/integration-gateway/pkg/logger"
)

// defaultBuckets sizes the fixed worker pool when the caller does not
// override it. Each bucket is a single goroutine draining its own channel,
// so raising this trades ordering granularity for parallelism.
const defaultBuckets = 32

// logWriter narrows the subset of storage.ExecutionLogStore this package
// needs to record a terminal failure that happens before delivery (a
// transform or scheduling error), which the delivery executor never sees.
type logWriter interface {
	CreateLog(ctx context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error)
}

type job struct {
	ctx context.Context
	e   event.Event
	// done receives the terminal error for this event's processing, nil on
	// success (including "accepted as a no-op duplicate").
	done chan error
}

// ruleResolver narrows *rules.Resolver to what this package needs, so a
// caching decorator (internal/app/rules.CachingResolver) can stand in for
// the plain resolver without Pipeline knowing the difference.
type ruleResolver interface {
	Resolve(ctx context.Context, tenantID, eventType, orgUnitID string) ([]rules.Match, error)
}

// Pipeline is the fan-out executor: adapterutil.Handler-compatible via
// Handle, backed by a fixed pool of ordered worker goroutines.
type Pipeline struct {
	dedup       *dedup.Gate
	resolver    ruleResolver
	transformer *transform.Transformer
	scheduler   *scheduler.Scheduler
	executor    *delivery.Executor
	logs        logWriter
	log         *logger.Logger

	buckets []chan job
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New constructs a Pipeline with defaultBuckets worker goroutines.
func New(
	dedupGate *dedup.Gate,
	resolver ruleResolver,
	transformer *transform.Transformer,
	sched *scheduler.Scheduler,
	executor *delivery.Executor,
	logs logWriter,
	log *logger.Logger,
) *Pipeline {
	if log == nil {
		log = logger.NewDefault("pipeline")
	}
	return &Pipeline{
		dedup:       dedupGate,
		resolver:    resolver,
		transformer: transformer,
		scheduler:   sched,
		executor:    executor,
		logs:        logs,
		log:         log,
		buckets:     make([]chan job, defaultBuckets),
	}
}

func (p *Pipeline) Name() string { return "pipeline" }

// Start spins up one worker goroutine per bucket. Idempotent.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := range p.buckets {
		ch := make(chan job, 64)
		p.buckets[i] = ch
		p.wg.Add(1)
		go p.worker(runCtx, ch)
	}
	return nil
}

// Stop cancels in-flight processing and waits for workers to drain.
func (p *Pipeline) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.cancel = nil

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) worker(ctx context.Context, ch chan job) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-ch:
			if !ok {
				return
			}
			j.done <- p.process(j.ctx, j.e)
		}
	}
}

// Handle is the adapterutil.Handler every ingestion adapter invokes per
// event. It routes e to the worker owning its partition key's bucket and
// blocks until that event has been fully processed, so the adapter's
// ack/nack decision reflects this event's actual outcome.
func (p *Pipeline) Handle(ctx context.Context, e event.Event) error {
	idx := bucketFor(e.PartitionKey(), len(p.buckets))
	j := job{ctx: ctx, e: e, done: make(chan error, 1)}

	select {
	case p.buckets[idx] <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func bucketFor(partitionKey string, numBuckets int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey))
	return int(h.Sum32() % uint32(numBuckets))
}

func (p *Pipeline) process(ctx context.Context, e event.Event) error {
	outcome, err := p.dedup.Check(ctx, e)
	if err != nil {
		return err
	}
	if !outcome.Accepted {
		return nil
	}

	matches, err := p.resolver.Resolve(ctx, e.TenantID, e.EventType, e.OrgUnitID)
	if err != nil {
		return err
	}

	for _, match := range matches {
		p.processMatch(ctx, e, match)
	}
	return nil
}

// processMatch is best-effort per spec §7's propagation rule: adapter
// handlers rely on the executor's own persistence for retry state, so one
// rule's failure never blocks or fails the event for its siblings.
func (p *Pipeline) processMatch(ctx context.Context, e event.Event, match rules.Match) {
	correlationID := uuid.NewString()
	tctx := transform.Context{
		TenantID:      e.TenantID,
		OrgUnitID:     e.OrgUnitID,
		EventType:     e.EventType,
		RuleID:        match.Rule.ID,
		CorrelationID: correlationID,
	}

	transformed, err := p.transformer.Apply(ctx, match.Rule.Transform, e.Payload, tctx)
	if err != nil {
		p.recordPreDeliveryFailure(ctx, e, match.Rule, correlationID, err)
		return
	}

	if match.Rule.DeliveryMode == rule.DeliveryDelayed || match.Rule.DeliveryMode == rule.DeliveryRecurring {
		if _, err := p.scheduler.Schedule(ctx, e, match.Rule, transformed); err != nil {
			p.recordPreDeliveryFailure(ctx, e, match.Rule, correlationID, err)
		}
		return
	}

	if _, err := p.executor.Deliver(ctx, e, match, transformed, executionlog.TriggerEvent, correlationID); err != nil {
		p.log.WithField("rule_id", match.Rule.ID).WithField("event_id", e.ID).WithField("error", err).Warn("pipeline: delivery executor returned an error")
	}
}

// recordPreDeliveryFailure logs a terminal FAILED row for errors raised
// before the delivery executor ever runs (transform or schedule-compute
// failures), so operators see these the same way they see delivery
// failures rather than only in process logs.
func (p *Pipeline) recordPreDeliveryFailure(ctx context.Context, e event.Event, r rule.IntegrationRule, correlationID string, cause error) {
	code := "pre_delivery_error"
	category := string(gatewayerr.Config)
	if ge, ok := gatewayerr.As(cause); ok {
		code = ge.Code
		category = string(ge.Category)
	}

	l := executionlog.ExecutionLog{
		TenantID:      e.TenantID,
		RuleID:        r.ID,
		CorrelationID: correlationID,
		Direction:     executionlog.DirectionOutbound,
		TriggerType:   executionlog.TriggerEvent,
		Status:        executionlog.StatusFailed,
		AttemptCount:  1,
		Error: &executionlog.ErrorInfo{
			Category: category,
			Code:     code,
			Message:  cause.Error(),
		},
	}
	if _, err := p.logs.CreateLog(ctx, l); err != nil {
		p.log.WithField("rule_id", r.ID).WithField("error", err).Error("pipeline: failed to record pre-delivery failure log")
	}
}
