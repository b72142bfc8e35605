// Package httppush implements the HTTP-push ingestion adapter variant
// (spec §4.1, §6): polls the pending_events collection an external ingress
// endpoint writes to, rather than accepting pushes itself.
package httppush

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/adapters/adapterutil"
	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/eventsource"
	"github.com/r3e-network/integration-gateway/internal/app/domain/pendingevent"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
	"github.com/r3e-network/integration-gateway/pkg/logger"
)

var _ adapterutil.Adapter = (*Adapter)(nil)

const defaultBatchSize = 200

// Adapter polls pending_events for one tenant.
type Adapter struct {
	tenantID string
	cfg      eventsource.HTTPPushConfig
	store    storage.PendingEventStore
	log      *logger.Logger

	loop *adapterutil.PollLoop
}

func New(tenantID string, cfg eventsource.HTTPPushConfig, store storage.PendingEventStore, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewDefault("httppush")
	}
	return &Adapter{tenantID: tenantID, cfg: cfg, store: store, log: log}
}

func (a *Adapter) Name() string {
	return fmt.Sprintf("httppush:%s", a.tenantID)
}

func (a *Adapter) Start(ctx context.Context, handler adapterutil.Handler) error {
	interval := time.Duration(a.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	a.loop = &adapterutil.PollLoop{
		Interval: interval,
		Log:      a.log,
		Poll: func(ctx context.Context) {
			a.poll(ctx, handler)
		},
	}
	a.loop.Start(ctx)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.loop == nil {
		return nil
	}
	return a.loop.Stop(ctx)
}

func (a *Adapter) poll(ctx context.Context, handler adapterutil.Handler) {
	docs, err := a.store.ListNew(ctx, a.tenantID, defaultBatchSize)
	if err != nil {
		a.log.WithError(err).Warn("httppush: list pending events failed")
		return
	}

	for _, doc := range docs {
		ev := event.Event{
			TenantID:     doc.TenantID,
			EventType:    doc.EventType,
			Payload:      doc.Payload,
			Source:       event.SourceHTTPPush,
			SourceName:   a.Name(),
			SourceOffset: doc.ID,
			ReceivedAt:   doc.CreatedAt,
		}

		status := pendingevent.StatusDone
		if err := handler(ctx, ev); err != nil {
			status = pendingevent.StatusFailed
			a.log.WithError(err).WithField("pending_id", doc.ID).Warn("httppush: handler error")
		}
		if err := a.store.MarkStatus(ctx, doc.ID, status); err != nil {
			a.log.WithError(err).WithField("pending_id", doc.ID).Warn("httppush: mark status failed")
		}
	}
}
