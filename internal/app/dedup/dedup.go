// Package dedup implements spec §4.2: every adapter-produced event is
// fingerprinted, checked against a TTL seen-set, and (on first acceptance)
// recorded in the audit store.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/processedevent"
	"github.com/r3e-network/integration-gateway/internal/app/metrics"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
)

// bucketWidth sizes the received-at bucket used as a uniqueness fallback in
// the audit store when an event has no stable source offset (spec §4.2).
const bucketWidth = time.Minute

// Outcome reports what the dedup pass decided for one event.
type Outcome struct {
	// Accepted is true the first time a fingerprint is seen within the TTL
	// window; false means the event is a live duplicate and must be acked
	// and dropped with status DUPLICATE by the caller.
	Accepted    bool
	Fingerprint string
}

// Gate runs the fingerprint-then-audit pipeline against a tenant's stores.
type Gate struct {
	processed storage.ProcessedEventStore
	audit     storage.AuditStore
}

// New constructs a dedup gate over the given stores.
func New(processed storage.ProcessedEventStore, audit storage.AuditStore) *Gate {
	return &Gate{processed: processed, audit: audit}
}

// Check fingerprints e, consults the TTL seen-set, and on first acceptance
// records the event in the audit store. It returns Accepted=false without
// touching the audit store when the fingerprint is a live duplicate.
func (g *Gate) Check(ctx context.Context, e event.Event) (Outcome, error) {
	fp, err := Fingerprint(e)
	if err != nil {
		return Outcome{}, fmt.Errorf("compute fingerprint: %w", err)
	}

	now := time.Now().UTC()
	accepted, err := g.processed.TryInsert(ctx, processedevent.ProcessedEvent{
		Fingerprint: fp,
		TenantID:    e.TenantID,
		EventType:   e.EventType,
		ProcessedAt: now,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("dedup try-insert: %w", err)
	}
	if !accepted {
		metrics.RecordDedupDrop(e.TenantID)
		return Outcome{Accepted: false, Fingerprint: fp}, nil
	}

	auditEvent := e
	if auditEvent.SourceOffset == "" {
		// No stable offset to key the audit row on: fall back to
		// (tenant, fingerprint, received-at-bucket) per spec §4.2, encoded
		// into source_offset so the store's existing (source, offset)
		// uniqueness constraint still applies without a schema addition.
		bucket := now.Truncate(bucketWidth).Unix()
		auditEvent.SourceOffset = fmt.Sprintf("fallback:%s:%s:%d", e.TenantID, fp, bucket)
	}
	if err := g.audit.RecordEvent(ctx, auditEvent); err != nil {
		return Outcome{}, fmt.Errorf("record audit event: %w", err)
	}
	return Outcome{Accepted: true, Fingerprint: fp}, nil
}

// Fingerprint computes H(tenant, event-type, source, source-offset,
// canonical-payload). encoding/json sorts map keys when marshalling, which
// is sufficient canonicalisation for the map[string]any payloads this
// module handles — no separate canonical-JSON library is needed for this.
func Fingerprint(e event.Event) (string, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", e.TenantID, e.EventType, e.Source, e.SourceOffset)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
