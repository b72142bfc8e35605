package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/processedevent"
)

// TryInsert relies on the primary key on gw_processed_events.fingerprint. A
// conflicting row older than processedevent.TTL is an expired fingerprint
// and is overwritten in place; a younger one is a live duplicate and is left
// as it is.
func (s *Store) TryInsert(ctx context.Context, p processedevent.ProcessedEvent) (bool, error) {
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO gw_processed_events (fingerprint, tenant_id, event_type, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id, event_type = EXCLUDED.event_type, processed_at = EXCLUDED.processed_at
		WHERE gw_processed_events.processed_at < EXCLUDED.processed_at - interval '%d seconds'
	`, int64(processedevent.TTL/time.Second)), p.Fingerprint, p.TenantID, p.EventType, p.ProcessedAt)
	if err != nil {
		return false, err
	}

	// The conflict clause hides whether this call's row was written, so
	// confirm ownership by re-reading processed_at. Postgres keeps
	// microseconds, so the comparison allows for the rounding of
	// p.ProcessedAt's nanoseconds.
	var processedAt time.Time
	err = s.db.QueryRowxContext(ctx, `SELECT processed_at FROM gw_processed_events WHERE fingerprint = $1`, p.Fingerprint).Scan(&processedAt)
	if err != nil {
		return false, err
	}
	diff := processedAt.Sub(p.ProcessedAt)
	return diff > -time.Microsecond && diff < time.Microsecond, nil
}

// --- AuditStore ------------------------------------------------------------------

func (s *Store) RecordEvent(ctx context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_audit_events (source, source_offset, data, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, source_offset) WHERE source_offset <> '' DO NOTHING
	`, string(e.Source), e.SourceOffset, data, e.ReceivedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return nil // duplicate offset: already audited, not an error for the caller
	}
	return err
}

func (s *Store) ExistsBySourceOffset(ctx context.Context, source, sourceOffset string) (bool, error) {
	var exists bool
	err := s.db.QueryRowxContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM gw_audit_events WHERE source = $1 AND source_offset = $2)
	`, source, sourceOffset).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return exists, err
}
