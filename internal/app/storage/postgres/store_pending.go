package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/integration-gateway/internal/app/domain/pendingevent"
)

func (s *Store) CreatePendingEvent(ctx context.Context, p pendingevent.PendingEvent) (pendingevent.PendingEvent, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = pendingevent.StatusNew
	}

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return pendingevent.PendingEvent{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_pending_events (id, tenant_id, event_type, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.TenantID, p.EventType, string(p.Status), payload, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return pendingevent.PendingEvent{}, err
	}
	return p, nil
}

func (s *Store) ListNew(ctx context.Context, tenantID string, limit int) ([]pendingevent.PendingEvent, error) {
	query := `
		SELECT id, tenant_id, event_type, status, payload, created_at, updated_at
		FROM gw_pending_events WHERE tenant_id = $1 AND status = $2 ORDER BY created_at ASC`
	args := []any{tenantID, string(pendingevent.StatusNew)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pendingevent.PendingEvent
	for rows.Next() {
		var p pendingevent.PendingEvent
		var status string
		var payload []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &p.EventType, &status, &payload, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = pendingevent.Status(status)
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) MarkStatus(ctx context.Context, id string, status pendingevent.Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE gw_pending_events SET status = $1, updated_at = $2 WHERE id = $3
	`, string(status), time.Now().UTC(), id)
	return err
}
