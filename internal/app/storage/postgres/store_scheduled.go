package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/integration-gateway/internal/app/domain/scheduleddelivery"
)

func (s *Store) CreateScheduledDelivery(ctx context.Context, d scheduleddelivery.ScheduledDelivery) (scheduleddelivery.ScheduledDelivery, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(d)
	if err != nil {
		return scheduleddelivery.ScheduledDelivery{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_scheduled_deliveries (id, rule_id, tenant_id, due_at, status, processing_at, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.RuleID, d.TenantID, d.DueAt, string(d.Status), toNullTime(d.ProcessingAt), data, d.CreatedAt)
	if err != nil {
		return scheduleddelivery.ScheduledDelivery{}, err
	}
	return d, nil
}

func (s *Store) UpdateScheduledDelivery(ctx context.Context, d scheduleddelivery.ScheduledDelivery) (scheduleddelivery.ScheduledDelivery, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return scheduleddelivery.ScheduledDelivery{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_scheduled_deliveries
		SET due_at = $2, status = $3, processing_at = $4, data = $5
		WHERE id = $1
	`, d.ID, d.DueAt, string(d.Status), toNullTime(d.ProcessingAt), data)
	if err != nil {
		return scheduleddelivery.ScheduledDelivery{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return scheduleddelivery.ScheduledDelivery{}, sql.ErrNoRows
	}
	return d, nil
}

func (s *Store) GetScheduledDelivery(ctx context.Context, id string) (scheduleddelivery.ScheduledDelivery, error) {
	var data []byte
	err := s.db.QueryRowxContext(ctx, `SELECT data FROM gw_scheduled_deliveries WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return scheduleddelivery.ScheduledDelivery{}, err
	}
	var d scheduleddelivery.ScheduledDelivery
	if err := json.Unmarshal(data, &d); err != nil {
		return scheduleddelivery.ScheduledDelivery{}, fmt.Errorf("decode scheduled delivery %s: %w", id, err)
	}
	return d, nil
}

func (s *Store) ListScheduledDeliveries(ctx context.Context, tenantID string, limit int) ([]scheduleddelivery.ScheduledDelivery, error) {
	query := `SELECT data FROM gw_scheduled_deliveries WHERE $1 = '' OR tenant_id = $1 ORDER BY due_at`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduleddelivery.ScheduledDelivery
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d scheduleddelivery.ScheduledDelivery
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimDue atomically claims due rows inside a transaction using
// SELECT ... FOR UPDATE SKIP LOCKED, so multiple scheduler replicas can
// poll the same table concurrently without double-claiming a row (spec §5:
// "multiple scheduler instances may run concurrently").
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]scheduleddelivery.ScheduledDelivery, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, `
		SELECT id, data FROM gw_scheduled_deliveries
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(scheduleddelivery.StatusPending), now, limit)
	if err != nil {
		return nil, err
	}

	var claimed []scheduleddelivery.ScheduledDelivery
	var ids []string
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return nil, err
		}
		var d scheduleddelivery.ScheduledDelivery
		if err := json.Unmarshal(data, &d); err != nil {
			rows.Close()
			return nil, err
		}
		d.Status = scheduleddelivery.StatusProcessing
		d.ProcessingAt = now
		claimed = append(claimed, d)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range claimed {
		data, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE gw_scheduled_deliveries SET status = $2, processing_at = $3, data = $4 WHERE id = $1
		`, d.ID, string(d.Status), d.ProcessingAt, data); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	_ = ids
	return claimed, nil
}

func (s *Store) ListOverdueCandidates(ctx context.Context, now time.Time, graceHours int) ([]scheduleddelivery.ScheduledDelivery, error) {
	deadline := now.Add(-time.Duration(graceHours) * time.Hour)
	rows, err := s.db.QueryxContext(ctx, `
		SELECT data FROM gw_scheduled_deliveries WHERE status = $1 AND due_at < $2
	`, string(scheduleddelivery.StatusPending), deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduleddelivery.ScheduledDelivery
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d scheduleddelivery.ScheduledDelivery
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListStuckProcessing(ctx context.Context, before time.Time) ([]scheduleddelivery.ScheduledDelivery, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT data FROM gw_scheduled_deliveries WHERE status = $1 AND processing_at < $2
	`, string(scheduleddelivery.StatusProcessing), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduleddelivery.ScheduledDelivery
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d scheduleddelivery.ScheduledDelivery
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
