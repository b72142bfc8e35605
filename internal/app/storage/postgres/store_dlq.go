package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/integration-gateway/internal/app/domain/dlq"
)

func (s *Store) CreateEntry(ctx context.Context, e dlq.Entry) (dlq.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gw_dlq_entries (id, log_id, rule_id, tenant_id, error_category, error_code, error_message, retry_count, next_retry_at, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.LogID, e.RuleID, e.TenantID, e.ErrorCategory, e.ErrorCode, e.ErrorMessage, e.RetryCount, toNullTime(e.NextRetryAt), toNullTime(e.ResolvedAt), e.CreatedAt)
	if err != nil {
		return dlq.Entry{}, err
	}
	return e, nil
}

func (s *Store) UpdateEntry(ctx context.Context, e dlq.Entry) (dlq.Entry, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_dlq_entries
		SET retry_count = $2, next_retry_at = $3, resolved_at = $4
		WHERE id = $1
	`, e.ID, e.RetryCount, toNullTime(e.NextRetryAt), toNullTime(e.ResolvedAt))
	if err != nil {
		return dlq.Entry{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return dlq.Entry{}, sql.ErrNoRows
	}
	return s.GetEntry(ctx, e.ID)
}

func (s *Store) GetEntry(ctx context.Context, id string) (dlq.Entry, error) {
	var (
		e           dlq.Entry
		nextRetryAt sql.NullTime
		resolvedAt  sql.NullTime
	)
	err := s.db.QueryRowxContext(ctx, `
		SELECT id, log_id, rule_id, tenant_id, error_category, error_code, error_message, retry_count, next_retry_at, resolved_at, created_at
		FROM gw_dlq_entries WHERE id = $1
	`, id).Scan(&e.ID, &e.LogID, &e.RuleID, &e.TenantID, &e.ErrorCategory, &e.ErrorCode, &e.ErrorMessage, &e.RetryCount, &nextRetryAt, &resolvedAt, &e.CreatedAt)
	if err != nil {
		return dlq.Entry{}, err
	}
	if nextRetryAt.Valid {
		e.NextRetryAt = nextRetryAt.Time.UTC()
	}
	if resolvedAt.Valid {
		e.ResolvedAt = resolvedAt.Time.UTC()
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID string, limit int) ([]dlq.Entry, error) {
	query := `
		SELECT id, log_id, rule_id, tenant_id, error_category, error_code, error_message, retry_count, next_retry_at, resolved_at, created_at
		FROM gw_dlq_entries
		WHERE $1 = '' OR tenant_id = $1
		ORDER BY created_at DESC`
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

	var out []dlq.Entry
	for rows.Next() {
		var (
			e           dlq.Entry
			nextRetryAt sql.NullTime
			resolvedAt  sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.LogID, &e.RuleID, &e.TenantID, &e.ErrorCategory, &e.ErrorCode, &e.ErrorMessage, &e.RetryCount, &nextRetryAt, &resolvedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		if nextRetryAt.Valid {
			e.NextRetryAt = nextRetryAt.Time.UTC()
		}
		if resolvedAt.Valid {
			e.ResolvedAt = resolvedAt.Time.UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
