package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
)

func (s *Store) CreateLog(ctx context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(l)
	if err != nil {
		return executionlog.ExecutionLog{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_execution_logs (id, tenant_id, rule_id, status, should_retry, attempt_count, last_attempt_at, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, l.ID, l.TenantID, l.RuleID, string(l.Status), l.ShouldRetry, l.AttemptCount, toNullTime(l.LastAttemptAt), data, l.CreatedAt)
	if err != nil {
		return executionlog.ExecutionLog{}, err
	}
	return l, nil
}

func (s *Store) UpdateLog(ctx context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error) {
	existing, err := s.GetLog(ctx, l.ID)
	if err != nil {
		return executionlog.ExecutionLog{}, err
	}
	l.CreatedAt = existing.CreatedAt

	data, err := json.Marshal(l)
	if err != nil {
		return executionlog.ExecutionLog{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_execution_logs
		SET status = $2, should_retry = $3, attempt_count = $4, last_attempt_at = $5, data = $6
		WHERE id = $1
	`, l.ID, string(l.Status), l.ShouldRetry, l.AttemptCount, toNullTime(l.LastAttemptAt), data)
	if err != nil {
		return executionlog.ExecutionLog{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return executionlog.ExecutionLog{}, sql.ErrNoRows
	}
	return l, nil
}

func (s *Store) GetLog(ctx context.Context, id string) (executionlog.ExecutionLog, error) {
	var data []byte
	err := s.db.QueryRowxContext(ctx, `SELECT data FROM gw_execution_logs WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return executionlog.ExecutionLog{}, err
	}
	var l executionlog.ExecutionLog
	if err := json.Unmarshal(data, &l); err != nil {
		return executionlog.ExecutionLog{}, fmt.Errorf("decode execution log %s: %w", id, err)
	}
	return l, nil
}

func (s *Store) ListLogs(ctx context.Context, f storage.LogFilter) ([]executionlog.ExecutionLog, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = "+arg(f.TenantID))
	}
	if f.RuleID != "" {
		clauses = append(clauses, "rule_id = "+arg(f.RuleID))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = "+arg(string(f.Status)))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at <= "+arg(f.Until))
	}

	query := "SELECT data FROM gw_execution_logs"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []executionlog.ExecutionLog
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l executionlog.ExecutionLog
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ListRetryable(ctx context.Context, olderThan time.Time, limit int) ([]executionlog.ExecutionLog, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT data FROM gw_execution_logs
		WHERE status IN ($1, $2) AND should_retry AND last_attempt_at <= $3
		ORDER BY last_attempt_at
		LIMIT $4
	`, string(executionlog.StatusFailed), string(executionlog.StatusRetrying), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []executionlog.ExecutionLog
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l executionlog.ExecutionLog
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ListStuckRetrying(ctx context.Context, before time.Time) ([]executionlog.ExecutionLog, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT data FROM gw_execution_logs WHERE status = $1 AND last_attempt_at < $2
	`, string(executionlog.StatusRetrying), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []executionlog.ExecutionLog
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l executionlog.ExecutionLog
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
