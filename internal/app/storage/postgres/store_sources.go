package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/integration-gateway/internal/app/domain/checkpoint"
	"github.com/r3e-network/integration-gateway/internal/app/domain/eventsource"
)

func (s *Store) CreateEventSourceConfig(ctx context.Context, cfg eventsource.EventSourceConfig) (eventsource.EventSourceConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	data, err := json.Marshal(cfg)
	if err != nil {
		return eventsource.EventSourceConfig{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_event_source_configs (id, tenant_id, kind, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cfg.ID, cfg.TenantID, cfg.Kind, data, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return eventsource.EventSourceConfig{}, err
	}
	return cfg, nil
}

func (s *Store) ListEventSourceConfigs(ctx context.Context) ([]eventsource.EventSourceConfig, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT data FROM gw_event_source_configs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventsource.EventSourceConfig
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var cfg eventsource.EventSourceConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode event source config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// --- CheckpointStore -----------------------------------------------------------

func (s *Store) GetCheckpoint(ctx context.Context, sourceKind, sourceName, tenantID string) (checkpoint.SourceCheckpoint, bool, error) {
	var cp checkpoint.SourceCheckpoint
	err := s.db.QueryRowxContext(ctx, `
		SELECT source_kind, source_name, tenant_id, position, updated_at
		FROM gw_checkpoints WHERE source_kind = $1 AND source_name = $2 AND tenant_id = $3
	`, sourceKind, sourceName, tenantID).Scan(&cp.SourceKind, &cp.SourceName, &cp.TenantID, &cp.LastProcessedPosition, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return checkpoint.SourceCheckpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.SourceCheckpoint{}, false, err
	}
	return cp, true, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp checkpoint.SourceCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gw_checkpoints (source_kind, source_name, tenant_id, position, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_kind, source_name, tenant_id)
		DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at
	`, cp.SourceKind, cp.SourceName, cp.TenantID, cp.LastProcessedPosition, cp.UpdatedAt)
	return err
}
