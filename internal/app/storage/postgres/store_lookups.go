package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/integration-gateway/internal/app/domain/lookup"
)

func (s *Store) UpsertLookup(ctx context.Context, l lookup.Lookup) (lookup.Lookup, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gw_lookups (id, tenant_id, org_unit_id, type, source_code, target_code, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, org_unit_id, type, source_code) WHERE active
		DO UPDATE SET target_code = EXCLUDED.target_code, updated_at = EXCLUDED.updated_at
	`, l.ID, l.TenantID, l.OrgUnitID, l.Type, l.SourceCode, l.TargetCode, l.Active, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return lookup.Lookup{}, err
	}
	return l, nil
}

func (s *Store) FindLookup(ctx context.Context, tenantID, orgUnitID, lookupType, sourceCode string) (lookup.Lookup, bool, error) {
	var l lookup.Lookup
	err := s.db.QueryRowxContext(ctx, `
		SELECT id, tenant_id, org_unit_id, type, source_code, target_code, active, created_at, updated_at
		FROM gw_lookups
		WHERE tenant_id = $1 AND org_unit_id = $2 AND type = $3 AND source_code = $4 AND active
	`, tenantID, orgUnitID, lookupType, sourceCode).Scan(&l.ID, &l.TenantID, &l.OrgUnitID, &l.Type, &l.SourceCode, &l.TargetCode, &l.Active, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return lookup.Lookup{}, false, nil
	}
	if err != nil {
		return lookup.Lookup{}, false, err
	}
	return l, true, nil
}
