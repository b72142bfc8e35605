package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/domain/processedevent"
)

func TestTryInsertReturnsFalseOnConflict(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := &Store{db: sqlx.NewDb(mockDB, "sqlmock")}
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO gw_processed_events").
		WithArgs("fp-1", "tenant-1", "order.created", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT processed_at FROM gw_processed_events").
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"processed_at"}).AddRow(now.Add(-time.Hour)))

	ok, err := store.TryInsert(context.Background(), processedevent.ProcessedEvent{
		Fingerprint: "fp-1",
		TenantID:    "tenant-1",
		EventType:   "order.created",
		ProcessedAt: now,
	})
	require.NoError(t, err)
	require.False(t, ok, "a mismatched processed_at means another row already owns the fingerprint")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryInsertReturnsTrueOnFirstAcceptance(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := &Store{db: sqlx.NewDb(mockDB, "sqlmock")}
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO gw_processed_events").
		WithArgs("fp-2", "tenant-1", "order.created", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT processed_at FROM gw_processed_events").
		WithArgs("fp-2").
		WillReturnRows(sqlmock.NewRows([]string{"processed_at"}).AddRow(now))

	ok, err := store.TryInsert(context.Background(), processedevent.ProcessedEvent{
		Fingerprint: "fp-2",
		TenantID:    "tenant-1",
		EventType:   "order.created",
		ProcessedAt: now,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
