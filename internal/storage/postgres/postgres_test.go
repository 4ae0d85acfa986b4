package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

const testSchema = `
entities:
  - className: Operator
    columns:
      - {name: name, type: string, required: true, unique: true}
      - {name: icao_code, type: string, unique: true}
      - {name: founded, type: date}
  - className: EngineType
    columns:
      - {name: name, type: string, required: true, unique: true}
      - {name: super_type_id, references: EngineType, as: super_type}
`

func startPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("reconcile"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := Connect(ctx, PoolConfig{URL: dsn, MaxConns: 4})
	require.NoError(t, err)
	s := New(pool)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	sch, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx, sch))
	require.NoError(t, s.EnsureSchema(ctx, sch), "second call must skip existing constraints")

	op, _ := sch.Entity("Operator")
	et, _ := sch.Entity("EngineType")

	var failed error
	err = s.Batch(ctx, op, storage.BatchOptions{}, func(w storage.Writer) error {
		if _, err := w.Insert(ctx, op, storage.Row{"name": "Lufthansa", "icao_code": "DLH", "founded": "1953-01-06"}); err != nil {
			return err
		}
		// duplicate name fails but the transaction stays usable
		_, failed = w.Insert(ctx, op, storage.Row{"name": "Lufthansa"})
		_, err := w.Replace(ctx, op, storage.Row{"name": "Lufthansa Group", "icao_code": "DLH"})
		return err
	})
	require.NoError(t, err)
	require.Error(t, failed)

	rows, err := s.Rows(ctx, op)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Lufthansa Group", rows[0]["name"])
	assert.Nil(t, rows[0]["founded"], "replace overwrote the whole row")

	err = s.Batch(ctx, et, storage.BatchOptions{DisableReferenceChecks: true}, func(w storage.Writer) error {
		_, err := w.Insert(ctx, et, storage.Row{"name": "CFM56-5B", "super_type_id": int64(500)})
		return err
	})
	require.NoError(t, err, "dangling reference accepted while checks are off")

	err = s.Batch(ctx, et, storage.BatchOptions{}, func(w storage.Writer) error {
		_, err := w.Insert(ctx, et, storage.Row{"name": "PW1100G", "super_type_id": int64(501)})
		return err
	})
	require.Error(t, err, "checks are back on after the scoped batch")

	on, err := s.ReferenceChecks(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	deleted, err := s.Clear(ctx, et, storage.BatchOptions{DisableReferenceChecks: true})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
