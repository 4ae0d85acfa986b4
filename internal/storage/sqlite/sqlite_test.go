package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

const testSchema = `
entities:
  - className: Operator
    columns:
      - {name: name, type: string, required: true, unique: true}
      - {name: icao_code, type: string, unique: true}
      - {name: active, type: boolean}
      - {name: founded, type: date}
  - className: EngineType
    columns:
      - {name: name, type: string, required: true, unique: true}
      - {name: super_type_id, references: EngineType, as: super_type}
      - {name: thrust, type: number}
  - className: Fleet
    columns:
      - {name: name, type: string, required: true, unique: true}
      - {name: operator_id, references: Operator, as: operator, required: true}
`

func openTestStore(t *testing.T) (*Store, *schema.Schema) {
	t.Helper()

	sch, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.EnsureSchema(context.Background(), sch))
	return s, sch
}

func entity(t *testing.T, sch *schema.Schema, name string) *schema.Entity {
	t.Helper()
	e, ok := sch.Entity(name)
	require.True(t, ok, "entity %s", name)
	return e
}

// =============================================================================
// Schema and sentinel
// =============================================================================

func TestEnsureSchema_CreatesSentinels(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()

	for _, e := range sch.Ordered() {
		n, err := s.Count(ctx, e)
		require.NoError(t, err)
		assert.Zero(t, n, "%s should only hold its sentinel", e.ClassName)
	}

	// idempotent
	require.NoError(t, s.EnsureSchema(ctx, sch))

	on, err := s.ReferenceChecks(ctx)
	require.NoError(t, err)
	assert.True(t, on, "reference checks must be restored after schema creation")
}

func TestRows_NormalizesValues(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()
	op := entity(t, sch, "Operator")

	err := s.Batch(ctx, op, storage.BatchOptions{}, func(w storage.Writer) error {
		_, err := w.Insert(ctx, op, storage.Row{
			"name": "Lufthansa", "icao_code": "DLH", "active": "yes", "founded": "01/06/1953",
		})
		return err
	})
	require.NoError(t, err)

	rows, err := s.Rows(ctx, op)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(2), row.ID())
	assert.Equal(t, "Lufthansa", row["name"])
	assert.Equal(t, true, row["active"])
	assert.Equal(t, "1953-01-06", row["founded"])
	assert.Equal(t, int64(0), row.QL())
}

// =============================================================================
// Writes
// =============================================================================

func TestReplace_SilentlyReplacesThroughUniqueColumn(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()
	op := entity(t, sch, "Operator")

	err := s.Batch(ctx, op, storage.BatchOptions{}, func(w storage.Writer) error {
		if _, err := w.Replace(ctx, op, storage.Row{"name": "Lufthansa", "icao_code": "DLH"}); err != nil {
			return err
		}
		_, err := w.Replace(ctx, op, storage.Row{"name": "Lufthansa Group", "icao_code": "DLH"})
		return err
	})
	require.NoError(t, err)

	n, err := s.Count(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "second replace overwrote the first through icao_code")
}

func TestInsert_DanglingReferenceFails(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()
	fleet := entity(t, sch, "Fleet")

	var insertErr error
	err := s.Batch(ctx, fleet, storage.BatchOptions{}, func(w storage.Writer) error {
		_, insertErr = w.Insert(ctx, fleet, storage.Row{"name": "Ghost", "operator_id": int64(99)})
		return nil
	})
	require.NoError(t, err)
	require.Error(t, insertErr)
	assert.Contains(t, insertErr.Error(), "FOREIGN KEY")
}

func TestBatch_DisableReferenceChecksIsScoped(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()
	et := entity(t, sch, "EngineType")

	err := s.Batch(ctx, et, storage.BatchOptions{DisableReferenceChecks: true}, func(w storage.Writer) error {
		// forward reference to a row inserted next
		_, err := w.Insert(ctx, et, storage.Row{"name": "CFM56-5B", "super_type_id": int64(3)})
		if err != nil {
			return err
		}
		_, err = w.Insert(ctx, et, storage.Row{"name": "CFM56"})
		return err
	})
	require.NoError(t, err)

	on, err := s.ReferenceChecks(ctx)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestBatch_DisableReferenceChecksRestoredOnError(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()
	et := entity(t, sch, "EngineType")
	fleet := entity(t, sch, "Fleet")

	boom := errors.New("boom")
	err := s.Batch(ctx, et, storage.BatchOptions{DisableReferenceChecks: true}, func(w storage.Writer) error {
		if _, err := w.Insert(ctx, et, storage.Row{"name": "CFM56-5B", "super_type_id": int64(42)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	on, err := s.ReferenceChecks(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	n, err := s.Count(ctx, et)
	require.NoError(t, err)
	assert.Zero(t, n, "failed batch rolls back")

	// enforcement is back for the next batch
	var insertErr error
	require.NoError(t, s.Batch(ctx, fleet, storage.BatchOptions{}, func(w storage.Writer) error {
		_, insertErr = w.Insert(ctx, fleet, storage.Row{"name": "Ghost", "operator_id": int64(99)})
		return nil
	}))
	assert.Error(t, insertErr)
}

func TestDelete(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()
	op := entity(t, sch, "Operator")

	err := s.Batch(ctx, op, storage.BatchOptions{}, func(w storage.Writer) error {
		id, err := w.Insert(ctx, op, storage.Row{"name": "Eurowings"})
		if err != nil {
			return err
		}
		return w.Delete(ctx, op, id)
	})
	require.NoError(t, err)

	n, err := s.Count(ctx, op)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = s.Batch(ctx, op, storage.BatchOptions{}, func(w storage.Writer) error {
		return w.Delete(ctx, op, storage.SentinelID)
	})
	assert.ErrorIs(t, err, storage.ErrNoRows, "sentinel is never deleted")
}

func TestUpdateAndFindID(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()
	op := entity(t, sch, "Operator")

	var id int64
	err := s.Batch(ctx, op, storage.BatchOptions{}, func(w storage.Writer) error {
		var err error
		id, err = w.Insert(ctx, op, storage.Row{"name": "Eurowings", "icao_code": "EWG"})
		if err != nil {
			return err
		}
		return w.Update(ctx, op, id, storage.Row{"active": true})
	})
	require.NoError(t, err)

	found, ok, err := s.FindID(ctx, op, storage.Row{"icao_code": "EWG"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, found)

	_, ok, err = s.FindID(ctx, op, storage.Row{"name": storage.SentinelLabel})
	require.NoError(t, err)
	assert.False(t, ok, "sentinel must never be found")

	err = s.Batch(ctx, op, storage.BatchOptions{}, func(w storage.Writer) error {
		return w.Update(ctx, op, 404, storage.Row{"active": false})
	})
	assert.ErrorIs(t, err, storage.ErrNoRows)
}

func TestClear_KeepsSentinelAndCountsReferences(t *testing.T) {
	s, sch := openTestStore(t)
	ctx := context.Background()
	op := entity(t, sch, "Operator")
	fleet := entity(t, sch, "Fleet")

	var opID int64
	require.NoError(t, s.Batch(ctx, op, storage.BatchOptions{}, func(w storage.Writer) error {
		var err error
		opID, err = w.Insert(ctx, op, storage.Row{"name": "Lufthansa"})
		return err
	}))
	require.NoError(t, s.Batch(ctx, fleet, storage.BatchOptions{}, func(w storage.Writer) error {
		_, err := w.Insert(ctx, fleet, storage.Row{"name": "DLH-A320", "operator_id": opID})
		return err
	}))

	refs, err := s.CountReferences(ctx, fleet, "operator_id", opID)
	require.NoError(t, err)
	assert.Equal(t, 1, refs)

	_, err = s.Clear(ctx, op, storage.BatchOptions{})
	require.Error(t, err, "clearing a referenced parent with checks on must fail")

	deleted, err := s.Clear(ctx, op, storage.BatchOptions{DisableReferenceChecks: true})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	n, err := s.Count(ctx, op)
	require.NoError(t, err)
	assert.Zero(t, n)

	// sentinel survived: a row pointing at it is still valid
	require.NoError(t, s.Batch(ctx, fleet, storage.BatchOptions{}, func(w storage.Writer) error {
		_, err := w.Insert(ctx, fleet, storage.Row{"name": "Orphan", "operator_id": storage.SentinelID})
		return err
	}))
}
