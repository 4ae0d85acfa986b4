package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
	"github.com/JonMunkholm/reconcile/internal/storage/sqlite"
	"github.com/JonMunkholm/reconcile/internal/validation"
)

const (
	seedOperators = `[
  {"name": "Lufthansa", "icao_code": "DLH", "country": "DE", "founded": "1953-01-06",
   "hq": {"lat": 50.05, "lon": 8.57}, "profile": {"alliance": "Star"}},
  {"name": "Condor", "icao_code": "CFG", "country": "DE"}
]`
	seedAircraftTypes = `[
  {"manufacturer": "Airbus", "model": "A320-neo", "seats": 180},
  {"manufacturer": "Airbus", "model": "A321-neo", "seats": 220},
  {"manufacturer": "Boeing", "model": "757-300", "seats": 275}
]`
	seedEngineTypes = `[
  {"name": "CFM LEAP", "thrust_kn": 130},
  {"name": "PW1100G", "super_type": "CFM LEAP", "thrust_kn": 120.5}
]`
	seedFleet = `[
  {"registration": "D-AINA", "operator": "Lufthansa", "aircraft_type": "Airbus-A320-neo", "engine_type": "PW1100G"},
  {"registration": "D-ABOC", "operator": "CFG", "aircraft_type": "Boeing-757-300", "first_flight": "1999-03-01"}
]`
)

type testEnv struct {
	svc    *Service
	store  *sqlite.Store
	schema *schema.Schema

	seedDir   string
	importDir string
	backupDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sch, err := schema.LoadFile(filepath.Join("testdata", "schema.yaml"))
	require.NoError(t, err)
	return newTestEnvWith(t, sch)
}

func newTestEnvWith(t *testing.T, sch *schema.Schema) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), sch))

	env := &testEnv{
		store:     store,
		schema:    sch,
		seedDir:   filepath.Join(dir, "seed"),
		importDir: filepath.Join(dir, "import"),
		backupDir: filepath.Join(dir, "backup"),
	}
	env.svc = NewService(store, sch, validation.New(sch), nil, nil, Options{
		SeedDir:       env.seedDir,
		ImportDir:     env.importDir,
		BackupDir:     env.backupDir,
		OperationWait: time.Second,
	})
	return env
}

func writeSource(t *testing.T, dir, entity, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, entity+".json"), []byte(body), 0o644))
}

func (env *testEnv) writeSeeds(t *testing.T) {
	t.Helper()
	writeSource(t, env.seedDir, "Operator", seedOperators)
	writeSource(t, env.seedDir, "AircraftType", seedAircraftTypes)
	writeSource(t, env.seedDir, "EngineType", seedEngineTypes)
	writeSource(t, env.seedDir, "Fleet", seedFleet)
}

func (env *testEnv) entity(t *testing.T, name string) *schema.Entity {
	t.Helper()
	e, ok := env.schema.Entity(name)
	require.True(t, ok, "entity %s", name)
	return e
}

func (env *testEnv) rows(t *testing.T, name string) []storage.Row {
	t.Helper()
	rows, err := env.store.Rows(context.Background(), env.entity(t, name))
	require.NoError(t, err)
	return rows
}

// rowBy returns the row whose col equals value.
func (env *testEnv) rowBy(t *testing.T, name, col string, value any) storage.Row {
	t.Helper()
	for _, r := range env.rows(t, name) {
		if r[col] == value {
			return r
		}
	}
	t.Fatalf("%s: no row with %s = %v", name, col, value)
	return nil
}

func resultFor(t *testing.T, res *BatchResult, entity string) *LoadResult {
	t.Helper()
	for _, r := range res.Entities {
		if r.Entity == entity {
			return r
		}
	}
	t.Fatalf("no result for %s", entity)
	return nil
}

// =============================================================================
// Loading
// =============================================================================

func TestLoadAll_CleanSeed(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	res, err := env.svc.LoadAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)
	require.Len(t, res.Entities, 4)
	assert.Empty(t, res.Missing)

	loaded, updated, skipped := res.Totals()
	assert.Equal(t, 9, loaded)
	assert.Zero(t, updated)
	assert.Zero(t, skipped)

	lh := env.rowBy(t, "Operator", "name", "Lufthansa")
	condor := env.rowBy(t, "Operator", "name", "Condor")
	a320 := env.rowBy(t, "AircraftType", "model", "A320-neo")
	pw := env.rowBy(t, "EngineType", "name", "PW1100G")
	leap := env.rowBy(t, "EngineType", "name", "CFM LEAP")

	assert.Equal(t, 50.05, lh["hq_lat"])
	assert.Equal(t, 8.57, lh["hq_lon"])
	assert.Equal(t, "1953-01-06", lh["founded"])
	assert.JSONEq(t, `{"alliance":"Star"}`, lh["profile"].(string))

	assert.Equal(t, leap.ID(), pw["super_type_id"], "self-reference resolves within the batch")

	aina := env.rowBy(t, "Fleet", "registration", "D-AINA")
	assert.Equal(t, lh.ID(), aina["operator_id"])
	assert.Equal(t, a320.ID(), aina["aircraft_type_id"])
	assert.Equal(t, pw.ID(), aina["engine_type_id"])
	assert.Equal(t, "active", aina["status"], "default applied on insert")
	assert.Equal(t, int64(0), aina.QL())

	boc := env.rowBy(t, "Fleet", "registration", "D-ABOC")
	assert.Equal(t, condor.ID(), boc["operator_id"], "secondary label resolves")
	assert.Nil(t, boc["engine_type_id"])

	runs := env.svc.Runs().List(0)
	require.Len(t, runs, 1)
	assert.Equal(t, OpLoadAll, runs[0].Operation)
	assert.Equal(t, "ok", runs[0].Status)
	assert.Equal(t, 9, runs[0].Loaded)
	assert.Equal(t, res.RunID, runs[0].ID)

	on, err := env.store.ReferenceChecks(ctx)
	require.NoError(t, err)
	assert.True(t, on, "reference checks restored after self-referencing batch")
}

func TestLoadAll_MissingSeedFiles(t *testing.T) {
	env := newTestEnv(t)
	writeSource(t, env.seedDir, "Operator", seedOperators)

	res, err := env.svc.LoadAll(context.Background(), DefaultLoadOptions())
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.ElementsMatch(t, []string{"AircraftType", "EngineType", "Fleet"}, res.Missing)
}

func TestLoadEntity_UnknownEntity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.LoadEntity(context.Background(), "Spaceship", DefaultLoadOptions())
	assert.ErrorIs(t, err, ErrUnknownEntity)

	_, err = env.svc.LoadEntity(context.Background(), "Operator", DefaultLoadOptions())
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestUploadEntity_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.UploadEntity(context.Background(), "Operator", []byte(`{"name": "x"}`), DefaultLoadOptions())
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestUploadEntity_UnresolvedReferenceStandardMode(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	for _, name := range []string{"Operator", "AircraftType"} {
		_, err := env.svc.LoadEntity(ctx, name, DefaultLoadOptions())
		require.NoError(t, err)
	}

	payload := `[{"registration": "D-AINA", "operator": "Lufthansa", "aircraft_type": "Concorde"}]`
	res, err := env.svc.UploadEntity(ctx, "Fleet", []byte(payload), DefaultLoadOptions())
	require.NoError(t, err)

	assert.Zero(t, res.Loaded)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.FKErrors, 1)
	assert.Equal(t, FKError{Field: "aircraft_type", Value: "Concorde", TargetEntity: "AircraftType", Count: 1}, res.FKErrors[0])
	require.Len(t, res.RowErrors, 1)
	assert.Equal(t, 1, res.RowErrors[0].Row)
	assert.Empty(t, env.rows(t, "Fleet"))
}

func TestUploadEntity_QualityMode(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	for _, name := range []string{"Operator", "AircraftType"} {
		_, err := env.svc.LoadEntity(ctx, name, DefaultLoadOptions())
		require.NoError(t, err)
	}

	opts := DefaultLoadOptions()
	opts.AcceptQL = QLFKUnresolvable

	payload := `[
  {"registration": "D-AINA", "operator": "Lufthansa", "aircraft_type": "Concorde"},
  {"registration": "bad reg", "operator": "Lufthansa", "aircraft_type": "Concorde"},
  {"registration": "D-AINB", "operator": "Lufthansa", "aircraft_type": "Airbus-A321-neo"}
]`
	res, err := env.svc.UploadEntity(ctx, "Fleet", []byte(payload), opts)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Loaded)
	assert.Equal(t, 1, res.QualityAccepted)
	assert.Equal(t, 1, res.QualityRejected, "field rule bit is outside acceptQL")
	assert.Equal(t, 1, res.Skipped)

	flagged := env.rowBy(t, "Fleet", "registration", "D-AINA")
	assert.Equal(t, storage.SentinelID, flagged["aircraft_type_id"])
	assert.Equal(t, QLFKUnresolvable, flagged.QL())

	deficits, err := DecodeDeficits(flagged[storage.ColumnQD])
	require.NoError(t, err)
	require.Len(t, deficits, 1)
	assert.Equal(t, "aircraft_type_id", deficits[0].Field)
	assert.Equal(t, QLFKUnresolvable, deficits[0].Bit)
	assert.Equal(t, "Concorde", deficits[0].Value)

	clean := env.rowBy(t, "Fleet", "registration", "D-AINB")
	assert.Equal(t, int64(0), clean.QL())
	assert.Nil(t, clean[storage.ColumnQD])

	// ql and qd agree on every row
	for _, r := range env.rows(t, "Fleet") {
		assert.Equal(t, r.QL() == 0, r[storage.ColumnQD] == nil, "row %d", r.ID())
	}
}

func TestUploadEntity_QualityModeRequiredEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	opts := DefaultLoadOptions()
	opts.AcceptQL = QLRequiredEmpty

	res, err := env.svc.UploadEntity(ctx, "AircraftType", []byte(`[{"manufacturer": "Airbus", "seats": 150}]`), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.QualityAccepted)

	rows := env.rows(t, "AircraftType")
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0]["model"], "neutral value for a string column")
	assert.Equal(t, QLRequiredEmpty, rows[0].QL())
}

func TestLoadRecords_SelfReferenceForwardRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var b strings.Builder
	b.WriteString("[")
	for i := 1; i <= 10; i++ {
		if i > 1 {
			b.WriteString(",")
		}
		if i == 3 {
			b.WriteString(`{"name": "E3", "super_type": "E7"}`)
			continue
		}
		fmt.Fprintf(&b, `{"name": "E%d"}`, i)
	}
	b.WriteString("]")
	res, err := env.svc.UploadEntity(ctx, "EngineType", []byte(b.String()), DefaultLoadOptions())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Loaded)
	assert.Empty(t, res.FKErrors)

	e3 := env.rowBy(t, "EngineType", "name", "E3")
	e7 := env.rowBy(t, "EngineType", "name", "E7")
	assert.Equal(t, e7.ID(), e3["super_type_id"])

	// A dangling self-reference is still reported.
	opts := DefaultLoadOptions()
	opts.Mode = ModeMerge
	res, err = env.svc.UploadEntity(ctx, "EngineType", []byte(`[{"name": "E11", "super_type": "E99"}]`), opts)
	require.NoError(t, err)
	require.Len(t, res.FKErrors, 1)
	assert.Equal(t, "E99", res.FKErrors[0].Value)
	assert.Equal(t, 1, res.Loaded, "optional reference does not block the row")
	assert.Nil(t, env.rowBy(t, "EngineType", "name", "E11")["super_type_id"])

	// Stored rows resolve too.
	res, err = env.svc.UploadEntity(ctx, "EngineType", []byte(`[{"name": "E12", "super_type": "E3"}]`), opts)
	require.NoError(t, err)
	assert.Empty(t, res.FKErrors)
	assert.Equal(t, e3.ID(), env.rowBy(t, "EngineType", "name", "E12")["super_type_id"])

	// Enforcement is back on for the next entity.
	on, err := env.store.ReferenceChecks(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	fleet := env.entity(t, "Fleet")
	var insertErr error
	require.NoError(t, env.store.Batch(ctx, fleet, storage.BatchOptions{}, func(w storage.Writer) error {
		_, insertErr = w.Insert(ctx, fleet, storage.Row{"registration": "D-GHST", "operator_id": int64(99), "aircraft_type_id": int64(99)})
		return nil
	}))
	assert.Error(t, insertErr, "dangling reference outside a self-referencing batch must fail")
}

const nodeSchema = `
entities:
  - className: Node
    columns:
      - {name: name, type: string, required: true, unique: true}
      - {name: kind, type: string, required: true}
      - {name: parent_id, references: Node, as: parent, required: true}
`

func TestLoadRecords_RequiredSelfReferenceToSkippedRow(t *testing.T) {
	sch, err := schema.Parse([]byte(nodeSchema))
	require.NoError(t, err)
	ctx := context.Background()
	payload := []byte(`[
  {"name": "A", "kind": "k", "parent": "B"},
  {"name": "B", "parent": "A"},
  {"name": "C", "kind": "k", "parent": "A"},
  {"name": "D", "kind": "k", "parent": "E"},
  {"name": "E", "kind": "k", "parent": "D"}
]`)

	t.Run("standard mode drops the row and its dependents", func(t *testing.T) {
		env := newTestEnvWith(t, sch)
		res, err := env.svc.UploadEntity(ctx, "Node", payload, DefaultLoadOptions())
		require.NoError(t, err)

		assert.Equal(t, 2, res.Loaded)
		assert.Equal(t, 3, res.Skipped)
		require.NotEmpty(t, res.FKErrors)
		assert.Equal(t, "B", res.FKErrors[0].Value)

		rows := env.rows(t, "Node")
		require.Len(t, rows, 2)
		d := env.rowBy(t, "Node", "name", "D")
		e := env.rowBy(t, "Node", "name", "E")
		assert.Equal(t, e.ID(), d["parent_id"])
		assert.Equal(t, d.ID(), e["parent_id"])
		for _, r := range rows {
			assert.Zero(t, r.QL())
		}

		// nothing is lost through a backup round trip
		_, err = env.svc.BackupAll(ctx)
		require.NoError(t, err)
		restored, err := env.svc.RestoreBackup(ctx)
		require.NoError(t, err)
		lr := resultFor(t, restored, "Node")
		assert.Equal(t, 2, lr.Loaded)
		assert.Zero(t, lr.Skipped)
		assert.Equal(t, rows, env.rows(t, "Node"))
	})

	t.Run("quality mode flags the row", func(t *testing.T) {
		env := newTestEnvWith(t, sch)
		opts := DefaultLoadOptions()
		opts.AcceptQL = QLFKUnresolvable
		res, err := env.svc.UploadEntity(ctx, "Node", payload, opts)
		require.NoError(t, err)

		assert.Equal(t, 4, res.Loaded)
		assert.Equal(t, 1, res.QualityRejected, "B lacks the required kind")
		assert.Equal(t, 1, res.QualityAccepted)

		a := env.rowBy(t, "Node", "name", "A")
		assert.Equal(t, storage.SentinelID, a["parent_id"])
		assert.Equal(t, QLFKUnresolvable, a.QL())
		ds, err := DecodeDeficits(a["qd"])
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.Equal(t, "parent_id", ds[0].Field)

		c := env.rowBy(t, "Node", "name", "C")
		assert.Equal(t, a.ID(), c["parent_id"])
		assert.Zero(t, c.QL())
	})
}

func TestUploadEntity_FuzzyMatch(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	for _, name := range []string{"Operator", "AircraftType"} {
		_, err := env.svc.LoadEntity(ctx, name, DefaultLoadOptions())
		require.NoError(t, err)
	}

	payload := `[
  {"registration": "D-AINC", "operator": "lufthansa", "aircraft_type": "A320-neo"},
  {"registration": "D-AIND", "operator": "Lufthansa", "aircraft_type": "Airbus-neo"}
]`
	res, err := env.svc.UploadEntity(ctx, "Fleet", []byte(payload), DefaultLoadOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.FuzzyMatches, 1)
	assert.Equal(t, "A320-neo", res.FuzzyMatches[0].Value)
	assert.Equal(t, "Airbus-A320-neo", res.FuzzyMatches[0].Matched)

	require.Len(t, res.FKErrors, 1, "ambiguous fuzzy value is unresolved")
	assert.Equal(t, "Airbus-neo", res.FKErrors[0].Value)

	a320 := env.rowBy(t, "AircraftType", "model", "A320-neo")
	assert.Equal(t, a320.ID(), env.rowBy(t, "Fleet", "registration", "D-AINC")["aircraft_type_id"])
}

func TestLoadEntity_MergeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)
	before := env.rows(t, "Fleet")

	opts := DefaultLoadOptions()
	opts.Mode = ModeMerge
	for _, name := range []string{"Operator", "Fleet"} {
		res, err := env.svc.LoadEntity(ctx, name, opts)
		require.NoError(t, err)
		assert.Zero(t, res.Loaded, name)
		assert.Equal(t, res.Records, res.Updated, name)
	}

	res, err := env.svc.LoadEntity(ctx, "Operator", opts)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Lufthansa", "Condor"}, res.UpdatedKeys)
	assert.Equal(t, before, env.rows(t, "Fleet"))
}

func TestUploadEntity_MergeComposite(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadEntity(ctx, "AircraftType", DefaultLoadOptions())
	require.NoError(t, err)

	opts := DefaultLoadOptions()
	opts.Mode = ModeMerge
	res, err := env.svc.UploadEntity(ctx, "AircraftType", []byte(`[{"manufacturer": "Airbus", "model": "A321-neo", "seats": 244}]`), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"Airbus|A321-neo"}, res.UpdatedKeys)
	assert.Equal(t, int64(244), env.rowBy(t, "AircraftType", "model", "A321-neo")["seats"])
}

func TestUploadEntity_SkipConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadEntity(ctx, "Operator", DefaultLoadOptions())
	require.NoError(t, err)

	opts := DefaultLoadOptions()
	opts.Mode = ModeSkipConflicts
	payload := `[{"name": "Lufthansa", "country": "XX"}, {"name": "Eurowings", "icao_code": "EWG"}]`
	res, err := env.svc.UploadEntity(ctx, "Operator", []byte(payload), opts)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "DE", env.rowBy(t, "Operator", "name", "Lufthansa")["country"])
	assert.Len(t, env.rows(t, "Operator"), 3)
}

func TestUploadEntity_ReplaceCountsSilentReplacements(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadEntity(ctx, "Operator", DefaultLoadOptions())
	require.NoError(t, err)

	payload := `[{"name": "Lufthansa", "icao_code": "DLH"}, {"name": "Eurowings", "icao_code": "EWG"}]`
	res, err := env.svc.UploadEntity(ctx, "Operator", []byte(payload), DefaultLoadOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 1, res.Replaced)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "silently replaced")
	assert.Len(t, env.rows(t, "Operator"), 3)
}

func TestUploadEntity_DuplicatesWithinBatch(t *testing.T) {
	env := newTestEnv(t)
	opts := DefaultLoadOptions()
	opts.Mode = ModeSkipConflicts

	payload := `[{"name": "Condor", "icao_code": "CFG"}, {"name": "Condor", "icao_code": "CFX"}]`
	res, err := env.svc.UploadEntity(context.Background(), "Operator", []byte(payload), opts)
	require.NoError(t, err)

	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, Duplicate{Key: "name", Value: "Condor", Row: 2, FirstAt: 1}, res.Duplicates[0])
	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 1, res.Skipped)
}

func TestUploadEntity_FieldRules(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()
	for _, name := range []string{"Operator", "AircraftType"} {
		_, err := env.svc.LoadEntity(ctx, name, DefaultLoadOptions())
		require.NoError(t, err)
	}

	payload := `[{"registration": "D-AINE", "operator": "Lufthansa", "aircraft_type": "Airbus-A320-neo",
  "first_flight": "2020-05-01", "retired_on": "2019-01-01"}]`

	tests := []struct {
		name        string
		skipInvalid bool
		wantLoaded  int
	}{
		{"skip invalid drops the row", true, 0},
		{"warn only keeps the row", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultLoadOptions()
			opts.SkipInvalid = tt.skipInvalid
			res, err := env.svc.UploadEntity(ctx, "Fleet", []byte(payload), opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLoaded, res.Loaded)
			if !tt.skipInvalid {
				assert.NotEmpty(t, res.Warnings)
			}
		})
	}
}

// =============================================================================
// Clearing
// =============================================================================

func TestClearEntity_KeepsSentinelAndChecksReferences(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)

	_, err = env.svc.ClearEntity(ctx, "Operator")
	assert.Error(t, err, "fleet rows still reference operators")

	n, err := env.svc.ClearEntity(ctx, "Fleet")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, found, err := env.store.FindID(ctx, env.entity(t, "Fleet"), storage.Row{"registration": storage.SentinelLabel})
	require.NoError(t, err)
	assert.False(t, found, "FindID never returns the sentinel")

	res, err := env.svc.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cleared["Operator"])
	for _, e := range env.schema.Ordered() {
		assert.Empty(t, env.rows(t, e.ClassName))
	}
}

func TestResetAll(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)
	_, err = env.svc.UploadEntity(ctx, "Operator", []byte(`[{"name": "Eurowings"}]`), DefaultLoadOptions())
	require.NoError(t, err)

	res, err := env.svc.ResetAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Cleared["Operator"])
	assert.Equal(t, OpResetAll, res.Operation)
	assert.Len(t, env.rows(t, "Operator"), 2)

	runs := env.svc.Runs().List(1)
	require.Len(t, runs, 1)
	assert.Equal(t, SeverityCritical, runs[0].Severity)
}

// =============================================================================
// Backup and restore
// =============================================================================

func TestBackupRestore_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)

	before := make(map[string][]storage.Row)
	for _, e := range env.schema.Ordered() {
		before[e.ClassName] = env.rows(t, e.ClassName)
	}

	backup, err := env.svc.BackupAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Operator": 2, "AircraftType": 3, "EngineType": 2, "Fleet": 2}, backup.Files)
	assert.Empty(t, backup.Warnings)

	fleet, err := ReadSource(env.backupDir, env.entity(t, "Fleet"))
	require.NoError(t, err)
	require.Len(t, fleet, 2)
	assert.Equal(t, "Lufthansa", fleet[0]["operator"])
	assert.Equal(t, "Airbus-A320-neo", fleet[0]["aircraft_type"])
	assert.NotContains(t, fleet[0], "operator_id")

	operators, err := ReadSource(env.backupDir, env.entity(t, "Operator"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lat": 50.05, "lon": 8.57}, operators[0]["hq"])
	assert.Equal(t, map[string]any{"alliance": "Star"}, operators[0]["profile"])
	assert.NotContains(t, operators[0], "hq_lat")

	_, err = env.svc.ClearAll(ctx)
	require.NoError(t, err)

	res, err := env.svc.RestoreBackup(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Missing)
	for _, lr := range res.Entities {
		assert.Empty(t, lr.FKErrors, lr.Entity)
		assert.Zero(t, lr.Skipped, lr.Entity)
	}

	for _, e := range env.schema.Ordered() {
		assert.Equal(t, before[e.ClassName], env.rows(t, e.ClassName), e.ClassName)
	}
}

func TestBackupRestore_LabelCollidesWithSecondary(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadEntity(ctx, "AircraftType", DefaultLoadOptions())
	require.NoError(t, err)
	_, err = env.svc.UploadEntity(ctx, "Operator",
		[]byte(`[{"name": "Alpha", "icao_code": "BETA"}, {"name": "BETA", "icao_code": "BB"}]`), DefaultLoadOptions())
	require.NoError(t, err)
	_, err = env.svc.UploadEntity(ctx, "Fleet",
		[]byte(`[{"registration": "D-AINA", "operator": "BETA", "aircraft_type": "Airbus-A320-neo"}]`), DefaultLoadOptions())
	require.NoError(t, err)

	beta := env.rowBy(t, "Operator", "name", "BETA")
	require.Equal(t, beta.ID(), env.rowBy(t, "Fleet", "registration", "D-AINA")["operator_id"])

	_, err = env.svc.BackupAll(ctx)
	require.NoError(t, err)
	_, err = env.svc.RestoreBackup(ctx)
	require.NoError(t, err)

	assert.Equal(t, beta.ID(), env.rowBy(t, "Fleet", "registration", "D-AINA")["operator_id"])
}

func TestBackupAll_SkipsFlaggedRows(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	for _, name := range []string{"Operator", "AircraftType"} {
		_, err := env.svc.LoadEntity(ctx, name, DefaultLoadOptions())
		require.NoError(t, err)
	}
	opts := DefaultLoadOptions()
	opts.AcceptQL = QLFKUnresolvable
	_, err := env.svc.UploadEntity(ctx, "Fleet", []byte(`[{"registration": "D-AINA", "operator": "Nobody", "aircraft_type": "Airbus-A320-neo"}]`), opts)
	require.NoError(t, err)
	require.Len(t, env.rows(t, "Fleet"), 1)

	res, err := env.svc.BackupAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, res.Files, "Fleet")
	_, err = os.Stat(filepath.Join(env.backupDir, "Fleet.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRestoreEntity_PreservesBackReferences(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)
	_, err = env.svc.BackupAll(ctx)
	require.NoError(t, err)
	before := env.rows(t, "Operator")

	_, err = env.svc.UploadEntity(ctx, "Operator", []byte(`[{"name": "Eurowings"}]`), DefaultLoadOptions())
	require.NoError(t, err)

	res, err := env.svc.RestoreEntity(ctx, "Operator")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Loaded)
	assert.Equal(t, before, env.rows(t, "Operator"))

	lh := env.rowBy(t, "Operator", "name", "Lufthansa")
	assert.Equal(t, lh.ID(), env.rowBy(t, "Fleet", "registration", "D-AINA")["operator_id"])
}

func TestRestoreBackup_MissingDir(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.RestoreBackup(context.Background())
	assert.ErrorIs(t, err, ErrSourceNotFound)

	runs := env.svc.Runs().List(0)
	require.Len(t, runs, 1)
	assert.Equal(t, "error", runs[0].Status)
}

// =============================================================================
// Validation, conflicts and status
// =============================================================================

func TestValidateImport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeSource(t, env.seedDir, "Operator", seedOperators)
	writeSource(t, env.seedDir, "AircraftType", seedAircraftTypes)
	writeSource(t, env.seedDir, "EngineType", seedEngineTypes)
	writeSource(t, env.seedDir, "Fleet", `[{"registration": "D-AINA", "operator": "Lufthansa", "aircraft_type": "Airbus-A320-neo"}]`)
	_, err := env.svc.LoadAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)

	writeSource(t, env.importDir, "Operator", `[
  {"name": "Lufthansa", "icao_code": "DLH"},
  {"name": "Condor", "icao_code": "CFG"},
  {"name": "Discover", "icao_code": "OCN"},
  {"name": "Discover", "icao_code": "OCX"}
]`)
	writeSource(t, env.importDir, "Fleet", `[
  {"registration": "D-AIUA", "operator": "Discover", "aircraft_type": "Airbus-A321-neo"},
  {"registration": "D-AIUB", "operator": "Nobody", "aircraft_type": "Airbus-A321-neo"}
]`)

	report, err := env.svc.ValidateImport(ctx, "", DefaultLoadOptions())
	require.NoError(t, err)
	assert.True(t, report.Ready)
	require.Len(t, report.Entities, 2)

	ops := report.Entities[0]
	assert.Equal(t, "Operator", ops.Entity)
	assert.Equal(t, 4, ops.Records)
	assert.Equal(t, 1, ops.Benign, "Condor has no dependents")
	assert.Equal(t, 1, ops.WithDependents, "Lufthansa is referenced by the fleet")
	require.Len(t, ops.Conflicts, 1)
	assert.Equal(t, "Lufthansa", ops.Conflicts[0].Value)
	assert.Equal(t, 1, ops.Conflicts[0].BackReferences)
	require.Len(t, ops.Duplicates, 1)
	assert.Equal(t, "Discover", ops.Duplicates[0].Value)

	fleet := report.Entities[1]
	assert.Equal(t, "Fleet", fleet.Entity)
	require.Len(t, fleet.FKErrors, 1, "pending operators resolve, unknown ones do not")
	assert.Equal(t, "Nobody", fleet.FKErrors[0].Value)
	require.Len(t, fleet.Invalid, 1)
	assert.Equal(t, 2, fleet.Invalid[0].Row)

	// dry run
	assert.Len(t, env.rows(t, "Operator"), 2)
	assert.Len(t, env.rows(t, "Fleet"), 1)
}

func TestImportAll_RefusesWhenNotReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeSource(t, env.importDir, "Fleet", seedFleet)

	res, report, err := env.svc.ImportAll(ctx, LoadOptions{})
	assert.ErrorIs(t, err, ErrImportNotReady)
	assert.Nil(t, res)
	require.NotNil(t, report)
	assert.False(t, report.Ready)
	require.Len(t, report.Entities, 1)
	assert.Contains(t, report.Entities[0].Missing, "Operator")
	assert.Contains(t, report.Entities[0].Missing, "AircraftType")
	assert.Empty(t, env.rows(t, "Fleet"))
}

func TestImportAll_MergesInDependencyOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeSource(t, env.importDir, "Operator", seedOperators)
	writeSource(t, env.importDir, "AircraftType", seedAircraftTypes)
	writeSource(t, env.importDir, "EngineType", seedEngineTypes)
	writeSource(t, env.importDir, "Fleet", seedFleet)

	res, report, err := env.svc.ImportAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)
	assert.True(t, report.Ready)
	assert.Equal(t, OpImportAll, res.Operation)
	assert.Equal(t, ModeReplace, resultFor(t, res, "Fleet").Mode)

	res, _, err = env.svc.ImportAll(ctx, LoadOptions{SkipInvalid: true})
	require.NoError(t, err)
	fleet := resultFor(t, res, "Fleet")
	assert.Equal(t, ModeMerge, fleet.Mode)
	assert.Equal(t, 2, fleet.Updated)
	assert.Zero(t, fleet.Loaded)
}

func TestCountSeedConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.writeSeeds(t)
	ctx := context.Background()

	_, err := env.svc.LoadAll(ctx, DefaultLoadOptions())
	require.NoError(t, err)

	counts, err := env.svc.CountSeedConflicts(ctx)
	require.NoError(t, err)

	byEntity := make(map[string]ConflictCount)
	for _, c := range counts {
		byEntity[c.Entity] = c
	}
	assert.Equal(t, ConflictCount{Entity: "Operator", WithDependents: 2}, byEntity["Operator"])
	assert.Equal(t, ConflictCount{Entity: "Fleet", Benign: 2}, byEntity["Fleet"])
	assert.Equal(t, 2, byEntity["AircraftType"].WithDependents)
	assert.Equal(t, 1, byEntity["AircraftType"].Benign)
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeSource(t, env.seedDir, "Operator", seedOperators)
	writeSource(t, env.importDir, "Fleet", seedFleet)

	status, err := env.svc.GetStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 4)

	byEntity := make(map[string]EntityStatus)
	for _, s := range status {
		byEntity[s.Entity] = s
	}

	op := byEntity["Operator"]
	assert.Equal(t, "operator", op.Table)
	assert.Equal(t, FileInfo{Present: true, Records: 2}, op.Seed)
	assert.False(t, op.Import.Present)
	assert.True(t, op.Ready)

	fleet := byEntity["Fleet"]
	assert.Equal(t, FileInfo{Present: true, Records: 2}, fleet.Import)
	assert.False(t, fleet.Ready)
	assert.ElementsMatch(t, []string{"AircraftType", "EngineType"}, fleet.Missing)

	assert.True(t, byEntity["EngineType"].SelfRefs)
	assert.Equal(t, "engine_type", byEntity["EngineType"].Table)
}

// =============================================================================
// Operation limiter
// =============================================================================

func TestService_OperationsAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	env.svc.limiter = NewOperationLimiter(1, 50*time.Millisecond)

	require.NoError(t, env.svc.Limiter().Acquire(context.Background(), OpBackupAll))
	defer env.svc.Limiter().Release(OpBackupAll)

	_, err := env.svc.ClearAll(context.Background())
	assert.ErrorIs(t, err, ErrOperationBusy)

	// read-only operations bypass the limiter
	_, err = env.svc.GetStatus(context.Background())
	assert.NoError(t, err)
}
