package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/JonMunkholm/reconcile/internal/logging"
	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// OperationTimeout bounds a single mutating operation.
var OperationTimeout = 30 * time.Minute

// Options configures a Service.
type Options struct {
	SeedDir   string
	ImportDir string
	BackupDir string

	ReportLimit      int
	MaxConcurrentOps int
	OperationWait    time.Duration
	RunHistorySize   int
}

// Service exposes the import engine operations over one store and schema.
type Service struct {
	store    storage.Store
	schema   *schema.Schema
	opts     Options
	loader   *Loader
	importer *ImportValidator
	backups  *BackupManager
	limiter  *OperationLimiter
	runs     *RunHistory
	metrics  *Metrics
}

// NewService wires the engine. validator, media and metrics may be nil.
func NewService(store storage.Store, s *schema.Schema, validator RuleValidator, media MediaService, metrics *Metrics, opts Options) *Service {
	loader := NewLoader(store, s, validator, media, metrics, opts.ReportLimit)
	return &Service{
		store:    store,
		schema:   s,
		opts:     opts,
		loader:   loader,
		importer: NewImportValidator(store, s, validator, opts.ReportLimit),
		backups:  NewBackupManager(store, s, loader, opts.BackupDir),
		limiter:  NewOperationLimiter(opts.MaxConcurrentOps, opts.OperationWait),
		runs:     NewRunHistory(opts.RunHistorySize),
		metrics:  metrics,
	}
}

// Schema returns the schema the service operates on.
func (s *Service) Schema() *schema.Schema { return s.schema }

// Runs returns the run history.
func (s *Service) Runs() *RunHistory { return s.runs }

// Limiter returns the operation limiter.
func (s *Service) Limiter() *OperationLimiter { return s.limiter }

// DataDirs returns the seed, import and backup directories.
func (s *Service) DataDirs() []string {
	return []string{s.opts.SeedDir, s.opts.ImportDir, s.opts.BackupDir}
}

// Ping checks storage connectivity.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Entity resolves an entity by class or table name.
func (s *Service) Entity(name string) (*schema.Entity, error) {
	e, ok := s.schema.Entity(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return e, nil
}

// run serializes op through the limiter and records it in the history.
func (s *Service) run(ctx context.Context, op, entity string, fn func(ctx context.Context, rec *RunRecord) error) error {
	if err := s.limiter.Acquire(ctx, op); err != nil {
		s.metrics.ObserveOperation(op, err)
		return err
	}
	defer s.limiter.Release(op)
	s.metrics.operationStarted()
	defer s.metrics.operationDone()

	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	rec := s.runs.begin(ctx, op, entity)
	logger := logging.WithFields(ctx, "operation", op, "run_id", rec.ID)
	logger.Info("operation started", "entity", entity)

	err := fn(logging.WithLogger(ctx, logger), rec)

	s.runs.finish(rec, err)
	s.metrics.ObserveOperation(op, err)
	if err != nil {
		logger.Error("operation failed", "error", err, "duration_ms", rec.Duration.Milliseconds())
	} else {
		logger.Info("operation completed", "duration_ms", rec.Duration.Milliseconds())
	}
	return err
}

func (rec *RunRecord) count(results ...*LoadResult) {
	for _, r := range results {
		if r == nil {
			continue
		}
		rec.Loaded += r.Loaded
		rec.Updated += r.Updated
		rec.Skipped += r.Skipped
	}
}

// LoadEntity loads one entity from opts.Dir, or the seed directory.
func (s *Service) LoadEntity(ctx context.Context, name string, opts LoadOptions) (*LoadResult, error) {
	e, err := s.Entity(name)
	if err != nil {
		return nil, err
	}
	dir := opts.Dir
	if dir == "" {
		dir = s.opts.SeedDir
	}

	var res *LoadResult
	err = s.run(ctx, OpLoadEntity, e.ClassName, func(ctx context.Context, rec *RunRecord) error {
		var err error
		res, err = s.loader.LoadEntity(ctx, e, dir, nil, opts)
		rec.count(res)
		return err
	})
	return res, err
}

// UploadEntity loads a JSON array of records supplied by the caller.
func (s *Service) UploadEntity(ctx context.Context, name string, payload []byte, opts LoadOptions) (*LoadResult, error) {
	e, err := s.Entity(name)
	if err != nil {
		return nil, err
	}
	records, err := DecodeRecords(payload)
	if err != nil {
		return nil, err
	}

	var res *LoadResult
	err = s.run(ctx, OpUploadEntity, e.ClassName, func(ctx context.Context, rec *RunRecord) error {
		var err error
		res, err = s.loader.LoadRecords(ctx, e, records, nil, opts)
		rec.count(res)
		return err
	})
	return res, err
}

// ClearEntity deletes every non-sentinel row of one entity. Reference
// checks stay on, so entities with dependents fail.
func (s *Service) ClearEntity(ctx context.Context, name string) (int, error) {
	e, err := s.Entity(name)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.run(ctx, OpClearEntity, e.ClassName, func(ctx context.Context, _ *RunRecord) error {
		var err error
		n, err = s.store.Clear(ctx, e, storage.BatchOptions{})
		if err != nil {
			return fmt.Errorf("clear %s: %w", e.ClassName, err)
		}
		return nil
	})
	return n, err
}

// LoadAll loads every entity with a seed file, in dependency order.
func (s *Service) LoadAll(ctx context.Context, opts LoadOptions) (*BatchResult, error) {
	var res *BatchResult
	err := s.run(ctx, OpLoadAll, "", func(ctx context.Context, rec *RunRecord) error {
		var err error
		res, err = s.loadDir(ctx, s.opts.SeedDir, opts)
		if res != nil {
			res.RunID = rec.ID
			res.Operation = OpLoadAll
			rec.count(res.Entities...)
		}
		return err
	})
	return res, err
}

// ImportAll validates the import directory and merges it in dependency
// order. Without opts.Force it refuses to run when validation is not ready.
func (s *Service) ImportAll(ctx context.Context, opts LoadOptions) (*BatchResult, *ValidationReport, error) {
	if opts.Mode == "" {
		opts.Mode = ModeMerge
	}

	var (
		res    *BatchResult
		report *ValidationReport
	)
	err := s.run(ctx, OpImportAll, "", func(ctx context.Context, rec *RunRecord) error {
		var err error
		report, err = s.importer.Validate(ctx, s.opts.ImportDir, opts)
		if err != nil {
			return err
		}
		if !report.Ready && !opts.Force {
			return fmt.Errorf("%w: %s", ErrImportNotReady, notReadySummary(report))
		}
		res, err = s.loadDir(ctx, s.opts.ImportDir, opts)
		if res != nil {
			res.RunID = rec.ID
			res.Operation = OpImportAll
			rec.count(res.Entities...)
		}
		return err
	})
	return res, report, err
}

func notReadySummary(r *ValidationReport) string {
	var msg string
	for _, ev := range r.Entities {
		if ev.Ready {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += fmt.Sprintf("%s missing %v", ev.Entity, ev.Missing)
	}
	return msg
}

// loadDir loads every entity file found in dir. Lookups are shared so each
// entity sees the rows written before it.
func (s *Service) loadDir(ctx context.Context, dir string, opts LoadOptions) (*BatchResult, error) {
	start := time.Now()
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, dir)
	}

	res := &BatchResult{}
	lookups := make(Lookups)
	for _, e := range s.schema.Ordered() {
		lr, err := s.loader.LoadEntity(ctx, e, dir, lookups, opts)
		if errors.Is(err, ErrSourceNotFound) {
			res.Missing = append(res.Missing, e.ClassName)
			continue
		}
		if err != nil {
			return res, err
		}
		res.Entities = append(res.Entities, lr)
	}
	res.Duration = time.Since(start)
	return res, nil
}

// ClearAll deletes every non-sentinel row, children first, with reference
// checks off.
func (s *Service) ClearAll(ctx context.Context) (*BatchResult, error) {
	var res *BatchResult
	err := s.run(ctx, OpClearAll, "", func(ctx context.Context, rec *RunRecord) error {
		var err error
		res, err = s.clearAll(ctx)
		if res != nil {
			res.RunID = rec.ID
		}
		return err
	})
	return res, err
}

func (s *Service) clearAll(ctx context.Context) (*BatchResult, error) {
	start := time.Now()
	res := &BatchResult{Operation: OpClearAll, Cleared: make(map[string]int)}
	ordered := s.schema.Ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		n, err := s.store.Clear(ctx, e, storage.BatchOptions{DisableReferenceChecks: true})
		if err != nil {
			return res, fmt.Errorf("clear %s: %w", e.ClassName, err)
		}
		res.Cleared[e.ClassName] = n
	}
	res.Duration = time.Since(start)
	return res, nil
}

// ResetAll clears everything and reloads the seed directory.
func (s *Service) ResetAll(ctx context.Context, opts LoadOptions) (*BatchResult, error) {
	var res *BatchResult
	err := s.run(ctx, OpResetAll, "", func(ctx context.Context, rec *RunRecord) error {
		start := time.Now()
		cleared, err := s.clearAll(ctx)
		if err != nil {
			return err
		}
		res, err = s.loadDir(ctx, s.opts.SeedDir, opts)
		if res != nil {
			res.RunID = rec.ID
			res.Operation = OpResetAll
			res.Cleared = cleared.Cleared
			res.Duration = time.Since(start)
			rec.count(res.Entities...)
		}
		return err
	})
	return res, err
}

// BackupAll exports every entity's clean rows to the backup directory.
func (s *Service) BackupAll(ctx context.Context) (*BackupResult, error) {
	var res *BackupResult
	err := s.run(ctx, OpBackupAll, "", func(ctx context.Context, rec *RunRecord) error {
		var err error
		res, err = s.backups.BackupAll(ctx)
		if res != nil {
			res.RunID = rec.ID
		}
		return err
	})
	return res, err
}

// RestoreEntity replaces one entity with its backup.
func (s *Service) RestoreEntity(ctx context.Context, name string) (*LoadResult, error) {
	e, err := s.Entity(name)
	if err != nil {
		return nil, err
	}

	var res *LoadResult
	err = s.run(ctx, OpRestoreEntity, e.ClassName, func(ctx context.Context, rec *RunRecord) error {
		var err error
		res, err = s.backups.RestoreEntity(ctx, e, nil)
		rec.count(res)
		return err
	})
	return res, err
}

// RestoreBackup replaces every entity with the backup directory contents.
func (s *Service) RestoreBackup(ctx context.Context) (*BatchResult, error) {
	var res *BatchResult
	err := s.run(ctx, OpRestoreBackup, "", func(ctx context.Context, rec *RunRecord) error {
		var err error
		res, err = s.backups.RestoreBackup(ctx)
		if res != nil {
			res.RunID = rec.ID
			rec.count(res.Entities...)
		}
		return err
	})
	return res, err
}

// ValidateImport dry-runs dir, or the import directory when dir is empty.
func (s *Service) ValidateImport(ctx context.Context, dir string, opts LoadOptions) (*ValidationReport, error) {
	if dir == "" {
		dir = s.opts.ImportDir
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, dir)
	}
	return s.importer.Validate(ctx, dir, opts)
}

// CountSeedConflicts reports, per seed entity, how many records collide
// with stored unique values, split by whether the stored row has dependents.
func (s *Service) CountSeedConflicts(ctx context.Context) ([]ConflictCount, error) {
	report, err := s.ValidateImport(ctx, s.opts.SeedDir, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	out := make([]ConflictCount, 0, len(report.Entities))
	for _, ev := range report.Entities {
		out = append(out, ConflictCount{Entity: ev.Entity, Benign: ev.Benign, WithDependents: ev.WithDependents})
	}
	return out, nil
}

// GetStatus reports row counts, source files and readiness per entity.
func (s *Service) GetStatus(ctx context.Context) ([]EntityStatus, error) {
	ordered := s.schema.Ordered()
	counts := make(map[string]int, len(ordered))
	sources := make(map[string]bool, len(ordered))
	out := make([]EntityStatus, 0, len(ordered))

	for _, e := range ordered {
		rows, err := s.store.Rows(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.ClassName, err)
		}
		st := EntityStatus{
			Entity:   e.ClassName,
			Table:    e.TableName,
			Rows:     len(rows),
			Seed:     fileInfo(s.opts.SeedDir, e),
			Import:   fileInfo(s.opts.ImportDir, e),
			Backup:   fileInfo(s.opts.BackupDir, e),
			SelfRefs: len(e.SelfReferences()) > 0,
		}
		for _, r := range rows {
			if r.QL() != 0 {
				st.Flagged++
			}
		}
		counts[e.ClassName] = st.Rows
		sources[e.ClassName] = st.Seed.Present || st.Import.Present
		out = append(out, st)
	}

	for i := range out {
		e, _ := s.schema.Entity(out[i].Entity)
		out[i].Missing = missingDependencies(e, counts, func(name string) bool { return sources[name] })
		out[i].Ready = len(out[i].Missing) == 0
	}
	return out, nil
}

func fileInfo(dir string, e *schema.Entity) FileInfo {
	if dir == "" {
		return FileInfo{}
	}
	records, err := ReadSource(dir, e)
	if errors.Is(err, ErrSourceNotFound) {
		return FileInfo{}
	}
	return FileInfo{Present: true, Records: len(records)}
}
