package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/JonMunkholm/reconcile/internal/logging"
	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// BackupResult describes one backupAll run.
type BackupResult struct {
	RunID    string         `json:"runId,omitempty"`
	Dir      string         `json:"dir"`
	Files    map[string]int `json:"files"`
	Removed  []string       `json:"removed,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// BackupManager exports clean rows to portable label-based files and
// restores them.
type BackupManager struct {
	store  storage.Store
	schema *schema.Schema
	loader *Loader
	dir    string
}

// NewBackupManager creates a BackupManager writing to dir.
func NewBackupManager(store storage.Store, s *schema.Schema, loader *Loader, dir string) *BackupManager {
	return &BackupManager{store: store, schema: s, loader: loader, dir: dir}
}

// Dir returns the backup directory.
func (b *BackupManager) Dir() string { return b.dir }

// BackupAll writes one file per entity holding its ql = 0 rows. Files of
// entities without clean rows are removed.
func (b *BackupManager) BackupAll(ctx context.Context) (*BackupResult, error) {
	start := time.Now()
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	res := &BackupResult{Dir: b.dir, Files: make(map[string]int)}
	reverse := make(map[string]map[int64]string)
	rowsByEntity := make(map[string][]storage.Row)

	rowsOf := func(e *schema.Entity) ([]storage.Row, error) {
		if rows, ok := rowsByEntity[e.ClassName]; ok {
			return rows, nil
		}
		rows, err := b.store.Rows(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.ClassName, err)
		}
		rowsByEntity[e.ClassName] = rows
		return rows, nil
	}
	reverseOf := func(name string) (map[int64]string, error) {
		if m, ok := reverse[name]; ok {
			return m, nil
		}
		t, ok := b.schema.Entity(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
		}
		rows, err := rowsOf(t)
		if err != nil {
			return nil, err
		}
		m := BuildReverse(t, rows)
		reverse[name] = m
		return m, nil
	}

	for _, e := range b.schema.Ordered() {
		rows, err := rowsOf(e)
		if err != nil {
			return nil, err
		}

		var records []Record
		for _, row := range rows {
			if row.QL() != 0 {
				continue
			}
			rec, warnings, err := b.exportRow(e, row, reverseOf)
			if err != nil {
				return nil, err
			}
			res.Warnings = append(res.Warnings, warnings...)
			records = append(records, rec)
		}

		path := SourcePath(b.dir, e)
		if len(records) == 0 {
			err := os.Remove(path)
			switch {
			case err == nil:
				res.Removed = append(res.Removed, e.ClassName)
			case !errors.Is(err, fs.ErrNotExist):
				return nil, fmt.Errorf("remove stale backup %s: %w", path, err)
			}
			continue
		}
		if err := writeJSONFile(path, records); err != nil {
			return nil, err
		}
		res.Files[e.ClassName] = len(records)
	}

	res.Duration = time.Since(start)
	logging.FromContext(ctx).Info("backup written",
		"dir", b.dir,
		"entities", len(res.Files),
		"removed", len(res.Removed),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// exportRow converts a stored row to its portable form: references become
// target labels under the conceptual name and aggregates are re-nested.
func (b *BackupManager) exportRow(e *schema.Entity, row storage.Row, reverseOf func(string) (map[int64]string, error)) (Record, []string, error) {
	rec := Record{storage.ColumnID: row.ID()}
	var warnings []string

	for _, c := range e.Columns {
		v := row[c.Name]
		if v == nil {
			continue
		}

		if c.IsForeignKey() {
			fk, _ := e.ForeignKey(c.Name)
			id, ok := storage.AsInt64(v)
			if !ok || id == storage.SentinelID {
				continue
			}
			labels, err := reverseOf(fk.Target)
			if err != nil {
				return nil, nil, err
			}
			label, ok := labels[id]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("%s #%d: %s references %s #%d, which is not exported",
					e.ClassName, row.ID(), fk.Name, fk.Target, id))
				continue
			}
			rec[fk.Name] = label
			continue
		}

		if c.Computed {
			continue
		}
		if c.Type == schema.TypeJSON {
			if s, ok := v.(string); ok {
				var decoded any
				if err := json.Unmarshal([]byte(s), &decoded); err == nil {
					v = decoded
				}
			}
		}
		rec[c.Name] = v
	}

	nestAggregates(e, rec)
	return rec, warnings, nil
}

// RestoreEntity clears e and reloads it from its backup file with ids and
// system columns preserved.
func (b *BackupManager) RestoreEntity(ctx context.Context, e *schema.Entity, lookups Lookups) (*LoadResult, error) {
	records, err := ReadSource(b.dir, e)
	if err != nil {
		return nil, err
	}
	if _, err := b.store.Clear(ctx, e, storage.BatchOptions{DisableReferenceChecks: true}); err != nil {
		return nil, fmt.Errorf("clear %s: %w", e.ClassName, err)
	}
	if lookups == nil {
		lookups = make(Lookups)
	}
	lookups.Invalidate(e)
	return b.loader.LoadRecords(ctx, e, records, lookups, restoreOptions())
}

// RestoreBackup clears every entity and reloads those with a backup file in
// dependency order.
func (b *BackupManager) RestoreBackup(ctx context.Context) (*BatchResult, error) {
	start := time.Now()
	if _, err := os.Stat(b.dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, b.dir)
	}

	res := &BatchResult{Operation: OpRestoreBackup, Cleared: make(map[string]int)}
	ordered := b.schema.Ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		n, err := b.store.Clear(ctx, e, storage.BatchOptions{DisableReferenceChecks: true})
		if err != nil {
			return nil, fmt.Errorf("clear %s: %w", e.ClassName, err)
		}
		res.Cleared[e.ClassName] = n
	}

	lookups := make(Lookups)
	for _, e := range ordered {
		records, err := ReadSource(b.dir, e)
		if errors.Is(err, ErrSourceNotFound) {
			res.Missing = append(res.Missing, e.ClassName)
			continue
		}
		if err != nil {
			return nil, err
		}
		lr, err := b.loader.LoadRecords(ctx, e, records, lookups, restoreOptions())
		if err != nil {
			return nil, err
		}
		res.Entities = append(res.Entities, lr)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func restoreOptions() LoadOptions {
	return LoadOptions{Mode: ModeReplace, PreserveSystem: true}
}

// writeJSONFile writes v as indented JSON through a temporary file.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
