// Package sqlite implements storage.Store on SQLite through gorm.
//
// The store pins a single connection so that PRAGMA foreign_keys, which is
// per connection and ignored inside transactions, applies to every
// statement the engine issues.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// Store is a SQLite-backed storage.Store.
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.setReferenceChecks(context.Background(), true); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func columnType(c schema.Column) string {
	switch c.Type {
	case schema.TypeNumber:
		return "REAL"
	case schema.TypeInteger, schema.TypeBoolean:
		return "INTEGER"
	}
	return "TEXT"
}

func createTableSQL(e *schema.Entity, s *schema.Schema) string {
	defs := []string{`"id" INTEGER PRIMARY KEY`}
	for _, c := range e.Columns {
		def := storage.QuoteIdent(c.Name) + " " + columnType(c)
		if c.Unique {
			def += " UNIQUE"
		}
		if c.IsForeignKey() {
			target, _ := s.Entity(c.References)
			def += fmt.Sprintf(" REFERENCES %s(\"id\")", storage.QuoteIdent(target.TableName))
		}
		defs = append(defs, def)
	}
	defs = append(defs, `"ql" INTEGER NOT NULL DEFAULT 0`, `"qd" TEXT`)
	for _, key := range e.UniqueKeys {
		defs = append(defs, "UNIQUE ("+strings.Join(storage.QuoteAll(key), ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		storage.QuoteIdent(e.TableName), strings.Join(defs, ",\n  "))
}

// EnsureSchema creates missing tables and sentinel rows. Sentinels reference
// each other, so they are written with reference checks off.
func (s *Store) EnsureSchema(ctx context.Context, sch *schema.Schema) error {
	restore, err := s.disableChecks(ctx)
	if err != nil {
		return err
	}
	defer restore()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range sch.Ordered() {
			if err := tx.Exec(createTableSQL(e, sch)).Error; err != nil {
				return fmt.Errorf("create table %s: %w", e.TableName, err)
			}
			if err := insertSentinel(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertSentinel(tx *gorm.DB, e *schema.Entity) error {
	cols, vals, err := storage.Prepare(e, storage.SentinelRow(e))
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		storage.QuoteIdent(e.TableName), strings.Join(storage.QuoteAll(cols), ", "), placeholders(len(cols)))
	if err := tx.Exec(q, vals...).Error; err != nil {
		return fmt.Errorf("sentinel %s: %w", e.TableName, err)
	}
	return nil
}

// Count returns the number of non-sentinel rows.
func (s *Store) Count(ctx context.Context, e *schema.Entity) (int, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id <> ?", storage.QuoteIdent(e.TableName))
	if err := s.db.WithContext(ctx).Raw(q, storage.SentinelID).Scan(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", e.TableName, err)
	}
	return int(n), nil
}

// Rows returns every non-sentinel row ordered by id.
func (s *Store) Rows(ctx context.Context, e *schema.Entity) ([]storage.Row, error) {
	cols := storage.StorageColumns(e)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id <> ? ORDER BY id",
		strings.Join(storage.QuoteAll(cols), ", "), storage.QuoteIdent(e.TableName))

	rows, err := s.db.WithContext(ctx).Raw(q, storage.SentinelID).Rows()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", e.TableName, err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", e.TableName, err)
		}
		out = append(out, storage.NormalizeRow(e, cols, raw))
	}
	return out, rows.Err()
}

// FindID returns the first non-sentinel row matching every column of match.
func (s *Store) FindID(ctx context.Context, e *schema.Entity, match storage.Row) (int64, bool, error) {
	return findID(s.db.WithContext(ctx), e, match)
}

func findID(db *gorm.DB, e *schema.Entity, match storage.Row) (int64, bool, error) {
	clause, args, err := storage.MatchClause(e, match, false, 1)
	if err != nil {
		return 0, false, err
	}
	q := fmt.Sprintf("SELECT id FROM %s WHERE id <> ? AND %s ORDER BY id LIMIT 1",
		storage.QuoteIdent(e.TableName), clause)

	var id int64
	err = db.Raw(q, append([]any{storage.SentinelID}, args...)...).Row().Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find in %s: %w", e.TableName, err)
	}
	return id, true, nil
}

// CountReferences counts non-sentinel rows of e whose column equals id.
func (s *Store) CountReferences(ctx context.Context, e *schema.Entity, column string, id int64) (int, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id <> ? AND %s = ?",
		storage.QuoteIdent(e.TableName), storage.QuoteIdent(column))
	if err := s.db.WithContext(ctx).Raw(q, storage.SentinelID, id).Scan(&n).Error; err != nil {
		return 0, fmt.Errorf("count references %s.%s: %w", e.TableName, column, err)
	}
	return int(n), nil
}

// Clear deletes all non-sentinel rows.
func (s *Store) Clear(ctx context.Context, e *schema.Entity, opts storage.BatchOptions) (int, error) {
	if opts.DisableReferenceChecks {
		restore, err := s.disableChecks(ctx)
		if err != nil {
			return 0, err
		}
		defer restore()
	}

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id <> ?", storage.QuoteIdent(e.TableName)), storage.SentinelID)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return insertSentinel(tx, e)
	})
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", e.TableName, err)
	}
	return int(deleted), nil
}

// Batch runs fn inside one transaction.
func (s *Store) Batch(ctx context.Context, e *schema.Entity, opts storage.BatchOptions, fn func(storage.Writer) error) error {
	if opts.DisableReferenceChecks {
		restore, err := s.disableChecks(ctx)
		if err != nil {
			return err
		}
		defer restore()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&writer{tx: tx})
	})
}

// ReferenceChecks reports whether PRAGMA foreign_keys is on.
func (s *Store) ReferenceChecks(ctx context.Context) (bool, error) {
	var on int
	if err := s.db.WithContext(ctx).Raw("PRAGMA foreign_keys").Scan(&on).Error; err != nil {
		return false, fmt.Errorf("read foreign_keys pragma: %w", err)
	}
	return on == 1, nil
}

func (s *Store) setReferenceChecks(ctx context.Context, on bool) error {
	v := "OFF"
	if on {
		v = "ON"
	}
	if err := s.db.WithContext(ctx).Exec("PRAGMA foreign_keys = " + v).Error; err != nil {
		return fmt.Errorf("set foreign_keys %s: %w", v, err)
	}
	return nil
}

// disableChecks turns enforcement off and returns the function restoring
// the previous state.
func (s *Store) disableChecks(ctx context.Context) (func(), error) {
	prev, err := s.ReferenceChecks(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.setReferenceChecks(ctx, false); err != nil {
		return nil, err
	}
	return func() {
		// the caller's context may already be done; restoring must still happen
		if err := s.setReferenceChecks(context.Background(), prev); err != nil {
			slog.Error("restore reference checks", "error", err)
		}
	}, nil
}

type writer struct {
	tx *gorm.DB
}

func (w *writer) Insert(ctx context.Context, e *schema.Entity, row storage.Row) (int64, error) {
	return w.insert(ctx, "INSERT", e, row)
}

func (w *writer) Replace(ctx context.Context, e *schema.Entity, row storage.Row) (int64, error) {
	return w.insert(ctx, "INSERT OR REPLACE", e, row)
}

func (w *writer) insert(ctx context.Context, verb string, e *schema.Entity, row storage.Row) (int64, error) {
	cols, vals, err := storage.Prepare(e, row)
	if err != nil {
		return 0, err
	}

	var q string
	if len(cols) == 0 {
		q = fmt.Sprintf("%s INTO %s DEFAULT VALUES", verb, storage.QuoteIdent(e.TableName))
	} else {
		q = fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, storage.QuoteIdent(e.TableName),
			strings.Join(storage.QuoteAll(cols), ", "), placeholders(len(cols)))
	}

	tx := w.tx.WithContext(ctx)
	if err := tx.Exec(q, vals...).Error; err != nil {
		return 0, err
	}
	var id int64
	if err := tx.Raw("SELECT last_insert_rowid()").Scan(&id).Error; err != nil {
		return 0, err
	}
	return id, nil
}

func (w *writer) Update(ctx context.Context, e *schema.Entity, id int64, row storage.Row) error {
	cols, vals, err := storage.Prepare(e, row)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		if c == storage.ColumnID {
			continue
		}
		sets = append(sets, storage.QuoteIdent(c)+" = ?")
		args = append(args, vals[i])
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", storage.QuoteIdent(e.TableName), strings.Join(sets, ", "))
	res := w.tx.WithContext(ctx).Exec(q, args...)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNoRows
	}
	return nil
}

func (w *writer) Delete(ctx context.Context, e *schema.Entity, id int64) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND id <> ?", storage.QuoteIdent(e.TableName))
	res := w.tx.WithContext(ctx).Exec(q, id, storage.SentinelID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNoRows
	}
	return nil
}

func (w *writer) FindID(ctx context.Context, e *schema.Entity, match storage.Row) (int64, bool, error) {
	return findID(w.tx.WithContext(ctx), e, match)
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
