// Package postgres implements storage.Store on PostgreSQL through pgx.
//
// Reference enforcement is toggled with SET LOCAL session_replication_role,
// so the toggle is scoped to one transaction and ends with it. That setting
// needs a superuser (or, on PostgreSQL 15+, a role granted it).
//
// Every write inside a batch runs in its own savepoint: a failed row rolls
// back to the savepoint and the transaction stays usable.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// duplicateObject is the SQLSTATE for an already existing constraint.
const duplicateObject = "42710"

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New wraps an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func createTableSQL(e *schema.Entity) string {
	defs := []string{`"id" BIGSERIAL PRIMARY KEY`}
	for _, c := range e.Columns {
		def := storage.QuoteIdent(c.Name) + " " + columnType(c)
		if c.Unique {
			def += " UNIQUE"
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

// EnsureSchema creates tables and sentinels in one transaction, then adds
// foreign key constraints in a second phase, skipping ones that exist.
func (s *Store) EnsureSchema(ctx context.Context, sch *schema.Schema) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := disableChecks(ctx, tx); err != nil {
			return err
		}
		for _, e := range sch.Ordered() {
			if _, err := tx.Exec(ctx, createTableSQL(e)); err != nil {
				return fmt.Errorf("create table %s: %w", e.TableName, err)
			}
			if err := insertSentinel(ctx, tx, e); err != nil {
				return err
			}
			if err := resetSequence(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range sch.Ordered() {
		for _, fk := range e.ForeignKeys {
			target, _ := sch.Entity(fk.Target)
			stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(\"id\")",
				storage.QuoteIdent(e.TableName),
				storage.QuoteIdent(fmt.Sprintf("fk_%s_%s", e.TableName, fk.Column)),
				storage.QuoteIdent(fk.Column),
				storage.QuoteIdent(target.TableName))
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == duplicateObject {
					continue
				}
				return fmt.Errorf("add foreign key %s.%s: %w", e.TableName, fk.Column, err)
			}
		}
	}
	return nil
}

func insertSentinel(ctx context.Context, db DBTX, e *schema.Entity) error {
	cols, vals, err := storage.Prepare(e, storage.SentinelRow(e))
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (\"id\") DO NOTHING",
		storage.QuoteIdent(e.TableName), strings.Join(storage.QuoteAll(cols), ", "), placeholders(1, len(cols)))
	if _, err := db.Exec(ctx, q, bindArgs(e, cols, vals)...); err != nil {
		return fmt.Errorf("sentinel %s: %w", e.TableName, err)
	}
	return nil
}

// resetSequence moves the id sequence past the highest stored id so rows
// written with explicit ids do not collide with later inserts.
func resetSequence(ctx context.Context, db DBTX, e *schema.Entity) error {
	q := fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', 'id'), GREATEST((SELECT MAX(id) FROM %s), 1))",
		strings.ReplaceAll(storage.QuoteIdent(e.TableName), "'", "''"), storage.QuoteIdent(e.TableName))
	if _, err := db.Exec(ctx, q); err != nil {
		return fmt.Errorf("reset sequence %s: %w", e.TableName, err)
	}
	return nil
}

// Count returns the number of non-sentinel rows.
func (s *Store) Count(ctx context.Context, e *schema.Entity) (int, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id <> $1", storage.QuoteIdent(e.TableName))
	if err := s.pool.QueryRow(ctx, q, storage.SentinelID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", e.TableName, err)
	}
	return int(n), nil
}

// Rows returns every non-sentinel row ordered by id.
func (s *Store) Rows(ctx context.Context, e *schema.Entity) ([]storage.Row, error) {
	cols := storage.StorageColumns(e)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id <> $1 ORDER BY id",
		strings.Join(storage.QuoteAll(cols), ", "), storage.QuoteIdent(e.TableName))

	rows, err := s.pool.Query(ctx, q, storage.SentinelID)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", e.TableName, err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", e.TableName, err)
		}
		out = append(out, storage.NormalizeRow(e, cols, values))
	}
	return out, rows.Err()
}

// FindID returns the first non-sentinel row matching every column of match.
func (s *Store) FindID(ctx context.Context, e *schema.Entity, match storage.Row) (int64, bool, error) {
	return findID(ctx, s.pool, e, match)
}

func findID(ctx context.Context, db DBTX, e *schema.Entity, match storage.Row) (int64, bool, error) {
	clause, args, err := matchClause(e, match, 2)
	if err != nil {
		return 0, false, err
	}
	q := fmt.Sprintf("SELECT id FROM %s WHERE id <> $1 AND %s ORDER BY id LIMIT 1",
		storage.QuoteIdent(e.TableName), clause)

	var id int64
	err = db.QueryRow(ctx, q, append([]any{storage.SentinelID}, args...)...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find in %s: %w", e.TableName, err)
	}
	return id, true, nil
}

func matchClause(e *schema.Entity, match storage.Row, start int) (string, []any, error) {
	cols, vals, err := storage.Prepare(e, match)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("empty match")
	}
	bound := bindArgs(e, cols, vals)

	conds := make([]string, 0, len(cols))
	var args []any
	n := start
	for i, c := range cols {
		if vals[i] == nil {
			conds = append(conds, storage.QuoteIdent(c)+" IS NULL")
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", storage.QuoteIdent(c), n))
		args = append(args, bound[i])
		n++
	}
	return strings.Join(conds, " AND "), args, nil
}

// CountReferences counts non-sentinel rows of e whose column equals id.
func (s *Store) CountReferences(ctx context.Context, e *schema.Entity, column string, id int64) (int, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id <> $1 AND %s = $2",
		storage.QuoteIdent(e.TableName), storage.QuoteIdent(column))
	if err := s.pool.QueryRow(ctx, q, storage.SentinelID, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count references %s.%s: %w", e.TableName, column, err)
	}
	return int(n), nil
}

// Clear deletes all non-sentinel rows.
func (s *Store) Clear(ctx context.Context, e *schema.Entity, opts storage.BatchOptions) (int, error) {
	var deleted int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if opts.DisableReferenceChecks {
			if err := disableChecks(ctx, tx); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id <> $1", storage.QuoteIdent(e.TableName)), storage.SentinelID)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		if err := insertSentinel(ctx, tx, e); err != nil {
			return err
		}
		return resetSequence(ctx, tx, e)
	})
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", e.TableName, err)
	}
	return int(deleted), nil
}

// Batch runs fn inside one transaction on a dedicated connection.
func (s *Store) Batch(ctx context.Context, e *schema.Entity, opts storage.BatchOptions, fn func(storage.Writer) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("rollback batch", "table", e.TableName, "error", err)
		}
	}()

	if opts.DisableReferenceChecks {
		if err := disableChecks(ctx, tx); err != nil {
			return err
		}
	}

	if err := fn(&writer{tx: tx}); err != nil {
		return err
	}
	if err := resetSequence(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ReferenceChecks reports whether enforcement is on for a fresh session.
func (s *Store) ReferenceChecks(ctx context.Context) (bool, error) {
	var role string
	if err := s.pool.QueryRow(ctx, "SHOW session_replication_role").Scan(&role); err != nil {
		return false, fmt.Errorf("read session_replication_role: %w", err)
	}
	return role != "replica", nil
}

func disableChecks(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, "SET LOCAL session_replication_role = replica"); err != nil {
		return fmt.Errorf("disable reference checks: %w", err)
	}
	return nil
}

type writer struct {
	tx        pgx.Tx
	savepoint int
}

// inSavepoint runs fn inside a savepoint and rolls back to it on failure.
func (w *writer) inSavepoint(ctx context.Context, fn func() error) error {
	w.savepoint++
	sp := fmt.Sprintf("sp_%d", w.savepoint)

	if _, err := w.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := w.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return fmt.Errorf("rollback savepoint: %w (original: %v)", rbErr, err)
		}
		return err
	}

	if _, err := w.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (w *writer) Insert(ctx context.Context, e *schema.Entity, row storage.Row) (int64, error) {
	var id int64
	err := w.inSavepoint(ctx, func() error {
		var err error
		id, err = insertRow(ctx, w.tx, e, row, false)
		return err
	})
	return id, err
}

// Replace deletes any non-sentinel row colliding with row on a unique
// constraint, then upserts by id.
func (w *writer) Replace(ctx context.Context, e *schema.Entity, row storage.Row) (int64, error) {
	var id int64
	err := w.inSavepoint(ctx, func() error {
		ownID, hasID := storage.AsInt64(row[storage.ColumnID])
		for _, group := range storage.UniqueGroups(e) {
			match := storage.Row{}
			for _, c := range group {
				if v, ok := row[c]; ok && !storage.IsEmpty(v) {
					match[c] = v
				}
			}
			if len(match) != len(group) {
				continue
			}
			clause, args, err := matchClause(e, match, 3)
			if err != nil {
				return err
			}
			q := fmt.Sprintf("DELETE FROM %s WHERE id <> $1 AND id <> $2 AND %s", storage.QuoteIdent(e.TableName), clause)
			exclude := int64(0)
			if hasID {
				exclude = ownID
			}
			if _, err := w.tx.Exec(ctx, q, append([]any{storage.SentinelID, exclude}, args...)...); err != nil {
				return err
			}
		}

		var err error
		id, err = insertRow(ctx, w.tx, e, row, hasID)
		return err
	})
	return id, err
}

func insertRow(ctx context.Context, db DBTX, e *schema.Entity, row storage.Row, upsert bool) (int64, error) {
	cols, vals, err := storage.Prepare(e, row)
	if err != nil {
		return 0, err
	}

	var q string
	if len(cols) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING id", storage.QuoteIdent(e.TableName))
	} else {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", storage.QuoteIdent(e.TableName),
			strings.Join(storage.QuoteAll(cols), ", "), placeholders(1, len(cols)))
		if upsert {
			var sets []string
			for _, c := range cols {
				if c == storage.ColumnID {
					continue
				}
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", storage.QuoteIdent(c), storage.QuoteIdent(c)))
			}
			if len(sets) == 0 {
				q += ` ON CONFLICT ("id") DO NOTHING`
			} else {
				q += ` ON CONFLICT ("id") DO UPDATE SET ` + strings.Join(sets, ", ")
			}
		}
		q += " RETURNING id"
	}

	var id int64
	if err := db.QueryRow(ctx, q, bindArgs(e, cols, vals)...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (w *writer) Update(ctx context.Context, e *schema.Entity, id int64, row storage.Row) error {
	cols, vals, err := storage.Prepare(e, row)
	if err != nil {
		return err
	}
	bound := bindArgs(e, cols, vals)

	var sets []string
	var args []any
	for i, c := range cols {
		if c == storage.ColumnID {
			continue
		}
		args = append(args, bound[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", storage.QuoteIdent(c), len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", storage.QuoteIdent(e.TableName), strings.Join(sets, ", "), len(args))

	return w.inSavepoint(ctx, func() error {
		tag, err := w.tx.Exec(ctx, q, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNoRows
		}
		return nil
	})
}

func (w *writer) Delete(ctx context.Context, e *schema.Entity, id int64) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND id <> $2", storage.QuoteIdent(e.TableName))
	return w.inSavepoint(ctx, func() error {
		tag, err := w.tx.Exec(ctx, q, id, storage.SentinelID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNoRows
		}
		return nil
	})
}

func (w *writer) FindID(ctx context.Context, e *schema.Entity, match storage.Row) (int64, bool, error) {
	return findID(ctx, w.tx, e, match)
}

func placeholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ph, ", ")
}
