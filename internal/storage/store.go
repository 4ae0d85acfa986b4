// Package storage defines the relational storage contract the import engine
// writes through, and the pieces shared by its backends: reserved columns,
// the sentinel row and value coercion.
package storage

import (
	"context"
	"errors"

	"github.com/JonMunkholm/reconcile/internal/schema"
)

// Reserved columns present on every table.
const (
	ColumnID = "id"
	ColumnQL = "ql"
	ColumnQD = "qd"
)

// SentinelID is the reserved "no resolvable reference" row of every table.
const SentinelID int64 = 1

// SentinelLabel is written into the string columns of the sentinel row.
const SentinelLabel = "(none)"

// ErrNoRows is returned by Update and Delete when the target row does not
// exist.
var ErrNoRows = errors.New("storage: no rows affected")

// Row is one stored record keyed by column name. Values are normalized to
// string, int64, float64, bool or nil; dates are "2006-01-02" strings.
type Row map[string]any

// ID returns the row id, or 0 when absent.
func (r Row) ID() int64 {
	id, _ := AsInt64(r[ColumnID])
	return id
}

// QL returns the quality mark of the row.
func (r Row) QL() int64 {
	ql, _ := AsInt64(r[ColumnQL])
	return ql
}

// BatchOptions configures one Store.Batch call.
type BatchOptions struct {
	// DisableReferenceChecks turns foreign key enforcement off for the
	// duration of the batch. It is restored before Batch returns.
	DisableReferenceChecks bool
}

// Writer performs writes inside a batch. A failed write returns an error
// and leaves the batch usable for the following rows.
type Writer interface {
	// Insert adds a new row and returns its id.
	Insert(ctx context.Context, e *schema.Entity, row Row) (int64, error)
	// Replace inserts the row or overwrites any row it collides with, by
	// id or by any unique constraint, and returns the id written.
	Replace(ctx context.Context, e *schema.Entity, row Row) (int64, error)
	// Update sets the given columns on row id.
	Update(ctx context.Context, e *schema.Entity, id int64, row Row) error
	// Delete removes non-sentinel row id.
	Delete(ctx context.Context, e *schema.Entity, id int64) error
	// FindID returns the id of a non-sentinel row whose columns equal match.
	FindID(ctx context.Context, e *schema.Entity, match Row) (int64, bool, error)
}

// Store is a relational backend holding one table per entity.
type Store interface {
	// EnsureSchema creates missing tables and sentinel rows.
	EnsureSchema(ctx context.Context, s *schema.Schema) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Count(ctx context.Context, e *schema.Entity) (int, error)
	// Rows returns every non-sentinel row ordered by id.
	Rows(ctx context.Context, e *schema.Entity) ([]Row, error)
	FindID(ctx context.Context, e *schema.Entity, match Row) (int64, bool, error)
	// CountReferences counts rows of e whose column equals id.
	CountReferences(ctx context.Context, e *schema.Entity, column string, id int64) (int, error)

	// Clear deletes every non-sentinel row and returns the number deleted.
	Clear(ctx context.Context, e *schema.Entity, opts BatchOptions) (int, error)
	// Batch runs fn inside one transaction.
	Batch(ctx context.Context, e *schema.Entity, opts BatchOptions, fn func(Writer) error) error

	// ReferenceChecks reports whether foreign key enforcement is on.
	ReferenceChecks(ctx context.Context) (bool, error)
	Close() error
}
