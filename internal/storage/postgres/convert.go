package postgres

// convert.go maps canonical storage values onto pgtype values so every
// parameter binds with an explicit PostgreSQL type.

import (
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// toPgDate converts a canonical "2006-01-02" string to pgtype.Date.
// Returns invalid for empty or unparseable input.
func toPgDate(v any) pgtype.Date {
	s, ok := v.(string)
	if !ok {
		return pgtype.Date{Valid: false}
	}
	t, ok := storage.ParseDate(s)
	if !ok {
		return pgtype.Date{Valid: false}
	}
	return pgtype.Date{Time: t, Valid: true}
}

// toPgText converts a value to pgtype.Text; nil is NULL.
func toPgText(v any) pgtype.Text {
	if v == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: schema.ValueString(v), Valid: true}
}

// bindArgs converts the values produced by storage.Prepare for cols.
func bindArgs(e *schema.Entity, cols []string, vals []any) []any {
	out := make([]any, len(vals))
	for i, name := range cols {
		v := vals[i]
		col, ok := e.Column(name)
		switch {
		case v == nil:
			out[i] = nil
		case !ok:
			out[i] = v
		case col.Type == schema.TypeDate:
			out[i] = toPgDate(v)
		case col.Type.IsStringLike() || col.Type == schema.TypeJSON || col.Type == schema.TypeGeo:
			out[i] = toPgText(v)
		default:
			out[i] = v
		}
	}
	return out
}

func columnType(c schema.Column) string {
	switch c.Type {
	case schema.TypeNumber:
		return "DOUBLE PRECISION"
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeDate:
		return "DATE"
	}
	return "TEXT"
}
