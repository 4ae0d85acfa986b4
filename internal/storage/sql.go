package storage

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/reconcile/internal/schema"
)

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteAll quotes every identifier in names.
func QuoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = QuoteIdent(n)
	}
	return out
}

// Prepare orders the known columns of row (id first, entity columns in
// declaration order, then ql and qd) and coerces each value for binding.
// Unknown keys are ignored.
func Prepare(e *schema.Entity, row Row) ([]string, []any, error) {
	cols := make([]string, 0, len(row))
	vals := make([]any, 0, len(row))

	if v, ok := row[ColumnID]; ok && v != nil {
		id, ok := AsInt64(v)
		if !ok {
			return nil, nil, fmt.Errorf("invalid id %v", v)
		}
		cols = append(cols, ColumnID)
		vals = append(vals, id)
	}

	for _, c := range e.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		cv, err := Coerce(c, v)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, c.Name)
		vals = append(vals, cv)
	}

	if v, ok := row[ColumnQL]; ok {
		ql, _ := AsInt64(v)
		cols = append(cols, ColumnQL)
		vals = append(vals, ql)
	}
	if v, ok := row[ColumnQD]; ok {
		cols = append(cols, ColumnQD)
		if IsEmpty(v) {
			vals = append(vals, nil)
		} else {
			vals = append(vals, fmt.Sprint(v))
		}
	}

	return cols, vals, nil
}

// StorageColumns returns every physical column of e in select order.
func StorageColumns(e *schema.Entity) []string {
	cols := make([]string, 0, len(e.Columns)+3)
	cols = append(cols, ColumnID)
	for _, c := range e.Columns {
		cols = append(cols, c.Name)
	}
	return append(cols, ColumnQL, ColumnQD)
}

// NormalizeRow converts raw scanned values into a Row.
func NormalizeRow(e *schema.Entity, cols []string, raw []any) Row {
	row := make(Row, len(cols))
	for i, name := range cols {
		v := raw[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		switch name {
		case ColumnID, ColumnQL:
			n, _ := AsInt64(v)
			row[name] = n
		case ColumnQD:
			row[name] = v
		default:
			if c, ok := e.Column(name); ok {
				row[name] = Normalize(c, v)
			} else {
				row[name] = v
			}
		}
	}
	return row
}

// UniqueGroups returns every uniqueness constraint of e as column lists:
// single unique columns first, then composite keys.
func UniqueGroups(e *schema.Entity) [][]string {
	var out [][]string
	for _, c := range e.UniqueColumns() {
		out = append(out, []string{c})
	}
	return append(out, e.UniqueKeys...)
}

// MatchClause builds "a = ? AND b = ?" (or $n placeholders when dollar is
// true, starting at start) for the columns of match, sorted in entity order.
func MatchClause(e *schema.Entity, match Row, dollar bool, start int) (string, []any, error) {
	var conds []string
	var args []any
	n := start

	add := func(name string, v any) {
		if v == nil {
			conds = append(conds, QuoteIdent(name)+" IS NULL")
			return
		}
		ph := "?"
		if dollar {
			ph = fmt.Sprintf("$%d", n)
			n++
		}
		conds = append(conds, QuoteIdent(name)+" = "+ph)
		args = append(args, v)
	}

	if v, ok := match[ColumnID]; ok {
		add(ColumnID, v)
	}
	for _, c := range e.Columns {
		v, ok := match[c.Name]
		if !ok {
			continue
		}
		cv, err := Coerce(c, v)
		if err != nil {
			return "", nil, err
		}
		add(c.Name, cv)
	}
	if len(conds) == 0 {
		return "", nil, fmt.Errorf("empty match")
	}
	return strings.Join(conds, " AND "), args, nil
}
