package core

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// Lookups holds one storage lookup per entity class name. Missing entries
// are built on demand from storage.
type Lookups map[string]*Lookup

// Get returns the lookup for e, building it from storage when absent.
// It must not be called inside a storage batch.
func (l Lookups) Get(ctx context.Context, store storage.Store, e *schema.Entity) (*Lookup, error) {
	if lk, ok := l[e.ClassName]; ok {
		return lk, nil
	}
	rows, err := store.Rows(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("build lookup for %s: %w", e.ClassName, err)
	}
	lk := BuildLookup(e, rows)
	l[e.ClassName] = lk
	return lk, nil
}

// Invalidate drops the lookup for e so the next Get sees freshly written rows.
func (l Lookups) Invalidate(e *schema.Entity) {
	delete(l, e.ClassName)
}

// fieldKind tags where a foreign key value was found in a record.
type fieldKind int

const (
	// fieldUnmatched: no label-style value; the storage column, if any,
	// is passed through untouched.
	fieldUnmatched fieldKind = iota
	// fieldConceptual: the value sits under the conceptual name.
	fieldConceptual
	// fieldTechnical: the storage column holds non-numeric text.
	fieldTechnical
)

type fkField struct {
	fk    schema.ForeignKey
	kind  fieldKind
	key   string
	value string
	empty bool
}

// classifyFK decides once how a record expresses fk.
func classifyFK(fk schema.ForeignKey, rec Record) fkField {
	f := fkField{fk: fk}
	if fk.Name != fk.Column {
		if v, ok := rec[fk.Name]; ok {
			f.kind = fieldConceptual
			f.key = fk.Name
			f.value = schema.ValueString(v)
			f.empty = f.value == ""
			return f
		}
	}

	v, ok := rec[fk.Column]
	if !ok {
		f.empty = true
		return f
	}
	if s, isText := v.(string); isText && !storage.IsEmpty(s) && !storage.IsNumericText(s) {
		f.kind = fieldTechnical
		f.key = fk.Column
		f.value = schema.ValueString(s)
		return f
	}
	f.empty = storage.IsEmpty(v)
	return f
}

// fkState is the outcome of resolving one foreign key.
type fkState int

const (
	fkPassthrough fkState = iota
	fkResolved
	fkPending
	fkEmpty
	fkUnresolved
)

type fkOutcome struct {
	fk    schema.ForeignKey
	state fkState
	value string
	match Match
}

// fkResolver resolves the references of one entity's records.
type fkResolver struct {
	entity  *schema.Entity
	targets map[string]*Lookup
	// self indexes the records being loaded ahead of stored rows.
	self *Lookup
}

// newFKResolver takes the storage lookups of every target and, for
// self-referencing entities, the lookup of the in-flight batch.
func newFKResolver(e *schema.Entity, targets map[string]*Lookup, batch *Lookup) *fkResolver {
	r := &fkResolver{entity: e, targets: targets}
	if batch != nil {
		if stored := targets[e.ClassName]; stored != nil {
			r.self = batch.Merge(stored)
		} else {
			r.self = batch
		}
	}
	return r
}

// resolve rewrites rec so every foreign key sits in its storage column as an
// id. Unresolvable technical values become null; unresolvable conceptual
// values are dropped.
func (r *fkResolver) resolve(rec Record) []fkOutcome {
	out := make([]fkOutcome, 0, len(r.entity.ForeignKeys))
	for _, fk := range r.entity.ForeignKeys {
		f := classifyFK(fk, rec)
		o := fkOutcome{fk: fk, value: f.value}

		switch {
		case f.kind == fieldUnmatched && f.empty:
			o.state = fkEmpty
		case f.kind == fieldUnmatched:
			o.state = fkPassthrough
		case f.empty:
			delete(rec, f.key)
			o.state = fkEmpty
		default:
			m, ok := r.lookup(fk, f.value)
			delete(rec, f.key)
			switch {
			case !ok:
				o.state = fkUnresolved
				if f.kind == fieldTechnical {
					rec[fk.Column] = nil
				}
			case m.Pending:
				o.state = fkPending
				o.match = m
			default:
				o.state = fkResolved
				o.match = m
				rec[fk.Column] = m.ID
			}
		}
		out = append(out, o)
	}
	return out
}

func (r *fkResolver) lookup(fk schema.ForeignKey, value string) (Match, bool) {
	lk := r.targets[fk.Target]
	if fk.Target == r.entity.ClassName && r.self != nil {
		lk = r.self
	}
	if lk == nil {
		return Match{}, false
	}
	return lk.Resolve(value)
}
