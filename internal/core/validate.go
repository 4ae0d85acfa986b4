package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// ImportValidator performs a dry run of a directory of entity files against
// the current storage state.
type ImportValidator struct {
	store       storage.Store
	schema      *schema.Schema
	validator   RuleValidator
	reportLimit int
}

// NewImportValidator creates an ImportValidator. validator may be nil.
func NewImportValidator(store storage.Store, s *schema.Schema, validator RuleValidator, reportLimit int) *ImportValidator {
	if reportLimit <= 0 {
		reportLimit = DefaultReportLimit
	}
	return &ImportValidator{store: store, schema: s, validator: validator, reportLimit: reportLimit}
}

// pendingSource is an entity file waiting to be imported.
type pendingSource struct {
	records []Record
	lookup  *Lookup
}

// Validate checks every entity file in dir without writing.
func (v *ImportValidator) Validate(ctx context.Context, dir string, opts LoadOptions) (*ValidationReport, error) {
	report := &ValidationReport{Dir: dir, Ready: true}

	pending := make(map[string]*pendingSource)
	sourceErrs := make(map[string]error)
	for _, e := range v.schema.Ordered() {
		records, err := ReadSource(dir, e)
		switch {
		case errors.Is(err, ErrSourceNotFound):
			continue
		case errors.Is(err, ErrInvalidSource):
			sourceErrs[e.ClassName] = err
			continue
		case err != nil:
			return nil, err
		}
		for i, rec := range records {
			records[i] = stripForDryRun(e, rec)
		}
		pending[e.ClassName] = &pendingSource{records: records, lookup: BuildRecordLookup(e, records)}
	}

	counts := make(map[string]int)
	lookups := make(Lookups)
	for _, e := range v.schema.Ordered() {
		n, err := v.store.Count(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", e.ClassName, err)
		}
		counts[e.ClassName] = n
	}

	for _, e := range v.schema.Ordered() {
		src, isPending := pending[e.ClassName]
		srcErr := sourceErrs[e.ClassName]
		if !isPending && srcErr == nil {
			continue
		}

		ev := &EntityValidation{Entity: e.ClassName, Pending: true}
		report.Entities = append(report.Entities, ev)

		ev.Missing = missingDependencies(e, counts, func(name string) bool { return pending[name] != nil })
		ev.Ready = len(ev.Missing) == 0
		if srcErr != nil {
			ev.Ready = false
			ev.Warnings = append(ev.Warnings, srcErr.Error())
		}
		if !ev.Ready {
			report.Ready = false
		}
		if src == nil {
			continue
		}
		ev.Records = len(src.records)

		if err := v.validateEntity(ctx, e, src, pending, lookups, opts, ev); err != nil {
			return nil, err
		}
		ev.capLists(v.reportLimit)
	}
	return report, nil
}

func (v *ImportValidator) validateEntity(ctx context.Context, e *schema.Entity, src *pendingSource, pending map[string]*pendingSource, lookups Lookups, opts LoadOptions, ev *EntityValidation) error {
	targets := make(map[string]*Lookup, len(e.ForeignKeys))
	for _, fk := range e.ForeignKeys {
		t, ok := v.schema.Entity(fk.Target)
		if !ok || t.ClassName == e.ClassName {
			continue
		}
		lk, err := lookups.Get(ctx, v.store, t)
		if err != nil {
			return err
		}
		if p := pending[t.ClassName]; p != nil {
			lk = lk.Merge(p.lookup)
		}
		targets[t.ClassName] = lk
	}
	var self *Lookup
	if len(e.SelfReferences()) > 0 {
		stored, err := lookups.Get(ctx, v.store, e)
		if err != nil {
			return err
		}
		targets[e.ClassName] = stored
		self = src.lookup
	}
	resolver := newFKResolver(e, targets, self)
	dups := newDupTracker(e)

	for i, orig := range src.records {
		pos := i + 1
		rec := make(Record, len(orig))
		for k, val := range orig {
			rec[k] = val
		}

		outcomes := resolver.resolve(rec)
		for _, o := range outcomes {
			switch {
			case o.state == fkUnresolved:
				ev.FKErrors = addFKError(ev.FKErrors, o.fk.Name, o.value, o.fk.Target)
				if o.fk.Required {
					ev.Invalid = append(ev.Invalid, RowError{Row: pos, Message: fmt.Sprintf("%s %q not found in %s", o.fk.Name, o.value, o.fk.Target)})
				} else {
					ev.Warnings = append(ev.Warnings, fmt.Sprintf("row %d: %s %q not found in %s", pos, o.fk.Name, o.value, o.fk.Target))
				}
			case o.state == fkEmpty && o.fk.Required:
				ev.Invalid = append(ev.Invalid, RowError{Row: pos, Message: fmt.Sprintf("required reference %s is empty", o.fk.Name)})
			}
		}

		a := assess(e, rec, nil, v.validator, opts)
		for _, d := range a.deficits {
			msg := fmt.Sprintf("%s: %s", d.Field, d.Message)
			if d.Bit == QLRequiredEmpty {
				ev.Invalid = append(ev.Invalid, RowError{Row: pos, Message: msg})
				continue
			}
			ev.Warnings = append(ev.Warnings, fmt.Sprintf("row %d: %s", pos, msg))
		}

		for _, d := range dups.check(rec, pos) {
			d.Entity = e.ClassName
			ev.Duplicates = append(ev.Duplicates, d)
		}

		if err := v.checkConflicts(ctx, e, rec, pos, ev); err != nil {
			return err
		}
	}
	return nil
}

// checkConflicts looks up the record's unique values in storage and counts
// the back-references of each colliding row.
func (v *ImportValidator) checkConflicts(ctx context.Context, e *schema.Entity, rec Record, pos int, ev *EntityValidation) error {
	seen := make(map[int64]bool)
	for _, g := range storage.UniqueGroups(e) {
		match, ok := matchValues(g, rec)
		if !ok {
			continue
		}
		id, found, err := v.store.FindID(ctx, e, match)
		if err != nil {
			ev.Warnings = append(ev.Warnings, fmt.Sprintf("row %d: %v", pos, err))
			continue
		}
		if !found || seen[id] {
			continue
		}
		seen[id] = true

		refs, err := v.backReferences(ctx, e, id)
		if err != nil {
			return err
		}
		if refs == 0 {
			ev.Benign++
			continue
		}
		ev.WithDependents++
		ev.Conflicts = append(ev.Conflicts, Conflict{
			Entity:         e.ClassName,
			Row:            pos,
			Key:            strings.Join(g, "+"),
			Value:          keyString(g, match),
			ExistingID:     id,
			BackReferences: refs,
		})
	}
	return nil
}

// backReferences counts rows of other entities pointing at id.
func (v *ImportValidator) backReferences(ctx context.Context, e *schema.Entity, id int64) (int, error) {
	total := 0
	for _, inv := range e.InverseRelationships {
		if inv.Entity == e.ClassName {
			continue
		}
		ref, ok := v.schema.Entity(inv.Entity)
		if !ok {
			continue
		}
		n, err := v.store.CountReferences(ctx, ref, inv.Column, id)
		if err != nil {
			return 0, fmt.Errorf("count references %s.%s: %w", ref.ClassName, inv.Column, err)
		}
		total += n
	}
	return total, nil
}

// missingDependencies lists referenced entities with neither stored rows nor
// a pending source.
func missingDependencies(e *schema.Entity, counts map[string]int, hasSource func(string) bool) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, fk := range e.ForeignKeys {
		if fk.Target == e.ClassName || seen[fk.Target] {
			continue
		}
		seen[fk.Target] = true
		if counts[fk.Target] > 0 || hasSource(fk.Target) {
			continue
		}
		missing = append(missing, fk.Target)
	}
	return missing
}

// stripForDryRun applies the record preparation that needs no network.
func stripForDryRun(e *schema.Entity, src Record) Record {
	rec := make(Record, len(src))
	for k, v := range src {
		rec[k] = v
	}
	delete(rec, storage.ColumnID)
	delete(rec, storage.ColumnQL)
	delete(rec, storage.ColumnQD)
	for _, c := range e.Columns {
		if c.System || (c.Computed && !c.IsForeignKey()) {
			delete(rec, c.Name)
		}
	}
	flattenAggregates(e, rec)
	return rec
}
