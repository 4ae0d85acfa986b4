package core

// loader.go implements the per-entity load pipeline.
//
// Each record passes through:
//  1. prepare: strip reserved/system/computed fields, flatten aggregates,
//     materialize media URLs
//  2. reference resolution against the target lookups
//  3. quality assessment (quality mode) or rule checks (standard mode)
//  4. the write dictated by the import mode
//
// Row failures are collected in the LoadResult; they never abort the batch.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JonMunkholm/reconcile/internal/logging"
	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// Loader writes record sets into one store.
type Loader struct {
	store       storage.Store
	schema      *schema.Schema
	validator   RuleValidator
	media       MediaService
	metrics     *Metrics
	reportLimit int
}

// NewLoader creates a Loader. validator, media and metrics may be nil.
func NewLoader(store storage.Store, s *schema.Schema, validator RuleValidator, media MediaService, metrics *Metrics, reportLimit int) *Loader {
	if reportLimit <= 0 {
		reportLimit = DefaultReportLimit
	}
	return &Loader{
		store:       store,
		schema:      s,
		validator:   validator,
		media:       media,
		metrics:     metrics,
		reportLimit: reportLimit,
	}
}

// SourcePath returns the file holding e's records in dir.
func SourcePath(dir string, e *schema.Entity) string {
	return filepath.Join(dir, e.ClassName+".json")
}

// ReadSource reads the JSON array of records for e from dir.
func ReadSource(dir string, e *schema.Entity) ([]Record, error) {
	path := SourcePath(dir, e)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	records, err := DecodeReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// DecodeRecords parses a JSON array of objects.
func DecodeRecords(data []byte) ([]Record, error) {
	return DecodeReader(bytes.NewReader(data))
}

// DecodeReader parses a JSON array of objects from r. Byte order marks are
// stripped and invalid UTF-8 is replaced before parsing.
func DecodeReader(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(NewSourceReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	for i, r := range records {
		if r == nil {
			return nil, fmt.Errorf("%w: record %d is not an object", ErrInvalidSource, i+1)
		}
	}
	return records, nil
}

// LoadEntity reads e's source file and loads it.
func (l *Loader) LoadEntity(ctx context.Context, e *schema.Entity, dir string, lookups Lookups, opts LoadOptions) (*LoadResult, error) {
	records, err := ReadSource(dir, e)
	if err != nil {
		return nil, err
	}
	return l.LoadRecords(ctx, e, records, lookups, opts)
}

// pendingFix is a self-reference written provisionally and pointed at its
// sibling once the sibling has a real id.
type pendingFix struct {
	row    int
	fk     schema.ForeignKey
	value  string
	target int
}

// loadRun carries the state of one LoadRecords call.
type loadRun struct {
	*Loader
	entity   *schema.Entity
	opts     LoadOptions
	res      *LoadResult
	resolver *fkResolver
	dups     *dupTracker

	realIDs   map[int]int64
	fixes     []pendingFix
	attempted int

	// per row position
	inserted map[int]bool // inserted rather than updated
	kept     map[int]bool // existing row left alone (skip conflicts)
	assessed map[int]*assessment
	accepted map[int]bool // counted in QualityAccepted
}

// LoadRecords loads records into e. lookups supplies storage lookups of
// referenced entities and is filled on demand.
func (l *Loader) LoadRecords(ctx context.Context, e *schema.Entity, records []Record, lookups Lookups, opts LoadOptions) (*LoadResult, error) {
	start := time.Now()
	if opts.Mode == "" {
		opts.Mode = ModeReplace
	}
	if lookups == nil {
		lookups = make(Lookups)
	}
	logger := logging.WithFields(ctx, "entity", e.ClassName, "mode", opts.Mode)

	res := &LoadResult{Entity: e.ClassName, Mode: opts.Mode, Records: len(records)}
	prepared := make([]Record, len(records))
	for i, src := range records {
		prepared[i] = l.prepare(ctx, e, src, i+1, opts, res)
	}
	for _, me := range res.MediaErrors {
		logger.Warn("media fetch failed", "row", me.Row, "field", me.Field, "url", me.URL, "error", me.Error)
	}

	// Lookups are read before the batch opens; stores may serialize on one
	// connection.
	targets := make(map[string]*Lookup, len(e.ForeignKeys))
	for _, fk := range e.ForeignKeys {
		t, ok := l.schema.Entity(fk.Target)
		if !ok {
			continue
		}
		lk, err := lookups.Get(ctx, l.store, t)
		if err != nil {
			return nil, err
		}
		targets[t.ClassName] = lk
	}
	selfRefs := e.SelfReferences()
	var batch *Lookup
	if len(selfRefs) > 0 {
		batch = BuildRecordLookup(e, prepared)
	}

	before := 0
	if opts.Mode == ModeReplace {
		n, err := l.store.Count(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", e.ClassName, err)
		}
		before = n
	}

	run := &loadRun{
		Loader:   l,
		entity:   e,
		opts:     opts,
		res:      res,
		resolver: newFKResolver(e, targets, batch),
		dups:     newDupTracker(e),
		realIDs:  make(map[int]int64, len(prepared)),
		inserted: make(map[int]bool),
		kept:     make(map[int]bool),
		assessed: make(map[int]*assessment),
		accepted: make(map[int]bool),
	}

	bopts := storage.BatchOptions{DisableReferenceChecks: len(selfRefs) > 0}
	err := l.store.Batch(ctx, e, bopts, func(w storage.Writer) error {
		for i, rec := range prepared {
			run.process(ctx, w, rec, i+1)
		}
		run.applyFixes(ctx, w)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", e.ClassName, err)
	}
	lookups.Invalidate(e)

	if opts.Mode == ModeReplace {
		after, err := l.store.Count(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", e.ClassName, err)
		}
		if silent := run.attempted - (after - before); silent > 0 {
			res.Replaced = silent
			res.Loaded -= silent
			res.warnf("%d rows silently replaced existing rows through a unique constraint", silent)
			logger.Warn("silent replacements", "count", silent)
		}
	}

	res.Duration = time.Since(start)
	l.metrics.ObserveLoad(res)
	res.capLists(l.reportLimit)

	logger.Info("entity loaded",
		"records", res.Records,
		"loaded", res.Loaded,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"replaced", res.Replaced,
		"quality_accepted", res.QualityAccepted,
		"fk_errors", len(res.FKErrors),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// prepare copies src into the shape the writer expects.
func (l *Loader) prepare(ctx context.Context, e *schema.Entity, src Record, pos int, opts LoadOptions, res *LoadResult) Record {
	rec := make(Record, len(src))
	for k, v := range src {
		rec[k] = v
	}
	delete(rec, storage.ColumnQL)
	delete(rec, storage.ColumnQD)
	if !opts.PreserveSystem {
		delete(rec, storage.ColumnID)
		for _, c := range e.Columns {
			if c.System {
				delete(rec, c.Name)
			}
		}
	}
	for _, c := range e.Columns {
		if c.Computed && !c.IsForeignKey() {
			delete(rec, c.Name)
		}
	}

	flattenAggregates(e, rec)
	res.MediaErrors = append(res.MediaErrors, resolveMedia(ctx, l.media, e, rec, pos)...)
	return rec
}

func (r *loadRun) process(ctx context.Context, w storage.Writer, rec Record, pos int) {
	e, res := r.entity, r.res

	outcomes := r.resolver.resolve(rec)
	for _, o := range outcomes {
		switch o.state {
		case fkUnresolved:
			res.addFKError(o.fk.Name, o.value, o.fk.Target)
			if !o.fk.Required {
				res.warnf("row %d: %s %q not found in %s", pos, o.fk.Name, o.value, o.fk.Target)
			}
		case fkResolved:
			if o.match.Kind == MatchFuzzy {
				res.FuzzyMatches = append(res.FuzzyMatches, FuzzyMatch{
					Field: o.fk.Name, Value: o.value, Matched: o.match.Label, ID: o.match.ID,
				})
			}
		case fkPending:
			rec[o.fk.Column] = nil
			if o.fk.Required {
				rec[o.fk.Column] = storage.SentinelID
			}
			r.fixes = append(r.fixes, pendingFix{row: pos, fk: o.fk, value: o.value, target: int(o.match.ID)})
		}
	}

	a := assess(e, rec, outcomes, r.validator, r.opts)
	qualityAccepted := false

	if r.opts.AcceptQL > 0 {
		mask := a.mask()
		if mask&^r.opts.AcceptQL != 0 {
			res.QualityRejected++
			res.Skipped++
			res.rowError(pos, "quality %d not accepted (acceptQL %d): %s",
				mask, r.opts.AcceptQL, strings.Join(a.messages(mask), "; "))
			return
		}
		neutralize(e, rec, a)
		qd, err := encodeDeficits(a.deficits)
		if err != nil {
			res.Skipped++
			res.rowError(pos, "%v", err)
			return
		}
		rec[storage.ColumnQL] = mask
		rec[storage.ColumnQD] = qd
		qualityAccepted = mask != 0
		r.assessed[pos] = a
	} else {
		if hard := QLFKUnresolvable | QLRequiredFKEmpty | QLRequiredEmpty; a.has(hard) {
			res.Skipped++
			res.rowError(pos, "%s", strings.Join(a.messages(hard), "; "))
			return
		}
		if rules := QLFieldRule | QLObjectRule; a.has(rules) {
			msgs := a.messages(rules)
			if r.opts.SkipInvalid {
				res.Skipped++
				res.rowError(pos, "%s", strings.Join(msgs, "; "))
				return
			}
			for _, m := range msgs {
				res.warnf("row %d: %s", pos, m)
			}
		}
		rec[storage.ColumnQL] = int64(0)
		rec[storage.ColumnQD] = nil
	}

	res.Duplicates = append(res.Duplicates, r.dups.check(rec, pos)...)

	id, ok := r.write(ctx, w, storage.Row(rec), pos)
	if !ok {
		return
	}
	r.realIDs[pos] = id
	if qualityAccepted {
		res.QualityAccepted++
		r.accepted[pos] = true
	}
}

// write stores one row according to the import mode. It reports false
// when the row was not written.
func (r *loadRun) write(ctx context.Context, w storage.Writer, row storage.Row, pos int) (int64, bool) {
	e, res := r.entity, r.res

	if r.opts.Mode == ModeReplace {
		id, err := w.Replace(ctx, e, withDefaults(e, row))
		if err != nil {
			res.Skipped++
			res.rowError(pos, "write failed: %v", err)
			return 0, false
		}
		r.attempted++
		res.Loaded++
		r.inserted[pos] = true
		return id, true
	}

	existing, key, found, err := findExisting(ctx, w, e, row)
	if err != nil {
		res.Skipped++
		res.rowError(pos, "lookup failed: %v", err)
		return 0, false
	}

	switch {
	case found && r.opts.Mode == ModeSkipConflicts:
		res.Skipped++
		r.realIDs[pos] = existing
		r.kept[pos] = true
		return 0, false
	case found:
		update := make(storage.Row, len(row))
		for k, v := range row {
			if k != storage.ColumnID {
				update[k] = v
			}
		}
		// provisional self-references keep the stored value until fixed
		for _, f := range r.fixes {
			if f.row == pos {
				delete(update, f.fk.Column)
			}
		}
		if err := w.Update(ctx, e, existing, update); err != nil {
			res.Skipped++
			res.rowError(pos, "update failed: %v", err)
			return 0, false
		}
		res.Updated++
		res.UpdatedKeys = append(res.UpdatedKeys, key)
		return existing, true
	}

	id, err := w.Insert(ctx, e, withDefaults(e, row))
	if err != nil {
		res.Skipped++
		res.rowError(pos, "write failed: %v", err)
		return 0, false
	}
	res.Loaded++
	r.inserted[pos] = true
	return id, true
}

// applyFixes points provisional self-references at the real ids of the
// rows they named.
//
// A required self-reference whose target was never written cannot be
// stored. The inserted row is flagged with QLFKUnresolvable when quality
// mode accepts that bit, and deleted otherwise; rows whose target was
// deleted follow it. Updated rows keep their stored reference.
func (r *loadRun) applyFixes(ctx context.Context, w storage.Writer) {
	flag := r.opts.AcceptQL&QLFKUnresolvable != 0
	dropped := make(map[int]bool)
	written := func(pos int) bool {
		_, ok := r.realIDs[pos]
		return ok && !dropped[pos]
	}
	var drops []pendingFix
	for changed := true; changed; {
		changed = false
		for _, f := range r.fixes {
			if !f.fk.Required || flag || !r.inserted[f.row] || !written(f.row) || written(f.target) {
				continue
			}
			dropped[f.row] = true
			drops = append(drops, f)
			changed = true
		}
	}

	for _, f := range r.fixes {
		if !written(f.row) || r.kept[f.row] {
			continue
		}
		id := r.realIDs[f.row]
		if written(f.target) {
			if err := w.Update(ctx, r.entity, id, storage.Row{f.fk.Column: r.realIDs[f.target]}); err != nil {
				r.res.rowError(f.row, "set %s: %v", f.fk.Name, err)
			}
			continue
		}

		r.res.addFKError(f.fk.Name, f.value, f.fk.Target)
		switch {
		case !f.fk.Required:
			r.res.warnf("row %d: %s refers to row %d, which was not written", f.row, f.fk.Name, f.target)
		case !r.inserted[f.row]:
			r.res.warnf("row %d: %s refers to row %d, which was not written; stored reference kept", f.row, f.fk.Name, f.target)
		default:
			r.flagUnresolved(ctx, w, f, r.realIDs[f.row])
		}
	}

	for _, f := range drops {
		r.res.addFKError(f.fk.Name, f.value, f.fk.Target)
		if err := w.Delete(ctx, r.entity, r.realIDs[f.row]); err != nil {
			r.res.rowError(f.row, "remove row with unresolved %s: %v", f.fk.Name, err)
			continue
		}
		delete(r.realIDs, f.row)
		r.res.Loaded--
		r.res.Skipped++
		if r.opts.Mode == ModeReplace {
			r.attempted--
		}
		if r.opts.AcceptQL > 0 {
			r.res.QualityRejected++
			if r.accepted[f.row] {
				r.res.QualityAccepted--
			}
		}
		r.res.rowError(f.row, "%s: %s %q was not written", f.fk.Column, f.fk.Target, f.value)
	}
}

// flagUnresolved leaves the row at the sentinel and records the deficit.
func (r *loadRun) flagUnresolved(ctx context.Context, w storage.Writer, f pendingFix, id int64) {
	a, ok := r.assessed[f.row]
	if !ok {
		a = &assessment{}
	}
	a.add(f.fk.Column, QLFKUnresolvable, f.value, fmt.Sprintf("%s %q was not written", f.fk.Target, f.value))
	qd, err := encodeDeficits(a.deficits)
	if err != nil {
		r.res.rowError(f.row, "%v", err)
		return
	}
	row := storage.Row{f.fk.Column: storage.SentinelID, storage.ColumnQL: a.mask(), storage.ColumnQD: qd}
	if err := w.Update(ctx, r.entity, id, row); err != nil {
		r.res.rowError(f.row, "flag %s: %v", f.fk.Name, err)
		return
	}
	if !r.accepted[f.row] {
		r.accepted[f.row] = true
		r.res.QualityAccepted++
	}
}

// findExisting searches the row a record corresponds to: unique columns,
// then composite keys, then the label column when the entity declares no
// uniqueness at all.
func findExisting(ctx context.Context, w storage.Writer, e *schema.Entity, row storage.Row) (int64, string, bool, error) {
	groups := storage.UniqueGroups(e)
	if !e.HasUniqueness() {
		if col := e.LabelColumn(); col != "" {
			groups = [][]string{{col}}
		}
	}

	for _, g := range groups {
		match, ok := matchValues(g, row)
		if !ok {
			continue
		}
		id, found, err := w.FindID(ctx, e, match)
		if err != nil {
			return 0, "", false, err
		}
		if found {
			return id, keyString(g, match), true, nil
		}
	}
	return 0, "", false, nil
}

func matchValues(cols []string, row map[string]any) (storage.Row, bool) {
	match := make(storage.Row, len(cols))
	for _, c := range cols {
		v, ok := row[c]
		if !ok || storage.IsEmpty(v) {
			return nil, false
		}
		match[c] = v
	}
	return match, true
}

func keyString(cols []string, match map[string]any) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = schema.ValueString(match[c])
	}
	return strings.Join(parts, "|")
}

// withDefaults fills absent columns that declare a default.
func withDefaults(e *schema.Entity, row storage.Row) storage.Row {
	var out storage.Row
	for _, c := range e.Columns {
		if c.Default == nil {
			continue
		}
		if _, ok := row[c.Name]; ok {
			continue
		}
		if out == nil {
			out = make(storage.Row, len(row)+1)
			for k, v := range row {
				out[k] = v
			}
		}
		out[c.Name] = c.Default
	}
	if out == nil {
		return row
	}
	return out
}

// dupTracker finds unique values repeated within one batch.
type dupTracker struct {
	groups [][]string
	seen   map[string]int
}

func newDupTracker(e *schema.Entity) *dupTracker {
	return &dupTracker{groups: storage.UniqueGroups(e), seen: make(map[string]int)}
}

// check records rec's unique values and returns an entry for each one
// already claimed by an earlier row.
func (d *dupTracker) check(rec map[string]any, pos int) []Duplicate {
	var out []Duplicate
	for _, g := range d.groups {
		match, ok := matchValues(g, rec)
		if !ok {
			continue
		}
		key := strings.Join(g, "+")
		value := keyString(g, match)
		k := key + "\x00" + value
		if first, dup := d.seen[k]; dup {
			out = append(out, Duplicate{Key: key, Value: value, Row: pos, FirstAt: first})
			continue
		}
		d.seen[k] = pos
	}
	return out
}
