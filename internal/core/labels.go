package core

// labels.go builds label -> id lookups for reference resolution and the
// reverse id -> label maps used by backups.
//
// A lookup carries, per row:
//   - the computed label (label expression) and the label column value
//   - the secondary label and the combined "primary (secondary)" key
//   - a "#N" positional key
//
// Every key is also indexed in normalized form (whitespace removed,
// case folded), so "PW1100G-JM" matches "pw 1100g-jm".

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
)

// Ref is a lookup target. Pending refs are 1-based positions within an
// in-flight batch that has no real ids yet.
type Ref struct {
	ID      int64
	Pending bool
}

// MatchKind names the tier that resolved a reference.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchNormalized MatchKind = "normalized"
	MatchFuzzy      MatchKind = "fuzzy"
	MatchUnique     MatchKind = "unique"
)

// Match is a resolved reference.
type Match struct {
	Ref
	Kind MatchKind
	// Label is the candidate label a fuzzy match settled on.
	Label string
}

type labelRef struct {
	label    string
	segments []string
	ref      Ref
}

// Lookup maps labels of one entity to row ids.
type Lookup struct {
	Entity    string
	separator string

	exact      map[string]Ref
	normalized map[string]Ref
	labels     []labelRef
	unique     map[string]map[string]Ref
}

func newLookup(e *schema.Entity) *Lookup {
	sep, _ := e.Label().Separator()
	return &Lookup{
		Entity:     e.ClassName,
		separator:  sep,
		exact:      make(map[string]Ref),
		normalized: make(map[string]Ref),
		unique:     make(map[string]map[string]Ref),
	}
}

// BuildLookup indexes stored rows. Positional keys count clean rows only,
// in id order, matching the order backups are written in.
func BuildLookup(e *schema.Entity, rows []storage.Row) *Lookup {
	entries := make([]lookupEntry, len(rows))
	pos := 0
	for i, row := range rows {
		p := 0
		if row.QL() == 0 {
			pos++
			p = pos
		}
		entries[i] = lookupEntry{row: row, ref: Ref{ID: row.ID()}, pos: p}
	}
	return buildLookup(e, entries)
}

// BuildRecordLookup indexes records that are not stored yet. Refs are
// pending 1-based positions.
func BuildRecordLookup(e *schema.Entity, records []Record) *Lookup {
	entries := make([]lookupEntry, len(records))
	for i, rec := range records {
		entries[i] = lookupEntry{row: rec, ref: Ref{ID: int64(i + 1), Pending: true}, pos: i + 1}
	}
	return buildLookup(e, entries)
}

type lookupEntry struct {
	row map[string]any
	ref Ref
	pos int
}

// buildLookup indexes primary labels of every row before any secondary,
// combined or positional key, so a primary label always names its own row.
func buildLookup(e *schema.Entity, entries []lookupEntry) *Lookup {
	l := newLookup(e)
	primaries := make([]string, len(entries))
	for i, en := range entries {
		primaries[i] = l.addPrimary(e, en.row, en.ref)
	}
	for i, en := range entries {
		l.addSecondary(e, en.row, en.ref, primaries[i], en.pos)
	}
	return l
}

func (l *Lookup) addPrimary(e *schema.Entity, row map[string]any, ref Ref) string {
	primary := primaryLabel(e, row)
	if primary != "" {
		l.add(primary, ref)
		l.labels = append(l.labels, labelRef{label: primary, segments: l.segments(primary), ref: ref})
	}
	if col := e.LabelColumn(); col != "" {
		l.add(schema.ValueString(row[col]), ref)
	}
	return primary
}

func (l *Lookup) addSecondary(e *schema.Entity, row map[string]any, ref Ref, primary string, pos int) {
	if col := e.Label2Column(); col != "" {
		secondary := schema.ValueString(row[col])
		l.add(secondary, ref)
		if primary != "" && secondary != "" {
			l.add(fmt.Sprintf("%s (%s)", primary, secondary), ref)
		}
	}
	if pos > 0 {
		l.add(fmt.Sprintf("#%d", pos), ref)
	}

	for _, col := range e.UniqueColumns() {
		v := schema.ValueString(row[col])
		if v == "" {
			continue
		}
		m, ok := l.unique[col]
		if !ok {
			m = make(map[string]Ref)
			l.unique[col] = m
		}
		if _, dup := m[v]; !dup {
			m[v] = ref
		}
	}
}

// add indexes key. The first row claiming a key keeps it.
func (l *Lookup) add(key string, ref Ref) {
	if key == "" {
		return
	}
	if _, ok := l.exact[key]; !ok {
		l.exact[key] = ref
	}
	n := normalizeLabel(key)
	if _, ok := l.normalized[n]; !ok {
		l.normalized[n] = ref
	}
}

// Len returns the number of distinct exact keys.
func (l *Lookup) Len() int { return len(l.exact) }

// Merge returns a lookup holding l's entries followed by other's. Entries of
// l win on key collisions.
func (l *Lookup) Merge(other *Lookup) *Lookup {
	out := &Lookup{
		Entity:     l.Entity,
		separator:  l.separator,
		exact:      make(map[string]Ref, len(l.exact)+len(other.exact)),
		normalized: make(map[string]Ref, len(l.normalized)+len(other.normalized)),
		unique:     make(map[string]map[string]Ref),
	}
	for _, src := range []*Lookup{l, other} {
		for k, v := range src.exact {
			if _, ok := out.exact[k]; !ok {
				out.exact[k] = v
			}
		}
		for k, v := range src.normalized {
			if _, ok := out.normalized[k]; !ok {
				out.normalized[k] = v
			}
		}
		for col, m := range src.unique {
			dst, ok := out.unique[col]
			if !ok {
				dst = make(map[string]Ref, len(m))
				out.unique[col] = dst
			}
			for k, v := range m {
				if _, ok := dst[k]; !ok {
					dst[k] = v
				}
			}
		}
		out.labels = append(out.labels, src.labels...)
	}
	return out
}

// Resolve finds the row a label refers to: exact key, normalized key,
// fuzzy segment subsequence, then unique column value.
func (l *Lookup) Resolve(value string) (Match, bool) {
	value = strings.TrimSpace(value)
	if value == "" || l == nil {
		return Match{}, false
	}
	if ref, ok := l.exact[value]; ok {
		return Match{Ref: ref, Kind: MatchExact}, true
	}
	if ref, ok := l.normalized[normalizeLabel(value)]; ok {
		return Match{Ref: ref, Kind: MatchNormalized}, true
	}
	if m, ok := l.fuzzy(value); ok {
		return m, true
	}
	return l.uniqueMatch(value)
}

// uniqueMatch looks value up in every unique column. Hits on different rows
// are ambiguous and resolve to nothing.
func (l *Lookup) uniqueMatch(value string) (Match, bool) {
	var found *Ref
	for _, m := range l.unique {
		ref, ok := m[value]
		if !ok {
			continue
		}
		if found != nil && *found != ref {
			return Match{}, false
		}
		found = &ref
	}
	if found == nil {
		return Match{}, false
	}
	return Match{Ref: *found, Kind: MatchUnique}, true
}

// fuzzy accepts value when its segments appear in order within exactly one
// candidate's segments. Ambiguity is no match.
func (l *Lookup) fuzzy(value string) (Match, bool) {
	if l.separator == "" {
		return Match{}, false
	}
	want := l.segments(value)
	if len(want) == 0 {
		return Match{}, false
	}

	var found *labelRef
	for i := range l.labels {
		c := &l.labels[i]
		if !isSubsequence(want, c.segments) {
			continue
		}
		if found != nil && found.ref != c.ref {
			return Match{}, false
		}
		found = c
	}
	if found == nil {
		return Match{}, false
	}
	return Match{Ref: found.ref, Kind: MatchFuzzy, Label: found.label}, true
}

func (l *Lookup) segments(s string) []string {
	if l.separator == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, l.separator) {
		if n := normalizeLabel(part); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func isSubsequence(want, have []string) bool {
	i := 0
	for _, h := range have {
		if i < len(want) && want[i] == h {
			i++
		}
	}
	return i == len(want)
}

// normalizeLabel removes all whitespace and case-folds s.
func normalizeLabel(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, norm.NFC.String(s))
	return cases.Fold().String(s)
}

// primaryLabel prefers the computed label and falls back to the label column.
func primaryLabel(e *schema.Entity, row map[string]any) string {
	if expr := e.Label(); !expr.IsZero() {
		if label := expr.Eval(row); label != "" {
			return label
		}
	}
	if col := e.LabelColumn(); col != "" {
		return schema.ValueString(row[col])
	}
	return ""
}

// BuildReverse maps ids of clean rows to portable labels: the primary
// label when it resolves back to the same row, otherwise the "#N" position.
func BuildReverse(e *schema.Entity, rows []storage.Row) map[int64]string {
	counts := make(map[string]int, len(rows))
	labels := make([]string, 0, len(rows))
	clean := make([]storage.Row, 0, len(rows))
	for _, row := range rows {
		if row.QL() != 0 {
			continue
		}
		label := primaryLabel(e, row)
		counts[label]++
		labels = append(labels, label)
		clean = append(clean, row)
	}

	lk := BuildLookup(e, clean)
	out := make(map[int64]string, len(clean))
	for i, row := range clean {
		label := labels[i]
		if label == "" || counts[label] > 1 || !lk.resolvesTo(label, row.ID()) {
			label = fmt.Sprintf("#%d", i+1)
		}
		out[row.ID()] = label
	}
	return out
}

func (l *Lookup) resolvesTo(label string, id int64) bool {
	m, ok := l.Resolve(label)
	return ok && !m.Pending && m.ID == id
}
