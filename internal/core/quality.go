package core

import (
	"encoding/json"
	"fmt"

	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage"
	"github.com/JonMunkholm/reconcile/internal/validation"
)

// RuleValidator checks field and object rules of a record.
type RuleValidator interface {
	ValidateFieldRulesOnly(entity string, rec map[string]any) []validation.Issue
	ValidateObjectRulesOnly(entity string, rec map[string]any) []validation.Issue
}

// assessment is the list of deficits found for one record.
type assessment struct {
	deficits []Deficit
}

func (a *assessment) add(field string, bit int64, value any, msg string) {
	a.deficits = append(a.deficits, Deficit{Field: field, Bit: bit, Value: value, Message: msg})
}

// mask ORs the bits of every deficit.
func (a *assessment) mask() int64 {
	var m int64
	for _, d := range a.deficits {
		m |= d.Bit
	}
	return m
}

func (a *assessment) has(bits int64) bool { return a.mask()&bits != 0 }

func (a *assessment) messages(bits int64) []string {
	var out []string
	for _, d := range a.deficits {
		if d.Bit&bits != 0 {
			out = append(out, fmt.Sprintf("%s: %s", d.Field, d.Message))
		}
	}
	return out
}

// assess collects the deficits of a record whose references are already
// resolved.
func assess(e *schema.Entity, rec Record, fks []fkOutcome, v RuleValidator, opts LoadOptions) *assessment {
	a := &assessment{}

	for _, o := range fks {
		if !o.fk.Required {
			continue
		}
		switch o.state {
		case fkUnresolved:
			a.add(o.fk.Column, QLFKUnresolvable, o.value, fmt.Sprintf("no %s matches %q", o.fk.Target, o.value))
		case fkEmpty:
			a.add(o.fk.Column, QLRequiredFKEmpty, nil, fmt.Sprintf("required reference to %s is empty", o.fk.Target))
		}
	}

	for _, c := range e.Columns {
		if !c.Required || c.IsForeignKey() || c.System || c.Computed {
			continue
		}
		val, ok := rec[c.Name]
		if !ok && c.Default != nil {
			continue
		}
		if storage.IsEmpty(val) {
			a.add(c.Name, QLRequiredEmpty, nil, "required field is empty")
		}
	}

	if v != nil && opts.ValidateFields {
		for _, is := range v.ValidateFieldRulesOnly(e.ClassName, rec) {
			a.add(is.Field, QLFieldRule, rec[is.Field], is.Message)
		}
	}
	if v != nil && opts.ValidateConstraints {
		for _, is := range v.ValidateObjectRulesOnly(e.ClassName, rec) {
			a.add(is.Field, QLObjectRule, rec[is.Field], is.Message)
		}
	}
	return a
}

// neutralize replaces every deficient field so the row can be stored:
// references go to the sentinel row, other fields get a neutral value.
// Object-rule deficits are recorded only.
func neutralize(e *schema.Entity, rec Record, a *assessment) {
	for _, d := range a.deficits {
		switch d.Bit {
		case QLFKUnresolvable, QLRequiredFKEmpty:
			rec[d.Field] = storage.SentinelID
		case QLFieldRule, QLRequiredEmpty:
			if c, ok := e.Column(d.Field); ok && !c.IsForeignKey() {
				rec[d.Field] = neutralValue(c)
			}
		}
	}
}

// neutralValue is the stand-in written for a neutralized field.
func neutralValue(c schema.Column) any {
	switch c.Type {
	case schema.TypeNumber:
		return float64(0)
	case schema.TypeInteger:
		return int64(0)
	case schema.TypeBoolean:
		return false
	case schema.TypeDate:
		return "1970-01-01"
	case schema.TypeJSON:
		return "{}"
	}
	return ""
}

// encodeDeficits renders the qd column. No deficits is null.
func encodeDeficits(ds []Deficit) (any, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ds)
	if err != nil {
		return nil, fmt.Errorf("encode quality details: %w", err)
	}
	return string(data), nil
}

// DecodeDeficits parses a stored qd value.
func DecodeDeficits(v any) ([]Deficit, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	var ds []Deficit
	if err := json.Unmarshal([]byte(s), &ds); err != nil {
		return nil, fmt.Errorf("decode quality details: %w", err)
	}
	return ds, nil
}
