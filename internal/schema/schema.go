// Package schema holds the compiled entity descriptors the import engine
// works against: columns, foreign keys, unique keys, label expressions and
// validation rules, plus the global dependency order.
package schema

import (
	"fmt"
	"strings"
)

// ColumnType is the semantic type of a column.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeText    ColumnType = "text"
	TypeNumber  ColumnType = "number"
	TypeInteger ColumnType = "integer"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
	TypeURL     ColumnType = "url"
	TypeMedia   ColumnType = "media"
	TypeJSON    ColumnType = "json"
	TypeGeo     ColumnType = "geo"
)

// IsStringLike reports whether values of this type are stored as text.
func (t ColumnType) IsStringLike() bool {
	switch t {
	case TypeString, TypeText, TypeURL, TypeMedia, "":
		return true
	}
	return false
}

// UI carries display hints. Label marks the primary label column,
// Label2 the secondary one.
type UI struct {
	Label  bool `yaml:"label" json:"label"`
	Label2 bool `yaml:"label2" json:"label2"`
}

// MediaSpec constrains what a media column accepts when it is filled from a URL.
type MediaSpec struct {
	MaxBytes int64    `yaml:"maxBytes" json:"maxBytes"`
	Accept   []string `yaml:"accept" json:"accept"`
}

// Column describes one storage column.
type Column struct {
	Name       string     `yaml:"name" json:"name"`
	Type       ColumnType `yaml:"type" json:"type"`
	CustomType string     `yaml:"customType" json:"customType,omitempty"`
	Required   bool       `yaml:"required" json:"required,omitempty"`
	Unique     bool       `yaml:"unique" json:"unique,omitempty"`
	System     bool       `yaml:"system" json:"system,omitempty"`
	Computed   bool       `yaml:"computed" json:"computed,omitempty"`
	Default    any        `yaml:"default" json:"default,omitempty"`

	// References names the target entity when the column is a foreign key.
	References string `yaml:"references" json:"references,omitempty"`
	// As is the conceptual (label-style) name of a foreign key column.
	As string `yaml:"as" json:"as,omitempty"`

	// AggregateSource and AggregateField mark the column as a flattened
	// member of a composite field, e.g. location.lat -> location_lat.
	AggregateSource string `yaml:"aggregateSource" json:"aggregateSource,omitempty"`
	AggregateField  string `yaml:"aggregateField" json:"aggregateField,omitempty"`

	UI    UI         `yaml:"ui" json:"ui"`
	Media *MediaSpec `yaml:"media" json:"media,omitempty"`
}

// IsForeignKey reports whether the column references another entity.
func (c Column) IsForeignKey() bool { return c.References != "" }

// ForeignKey links a storage column to a target entity.
type ForeignKey struct {
	Column   string // storage column, e.g. operator_id
	Name     string // conceptual name, e.g. operator
	Target   string // target entity class name
	Required bool
}

// InverseRelationship records that Entity.Column references the owning entity.
type InverseRelationship struct {
	Entity string
	Column string
}

// FieldRule is a single-field validation rule.
type FieldRule struct {
	Pattern   string   `yaml:"pattern" json:"pattern,omitempty"`
	Min       *float64 `yaml:"min" json:"min,omitempty"`
	Max       *float64 `yaml:"max" json:"max,omitempty"`
	MinLength int      `yaml:"minLength" json:"minLength,omitempty"`
	MaxLength int      `yaml:"maxLength" json:"maxLength,omitempty"`
	Enum      []string `yaml:"enum" json:"enum,omitempty"`
	Message   string   `yaml:"message" json:"message,omitempty"`
}

// ObjectRule compares two fields of the same record, e.g. first_flight <= retired_on.
type ObjectRule struct {
	Name    string `yaml:"name" json:"name"`
	Field   string `yaml:"field" json:"field"`
	Op      string `yaml:"op" json:"op"`
	Other   string `yaml:"other" json:"other"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// Entity is one compiled schema unit.
type Entity struct {
	ClassName       string               `yaml:"className" json:"className"`
	TableName       string               `yaml:"tableName" json:"tableName"`
	Columns         []Column             `yaml:"columns" json:"columns"`
	UniqueKeys      [][]string           `yaml:"uniqueKeys" json:"uniqueKeys,omitempty"`
	LabelExpression string               `yaml:"label" json:"label,omitempty"`
	ValidationRules map[string]FieldRule `yaml:"rules" json:"rules,omitempty"`
	ObjectRules     []ObjectRule         `yaml:"objectRules" json:"objectRules,omitempty"`

	// Derived by New.
	ForeignKeys          []ForeignKey          `yaml:"-" json:"foreignKeys,omitempty"`
	InverseRelationships []InverseRelationship `yaml:"-" json:"inverseRelationships,omitempty"`

	label     LabelExpr
	columnIdx map[string]int
}

// Column returns the named column.
func (e *Entity) Column(name string) (Column, bool) {
	i, ok := e.columnIdx[name]
	if !ok {
		return Column{}, false
	}
	return e.Columns[i], true
}

// ForeignKey returns the foreign key stored in column.
func (e *Entity) ForeignKey(column string) (ForeignKey, bool) {
	for _, fk := range e.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// SelfReferences returns the foreign keys that target the entity itself.
func (e *Entity) SelfReferences() []ForeignKey {
	var out []ForeignKey
	for _, fk := range e.ForeignKeys {
		if fk.Target == e.ClassName {
			out = append(out, fk)
		}
	}
	return out
}

// UniqueColumns returns the single-column unique constraints in column order.
func (e *Entity) UniqueColumns() []string {
	var out []string
	for _, c := range e.Columns {
		if c.Unique {
			out = append(out, c.Name)
		}
	}
	return out
}

// HasUniqueness reports whether the entity declares any unique column or key.
func (e *Entity) HasUniqueness() bool {
	return len(e.UniqueColumns()) > 0 || len(e.UniqueKeys) > 0
}

// Label returns the parsed label expression. It is empty when the entity
// declares none.
func (e *Entity) Label() LabelExpr { return e.label }

// LabelColumn returns the primary label column: the ui.label column, the
// single field of a one-term label expression, "name", or the first
// non-system string column.
func (e *Entity) LabelColumn() string {
	for _, c := range e.Columns {
		if c.UI.Label {
			return c.Name
		}
	}
	if f, ok := e.label.SingleField(); ok {
		return f
	}
	if _, ok := e.Column("name"); ok {
		return "name"
	}
	for _, c := range e.Columns {
		if !c.System && !c.IsForeignKey() && c.Type.IsStringLike() {
			return c.Name
		}
	}
	return ""
}

// Label2Column returns the secondary label column, if any.
func (e *Entity) Label2Column() string {
	for _, c := range e.Columns {
		if c.UI.Label2 {
			return c.Name
		}
	}
	return ""
}

// AggregateSources returns the distinct composite field names in column order.
func (e *Entity) AggregateSources() []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range e.Columns {
		if c.AggregateSource != "" && !seen[c.AggregateSource] {
			seen[c.AggregateSource] = true
			out = append(out, c.AggregateSource)
		}
	}
	return out
}

// Schema is the set of entities plus their dependency order.
type Schema struct {
	ordered []*Entity
	byName  map[string]*Entity
}

// New validates entities, derives foreign keys and inverse relationships and
// computes the dependency order.
func New(entities []*Entity) (*Schema, error) {
	s := &Schema{byName: make(map[string]*Entity, len(entities)*2)}

	for _, e := range entities {
		if e.ClassName == "" {
			return nil, fmt.Errorf("entity without className")
		}
		if e.TableName == "" {
			e.TableName = toTableName(e.ClassName)
		}
		if _, dup := s.byName[e.ClassName]; dup {
			return nil, fmt.Errorf("duplicate entity %q", e.ClassName)
		}
		s.byName[e.ClassName] = e
		if e.TableName != e.ClassName {
			s.byName[e.TableName] = e
		}

		e.columnIdx = make(map[string]int, len(e.Columns))
		for i, c := range e.Columns {
			if c.Name == "" {
				return nil, fmt.Errorf("%s: column without name", e.ClassName)
			}
			if isReserved(c.Name) {
				return nil, fmt.Errorf("%s: column name %q is reserved", e.ClassName, c.Name)
			}
			if _, dup := e.columnIdx[c.Name]; dup {
				return nil, fmt.Errorf("%s: duplicate column %q", e.ClassName, c.Name)
			}
			switch {
			case c.IsForeignKey():
				e.Columns[i].Type = TypeInteger
			case c.Type == "":
				e.Columns[i].Type = TypeString
			}
			e.columnIdx[c.Name] = i
		}

		label, err := ParseLabel(e.LabelExpression)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.ClassName, err)
		}
		for _, f := range label.Fields() {
			if _, ok := e.columnIdx[f]; !ok {
				return nil, fmt.Errorf("%s: label references unknown column %q", e.ClassName, f)
			}
		}
		e.label = label

		for _, key := range e.UniqueKeys {
			for _, col := range key {
				if _, ok := e.columnIdx[col]; !ok {
					return nil, fmt.Errorf("%s: unique key references unknown column %q", e.ClassName, col)
				}
			}
		}
	}

	for _, e := range entities {
		e.ForeignKeys = e.ForeignKeys[:0]
		for _, c := range e.Columns {
			if !c.IsForeignKey() {
				continue
			}
			target, ok := s.byName[c.References]
			if !ok {
				return nil, fmt.Errorf("%s.%s references unknown entity %q", e.ClassName, c.Name, c.References)
			}
			name := c.As
			if name == "" {
				name = strings.TrimSuffix(c.Name, "_id")
			}
			e.ForeignKeys = append(e.ForeignKeys, ForeignKey{
				Column:   c.Name,
				Name:     name,
				Target:   target.ClassName,
				Required: c.Required,
			})
			target.InverseRelationships = append(target.InverseRelationships, InverseRelationship{
				Entity: e.ClassName,
				Column: c.Name,
			})
		}
	}

	s.ordered = dependencyOrder(entities)
	return s, nil
}

// Entity looks an entity up by class name or table name.
func (s *Schema) Entity(name string) (*Entity, bool) {
	e, ok := s.byName[name]
	return e, ok
}

// Ordered returns entities parents-first.
func (s *Schema) Ordered() []*Entity {
	out := make([]*Entity, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Names returns class names in dependency order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.ordered))
	for i, e := range s.ordered {
		out[i] = e.ClassName
	}
	return out
}

func isReserved(name string) bool {
	switch name {
	case "id", "ql", "qd":
		return true
	}
	return false
}

// toTableName converts a class name to snake_case: EngineType -> engine_type.
func toTableName(class string) string {
	var b strings.Builder
	for i, r := range class {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
