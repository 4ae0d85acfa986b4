package schema

import (
	"fmt"
	"strings"
)

// LabelPart is one term of a label expression: a field reference or a literal.
type LabelPart struct {
	Field   string
	Literal string
}

// IsLiteral reports whether the part is a quoted literal.
func (p LabelPart) IsLiteral() bool { return p.Field == "" }

// LabelExpr is a parsed label expression such as `manufacturer + "-" + model`.
type LabelExpr struct {
	Parts []LabelPart
}

// ParseLabel parses `term ('+' term)*` where a term is a field name or a
// single- or double-quoted literal. An empty expression is valid.
func ParseLabel(expr string) (LabelExpr, error) {
	var out LabelExpr
	s := strings.TrimSpace(expr)
	if s == "" {
		return out, nil
	}

	for {
		s = strings.TrimSpace(s)
		if s == "" {
			return out, fmt.Errorf("label %q: expected term", expr)
		}

		switch q := s[0]; q {
		case '"', '\'':
			end := strings.IndexByte(s[1:], q)
			if end < 0 {
				return out, fmt.Errorf("label %q: unterminated literal", expr)
			}
			out.Parts = append(out.Parts, LabelPart{Literal: s[1 : end+1]})
			s = s[end+2:]
		default:
			end := strings.IndexByte(s, '+')
			if end < 0 {
				end = len(s)
			}
			field := strings.TrimSpace(s[:end])
			if field == "" || strings.ContainsAny(field, " \t\"'") {
				return out, fmt.Errorf("label %q: invalid field %q", expr, field)
			}
			out.Parts = append(out.Parts, LabelPart{Field: field})
			s = s[end:]
		}

		s = strings.TrimSpace(s)
		if s == "" {
			return out, nil
		}
		if s[0] != '+' {
			return out, fmt.Errorf("label %q: expected '+'", expr)
		}
		s = s[1:]
	}
}

// IsZero reports whether no expression was declared.
func (e LabelExpr) IsZero() bool { return len(e.Parts) == 0 }

// Fields returns the referenced field names in order.
func (e LabelExpr) Fields() []string {
	var out []string
	for _, p := range e.Parts {
		if !p.IsLiteral() {
			out = append(out, p.Field)
		}
	}
	return out
}

// SingleField returns the field when the expression is exactly one field reference.
func (e LabelExpr) SingleField() (string, bool) {
	if len(e.Parts) == 1 && !e.Parts[0].IsLiteral() {
		return e.Parts[0].Field, true
	}
	return "", false
}

// Separator returns the literal joining the fields when the expression is a
// concatenation of at least two fields separated by one consistent,
// non-empty literal.
func (e LabelExpr) Separator() (string, bool) {
	if len(e.Fields()) < 2 {
		return "", false
	}
	sep := ""
	prevField := false
	for _, p := range e.Parts {
		if p.IsLiteral() {
			if p.Literal == "" || !prevField {
				return "", false
			}
			if sep != "" && sep != p.Literal {
				return "", false
			}
			sep = p.Literal
			prevField = false
			continue
		}
		if prevField {
			// two adjacent fields have no separator between them
			return "", false
		}
		prevField = true
	}
	if sep == "" || !prevField {
		return "", false
	}
	return sep, true
}

// Eval computes the label for a row. Empty field values render as "".
// It returns "" when every referenced field is empty.
func (e LabelExpr) Eval(row map[string]any) string {
	var b strings.Builder
	anyField := false
	for _, p := range e.Parts {
		if p.IsLiteral() {
			b.WriteString(p.Literal)
			continue
		}
		v := ValueString(row[p.Field])
		if v != "" {
			anyField = true
		}
		b.WriteString(v)
	}
	if !anyField {
		return ""
	}
	return b.String()
}

// ValueString renders a scalar record value as label text.
func ValueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
