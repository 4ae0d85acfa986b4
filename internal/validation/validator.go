// Package validation checks records against the field- and object-level
// rules declared on schema entities.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/JonMunkholm/reconcile/internal/schema"
)

// Issue is one rule violation.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// Validator evaluates rules for the entities of one schema.
type Validator struct {
	schema *schema.Schema

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// New creates a Validator for s.
func New(s *schema.Schema) *Validator {
	return &Validator{schema: s, patterns: make(map[string]*regexp.Regexp)}
}

// ValidateFieldRulesOnly checks every non-empty field that carries a rule.
// Unknown entities yield no issues.
func (v *Validator) ValidateFieldRulesOnly(entity string, rec map[string]any) []Issue {
	e, ok := v.schema.Entity(entity)
	if !ok {
		return nil
	}

	var issues []Issue
	for _, c := range e.Columns {
		rule, ok := e.ValidationRules[c.Name]
		if !ok {
			continue
		}
		val, present := rec[c.Name]
		if !present || isEmpty(val) {
			continue
		}
		if msg := v.checkField(rule, val); msg != "" {
			if rule.Message != "" {
				msg = rule.Message
			}
			issues = append(issues, Issue{Field: c.Name, Message: msg})
		}
	}
	return issues
}

func (v *Validator) checkField(rule schema.FieldRule, val any) string {
	s := schema.ValueString(val)

	if rule.Pattern != "" {
		re, err := v.compile(rule.Pattern)
		if err != nil {
			return fmt.Sprintf("invalid pattern %q", rule.Pattern)
		}
		if !re.MatchString(s) {
			return fmt.Sprintf("does not match pattern %s", rule.Pattern)
		}
	}

	n := utf8.RuneCountInString(s)
	if rule.MinLength > 0 && n < rule.MinLength {
		return fmt.Sprintf("must be at least %d characters", rule.MinLength)
	}
	if rule.MaxLength > 0 && n > rule.MaxLength {
		return fmt.Sprintf("must be at most %d characters", rule.MaxLength)
	}

	if rule.Min != nil || rule.Max != nil {
		f, ok := toFloat(val)
		if !ok {
			return "invalid number"
		}
		if rule.Min != nil && f < *rule.Min {
			return fmt.Sprintf("must be >= %g", *rule.Min)
		}
		if rule.Max != nil && f > *rule.Max {
			return fmt.Sprintf("must be <= %g", *rule.Max)
		}
	}

	if len(rule.Enum) > 0 {
		for _, allowed := range rule.Enum {
			if s == allowed {
				return ""
			}
		}
		return fmt.Sprintf("invalid enum value %q", s)
	}
	return ""
}

func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	v.patterns[pattern] = re
	return re, nil
}

// ValidateObjectRulesOnly evaluates cross-field comparisons. A rule whose
// operands are not both present is skipped.
func (v *Validator) ValidateObjectRulesOnly(entity string, rec map[string]any) []Issue {
	e, ok := v.schema.Entity(entity)
	if !ok {
		return nil
	}

	var issues []Issue
	for _, rule := range e.ObjectRules {
		left, right := rec[rule.Field], rec[rule.Other]
		if isEmpty(left) || isEmpty(right) {
			continue
		}
		ok, err := compare(left, right, rule.Op)
		if err != nil {
			issues = append(issues, Issue{Field: rule.Field, Message: err.Error()})
			continue
		}
		if !ok {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("%s must be %s %s", rule.Field, rule.Op, rule.Other)
			}
			issues = append(issues, Issue{Field: rule.Field, Message: msg})
		}
	}
	return issues
}

// compare evaluates left op right, numerically when both sides are numbers
// and lexically otherwise (ISO dates order correctly as strings).
func compare(left, right any, op string) (bool, error) {
	var c int
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch {
		case lf < rf:
			c = -1
		case lf > rf:
			c = 1
		}
	} else {
		c = strings.Compare(schema.ValueString(left), schema.ValueString(right))
	}

	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	case "==", "=":
		return c == 0, nil
	case "!=":
		return c != 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}
