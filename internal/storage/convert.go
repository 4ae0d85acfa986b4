package storage

// convert.go coerces loosely typed import values into the canonical Go
// types every backend binds, and normalizes values read back from storage.
//
// Import files are hand-written JSON, so the coercion tolerates the usual
// artifacts:
//   - Multiple date formats (US, EU, ISO, etc.)
//   - Currency symbols and thousand separators in numbers
//   - Various boolean representations (yes/no, true/false, 1/0)

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/reconcile/internal/schema"
)

// DateLayout is the canonical date representation.
const DateLayout = "2006-01-02"

// numericRegex validates that a string is a valid numeric format after cleanup.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		DateLayout, time.RFC3339, "2006-01-02T15:04:05", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// ParseDate parses s in any supported layout.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	return time.Time{}, false
}

// CleanNumber strips currency symbols and thousands separators and turns
// accounting negatives "(12.50)" into "-12.50". It returns false when the
// result is not numeric.
func CleanNumber(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "")
	s = strings.ReplaceAll(s, "£", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}
	if !numericRegex.MatchString(s) {
		return "", false
	}
	return s, true
}

// ParseBool accepts true/false, yes/no, t/f, y/n and 1/0.
func ParseBool(s string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}

// IsNumericText reports whether s is a plain integer such as a raw id.
func IsNumericText(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// AsInt64 converts whole numbers held in any numeric representation.
func AsInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		if x != float64(int64(x)) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		i, err := x.Int64()
		return i, err == nil
	case string:
		if !IsNumericText(x) {
			return 0, false
		}
		i, _ := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return i, true
	}
	return 0, false
}

// AsFloat64 converts any numeric representation to float64.
func AsFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		clean, ok := CleanNumber(x)
		if !ok {
			return 0, false
		}
		f, err := strconv.ParseFloat(clean, 64)
		return f, err == nil
	}
	return 0, false
}

// IsEmpty reports whether v counts as "no value" for required checks.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

// Coerce converts an import value to the canonical Go type for col.
// Empty values become nil.
func Coerce(col schema.Column, v any) (any, error) {
	if IsEmpty(v) {
		if col.Type.IsStringLike() {
			if s, ok := v.(string); ok {
				return s, nil
			}
		}
		return nil, nil
	}

	switch col.Type {
	case schema.TypeInteger:
		if i, ok := AsInt64(v); ok {
			return i, nil
		}
		if f, ok := AsFloat64(v); ok && f == float64(int64(f)) {
			return int64(f), nil
		}
		return nil, fmt.Errorf("invalid number for %s: %v", col.Name, v)

	case schema.TypeNumber:
		if f, ok := AsFloat64(v); ok {
			return f, nil
		}
		return nil, fmt.Errorf("invalid number for %s: %v", col.Name, v)

	case schema.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			if b, ok := ParseBool(x); ok {
				return b, nil
			}
		default:
			if i, ok := AsInt64(x); ok && (i == 0 || i == 1) {
				return i == 1, nil
			}
		}
		return nil, fmt.Errorf("invalid boolean for %s: %v", col.Name, v)

	case schema.TypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.Format(DateLayout), nil
		case string:
			if t, ok := ParseDate(x); ok {
				return t.Format(DateLayout), nil
			}
		}
		return nil, fmt.Errorf("invalid date for %s: %v", col.Name, v)

	case schema.TypeJSON, schema.TypeGeo:
		if s, ok := v.(string); ok {
			return s, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", col.Name, err)
		}
		return string(data), nil
	}

	switch x := v.(type) {
	case string:
		return x, nil
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", col.Name, err)
		}
		return string(data), nil
	}
	return schema.ValueString(v), nil
}

// Normalize converts a value read from a backend into the Row representation
// for col.
func Normalize(col schema.Column, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}

	switch col.Type {
	case schema.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x != 0
		case string:
			b, _ := ParseBool(x)
			return b
		}
	case schema.TypeInteger:
		if i, ok := AsInt64(v); ok {
			return i
		}
	case schema.TypeNumber:
		if f, ok := AsFloat64(v); ok {
			return f
		}
	case schema.TypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.Format(DateLayout)
		case string:
			if t, ok := ParseDate(x); ok {
				return t.Format(DateLayout)
			}
			return x
		}
	}

	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	return v
}

// SentinelRow builds the reserved row for e: string columns hold
// SentinelLabel and foreign keys point at the target's sentinel.
func SentinelRow(e *schema.Entity) Row {
	row := Row{ColumnID: SentinelID, ColumnQL: int64(0)}
	for _, c := range e.Columns {
		switch {
		case c.IsForeignKey():
			row[c.Name] = SentinelID
		case c.Type == schema.TypeString || c.Type == schema.TypeText:
			row[c.Name] = SentinelLabel
		}
	}
	return row
}
