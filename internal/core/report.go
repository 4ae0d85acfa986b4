package core

import "fmt"

// DefaultReportLimit caps every list in a LoadResult.
const DefaultReportLimit = 50

// addFKError counts a failed resolution, grouping by field, value and target.
func (r *LoadResult) addFKError(field, value, target string) {
	r.FKErrors = addFKError(r.FKErrors, field, value, target)
}

func addFKError(list []FKError, field, value, target string) []FKError {
	for i := range list {
		e := &list[i]
		if e.Field == field && e.Value == value && e.TargetEntity == target {
			e.Count++
			return list
		}
	}
	return append(list, FKError{Field: field, Value: value, TargetEntity: target, Count: 1})
}

func (r *LoadResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *LoadResult) rowError(row int, format string, args ...any) {
	r.RowErrors = append(r.RowErrors, RowError{Row: row, Message: fmt.Sprintf(format, args...)})
}

// capLists truncates every list to limit entries and records how many were
// dropped in Omitted.
func (r *LoadResult) capLists(limit int) {
	if limit <= 0 {
		return
	}
	omit := func(name string, n int) {
		if n <= limit {
			return
		}
		if r.Omitted == nil {
			r.Omitted = make(map[string]int)
		}
		r.Omitted[name] = n - limit
	}

	omit("fkErrors", len(r.FKErrors))
	r.FKErrors = capSlice(r.FKErrors, limit)
	omit("fuzzyMatches", len(r.FuzzyMatches))
	r.FuzzyMatches = capSlice(r.FuzzyMatches, limit)
	omit("duplicates", len(r.Duplicates))
	r.Duplicates = capSlice(r.Duplicates, limit)
	omit("updatedKeys", len(r.UpdatedKeys))
	r.UpdatedKeys = capSlice(r.UpdatedKeys, limit)
	omit("mediaErrors", len(r.MediaErrors))
	r.MediaErrors = capSlice(r.MediaErrors, limit)
	omit("rowErrors", len(r.RowErrors))
	r.RowErrors = capSlice(r.RowErrors, limit)
	omit("warnings", len(r.Warnings))
	r.Warnings = capSlice(r.Warnings, limit)
}

func capSlice[T any](s []T, limit int) []T {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// capLists applies the same limit to a validation report entry.
func (v *EntityValidation) capLists(limit int) {
	if limit <= 0 {
		return
	}
	v.Invalid = capSlice(v.Invalid, limit)
	v.FKErrors = capSlice(v.FKErrors, limit)
	v.Warnings = capSlice(v.Warnings, limit)
	v.Conflicts = capSlice(v.Conflicts, limit)
	v.Duplicates = capSlice(v.Duplicates, limit)
}
