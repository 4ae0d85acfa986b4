package core

import (
	"errors"
	"time"
)

// Record is one import record keyed by conceptual or technical field name.
type Record = map[string]any

// Sentinel errors surfaced to callers.
var (
	ErrUnknownEntity  = errors.New("unknown entity")
	ErrSourceNotFound = errors.New("source file not found")
	ErrInvalidSource  = errors.New("invalid source data")
	// ErrImportNotReady is returned by ImportAll when a pending entity
	// references an entity that is neither stored nor pending.
	ErrImportNotReady = errors.New("import is not ready")
)

// Mode selects how incoming records interact with existing rows.
type Mode string

const (
	// ModeReplace inserts or overwrites keyed by the row's own identity.
	ModeReplace Mode = "replace"
	// ModeMerge updates an existing row found by unique values, else inserts.
	ModeMerge Mode = "merge"
	// ModeSkipConflicts inserts only records that match no existing row.
	ModeSkipConflicts Mode = "skip_conflicts"
)

// ParseMode validates a mode name. Empty selects ModeReplace.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeReplace, nil
	case ModeReplace, ModeMerge, ModeSkipConflicts:
		return Mode(s), nil
	}
	return "", errors.New("invalid mode " + s + ": expected replace, merge or skip_conflicts")
}

// Quality deficit bits stored in the ql column.
const (
	QLFieldRule       int64 = 1
	QLRequiredEmpty   int64 = 2
	QLRequiredFKEmpty int64 = 4
	QLFKUnresolvable  int64 = 8
	QLObjectRule      int64 = 16
)

// LoadOptions controls one entity load.
type LoadOptions struct {
	Mode Mode `json:"mode"`
	// Dir overrides the directory the entity file is read from.
	Dir string `json:"dir,omitempty"`
	// SkipInvalid drops rows failing field or object rules in standard mode.
	// When false such rows are written and the failures reported as warnings.
	SkipInvalid         bool `json:"skipInvalid"`
	ValidateFields      bool `json:"validateFields"`
	ValidateConstraints bool `json:"validateConstraints"`
	// AcceptQL enables quality mode: deficits whose bits are all within
	// AcceptQL are admitted and recorded on the row.
	AcceptQL int64 `json:"acceptQL"`
	// PreserveSystem keeps id and system columns from the source (restore).
	PreserveSystem bool `json:"preserveSystem,omitempty"`
	// Force runs importAll even when validation reports missing dependencies.
	Force bool `json:"force,omitempty"`
}

// DefaultLoadOptions returns replace mode with both rule sets enabled.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		Mode:                ModeReplace,
		SkipInvalid:         true,
		ValidateFields:      true,
		ValidateConstraints: true,
	}
}

// FKError groups failed reference resolutions by field, value and target.
type FKError struct {
	Field        string `json:"field"`
	Value        string `json:"value"`
	TargetEntity string `json:"targetEntity"`
	Count        int    `json:"count"`
}

// FuzzyMatch records a reference resolved by segment subsequence.
type FuzzyMatch struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Matched string `json:"matched"`
	ID      int64  `json:"id"`
}

// Duplicate is a unique value seen twice within one batch.
type Duplicate struct {
	Entity  string `json:"entity,omitempty"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Row     int    `json:"row"`
	FirstAt int    `json:"firstRow"`
}

// MediaError records a media field that could not be materialized.
type MediaError struct {
	Row   int    `json:"row"`
	Field string `json:"field"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// RowError records a row that was skipped.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Deficit is one entry of a row's qd column.
type Deficit struct {
	Field   string `json:"field"`
	Bit     int64  `json:"bit"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

// LoadResult aggregates the outcome of one entity load.
type LoadResult struct {
	Entity   string        `json:"entity"`
	Mode     Mode          `json:"mode"`
	Records  int           `json:"records"`
	Duration time.Duration `json:"duration"`

	Loaded          int `json:"loaded"`
	Updated         int `json:"updated"`
	Skipped         int `json:"skipped"`
	Replaced        int `json:"replaced"`
	QualityAccepted int `json:"qualityAccepted"`
	QualityRejected int `json:"qualityRejected"`

	FKErrors     []FKError    `json:"fkErrors,omitempty"`
	FuzzyMatches []FuzzyMatch `json:"fuzzyMatches,omitempty"`
	Duplicates   []Duplicate  `json:"duplicates,omitempty"`
	UpdatedKeys  []string     `json:"updatedKeys,omitempty"`
	MediaErrors  []MediaError `json:"mediaErrors,omitempty"`
	RowErrors    []RowError   `json:"rowErrors,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`

	// Omitted counts list entries dropped by the report limit, keyed by list name.
	Omitted map[string]int `json:"omitted,omitempty"`
}

// BatchResult aggregates a multi-entity operation.
type BatchResult struct {
	RunID     string         `json:"runId"`
	Operation string         `json:"operation"`
	Entities  []*LoadResult  `json:"entities"`
	Cleared   map[string]int `json:"cleared,omitempty"`
	// Missing lists entities that had no source file.
	Missing  []string      `json:"missing,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Totals sums the per-entity counters.
func (b *BatchResult) Totals() (loaded, updated, skipped int) {
	for _, r := range b.Entities {
		loaded += r.Loaded
		updated += r.Updated
		skipped += r.Skipped
	}
	return loaded, updated, skipped
}

// Conflict is an incoming unique value that already exists in storage.
type Conflict struct {
	Entity         string `json:"entity"`
	Row            int    `json:"row"`
	Key            string `json:"key"`
	Value          string `json:"value"`
	ExistingID     int64  `json:"existingId"`
	BackReferences int    `json:"backReferences"`
}

// EntityValidation is the dry-run report for one entity.
type EntityValidation struct {
	Entity    string     `json:"entity"`
	Records   int        `json:"records"`
	Pending   bool       `json:"pending"`
	Invalid   []RowError `json:"invalid,omitempty"`
	FKErrors  []FKError  `json:"fkErrors,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	// Benign counts unique collisions without dependents, WithDependents
	// those listed in Conflicts before the report limit applies.
	Benign         int         `json:"benign"`
	WithDependents int         `json:"withDependents"`
	Duplicates     []Duplicate `json:"duplicates,omitempty"`
	Ready          bool        `json:"ready"`
	Missing        []string    `json:"missingDependencies,omitempty"`
}

// ValidationReport is the result of validateImport.
type ValidationReport struct {
	Dir      string              `json:"dir"`
	Entities []*EntityValidation `json:"entities"`
	Ready    bool                `json:"ready"`
}

// ConflictCount summarizes countSeedConflicts for one entity.
type ConflictCount struct {
	Entity         string `json:"entity"`
	Benign         int    `json:"benign"`
	WithDependents int    `json:"withDependents"`
}

// FileInfo describes one source file of an entity.
type FileInfo struct {
	Present bool `json:"present"`
	Records int  `json:"records"`
}

// EntityStatus is one getStatus entry.
type EntityStatus struct {
	Entity   string   `json:"entity"`
	Table    string   `json:"table"`
	Rows     int      `json:"rows"`
	Flagged  int      `json:"flagged"`
	Seed     FileInfo `json:"seed"`
	Import   FileInfo `json:"import"`
	Backup   FileInfo `json:"backup"`
	Ready    bool     `json:"ready"`
	Missing  []string `json:"missingDependencies,omitempty"`
	SelfRefs bool     `json:"selfReferencing,omitempty"`
}
