package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names recorded in the run history.
const (
	OpLoadEntity    = "loadEntity"
	OpClearEntity   = "clearEntity"
	OpLoadAll       = "loadAll"
	OpImportAll     = "importAll"
	OpClearAll      = "clearAll"
	OpResetAll      = "resetAll"
	OpUploadEntity  = "uploadEntity"
	OpBackupAll     = "backupAll"
	OpRestoreEntity = "restoreEntity"
	OpRestoreBackup = "restoreBackup"
)

// RunSeverity ranks operations by how much data they can change.
type RunSeverity string

const (
	SeverityLow      RunSeverity = "low"
	SeverityHigh     RunSeverity = "high"
	SeverityCritical RunSeverity = "critical"
)

func severityOf(op string) RunSeverity {
	switch op {
	case OpClearAll, OpResetAll, OpRestoreBackup:
		return SeverityCritical
	case OpBackupAll:
		return SeverityLow
	}
	return SeverityHigh
}

// RunRecord is one finished operation.
type RunRecord struct {
	ID        string        `json:"id"`
	Operation string        `json:"operation"`
	Severity  RunSeverity   `json:"severity"`
	Entity    string        `json:"entity,omitempty"`
	IPAddress string        `json:"ipAddress,omitempty"`
	UserAgent string        `json:"userAgent,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"errorCode,omitempty"`
	Loaded    int           `json:"loaded"`
	Updated   int           `json:"updated"`
	Skipped   int           `json:"skipped"`
}

// DefaultRunHistorySize is the number of runs kept in memory.
const DefaultRunHistorySize = 200

// RunHistory keeps the most recent runs, newest first.
type RunHistory struct {
	mu   sync.RWMutex
	max  int
	runs []RunRecord
}

// NewRunHistory creates a history holding at most max runs.
func NewRunHistory(max int) *RunHistory {
	if max <= 0 {
		max = DefaultRunHistorySize
	}
	return &RunHistory{max: max}
}

// begin starts a run record for op, taking requester details from ctx.
func (h *RunHistory) begin(ctx context.Context, op, entity string) *RunRecord {
	ip, ua := RequesterFromContext(ctx)
	return &RunRecord{
		ID:        uuid.NewString(),
		Operation: op,
		Severity:  severityOf(op),
		Entity:    entity,
		IPAddress: ip,
		UserAgent: ua,
		StartedAt: time.Now().UTC(),
	}
}

// finish stamps the outcome and stores the run.
func (h *RunHistory) finish(rec *RunRecord, err error) {
	rec.Duration = time.Since(rec.StartedAt)
	rec.Status = "ok"
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
		rec.ErrorCode = MapError(err).Code
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append([]RunRecord{*rec}, h.runs...)
	if len(h.runs) > h.max {
		h.runs = h.runs[:h.max]
	}
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (h *RunHistory) List(limit int) []RunRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunRecord, n)
	copy(out, h.runs[:n])
	return out
}

// Get returns the run with id.
func (h *RunHistory) Get(id string) (RunRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.runs {
		if r.ID == id {
			return r, true
		}
	}
	return RunRecord{}, false
}
