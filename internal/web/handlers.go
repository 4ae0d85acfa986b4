package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/reconcile/internal/core"
	"github.com/JonMunkholm/reconcile/internal/logging"
	"github.com/JonMunkholm/reconcile/internal/media"
)

// =============================================================================
// Read-only routes
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context()).Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type entitySummary struct {
	Entity     string   `json:"entity"`
	Table      string   `json:"table"`
	References []string `json:"references,omitempty"`
	SelfRef    bool     `json:"selfReferencing,omitempty"`
}

// handleListEntities lists entities in dependency order.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ordered := s.service.Schema().Ordered()
	out := make([]entitySummary, 0, len(ordered))
	for _, e := range ordered {
		sum := entitySummary{Entity: e.ClassName, Table: e.TableName}
		seen := make(map[string]bool)
		for _, fk := range e.ForeignKeys {
			if fk.Target == e.ClassName {
				sum.SelfRef = true
				continue
			}
			if !seen[fk.Target] {
				seen[fk.Target] = true
				sum.References = append(sum.References, fk.Target)
			}
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.GetStatus(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	writeJSON(w, http.StatusOK, s.service.Runs().List(limit))
}

// handleValidate dry-runs the import directory, or ?dir=.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	opts, err := parseLoadOptions(r, s.opts.Defaults, s.service.DataDirs()...)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	report, err := s.service.ValidateImport(r.Context(), opts.Dir, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.service.CountSeedConflicts(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// handleMedia streams a materialized media asset.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		respondError(w, r, media.ErrNotFound)
		return
	}
	rc, asset, err := s.media.Open(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", asset.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(asset.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+asset.SHA256+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		logging.FromContext(r.Context()).Warn("media stream interrupted", "id", asset.ID, "error", err)
	}
}

// =============================================================================
// Per-entity operations
// =============================================================================

func (s *Server) handleLoadEntity(w http.ResponseWriter, r *http.Request) {
	opts, err := parseLoadOptions(r, s.opts.Defaults, s.service.DataDirs()...)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.service.LoadEntity(withRequester(r), chi.URLParam(r, "entity"), opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleUploadEntity loads the JSON array in the request body.
func (s *Server) handleUploadEntity(w http.ResponseWriter, r *http.Request) {
	opts, err := parseLoadOptions(r, s.opts.Defaults, s.service.DataDirs()...)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "payload too large",
				Message: "payload exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
				Code:    "REQ002",
			})
			return
		}
		badRequest(w, r, "could not read request body")
		return
	}
	if len(payload) == 0 {
		badRequest(w, r, "request body must be a JSON array of records")
		return
	}

	res, err := s.service.UploadEntity(withRequester(r), chi.URLParam(r, "entity"), payload, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClearEntity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "entity")
	n, err := s.service.ClearEntity(withRequester(r), name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": name, "deleted": n})
}

func (s *Server) handleRestoreEntity(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.RestoreEntity(withRequester(r), chi.URLParam(r, "entity"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// Batch operations
// =============================================================================

func (s *Server) handleLoadAll(w http.ResponseWriter, r *http.Request) {
	opts, err := parseLoadOptions(r, s.opts.Defaults, s.service.DataDirs()...)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.service.LoadAll(withRequester(r), opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleImportAll answers 409 with the validation report when the import
// directory references data that is neither stored nor pending.
func (s *Server) handleImportAll(w http.ResponseWriter, r *http.Request) {
	base := s.opts.Defaults
	base.Mode = core.ModeMerge
	opts, err := parseLoadOptions(r, base, s.service.DataDirs()...)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, report, err := s.service.ImportAll(withRequester(r), opts)
	if err != nil {
		respondErrorReport(w, r, err, report)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "validation": report})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.ClearAll(withRequester(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	opts, err := parseLoadOptions(r, s.opts.Defaults, s.service.DataDirs()...)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := s.service.ResetAll(withRequester(r), opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBackupAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.BackupAll(withRequester(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.RestoreBackup(withRequester(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
