package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conneroisu/strata/internal/build"
	"github.com/conneroisu/strata/internal/cache"
	"github.com/conneroisu/strata/internal/categories"
	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/middleware"
	"github.com/conneroisu/strata/internal/monitoring"
	"github.com/conneroisu/strata/internal/version"
)

// maxBodyBytes bounds category write payloads.
const maxBodyBytes = 1 << 20

// UpdateRequest is the body of PUT /api/categories.
type UpdateRequest struct {
	ID      int              `json:"id"`
	Updates categories.Patch `json:"updates"`
}

// ReplaceResponse is the body returned by POST /api/categories.
type ReplaceResponse struct {
	Success  bool            `json:"success"`
	BackupID string          `json:"backup_id,omitempty"`
	Tree     categories.Tree `json:"tree"`
}

// UpdateResponse is the body returned by PUT /api/categories.
type UpdateResponse struct {
	Success bool            `json:"success"`
	Tree    categories.Tree `json:"tree"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      monitoring.HealthStatus           `json:"status"`
	Version     string                            `json:"version"`
	Uptime      string                            `json:"uptime"`
	Timestamp   time.Time                         `json:"timestamp"`
	Collections int                               `json:"collections"`
	Compile     build.Status                      `json:"compile"`
	Cache       cache.Stats                       `json:"cache"`
	Checks      map[string]monitoring.HealthCheck `json:"checks"`
	Summary     monitoring.HealthSummary          `json:"summary"`
	Clients     int                               `json:"websocket_clients"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	s.compile(w, r, false)
}

func (s *Server) handleCompileForce(w http.ResponseWriter, r *http.Request) {
	s.compile(w, r, true)
}

// compile runs a pass detached from the request so a dropped client does not
// abort it.
func (s *Server) compile(w http.ResponseWriter, r *http.Request, force bool) {
	ctx := context.WithoutCancel(r.Context())

	result, err := s.compiler.Trigger(ctx, force)
	if err != nil {
		s.errors.Handle(ctx, err)
		middleware.WriteFailure(w, http.StatusInternalServerError, result.Message)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entry, err := s.collections.Read(r.Context(), q.Get("action"), q.Get("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeEntry(w, r, entry)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if b := q.Get("backups"); b != "" && b != "0" && b != "false" {
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				s.writeError(w, r, errors.NewValidationError(errors.ErrCodeInvalidBody, "limit must be a non-negative integer"))
				return
			}
			limit = n
		}
		backups, err := s.categories.Backups(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, backups)
		return
	}

	entry, err := s.categories.Tree(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeEntry(w, r, entry)
}

func (s *Server) handleReplaceCategories(w http.ResponseWriter, r *http.Request) {
	var tree categories.Tree
	if err := decodeBody(r, &tree); err != nil {
		s.writeError(w, r, err)
		return
	}
	if tree == nil {
		s.writeError(w, r, errors.NewValidationError(errors.ErrCodeInvalidCategory, "category tree must be a JSON object"))
		return
	}

	backupID, err := s.categories.Replace(r.Context(), tree)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ReplaceResponse{Success: true, BackupID: backupID, Tree: tree})
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	tree, err := s.categories.Update(r.Context(), req.ID, req.Updates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, UpdateResponse{Success: true, Tree: tree})
}

// handleHealth answers 503 only when a critical check fails; a degraded
// service still serves reads.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	resp := HealthResponse{
		Status:      report.Status,
		Version:     version.Short(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Timestamp:   time.Now().UTC(),
		Collections: len(s.collections.List()),
		Compile:     s.compiler.Status(),
		Checks:      report.Checks,
		Summary:     report.Summary,
	}
	if s.cache != nil {
		resp.Cache = s.cache.Stats()
	}
	if s.hub != nil {
		resp.Clients = s.hub.ClientCount()
	}

	status := http.StatusOK
	if report.Status == monitoring.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// decodeBody decodes a JSON body, rejecting unknown fields and trailing data.
func decodeBody(r *http.Request, v interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.NewValidationError(errors.ErrCodeInvalidBody, "content type must be application/json")
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewValidationError(errors.ErrCodeInvalidBody, "invalid JSON body: "+err.Error())
	}
	if dec.More() {
		return errors.NewValidationError(errors.ErrCodeInvalidBody, "invalid JSON body: trailing data")
	}
	return nil
}

// writeEntry serves a cached payload, answering 304 when the client already
// holds it.
func (s *Server) writeEntry(w http.ResponseWriter, r *http.Request, entry *cache.Entry) {
	h := w.Header()
	h.Set("ETag", entry.ETag)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Cache", entry.Source)

	if etagMatches(r.Header.Get("If-None-Match"), entry.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Data)
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error(context.Background(), err, "Failed to encode response")
		middleware.WriteFailure(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError logs err in full and returns only its public message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errors.Handle(r.Context(), err)
	middleware.WriteFailure(w, errors.HTTPStatus(err), errors.PublicMessage(err))
}
