package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/config"
	"github.com/hyperjump/sensor/internal/filter"
	"github.com/hyperjump/sensor/internal/jobs"
	"github.com/hyperjump/sensor/internal/keyword"
	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/storage"
	"github.com/hyperjump/sensor/internal/trace"
)

const maxSearchLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reports, err := s.storage.CountReports(ctx)
	if err != nil {
		s.fail(w, r, "status: count reports failed", err)
		return
	}
	comments, err := s.storage.CountComments(ctx)
	if err != nil {
		s.fail(w, r, "status: count comments failed", err)
		return
	}
	annotated, err := s.storage.CountAnnotated(ctx)
	if err != nil {
		s.fail(w, r, "status: count annotated failed", err)
		return
	}
	resp := map[string]any{
		"reports":     reports,
		"comments":    comments,
		"annotated":   annotated,
		"unannotated": comments - annotated,
	}
	if s.index != nil {
		if n, err := s.index.DocCount(); err == nil {
			resp["indexed"] = n
		}
	}
	if du, ok := s.storage.(interface {
		DiskUsage(extra ...string) (int64, error)
	}); ok {
		if n, err := du.DiskUsage(s.diskPaths...); err == nil {
			resp["disk_usage_bytes"] = n
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	list, err := s.storage.ListReports(r.Context())
	if err != nil {
		s.fail(w, r, "list reports failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"reports": list})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.storage.GetReport(r.Context(), chi.URLParam(r, "rid"))
	if err != nil {
		s.fail(w, r, "get report failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	rid := chi.URLParam(r, "rid")
	if err := s.storage.DeleteReport(r.Context(), rid); err != nil {
		s.fail(w, r, "delete report failed", err)
		return
	}
	if s.index != nil {
		if err := s.index.DeleteReport(r.Context(), rid); err != nil {
			s.logger.Warn("index delete report failed", zap.String("report_id", rid), zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"rid": rid, "status": "deleted"})
}

func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	var t annotation.Thresholds
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	rid := chi.URLParam(r, "rid")
	if err := s.storage.UpdateThresholds(r.Context(), rid, t); err != nil {
		s.fail(w, r, "update thresholds failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	list, err := s.storage.ListComments(r.Context(), chi.URLParam(r, "rid"))
	if err != nil {
		s.fail(w, r, "list comments failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"comments": list})
}

type createCommentsRequest struct {
	Comments []string `json:"comments"`
}

func (s *Server) handleCreateComments(w http.ResponseWriter, r *http.Request) {
	var req createCommentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	rid := chi.URLParam(r, "rid")
	created, err := s.storage.CreateComments(r.Context(), rid, req.Comments)
	if err != nil {
		s.fail(w, r, "create comments failed", err)
		return
	}
	if s.index != nil {
		if err := s.index.IndexBatch(r.Context(), created); err != nil {
			s.logger.Warn("index new comments failed", zap.String("report_id", rid), zap.Error(err))
		}
	}
	s.logger.Debug("comments created", zap.String("report_id", rid), zap.Int("count", len(created)),
		zap.String("trace_id", trace.FromContext(r.Context())))
	s.respondJSON(w, http.StatusCreated, map[string]any{"comments": created})
}

func (s *Server) handleThemes(w http.ResponseWriter, r *http.Request) {
	summary, err := s.storage.ThemeSummary(r.Context(), chi.URLParam(r, "rid"))
	if err != nil {
		s.fail(w, r, "theme summary failed", err)
		return
	}
	top := 5
	if v := r.URL.Query().Get("top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			top = n
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"themes": summary,
		"top":    filter.TopThemes(summary, top),
	})
}

type suggester interface {
	Suggest(query string) (string, bool, error)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.respondError(w, r, http.StatusNotImplemented, "search not enabled")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.respondError(w, r, http.StatusBadRequest, "q is required")
		return
	}
	limit := s.searchDefault
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxSearchLimit)
	}
	opts := &keyword.SearchOptions{
		ReportID: chi.URLParam(r, "rid"),
		Fuzzy:    r.URL.Query().Get("fuzzy") == "true",
	}
	s.logger.Debug("search request", zap.String("query", q), zap.Int("limit", limit), zap.String("report_id", opts.ReportID))

	results, err := s.index.Search(r.Context(), q, limit, opts)
	if err != nil {
		s.fail(w, r, "search failed", err)
		return
	}
	resp := models.SearchResponse{Query: q, Results: make([]models.SearchHit, 0, len(results))}
	for _, res := range results {
		c, err := s.storage.GetComment(r.Context(), res.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.fail(w, r, "search: load comment failed", err)
			return
		}
		resp.Results = append(resp.Results, models.SearchHit{Comment: c, Score: res.Score})
	}
	if sg, ok := s.index.(suggester); ok {
		if corrected, changed, err := sg.Suggest(q); err == nil && changed {
			resp.Suggestion = corrected
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetComment(w http.ResponseWriter, r *http.Request) {
	c, err := s.storage.GetComment(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		s.fail(w, r, "get comment failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if err := s.storage.DeleteComment(r.Context(), cid); err != nil {
		s.fail(w, r, "delete comment failed", err)
		return
	}
	if s.index != nil {
		if err := s.index.Delete(r.Context(), cid); err != nil {
			s.logger.Warn("index delete comment failed", zap.String("comment_id", cid), zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"cid": cid, "status": "deleted"})
}

// annotateResponse is the updated comment plus the correlation id of the call.
type annotateResponse struct {
	*models.Comment
	TraceID string `json:"trace_id"`
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	if s.annotator == nil {
		s.respondError(w, r, http.StatusNotImplemented, "annotation not enabled")
		return
	}
	ctx := r.Context()
	cid := chi.URLParam(r, "cid")
	c, err := s.storage.GetComment(ctx, cid)
	if err != nil {
		s.fail(w, r, "annotate: load comment failed", err)
		return
	}
	if _, err := s.annotator.Annotate(ctx, c); err != nil {
		s.logger.Warn("annotation failed", zap.String("comment_id", cid), zap.String("trace_id", trace.FromContext(ctx)), zap.Error(err))
		s.respondError(w, r, http.StatusBadGateway, "annotation failed: "+err.Error())
		return
	}
	updated, err := s.storage.GetComment(ctx, cid)
	if err != nil {
		s.fail(w, r, "annotate: reload comment failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, annotateResponse{Comment: updated, TraceID: trace.FromContext(ctx)})
}

func (s *Server) handleClearAnnotation(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if err := s.storage.ClearAnnotation(r.Context(), cid); err != nil {
		s.fail(w, r, "clear annotation failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"cid": cid, "status": "cleared"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req models.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.uploads.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, "upload failed", err)
		return
	}
	status := http.StatusAccepted
	if resp.Cached {
		status = http.StatusOK
	}
	s.respondJSON(w, status, resp)
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.uploads.Status(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.fail(w, r, "upload status failed", err)
		return
	}
	if snap.TraceID == "" {
		snap.TraceID = trace.FromContext(r.Context())
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, r, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, r, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, r, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, r, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, r, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.fail(w, r, "watch add directory failed", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, r, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, r, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.fail(w, r, "watch remove directory failed", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.fullConfig == nil {
		return
	}
	s.fullConfigMu.Lock()
	defer s.fullConfigMu.Unlock()
	s.fullConfig.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.fullConfig); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

// fail maps err to a status code, logs server-side failures and responds.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.String("trace_id", trace.FromContext(r.Context())), zap.Error(err))
	}
	s.respondError(w, r, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, annotation.ErrInvalidThresholds), errors.Is(err, jobs.ErrEmptyUpload):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message, "trace_id": trace.FromContext(r.Context())})
}
