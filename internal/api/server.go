// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/config"
	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/logging"
	"github.com/filecellar/filecellar/internal/maintenance"
	"github.com/filecellar/filecellar/internal/media"
	"github.com/filecellar/filecellar/internal/notify"
	"github.com/filecellar/filecellar/internal/store"
)

// maxUploadSize caps import request bodies.
const maxUploadSize = 4 << 30

// ErrorResponse is the JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the HTTP server.
type Server struct {
	store       *store.Store
	manager     *files.Manager
	scheduler   *maintenance.Scheduler
	broadcaster *notify.Broadcaster
	statuses    *notify.StatusRegistry
	config      *config.Config
}

// NewServer creates a new server.
func NewServer(
	st *store.Store,
	manager *files.Manager,
	scheduler *maintenance.Scheduler,
	broadcaster *notify.Broadcaster,
	statuses *notify.StatusRegistry,
	cfg *config.Config,
) *Server {
	return &Server{
		store:       st,
		manager:     manager,
		scheduler:   scheduler,
		broadcaster: broadcaster,
		statuses:    statuses,
		config:      cfg,
	}
}

// Handler returns the HTTP handler with logging and activity middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Files
	mux.HandleFunc("POST /api/v1/files", s.handleImport)
	mux.HandleFunc("GET /api/v1/files/{hash}", s.handleContent)
	mux.HandleFunc("DELETE /api/v1/files/{hash}", s.handleDelete)
	mux.HandleFunc("GET /api/v1/files/{hash}/thumbnail", s.handleThumbnail)

	// Status and job popups
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/jobs", s.handleJobs)
	mux.HandleFunc("POST /api/v1/jobs/{key}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/v1/resume", s.handleResume)

	// Maintenance
	mux.HandleFunc("POST /api/v1/maintenance/force", s.handleForceMaintenance)
	mux.HandleFunc("POST /api/v1/maintenance/schedule", s.handleScheduleJobs)
	mux.HandleFunc("POST /api/v1/maintenance/run-now", s.handleRunJobsNow)
	mux.HandleFunc("DELETE /api/v1/maintenance/{kind}", s.handleCancelJobs)

	// Storage admin
	mux.HandleFunc("GET /api/v1/storage/rebalance", s.handleRebalanceWorkToDo)
	mux.HandleFunc("POST /api/v1/storage/rebalance", s.handleRebalance)
	mux.HandleFunc("POST /api/v1/storage/clear-orphans", s.handleClearOrphans)
	mux.HandleFunc("PUT /api/v1/storage/weights", s.handleSetWeights)

	return logging.Middleware(s.activityMiddleware(mux))
}

// activityMiddleware marks the daemon active for maintenance throttling.
func (s *Server) activityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.scheduler.NotifyActivity()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := notify.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// handleImport stores the request body as a new file: hash it, sniff its
// type, copy it into the structure, create its record and queue the initial
// maintenance work.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tmp, err := os.CreateTemp("", "filecellar-import-*")
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "could not buffer upload")
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	size, err := io.Copy(tmp, http.MaxBytesReader(w, r.Body, maxUploadSize))
	tmp.Close()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "could not read upload: "+err.Error())
		return
	}
	if size == 0 {
		s.sendError(w, http.StatusBadRequest, "empty upload")
		return
	}

	h, err := files.HashFile(tmpName)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	deleted, err := s.store.HasDeletionRecord(ctx, h)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deleted && r.URL.Query().Get("override_deletion") != "true" {
		s.sendError(w, http.StatusConflict, "this file was deleted before; pass override_deletion=true to reimport")
		return
	}

	mimeName, err := media.SniffType(tmpName)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	mime := files.MimeFromString(mimeName)
	if mimeName == "" || mime == files.MimeUnknown {
		s.sendError(w, http.StatusUnsupportedMediaType, "could not recognize the file type")
		return
	}

	var width, height int
	if mime.IsStillImage() {
		if width, height, err = media.Dimensions(tmpName); err != nil {
			s.sendError(w, http.StatusUnsupportedMediaType, "file looks like an image but does not decode: "+err.Error())
			return
		}
	}

	if err := s.manager.AddFile(ctx, h, mime, tmpName); err != nil {
		s.sendError(w, http.StatusInsufficientStorage, err.Error())
		return
	}

	rec := &files.Record{Hash: h, Mime: mime, Size: size, Width: width, Height: height}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.queueInitialJobs(ctx, h, mime)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"hash": h.Hex(),
		"mime": mime.String(),
		"size": size,
	})
}

// queueInitialJobs schedules the derived-metadata work every new file gets.
func (s *Server) queueInitialJobs(ctx context.Context, h files.Hash, mime files.Mime) {
	hashes := []files.Hash{h}
	kinds := []maintenance.JobKind{
		maintenance.JobOtherHashes,
		maintenance.JobFileModifiedTimestamp,
		maintenance.JobHasEXIF,
		maintenance.JobHasEmbeddedMetadata,
		maintenance.JobHasICCProfile,
	}
	if mime.HasThumbnail() {
		kinds = append(kinds, maintenance.JobForceThumbnail)
	}
	if mime.CanHavePixelHash() {
		kinds = append(kinds, maintenance.JobPixelHash)
	}
	if mime.CanHavePerceptualHash() {
		kinds = append(kinds, maintenance.JobCheckSimilarFilesMembership)
	}
	for _, kind := range kinds {
		if err := s.scheduler.ScheduleJobs(ctx, hashes, kind, time.Time{}); err != nil {
			logging.L().Error("could not queue import job",
				zap.String("hash", h.Hex()), zap.String("job", kind.Label()), zap.Error(err))
		}
	}
}

func (s *Server) parseHash(w http.ResponseWriter, r *http.Request) (files.Hash, bool) {
	h, err := files.ParseHash(r.PathValue("hash"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return files.Hash{}, false
	}
	return h, true
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	h, ok := s.parseHash(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	mime, err := s.store.LookupMime(ctx, h)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "no such file")
		return
	}

	path, err := s.manager.GetFilePath(ctx, h, mime)
	if err != nil {
		s.sendFileError(w, err)
		return
	}

	w.Header().Set("Content-Type", mime.String())
	http.ServeFile(w, r, path)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	h, ok := s.parseHash(w, r)
	if !ok {
		return
	}

	path, err := s.manager.GetThumbnailPath(r.Context(), h)
	if err != nil {
		s.sendFileError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

// handleDelete removes the record now and queues the physical delete for the
// background loop.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	h, ok := s.parseHash(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	leaveRecord := r.URL.Query().Get("leave_deletion_record") != "false"

	if err := s.store.DeleteRecord(ctx, h, leaveRecord); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.QueueDeferredDelete(ctx, files.DeferredDelete{
		Hash: h, DeleteFile: true, DeleteThumb: true,
	}); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.manager.WakeDeferredDeletes()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	due, total, err := s.scheduler.JobCounts(ctx)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	deletes, err := s.store.DeferredDeleteCount(ctx)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dueByLabel := make(map[string]int, len(due))
	for kind, n := range due {
		dueByLabel[kind.Label()] = n
	}
	totalByLabel := make(map[string]int, len(total))
	for kind, n := range total {
		totalByLabel[kind.Label()] = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"imports_paused":        s.manager.Paused(),
		"bad_error_occurred":    s.manager.BadErrorOccurred(),
		"maintenance_due":       dueByLabel,
		"maintenance_total":     totalByLabel,
		"deferred_delete_count": deletes,
	})
}

type jobStatusView struct {
	Key       string `json:"key"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Done      int    `json:"done,omitempty"`
	Total     int    `json:"total,omitempty"`
	Finished  bool   `json:"finished"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	snapshot := s.statuses.Snapshot()
	views := make([]jobStatusView, 0, len(snapshot))
	for _, st := range snapshot {
		v := jobStatusView{
			Key:       st.Key(),
			Title:     st.Title(),
			Status:    st.StatusText(),
			Finished:  st.IsFinished(),
			Cancelled: st.IsCancelled(),
		}
		if done, total, ok := st.Gauge(); ok {
			v.Done, v.Total = done, total
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	st := s.statuses.Get(r.PathValue("key"))
	if st == nil {
		s.sendError(w, http.StatusNotFound, "no such job")
		return
	}
	st.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.manager.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceMaintenance(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.scheduler.ForceMaintenance(context.Background()); err != nil {
			logging.L().Error("forced maintenance failed", zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

type scheduleRequest struct {
	Hashes    []string `json:"hashes"`
	Kind      int      `json:"kind"`
	NotBefore *int64   `json:"not_before,omitempty"` // unix seconds
}

func (s *Server) decodeScheduleRequest(w http.ResponseWriter, r *http.Request) ([]files.Hash, maintenance.JobKind, time.Time, bool) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return nil, 0, time.Time{}, false
	}
	if len(req.Hashes) == 0 {
		s.sendError(w, http.StatusBadRequest, "no hashes given")
		return nil, 0, time.Time{}, false
	}

	hashes := make([]files.Hash, 0, len(req.Hashes))
	for _, raw := range req.Hashes {
		h, err := files.ParseHash(raw)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return nil, 0, time.Time{}, false
		}
		hashes = append(hashes, h)
	}

	var notBefore time.Time
	if req.NotBefore != nil {
		notBefore = time.Unix(*req.NotBefore, 0)
	}
	return hashes, maintenance.JobKind(req.Kind), notBefore, true
}

func (s *Server) handleScheduleJobs(w http.ResponseWriter, r *http.Request) {
	hashes, kind, notBefore, ok := s.decodeScheduleRequest(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.ScheduleJobs(r.Context(), hashes, kind, notBefore); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRunJobsNow(w http.ResponseWriter, r *http.Request) {
	hashes, kind, _, ok := s.decodeScheduleRequest(w, r)
	if !ok {
		return
	}
	go func() {
		if err := s.scheduler.RunJobsImmediately(context.Background(), hashes, kind); err != nil {
			logging.L().Error("immediate maintenance failed", zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelJobs(w http.ResponseWriter, r *http.Request) {
	kind, err := strconv.Atoi(r.PathValue("kind"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "bad job kind")
		return
	}
	if err := s.scheduler.CancelJobs(r.Context(), maintenance.JobKind(kind)); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRebalanceWorkToDo(w http.ResponseWriter, r *http.Request) {
	todo, err := s.manager.RebalanceWorkToDo(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"work_to_do": todo})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.manager.Rebalance(context.Background()); err != nil {
			logging.L().Error("rebalance failed", zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClearOrphans(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MoveLocation string `json:"move_location"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "bad request body: "+err.Error())
			return
		}
	}
	go func() {
		if err := s.manager.ClearOrphans(context.Background(), req.MoveLocation); err != nil {
			logging.L().Error("orphan clear failed", zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSetWeights(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Weights           map[string]float64 `json:"weights"`
		ThumbnailOverride string             `json:"thumbnail_override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	if len(req.Weights) == 0 {
		s.sendError(w, http.StatusBadRequest, "no weights given")
		return
	}
	if err := s.store.SetIdealWeights(r.Context(), req.Weights, req.ThumbnailOverride); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendFileError maps file structure errors onto HTTP statuses.
func (s *Server) sendFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, files.ErrFileMissing):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, files.ErrDirectoryMissing):
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}
