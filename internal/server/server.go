// internal/server/server.go
// Package server exposes the agent's control API: queue and cache state,
// per-study and bulk actions, poll control, emergency stop, and settings.
// Every operation is an explicit typed route.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/photonic-rad/photonic-agent/internal/cred"
	"github.com/photonic-rad/photonic-agent/internal/download"
	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/model"
	"github.com/photonic-rad/photonic-agent/internal/poll"
	"github.com/photonic-rad/photonic-agent/internal/storage"
)

// AuthControl is the slice of the PACS client the server needs for
// credential and endpoint updates.
type AuthControl interface {
	ResetAuth()
	SetBaseURL(baseURL string)
}

// Server holds the control API dependencies.
type Server struct {
	queue   storage.QueueStore
	orch    *download.Orchestrator
	engine  *poll.Engine
	stop    *download.KillSwitch
	auth    AuthControl
	creds   *cred.File // nil when credentials come from the environment
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates the control API server.
func New(queue storage.QueueStore, orch *download.Orchestrator, engine *poll.Engine, stop *download.KillSwitch, auth AuthControl, creds *cred.File, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		queue:   queue,
		orch:    orch,
		engine:  engine,
		stop:    stop,
		auth:    auth,
		creds:   creds,
		metrics: m,
		logger:  logger.With(slog.String("component", "server")),
	}
}

// Handler builds the chi router with all routes registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)

		r.Route("/studies", func(r chi.Router) {
			r.Get("/", s.handleListStudies)
			r.Delete("/", s.handleClearStudies)
			r.Post("/bulk/download", s.handleBulkDownload)
			r.Post("/bulk/retry", s.handleBulkRetry)
			r.Post("/bulk/skip", s.handleBulkSkip)
			r.Post("/bulk/delete", s.handleBulkDelete)

			r.Route("/{studyID}", func(r chi.Router) {
				r.Get("/", s.handleGetStudy)
				r.Delete("/", s.handleDeleteStudy)
				r.Delete("/record", s.handlePurgeStudy)
				r.Get("/payload", s.handlePayload)
				r.Post("/download", s.handleDownload)
				r.Post("/redownload", s.handleRedownload)
				r.Post("/skip", s.handleSkip)
			})
		})

		r.Post("/poll", s.handlePollNow)
		r.Get("/poll/status", s.handlePollStatus)
		r.Post("/scheduler/restart", s.handleSchedulerRestart)

		r.Post("/emergency-stop", s.handleEmergencyStop)
		r.Post("/emergency-stop/resume", s.handleEmergencyResume)

		r.Post("/cache/flush", s.handleCacheFlush)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Put("/credentials", s.handlePutCredentials)
	})

	return r
}

// middleware attaches a correlation id, records metrics, and logs the
// request the way every other component logs.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(withCorrelationID(r.Context(), correlationID)))

		duration := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		status := strconv.Itoa(ww.status)
		s.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())

		s.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.status),
			slog.Duration("duration", duration),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("correlation_id", correlationID),
		)
	})
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

func withCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// writeSuccess writes a successful response
func (s *Server) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the agent's error taxonomy
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errBody := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		errBody["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": errBody})
}

// writeErr maps any error onto the taxonomy before writing it out.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var def *errordefs.Error
	if !errors.As(err, &def) {
		def = errordefs.New(errordefs.PH_INTERNAL, err.Error(), correlationID(r.Context()))
	}
	cid := def.CorrelationID
	if cid == "" {
		cid = correlationID(r.Context())
	}
	s.writeError(w, def.HTTPStatus, string(def.Code), def.Message, cid, def.Details)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Settings live in the work-queue store, so this checks store
	// connectivity. ErrNotFound just means nothing was saved yet.
	if _, err := s.queue.LoadSettings(ctx); err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.orch.Summary(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	summary.LastPollAt = s.engine.Status().LastPollAt
	s.writeSuccess(w, http.StatusOK, summary)
}

func (s *Server) handleListStudies(w http.ResponseWriter, r *http.Request) {
	var (
		records []model.StudyRecord
		err     error
	)
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		status := model.Status(statusParam)
		if !status.Valid() {
			s.writeErr(w, r, errordefs.Newf(errordefs.PH_VALIDATION, "unknown status %q", statusParam))
			return
		}
		records, err = s.queue.GetByStatus(r.Context(), status)
	} else {
		records, err = s.queue.GetAll(r.Context())
	}
	if err != nil {
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err))
		return
	}
	s.writeSuccess(w, http.StatusOK, records)
}

func (s *Server) handleGetStudy(w http.ResponseWriter, r *http.Request) {
	record, err := s.queue.Get(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeErr(w, r, errordefs.New(errordefs.PH_NOT_FOUND, "study not found", correlationID(r.Context())))
			return
		}
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err))
		return
	}
	s.writeSuccess(w, http.StatusOK, record)
}

func (s *Server) handleClearStudies(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Clear(r.Context()); err != nil {
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err))
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	record, err := s.orch.Download(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, record)
}

func (s *Server) handleRedownload(w http.ResponseWriter, r *http.Request) {
	record, err := s.orch.Redownload(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, record)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	record, err := s.orch.Skip(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, record)
}

func (s *Server) handleDeleteStudy(w http.ResponseWriter, r *http.Request) {
	record, err := s.orch.Delete(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, record)
}

// handlePurgeStudy removes a study's record and payload entirely, unlike
// handleDeleteStudy which keeps the record for re-download.
func (s *Server) handlePurgeStudy(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "studyID")
	if err := s.orch.Purge(r.Context(), studyID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]string{"purged": studyID})
}

// handlePayload streams the decrypted payload of a cached study. The route
// parameter is the study instance UID, the object store key.
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	record, err := s.queue.Get(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeErr(w, r, errordefs.New(errordefs.PH_NOT_FOUND, "study not found", correlationID(r.Context())))
			return
		}
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err))
		return
	}

	payload, err := s.orch.Payload(r.Context(), record.StudyInstanceUID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type bulkRequest struct {
	StudyIDs []string `json:"studyIds"`
}

// decodeBulk parses and validates a bulk id-set request body.
func (s *Server) decodeBulk(w http.ResponseWriter, r *http.Request) (bulkRequest, bool) {
	var req bulkRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_VALIDATION, "invalid request body: %v", err))
		return req, false
	}
	if len(req.StudyIDs) == 0 {
		s.writeErr(w, r, errordefs.New(errordefs.PH_VALIDATION, "studyIds is empty", correlationID(r.Context())))
		return req, false
	}
	return req, true
}

// Bulk operations run under the poll engine's busy flag: a manual bulk
// action and a sync cycle must never interleave their queue writes.

func (s *Server) handleBulkDownload(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBulk(w, r)
	if !ok {
		return
	}

	var result model.BulkResult
	err := s.engine.Exclusive(func() error {
		var err error
		result, err = s.orch.DownloadBatch(r.Context(), req.StudyIDs)
		return err
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, result)
}

func (s *Server) handleBulkRetry(w http.ResponseWriter, r *http.Request) {
	var result model.BulkResult
	err := s.engine.Exclusive(func() error {
		var err error
		result, err = s.orch.RetryFailed(r.Context())
		return err
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, result)
}

func (s *Server) handleBulkSkip(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBulk(w, r)
	if !ok {
		return
	}

	var result model.BulkResult
	err := s.engine.Exclusive(func() error {
		result = s.orch.SkipBatch(r.Context(), req.StudyIDs)
		return nil
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, result)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBulk(w, r)
	if !ok {
		return
	}

	var result model.BulkResult
	err := s.engine.Exclusive(func() error {
		result = s.orch.DeleteBatch(r.Context(), req.StudyIDs)
		return nil
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, result)
}

func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.SyncOnce(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, result)
}

func (s *Server) handlePollStatus(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSchedulerRestart(w http.ResponseWriter, r *http.Request) {
	s.engine.Restart()
	s.writeSuccess(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.stop.Engage()
	s.logger.Warn("emergency stop engaged")
	s.writeSuccess(w, http.StatusOK, map[string]bool{"engaged": true})
}

func (s *Server) handleEmergencyResume(w http.ResponseWriter, r *http.Request) {
	s.stop.Resume()
	s.logger.Info("emergency stop released")
	s.writeSuccess(w, http.StatusOK, map[string]bool{"engaged": false})
}

func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	removed, err := s.orch.FlushCache(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.queue.LoadSettings(r.Context())
	if err != nil {
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to load settings: %v", err))
		return
	}
	s.writeSuccess(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.Settings
	if err := decodeJSON(r.Body, &settings); err != nil {
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_VALIDATION, "invalid request body: %v", err))
		return
	}
	if err := validateSettings(settings); err != nil {
		s.writeErr(w, r, err)
		return
	}

	if err := s.queue.SaveSettings(r.Context(), settings); err != nil {
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to save settings: %v", err))
		return
	}

	// The PACS endpoint may have moved and the poll interval may have
	// changed; repoint the client and wake the scheduler.
	if settings.BaseURL != "" {
		s.auth.SetBaseURL(settings.BaseURL)
	}
	s.engine.Restart()

	s.writeSuccess(w, http.StatusOK, settings)
}

func validateSettings(settings model.Settings) error {
	switch {
	case settings.MaxCacheBytes <= 0:
		return errordefs.New(errordefs.PH_VALIDATION, "maxCacheBytes must be positive", "")
	case settings.TTLDays <= 0:
		return errordefs.New(errordefs.PH_VALIDATION, "ttlDays must be positive", "")
	case settings.PollIntervalSec < 30:
		return errordefs.New(errordefs.PH_VALIDATION, "pollIntervalSec must be at least 30", "")
	case settings.Concurrency < 1:
		return errordefs.New(errordefs.PH_VALIDATION, "concurrency must be at least 1", "")
	}
	return nil
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handlePutCredentials stores new PACS credentials and clears the client's
// auth-failed latch so the next cycle tries them.
func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		s.writeErr(w, r, errordefs.New(errordefs.PH_VALIDATION,
			"credentials are managed through the environment on this deployment", correlationID(r.Context())))
		return
	}

	var req credentialsRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeErr(w, r, errordefs.Newf(errordefs.PH_VALIDATION, "invalid request body: %v", err))
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeErr(w, r, errordefs.New(errordefs.PH_VALIDATION, "username and password are required", correlationID(r.Context())))
		return
	}

	if err := s.creds.Save(req.Username, req.Password); err != nil {
		s.writeErr(w, r, fmt.Errorf("failed to save credentials: %w", err))
		return
	}
	s.auth.ResetAuth()
	s.writeSuccess(w, http.StatusOK, map[string]bool{"saved": true})
}

// decodeJSON decodes a JSON body, rejecting unknown fields.
func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
