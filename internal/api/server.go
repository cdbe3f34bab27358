// internal/api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/audit"
	"github.com/xkilldash9x/nexus-agent/internal/agent/learning"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/agent/orchestrator"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
	"github.com/xkilldash9x/nexus-agent/internal/config"
	"github.com/xkilldash9x/nexus-agent/internal/observe"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// callerHeader attributes control-surface requests in logs and audit output.
const callerHeader = "X-Caller-ID"

// maxBodySize bounds request bodies. Pattern imports are the largest
// legitimate payload.
const maxBodySize = 8 << 20

// Fingerprinter derives a fingerprint from prompt text, matching what the
// observation pipeline would produce for the same prompt.
type Fingerprinter interface {
	Extract(obs models.Observation) models.Fingerprint
}

// Server is the local HTTP control surface: lifecycle commands, pattern
// management, learning session interaction, observations, logs, and metrics.
type Server struct {
	logger            *zap.Logger
	orch              *orchestrator.Orchestrator
	sessions          *learning.Manager
	repo              store.Repository
	sink              *audit.Sink
	push              *observe.PushSource
	fingerprints      Fingerprinter
	cfg               config.ServerConfig
	initialConfidence float64

	httpSrv *http.Server
}

// NewServer wires the control surface. The push source may be nil when panel
// monitoring is disabled.
func NewServer(
	orch *orchestrator.Orchestrator,
	sessions *learning.Manager,
	repo store.Repository,
	sink *audit.Sink,
	push *observe.PushSource,
	fingerprints Fingerprinter,
	cfg config.ServerConfig,
	initialConfidence float64,
	logger *zap.Logger,
) *Server {
	s := &Server{
		logger:            logger.Named("api"),
		orch:              orch,
		sessions:          sessions,
		repo:              repo,
		sink:              sink,
		push:              push,
		fingerprints:      fingerprints,
		cfg:               cfg,
		initialConfidence: initialConfidence,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/agent/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/agent/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/agent/pause", s.handlePause)
	mux.HandleFunc("POST /api/v1/agent/resume", s.handleResume)
	mux.HandleFunc("GET /api/v1/agent/status", s.handleStatus)

	mux.HandleFunc("GET /api/v1/patterns", s.handleListPatterns)
	mux.HandleFunc("POST /api/v1/patterns", s.handleCreatePattern)
	mux.HandleFunc("GET /api/v1/patterns/export", s.handleExport)
	mux.HandleFunc("POST /api/v1/patterns/import", s.handleImport)
	mux.HandleFunc("GET /api/v1/patterns/{id}", s.handleGetPattern)
	mux.HandleFunc("DELETE /api/v1/patterns/{id}", s.handleDeletePattern)

	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/demonstration", s.handleDemonstration)
	mux.HandleFunc("POST /api/v1/sessions/{id}/confirmation", s.handleConfirmation)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCancelSession)

	mux.HandleFunc("POST /api/v1/observations", s.handleObservation)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)
	mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)

	return mux
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control surface listening.", zap.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return <-errCh
	}
}

// --- lifecycle ---

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.logCommand(r, "start")
	if err := s.orch.Start(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyActive) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(models.RunActive)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.logCommand(r, "stop")
	s.orch.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(models.RunStopped)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.logCommand(r, "pause")
	if err := s.orch.Pause(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(models.RunPaused)})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.logCommand(r, "resume")
	if err := s.orch.Resume(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(models.RunActive)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Status(r.Context()))
}

// --- patterns ---

type createPatternRequest struct {
	Prompt    string              `json:"prompt"`
	Category  string              `json:"category"`
	UIContext *models.UIContext   `json:"uiContext,omitempty"`
	Action    jsoniter.RawMessage `json:"action"`
}

func (s *Server) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var req createPatternRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("prompt is required"))
		return
	}
	action, err := models.UnmarshalAction(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := action.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	fp := s.fingerprints.Extract(models.Observation{
		Source:    models.SourcePanel,
		RawText:   req.Prompt,
		UIContext: req.UIContext,
		Timestamp: time.Now().UTC(),
	})
	if fp.IsEmpty() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("prompt normalizes to an empty fingerprint"))
		return
	}

	id, err := s.repo.Insert(r.Context(), models.Pattern{
		ID:          uuid.New().String(),
		Fingerprint: fp,
		Action:      action,
		Category:    req.Category,
		Confidence:  s.initialConfidence,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("Pattern created via API.",
		zap.String("pattern_id", id),
		zap.String("caller", caller(r)),
	)
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{Category: r.URL.Query().Get("category")}
	if v := r.URL.Query().Get("minConfidence"); v != "" {
		mc, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid minConfidence: %w", err))
			return
		}
		f.MinConfidence = mc
	}
	patterns, err := s.repo.List(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns, "count": len(patterns)})
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := s.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Remove(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.repo.ExportAll(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	data, err := store.EncodeExport(patterns)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	patterns, err := store.DecodeExport(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	imported, err := s.repo.ImportBatch(r.Context(), patterns)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("Patterns imported via API.",
		zap.Int("imported", imported),
		zap.Int("submitted", len(patterns)),
		zap.String("caller", caller(r)),
	)
	s.writeJSON(w, http.StatusOK, map[string]int{
		"imported": imported,
		"skipped":  len(patterns) - imported,
	})
}

// --- learning sessions ---

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

type demonstrationRequest struct {
	Action jsoniter.RawMessage `json:"action"`
}

func (s *Server) handleDemonstration(w http.ResponseWriter, r *http.Request) {
	var req demonstrationRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	action, err := models.UnmarshalAction(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.sessions.RecordDemonstration(r.Context(), r.PathValue("id"), action)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

type confirmationRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	var req confirmationRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.sessions.Confirm(r.Context(), r.PathValue("id"), req.Accept)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, learning.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, learning.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, models.ErrInvalidAction):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// --- observations ---

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("panel monitoring is disabled"))
		return
	}
	var obs models.Observation
	if err := s.readJSON(r, &obs); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if obs.RawText == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("rawText is required"))
		return
	}
	if obs.Source == "" {
		obs.Source = models.SourcePanel
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}
	s.push.Publish(obs)
	w.WriteHeader(http.StatusAccepted)
}

// --- logs and metrics ---

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		Kind:  models.AuditKind(r.URL.Query().Get("kind")),
		Limit: s.cfg.LogLimit,
	}
	if v := r.URL.Query().Get("level"); v != "" {
		level, ok := models.ParseSeverity(v)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid level %q", v))
			return
		}
		q.MinLevel = level
	}
	var err error
	if q.StartTime, err = parseTime(r.URL.Query().Get("startTime")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if q.EndTime, err = parseTime(r.URL.Query().Get("endTime")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		q.Limit = limit
	}
	records := s.sink.Records(q)
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": records, "count": len(records)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("timeRange")
	if label == "" {
		label = "1h"
	}
	window, err := time.ParseDuration(label)
	if err != nil || window <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeRange %q", label))
		return
	}
	s.writeJSON(w, http.StatusOK, s.sink.Aggregate(window, label))
}

// --- helpers ---

func (s *Server) readJSON(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) logCommand(r *http.Request, command string) {
	s.logger.Info("Lifecycle command received.",
		zap.String("command", command),
		zap.String("caller", caller(r)),
	)
}

func caller(r *http.Request) string {
	if id := r.Header.Get(callerHeader); id != "" {
		return id
	}
	return r.RemoteAddr
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return t, nil
}
