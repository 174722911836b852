package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hannes/piibridge/src/backend/config"
	"github.com/hannes/piibridge/src/backend/pii"
	"github.com/hannes/piibridge/src/backend/translation"
)

const (
	maxBodyBytes      = 1 << 20
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
	requestIDHeader   = "X-Request-ID"
)

type requestIDKey struct{}

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	pipeline   *pii.Pipeline
	models     []*pii.ModelManager
	gatherer   prometheus.Gatherer
	reportErrs bool
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new server instance. models are the reloadable
// recognizers reported on /health.
func NewServer(cfg *config.Config, pipeline *pii.Pipeline, gatherer prometheus.Gatherer, models ...*pii.ModelManager) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:     cfg,
		pipeline:   pipeline,
		models:     models,
		gatherer:   gatherer,
		reportErrs: cfg.Sentry.DSN != "",
		logger:     slog.Default().With("component", "server"),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(s.cors)

	r.Get("/health", s.healthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Post("/v1/redact", s.handleRedact)
	r.Get("/anon/{lang}/{text}/{mode}/{array}", s.handleLegacyAnon)
	r.Post("/api/model/reload", s.handleModelReload)
	r.Get("/api/audit", s.handleAudit)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting redaction service",
		"port", s.config.ServerPort,
		"languages", s.pipeline.Languages(),
		"pivot", s.pipeline.PivotLanguage())

	s.httpServer = &http.Server{
		Addr:         s.config.ServerPort,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestID assigns every request an ID, reusing a well-formed incoming one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFrom returns the request ID set by the server middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// cors adds CORS headers to the response and answers preflight requests
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Credentials", "false")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status    string          `json:"status"`
	Service   string          `json:"service"`
	Languages []string        `json:"languages"`
	Pivot     string          `json:"pivot_language"`
	Models    []pii.ModelInfo `json:"models"`
}

// healthCheck reports the service and model state. An unhealthy model
// degrades the service but does not fail the check.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Service:   "piibridge",
		Languages: s.pipeline.Languages(),
		Pivot:     s.pipeline.PivotLanguage(),
		Models:    []pii.ModelInfo{},
	}
	for _, mm := range s.models {
		info := mm.GetInfo()
		if !info.Healthy {
			resp.Status = "degraded"
		}
		resp.Models = append(resp.Models, info)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	var req pii.RedactRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req.RequestID = RequestIDFrom(r.Context())

	resp, err := s.pipeline.Redact(r.Context(), req)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type legacyAnonResponse struct {
	AnonymizedText string           `json:"Anonymized text"`
	EntityArray    []pii.EntityInfo `json:"Entity Array"`
}

// handleLegacyAnon serves GET /anon/{lang}/{text}/{mode}/{array}. A true
// mode selects synthetic values; a true array adds the entity list.
func (s *Server) handleLegacyAnon(w http.ResponseWriter, r *http.Request) {
	synthetic, err := parseFlag(chi.URLParam(r, "mode"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("mode: %w", err))
		return
	}
	withArray, err := parseFlag(chi.URLParam(r, "array"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("array: %w", err))
		return
	}

	text := chi.URLParam(r, "text")
	if unescaped, err := url.PathUnescape(text); err == nil {
		text = unescaped
	}

	req := pii.RedactRequest{
		Language:        chi.URLParam(r, "lang"),
		Text:            text,
		Mode:            string(pii.ModePlaceholder),
		IncludeEntities: withArray,
		RequestID:       RequestIDFrom(r.Context()),
	}
	if synthetic {
		req.Mode = string(pii.ModeSynthetic)
	}

	resp, err := s.pipeline.Redact(r.Context(), req)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	if !withArray {
		s.writeJSON(w, http.StatusOK, resp.AnonymizedText)
		return
	}
	entities := resp.Entities
	if entities == nil {
		entities = []pii.EntityInfo{}
	}
	s.writeJSON(w, http.StatusOK, legacyAnonResponse{AnonymizedText: resp.AnonymizedText, EntityArray: entities})
}

// parseFlag accepts the boolean spellings of strconv plus yes/no and on/off.
func parseFlag(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(v)
}

type reloadRequest struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
}

// handleModelReload hot-reloads one model from a new directory
func (s *Server) handleModelReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Directory == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("directory is required"))
		return
	}

	mm := s.findModel(req.Name)
	if mm == nil {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("model %q not found", req.Name))
		return
	}
	if err := mm.ReloadModel(req.Directory); err != nil {
		s.writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mm.GetInfo())
}

// findModel returns the named model, or the only one when name is empty.
func (s *Server) findModel(name string) *pii.ModelManager {
	if name == "" && len(s.models) == 1 {
		return s.models[0]
	}
	for _, mm := range s.models {
		if mm.GetName() == name {
			return mm
		}
	}
	return nil
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := s.pipeline.Audit().Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []pii.AuditEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var (
		unsupported *pii.UnsupportedLanguageError
		unknownMode *pii.UnknownModeError
		missingOp   *pii.MissingOperatorError
		unavailable *translation.TranslationUnavailableError
		analysis    *pii.AnalysisFailedError
	)
	switch {
	case errors.As(err, &unsupported), errors.As(err, &unknownMode):
		return http.StatusBadRequest
	case errors.As(err, &missingOp):
		return http.StatusUnprocessableEntity
	case errors.As(err, &unavailable):
		return http.StatusBadGateway
	case errors.As(err, &analysis):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	id := RequestIDFrom(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", id, "path", r.URL.Path, "status", status, "error", err)
		s.report(id, r, err)
	} else {
		s.logger.Debug("request rejected", "request_id", id, "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: id})
}

// report sends err to Sentry when a DSN is configured.
func (s *Server) report(id string, r *http.Request, err error) {
	if !s.reportErrs {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("request_id", id)
		scope.SetTag("route", chi.RouteContext(r.Context()).RoutePattern())
		sentry.CaptureException(err)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
