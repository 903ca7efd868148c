package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
)

const defaultListLimit = 100

// SpiderLister lists stored spider definitions.
type SpiderLister interface {
	List(ctx context.Context) ([]crawler.SpiderConfig, error)
}

// BlockedHosts reports hosts that were escalated to a proxy.
type BlockedHosts interface {
	Snapshot() []string
}

// ReadyFunc reports whether downstream stores are reachable.
type ReadyFunc func(ctx context.Context) error

// Config controls the admin server.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the work queue and spider registry.
type Server struct {
	router  chi.Router
	queue   crawler.WorkQueue
	spiders SpiderLister
	blocked BlockedHosts
	ready   ReadyFunc
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. spiders,
// blocked and ready may be nil.
func NewServer(
	queue crawler.WorkQueue,
	spiders SpiderLister,
	blocked BlockedHosts,
	ready ReadyFunc,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		queue:   queue,
		spiders: spiders,
		blocked: blocked,
		ready:   ready,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Route("/items/{id}", func(r chi.Router) {
				r.Get("/", s.getItem)
				r.Delete("/", s.removeItem)
				r.Post("/retry", s.retryItem)
			})
			r.Get("/{project}", s.listQueue)
			r.Post("/{project}", s.enqueue)
		})
		r.Get("/spiders", s.listSpiders)
		r.Get("/evasion/blocked", s.blockedHosts)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type enqueueRequest struct {
	URL         string `json:"url"`
	Instruction string `json:"instruction"`
	Priority    *int   `json:"priority"`
}

type queueResponse struct {
	Project string                      `json:"project"`
	Stats   map[crawler.QueueStatus]int `json:"stats"`
	Items   []crawler.QueueItem         `json:"items"`
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	filter := crawler.ListFilter{
		Project: project,
		Status:  crawler.QueueStatus(r.URL.Query().Get("status")),
		Limit:   defaultListLimit,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	stats, err := s.queue.Stats(r.Context(), project)
	if err != nil {
		s.internalError(w, "queue stats failed", err)
		return
	}
	items, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, "queue list failed", err)
		return
	}
	if items == nil {
		items = []crawler.QueueItem{}
	}
	writeJSON(w, http.StatusOK, queueResponse{Project: project, Stats: stats, Items: items})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	priority := crawler.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	id, err := s.queue.Enqueue(r.Context(), crawler.EnqueueRequest{
		Project:     chi.URLParam(r, "project"),
		TargetURL:   req.URL,
		Instruction: req.Instruction,
		Priority:    priority,
	})
	switch {
	case errors.Is(err, crawler.ErrDuplicate):
		writeError(w, http.StatusConflict, "url already queued for project")
		return
	case err != nil:
		s.internalError(w, "enqueue failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.itemError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) retryItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Retry(r.Context(), id); err != nil {
		s.itemError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": crawler.QueueStatusPending})
}

func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Remove(r.Context(), id); err != nil {
		s.itemError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSpiders(w http.ResponseWriter, r *http.Request) {
	if s.spiders == nil {
		writeJSON(w, http.StatusOK, map[string]any{"spiders": []crawler.SpiderConfig{}})
		return
	}
	cfgs, err := s.spiders.List(r.Context())
	if err != nil {
		s.internalError(w, "list spiders failed", err)
		return
	}
	if cfgs == nil {
		cfgs = []crawler.SpiderConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"spiders": cfgs})
}

func (s *Server) blockedHosts(w http.ResponseWriter, _ *http.Request) {
	hosts := []string{}
	if s.blocked != nil {
		hosts = append(hosts, s.blocked.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return 0, false
	}
	return id, true
}

func (s *Server) itemError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "queue item not found")
	case errors.Is(err, crawler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, "queue item operation failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
