// Package diag exposes ingestion health, statistics and cursors over HTTP.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shogotsuneto/go-simple-mirror"
	"github.com/shogotsuneto/go-simple-mirror/ingest"
)

// Ingestion is the orchestrator surface the handlers report on.
type Ingestion interface {
	Stats() map[string]ingest.TopicStats
	Health() ingest.Health
	ForceResync(ctx context.Context, topicID string) error
}

// Cursors is the cursor surface the handlers read.
type Cursors interface {
	Load(ctx context.Context, topicID string) (string, bool, error)
	Snapshot() map[string]string
}

// Handler serves the diagnostic endpoints.
type Handler struct {
	ingestion Ingestion
	cursors   Cursors
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(ingestion Ingestion, cursors Cursors, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ingestion: ingestion, cursors: cursors, logger: logger.With("component", "diag")}
}

// NewRouter registers the diagnostic routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(h.recoverMiddleware)

	r.Get("/healthz", h.healthz)
	r.Get("/stats", h.stats)
	r.Route("/cursors", func(r chi.Router) {
		r.Get("/", h.listCursors)
		r.Delete("/", h.resyncAll)
		r.Get("/{topicID}", h.getCursor)
		r.Post("/{topicID}/resync", h.resyncTopic)
	})
	return r
}

// Server wraps an http.Server around the diagnostic router.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, h *Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(h),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: h.logger,
	}
}

// Start serves in the background. Listen errors are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("diagnostics listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diagnostics server failed", "error", err)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type cursorResponse struct {
	Topic  string `json:"topic"`
	Offset string `json:"offset"`
}

type apiError struct {
	Error string `json:"error"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	health := h.ingestion.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ingestion.Stats())
}

func (h *Handler) listCursors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cursors.Snapshot())
}

func (h *Handler) getCursor(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topicID")
	if !mirror.ValidTopicID(topic) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid topic id"})
		return
	}
	offset, ok, err := h.cursors.Load(r.Context(), topic)
	if err != nil {
		h.logger.Warn("cursor read failed", "topic", topic, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "no cursor for topic"})
		return
	}
	writeJSON(w, http.StatusOK, cursorResponse{Topic: topic, Offset: offset})
}

func (h *Handler) resyncTopic(w http.ResponseWriter, r *http.Request) {
	h.resync(w, r, chi.URLParam(r, "topicID"))
}

func (h *Handler) resyncAll(w http.ResponseWriter, r *http.Request) {
	h.resync(w, r, "")
}

func (h *Handler) resync(w http.ResponseWriter, r *http.Request, topic string) {
	err := h.ingestion.ForceResync(r.Context(), topic)
	switch {
	case errors.Is(err, mirror.ErrInvalidTopic):
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
	case err != nil:
		h.logger.Warn("resync failed", "topic", topic, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("diagnostics handler panic", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
