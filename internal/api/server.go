package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/bus"
	"github.com/JakeFAU/crawlfleet/internal/dispatcher"
	"github.com/JakeFAU/crawlfleet/internal/fleet"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
)

// Fleet is the dispatcher surface the admin API drives. *dispatcher.Dispatcher implements it.
type Fleet interface {
	AddTarget(ctx context.Context, target fleet.CrawlTarget) error
	Targets() []fleet.CrawlTarget
	Workers() []fleet.WorkerRecord
	LastStatus(workerID string) (fleet.StatusRecord, bool)
	RequestStatus(ctx context.Context, workerID string, full bool) error
	ResetWorker(ctx context.Context, workerID string) error
	ShutdownWorker(ctx context.Context, workerID string) error
	ShutdownFleet(ctx context.Context) error
	Stopped() bool
}

// Config controls the admin server.
type Config struct {
	// LivenessWindow is used to report whether a worker is live.
	LivenessWindow time.Duration
	// APIKey, when set, is required in the X-API-Key header.
	APIKey string
}

// Server wires HTTP handlers to the dispatcher.
type Server struct {
	router chi.Router
	fleet  Fleet
	clock  fleet.Clock
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(f Fleet, clock fleet.Clock, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		fleet:  f,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle(metrics.ScrapePath, metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.listTargets)
			r.Post("/", s.addTarget)
		})
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.listWorkers)
			r.Route("/{worker_id}", func(r chi.Router) {
				r.Get("/status", s.getWorkerStatus)
				r.Post("/status", s.requestWorkerStatus)
				r.Post("/reset", s.resetWorker)
				r.Post("/shutdown", s.shutdownWorker)
			})
		})
		r.Route("/fleet", func(r chi.Router) {
			r.Post("/status", s.requestFleetStatus)
			r.Post("/shutdown", s.shutdownFleet)
		})
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.fleet.Stopped() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type targetRequest struct {
	URL       string         `json:"url"`
	Frequency string         `json:"frequency"`
	Payload   map[string]any `json:"payload"`
}

type targetResponse struct {
	URL              string         `json:"url"`
	Frequency        string         `json:"frequency"`
	Payload          map[string]any `json:"payload,omitempty"`
	LastDispatchedAt *time.Time     `json:"last_dispatched_at"`
	LastWorker       string         `json:"last_worker,omitempty"`
	LastResult       *resultBody    `json:"last_result,omitempty"`
}

type resultBody struct {
	Success            bool   `json:"success"`
	LinkCount          int    `json:"link_count"`
	ProcessedLinkCount int    `json:"processed_link_count"`
	BadLinkCount       int    `json:"bad_link_count"`
	Error              string `json:"error,omitempty"`
}

func toTargetResponse(t fleet.CrawlTarget) targetResponse {
	out := targetResponse{
		URL:        t.URL,
		Frequency:  t.Frequency.String(),
		Payload:    t.Payload,
		LastWorker: t.LastWorker,
	}
	if !t.NeverDispatched() {
		at := t.LastDispatchedAt
		out.LastDispatchedAt = &at
	}
	if r := t.LastResult; r != nil {
		out.LastResult = &resultBody{
			Success:            r.Success,
			LinkCount:          r.LinkCount,
			ProcessedLinkCount: r.ProcessedLinkCount,
			BadLinkCount:       r.BadLinkCount,
			Error:              r.Error,
		}
	}
	return out
}

func (s *Server) listTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.fleet.Targets()
	out := make([]targetResponse, 0, len(targets))
	for _, t := range targets {
		out = append(out, toTargetResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (s *Server) addTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var freq time.Duration
	if req.Frequency != "" {
		parsed, err := time.ParseDuration(req.Frequency)
		if err != nil {
			writeError(w, http.StatusBadRequest, "frequency must be a duration such as 90s or 1h")
			return
		}
		freq = parsed
	}
	target := fleet.CrawlTarget{URL: req.URL, Frequency: freq, Payload: req.Payload}
	if err := s.fleet.AddTarget(r.Context(), target); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatcher.ErrInvalidTarget) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toTargetResponse(target))
}

type workerResponse struct {
	WorkerID            string    `json:"worker_id"`
	LastSeenAvailableAt time.Time `json:"last_seen_available_at"`
	Live                bool      `json:"live"`
	Busy                bool      `json:"busy"`
	BusyURL             string    `json:"busy_url,omitempty"`
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	workers := s.fleet.Workers()
	out := make([]workerResponse, 0, len(workers))
	for _, rec := range workers {
		out = append(out, workerResponse{
			WorkerID:            rec.WorkerID,
			LastSeenAvailableAt: rec.LastSeenAvailableAt,
			Live:                rec.Live(now, s.cfg.LivenessWindow),
			Busy:                rec.Busy,
			BusyURL:             rec.BusyURL,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

type statusResponse struct {
	WorkerID           string    `json:"worker_id"`
	ReceivedAt         time.Time `json:"received_at"`
	Busy               bool      `json:"busy"`
	LinkCount          int       `json:"link_count"`
	ProcessedLinkCount int       `json:"processed_link_count"`
	BadLinkCount       int       `json:"bad_link_count"`
	TargetURL          string    `json:"target_url"`
	StatusDatetime     time.Time `json:"status_datetime"`
	State              string    `json:"state,omitempty"`
	ProcessedIDs       []string  `json:"processed_ids,omitempty"`
}

func (s *Server) getWorkerStatus(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	rec, ok := s.fleet.LastStatus(workerID)
	if !ok {
		writeError(w, http.StatusNotFound, "no status reported")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		WorkerID:           rec.WorkerID,
		ReceivedAt:         rec.ReceivedAt,
		Busy:               rec.Report.Busy,
		LinkCount:          rec.Report.LinkCount,
		ProcessedLinkCount: rec.Report.ProcessedLinkCount,
		BadLinkCount:       rec.Report.BadLinkCount,
		TargetURL:          rec.Report.TargetURL,
		StatusDatetime:     rec.Report.StatusDatetime,
		State:              rec.Report.State,
		ProcessedIDs:       rec.Report.ProcessedIDs,
	})
}

func (s *Server) requestWorkerStatus(w http.ResponseWriter, r *http.Request) {
	s.requestStatus(w, r, chi.URLParam(r, "worker_id"))
}

func (s *Server) requestFleetStatus(w http.ResponseWriter, r *http.Request) {
	s.requestStatus(w, r, "")
}

func (s *Server) requestStatus(w http.ResponseWriter, r *http.Request, workerID string) {
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))
	if err := s.fleet.RequestStatus(r.Context(), workerID, full); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requested": true, "full": full})
}

func (s *Server) resetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	if err := s.fleet.ResetWorker(r.Context(), workerID); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"worker_id": workerID, "command": "reset_scraper"})
}

func (s *Server) shutdownWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	if err := s.fleet.ShutdownWorker(r.Context(), workerID); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"worker_id": workerID, "command": "shutdown"})
}

func (s *Server) shutdownFleet(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.ShutdownFleet(r.Context()); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command": "global_shutdown"})
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrUnknownWorker):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bus.ErrPublish), errors.Is(err, bus.ErrClosed):
		s.logger.Warn("command not delivered", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
