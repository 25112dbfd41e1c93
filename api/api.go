// Package api exposes the HTTP intake and status surface: record
// submission, per-item status lookup, health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"charon/core"
	"charon/ingest"
	"charon/pipeline"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the HTTP server settings.
type Config struct {
	Host              string
	Port              int
	JSONBodyLimit     int64
	RequestsPerSecond float64
	Burst             int
}

// API holds the HTTP server for intake and status queries.
type API struct {
	router  *mux.Router
	server  *http.Server
	service *pipeline.Service
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.SugaredLogger
}

// NewAPI creates the HTTP API around the pipeline service.
func NewAPI(service *pipeline.Service, cfg Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:  mux.NewRouter(),
		service: service,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.HandleFunc("/api/v1/ingest", a.rateLimited(a.handleIngest)).Methods("POST")
	a.router.HandleFunc("/api/v1/status/{id}", a.handleStatus).Methods("GET")
	a.router.HandleFunc("/healthz", a.handleHealth).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Router returns the configured handler, mainly for tests.
func (a *API) Router() http.Handler {
	return a.router
}

// Start begins serving in a background goroutine.
func (a *API) Start() {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		a.logger.Infof("API server listening on %s", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorf("API server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// rateLimited rejects requests beyond the configured intake rate.
func (a *API) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil, a.logger)
			return
		}
		next(w, r)
	}
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.JSONBodyLimit)

	var record core.RawRecord
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err, a.logger)
		return
	}

	result, err := a.service.Submit(r.Context(), &record)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidRecord) {
			writeError(w, http.StatusUnprocessableEntity, "record failed validation", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to process record", err, a.logger)
		return
	}

	status := http.StatusAccepted
	if result.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, result, a.logger)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	st, err := a.service.Status(r.Context(), itemID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load status", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, st, a.logger)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, a.logger)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

// writeError logs the full error and returns a terse message to the client.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if err != nil && logger != nil {
		logger.Errorw(message,
			"error", err.Error(),
			"status_code", statusCode,
		)
	}
	writeJSON(w, statusCode, map[string]string{"error": message}, logger)
}
