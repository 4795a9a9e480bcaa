// Command httpapi exposes the job-processing backbone over HTTP: enqueueing
// requests, reading job status, and the operator-facing /healthz and
// /metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/fluxworks/conveyor/internal/config"
	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
	"github.com/fluxworks/conveyor/pkg/runtime"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "httpapi",
	Short: "Serve the conveyor HTTP API",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backbone, err := runtime.Start(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start backbone: %w", err)
	}

	api := &apiServer{backbone: backbone, validate: validator.New()}
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: api.routes()}

	logger := log.WithComponent("cmd-httpapi")
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server did not shut down cleanly")
	}

	deadline := cfg.ShutdownDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return backbone.Shutdown(deadline)
}

type apiServer struct {
	backbone *runtime.Backbone
	validate *validator.Validate
}

func (a *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/jobs", a.handleEnqueue)
	r.Get("/jobs/{queue}/{id}", a.handleStatus)
	return r
}

// enqueueRequest is the HTTP-facing shape of a job-manager enqueue call.
// Validated with go-playground/validator before it ever reaches the
// manager's dedup/priority logic.
type enqueueRequest struct {
	Queue            string          `json:"queue" validate:"required"`
	Name             string          `json:"name" validate:"required"`
	Payload          json.RawMessage `json:"payload" validate:"required"`
	Priority         int             `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	DeduplicationKey string          `json:"deduplicationKey,omitempty"`
	Retries          int             `json:"retries,omitempty" validate:"omitempty,min=0,max=20"`
}

func (a *apiServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
		return
	}

	job, err := a.backbone.Manager().Enqueue(r.Context(), req.Queue, req.Name, req.Payload, jobs.Options{
		Priority:         req.Priority,
		DeduplicationKey: req.DeduplicationKey,
		Retries:          req.Retries,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (a *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	id := chi.URLParam(r, "id")

	status, err := a.backbone.Manager().Status(r.Context(), queueName, id)
	if err != nil {
		if err == jobs.ErrNotFound {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	results := a.backbone.Readiness(r.Context())
	healthy := true
	for _, res := range results {
		if !res.Healthy {
			healthy = false
			break
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"healthy": healthy, "checks": results})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
