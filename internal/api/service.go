// Package api is the thin HTTP front door over the build session manager:
// start a build, list active builds, stream or read back a build's events,
// and a health check, nothing else. App CRUD,
// auth, and team membership live in the outer service, not here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hackclub/haas/internal/buildsession"
)

// Config holds the configuration for the provisioning HTTP service.
type Config struct {
	Port string
}

// Service is the HTTP front door for StartBuild and build event streaming.
type Service struct {
	logger  *slog.Logger
	config  *Config
	manager *buildsession.Manager
	server  *http.Server
}

// NewService creates the HTTP service over an already-wired build session
// manager.
func NewService(config *Config, manager *buildsession.Manager, logger *slog.Logger) *Service {
	return &Service{logger: logger, config: config, manager: manager}
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (s *Service) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:    ":" + s.config.Port,
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("failed to start HTTP server", "error", err)
		}
	}()

	<-ctx.Done()

	s.logger.Info("shutting down provisioning service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Service) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/builds", s.handleStartBuild)
	mux.HandleFunc("GET /v1/builds", s.handleActiveBuilds)
	mux.HandleFunc("GET /v1/builds/{id}", s.handleGetBuild)
	mux.HandleFunc("GET /v1/builds/{id}/events", s.handleStreamEvents)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type startBuildRequest struct {
	AppID  int64  `json:"app_id"`
	Slug   string `json:"slug"`
	GitURI string `json:"git_uri"`
}

type startBuildResponse struct {
	BuildID int64 `json:"build_id"`
}

func (s *Service) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	var req startBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	buildID, err := s.manager.StartBuild(r.Context(), req.AppID, req.Slug, req.GitURI)
	if err != nil {
		s.logger.Error("failed to start build", "app_id", req.AppID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(startBuildResponse{BuildID: buildID})
}

func (s *Service) handleActiveBuilds(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]int64{"build_ids": s.manager.ActiveBuilds()})
}

type buildResponse struct {
	BuildID   int64             `json:"build_id"`
	AppID     int64             `json:"app_id"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at"`
	Events    []json.RawMessage `json:"events"`
}

// handleGetBuild returns a build row with its journaled events, the read
// path for builds that have already finalized.
func (s *Service) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid build id", http.StatusBadRequest)
		return
	}

	build, err := s.manager.GetBuild(r.Context(), buildID)
	if err != nil {
		http.Error(w, "build not found", http.StatusNotFound)
		return
	}

	resp := buildResponse{
		BuildID:   build.BuildID,
		AppID:     build.AppID,
		StartedAt: build.StartedAt,
		EndedAt:   build.EndedAt,
		Events:    make([]json.RawMessage, len(build.Events)),
	}
	for i, ev := range build.Events {
		resp.Events[i] = json.RawMessage(ev)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStreamEvents streams newline-delimited JSON events for an
// in-progress build. Consumers of a finalized build should read
// builds.events directly instead.
func (s *Service) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	buildID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid build id", http.StatusBadRequest)
		return
	}

	ch, unsubscribe, ok := s.manager.Subscribe(buildID)
	if !ok {
		http.Error(w, "build not in progress", http.StatusNotFound)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, canFlush := w.(http.Flusher)

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			raw, err := ev.MarshalJSON()
			if err != nil {
				s.logger.Error("failed to marshal event for stream", "build_id", buildID, "error", err)
				continue
			}
			if _, err := w.Write(append(raw, '\n')); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}
