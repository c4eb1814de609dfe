package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/buildercloud/pkg/auth"
	"github.com/vyvo/buildercloud/pkg/builder"
	"github.com/vyvo/buildercloud/pkg/ci"
	"github.com/vyvo/buildercloud/pkg/inventory"
	"github.com/vyvo/buildercloud/pkg/provisioner"
	"github.com/vyvo/buildercloud/pkg/telemetry"
)

// demandQueue is the CI queue plus the side the CI server drives through the
// API: enqueue demand, take an item onto a builder and report it finished.
type demandQueue interface {
	ci.Queue
	Enqueue(ctx context.Context, label string) (ci.QueueItem, error)
	Start(ctx context.Context, label string) (ci.QueueItem, error)
	Finish(ctx context.Context, id string) (ci.QueueItem, error)
}

type provisionRequest struct {
	Label          string `json:"label"`
	ExcessWorkload int    `json:"excess_workload"`
}

type plannedResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Label     string `json:"label"`
	Executors int    `json:"executors"`
}

type server struct {
	orch      *provisioner.Orchestrator
	inventory *inventory.Inventory
	queue     demandQueue
	logger    *slog.Logger
}

func (s *server) routes(apiToken string, metrics *telemetry.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireToken(apiToken))
		r.Post("/provision", s.handleProvision)
		r.Post("/queue", s.handleEnqueue)
		r.Post("/queue/{label}/start", s.handleStartItem)
		r.Post("/items/{id}/finish", s.handleFinishItem)
		r.Get("/builders", s.handleListBuilders)
		r.Delete("/builders/{name}", s.handleTerminate)
	})
	return r
}

func (s *server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var payload provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	s.provision(r.Context(), w, payload)
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var payload provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Label) == "" {
		respondError(w, http.StatusBadRequest, "label is required")
		return
	}
	item, err := s.queue.Enqueue(r.Context(), payload.Label)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("queued build", "label", item.Label, "item", item.ID)
	if payload.ExcessWorkload <= 0 {
		payload.ExcessWorkload = 1
	}
	s.provision(r.Context(), w, payload)
}

func (s *server) handleStartItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Start(r.Context(), chi.URLParam(r, "label"))
	s.respondItem(w, item, err)
}

func (s *server) handleFinishItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Finish(r.Context(), chi.URLParam(r, "id"))
	s.respondItem(w, item, err)
}

func (s *server) respondItem(w http.ResponseWriter, item ci.QueueItem, err error) {
	if err != nil {
		if errors.Is(err, ci.ErrItemNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("queue item updated", "label", item.Label, "item", item.ID, "status", item.Status)
	respondJSON(w, item, http.StatusOK)
}

func (s *server) provision(ctx context.Context, w http.ResponseWriter, payload provisionRequest) {
	planned, err := s.orch.Provision(ctx, payload.Label, payload.ExcessWorkload)
	if err != nil {
		if errors.Is(err, provisioner.ErrUnsupported) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]plannedResponse, 0, len(planned))
	for _, p := range planned {
		out = append(out, plannedResponse{ID: p.ID, Name: p.Name, Label: p.Label, Executors: p.Executors})
	}
	respondJSON(w, map[string]any{"planned": out}, http.StatusAccepted)
}

func (s *server) handleListBuilders(w http.ResponseWriter, r *http.Request) {
	builders := s.inventory.List()
	out := make([]builder.Status, 0, len(builders))
	for _, b := range builders {
		out = append(out, b.Status())
	}
	respondJSON(w, map[string]any{"builders": out}, http.StatusOK)
}

func (s *server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.orch.Terminate(r.Context(), name); err != nil {
		if errors.Is(err, provisioner.ErrBuilderNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
