package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/orchestrator"
	"github.com/capitalize-ai/task-relay/pkg/logger"
)

const checkTimeout = 3 * time.Second

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OrchestratorChecker exposes the orchestrator's health and agent list.
type OrchestratorChecker interface {
	Health(ctx context.Context) (*orchestrator.Health, error)
	Agents(ctx context.Context) (*orchestrator.AgentList, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store        Pinger
	orchestrator OrchestratorChecker
	logger       *logger.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store Pinger, orch OrchestratorChecker, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		store:        store,
		orchestrator: orch,
		logger:       logger.OrNop(log).Component("health_handler"),
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready. The store must answer; the orchestrator status
// is reported but does not fail readiness.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("store not ready", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "store unavailable",
			})
			return
		}
	}

	orchStatus := string(orchestrator.HealthDown)
	if h.orchestrator != nil {
		if health, err := h.orchestrator.Health(ctx); err == nil {
			orchStatus = string(health.Status)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ready",
		"orchestrator": orchStatus,
	})
}

// OrchestratorHealth handles GET /api/v1/orchestrator/health
func (h *HealthHandler) OrchestratorHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.orchestrator.Health(r.Context())
	if err != nil {
		h.logger.Warn("orchestrator health check failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "orchestrator unavailable")
		return
	}

	writeJSON(w, http.StatusOK, health)
}

// Agents handles GET /api/v1/agents
func (h *HealthHandler) Agents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.orchestrator.Agents(r.Context())
	if err != nil {
		h.logger.Warn("failed to list agents", zap.Error(err))
		writeError(w, http.StatusBadGateway, "orchestrator unavailable")
		return
	}

	names := agents.Names
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":  names,
		"_timing": agents.Timing,
	})
}
