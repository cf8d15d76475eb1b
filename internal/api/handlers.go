package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/fluxline/fluxline/internal/config"
	"github.com/fluxline/fluxline/internal/dag"
	"github.com/fluxline/fluxline/internal/orchestrator"
	"github.com/fluxline/fluxline/internal/registry"
	"github.com/fluxline/fluxline/internal/runstore"
	"github.com/fluxline/fluxline/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store    runstore.Store
	registry registry.TaskRegistry
	orch     *orchestrator.Orchestrator
	config   *config.Config
	logger   *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.Store, reg registry.TaskRegistry, orch *orchestrator.Orchestrator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    store,
		registry: reg,
		orch:     orch,
		config:   cfg,
		logger:   logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "store unhealthy", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ready",
		"store":  info,
	})
}

// --- Task Definitions ---

// RegisterTask handles POST /api/v1/tasks
func (h *Handlers) RegisterTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var def types.TaskDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := registry.Validate(&def); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid task definition", err)
		return
	}
	if err := h.registry.Register(ctx, &def); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to register task", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]string{"name": def.Name, "status": "registered"})
}

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	defs, err := h.registry.List(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list tasks", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": defs})
}

// GetTask handles GET /api/v1/tasks/{name}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	def, err := h.registry.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			h.respondError(w, r, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get task", err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// DeleteTask handles DELETE /api/v1/tasks/{name}
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.registry.Delete(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			h.respondError(w, r, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Run Management ---

// CreateRunRequest is the JSON request body for creating a run.
type CreateRunRequest struct {
	Definition json.RawMessage `json:"definition"`
	AutoStart  bool            `json:"auto_start,omitempty"`
}

// CreateRunResponse is the response body after creating a run.
type CreateRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	SSEURL string `json:"sse_url,omitempty"`
}

// CreateRun handles POST /api/v1/runs. The body is either a JSON envelope
// with a "definition" field, or a raw YAML pipeline definition when the
// Content-Type is a YAML type.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, autoStart, err := h.readDefinition(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	def, err := dag.ParseDefinition(raw)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid pipeline definition", err)
		return
	}

	runID, err := h.orch.CreateRun(ctx, def)
	if err != nil {
		var verr *dag.ValidationError
		var cerr *dag.CircularDependencyError
		var terr *dag.TaskNotFoundError
		if errors.As(err, &verr) || errors.As(err, &cerr) || errors.As(err, &terr) {
			h.respondError(w, r, http.StatusBadRequest, "invalid pipeline definition", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to create run", err)
		return
	}

	resp := CreateRunResponse{RunID: runID, Status: string(types.RunStatusIdle)}
	if autoStart {
		if err := h.orch.Start(ctx, runID); err != nil {
			h.logger.Error("auto-start failed", "error", err, "run_id", runID)
		} else {
			resp.Status = string(types.RunStatusRunning)
			resp.SSEURL = "/api/v1/runs/" + runID + "/events"
		}
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// readDefinition extracts the raw pipeline definition and auto-start flag
// from the request.
func (h *Handlers) readDefinition(r *http.Request) ([]byte, bool, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "yaml") {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, false, err
		}
		autoStart := r.URL.Query().Get("auto_start") == "true"
		return body, autoStart, nil
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, false, err
	}
	if len(req.Definition) == 0 {
		return nil, false, errors.New("definition is required")
	}
	return req.Definition, req.AutoStart, nil
}

// StartRun handles POST /api/v1/runs/{id}/start
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.orch.Start(r.Context(), runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusConflict, "failed to start run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"run_id":  runID,
		"status":  string(types.RunStatusRunning),
		"sse_url": "/api/v1/runs/" + runID + "/events",
	})
}

// PauseRun handles POST /api/v1/runs/{id}/pause
func (h *Handlers) PauseRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.orch.Pause(r.Context(), runID); err != nil {
		h.respondError(w, r, http.StatusConflict, "failed to pause run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(types.RunStatusPaused)})
}

// ResumeRun handles POST /api/v1/runs/{id}/resume
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.orch.Resume(r.Context(), runID); err != nil {
		h.respondError(w, r, http.StatusConflict, "failed to resume run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(types.RunStatusRunning)})
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.orch.Cancel(r.Context(), runID); err != nil {
		h.respondError(w, r, http.StatusConflict, "failed to cancel run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(types.RunStatusCancelled)})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runIDs, err := h.store.ListRuns(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runIDs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	octx, err := h.store.GetContext(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, octx)
}

// GetRunSummary handles GET /api/v1/runs/{id}/summary
func (h *Handlers) GetRunSummary(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	summary, err := h.orch.Summary(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to build summary", err)
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

// GetRunDAG handles GET /api/v1/runs/{id}/dag
func (h *Handlers) GetRunDAG(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	d, err := h.store.GetDAG(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get dag", err)
		return
	}
	h.respondJSON(w, http.StatusOK, d)
}

// GetRunExecutions handles GET /api/v1/runs/{id}/executions
func (h *Handlers) GetRunExecutions(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	execs, err := h.store.GetExecutions(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get executions", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"executions": execs})
}

// GetRunResults handles GET /api/v1/runs/{id}/results
func (h *Handlers) GetRunResults(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	results, err := h.store.GetResults(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get results", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// --- Store Diagnostics ---

// StoreInfo handles GET /api/v1/store/info
func (h *Handlers) StoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get store info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// StoreSelfCheck handles GET /api/v1/store/selfcheck. It creates a throwaway
// run, appends and reads back an event, and reports the round-trip latency.
func (h *Handlers) StoreSelfCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	runID, err := h.store.CreateRun(ctx, "_selfcheck", &types.ExecutionDAG{Name: "_selfcheck"})
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: create", err)
		return
	}

	_, err = h.store.AppendEvent(ctx, runID, &types.EventInput{
		Type: types.EventTypeLog,
		Data: map[string]string{"message": "selfcheck"},
	})
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: append", err)
		return
	}

	events, err := h.store.GetEventsSince(ctx, runID, "")
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: read", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"latency_ms":  time.Since(start).Milliseconds(),
		"event_count": len(events),
	})
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	status = statusFor(err, status)
	h.logger.Error(message, "error", err, "status", status)
	details := map[string]interface{}{}
	if err != nil {
		details["cause"] = err.Error()
	}
	writeErrorResponse(w, r, status, errorCode(status), message, details)
}
