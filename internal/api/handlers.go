package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/auth"
	"github.com/stagehand-ci/stagehand/internal/config"
	"github.com/stagehand-ci/stagehand/internal/export"
	"github.com/stagehand-ci/stagehand/internal/registry"
	"github.com/stagehand-ci/stagehand/internal/report"
	"github.com/stagehand-ci/stagehand/internal/runstore"
	"github.com/stagehand-ci/stagehand/internal/scheduler"
	"github.com/stagehand-ci/stagehand/internal/validator"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// maxBodySize caps request bodies; pipeline documents are small.
const maxBodySize = 1 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.RunStore
	registry  registry.PipelineRegistry
	scheduler *scheduler.Scheduler
	validator *validator.Validator
	artifacts artifact.Store
	exporter  *export.S3Exporter
	config    *config.Config
	logger    *slog.Logger
}

// HandlersConfig bundles the handler dependencies.
type HandlersConfig struct {
	Store     runstore.RunStore
	Registry  registry.PipelineRegistry
	Scheduler *scheduler.Scheduler
	Validator *validator.Validator
	Artifacts artifact.Store
	Exporter  *export.S3Exporter
	Config    *config.Config
	Logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     cfg.Store,
		registry:  cfg.Registry,
		scheduler: cfg.Scheduler,
		validator: cfg.Validator,
		artifacts: cfg.Artifacts,
		exporter:  cfg.Exporter,
		config:    cfg.Config,
		logger:    logger,
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
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Pipeline Management ---

// readPipelineSpec decodes a pipeline document from the request body,
// accepting YAML or JSON based on Content-Type, and schema-validates it.
func (h *Handlers) readPipelineSpec(w http.ResponseWriter, r *http.Request) (*types.PipelineSpec, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return nil, false
	}

	isYAML := strings.Contains(r.Header.Get("Content-Type"), "yaml")

	var result *validator.ValidationResult
	if isYAML {
		result = h.validator.ValidatePipelineYAML(body)
	} else {
		result = h.validator.ValidatePipelineJSON(body)
	}
	if !result.Valid {
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeInvalidConfig,
			"pipeline document failed validation", map[string]interface{}{"errors": result.Errors})
		return nil, false
	}

	var spec *types.PipelineSpec
	if isYAML {
		spec, err = types.ParsePipeline(body)
	} else {
		spec = &types.PipelineSpec{}
		err = json.Unmarshal(body, spec)
	}
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to decode pipeline", err)
		return nil, false
	}

	// Semantic validation: DAG shape, gates, input bindings.
	if _, err := scheduler.Compile(spec); err != nil {
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeInvalidConfig,
			err.Error(), nil)
		return nil, false
	}

	return spec, true
}

// CreatePipeline handles POST /api/v1/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.readPipelineSpec(w, r)
	if !ok {
		return
	}

	p, err := h.registry.Create(r.Context(), spec)
	if err != nil {
		if errors.Is(err, registry.ErrPipelineExists) {
			h.respondError(w, r, http.StatusConflict, "pipeline already exists", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to register pipeline", err)
		return
	}

	w.Header().Set("Location", "/api/v1/pipelines/"+p.Name)
	h.respondJSON(w, http.StatusCreated, p)
}

// UpdatePipeline handles PUT /api/v1/pipelines/{name}
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	spec, ok := h.readPipelineSpec(w, r)
	if !ok {
		return
	}

	p, err := h.registry.Update(r.Context(), name, spec)
	if err != nil {
		if errors.Is(err, registry.ErrPipelineNotFound) {
			h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
			return
		}
		h.respondError(w, r, http.StatusBadRequest, "failed to update pipeline", err)
		return
	}

	h.respondJSON(w, http.StatusOK, p)
}

// GetPipeline handles GET /api/v1/pipelines/{name}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	p, err := h.registry.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrPipelineNotFound) {
			h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get pipeline", err)
		return
	}

	h.respondJSON(w, http.StatusOK, p)
}

// ListPipelines handles GET /api/v1/pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.registry.List(r.Context(), nil)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list pipelines", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"pipelines": pipelines})
}

// DeletePipeline handles DELETE /api/v1/pipelines/{name}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.registry.Delete(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrPipelineNotFound) {
			h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to delete pipeline", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ValidatePipeline handles POST /api/v1/pipelines/validate
// Validation only; nothing is registered.
func (h *Handlers) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return
	}

	isYAML := strings.Contains(r.Header.Get("Content-Type"), "yaml")

	var result *validator.ValidationResult
	if isYAML {
		result = h.validator.ValidatePipelineYAML(body)
	} else {
		result = h.validator.ValidatePipelineJSON(body)
	}
	if !result.Valid {
		h.respondJSON(w, http.StatusOK, result)
		return
	}

	var spec *types.PipelineSpec
	if isYAML {
		spec, err = types.ParsePipeline(body)
	} else {
		spec = &types.PipelineSpec{}
		err = json.Unmarshal(body, spec)
	}
	if err == nil {
		_, err = scheduler.Compile(spec)
	}
	if err != nil {
		h.respondJSON(w, http.StatusOK, &validator.ValidationResult{
			Valid:  false,
			Errors: []validator.ValidationError{{Path: "$", Message: err.Error()}},
		})
		return
	}

	h.respondJSON(w, http.StatusOK, &validator.ValidationResult{Valid: true})
}

// --- Run Management ---

// TriggerRunResponse is the response body after triggering a run.
type TriggerRunResponse struct {
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline"`
	Status   string `json:"status"`
	SSEURL   string `json:"sse_url"`
}

// TriggerRun handles POST /api/v1/pipelines/{name}/trigger
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]

	p, err := h.registry.Get(ctx, name)
	if err != nil {
		if errors.Is(err, registry.ErrPipelineNotFound) {
			h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get pipeline", err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return
	}
	if len(body) == 0 {
		body = []byte(`{"event":"manual"}`)
	}

	if result := h.validator.ValidateTriggerJSON(body); !result.Valid {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"trigger failed validation", map[string]interface{}{"errors": result.Errors})
		return
	}

	var trig types.Trigger
	if err := json.Unmarshal(body, &trig); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to decode trigger", err)
		return
	}
	if trig.Actor == "" {
		trig.Actor = auth.GetClaims(ctx).Actor()
	}

	plan, err := scheduler.Compile(p.Spec)
	if err != nil {
		// A registered pipeline that no longer compiles is a server-side
		// inconsistency, not a caller error.
		h.respondError(w, r, http.StatusInternalServerError, "stored pipeline failed to compile", err)
		return
	}

	runID, err := h.scheduler.CreateRun(ctx, plan, trig)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to create run", err)
		return
	}
	h.scheduler.StartRun(runID, plan, trig)

	h.respondJSON(w, http.StatusAccepted, TriggerRunResponse{
		RunID:    runID,
		Pipeline: name,
		Status:   "running",
		SSEURL:   "/api/v1/runs/" + runID + "/events",
	})
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

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	if err := h.scheduler.CancelRun(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, runstore.ErrRunNotFound):
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
		case errors.Is(err, runstore.ErrRunFinished):
			h.respondError(w, r, http.StatusConflict, "run already finished", err)
		default:
			h.respondError(w, r, http.StatusInternalServerError, "failed to cancel run", err)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// --- Artifacts ---

// ListArtifacts handles GET /api/v1/runs/{id}/artifacts
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	artifacts, err := h.artifacts.List(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list artifacts", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

// GetArtifact handles GET /api/v1/runs/{id}/artifacts/{key}
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID, key := vars["id"], vars["key"]

	art, err := h.artifacts.Get(r.Context(), runID, key)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			h.respondError(w, r, http.StatusNotFound, "artifact not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get artifact", err)
		return
	}

	h.respondJSON(w, http.StatusOK, art)
}

// --- Run Summary and Export ---

// GetRunSummary handles GET /api/v1/runs/{id}/summary
// ?format=text renders the terminal report instead of JSON.
func (h *Handlers) GetRunSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	artifacts, err := h.artifacts.List(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list artifacts", err)
		return
	}

	summary := report.Build(run, artifacts)

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, summary.Text())
		return
	}

	h.respondJSON(w, http.StatusOK, summary)
}

// ExportRun handles POST /api/v1/runs/{id}/export
func (h *Handlers) ExportRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if h.exporter == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "export not configured", errors.New("no exporter"))
		return
	}

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	if !run.Status.Terminal() {
		h.respondError(w, r, http.StatusConflict, "run still in progress", errors.New("run not terminal"))
		return
	}

	artifacts, err := h.artifacts.List(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list artifacts", err)
		return
	}

	result, err := h.exporter.ExportRun(ctx, run, artifacts)
	if err != nil {
		h.respondError(w, r, http.StatusBadGateway, "export failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// --- RunStore Diagnostics ---

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}

	h.respondJSON(w, http.StatusOK, info)
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
	h.logger.Error(message, "error", err, "status", status, "path", r.URL.Path)
	details := map[string]interface{}{}
	if err != nil {
		details["details"] = err.Error()
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
