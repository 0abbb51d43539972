// Package handlers exposes the HTTP API: authentication, pipeline runs and
// the action catalog.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"report-runner/internal/auth"
	"report-runner/internal/catalog"
	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
	"report-runner/internal/orchestrator"
	"report-runner/internal/runstore"
)

// Handlers holds the API's collaborators
type Handlers struct {
	orch    *orchestrator.Orchestrator
	catalog *catalog.Catalog
	store   runstore.Store
	auth    *auth.Auth
	logger  logging.Logger
}

// New creates the API handlers
func New(orch *orchestrator.Orchestrator, cat *catalog.Catalog, store runstore.Store, authHandler *auth.Auth) *Handlers {
	return &Handlers{
		orch:    orch,
		catalog: cat,
		store:   store,
		auth:    authHandler,
		logger:  logging.GetGlobalLogger().WithFields(logging.String("component", "api")),
	}
}

// Router builds the route table. Everything under /api except login requires
// a bearer token.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/login", h.Login).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.auth.RequireAuth)
	api.HandleFunc("/runs", h.CreateRun).Methods(http.MethodPost)
	api.HandleFunc("/runs", h.ListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", h.GetRun).Methods(http.MethodGet)
	api.HandleFunc("/actions", h.ListActions).Methods(http.MethodGet)
	return r
}

// Health reports liveness
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges the admin credential for a bearer token
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, errors.ValidationError("invalid JSON body"))
		return
	}

	token, expiresAt, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt,
	})
}

// CreateRun executes a pipeline run synchronously and returns its record.
// A failed run comes back with the failed stage and the innermost cause.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, errors.ValidationError("invalid JSON body"))
		return
	}

	run, err := h.orch.Execute(r.Context(), req)
	if err != nil {
		var perr *orchestrator.PipelineError
		if stderrors.As(err, &perr) {
			h.respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":        perr.Cause.Error(),
				"failed_stage": perr.FailedStage,
				"run_id":       perr.RunID,
			})
			return
		}
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, run)
}

// ListRuns returns the most recent recorded runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.respondError(w, errors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	runs, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if runs == nil {
		runs = []*orchestrator.Run{}
	}
	h.respondJSON(w, http.StatusOK, runs)
}

// GetRun returns one recorded run by ID
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

type actionSummary struct {
	Name        string                           `json:"name"`
	Description string                           `json:"description,omitempty"`
	Group       string                           `json:"group"`
	Method      string                           `json:"method"`
	Parameters  map[string]catalog.ParameterSpec `json:"parameters,omitempty"`
}

// ListActions returns the catalog without its request templates; templates
// carry secret placeholders and are an implementation detail of the invoker.
func (h *Handlers) ListActions(w http.ResponseWriter, r *http.Request) {
	actions := h.catalog.All()
	summaries := make([]actionSummary, 0, len(actions))
	for _, a := range actions {
		summaries = append(summaries, actionSummary{
			Name:        a.Name,
			Description: a.Description,
			Group:       a.Group,
			Method:      a.Method,
			Parameters:  a.Parameters,
		})
	}
	h.respondJSON(w, http.StatusOK, summaries)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", logging.Err(err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrTypeAuth:
		status = http.StatusUnauthorized
	case errors.ErrTypeForbidden:
		status = http.StatusForbidden
	case errors.ErrTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrTypeConflict:
		status = http.StatusConflict
	case errors.ErrTypeTimeout:
		status = http.StatusGatewayTimeout
	case errors.ErrTypeTransient, errors.ErrTypeClient, errors.ErrTypeProtocol:
		status = http.StatusBadGateway
	}

	if status >= 500 {
		h.logger.Error("request failed", err)
	}
	h.respondJSON(w, status, map[string]string{"error": err.Error()})
}
