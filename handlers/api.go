package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/caseflow/ai"
	"github.com/GoCodeAlone/caseflow/config"
	"github.com/GoCodeAlone/caseflow/engine"
	"github.com/GoCodeAlone/caseflow/model"
	"github.com/GoCodeAlone/caseflow/store"
)

// maxBodyBytes bounds request bodies to keep definition uploads sane.
const maxBodyBytes = 1 << 20

// API wires the workflow engine and the AI router to HTTP.
type API struct {
	engine *engine.Engine
	ai     *ai.Manager
	logger *slog.Logger
}

// NewAPI creates the handler set. The AI manager may be nil; AI routes
// then report the feature as unavailable.
func NewAPI(eng *engine.Engine, manager *ai.Manager, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &API{engine: eng, ai: manager, logger: logger}
}

// RegisterRoutes mounts the authenticated /api/v1 surface and the open
// /health probe on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux, auth *Authenticator) {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/workflows", a.createWorkflow)
	api.HandleFunc("GET /api/v1/workflows/stats", a.stats)
	api.HandleFunc("GET /api/v1/workflows/sla-check", requireRole("admin", a.slaCheck))
	api.HandleFunc("GET /api/v1/workflows/user/{user_id}", a.listForUser)
	api.HandleFunc("GET /api/v1/workflows/{id}", a.getWorkflow)
	api.HandleFunc("PATCH /api/v1/workflows/{id}/next", a.advanceWorkflow)
	api.HandleFunc("GET /api/v1/workflows/{id}/history", a.history)
	api.HandleFunc("GET /api/v1/workflows/{id}/insights", a.insights)
	api.HandleFunc("POST /api/v1/definitions", requireRole("admin", a.registerDefinition))
	api.HandleFunc("GET /api/v1/definitions", a.listDefinitions)
	api.HandleFunc("POST /api/v1/ai/summarize", a.aiSummarize)
	api.HandleFunc("POST /api/v1/ai/analyze", a.aiAnalyze)
	api.HandleFunc("POST /api/v1/ai/suggest", a.aiSuggest)
	api.HandleFunc("GET /api/v1/ai/health", a.aiHealth)
	api.HandleFunc("GET /api/v1/ai/models", a.aiModels)

	mux.Handle("/api/v1/", auth.Middleware(api))
	mux.HandleFunc("GET /health", a.health)
}

// createRequest is the wire form of a create call.
type createRequest struct {
	DefinitionKey string         `json:"definition_key"`
	Version       int            `json:"version"`
	Context       map[string]any `json:"context"`
	DueAt         *time.Time     `json:"due_at"`
	AssignedTo    string         `json:"assigned_to"`
	Priority      string         `json:"priority"`
}

func (a *API) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, 0)
		return
	}
	inst, err := a.engine.Create(r.Context(), Actor(r), engine.CreateRequest{
		DefinitionKey: req.DefinitionKey,
		Version:       req.Version,
		Context:       req.Context,
		DueAt:         req.DueAt,
		AssignedTo:    req.AssignedTo,
		Priority:      req.Priority,
	})
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	view, err := a.engine.Get(r.Context(), Actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// advanceRequest is the wire form of a transition call.
type advanceRequest struct {
	Trigger      string         `json:"trigger"`
	ContextPatch map[string]any `json:"context_patch"`
	Notes        string         `json:"notes"`
}

func (a *API) advanceWorkflow(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, 0)
		return
	}
	inst, err := a.engine.Advance(r.Context(), Actor(r), r.PathValue("id"),
		req.Trigger, req.ContextPatch, req.Notes)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.History(r.Context(), Actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (a *API) insights(w http.ResponseWriter, r *http.Request) {
	insights, err := a.engine.Insights(r.Context(), Actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"insights": insights})
}

func (a *API) listForUser(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InstanceFilter{
		Status:   model.Status(q.Get("status")),
		Priority: model.Priority(q.Get("priority")),
		Page:     queryInt(q.Get("page")),
		PageSize: queryInt(q.Get("page_size")),
	}
	if v := q.Get("overdue"); v != "" {
		overdue, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, model.NewError(model.KindValidation, "overdue must be a boolean"), 0)
			return
		}
		filter.Overdue = &overdue
	}
	out, err := a.engine.ListForUser(r.Context(), Actor(r), r.PathValue("user_id"), filter)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if out == nil {
		out = []*model.WorkflowInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": out,
		"page":      max(filter.Page, 1),
		"pageSize":  filter.Limit(),
	})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.Stats(r.Context(), Actor(r))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) slaCheck(w http.ResponseWriter, r *http.Request) {
	marked, err := a.engine.SlaSweep(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if marked == nil {
		marked = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": marked, "count": len(marked)})
}

func (a *API) registerDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	def, err := config.ParseDefinition(body)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	def, err = a.engine.RegisterDefinition(r.Context(), def)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (a *API) listDefinitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	defs, err := a.engine.ListDefinitions(r.Context(), store.DefinitionFilter{
		Key:      q.Get("key"),
		Page:     queryInt(q.Get("page")),
		PageSize: queryInt(q.Get("page_size")),
	})
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if defs == nil {
		defs = []*model.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

// aiTaskRequest is the shared wire form of the AI task endpoints.
type aiTaskRequest struct {
	Text           string         `json:"text"`
	Content        string         `json:"content"`
	ContextData    map[string]any `json:"context_data"`
	Strategy       string         `json:"strategy"`
	MaxCost        float64        `json:"max_cost"`
	MinQuality     float64        `json:"min_quality"`
	PreferProvider string         `json:"prefer_provider"`
}

func (r aiTaskRequest) options() ai.TaskOptions {
	return ai.TaskOptions{
		Strategy:       ai.ParseStrategy(r.Strategy),
		MaxCost:        r.MaxCost,
		MinQuality:     r.MinQuality,
		PreferProvider: r.PreferProvider,
	}
}

func (a *API) aiSummarize(w http.ResponseWriter, r *http.Request) {
	a.runAITask(w, r, func(req aiTaskRequest) (*ai.Response, error) {
		return a.ai.Summarize(r.Context(), req.Text, req.options())
	})
}

func (a *API) aiAnalyze(w http.ResponseWriter, r *http.Request) {
	a.runAITask(w, r, func(req aiTaskRequest) (*ai.Response, error) {
		return a.ai.Analyze(r.Context(), req.Content, req.options())
	})
}

func (a *API) aiSuggest(w http.ResponseWriter, r *http.Request) {
	a.runAITask(w, r, func(req aiTaskRequest) (*ai.Response, error) {
		return a.ai.Suggest(r.Context(), req.ContextData, req.options())
	})
}

func (a *API) runAITask(w http.ResponseWriter, r *http.Request,
	run func(aiTaskRequest) (*ai.Response, error)) {
	if a.ai == nil {
		writeError(w, model.NewError(model.KindAIAllFailed, "ai routing is not configured"), 0)
		return
	}
	var req aiTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, 0)
		return
	}
	resp, err := run(req)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) aiHealth(w http.ResponseWriter, r *http.Request) {
	if a.ai == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": a.ai.Health()})
}

func (a *API) aiModels(w http.ResponseWriter, r *http.Request) {
	if a.ai == nil {
		writeJSON(w, http.StatusOK, map[string]any{"models": []any{}})
		return
	}
	models := a.ai.Models()
	if models == nil {
		models = []ai.ModelDescriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// health is the open liveness probe: store reachability plus the last
// known provider health snapshots.
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	var storeErr string
	if err := a.engine.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		storeErr = err.Error()
	}

	body := map[string]any{"status": status, "time": time.Now().UTC().Format(time.RFC3339)}
	if storeErr != "" {
		body["store"] = storeErr
	}
	if a.ai != nil {
		body["aiProviders"] = a.ai.Health()
	}
	writeJSON(w, code, body)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return model.WrapError(model.KindValidation, err, "malformed request body")
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, model.WrapError(model.KindValidation, err, "reading request body")
	}
	return body, nil
}

func queryInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// writeError maps the error taxonomy to HTTP statuses. An explicit
// override wins; zero selects the mapping for the error kind.
func writeError(w http.ResponseWriter, err error, override int) {
	var body errorBody
	body.Error.Kind = model.KindInternal
	body.Error.Message = "internal error"

	var me *model.Error
	if errors.As(err, &me) {
		body.Error.Kind = me.Kind
		body.Error.Message = me.Message
		body.Error.Details = me.Details
	} else if errors.Is(err, context.Canceled) {
		body.Error.Kind = model.KindCancelled
		body.Error.Message = "request cancelled"
	} else if errors.Is(err, context.DeadlineExceeded) {
		body.Error.Kind = model.KindDeadlineExceeded
		body.Error.Message = "request deadline exceeded"
	}

	code := override
	if code == 0 {
		code = statusForKind(body.Error.Kind)
	}
	writeJSON(w, code, body)
}

func statusForKind(kind string) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindUnauthenticated:
		return http.StatusUnauthorized
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict, model.KindAlreadyCompleted:
		return http.StatusConflict
	case model.KindUnknownTrigger, model.KindGuardFailed, model.KindActionFailed:
		return http.StatusUnprocessableEntity
	case model.KindAIRateLimited:
		return http.StatusTooManyRequests
	case model.KindAIAllFailed, model.KindAIProvider:
		return http.StatusBadGateway
	case model.KindRepositoryUnavailable:
		return http.StatusServiceUnavailable
	case model.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case model.KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
