package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kartoza/diet-planner/internal/classifier"
	"github.com/kartoza/diet-planner/internal/config"
	"github.com/kartoza/diet-planner/internal/dataset"
	"github.com/kartoza/diet-planner/internal/export"
	"github.com/kartoza/diet-planner/internal/history"
	"github.com/kartoza/diet-planner/internal/httputil"
	"github.com/kartoza/diet-planner/internal/notes"
	"github.com/kartoza/diet-planner/internal/pipeline"
	"github.com/kartoza/diet-planner/internal/schema"
)

// maxBodyBytes caps prediction and note request bodies.
var maxBodyBytes int64 = 32 << 20

// Provider hands out the prediction context current at call time.
type Provider interface {
	Current() *pipeline.Context
}

// Handler provides HTTP API endpoints
type Handler struct {
	provider Provider
	history  *history.Store
	cfg      *config.Config
	logger   *zap.Logger
}

// NewHandler creates a new API handler. history may be nil.
func NewHandler(provider Provider, store *history.Store, cfg *config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		provider: provider,
		history:  store,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterRoutes sets up all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Health and info
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/info", h.handleInfo).Methods("GET")
	r.HandleFunc("/schema", h.handleSchema).Methods("GET")

	// Guidelines
	r.HandleFunc("/guidelines", h.handleListGuidelines).Methods("GET")
	r.HandleFunc("/guidelines/{label}", h.handleGetGuideline).Methods("GET")

	// Prediction
	r.HandleFunc("/predict", h.handlePredict).Methods("POST")
	r.HandleFunc("/notes", h.handleNotes).Methods("POST")

	// Run history
	r.HandleFunc("/runs", h.handleListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.handleGetRun).Methods("GET")
	r.HandleFunc("/runs/{id}", h.handleDeleteRun).Methods("DELETE")
	r.HandleFunc("/runs/{id}/results/{row:[0-9]+}.{format:json|pdf}", h.handleExportResult).Methods("GET")
}

// pipelineOrUnavailable returns the current context or writes a 503.
func (h *Handler) pipelineOrUnavailable(w http.ResponseWriter) *pipeline.Context {
	ctx := h.provider.Current()
	if ctx == nil {
		httputil.RespondError(w, http.StatusServiceUnavailable, "no model loaded; install a model pack")
	}
	return ctx
}

// handleHealth returns server health status
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo returns application info
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"version":      h.cfg.Version,
		"model_loaded": false,
		"history":      h.history != nil,
	}

	ctx := h.provider.Current()
	if ctx != nil {
		store := ctx.Store()
		info["model_loaded"] = true
		info["mode"] = ctx.Mode()
		info["features"] = ctx.Schema().Len()
		info["labels"] = ctx.Labels().Ordered()
		info["model"] = ctx.ClassifierInfo()
		info["guidelines"] = map[string]interface{}{
			"source":              store.Source,
			"kind":                store.Kind(),
			"positional_fallback": store.PositionalFallback(),
			"missing":             ctx.MissingGuidelines(),
		}
	}
	httputil.RespondJSON(w, http.StatusOK, info)
}

// handleSchema returns the ordered feature list
func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	ctx := h.pipelineOrUnavailable(w)
	if ctx == nil {
		return
	}
	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"fields": ctx.Schema().Fields(),
	})
}

// handleListGuidelines returns the guideline keys in file order
func (h *Handler) handleListGuidelines(w http.ResponseWriter, r *http.Request) {
	ctx := h.pipelineOrUnavailable(w)
	if ctx == nil {
		return
	}
	store := ctx.Store()
	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"kind": store.Kind(),
		"keys": store.Keys(),
	})
}

// handleGetGuideline returns one plan verbatim
func (h *Handler) handleGetGuideline(w http.ResponseWriter, r *http.Request) {
	ctx := h.pipelineOrUnavailable(w)
	if ctx == nil {
		return
	}
	label := mux.Vars(r)["label"]
	plan, ok := ctx.Store().Get(label)
	if !ok {
		httputil.RespondError(w, http.StatusNotFound, fmt.Sprintf("no diet guideline for %q", label))
		return
	}
	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"label":     label,
		"diet_plan": plan,
	})
}

// handlePredict runs a batch of patient records through the pipeline.
// Query flags: fallback=true substitutes the general plan for missed rows,
// save=true stores the run in history.
func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx := h.pipelineOrUnavailable(w)
	if ctx == nil {
		return
	}

	batch, err := readBatch(w, r)
	if err != nil {
		httputil.RespondError(w, bodyErrorStatus(err), err.Error())
		return
	}

	results, report, err := ctx.Run(batch)
	if err != nil {
		h.respondRunError(w, err)
		return
	}
	if report.HasDrift() {
		h.logger.Warn("Batch drifted from feature schema",
			zap.Int("rows", report.Rows),
			zap.Strings("filled", report.MissingFields()),
			zap.Strings("dropped", report.Extra))
	}

	if queryFlag(r, "fallback", h.cfg.Guidelines.Fallback) {
		results = ctx.ApplyFallback(results)
	}

	response := map[string]interface{}{
		"results": exportAll(results),
		"report":  report,
	}

	if queryFlag(r, "save", false) {
		if h.history == nil {
			httputil.RespondError(w, http.StatusConflict, "run history is disabled")
			return
		}
		run, err := h.history.Save("api", results)
		if err != nil {
			h.logger.Error("Failed to save run", zap.Error(err))
			httputil.RespondError(w, http.StatusInternalServerError, "failed to save run")
			return
		}
		response["run_id"] = run.ID
	}

	httputil.RespondJSON(w, http.StatusOK, response)
}

// respondRunError maps batch-level failures to status codes.
func (h *Handler) respondRunError(w http.ResponseWriter, err error) {
	var schemaErr *schema.SchemaError
	var inferenceErr *classifier.InferenceError
	switch {
	case errors.As(err, &schemaErr):
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &inferenceErr):
		h.logger.Error("Inference failed", zap.Error(err))
		httputil.RespondError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("Prediction failed", zap.Error(err))
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleNotes parses a doctor note and returns the plan for its diagnosis.
// Diagnoses without a guideline use the general plan when one exists.
func (h *Handler) handleNotes(w http.ResponseWriter, r *http.Request) {
	ctx := h.pipelineOrUnavailable(w)
	if ctx == nil {
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		status := bodyErrorStatus(err)
		msg := "invalid request body"
		if status == http.StatusRequestEntityTooLarge {
			msg = err.Error()
		}
		httputil.RespondError(w, status, msg)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		httputil.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	note := notes.Parse(req.Text)
	response := map[string]interface{}{
		"note":      note,
		"condition": note.Condition(),
	}

	plan, err := ctx.PlanForNote(note)
	if err != nil {
		plan = ctx.FallbackPlan(note.Condition())
		response["fallback"] = true
		response["fallback_reason"] = err.Error()
	}
	response["diet_plan"] = plan
	httputil.RespondJSON(w, http.StatusOK, response)
}

// handleListRuns returns stored runs, newest first
func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		httputil.RespondJSON(w, http.StatusOK, []*history.Run{})
		return
	}
	runs, err := h.history.List()
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.RespondJSON(w, http.StatusOK, runs)
}

// handleGetRun returns a run and its rows
func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		httputil.RespondError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	id := mux.Vars(r)["id"]
	run, err := h.history.Get(id)
	if err != nil {
		h.respondHistoryError(w, err)
		return
	}
	records, err := h.history.Results(id)
	if err != nil {
		h.respondHistoryError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"results": records,
	})
}

// handleDeleteRun removes a run
func (h *Handler) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		httputil.RespondError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	if err := h.history.Delete(mux.Vars(r)["id"]); err != nil {
		h.respondHistoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportResult downloads one stored row as JSON or PDF
func (h *Handler) handleExportResult(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		httputil.RespondError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	vars := mux.Vars(r)
	row, err := strconv.Atoi(vars["row"])
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "invalid row index")
		return
	}
	format, err := export.ParseFormat(vars["format"])
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.history.Result(vars["id"], row)
	if err != nil {
		h.respondHistoryError(w, err)
		return
	}
	res, err := rec.Result()
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if format == export.FormatPDF && res.Plan.IsZero() {
		httputil.RespondError(w, http.StatusNotFound, "row has no diet plan")
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, res, format); err != nil {
		h.logger.Error("Export failed", zap.Error(err))
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(res.Index, res.Label, format)))
	w.Write(buf.Bytes())
}

func (h *Handler) respondHistoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, history.ErrNotFound) {
		httputil.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	httputil.RespondError(w, http.StatusInternalServerError, err.Error())
}

// readBatch decodes a request body as CSV or as a JSON array of records,
// depending on its content type.
func readBatch(w http.ResponseWriter, r *http.Request) (*dataset.Table, error) {
	body, err := readBody(w, r)
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "text/csv":
		return dataset.ParseCSV(bytes.NewReader(body), ',')
	case "text/tab-separated-values":
		return dataset.ParseCSV(bytes.NewReader(body), '\t')
	}
	return dataset.DecodeJSON(body)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// readBody reads the whole request body. A body over maxBodyBytes is an
// error rather than a truncated read.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes: %w", tooLarge.Limit, err)
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

// bodyErrorStatus maps a body read or decode failure to a status code.
func bodyErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// queryFlag reads a boolean query parameter, falling back to def.
func queryFlag(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func exportAll(results []pipeline.Result) []map[string]interface{} {
	out := make([]map[string]interface{}, len(results))
	for i, r := range results {
		out[i] = r.Export()
	}
	return out
}
