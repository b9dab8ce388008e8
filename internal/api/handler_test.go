package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kartoza/diet-planner/internal/classifier"
	"github.com/kartoza/diet-planner/internal/config"
	"github.com/kartoza/diet-planner/internal/guideline"
	"github.com/kartoza/diet-planner/internal/history"
	"github.com/kartoza/diet-planner/internal/pipeline"
	"github.com/kartoza/diet-planner/internal/schema"
)

const testGuidelines = `{
  "diabetes": {"Monday": {"Breakfast": "Oats", "Lunch": "Dal"}},
  "hypertension": {"Monday": {"Breakfast": "Banana"}},
  "general": "Balanced meals"
}`

type staticProvider struct {
	ctx *pipeline.Context
}

func (p staticProvider) Current() *pipeline.Context { return p.ctx }

// glucoseClassifier predicts diabetes (0) for glucose above 180,
// hypertension (1) for systolic above 140, thyroid (2) otherwise.
func glucoseClassifier(fail bool) classifier.Func {
	return classifier.Func{
		Classes:  3,
		Features: 2,
		Fn: func(rows [][]float64) ([]int, error) {
			if fail {
				return nil, errors.New("model crashed")
			}
			out := make([]int, len(rows))
			for i, row := range rows {
				switch {
				case row[0] > 180:
					out[i] = 0
				case row[1] > 140:
					out[i] = 1
				default:
					out[i] = 2
				}
			}
			return out, nil
		},
	}
}

func newTestPipeline(t *testing.T, fail bool) *pipeline.Context {
	t.Helper()
	s, err := schema.New([]string{"glucose", "systolic"})
	if err != nil {
		t.Fatalf("schema.New failed: %v", err)
	}
	store, err := guideline.Parse([]byte(testGuidelines), guideline.ModeMultiClass)
	if err != nil {
		t.Fatalf("guideline.Parse failed: %v", err)
	}
	ctx, err := pipeline.New(s, glucoseClassifier(fail), store, pipeline.Config{
		Mode:   guideline.ModeMultiClass,
		Labels: pipeline.LabelMap{0: "diabetes", 1: "hypertension", 2: "thyroid"},
	})
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}
	return ctx
}

func newTestRouter(t *testing.T, ctx *pipeline.Context, withHistory bool) *mux.Router {
	t.Helper()
	cfg := config.Default()
	cfg.Version = "test"

	var store *history.Store
	if withHistory {
		var err error
		store, err = history.Open(filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatalf("history.Open failed: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	handler := NewHandler(staticProvider{ctx: ctx}, store, cfg, zap.NewNop())
	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type predictResponse struct {
	Results []map[string]interface{} `json:"results"`
	Report  struct {
		Rows    int            `json:"rows"`
		Missing map[string]int `json:"missing"`
		Extra   []string       `json:"extra"`
	} `json:"report"`
	RunID string `json:"run_id"`
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(t, nil, false)
	w := do(r, "GET", "/health", "", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	json.NewDecoder(w.Body).Decode(&response)
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", response["status"])
	}
}

func TestInfoEndpoint(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)
	w := do(r, "GET", "/info", "", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	json.NewDecoder(w.Body).Decode(&response)
	if response["version"] != "test" {
		t.Errorf("Expected version 'test', got '%v'", response["version"])
	}
	if response["model_loaded"] != true {
		t.Errorf("Expected model_loaded, got %v", response["model_loaded"])
	}
	if response["features"] != 2.0 {
		t.Errorf("Expected 2 features, got %v", response["features"])
	}
	guidelines := response["guidelines"].(map[string]interface{})
	missing := guidelines["missing"].([]interface{})
	if len(missing) != 1 || missing[0] != "thyroid" {
		t.Errorf("Expected thyroid missing, got %v", missing)
	}
}

func TestInfoWithoutModel(t *testing.T) {
	r := newTestRouter(t, nil, false)
	w := do(r, "GET", "/info", "", "")

	var response map[string]interface{}
	json.NewDecoder(w.Body).Decode(&response)
	if response["model_loaded"] != false {
		t.Errorf("Expected model_loaded false, got %v", response["model_loaded"])
	}
}

func TestNoModelUnavailable(t *testing.T) {
	r := newTestRouter(t, nil, false)
	for _, target := range []string{"/schema", "/guidelines"} {
		if w := do(r, "GET", target, "", ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", target, w.Code)
		}
	}
	if w := do(r, "POST", "/predict", "application/json", `[]`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("predict: expected 503, got %d", w.Code)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)
	w := do(r, "GET", "/schema", "", "")

	var response struct {
		Fields []string `json:"fields"`
	}
	json.NewDecoder(w.Body).Decode(&response)
	if strings.Join(response.Fields, ",") != "glucose,systolic" {
		t.Errorf("Unexpected fields: %v", response.Fields)
	}
}

func TestGuidelineEndpoints(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)

	w := do(r, "GET", "/guidelines", "", "")
	var list struct {
		Keys []string `json:"keys"`
	}
	json.NewDecoder(w.Body).Decode(&list)
	if strings.Join(list.Keys, ",") != "diabetes,hypertension,general" {
		t.Errorf("Unexpected keys: %v", list.Keys)
	}

	w = do(r, "GET", "/guidelines/diabetes", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var plan map[string]interface{}
	json.NewDecoder(w.Body).Decode(&plan)
	monday := plan["diet_plan"].(map[string]interface{})["Monday"].(map[string]interface{})
	if monday["Lunch"] != "Dal" {
		t.Errorf("Plan not verbatim: %v", plan)
	}

	if w := do(r, "GET", "/guidelines/obesity", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestPredictJSON(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)
	body := `[
	  {"glucose": 210, "systolic": 120, "name": "a"},
	  {"glucose": 90, "systolic": 160},
	  {"glucose": 90}
	]`

	w := do(r, "POST", "/predict", "application/json", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var response predictResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Invalid response: %v", err)
	}
	if len(response.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(response.Results))
	}

	labels := []interface{}{
		response.Results[0]["predicted_condition"],
		response.Results[1]["predicted_condition"],
		response.Results[2]["predicted_condition"],
	}
	if labels[0] != "diabetes" || labels[1] != "hypertension" || labels[2] != "thyroid" {
		t.Errorf("Unexpected labels in order: %v", labels)
	}
	if response.Results[2]["error"] == nil || response.Results[2]["diet_plan"] != nil {
		t.Errorf("Thyroid row should carry an error and no plan: %v", response.Results[2])
	}
	if response.Results[0]["error"] != nil {
		t.Errorf("Diabetes row should succeed: %v", response.Results[0])
	}
	if response.Report.Missing["systolic"] != 1 {
		t.Errorf("Expected one filled systolic, got %v", response.Report.Missing)
	}
	if len(response.Report.Extra) != 1 || response.Report.Extra[0] != "name" {
		t.Errorf("Expected name dropped, got %v", response.Report.Extra)
	}
}

func TestPredictFallback(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)

	w := do(r, "POST", "/predict?fallback=true", "application/json", `[{"glucose": 90, "systolic": 100}]`)
	var response predictResponse
	json.NewDecoder(w.Body).Decode(&response)

	row := response.Results[0]
	if row["fallback"] != true || row["diet_plan"] != "Balanced meals" {
		t.Errorf("Expected general fallback plan, got %v", row)
	}
	if row["error"] != nil {
		t.Errorf("Fallback row should not carry an error: %v", row)
	}
}

func TestPredictCSV(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)
	body := "systolic,glucose\n120,250\n"

	w := do(r, "POST", "/predict", "text/csv", body)
	var response predictResponse
	json.NewDecoder(w.Body).Decode(&response)
	if len(response.Results) != 1 || response.Results[0]["predicted_condition"] != "diabetes" {
		t.Errorf("Expected CSV columns aligned by name, got %v", response.Results)
	}
}

func TestPredictBodyTooLarge(t *testing.T) {
	saved := maxBodyBytes
	maxBodyBytes = 64
	t.Cleanup(func() { maxBodyBytes = saved })

	r := newTestRouter(t, newTestPipeline(t, false), false)
	body := "systolic,glucose\n" + strings.Repeat("120,250\n", 20)

	w := do(r, "POST", "/predict", "text/csv", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected 413 for oversized CSV, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "POST", "/notes", "application/json", `{"text": "`+strings.Repeat("a", 100)+`"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized note, got %d", w.Code)
	}

	if w := do(r, "POST", "/predict", "text/csv", "glucose\n250\n"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 under the limit, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPredictErrors(t *testing.T) {
	tests := []struct {
		name   string
		fail   bool
		body   string
		status int
	}{
		{"not tabular", false, `{"glucose": 1}`, http.StatusBadRequest},
		{"nested", false, `[{"glucose": {"v": 1}}]`, http.StatusBadRequest},
		{"garbage", false, `not json`, http.StatusBadRequest},
		{"inference", true, `[{"glucose": 1}]`, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, newTestPipeline(t, tt.fail), false)
			w := do(r, "POST", "/predict", "application/json", tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestPredictEmptyBatch(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)
	w := do(r, "POST", "/predict", "application/json", `[]`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var response predictResponse
	json.NewDecoder(w.Body).Decode(&response)
	if response.Results == nil || len(response.Results) != 0 {
		t.Errorf("Expected empty results array, got %v", response.Results)
	}
}

func TestPredictSaveWithoutHistory(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)
	w := do(r, "POST", "/predict?save=true", "application/json", `[{"glucose": 200}]`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

func TestRunsLifecycle(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), true)

	w := do(r, "POST", "/predict?save=true", "application/json", `[{"glucose": 200}, {"glucose": 90}]`)
	var response predictResponse
	json.NewDecoder(w.Body).Decode(&response)
	if response.RunID == "" {
		t.Fatalf("Expected run id, got %s", w.Body.String())
	}

	w = do(r, "GET", "/runs", "", "")
	var runs []map[string]interface{}
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 || runs[0]["id"] != response.RunID {
		t.Errorf("Unexpected runs: %v", runs)
	}

	w = do(r, "GET", "/runs/"+response.RunID, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = do(r, "GET", "/runs/"+response.RunID+"/results/0.json", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "patient_1_diabetes_diet.json") {
		t.Errorf("Unexpected Content-Disposition: %q", cd)
	}

	w = do(r, "GET", "/runs/"+response.RunID+"/results/0.pdf", "", "")
	if w.Code != http.StatusOK || !bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")) {
		t.Errorf("Expected PDF download, got %d", w.Code)
	}

	w = do(r, "GET", "/runs/"+response.RunID+"/results/1.pdf", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Row without a plan should not render a PDF, got %d", w.Code)
	}

	if w := do(r, "GET", "/runs/"+response.RunID+"/results/7.json", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown row, got %d", w.Code)
	}

	if w := do(r, "DELETE", "/runs/"+response.RunID, "", ""); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w := do(r, "GET", "/runs/"+response.RunID, "", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestNotesEndpoint(t *testing.T) {
	r := newTestRouter(t, newTestPipeline(t, false), false)

	w := do(r, "POST", "/notes", "application/json", `{"text": "Name: Ravi\nAge: 47\nGender: male\nKnown hypertension."}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var response map[string]interface{}
	json.NewDecoder(w.Body).Decode(&response)
	if response["condition"] != "hypertension" {
		t.Errorf("Expected hypertension, got %v", response["condition"])
	}
	note := response["note"].(map[string]interface{})
	if note["name"] != "Ravi" || note["age"] != 47.0 || note["gender"] != "Male" {
		t.Errorf("Unexpected note: %v", note)
	}

	w = do(r, "POST", "/notes", "application/json", `{"text": "Obesity, advised exercise."}`)
	json.NewDecoder(w.Body).Decode(&response)
	if response["fallback"] != true || response["diet_plan"] != "Balanced meals" {
		t.Errorf("Expected general rule fallback, got %v", response)
	}

	if w := do(r, "POST", "/notes", "application/json", `{"text": "  "}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty text, got %d", w.Code)
	}
}
