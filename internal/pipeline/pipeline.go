package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kartoza/diet-planner/internal/align"
	"github.com/kartoza/diet-planner/internal/classifier"
	"github.com/kartoza/diet-planner/internal/dataset"
	"github.com/kartoza/diet-planner/internal/guideline"
	"github.com/kartoza/diet-planner/internal/notes"
	"github.com/kartoza/diet-planner/internal/schema"
)

// LabelMap maps a class index to the condition label used as guideline key.
type LabelMap map[int]string

// DefaultBinaryLabels is the label table for binary risk models.
func DefaultBinaryLabels() LabelMap {
	return LabelMap{1: "high_risk", 0: "low_risk"}
}

// Ordered returns the labels sorted by class index.
func (l LabelMap) Ordered() []string {
	keys := make([]int, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = l[k]
	}
	return out
}

// UnknownPredictionError reports a class index with no entry in the label
// map. Like a guideline miss, it only affects its own row.
type UnknownPredictionError struct {
	Prediction int
}

func (e *UnknownPredictionError) Error() string {
	return fmt.Sprintf("prediction %d has no condition label", e.Prediction)
}

// Config holds the choices that bind a classifier to a guideline store.
type Config struct {
	Mode   guideline.Mode
	Labels LabelMap
	Fill   align.FillPolicy
}

// Context is the immutable set of loaded artifacts every prediction call
// shares: feature schema, classifier, label table and guideline store. It
// is built once and safe for concurrent use.
type Context struct {
	schema schema.FeatureSchema
	clf    classifier.Classifier
	labels LabelMap
	store  *guideline.Store
	fill   align.FillPolicy
	mode   guideline.Mode
}

// New validates the artifacts against each other and returns a Context.
func New(s schema.FeatureSchema, clf classifier.Classifier, store *guideline.Store, cfg Config) (*Context, error) {
	if s.IsEmpty() {
		return nil, &schema.SchemaError{Op: "bind", Msg: "feature schema is empty"}
	}
	if clf == nil {
		return nil, errors.New("no classifier loaded")
	}
	if store == nil {
		return nil, errors.New("no guideline store loaded")
	}
	if n := clf.NumFeatures(); n > 0 && n != s.Len() {
		return nil, &schema.SchemaError{
			Op:  "bind",
			Msg: fmt.Sprintf("model expects %d features but the schema has %d", n, s.Len()),
		}
	}

	mode := cfg.Mode
	if mode == "" {
		mode = guideline.ModeMultiClass
		if store.Pair != nil {
			mode = guideline.ModeBinary
		}
	}
	if store.Pair != nil && mode != guideline.ModeBinary {
		return nil, fmt.Errorf("a two-element guideline list requires binary mode, got %s", mode)
	}

	labels, err := resolveLabels(cfg.Labels, mode, store)
	if err != nil {
		return nil, err
	}

	classes := clf.NumClasses()
	if mode == guideline.ModeBinary {
		if classes > 2 {
			return nil, fmt.Errorf("binary mode needs a two-class model, model has %d classes", classes)
		}
		classes = 2
	}
	if classes > 0 {
		if err := checkCardinality(labels, classes); err != nil {
			return nil, err
		}
	}

	fill := cfg.Fill
	if fill.PerField != nil {
		copied := make(map[string]float64, len(fill.PerField))
		for k, v := range fill.PerField {
			copied[k] = v
		}
		fill.PerField = copied
	}

	return &Context{
		schema: s,
		clf:    clf,
		labels: labels,
		store:  store,
		fill:   fill,
		mode:   mode,
	}, nil
}

// resolveLabels fills in the label table. Binary stores keyed by two
// labels default to {1: first key, 0: second key}.
func resolveLabels(configured LabelMap, mode guideline.Mode, store *guideline.Store) (LabelMap, error) {
	if len(configured) > 0 {
		labels := make(LabelMap, len(configured))
		for k, v := range configured {
			labels[k] = v
		}
		return labels, nil
	}
	if mode != guideline.ModeBinary {
		return nil, errors.New("multiclass mode needs a label map")
	}
	if store.Keyed != nil {
		keys := store.Keyed.Labels()
		if len(keys) != 2 {
			return nil, fmt.Errorf("binary mode needs two guideline keys, found %d", len(keys))
		}
		return LabelMap{1: keys[0], 0: keys[1]}, nil
	}
	return DefaultBinaryLabels(), nil
}

// checkCardinality requires the label map to cover exactly 0..classes-1.
func checkCardinality(labels LabelMap, classes int) error {
	if len(labels) != classes {
		return fmt.Errorf("label map has %d entries but the model predicts %d classes", len(labels), classes)
	}
	for i := 0; i < classes; i++ {
		if strings.TrimSpace(labels[i]) == "" {
			return fmt.Errorf("label map has no label for class %d", i)
		}
	}
	return nil
}

// Result is the outcome for one input row: the row itself, the model's
// prediction, its condition label and the matching plan. Err is set only
// when this row's label or guideline could not be resolved.
type Result struct {
	Index       int
	PatientData dataset.Record
	Features    []float64
	Prediction  int
	Label       string
	Plan        guideline.Plan
	Fallback    bool
	// FallbackReason keeps the lookup miss a fallback plan replaced.
	FallbackReason string
	Err            error
}

// OK reports whether the row resolved to a plan without a fallback.
func (r Result) OK() bool {
	return r.Err == nil && !r.Fallback
}

// Export returns the result as a plain mapping for JSON or document
// exporters.
func (r Result) Export() map[string]interface{} {
	out := map[string]interface{}{
		"patient_data":        r.PatientData,
		"prediction":          r.Prediction,
		"predicted_condition": r.Label,
		"diet_plan":           r.Plan,
	}
	if r.Fallback {
		out["fallback"] = true
		out["fallback_reason"] = r.FallbackReason
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
		out["diet_plan"] = nil
	}
	return out
}

// Run aligns the batch, predicts it in one classifier call and resolves a
// plan for every row. Schema and inference failures fail the whole call;
// label and guideline misses are recorded on their own row. Results are in
// input order.
func (c *Context) Run(batch *dataset.Table) ([]Result, align.Report, error) {
	m, report, err := align.Align(c.schema, batch, c.fill)
	if err != nil {
		return nil, report, err
	}
	if m.NumRows() == 0 {
		return []Result{}, report, nil
	}

	predictions, err := c.clf.Predict(m)
	if err != nil {
		var inferenceErr *classifier.InferenceError
		if !errors.As(err, &inferenceErr) {
			err = &classifier.InferenceError{Op: "predict", Msg: "classifier failed", Err: err}
		}
		return nil, report, err
	}
	if len(predictions) != m.NumRows() {
		return nil, report, &classifier.InferenceError{
			Op:  "predict",
			Msg: fmt.Sprintf("classifier returned %d predictions for %d rows", len(predictions), m.NumRows()),
		}
	}

	results := make([]Result, len(predictions))
	for i, pred := range predictions {
		res := Result{
			Index:       i,
			PatientData: batch.Rows[i].Clone(),
			Features:    m.Rows[i],
			Prediction:  pred,
		}
		label, ok := c.labels[pred]
		if !ok {
			res.Err = &UnknownPredictionError{Prediction: pred}
			results[i] = res
			continue
		}
		res.Label = label
		res.Plan, res.Err = c.store.Lookup(label, pred)
		results[i] = res
	}
	return results, report, nil
}

// LookupCondition returns the plan for a condition label that did not come
// from the classifier, such as a diagnosis parsed from doctor notes.
func (c *Context) LookupCondition(label string) (guideline.Plan, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	for pred, l := range c.labels {
		if strings.EqualFold(l, label) {
			return c.store.Lookup(l, pred)
		}
	}
	return c.store.Lookup(label, -1)
}

// PlanForNote looks up the plan for a diagnosis parsed from doctor notes.
func (c *Context) PlanForNote(n notes.Note) (guideline.Plan, error) {
	return c.LookupCondition(n.Condition())
}

// GeneralKey is the guideline entry used as a fallback plan.
const GeneralKey = "general"

// FallbackPlan returns the plan to substitute for a label the store has no
// entry for: the built-in plan for that condition, then the store's general
// entry, then the built-in balanced diet.
func (c *Context) FallbackPlan(label string) guideline.Plan {
	if plan, ok := guideline.ConditionDefault(label); ok {
		return plan
	}
	if plan, err := c.LookupCondition(GeneralKey); err == nil {
		return plan
	}
	return guideline.BalancedDiet()
}

// ApplyFallback is WithFallback with each missed row getting the fallback
// plan for its own label.
func (c *Context) ApplyFallback(results []Result) []Result {
	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = WithFallback([]Result{r}, c.FallbackPlan(r.Label))[0]
	}
	return out
}

// WithFallback returns a copy of results in which every row that missed
// its guideline carries the given plan instead, flagged as a fallback.
func WithFallback(results []Result, plan guideline.Plan) []Result {
	out := make([]Result, len(results))
	for i, r := range results {
		if r.Err != nil && IsLookupMiss(r.Err) {
			r.FallbackReason = r.Err.Error()
			r.Err = nil
			r.Plan = plan
			r.Fallback = true
		}
		out[i] = r
	}
	return out
}

// IsLookupMiss reports whether err is a per-row label or guideline miss.
func IsLookupMiss(err error) bool {
	var notFound *guideline.NotFoundError
	var unknown *UnknownPredictionError
	return errors.As(err, &notFound) || errors.As(err, &unknown)
}

// Schema returns the feature schema.
func (c *Context) Schema() schema.FeatureSchema {
	return c.schema
}

// Labels returns a copy of the label map.
func (c *Context) Labels() LabelMap {
	out := make(LabelMap, len(c.labels))
	for k, v := range c.labels {
		out[k] = v
	}
	return out
}

// Store returns the guideline store.
func (c *Context) Store() *guideline.Store {
	return c.store
}

// Mode returns the prediction mode.
func (c *Context) Mode() guideline.Mode {
	return c.mode
}

// ClassifierInfo describes the loaded classifier.
func (c *Context) ClassifierInfo() map[string]interface{} {
	return c.clf.Info()
}

// MissingGuidelines lists labels that have no plan in the store. Rows
// predicted as one of them will miss.
func (c *Context) MissingGuidelines() []string {
	var missing []string
	for pred, label := range c.labels {
		if _, err := c.store.Lookup(label, pred); err != nil {
			missing = append(missing, label)
		}
	}
	sort.Strings(missing)
	return missing
}
