package classifier

import (
	"fmt"

	"github.com/kartoza/diet-planner/internal/align"
)

// Classifier is a loaded, read-only model that turns an aligned feature
// matrix into one class index per row. Implementations must be safe for
// concurrent Predict calls.
type Classifier interface {
	Predict(m *align.Matrix) ([]int, error)
	// NumClasses is 2 for binary models and k for k-class models.
	NumClasses() int
	// NumFeatures is the column count the model expects, or 0 if unknown.
	NumFeatures() int
	Info() map[string]interface{}
}

// InferenceError reports that the classifier could not score a batch. No
// partial predictions accompany it.
type InferenceError struct {
	Op  string
	Msg string
	Err error
}

func (e *InferenceError) Error() string {
	msg := fmt.Sprintf("inference %s: %s", e.Op, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// checkShape validates a matrix against the column count a model expects.
func checkShape(m *align.Matrix, features int) error {
	if m == nil {
		return &InferenceError{Op: "predict", Msg: "nil feature matrix"}
	}
	for i, row := range m.Rows {
		if len(row) != m.NumCols() {
			return &InferenceError{
				Op:  "predict",
				Msg: fmt.Sprintf("row %d has %d values, matrix has %d columns", i, len(row), m.NumCols()),
			}
		}
	}
	if features > 0 && m.NumCols() != features {
		return &InferenceError{
			Op:  "predict",
			Msg: fmt.Sprintf("model expects %d features, matrix has %d", features, m.NumCols()),
		}
	}
	return nil
}

// Func adapts a plain function to the Classifier interface.
type Func struct {
	Classes  int
	Features int
	Fn       func(rows [][]float64) ([]int, error)
}

// Predict runs the wrapped function and checks it returned one label per row.
func (f Func) Predict(m *align.Matrix) ([]int, error) {
	if err := checkShape(m, f.Features); err != nil {
		return nil, err
	}
	if f.Fn == nil {
		return nil, &InferenceError{Op: "predict", Msg: "no prediction function"}
	}
	labels, err := f.Fn(m.Rows)
	if err != nil {
		return nil, &InferenceError{Op: "predict", Msg: "classifier failed", Err: err}
	}
	if len(labels) != m.NumRows() {
		return nil, &InferenceError{
			Op:  "predict",
			Msg: fmt.Sprintf("classifier returned %d labels for %d rows", len(labels), m.NumRows()),
		}
	}
	return labels, nil
}

// NumClasses returns the configured class count.
func (f Func) NumClasses() int {
	return f.Classes
}

// NumFeatures returns the configured feature count.
func (f Func) NumFeatures() int {
	return f.Features
}

// Info describes the classifier.
func (f Func) Info() map[string]interface{} {
	return map[string]interface{}{
		"backend":  "func",
		"classes":  f.Classes,
		"features": f.Features,
	}
}
