package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitryikh/leaves"

	"github.com/kartoza/diet-planner/internal/align"
)

// Format names a serialized tree-ensemble model format.
type Format string

const (
	FormatLightGBM     Format = "lightgbm"
	FormatLightGBMJSON Format = "lightgbm-json"
	FormatXGBoost      Format = "xgboost"
)

// EnsembleConfig holds model loading options
type EnsembleConfig struct {
	Path   string
	Format Format
	// Threshold is the positive-class probability cut-off for binary models.
	Threshold float64
	Threads   int
}

// DefaultEnsembleConfig returns sensible defaults
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		Format:    FormatLightGBM,
		Threshold: 0.5,
		Threads:   1,
	}
}

// Ensemble is a gradient-boosted tree model evaluated in process.
type Ensemble struct {
	model     *leaves.Ensemble
	cfg       EnsembleConfig
	groups    int
	nFeatures int
}

// LoadEnsemble reads a model file. The format is taken from the config or,
// when empty, guessed from the file extension.
func LoadEnsemble(cfg EnsembleConfig) (*Ensemble, error) {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = 0.5
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	format := cfg.Format
	if format == "" {
		format = guessFormat(cfg.Path)
	}

	model, err := readModel(format, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load %s model %s: %w", format, filepath.Base(cfg.Path), err)
	}

	cfg.Format = format
	return &Ensemble{
		model:     model,
		cfg:       cfg,
		groups:    model.NOutputGroups(),
		nFeatures: model.NFeatures(),
	}, nil
}

// readModel parses a model file. Malformed files can make the parser panic,
// which is reported as an error.
func readModel(format Format, path string) (model *leaves.Ensemble, err error) {
	defer func() {
		if r := recover(); r != nil {
			model, err = nil, fmt.Errorf("malformed model: %v", r)
		}
	}()

	switch format {
	case FormatLightGBM:
		return leaves.LGEnsembleFromFile(path, true)
	case FormatLightGBMJSON:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return leaves.LGEnsembleFromJSON(f, true)
	case FormatXGBoost:
		return leaves.XGEnsembleFromFile(path, true)
	}
	return nil, fmt.Errorf("unknown model format %q", format)
}

// Predict scores every row in one dense call and converts the scores to
// class indices. Any failure fails the whole batch.
func (e *Ensemble) Predict(m *align.Matrix) (labels []int, err error) {
	if err := checkShape(m, e.nFeatures); err != nil {
		return nil, err
	}
	if m.NumRows() == 0 {
		return []int{}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			labels = nil
			err = &InferenceError{Op: "predict", Msg: fmt.Sprintf("model panicked: %v", r)}
		}
	}()

	scores := make([]float64, m.NumRows()*e.groups)
	if err := e.model.PredictDense(m.Dense(), m.NumRows(), m.NumCols(), scores, 0, e.cfg.Threads); err != nil {
		return nil, &InferenceError{Op: "predict", Msg: "dense prediction failed", Err: err}
	}
	return decide(scores, e.groups, e.cfg.Threshold), nil
}

// NumClasses returns 2 for single-output (binary) models.
func (e *Ensemble) NumClasses() int {
	if e.groups <= 1 {
		return 2
	}
	return e.groups
}

// NumFeatures returns the feature count recorded in the model file.
func (e *Ensemble) NumFeatures() int {
	return e.nFeatures
}

// Info describes the loaded model
func (e *Ensemble) Info() map[string]interface{} {
	return map[string]interface{}{
		"backend":    e.model.Name(),
		"format":     string(e.cfg.Format),
		"path":       e.cfg.Path,
		"classes":    e.NumClasses(),
		"features":   e.nFeatures,
		"estimators": e.model.NEstimators(),
		"threshold":  e.cfg.Threshold,
	}
}

// decide turns transformed model output into class indices: a probability
// threshold for single-output models, argmax otherwise.
func decide(scores []float64, groups int, threshold float64) []int {
	if groups <= 1 {
		labels := make([]int, len(scores))
		for i, p := range scores {
			if p >= threshold {
				labels[i] = 1
			}
		}
		return labels
	}

	rows := len(scores) / groups
	labels := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := scores[i*groups : (i+1)*groups]
		best := 0
		for k := 1; k < groups; k++ {
			if row[k] > row[best] {
				best = k
			}
		}
		labels[i] = best
	}
	return labels
}

func guessFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatLightGBMJSON
	case ".bin", ".xgb", ".ubj":
		return FormatXGBoost
	default:
		return FormatLightGBM
	}
}
