package server

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kartoza/diet-planner/internal/classifier"
	"github.com/kartoza/diet-planner/internal/config"
	"github.com/kartoza/diet-planner/internal/guideline"
	"github.com/kartoza/diet-planner/internal/pipeline"
	"github.com/kartoza/diet-planner/internal/schema"
)

// LoadPipeline loads the feature schema, model and guideline store named
// by cfg and binds them into a prediction context.
func LoadPipeline(cfg *config.Config, logger *zap.Logger) (*pipeline.Context, error) {
	s, err := LoadSchema(cfg, logger)
	if err != nil {
		return nil, err
	}

	clf, err := classifier.LoadEnsemble(classifier.EnsembleConfig{
		Path:      cfg.Resolve(cfg.Model.Path),
		Format:    classifier.Format(cfg.Model.Format),
		Threshold: cfg.Model.Threshold,
		Threads:   cfg.Model.Threads,
	})
	if err != nil {
		return nil, err
	}

	mode := guideline.Mode(cfg.Guidelines.Mode)
	store, err := guideline.Load(cfg.Resolve(cfg.Guidelines.Path), mode)
	if err != nil {
		return nil, err
	}
	if store.PositionalFallback() {
		logger.Warn("Guideline pair has no risk_level tags, assigning by list order (first high, second low)",
			zap.String("source", store.Source))
	}

	ctx, err := pipeline.New(s, clf, store, pipeline.Config{
		Mode:   mode,
		Labels: pipeline.LabelMap(cfg.Guidelines.Labels),
		Fill:   cfg.Fill,
	})
	if err != nil {
		return nil, fmt.Errorf("bind model to guidelines: %w", err)
	}

	if missing := ctx.MissingGuidelines(); len(missing) > 0 {
		logger.Warn("Some predicted conditions have no diet guideline", zap.Strings("labels", missing))
	}
	logger.Info("Prediction pipeline loaded",
		zap.Int("features", s.Len()),
		zap.String("mode", string(ctx.Mode())),
		zap.String("guidelines", store.Source),
		zap.Any("model", clf.Info()))
	return ctx, nil
}

// LoadSchema resolves the feature schema. A saved snapshot wins; when the
// training table is also configured, the derived schema must match it.
// Without a snapshot the schema comes from the configured field list or is
// derived from the training table and saved for the next start.
func LoadSchema(cfg *config.Config, logger *zap.Logger) (schema.FeatureSchema, error) {
	snapshotPath := cfg.Resolve(cfg.Schema.Snapshot)
	trainingPath := cfg.Resolve(cfg.Schema.TrainingCSV)

	var derived schema.FeatureSchema
	var haveDerived bool
	if len(cfg.Schema.Fields) > 0 {
		s, err := schema.New(cfg.Schema.Fields)
		if err != nil {
			return schema.FeatureSchema{}, err
		}
		derived, haveDerived = s, true
	} else if trainingPath != "" {
		s, err := schema.DeriveFromCSV(trainingPath, cfg.Schema.Target, cfg.LeakageColumns())
		if err != nil {
			return schema.FeatureSchema{}, err
		}
		derived, haveDerived = s, true
	}

	saved, err := schema.Load(snapshotPath)
	switch {
	case err == nil:
		if haveDerived {
			if err := saved.Verify(derived); err != nil {
				return schema.FeatureSchema{}, fmt.Errorf("configured schema does not match snapshot: %w", err)
			}
		}
		return saved, nil
	case !errors.Is(err, os.ErrNotExist):
		return schema.FeatureSchema{}, err
	}

	if !haveDerived {
		return schema.FeatureSchema{}, &schema.SchemaError{
			Op:  "load",
			Msg: "no schema snapshot, field list or training table configured",
		}
	}
	if err := derived.Save(snapshotPath); err != nil {
		logger.Warn("Could not save schema snapshot", zap.String("path", snapshotPath), zap.Error(err))
	} else {
		logger.Info("Saved schema snapshot", zap.String("path", snapshotPath), zap.Int("features", derived.Len()))
	}
	return derived, nil
}
