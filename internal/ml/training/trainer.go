// Package training implements the offline model pipeline: fetch historical
// data, extract features, fit a gradient-boosted ensemble, evaluate,
// persist the artifact, and register the model record. It also owns the
// retrain decision and the promote-if-better comparison.
package training

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/prismpm/prism/internal/ml/history"
	"github.com/prismpm/prism/internal/ml/metrics"
	"github.com/prismpm/prism/internal/ml/mlerrors"
	"github.com/prismpm/prism/internal/ml/models"
	"github.com/prismpm/prism/internal/ml/storage"
)

const modelVersion = "1.0.0"

// Config bounds the training pipeline and the retrain policy.
type Config struct {
	MinSamples   int
	LookbackDays int
	SampleCap    int
	TestFraction float64
	GBRT         GBRTParams

	// Retrain signals.
	MaxModelAge        time.Duration
	NewDataFraction    float64
	AccuracyWindow     time.Duration
	AccuracyMinSamples int
	AccuracyFactor     float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:         50,
		LookbackDays:       730,
		SampleCap:          10000,
		TestFraction:       0.2,
		GBRT:               DefaultGBRTParams(),
		MaxModelAge:        30 * 24 * time.Hour,
		NewDataFraction:    0.2,
		AccuracyWindow:     30 * 24 * time.Hour,
		AccuracyMinSamples: 20,
		AccuracyFactor:     1.5,
	}
}

// Metrics are holdout evaluation results.
type Metrics struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
}

// Registry is the model-record surface the trainer depends on.
type Registry interface {
	Create(ctx context.Context, m *models.TrainedModel) error
	Save(ctx context.Context, m *models.TrainedModel) error
	ByID(ctx context.Context, id uuid.UUID) (*models.TrainedModel, error)
	Activate(ctx context.Context, id uuid.UUID) (*models.TrainedModel, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	DeprecateOlder(ctx context.Context, current *models.TrainedModel) error
	RealizedError(ctx context.Context, modelID uuid.UUID, since time.Time, minSamples int) (float64, bool, error)
}

// Trainer produces TrainedModels from historical issue data.
type Trainer struct {
	history  history.Store
	registry Registry
	store    storage.ObjectStore
	cfg      Config
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewTrainer(hist history.Store, reg Registry, store storage.ObjectStore, cfg Config, logger *zap.Logger) *Trainer {
	return &Trainer{
		history:  hist,
		registry: reg,
		store:    store,
		cfg:      cfg,
		logger:   logger.Sugar(),
		now:      time.Now,
	}
}

// labelFor maps a model type onto its training target.
func labelFor(modelType string) (history.Label, error) {
	switch modelType {
	case models.TypeEffortPrediction:
		return history.LabelActualHours, nil
	case models.TypeStoryPoints:
		return history.LabelStoryPoints, nil
	default:
		return 0, fmt.Errorf("no training pipeline for model type %q", modelType)
	}
}

// FetchTrainingData selects qualifying issues: terminal workflow status,
// positive label value, bounded lookback window and sample cap.
func (t *Trainer) FetchTrainingData(ctx context.Context, modelType string, projectID *uuid.UUID) ([]history.IssueRecord, error) {
	label, err := labelFor(modelType)
	if err != nil {
		return nil, err
	}
	return t.history.CompletedIssues(ctx, history.IssueFilter{
		ProjectID:    projectID,
		Label:        label,
		RequireLabel: true,
		Since:        t.now().AddDate(0, 0, -t.cfg.LookbackDays),
		Limit:        t.cfg.SampleCap,
	})
}

// Train fits and registers a new model for (type, scope). Below the minimum
// sample threshold it returns mlerrors.ErrInsufficientData without creating
// a record or storing an artifact; that is the expected outcome for sparse
// projects, not a failure.
func (t *Trainer) Train(ctx context.Context, modelType string, projectID, trainedBy *uuid.UUID) (*models.TrainedModel, error) {
	started := t.now()
	label, err := labelFor(modelType)
	if err != nil {
		return nil, err
	}

	records, err := t.FetchTrainingData(ctx, modelType, projectID)
	if err != nil {
		metrics.TrainingFailures.WithLabelValues(modelType).Inc()
		return nil, fmt.Errorf("fetch training data: %w", err)
	}

	X, y, names := ExtractFeatures(records, label)
	if len(X) < t.cfg.MinSamples {
		t.logger.Infow("not enough training data",
			"model_type", modelType, "samples", len(X), "min", t.cfg.MinSamples)
		return nil, mlerrors.ErrInsufficientData
	}

	trainX, trainY, testX, testY := split(X, y, t.cfg.TestFraction)

	estimator, err := FitGBRT(trainX, trainY, t.cfg.GBRT)
	if err != nil {
		metrics.TrainingFailures.WithLabelValues(modelType).Inc()
		return nil, fmt.Errorf("fit: %w", err)
	}
	evals := score(estimator, testX, testY)

	record := &models.TrainedModel{
		ID:              uuid.New(),
		Name:            modelName(modelType, projectID),
		ModelType:       modelType,
		Version:         modelVersion,
		Status:          models.StatusTraining,
		ProjectID:       projectID,
		TrainingSamples: len(X),
		TrainingDate:    started,
		TrainedBy:       trainedBy,
		FeatureNames:    names,
		Hyperparameters: map[string]float64{
			"n_estimators":  float64(t.cfg.GBRT.NumTrees),
			"max_depth":     float64(t.cfg.GBRT.MaxDepth),
			"learning_rate": t.cfg.GBRT.LearningRate,
			"min_leaf":      float64(t.cfg.GBRT.MinLeaf),
			"test_fraction": t.cfg.TestFraction,
		},
		FeatureImportance: importanceMap(names, estimator.Importances),
		Metadata:          map[string]string{},
	}
	if projectID != nil {
		record.Metadata["project_id"] = projectID.String()
	}
	if err := t.registry.Create(ctx, record); err != nil {
		metrics.TrainingFailures.WithLabelValues(modelType).Inc()
		return nil, fmt.Errorf("register model: %w", err)
	}

	bundle := &models.Bundle{
		Estimator:    estimator,
		FeatureNames: names,
		TrainedAt:    started,
	}
	data, err := EncodeBundle(bundle)
	if err != nil {
		t.markFailed(ctx, record)
		return nil, fmt.Errorf("serialize bundle: %w", err)
	}
	obj, err := t.store.Store(ctx, data, modelType, modelVersion, record.Metadata)
	if err != nil {
		t.markFailed(ctx, record)
		return nil, fmt.Errorf("persist artifact: %w", err)
	}

	record.Bucket = obj.Bucket
	record.StorageKey = obj.Key
	record.Checksum = obj.Checksum
	record.Status = models.StatusActive
	record.IsActive = true
	record.MAE = &evals.MAE
	record.RMSE = &evals.RMSE
	record.R2Score = &evals.R2
	if err := t.registry.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("promote model record: %w", err)
	}
	if err := t.registry.DeprecateOlder(ctx, record); err != nil {
		return nil, fmt.Errorf("deprecate superseded models: %w", err)
	}

	metrics.TrainingDuration.WithLabelValues(modelType).Observe(t.now().Sub(started).Seconds())
	t.logger.Infow("model trained",
		"model_id", record.ID, "model_type", modelType,
		"samples", record.TrainingSamples,
		"mae", evals.MAE, "rmse", evals.RMSE, "r2", evals.R2,
		"key", record.StorageKey)
	return record, nil
}

func (t *Trainer) markFailed(ctx context.Context, record *models.TrainedModel) {
	record.Status = models.StatusFailed
	record.IsActive = false
	if err := t.registry.Save(ctx, record); err != nil {
		t.logger.Warnw("could not mark model record failed", "model_id", record.ID, "error", err)
	}
	metrics.TrainingFailures.WithLabelValues(record.ModelType).Inc()
}

// ShouldRetrain applies the three staleness signals: age, new-data volume,
// and realized accuracy. Any single signal is sufficient. Model types
// without a training pipeline never qualify.
func (t *Trainer) ShouldRetrain(ctx context.Context, m *models.TrainedModel) (bool, error) {
	label, err := labelFor(m.ModelType)
	if err != nil {
		return false, nil
	}
	now := t.now()

	if now.Sub(m.TrainingDate) > t.cfg.MaxModelAge {
		t.logger.Infow("retrain: model over age limit",
			"model_id", m.ID, "age_days", int(now.Sub(m.TrainingDate).Hours()/24))
		return true, nil
	}

	if m.TrainingSamples > 0 {
		fresh, err := t.history.CompletedIssues(ctx, history.IssueFilter{
			ProjectID:    m.ProjectID,
			Label:        label,
			RequireLabel: true,
			Since:        m.TrainingDate,
			Limit:        t.cfg.SampleCap,
		})
		if err != nil {
			return false, fmt.Errorf("count new labeled records: %w", err)
		}
		if float64(len(fresh)) >= t.cfg.NewDataFraction*float64(m.TrainingSamples) {
			t.logger.Infow("retrain: new labeled data threshold reached",
				"model_id", m.ID, "new_samples", len(fresh), "training_samples", m.TrainingSamples)
			return true, nil
		}
	}

	if m.MAE != nil && *m.MAE > 0 {
		realized, ok, err := t.registry.RealizedError(ctx, m.ID, now.Add(-t.cfg.AccuracyWindow), t.cfg.AccuracyMinSamples)
		if err != nil {
			return false, fmt.Errorf("realized error: %w", err)
		}
		if ok && realized > t.cfg.AccuracyFactor**m.MAE {
			t.logger.Infow("retrain: realized accuracy degraded",
				"model_id", m.ID, "realized_mae", realized, "training_mae", *m.MAE)
			return true, nil
		}
	}
	return false, nil
}

// Evaluate reloads a model's artifact, refetches fresh labeled data and
// scores the stored estimator against it.
func (t *Trainer) Evaluate(ctx context.Context, modelID uuid.UUID) (*Metrics, error) {
	m, err := t.registry.ByID(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if m.StorageKey == "" {
		return nil, fmt.Errorf("model %s has no stored artifact", m.ID)
	}
	data, err := t.store.Fetch(ctx, m.StorageKey)
	if err != nil {
		return nil, err
	}
	bundle, err := DecodeBundle(data)
	if err != nil {
		return nil, &mlerrors.DeserializationError{Key: m.StorageKey, Err: err}
	}

	label, err := labelFor(m.ModelType)
	if err != nil {
		return nil, err
	}
	records, err := t.FetchTrainingData(ctx, m.ModelType, m.ProjectID)
	if err != nil {
		return nil, err
	}
	X, y, _ := ExtractFeatures(records, label)
	if len(X) == 0 {
		return nil, mlerrors.ErrInsufficientData
	}
	evals := score(bundle.Estimator, X, y)
	return &evals, nil
}

// PromoteIfBetter keeps the candidate only when its holdout MAE is not
// worse than the incumbent's; otherwise the candidate is demoted and the
// incumbent reactivated. Returns whether the candidate was kept.
func (t *Trainer) PromoteIfBetter(ctx context.Context, candidate, incumbent *models.TrainedModel) (bool, error) {
	if incumbent == nil || incumbent.MAE == nil {
		return true, nil
	}
	if candidate.MAE != nil && *candidate.MAE <= *incumbent.MAE {
		return true, nil
	}

	t.logger.Infow("candidate model not better, keeping incumbent",
		"candidate_id", candidate.ID, "incumbent_id", incumbent.ID,
		"candidate_mae", candidate.MAE, "incumbent_mae", incumbent.MAE)
	if err := t.registry.Deactivate(ctx, candidate.ID); err != nil {
		return false, fmt.Errorf("demote candidate: %w", err)
	}
	if _, err := t.registry.Activate(ctx, incumbent.ID); err != nil {
		return false, fmt.Errorf("reactivate incumbent: %w", err)
	}
	return false, nil
}

// split shuffles and partitions the data into train/test slices.
func split(X [][]float64, y []float64, testFraction float64) (trainX [][]float64, trainY []float64, testX [][]float64, testY []float64) {
	n := len(X)
	order := rand.Perm(n)
	testSize := int(float64(n) * testFraction)
	if testSize < 1 {
		testSize = 1
	}
	for pos, i := range order {
		if pos < testSize {
			testX = append(testX, X[i])
			testY = append(testY, y[i])
		} else {
			trainX = append(trainX, X[i])
			trainY = append(trainY, y[i])
		}
	}
	return trainX, trainY, testX, testY
}

// score computes MAE, RMSE and R² of an estimator over a labeled set.
func score(est models.Estimator, X [][]float64, y []float64) Metrics {
	preds := make([]float64, len(y))
	var absSum, sqSum float64
	for i, x := range X {
		preds[i] = est.Predict(x)
		d := preds[i] - y[i]
		absSum += math.Abs(d)
		sqSum += d * d
	}
	n := float64(len(y))
	r2 := stat.RSquaredFrom(preds, y, nil)
	return Metrics{
		MAE:  clampFinite(absSum/n, 0),
		RMSE: clampFinite(math.Sqrt(sqSum/n), 0),
		R2:   clampFinite(r2, 0),
	}
}

func importanceMap(names []string, importances []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	for i, name := range names {
		if i < len(importances) {
			out[name] = importances[i]
		}
	}
	return out
}

func modelName(modelType string, projectID *uuid.UUID) string {
	if projectID != nil {
		return modelType + " (project " + projectID.String()[:8] + ")"
	}
	return modelType + " (global)"
}
