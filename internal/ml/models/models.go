// Package models holds the persisted records of the predictive subsystem:
// registered trained models, logged predictions, and detected anomalies.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Model types.
const (
	TypeEffortPrediction = "effort_prediction"
	TypeSprintDuration   = "sprint_duration"
	TypeStoryPoints      = "story_points"
	TypeTaskAssignment   = "task_assignment"
	TypeRiskDetection    = "risk_detection"
	TypeAnomalyDetection = "anomaly_detection"
)

// AllModelTypes lists every known model type, in preload order.
var AllModelTypes = []string{
	TypeEffortPrediction,
	TypeSprintDuration,
	TypeStoryPoints,
	TypeTaskAssignment,
	TypeRiskDetection,
	TypeAnomalyDetection,
}

// Model lifecycle statuses.
const (
	StatusTraining   = "training"
	StatusActive     = "active"
	StatusDeprecated = "deprecated"
	StatusFailed     = "failed"
)

// TrainedModel is a registered, versioned model. Multiple versions may
// coexist per (type, scope); serving prefers the most recently trained
// active record, project-scoped before global.
type TrainedModel struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Name      string    `json:"name"`
	ModelType string    `json:"model_type" gorm:"index:idx_trained_models_type_status"`
	Version   string    `json:"version"`
	Status    string    `json:"status" gorm:"index:idx_trained_models_type_status"`
	IsActive  bool      `json:"is_active" gorm:"index"`

	// Artifact locator. An active model always has a resolvable key.
	Bucket     string `json:"bucket"`
	StorageKey string `json:"storage_key"`
	Checksum   string `json:"checksum"`

	// Scope: nil means the model applies globally.
	ProjectID *uuid.UUID `json:"project_id" gorm:"type:uuid;index"`

	TrainingSamples int        `json:"training_samples"`
	TrainingDate    time.Time  `json:"training_date" gorm:"index"`
	TrainedBy       *uuid.UUID `json:"trained_by" gorm:"type:uuid"`

	MAE            *float64 `json:"mae"`
	RMSE           *float64 `json:"rmse"`
	R2Score        *float64 `json:"r2_score"`
	AccuracyScore  *float64 `json:"accuracy_score"`
	PrecisionScore *float64 `json:"precision_score"`
	RecallScore    *float64 `json:"recall_score"`
	F1Score        *float64 `json:"f1_score"`

	FeatureNames      []string           `json:"feature_names" gorm:"serializer:json"`
	Hyperparameters   map[string]float64 `json:"hyperparameters" gorm:"serializer:json"`
	FeatureImportance map[string]float64 `json:"feature_importance" gorm:"serializer:json"`
	Metadata          map[string]string  `json:"metadata" gorm:"serializer:json"`
	Notes             string             `json:"notes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (TrainedModel) TableName() string { return "ml_trained_models" }

// StoragePath returns the s3:// path of the persisted artifact, or "".
func (m *TrainedModel) StoragePath() string {
	if m.StorageKey == "" {
		return ""
	}
	return "s3://" + m.Bucket + "/" + m.StorageKey
}

// PredictionRecord is one logged inference. Model is nullable: similarity
// and heuristic tiers carry no model reference. Records are mutated only to
// attach the actual outcome once known, and feed drift measurement.
type PredictionRecord struct {
	ID      uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	ModelID *uuid.UUID `json:"model_id" gorm:"type:uuid;index:idx_prediction_records_model_created"`

	Input  map[string]string `json:"input" gorm:"serializer:json"`
	Method string            `json:"method"`

	PredictedValue float64  `json:"predicted_value"`
	Confidence     float64  `json:"confidence"`
	RangeMin       *float64 `json:"range_min"`
	RangeMax       *float64 `json:"range_max"`

	ActualValue       *float64   `json:"actual_value"`
	OutcomeRecordedAt *time.Time `json:"outcome_recorded_at"`

	ProjectID   *uuid.UUID `json:"project_id" gorm:"type:uuid;index"`
	IssueID     *uuid.UUID `json:"issue_id" gorm:"type:uuid;index"`
	SprintID    *uuid.UUID `json:"sprint_id" gorm:"type:uuid"`
	RequestedBy *uuid.UUID `json:"requested_by" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at" gorm:"index:idx_prediction_records_model_created"`
}

func (PredictionRecord) TableName() string { return "ml_prediction_records" }

// AbsError returns |predicted-actual| when the outcome is recorded.
func (r *PredictionRecord) AbsError() (float64, bool) {
	if r.ActualValue == nil {
		return 0, false
	}
	d := r.PredictedValue - *r.ActualValue
	if d < 0 {
		d = -d
	}
	return d, true
}

// Anomaly severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly statuses.
const (
	AnomalyDetected      = "detected"
	AnomalyInvestigating = "investigating"
	AnomalyResolved      = "resolved"
	AnomalyFalsePositive = "false_positive"
)

// Anomaly is a detected deviation in project or sprint metrics.
type Anomaly struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	AnomalyType string    `json:"anomaly_type" gorm:"index"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status" gorm:"index"`

	ProjectID *uuid.UUID `json:"project_id" gorm:"type:uuid;index"`
	SprintID  *uuid.UUID `json:"sprint_id" gorm:"type:uuid"`

	AffectedMetric string   `json:"affected_metric"`
	ExpectedValue  *float64 `json:"expected_value"`
	ActualValue    float64  `json:"actual_value"`
	// DeviationScore is the distance from normal in standard deviations.
	DeviationScore float64 `json:"deviation_score"`

	Description           string   `json:"description"`
	PossibleCauses        []string `json:"possible_causes" gorm:"serializer:json"`
	MitigationSuggestions []string `json:"mitigation_suggestions" gorm:"serializer:json"`

	ResolvedAt      *time.Time `json:"resolved_at"`
	ResolvedBy      *uuid.UUID `json:"resolved_by" gorm:"type:uuid"`
	ResolutionNotes string     `json:"resolution_notes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Anomaly) TableName() string { return "ml_anomalies" }

// Estimator is the inference surface of a fitted model.
type Estimator interface {
	Predict(features []float64) float64
}

// Bundle is the runtime payload deserialized from a stored artifact. Its
// shape is fixed so serving code cannot typo a key.
type Bundle struct {
	Estimator    Estimator
	FeatureNames []string
	TrainedAt    time.Time
}
