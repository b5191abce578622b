// Package registry persists TrainedModel records and the prediction log.
// It is the durable source of truth for which model is active; in-process
// caches are bounded-staleness views over it.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prismpm/prism/internal/ml/mlerrors"
	"github.com/prismpm/prism/internal/ml/models"
)

type Registry struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func New(db *gorm.DB, logger *zap.Logger) *Registry {
	return &Registry{db: db, logger: logger.Sugar()}
}

// Migrate creates the subsystem's own tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.TrainedModel{}, &models.PredictionRecord{}, &models.Anomaly{})
}

// Create registers a model record.
func (r *Registry) Create(ctx context.Context, m *models.TrainedModel) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// Save persists changes to an existing record.
func (r *Registry) Save(ctx context.Context, m *models.TrainedModel) error {
	return r.db.WithContext(ctx).Save(m).Error
}

// ByID returns a model record, or UnknownModelError.
func (r *Registry) ByID(ctx context.Context, id uuid.UUID) (*models.TrainedModel, error) {
	var m models.TrainedModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &mlerrors.UnknownModelError{ID: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ActiveModel returns the newest active model for (type, scope). When a
// project id is given and no scoped model exists, the newest active global
// model is returned instead. A nil result with nil error means no model is
// available, which is not an error condition.
func (r *Registry) ActiveModel(ctx context.Context, modelType string, projectID *uuid.UUID) (*models.TrainedModel, error) {
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).
			Where("model_type = ? AND status = ? AND is_active = ?", modelType, models.StatusActive, true).
			Order("training_date DESC")
	}

	var m models.TrainedModel
	if projectID != nil {
		err := base().Where("project_id = ?", *projectID).First(&m).Error
		if err == nil {
			return &m, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	err := base().Where("project_id IS NULL").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListActive returns all active models, optionally narrowed by type.
func (r *Registry) ListActive(ctx context.Context, modelType string) ([]models.TrainedModel, error) {
	q := r.db.WithContext(ctx).Where("is_active = ?", true)
	if modelType != "" {
		q = q.Where("model_type = ?", modelType)
	}
	var out []models.TrainedModel
	err := q.Order("training_date DESC").Find(&out).Error
	return out, err
}

// List returns model records of a type, newest first.
func (r *Registry) List(ctx context.Context, modelType string, limit int) ([]models.TrainedModel, error) {
	q := r.db.WithContext(ctx).Order("training_date DESC")
	if modelType != "" {
		q = q.Where("model_type = ?", modelType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.TrainedModel
	err := q.Find(&out).Error
	return out, err
}

// DeprecateOlder marks every other active record with the same type and
// scope as deprecated. Superseded records are kept, never deleted; artifact
// removal is a separate operation.
func (r *Registry) DeprecateOlder(ctx context.Context, current *models.TrainedModel) error {
	q := r.db.WithContext(ctx).Model(&models.TrainedModel{}).
		Where("model_type = ? AND is_active = ? AND id <> ?", current.ModelType, true, current.ID)
	if current.ProjectID != nil {
		q = q.Where("project_id = ?", *current.ProjectID)
	} else {
		q = q.Where("project_id IS NULL")
	}
	return q.Updates(map[string]interface{}{
		"status":    models.StatusDeprecated,
		"is_active": false,
	}).Error
}

// Activate makes one record the active model for its (type, scope) and
// deprecates its siblings.
func (r *Registry) Activate(ctx context.Context, id uuid.UUID) (*models.TrainedModel, error) {
	m, err := r.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Status = models.StatusActive
	m.IsActive = true
	if err := r.Save(ctx, m); err != nil {
		return nil, err
	}
	if err := r.DeprecateOlder(ctx, m); err != nil {
		return nil, err
	}
	r.logger.Infow("model activated", "model_id", m.ID, "type", m.ModelType, "version", m.Version)
	return m, nil
}

// Deactivate marks a record deprecated without promoting a replacement.
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.TrainedModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    models.StatusDeprecated,
			"is_active": false,
		}).Error
}

// SavePrediction appends one inference to the prediction log.
func (r *Registry) SavePrediction(ctx context.Context, rec *models.PredictionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// AttachOutcome records the realized value for a logged prediction.
func (r *Registry) AttachOutcome(ctx context.Context, predictionID uuid.UUID, actual float64) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.PredictionRecord{}).
		Where("id = ?", predictionID).
		Updates(map[string]interface{}{
			"actual_value":        actual,
			"outcome_recorded_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &mlerrors.UnknownModelError{ID: predictionID.String()}
	}
	return nil
}

// RealizedError returns the mean absolute error of a model's predictions
// with recorded outcomes since the given time. ok is false when fewer than
// minSamples outcomes exist.
func (r *Registry) RealizedError(ctx context.Context, modelID uuid.UUID, since time.Time, minSamples int) (mae float64, ok bool, err error) {
	var recs []models.PredictionRecord
	err = r.db.WithContext(ctx).
		Where("model_id = ? AND actual_value IS NOT NULL AND created_at >= ?", modelID, since).
		Find(&recs).Error
	if err != nil {
		return 0, false, err
	}
	if len(recs) < minSamples {
		return 0, false, nil
	}
	var sum float64
	for _, rec := range recs {
		e, _ := rec.AbsError()
		sum += e
	}
	return sum / float64(len(recs)), true, nil
}

// PrunePredictions deletes prediction records older than the cutoff and
// returns the number removed. Scheduled retention, not user-facing.
func (r *Registry) PrunePredictions(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&models.PredictionRecord{})
	return res.RowsAffected, res.Error
}

// SaveAnomaly persists a detected anomaly.
func (r *Registry) SaveAnomaly(ctx context.Context, a *models.Anomaly) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(a).Error
}

// OpenAnomalies lists unresolved anomalies for a project.
func (r *Registry) OpenAnomalies(ctx context.Context, projectID uuid.UUID) ([]models.Anomaly, error) {
	var out []models.Anomaly
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND status IN ?", projectID, []string{models.AnomalyDetected, models.AnomalyInvestigating}).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}
