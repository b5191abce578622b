package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultIssueCap = 10000

// issueRow is the projection of the product's issue table this subsystem
// reads. The owning CRUD layer manages the full schema; these columns are
// the read contract.
type issueRow struct {
	ID             uuid.UUID `gorm:"primaryKey;type:uuid"`
	ProjectID      uuid.UUID `gorm:"type:uuid;index"`
	SprintID       *uuid.UUID `gorm:"type:uuid;index"`
	Title          string
	Description    string
	IssueType      string
	Priority       string
	StoryPoints    *float64
	EstimatedHours *float64
	ActualHours    *float64
	IsActive       bool
	IsCompleted    bool `gorm:"index"`
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (issueRow) TableName() string { return "issues" }

type sprintRow struct {
	ID              uuid.UUID `gorm:"primaryKey;type:uuid"`
	ProjectID       uuid.UUID `gorm:"type:uuid;index"`
	Name            string
	Status          string
	StartDate       *time.Time
	EndDate         *time.Time
	CompletedAt     *time.Time
	CommittedPoints float64
	CompletedPoints float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (sprintRow) TableName() string { return "sprints" }

// GormStore implements Store over the product database.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the issue/sprint projection tables. Production schemas
// are owned elsewhere; this exists for sqlite-backed tests and local runs.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&issueRow{}, &sprintRow{})
}

func (s *GormStore) CompletedIssues(ctx context.Context, filter IssueFilter) ([]IssueRecord, error) {
	q := s.db.WithContext(ctx).Model(&issueRow{}).Where("is_completed = ?", true)

	if filter.ProjectID != nil {
		q = q.Where("project_id = ?", *filter.ProjectID)
	}
	if filter.IssueType != "" {
		q = q.Where("issue_type = ?", filter.IssueType)
	}
	if filter.RequireLabel {
		switch filter.Label {
		case LabelStoryPoints:
			q = q.Where("story_points IS NOT NULL AND story_points > 0")
		default:
			q = q.Where("actual_hours IS NOT NULL AND actual_hours > 0")
		}
	}
	if !filter.Since.IsZero() {
		q = q.Where("completed_at >= ?", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultIssueCap
	}

	var rows []issueRow
	if err := q.Order("completed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]IssueRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, toIssueRecord(r))
	}
	return records, nil
}

func (s *GormStore) SprintByID(ctx context.Context, id uuid.UUID) (*SprintRecord, error) {
	var row sprintRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := toSprintRecord(row)
	return &rec, nil
}

func (s *GormStore) SprintIssues(ctx context.Context, sprintID uuid.UUID) ([]IssueRecord, error) {
	var rows []issueRow
	err := s.db.WithContext(ctx).
		Where("sprint_id = ? AND is_active = ?", sprintID, true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]IssueRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, toIssueRecord(r))
	}
	return records, nil
}

func (s *GormStore) CompletedSprints(ctx context.Context, projectID uuid.UUID, limit int) ([]SprintRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	var rows []sprintRow
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND status = ? AND completed_at IS NOT NULL AND start_date IS NOT NULL",
			projectID, "completed").
		Order("completed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]SprintRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, toSprintRecord(r))
	}
	return records, nil
}

func (s *GormStore) StaleIssueCount(ctx context.Context, projectID uuid.UUID, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	var count int64
	err := s.db.WithContext(ctx).Model(&issueRow{}).
		Where("project_id = ? AND is_completed = ? AND is_active = ? AND updated_at < ?",
			projectID, false, true, cutoff).
		Count(&count).Error
	return int(count), err
}

func (s *GormStore) IssueCreationCounts(ctx context.Context, projectID uuid.UUID, weeks int) ([]int, error) {
	if weeks <= 0 {
		weeks = 8
	}
	now := time.Now()
	counts := make([]int, weeks)
	for i := 0; i < weeks; i++ {
		end := now.AddDate(0, 0, -7*(weeks-1-i))
		start := end.AddDate(0, 0, -7)
		var count int64
		err := s.db.WithContext(ctx).Model(&issueRow{}).
			Where("project_id = ? AND created_at >= ? AND created_at < ?", projectID, start, end).
			Count(&count).Error
		if err != nil {
			return nil, err
		}
		counts[i] = int(count)
	}
	return counts, nil
}

func toIssueRecord(r issueRow) IssueRecord {
	rec := IssueRecord{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Title:          r.Title,
		Description:    r.Description,
		IssueType:      r.IssueType,
		Priority:       r.Priority,
		StoryPoints:    r.StoryPoints,
		EstimatedHours: r.EstimatedHours,
		ActualHours:    r.ActualHours,
	}
	if r.CompletedAt != nil {
		rec.CompletedAt = *r.CompletedAt
	}
	return rec
}

func toSprintRecord(r sprintRow) SprintRecord {
	return SprintRecord{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		Name:            r.Name,
		Status:          r.Status,
		StartDate:       r.StartDate,
		EndDate:         r.EndDate,
		CompletedAt:     r.CompletedAt,
		CommittedPoints: r.CommittedPoints,
		CompletedPoints: r.CompletedPoints,
	}
}
