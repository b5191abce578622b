// Package history is the read-only query surface over the product's issue
// and sprint data that the predictive subsystem consumes. The CRUD side of
// that data lives outside this subsystem; only the narrow read interfaces
// defined here are depended on.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Label identifies the target value a training query selects on.
type Label int

const (
	// LabelActualHours selects issues with a recorded positive actual effort.
	LabelActualHours Label = iota
	// LabelStoryPoints selects issues with a recorded positive story-point value.
	LabelStoryPoints
)

// IssueRecord is a completed issue as seen by the predictive layer.
type IssueRecord struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	Title          string
	Description    string
	IssueType      string
	Priority       string
	StoryPoints    *float64
	EstimatedHours *float64
	ActualHours    *float64
	CompletedAt    time.Time
}

// IssueFilter narrows a completed-issue query. A zero Since means no lower
// bound; a zero Limit means the store's default cap.
type IssueFilter struct {
	ProjectID *uuid.UUID
	IssueType string
	Label     Label
	// RequireLabel keeps only issues whose label value is positive and
	// non-null. Training always sets it; similarity search does not.
	RequireLabel bool
	Since        time.Time
	Limit        int
}

// SprintRecord is a sprint as seen by the predictive layer.
type SprintRecord struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Name            string
	Status          string
	StartDate       *time.Time
	EndDate         *time.Time
	CompletedAt     *time.Time
	CommittedPoints float64
	CompletedPoints float64
}

// Store is the historical data source for training, prediction fallbacks,
// and anomaly detection.
type Store interface {
	// CompletedIssues returns issues in a workflow-terminal status matching
	// the filter, most recently completed first.
	CompletedIssues(ctx context.Context, filter IssueFilter) ([]IssueRecord, error)
	// SprintByID returns one sprint, or nil when it does not exist.
	SprintByID(ctx context.Context, id uuid.UUID) (*SprintRecord, error)
	// SprintIssues returns the active issues planned into a sprint.
	SprintIssues(ctx context.Context, sprintID uuid.UUID) ([]IssueRecord, error)
	// CompletedSprints returns up to limit completed sprints for a project,
	// most recently completed first.
	CompletedSprints(ctx context.Context, projectID uuid.UUID, limit int) ([]SprintRecord, error)
	// StaleIssueCount counts unfinished issues untouched for longer than age.
	StaleIssueCount(ctx context.Context, projectID uuid.UUID, age time.Duration) (int, error)
	// IssueCreationCounts returns per-week issue creation counts for the
	// project over the given number of trailing weeks, oldest first.
	IssueCreationCounts(ctx context.Context, projectID uuid.UUID, weeks int) ([]int, error)
}
