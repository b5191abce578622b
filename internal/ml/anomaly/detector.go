// Package anomaly runs statistical checks over project delivery metrics
// and records significant deviations for follow-up.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/prismpm/prism/internal/ml/history"
	"github.com/prismpm/prism/internal/ml/metrics"
	"github.com/prismpm/prism/internal/ml/models"
)

const (
	// deviationThreshold is the z-score past which a metric is anomalous.
	deviationThreshold = 2.0
	staleIssueAge      = 14 * 24 * time.Hour
	staleIssueMinCount = 5
	creationRateWeeks  = 8
	velocitySprints    = 6
)

// Recorder persists detected anomalies; satisfied by registry.Registry.
type Recorder interface {
	SaveAnomaly(ctx context.Context, a *models.Anomaly) error
}

// Detector runs the project-level anomaly checks.
type Detector struct {
	history  history.Store
	recorder Recorder
	logger   *zap.SugaredLogger
}

func NewDetector(hist history.Store, recorder Recorder, logger *zap.Logger) *Detector {
	return &Detector{history: hist, recorder: recorder, logger: logger.Sugar()}
}

// DetectProjectAnomalies runs every check for a project and persists the
// findings. A failing check is logged and skipped; the sweep continues.
func (d *Detector) DetectProjectAnomalies(ctx context.Context, projectID uuid.UUID) ([]models.Anomaly, error) {
	var found []models.Anomaly

	checks := []func(context.Context, uuid.UUID) (*models.Anomaly, error){
		d.checkVelocity,
		d.checkStaleIssues,
		d.checkCreationRate,
	}
	for _, check := range checks {
		a, err := check(ctx, projectID)
		if err != nil {
			d.logger.Warnw("anomaly check failed", "project_id", projectID, "error", err)
			continue
		}
		if a == nil {
			continue
		}
		a.ProjectID = &projectID
		a.Status = models.AnomalyDetected
		if err := d.recorder.SaveAnomaly(ctx, a); err != nil {
			return found, fmt.Errorf("store anomaly: %w", err)
		}
		metrics.AnomaliesDetected.WithLabelValues(a.AnomalyType, a.Severity).Inc()
		found = append(found, *a)
	}
	return found, nil
}

// checkVelocity compares the latest completed sprint's velocity against
// the preceding sprints.
func (d *Detector) checkVelocity(ctx context.Context, projectID uuid.UUID) (*models.Anomaly, error) {
	sprints, err := d.history.CompletedSprints(ctx, projectID, velocitySprints)
	if err != nil {
		return nil, err
	}
	if len(sprints) < 4 {
		return nil, nil
	}

	// Sprints arrive newest first; the latest is judged against the rest.
	latest := sprints[0].CompletedPoints
	baseline := make([]float64, 0, len(sprints)-1)
	for _, s := range sprints[1:] {
		baseline = append(baseline, s.CompletedPoints)
	}
	mean, std := stat.MeanStdDev(baseline, nil)
	if std == 0 {
		return nil, nil
	}
	z := (latest - mean) / std
	if math.Abs(z) < deviationThreshold {
		return nil, nil
	}

	anomalyType := "velocity_drop"
	causes := []string{"team capacity change", "underestimated scope", "external blockers"}
	if z > 0 {
		anomalyType = "velocity_spike"
		causes = []string{"overestimated scope", "carry-over work completed early"}
	}
	return &models.Anomaly{
		AnomalyType:    anomalyType,
		Severity:       severityFor(math.Abs(z)),
		AffectedMetric: "completed_points",
		ExpectedValue:  &mean,
		ActualValue:    latest,
		DeviationScore: z,
		Description: fmt.Sprintf("Latest sprint completed %.1f points against a %.1f average (%.1f sigma)",
			latest, mean, z),
		PossibleCauses:        causes,
		MitigationSuggestions: []string{"review sprint retrospective", "re-baseline velocity"},
	}, nil
}

// checkStaleIssues flags a backlog of unfinished issues untouched for two
// weeks.
func (d *Detector) checkStaleIssues(ctx context.Context, projectID uuid.UUID) (*models.Anomaly, error) {
	count, err := d.history.StaleIssueCount(ctx, projectID, staleIssueAge)
	if err != nil {
		return nil, err
	}
	if count < staleIssueMinCount {
		return nil, nil
	}
	expected := float64(staleIssueMinCount)
	return &models.Anomaly{
		AnomalyType:    "stale_issues",
		Severity:       models.SeverityMedium,
		AffectedMetric: "stale_issue_count",
		ExpectedValue:  &expected,
		ActualValue:    float64(count),
		DeviationScore: float64(count) / expected,
		Description:    fmt.Sprintf("%d unfinished issues untouched for over 14 days", count),
		PossibleCauses: []string{"blocked dependencies", "unclear requirements", "abandoned work"},
		MitigationSuggestions: []string{
			"triage stale issues",
			"close or re-plan abandoned work",
		},
	}, nil
}

// checkCreationRate compares the latest week's issue creation count against
// the trailing weeks.
func (d *Detector) checkCreationRate(ctx context.Context, projectID uuid.UUID) (*models.Anomaly, error) {
	counts, err := d.history.IssueCreationCounts(ctx, projectID, creationRateWeeks)
	if err != nil {
		return nil, err
	}
	if len(counts) < 4 {
		return nil, nil
	}

	latest := float64(counts[len(counts)-1])
	baseline := make([]float64, 0, len(counts)-1)
	for _, c := range counts[:len(counts)-1] {
		baseline = append(baseline, float64(c))
	}
	mean, std := stat.MeanStdDev(baseline, nil)
	if std == 0 {
		return nil, nil
	}
	z := (latest - mean) / std
	if z < deviationThreshold {
		return nil, nil
	}
	return &models.Anomaly{
		AnomalyType:    "creation_rate_spike",
		Severity:       severityFor(z),
		AffectedMetric: "issues_created_per_week",
		ExpectedValue:  &mean,
		ActualValue:    latest,
		DeviationScore: z,
		Description: fmt.Sprintf("%.0f issues created this week against a %.1f weekly average (%.1f sigma)",
			latest, mean, z),
		PossibleCauses:        []string{"incident fallout", "scope expansion", "bulk import"},
		MitigationSuggestions: []string{"review incoming issue sources", "re-plan sprint scope"},
	}, nil
}

func severityFor(absZ float64) string {
	switch {
	case absZ >= 4:
		return models.SeverityCritical
	case absZ >= 3:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}
