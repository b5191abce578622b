// Package prediction serves effort, sprint-duration and story-point
// estimates through a strict ordered fallback: trained model, lexical
// similarity, type average, heuristic default. A best-effort prediction
// call never returns an error to its caller; internal failures degrade to
// the lowest-confidence tier with an Error annotation.
package prediction

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prismpm/prism/internal/ml/cache"
	"github.com/prismpm/prism/internal/ml/history"
	"github.com/prismpm/prism/internal/ml/metrics"
	"github.com/prismpm/prism/internal/ml/models"
	"github.com/prismpm/prism/internal/ml/training"
)

// Fallback tier discriminators.
const (
	MethodModel       = "ml_model"
	MethodSimilarity  = "similarity"
	MethodTypeAverage = "type_average"
	MethodHeuristic   = "heuristic"

	MethodSprintDates    = "sprint_dates"
	MethodEstimatedHours = "estimated_hours"
	MethodVelocity       = "velocity"
	MethodDefault        = "default"
)

const (
	minHours             = 0.5
	maxHours             = 200.0
	defaultEffortHours   = 8.0
	defaultSprintDays    = 14
	defaultHoursPerDay   = 8.0
	similarityCandidates = 100
)

// Range bounds a point estimate.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// EffortResult is the outcome of an effort prediction.
type EffortResult struct {
	PredictedHours float64        `json:"predicted_hours"`
	Confidence     float64        `json:"confidence"`
	Method         string         `json:"method"`
	Reasoning      string         `json:"reasoning"`
	Range          *Range         `json:"prediction_range,omitempty"`
	SimilarIssues  []SimilarIssue `json:"similar_issues,omitempty"`
	ModelID        string         `json:"model_id,omitempty"`
	ModelVersion   string         `json:"model_version,omitempty"`
	PredictionID   uuid.UUID      `json:"prediction_id"`
	Error          string         `json:"error,omitempty"`
}

// SprintDurationResult is the outcome of a sprint-duration prediction.
type SprintDurationResult struct {
	EstimatedDays       int      `json:"estimated_days"`
	PlannedDays         int      `json:"planned_days"`
	Confidence          float64  `json:"confidence"`
	Method              string   `json:"method"`
	RiskFactors         []string `json:"risk_factors"`
	TotalEstimatedHours float64  `json:"total_estimated_hours,omitempty"`
	HoursPerDay         float64  `json:"hours_per_day,omitempty"`
	AverageVelocity     float64  `json:"average_velocity,omitempty"`
	TotalStoryPoints    float64  `json:"total_story_points,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// StoryPointsResult is the outcome of a story-point recommendation.
type StoryPointsResult struct {
	RecommendedPoints       float64            `json:"recommended_points"`
	Confidence              float64            `json:"confidence"`
	ProbabilityDistribution map[string]float64 `json:"probability_distribution"`
	Method                  string             `json:"method"`
	Reasoning               string             `json:"reasoning"`
	SimilarIssues           []SimilarIssue     `json:"similar_issues,omitempty"`
	PredictionID            uuid.UUID          `json:"prediction_id"`
	Error                   string             `json:"error,omitempty"`
}

// ModelProvider hands out active model payloads; satisfied by cache.Cache.
type ModelProvider interface {
	LoadActive(ctx context.Context, modelType string, projectID *uuid.UUID) (*cache.Payload, error)
}

// Recorder appends to the prediction log; satisfied by registry.Registry.
type Recorder interface {
	SavePrediction(ctx context.Context, rec *models.PredictionRecord) error
	AttachOutcome(ctx context.Context, predictionID uuid.UUID, actual float64) error
}

// Service orchestrates the prediction fallback chains.
type Service struct {
	provider ModelProvider
	history  history.Store
	recorder Recorder
	logger   *zap.SugaredLogger
}

func NewService(provider ModelProvider, hist history.Store, recorder Recorder, logger *zap.Logger) *Service {
	return &Service{
		provider: provider,
		history:  hist,
		recorder: recorder,
		logger:   logger.Sugar(),
	}
}

// PredictIssueEffort estimates the hours an issue will take. The first
// viable tier wins; the result always names the tier and the reasoning.
func (s *Service) PredictIssueEffort(ctx context.Context, title, description, issueType string, projectID uuid.UUID) *EffortResult {
	res, err := s.effortChain(ctx, title, description, issueType, projectID)
	if err != nil {
		s.logger.Errorw("effort prediction degraded to default", "project_id", projectID, "error", err)
		res = &EffortResult{
			PredictedHours: defaultEffortHours,
			Confidence:     0.1,
			Method:         MethodHeuristic,
			Reasoning:      "Internal error, using default estimate",
			Error:          err.Error(),
		}
	}
	metrics.PredictionsTotal.WithLabelValues("effort", res.Method).Inc()
	s.logEffort(ctx, res, title, description, issueType, projectID)
	return res
}

func (s *Service) effortChain(ctx context.Context, title, description, issueType string, projectID uuid.UUID) (*EffortResult, error) {
	// Tier 1: trained model. Failures here fall through, they do not
	// abort the chain.
	if res, err := s.effortFromModel(ctx, title, description, issueType, projectID); err != nil {
		s.logger.Warnw("model tier unavailable, falling back", "error", err)
	} else if res != nil {
		return res, nil
	}

	candidates, err := s.history.CompletedIssues(ctx, history.IssueFilter{
		ProjectID: &projectID,
		Limit:     similarityCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("similar issue lookup: %w", err)
	}
	matches := rankBySimilarity(title+" "+description, candidates, 5)

	// Tier 2: mean actual hours of the closest lexical matches.
	var efforts []float64
	for _, m := range matches {
		if m.ActualHours != nil && *m.ActualHours > 0 {
			efforts = append(efforts, *m.ActualHours)
		}
	}
	if len(efforts) > 0 {
		var sum float64
		for _, h := range efforts {
			sum += h
		}
		predicted := round1(sum / float64(len(efforts)))
		confidence := math.Min(0.7+0.05*float64(len(efforts)), 0.85)
		return &EffortResult{
			PredictedHours: predicted,
			Confidence:     round2(confidence),
			Method:         MethodSimilarity,
			Reasoning:      fmt.Sprintf("Based on %d similar completed issues", len(efforts)),
			Range:          rangeAround(predicted),
			SimilarIssues:  matches,
		}, nil
	}

	// Tier 3: historical mean for the project + type combination.
	if len(matches) > 0 {
		if avg, ok, err := s.typeAverage(ctx, projectID, issueType); err != nil {
			return nil, err
		} else if ok {
			return &EffortResult{
				PredictedHours: round1(avg),
				Confidence:     0.4,
				Method:         MethodTypeAverage,
				Reasoning:      fmt.Sprintf("Historical average for %s issues in this project", issueType),
				SimilarIssues:  matches,
			}, nil
		}
	}

	// Tier 4: fixed domain default.
	return &EffortResult{
		PredictedHours: defaultEffortHours,
		Confidence:     0.2,
		Method:         MethodHeuristic,
		Reasoning:      fmt.Sprintf("No historical data for %s issues, using default estimate", issueType),
	}, nil
}

func (s *Service) effortFromModel(ctx context.Context, title, description, issueType string, projectID uuid.UUID) (*EffortResult, error) {
	payload, err := s.provider.LoadActive(ctx, models.TypeEffortPrediction, &projectID)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}

	// New issues carry no story-point value yet; the vector layout still
	// comes from the persisted feature names.
	features := training.IssueFeatures(title, description, issueType, "", 0)
	if len(features) != len(payload.Bundle.FeatureNames) {
		return nil, fmt.Errorf("feature layout mismatch: have %d, model expects %d",
			len(features), len(payload.Bundle.FeatureNames))
	}

	predicted := payload.Bundle.Estimator.Predict(features)
	predicted = math.Max(minHours, math.Min(predicted, maxHours))

	baseConfidence := 0.7
	if r2 := payload.Model.R2Score; r2 != nil && *r2 > 0 {
		baseConfidence = *r2
	}
	confidence := clamp01(baseConfidence * 0.9)

	return &EffortResult{
		PredictedHours: round1(predicted),
		Confidence:     round2(confidence),
		Method:         MethodModel,
		Reasoning:      fmt.Sprintf("Prediction from trained model (v%s)", payload.Model.Version),
		Range:          rangeAround(predicted),
		ModelID:        payload.Model.ID.String(),
		ModelVersion:   payload.Model.Version,
	}, nil
}

func (s *Service) typeAverage(ctx context.Context, projectID uuid.UUID, issueType string) (float64, bool, error) {
	issues, err := s.history.CompletedIssues(ctx, history.IssueFilter{
		ProjectID:    &projectID,
		IssueType:    issueType,
		Label:        history.LabelActualHours,
		RequireLabel: true,
		Limit:        similarityCandidates,
	})
	if err != nil {
		return 0, false, fmt.Errorf("type average lookup: %w", err)
	}
	if len(issues) == 0 {
		return 0, false, nil
	}
	var sum float64
	for _, iss := range issues {
		sum += *iss.ActualHours
	}
	return sum / float64(len(issues)), true, nil
}

// PredictSprintDuration estimates how many days a sprint will take, in
// tier order: planned dates, estimated hours over daily capacity, velocity
// applied to planned scope, fixed default.
func (s *Service) PredictSprintDuration(ctx context.Context, sprintID uuid.UUID, plannedIssueIDs []uuid.UUID, capacityHours float64) *SprintDurationResult {
	res, err := s.sprintChain(ctx, sprintID, capacityHours)
	if err != nil {
		s.logger.Errorw("sprint prediction degraded to default", "sprint_id", sprintID, "error", err)
		res = &SprintDurationResult{
			EstimatedDays: defaultSprintDays,
			PlannedDays:   defaultSprintDays,
			Confidence:    0,
			Method:        MethodDefault,
			RiskFactors:   []string{"Error in prediction"},
			Error:         err.Error(),
		}
	}
	metrics.PredictionsTotal.WithLabelValues("sprint_duration", res.Method).Inc()
	s.logSprint(ctx, res, sprintID)
	return res
}

func (s *Service) sprintChain(ctx context.Context, sprintID uuid.UUID, capacityHours float64) (*SprintDurationResult, error) {
	sprint, err := s.history.SprintByID(ctx, sprintID)
	if err != nil {
		return nil, fmt.Errorf("load sprint: %w", err)
	}
	if sprint == nil {
		return &SprintDurationResult{
			EstimatedDays: defaultSprintDays,
			PlannedDays:   defaultSprintDays,
			Method:        MethodDefault,
			RiskFactors:   []string{"Sprint not found"},
			Error:         "sprint does not exist",
		}, nil
	}

	// Tier 1: explicit planned dates.
	if sprint.StartDate != nil && sprint.EndDate != nil {
		days := int(sprint.EndDate.Sub(*sprint.StartDate).Hours() / 24)
		return &SprintDurationResult{
			EstimatedDays: days,
			PlannedDays:   days,
			Confidence:    0.95,
			Method:        MethodSprintDates,
			RiskFactors:   []string{},
		}, nil
	}

	issues, err := s.history.SprintIssues(ctx, sprintID)
	if err != nil {
		return nil, fmt.Errorf("load sprint issues: %w", err)
	}

	// Tier 2: summed estimates over daily capacity.
	hoursPerDay := defaultHoursPerDay
	if capacityHours > 0 {
		hoursPerDay = capacityHours
	}
	var totalHours float64
	for _, iss := range issues {
		if iss.EstimatedHours != nil {
			totalHours += *iss.EstimatedHours
		}
	}
	if totalHours > 0 {
		days := int(math.Round(totalHours / hoursPerDay))
		if days < 1 {
			days = 1
		}
		return &SprintDurationResult{
			EstimatedDays:       days,
			PlannedDays:         days,
			Confidence:          0.7,
			Method:              MethodEstimatedHours,
			RiskFactors:         []string{},
			TotalEstimatedHours: totalHours,
			HoursPerDay:         hoursPerDay,
		}, nil
	}

	// Tier 3: historical velocity applied to planned scope.
	var totalPoints float64
	for _, iss := range issues {
		if iss.StoryPoints != nil {
			totalPoints += *iss.StoryPoints
		}
	}
	if totalPoints > 0 {
		past, err := s.history.CompletedSprints(ctx, sprint.ProjectID, 5)
		if err != nil {
			return nil, fmt.Errorf("velocity history: %w", err)
		}
		var velocities []float64
		for _, ps := range past {
			if ps.StartDate == nil || ps.CompletedAt == nil || ps.CompletedPoints <= 0 {
				continue
			}
			days := ps.CompletedAt.Sub(*ps.StartDate).Hours() / 24
			if days > 0 {
				velocities = append(velocities, ps.CompletedPoints/days)
			}
		}
		if len(velocities) > 0 {
			var sum float64
			for _, v := range velocities {
				sum += v
			}
			velocity := sum / float64(len(velocities))
			days := defaultSprintDays
			if velocity > 0 {
				days = int(math.Round(totalPoints / velocity))
				if days < 1 {
					days = 1
				}
			}
			confidence := 0.5
			if len(velocities) >= 3 {
				confidence = 0.7
			}
			return &SprintDurationResult{
				EstimatedDays:    days,
				PlannedDays:      days,
				Confidence:       confidence,
				Method:           MethodVelocity,
				RiskFactors:      []string{},
				AverageVelocity:  round2(velocity),
				TotalStoryPoints: totalPoints,
			}, nil
		}
	}

	// Tier 4: fixed default.
	return &SprintDurationResult{
		EstimatedDays: defaultSprintDays,
		PlannedDays:   defaultSprintDays,
		Confidence:    0,
		Method:        MethodDefault,
		RiskFactors:   []string{"No historical data or estimates available"},
	}, nil
}

// RecommendStoryPoints suggests a point value: the modal value among
// similar resolved issues with a probability distribution, else a per-type
// default.
func (s *Service) RecommendStoryPoints(ctx context.Context, title, description, issueType string, projectID uuid.UUID) *StoryPointsResult {
	res, err := s.pointsChain(ctx, title, description, issueType, projectID)
	if err != nil {
		s.logger.Errorw("story point recommendation degraded to default", "project_id", projectID, "error", err)
		res = &StoryPointsResult{
			RecommendedPoints:       5,
			Confidence:              0.2,
			ProbabilityDistribution: map[string]float64{},
			Method:                  MethodDefault,
			Reasoning:               "Internal error, using default recommendation",
			Error:                   err.Error(),
		}
	}
	metrics.PredictionsTotal.WithLabelValues("story_points", res.Method).Inc()
	s.logPoints(ctx, res, title, description, issueType, projectID)
	return res
}

func (s *Service) pointsChain(ctx context.Context, title, description, issueType string, projectID uuid.UUID) (*StoryPointsResult, error) {
	candidates, err := s.history.CompletedIssues(ctx, history.IssueFilter{
		ProjectID: &projectID,
		Limit:     similarityCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("similar issue lookup: %w", err)
	}
	matches := rankBySimilarity(title+" "+description, candidates, 10)

	var withPoints []SimilarIssue
	for _, m := range matches {
		if m.StoryPoints != nil && *m.StoryPoints > 0 {
			withPoints = append(withPoints, m)
		}
	}

	if len(withPoints) == 0 {
		points := defaultPointsFor(issueType)
		return &StoryPointsResult{
			RecommendedPoints:       points,
			Confidence:              0.3,
			ProbabilityDistribution: map[string]float64{},
			Method:                  MethodHeuristic,
			Reasoning:               fmt.Sprintf("No similar issues found, default for %s", issueType),
		}, nil
	}

	counts := make(map[float64]int)
	for _, m := range withPoints {
		counts[*m.StoryPoints]++
	}
	var modal float64
	best := 0
	distribution := make(map[string]float64, len(counts))
	total := float64(len(withPoints))
	for points, count := range counts {
		distribution[strconv.FormatFloat(points, 'f', -1, 64)] = float64(count) / total
		if count > best || (count == best && points < modal) {
			best = count
			modal = points
		}
	}

	limit := len(withPoints)
	if limit > 5 {
		limit = 5
	}
	return &StoryPointsResult{
		RecommendedPoints:       modal,
		Confidence:              round2(float64(best) / total),
		ProbabilityDistribution: distribution,
		Method:                  MethodSimilarity,
		Reasoning:               fmt.Sprintf("Based on %d similar issues", len(withPoints)),
		SimilarIssues:           withPoints[:limit],
	}, nil
}

// RecordOutcome attaches the realized value to a logged prediction so the
// drift signals can use it.
func (s *Service) RecordOutcome(ctx context.Context, predictionID uuid.UUID, actual float64) error {
	return s.recorder.AttachOutcome(ctx, predictionID, actual)
}

// logEffort appends the prediction to the drift log. Failures are logged,
// never surfaced: the prediction already succeeded from the caller's view.
func (s *Service) logEffort(ctx context.Context, res *EffortResult, title, description, issueType string, projectID uuid.UUID) {
	rec := &models.PredictionRecord{
		ID: uuid.New(),
		Input: map[string]string{
			"kind":        "effort",
			"title":       title,
			"description": description,
			"issue_type":  issueType,
		},
		Method:         res.Method,
		PredictedValue: res.PredictedHours,
		Confidence:     res.Confidence,
		ProjectID:      &projectID,
	}
	if res.Range != nil {
		rec.RangeMin = &res.Range.Min
		rec.RangeMax = &res.Range.Max
	}
	if res.ModelID != "" {
		if id, err := uuid.Parse(res.ModelID); err == nil {
			rec.ModelID = &id
		}
	}
	if err := s.recorder.SavePrediction(ctx, rec); err != nil {
		s.logger.Warnw("could not store prediction record", "error", err)
		return
	}
	res.PredictionID = rec.ID
}

func (s *Service) logPoints(ctx context.Context, res *StoryPointsResult, title, description, issueType string, projectID uuid.UUID) {
	rec := &models.PredictionRecord{
		ID: uuid.New(),
		Input: map[string]string{
			"kind":        "story_points",
			"title":       title,
			"description": description,
			"issue_type":  issueType,
		},
		Method:         res.Method,
		PredictedValue: res.RecommendedPoints,
		Confidence:     res.Confidence,
		ProjectID:      &projectID,
	}
	if err := s.recorder.SavePrediction(ctx, rec); err != nil {
		s.logger.Warnw("could not store prediction record", "error", err)
		return
	}
	res.PredictionID = rec.ID
}

func (s *Service) logSprint(ctx context.Context, res *SprintDurationResult, sprintID uuid.UUID) {
	rec := &models.PredictionRecord{
		ID:             uuid.New(),
		Input:          map[string]string{"kind": "sprint_duration"},
		Method:         res.Method,
		PredictedValue: float64(res.EstimatedDays),
		Confidence:     res.Confidence,
		SprintID:       &sprintID,
	}
	if err := s.recorder.SavePrediction(ctx, rec); err != nil {
		s.logger.Warnw("could not store prediction record", "error", err)
	}
}

func defaultPointsFor(issueType string) float64 {
	switch issueType {
	case "bug":
		return 3
	case "task":
		return 5
	case "story":
		return 8
	case "epic":
		return 13
	default:
		return 5
	}
}

func rangeAround(hours float64) *Range {
	return &Range{Min: round1(hours * 0.7), Max: round1(hours * 1.3)}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(v, 1))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
