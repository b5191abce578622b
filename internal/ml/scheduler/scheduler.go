// Package scheduler runs the periodic retrain sweep: for every active
// model, decide staleness, retrain, and keep the new model only when it is
// not worse than the one it replaces.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/prismpm/prism/internal/ml/mlerrors"
	"github.com/prismpm/prism/internal/ml/models"
	"github.com/prismpm/prism/internal/ml/registry"
	"github.com/prismpm/prism/internal/ml/training"
)

// DefaultSchedule runs the sweep Mondays at 02:00.
const DefaultSchedule = "0 2 * * 1"

// SweepResult summarizes one retrain pass.
type SweepResult struct {
	Retrained int
	Kept      int
	Skipped   int
	Errors    []string
}

// Scheduler owns the cron loop around the retrain sweep.
type Scheduler struct {
	trainer  *training.Trainer
	registry *registry.Registry
	logger   *zap.SugaredLogger
	cron     *cron.Cron

	// Prediction records older than this are pruned after each sweep.
	retention time.Duration
}

func New(trainer *training.Trainer, reg *registry.Registry, retention time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		trainer:   trainer,
		registry:  reg,
		logger:    logger.Sugar(),
		cron:      cron.New(),
		retention: retention,
	}
}

// Start registers the sweep on the given cron expression and starts the
// loop. Blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		result := s.Sweep(ctx)
		s.logger.Infow("retrain sweep finished",
			"retrained", result.Retrained, "kept", result.Kept,
			"skipped", result.Skipped, "errors", len(result.Errors))
	})
	if err != nil {
		return fmt.Errorf("register retrain schedule: %w", err)
	}
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// Sweep walks every active model once. Per-model failures are collected,
// never abort the pass.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	active, err := s.registry.ListActive(ctx, "")
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list active models: %v", err))
		return result
	}

	for i := range active {
		incumbent := &active[i]
		if err := s.retrainOne(ctx, incumbent, &result); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("retrain %s: %v", incumbent.ID, err))
		}
	}

	if s.retention > 0 {
		pruned, err := s.registry.PrunePredictions(ctx, time.Now().Add(-s.retention))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("prune predictions: %v", err))
		} else if pruned > 0 {
			s.logger.Infow("pruned prediction records", "count", pruned)
		}
	}
	return result
}

func (s *Scheduler) retrainOne(ctx context.Context, incumbent *models.TrainedModel, result *SweepResult) error {
	needed, err := s.trainer.ShouldRetrain(ctx, incumbent)
	if err != nil {
		return err
	}
	if !needed {
		result.Skipped++
		return nil
	}

	candidate, err := s.trainer.Train(ctx, incumbent.ModelType, incumbent.ProjectID, nil)
	if errors.Is(err, mlerrors.ErrInsufficientData) {
		s.logger.Infow("retrain skipped, not enough data",
			"model_id", incumbent.ID, "model_type", incumbent.ModelType)
		result.Skipped++
		return nil
	}
	if err != nil {
		return err
	}

	kept, err := s.trainer.PromoteIfBetter(ctx, candidate, incumbent)
	if err != nil {
		return err
	}
	if kept {
		result.Retrained++
	} else {
		result.Kept++
	}
	return nil
}
