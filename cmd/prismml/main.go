// Command prismml is the operator tool for the predictive subsystem:
// training, activation, evaluation, cache warmup and the retrain loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/prismpm/prism/internal/ml/anomaly"
	"github.com/prismpm/prism/internal/ml/cache"
	"github.com/prismpm/prism/internal/ml/config"
	"github.com/prismpm/prism/internal/ml/history"
	"github.com/prismpm/prism/internal/ml/mlerrors"
	"github.com/prismpm/prism/internal/ml/registry"
	"github.com/prismpm/prism/internal/ml/scheduler"
	"github.com/prismpm/prism/internal/ml/storage"
	"github.com/prismpm/prism/internal/ml/training"
	"github.com/prismpm/prism/pkg/logger"
)

type app struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *gorm.DB
	registry *registry.Registry
	store    storage.ObjectStore
	history  history.Store
	cache    *cache.Cache
	trainer  *training.Trainer
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if err := registry.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})

	reg := registry.New(db, log)
	store := storage.NewS3Store(s3Client, cfg.Storage.Bucket, log)
	modelCache := cache.New(reg, store, cfg.Cache.TTL, log)
	trainCfg := trainingConfig(cfg)
	trainer := training.NewTrainer(history.NewGormStore(db), reg, store, trainCfg, log)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: reg,
		store:    store,
		history:  history.NewGormStore(db),
		cache:    modelCache,
		trainer:  trainer,
	}, nil
}

func trainingConfig(cfg *config.Config) training.Config {
	tc := training.DefaultConfig()
	tc.MinSamples = cfg.Training.MinSamples
	tc.LookbackDays = cfg.Training.LookbackDays
	tc.SampleCap = cfg.Training.SampleCap
	tc.TestFraction = cfg.Training.TestFraction
	tc.GBRT.NumTrees = cfg.Training.NumTrees
	tc.GBRT.MaxDepth = cfg.Training.MaxDepth
	tc.GBRT.LearningRate = cfg.Training.LearningRate
	tc.MaxModelAge = time.Duration(cfg.Training.MaxAgeDays) * 24 * time.Hour
	tc.NewDataFraction = cfg.Training.NewDataShare
	tc.AccuracyFactor = cfg.Training.AccuracyFloor
	return tc
}

func main() {
	var configPath string
	var projectFlag string
	var force bool

	root := &cobra.Command{
		Use:           "prismml",
		Short:         "Operate Prism's predictive models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	parseProject := func() (*uuid.UUID, error) {
		if projectFlag == "" {
			return nil, nil
		}
		id, err := uuid.Parse(projectFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid project id %q: %w", projectFlag, err)
		}
		return &id, nil
	}

	trainCmd := &cobra.Command{
		Use:   "train <model-type>",
		Short: "Train a model for a type, optionally scoped to one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			projectID, err := parseProject()
			if err != nil {
				return err
			}
			modelType := args[0]

			if !force {
				existing, err := a.registry.ActiveModel(ctx, modelType, projectID)
				if err != nil {
					return err
				}
				if existing != nil {
					needed, err := a.trainer.ShouldRetrain(ctx, existing)
					if err != nil {
						return err
					}
					if !needed {
						fmt.Printf("model %s is recent, use --force to retrain anyway\n", existing.ID)
						return nil
					}
				}
			}

			m, err := a.trainer.Train(ctx, modelType, projectID, nil)
			if errors.Is(err, mlerrors.ErrInsufficientData) {
				fmt.Println("training skipped: insufficient training data")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("trained %s\n", m.Name)
			fmt.Printf("  id:       %s\n", m.ID)
			fmt.Printf("  samples:  %d\n", m.TrainingSamples)
			if m.MAE != nil {
				fmt.Printf("  mae:      %.2f\n", *m.MAE)
			}
			if m.RMSE != nil {
				fmt.Printf("  rmse:     %.2f\n", *m.RMSE)
			}
			if m.R2Score != nil {
				fmt.Printf("  r2:       %.3f\n", *m.R2Score)
			}
			fmt.Printf("  artifact: %s\n", m.StoragePath())
			return nil
		},
	}
	trainCmd.Flags().StringVar(&projectFlag, "project", "", "project uuid for a scoped model")
	trainCmd.Flags().BoolVar(&force, "force", false, "retrain even if the current model is recent")

	listCmd := &cobra.Command{
		Use:   "list [model-type]",
		Short: "List registered models, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			modelType := ""
			if len(args) == 1 {
				modelType = args[0]
			}
			modelsList, err := a.registry.List(cmd.Context(), modelType, 50)
			if err != nil {
				return err
			}
			for _, m := range modelsList {
				active := " "
				if m.IsActive {
					active = "*"
				}
				fmt.Printf("%s %s  %-18s %-10s samples=%-6d %s\n",
					active, m.ID, m.ModelType, m.Status, m.TrainingSamples,
					m.TrainingDate.Format(time.RFC3339))
			}
			return nil
		},
	}

	activateCmd := &cobra.Command{
		Use:   "activate <model-id>",
		Short: "Make a model the active one for its type and scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			m, err := a.registry.Activate(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("activated %s (%s v%s)\n", m.ID, m.ModelType, m.Version)
			return nil
		},
	}

	evaluateCmd := &cobra.Command{
		Use:   "evaluate <model-id>",
		Short: "Score a stored model against fresh labeled data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			m, err := a.trainer.Evaluate(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("mae=%.2f rmse=%.2f r2=%.3f\n", m.MAE, m.RMSE, m.R2)
			return nil
		},
	}

	preloadCmd := &cobra.Command{
		Use:   "preload [model-type...]",
		Short: "Warm the model cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			results := a.cache.Preload(cmd.Context(), args)
			for modelType, ok := range results {
				fmt.Printf("%-20s %v\n", modelType, ok)
			}
			return nil
		},
	}

	retrainCmd := &cobra.Command{
		Use:   "retrain-loop",
		Short: "Run the scheduled retrain sweep until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			retention := time.Duration(a.cfg.Scheduler.RetentionDays) * 24 * time.Hour
			sched := scheduler.New(a.trainer, a.registry, retention, a.log)
			return sched.Start(cmd.Context(), a.cfg.Scheduler.Cron)
		},
	}

	detectCmd := &cobra.Command{
		Use:   "detect-anomalies <project-id>",
		Short: "Run the statistical anomaly checks for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id %q: %w", args[0], err)
			}
			detector := anomaly.NewDetector(a.history, a.registry, a.log)
			found, err := detector.DetectProjectAnomalies(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println("no anomalies detected")
				return nil
			}
			for _, an := range found {
				fmt.Printf("%-22s %-8s %.1f sigma  %s\n",
					an.AnomalyType, an.Severity, an.DeviationScore, an.Description)
			}
			return nil
		},
	}

	diagnoseCmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Show cache and registry health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			stats := a.cache.Stats()
			fmt.Printf("cache: %d entries, ttl %s\n", stats.Count, stats.TTL)
			active, err := a.registry.ListActive(cmd.Context(), "")
			if err != nil {
				return err
			}
			fmt.Printf("active models: %d\n", len(active))
			for _, m := range active {
				ok, err := a.store.Exists(cmd.Context(), m.StorageKey)
				status := "artifact ok"
				if err != nil {
					status = "artifact check failed: " + err.Error()
				} else if !ok {
					status = "ARTIFACT MISSING"
				}
				fmt.Printf("  %s %-18s %s\n", m.ID, m.ModelType, status)
			}
			return nil
		},
	}

	root.AddCommand(trainCmd, listCmd, activateCmd, evaluateCmd, preloadCmd, retrainCmd, detectCmd, diagnoseCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
