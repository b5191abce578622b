// Package config loads the predictive subsystem's configuration from file
// and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the subsystem configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Database struct {
		// DSN of the product database holding issues, sprints and the
		// subsystem's own tables.
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"database"`

	Storage struct {
		Bucket string `mapstructure:"bucket"`
		Region string `mapstructure:"region"`
		// Endpoint overrides the S3 endpoint for local stacks.
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"storage"`

	Cache struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	Training struct {
		MinSamples    int     `mapstructure:"min_samples"`
		LookbackDays  int     `mapstructure:"lookback_days"`
		SampleCap     int     `mapstructure:"sample_cap"`
		TestFraction  float64 `mapstructure:"test_fraction"`
		NumTrees      int     `mapstructure:"num_trees"`
		MaxDepth      int     `mapstructure:"max_depth"`
		LearningRate  float64 `mapstructure:"learning_rate"`
		MaxAgeDays    int     `mapstructure:"max_age_days"`
		NewDataShare  float64 `mapstructure:"new_data_share"`
		AccuracyFloor float64 `mapstructure:"accuracy_degrade_factor"`
	} `mapstructure:"training"`

	Scheduler struct {
		Cron          string `mapstructure:"cron"`
		RetentionDays int    `mapstructure:"retention_days"`
	} `mapstructure:"scheduler"`
}

// Load reads the configuration file (optional) and the PRISM_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PRISM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("training.min_samples", 50)
	v.SetDefault("training.lookback_days", 730)
	v.SetDefault("training.sample_cap", 10000)
	v.SetDefault("training.test_fraction", 0.2)
	v.SetDefault("training.num_trees", 100)
	v.SetDefault("training.max_depth", 5)
	v.SetDefault("training.learning_rate", 0.1)
	v.SetDefault("training.max_age_days", 30)
	v.SetDefault("training.new_data_share", 0.2)
	v.SetDefault("training.accuracy_degrade_factor", 1.5)
	v.SetDefault("scheduler.cron", "0 2 * * 1")
	v.SetDefault("scheduler.retention_days", 365)
}
