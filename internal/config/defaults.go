package config

import (
	"time"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/batch"
	"github.com/hyperjump/sensor/internal/upload"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/sensor/data/db/sensor.db"
	}
	if cfg.Storage.SearchIndexPath == "" {
		cfg.Storage.SearchIndexPath = "/usr/local/var/sensor/data/indices/comments"
	}
	if cfg.Annotation.Backend == "" {
		cfg.Annotation.Backend = "vader"
	}
	if cfg.Annotation.APIKeyEnv == "" {
		cfg.Annotation.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Annotation.StepDelay == 0 {
		cfg.Annotation.StepDelay = 100 * time.Millisecond
	}
	if cfg.Annotation.MaxAttempts == 0 {
		cfg.Annotation.MaxAttempts = 1
	}
	if cfg.Annotation.CacheSize == 0 {
		cfg.Annotation.CacheSize = 1000
	}
	// Both thresholds zero means unset.
	if cfg.Report.PositiveMin == 0 && cfg.Report.NegativeMax == 0 {
		d := annotation.DefaultThresholds()
		cfg.Report.PositiveMin, cfg.Report.NegativeMax = d.PositiveMin, d.NegativeMax
	}
	if cfg.Report.SubmitBatchSize == 0 {
		cfg.Report.SubmitBatchSize = batch.DefaultBatchSize
	}
	d := upload.DefaultConfig()
	if cfg.Upload.PollInterval == 0 {
		cfg.Upload.PollInterval = d.PollInterval
	}
	if cfg.Upload.RetryInterval == 0 {
		cfg.Upload.RetryInterval = d.RetryInterval
	}
	if cfg.Upload.AnimationInterval == 0 {
		cfg.Upload.AnimationInterval = d.AnimationInterval
	}
	if cfg.Upload.MaxErrors == 0 {
		cfg.Upload.MaxErrors = d.MaxErrors
	}
	if cfg.Upload.TransferShare == 0 {
		cfg.Upload.TransferShare = d.TransferShare
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".csv", ".tsv", ".txt", ".xlsx"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
