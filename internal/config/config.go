// Package config provides configuration loading and structs for the sensor service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/upload"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Annotation AnnotationConfig `yaml:"annotation"`
	Report     ReportConfig     `yaml:"report"`
	Upload     UploadConfig     `yaml:"upload"`
	Watch      WatchConfig      `yaml:"watch"`
}

// WatchConfig holds inbox directory settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL returns the base URL clients use to reach the server.
func (s ServerConfig) URL() string {
	return "http://" + s.Addr()
}

// StorageConfig holds paths for the database and the search index.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	SearchIndexPath string `yaml:"search_index_path"`
}

// AnnotationConfig selects and tunes the annotation backend.
type AnnotationConfig struct {
	Backend     string        `yaml:"backend"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	StepDelay   time.Duration `yaml:"step_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	CacheSize   int           `yaml:"cache_size"`
	Codebook    []string      `yaml:"codebook"`
}

// APIKey returns the key from the configured environment variable.
func (a AnnotationConfig) APIKey() string {
	return os.Getenv(a.APIKeyEnv)
}

// ReportConfig holds report defaults.
type ReportConfig struct {
	PositiveMin     float64 `yaml:"positive_min"`
	NegativeMax     float64 `yaml:"negative_max"`
	SubmitBatchSize int     `yaml:"submit_batch_size"`
}

// Thresholds returns the configured sentiment thresholds.
func (r ReportConfig) Thresholds() annotation.Thresholds {
	return annotation.Thresholds{PositiveMin: r.PositiveMin, NegativeMax: r.NegativeMax}
}

// UploadConfig tunes upload progress tracking.
type UploadConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	AnimationInterval time.Duration `yaml:"animation_interval"`
	MaxErrors         int           `yaml:"max_errors"`
	TransferShare     float64       `yaml:"transfer_share"`
}

// TrackerConfig converts the section into tracker settings.
func (u UploadConfig) TrackerConfig() upload.Config {
	return upload.Config{
		TransferShare:     u.TransferShare,
		PollInterval:      u.PollInterval,
		RetryInterval:     u.RetryInterval,
		AnimationInterval: u.AnimationInterval,
		MaxErrors:         u.MaxErrors,
	}
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Report.Thresholds().Validate(); err != nil {
		return nil, fmt.Errorf("invalid report thresholds: %w", err)
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.SearchIndexPath = expandPath(cfg.Storage.SearchIndexPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// LoadEnv loads a .env file from the config directory into the process environment.
// Variables already set are kept. A missing file is not an error.
func LoadEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := gotenv.Load(envPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", envPath, err)
	}
	return nil
}

// Save writes the config to path. Used for persisting inbox directory changes.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
