package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "./data/db/documents.db"
watch:
  directories: ["./dev/sample"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "documents.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	if len(cfg.Watch.Directories) != 1 {
		t.Fatalf("watch directories: got %d", len(cfg.Watch.Directories))
	}
	wantWatch := filepath.Join(dir, "dev", "sample")
	if cfg.Watch.Directories[0] != wantWatch {
		t.Errorf("watch directory = %s, want %s", cfg.Watch.Directories[0], wantWatch)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Annotation.Backend != "vader" || cfg.Annotation.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("annotation defaults: %+v", cfg.Annotation)
	}
	if cfg.Annotation.StepDelay != 100*time.Millisecond || cfg.Annotation.MaxAttempts != 1 {
		t.Errorf("pipeline defaults: %+v", cfg.Annotation)
	}
	if cfg.Report.PositiveMin != 3 || cfg.Report.NegativeMax != -3 || cfg.Report.SubmitBatchSize != 50 {
		t.Errorf("report defaults: %+v", cfg.Report)
	}
	if cfg.Upload.PollInterval != 500*time.Millisecond || cfg.Upload.RetryInterval != 2*time.Second ||
		cfg.Upload.MaxErrors != 8 || cfg.Upload.TransferShare != 3 {
		t.Errorf("upload defaults: %+v", cfg.Upload)
	}
	if len(cfg.Watch.Extensions) != 4 || cfg.Watch.Extensions[0] != ".csv" || cfg.Watch.Extensions[3] != ".xlsx" {
		t.Errorf("watch extensions: got %v", cfg.Watch.Extensions)
	}
}

func TestLoad_sections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
annotation:
  backend: auto
  model: gpt-4o
  step_delay: 250ms
  codebook: ["Pace", "Grading"]
report:
  positive_min: 5
  negative_max: -1
upload:
  poll_interval: 1s
  max_errors: 3
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Annotation.Backend != "auto" || cfg.Annotation.StepDelay != 250*time.Millisecond || len(cfg.Annotation.Codebook) != 2 {
		t.Errorf("annotation: %+v", cfg.Annotation)
	}
	if th := cfg.Report.Thresholds(); th.PositiveMin != 5 || th.NegativeMax != -1 {
		t.Errorf("thresholds: %+v", th)
	}
	tc := cfg.Upload.TrackerConfig()
	if tc.PollInterval != time.Second || tc.MaxErrors != 3 || tc.RetryInterval != 2*time.Second {
		t.Errorf("tracker config: %+v", tc)
	}
}

func TestLoad_invalidThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "report:\n  positive_min: -2\n  negative_max: 2\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for negative_max above positive_min")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := LoadEnv(cfgPath); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}

	t.Setenv("SENSOR_TEST_KEY", "")
	os.Unsetenv("SENSOR_TEST_KEY")
	t.Setenv("SENSOR_TEST_KEPT", "from-env")
	env := "SENSOR_TEST_KEY=sk-from-file\nSENSOR_TEST_KEPT=from-file\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnv(cfgPath); err != nil {
		t.Fatal(err)
	}
	a := AnnotationConfig{APIKeyEnv: "SENSOR_TEST_KEY"}
	if a.APIKey() != "sk-from-file" {
		t.Errorf("APIKey = %q", a.APIKey())
	}
	if os.Getenv("SENSOR_TEST_KEPT") != "from-env" {
		t.Error(".env must not override variables already set")
	}
}

func TestServerConfig_URL(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 9000}
	if s.Addr() != "127.0.0.1:9000" || s.URL() != "http://127.0.0.1:9000" {
		t.Errorf("addr %s url %s", s.Addr(), s.URL())
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/docs"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		w := &WatchConfig{}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("true_returns_true", func(t *testing.T) {
		v := true
		w := &WatchConfig{Recursive: &v}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		w := &WatchConfig{Recursive: &f}
		if got := w.RecursiveOrDefault(); got {
			t.Errorf("RecursiveOrDefault() = %v, want false", got)
		}
	})
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
		Upload:  UploadConfig{PollInterval: 750 * time.Millisecond},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if loaded.Upload.PollInterval != 750*time.Millisecond {
		t.Errorf("durations should round-trip, got %v", loaded.Upload.PollInterval)
	}
}
