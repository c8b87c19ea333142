// Package main is the sensor CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/annotator"
	"github.com/hyperjump/sensor/internal/config"
	"github.com/hyperjump/sensor/internal/jobs"
	"github.com/hyperjump/sensor/internal/keyword"
	"github.com/hyperjump/sensor/internal/server"
	"github.com/hyperjump/sensor/internal/storage"
	"github.com/hyperjump/sensor/internal/watcher"
	"github.com/hyperjump/sensor/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/sensor/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// The .env file next to the loaded config is applied to the environment first.
// Returns the config and the path that was actually loaded (for saving, etc.).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				path = fallback
			}
		}
	}
	if err := config.LoadEnv(path); err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// configPathFromArgs returns the value of -config/--config from args if present, else defaultPath.
func configPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(a, "-config="); ok {
			return v
		}
	}
	return defaultPath
}

// serverURLFromConfig returns the server URL from the config at path, or the
// built-in default when it cannot be loaded.
func serverURLFromConfig(path string) string {
	cfg, _, err := loadConfig(path)
	if err != nil || cfg == nil {
		return defaultServerURL
	}
	return cfg.Server.URL()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "server":
		runServer(args)
	case "ingest":
		runIngest(args)
	case "upload":
		runUpload(args)
	case "annotate":
		runAnnotate(args)
	case "export":
		runExport(args)
	case "search":
		runSearch(args)
	case "reports":
		runReports(args)
	case "status":
		runStatus(args)
	case "watch":
		runWatch(args)
	case "version", "--version", "-v":
		fmt.Printf("sensor version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// fatalf prints to stderr and exits.
func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

// signalContext is canceled on interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Components holds initialized local services.
type Components struct {
	Storage   *storage.SQLiteStorage
	Index     *keyword.BleveIndex
	Annotator annotator.Annotator
	Jobs      *jobs.Manager
}

// Close releases every component. Jobs are stopped before storage is closed.
func (c *Components) Close() {
	if c.Jobs != nil {
		_ = c.Jobs.Close()
	}
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	idx, err := keyword.NewBleveIndex(cfg.Storage.SearchIndexPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize search index: %w", err)
	}
	backend, err := annotator.New(annotator.Settings{
		Backend:   cfg.Annotation.Backend,
		Model:     cfg.Annotation.Model,
		APIKey:    cfg.Annotation.APIKey(),
		CacheSize: cfg.Annotation.CacheSize,
		Codebook:  cfg.Annotation.Codebook,
		Logger:    logger,
	})
	if err != nil {
		_ = idx.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize annotator: %w", err)
	}
	logger.Info("annotator initialized", zap.String("backend", cfg.Annotation.Backend), zap.String("model", cfg.Annotation.Model))

	ann := annotator.NewPersisting(backend, store, idx, logger)
	mgr := jobs.NewManager(store,
		jobs.WithLogger(logger),
		jobs.WithAnnotator(ann),
		jobs.WithIndex(idx),
		jobs.WithBatchSize(cfg.Report.SubmitBatchSize),
		jobs.WithThresholds(cfg.Report.Thresholds()),
	)
	return &Components{Storage: store, Index: idx, Annotator: ann, Jobs: mgr}, nil
}

// reportRemover deletes a report from storage and the search index.
type reportRemover struct {
	store *storage.SQLiteStorage
	index *keyword.BleveIndex
}

func (r reportRemover) DeleteReport(ctx context.Context, id string) error {
	if err := r.store.DeleteReport(ctx, id); err != nil {
		return err
	}
	return r.index.DeleteReport(ctx, id)
}

func runServer(args []string) {
	fs := newFlagSet("server")
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (inbox events, ingestion, requests)")
	_ = fs.Parse(args)

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	inbox := watcher.NewInbox(watchCtx, components.Jobs,
		watcher.WithInboxLogger(logger),
		watcher.WithRemover(reportRemover{store: components.Storage, index: components.Index}),
	)
	watchOpts := []watcher.Option{}
	if debugMode {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	watchSvc := watcher.New(cfg.Watch.Directories, cfg.Watch.Extensions, cfg.Watch.RecursiveOrDefault(), inbox, watchOpts...)
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Storage,
		components.Jobs,
		&cfg.Server,
		logger,
		server.WithIndex(components.Index),
		server.WithAnnotator(components.Annotator),
		server.WithWatch(watchSvc, resolvedConfigPath, cfg),
		server.WithDiskPaths(cfg.Storage.SearchIndexPath),
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	ctx, stop := signalContext()
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down...")
	watchCancel()
	watchSvc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
}

func printUsage() {
	fmt.Println(`sensor - Course feedback comment analysis

Usage:
  sensor server [flags]                     Start the HTTP server and inbox watcher
  sensor ingest [flags] <file>              Import a comment file into the local database
  sensor upload [flags] <file>              Upload a comment file to a running server
  sensor annotate [flags] --report <id>     Annotate a report's unannotated comments
  sensor export [flags] --report <id>       Export a report's comments (CSV, text or JSON)
  sensor search [flags] --report <id> <q>   Full-text search within a report
  sensor reports [flags]                    List reports
  sensor status [flags]                     Show storage and index status
  sensor watch <add|remove|list>            Manage inbox directories
  sensor version                            Show version
  sensor help                               Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/sensor/config.yaml, or ./config.yaml)
  --server string    Server URL (default from config). Use --server "" to work on the local database.
  --output string    Output format: text, compact or json (export also accepts csv)

Ingest/Upload Flags:
  --name, --professor, --course, --semester   Report metadata (name defaults to the file name)

Annotate Flags:
  --report string    Report id
  --reannotate id    Clear and re-annotate one comment instead of the backlog

Export Flags:
  --report string    Report id
  --filter f=v       Keep comments matching field=value (repeatable; fields: sentiment_text,
                     civility_text, themes_array, aims_array, subject_array, categories)
  --summary          Print counts and themes instead of comments

Search Flags:
  --report string    Report id
  --limit int        Number of results (default: 20)
  --fuzzy            Enable typo-tolerant matching (retried automatically when nothing matches)

Examples:
  sensor server
  sensor ingest --name "CS101 Fall" comments.xlsx
  sensor upload comments.csv
  sensor annotate --report 6f1c...
  sensor export --report 6f1c... --filter sentiment_text=Negative > negative.csv
  sensor export --report 6f1c... --summary
  sensor search --report 6f1c... exam workload
  sensor watch add ~/feedback-inbox`)
}
