package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/batch"
	"github.com/hyperjump/sensor/internal/cli"
	"github.com/hyperjump/sensor/internal/client"
	"github.com/hyperjump/sensor/internal/config"
	"github.com/hyperjump/sensor/internal/fileid"
	"github.com/hyperjump/sensor/internal/filter"
	"github.com/hyperjump/sensor/internal/jobs"
	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/pipeline"
	"github.com/hyperjump/sensor/internal/report"
	"github.com/hyperjump/sensor/internal/upload"
	"github.com/hyperjump/sensor/pkg/utils"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

// reorderArgs moves any flags (and their values) that appear after the positional
// arguments to the front so that flag.Parse() sees them. Go's flag package stops at
// the first non-flag argument, so "sensor search exams --report r1" would otherwise
// leave --report unparsed.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// filterFlags collects repeated --filter field=value flags.
type filterFlags []filter.Predicate

func (f *filterFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, p := range *f {
		parts = append(parts, string(p.Field)+"="+p.Value)
	}
	return strings.Join(parts, ",")
}

func (f *filterFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(value) == "" {
		return fmt.Errorf("filter %q must be field=value", s)
	}
	field, err := filter.ParseField(strings.TrimSpace(name))
	if err != nil {
		return err
	}
	*f = append(*f, filter.Predicate{Field: field, Value: strings.TrimSpace(value)})
	return nil
}

// metadataFlags are the report fields shared by ingest and upload.
type metadataFlags struct {
	name, professor, course, semester *string
}

func addMetadataFlags(fs *flag.FlagSet) metadataFlags {
	return metadataFlags{
		name:      fs.String("name", "", "report name (default: derived from the file name)"),
		professor: fs.String("professor", "", "professor"),
		course:    fs.String("course", "", "course"),
		semester:  fs.String("semester", "", "semester"),
	}
}

// requestFromFile parses a comment file into an upload request.
func requestFromFile(path string, meta metadataFlags) (models.UploadRequest, error) {
	texts, err := batch.ParseFile(path)
	if err != nil {
		return models.UploadRequest{}, err
	}
	texts = batch.Comments(texts)
	if len(texts) == 0 {
		return models.UploadRequest{}, fmt.Errorf("%s contains no comments", path)
	}
	name := *meta.name
	if name == "" {
		name = fileid.ReportName(path)
	}
	return models.UploadRequest{
		Name:      name,
		Professor: *meta.professor,
		Course:    *meta.course,
		Semester:  *meta.semester,
		Comments:  texts,
	}, nil
}

// localTransport serves the upload tracker from an in-process job manager.
type localTransport struct {
	jobs *jobs.Manager
}

func (l localTransport) Upload(ctx context.Context, req models.UploadRequest, progress func(sent, total int64)) (models.UploadResponse, error) {
	n := int64(len(req.Comments))
	if progress != nil {
		progress(n, n)
	}
	return l.jobs.Submit(ctx, req)
}

func (l localTransport) UploadStatus(ctx context.Context, jobID string) (models.UploadSnapshot, error) {
	return l.jobs.Status(ctx, jobID)
}

// progressLine renders one tracker status for a terminal status line.
func progressLine(st upload.Status) string {
	line := cli.ProgressBar(st.Displayed, 30)
	if st.Message != "" {
		line += " " + st.Message
	}
	if eta := cli.FormatETA(st.ETASeconds); eta != "" {
		line += " (" + eta + ")"
	}
	return line
}

// trackUpload runs the tracker and draws its progress on w.
func trackUpload(ctx context.Context, cfg upload.Config, logger *zap.Logger, up upload.Uploader, src upload.StatusSource, req models.UploadRequest, w io.Writer) (upload.Status, error) {
	last := ""
	t := upload.New(cfg,
		upload.WithLogger(logger),
		upload.WithUpdateHook(func(st upload.Status) {
			if line := progressLine(st); line != last {
				fmt.Fprintf(w, "\r\033[K%s", line)
				last = line
			}
		}),
	)
	st, err := t.Run(ctx, up, src, req)
	fmt.Fprintln(w)
	return st, err
}

func printUploadResult(st upload.Status, err error) {
	if err != nil {
		if errors.Is(err, upload.ErrCanceled) {
			fatalf("Upload canceled")
		}
		fatalf("Upload failed: %v (trace %s)", err, st.TraceID)
	}
	fmt.Printf("Report: %s\n", st.ReportID)
	if st.Message != "" {
		fmt.Println(st.Message)
	}
}

func runIngest(args []string) {
	fs := newFlagSet("ingest")
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	meta := addMetadataFlags(fs)
	_ = fs.Parse(reorderArgs(args))
	if fs.NArg() < 1 {
		fatalf("Usage: sensor ingest [flags] <file>")
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewCLILogger(cfg.Debug || *debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	req, err := requestFromFile(fs.Arg(0), meta)
	if err != nil {
		fatalf("Failed to read %s: %v", fs.Arg(0), err)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	defer components.Close()

	ctx, stop := signalContext()
	defer stop()
	local := localTransport{jobs: components.Jobs}
	printUploadResult(trackUpload(ctx, cfg.Upload.TrackerConfig(), logger, local, local, req, os.Stderr))
}

func runUpload(args []string) {
	configPath := configPathFromArgs(args, defaultConfigPath)
	fs := newFlagSet("upload")
	_ = fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", serverURLFromConfig(configPath), "server URL")
	debug := fs.Bool("debug", false, "enable debug logging")
	meta := addMetadataFlags(fs)
	_ = fs.Parse(reorderArgs(args))
	if fs.NArg() < 1 || *serverURL == "" {
		fatalf("Usage: sensor upload [--server URL] [flags] <file>")
	}

	trackerCfg := upload.DefaultConfig()
	if cfg, _, err := loadConfig(configPath); err == nil {
		trackerCfg = cfg.Upload.TrackerConfig()
	}
	logger, err := utils.NewCLILogger(*debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	req, err := requestFromFile(fs.Arg(0), meta)
	if err != nil {
		fatalf("Failed to read %s: %v", fs.Arg(0), err)
	}
	ctx, stop := signalContext()
	defer stop()
	c := client.New(*serverURL, client.WithLogger(logger))
	printUploadResult(trackUpload(ctx, trackerCfg, logger, c, c, req, os.Stderr))
}

// sessionEnv is a report backend with its annotator, local or remote.
type sessionEnv struct {
	backend   report.Backend
	annotator pipeline.Annotator
	cfg       *config.Config
	logger    *zap.Logger
	close     func()
}

// openSessionEnv loads config and connects to serverURL, or opens the local
// database when serverURL is empty.
func openSessionEnv(configPath, serverURL string, debug bool) *sessionEnv {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		if serverURL == "" {
			fatalf("Failed to load config: %v", err)
		}
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}
	logger, err := utils.NewCLILogger(cfg.Debug || debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	if serverURL != "" {
		c := client.New(serverURL, client.WithLogger(logger))
		return &sessionEnv{backend: c, annotator: c, cfg: cfg, logger: logger, close: func() { _ = logger.Sync() }}
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	return &sessionEnv{
		backend:   components.Storage,
		annotator: components.Annotator,
		cfg:       cfg,
		logger:    logger,
		close: func() {
			components.Close()
			_ = logger.Sync()
		},
	}
}

func (e *sessionEnv) load(ctx context.Context, reportID string) *report.Session {
	s := report.NewSession(reportID, e.backend,
		report.WithLogger(e.logger),
		report.WithBatchSize(e.cfg.Report.SubmitBatchSize))
	if err := s.Load(ctx); err != nil {
		fatalf("Failed to load report: %v", err)
	}
	return s
}

func runAnnotate(args []string) {
	configPath := configPathFromArgs(args, defaultConfigPath)
	fs := newFlagSet("annotate")
	_ = fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", serverURLFromConfig(configPath), "server URL (empty = local database)")
	reportID := fs.String("report", "", "report id")
	reannotate := fs.String("reannotate", "", "clear and re-annotate one comment")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(reorderArgs(args))
	if *reportID == "" {
		fatalf("Usage: sensor annotate --report <id> [flags]")
	}

	env := openSessionEnv(configPath, *serverURL, *debug)
	defer env.close()
	ctx, stop := signalContext()
	defer stop()
	s := env.load(ctx, *reportID)

	failed := 0
	p := pipeline.New(s, env.annotator,
		pipeline.WithLogger(env.logger),
		pipeline.WithStepDelay(env.cfg.Annotation.StepDelay),
		pipeline.WithMaxAttempts(env.cfg.Annotation.MaxAttempts),
		pipeline.WithProgress(func(pr pipeline.Progress) {
			if pr.State == pipeline.Running {
				fmt.Fprintf(os.Stderr, "\r\033[K%s %d left", cli.ProgressBar(pr.Fraction*100, 30), pr.Remaining)
			}
		}),
		pipeline.WithFailureHook(func(id string, err error) { failed++ }),
	)

	if *reannotate != "" {
		if err := p.Reannotate(ctx, *reannotate); err != nil {
			fatalf("Re-annotate failed: %v", err)
		}
		p.Wait()
	} else if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr)
		fatalf("Annotation stopped: %v", err)
	}
	fmt.Fprintln(os.Stderr)

	v := s.View()
	fmt.Printf("Annotated %d of %d comments", v.Total-v.Unannotated, v.Total)
	if failed > 0 {
		fmt.Printf(", %d failed calls", failed)
	}
	fmt.Println()
	if err := s.RefreshThemeSummary(ctx); err != nil {
		utils.WithTrace(env.logger, ctx).Warn("theme summary refresh failed", zap.Error(err))
	}
	if err := cli.WriteSummary(os.Stdout, *reportID, s.View(), cli.OutputText); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runExport(args []string) {
	configPath := configPathFromArgs(args, defaultConfigPath)
	fs := newFlagSet("export")
	_ = fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", serverURLFromConfig(configPath), "server URL (empty = local database)")
	reportID := fs.String("report", "", "report id")
	outputFormat := fs.String("output", "csv", "output format: csv, text, compact or json")
	summary := fs.Bool("summary", false, "print counts and themes instead of comments")
	outPath := fs.String("o", "", "write to file instead of stdout")
	var filters filterFlags
	fs.Var(&filters, "filter", "field=value filter (repeatable)")
	_ = fs.Parse(reorderArgs(args))
	if *reportID == "" {
		fatalf("Usage: sensor export --report <id> [flags]")
	}

	env := openSessionEnv(configPath, *serverURL, false)
	defer env.close()
	ctx := context.Background()
	s := env.load(ctx, *reportID)
	for _, f := range filters {
		s.Activate(f.Field, f.Value)
	}

	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fatalf("Failed to create %s: %v", *outPath, err)
		}
		defer f.Close()
		w = f
	}
	if err := writeExport(w, s, *reportID, *outputFormat, *summary); err != nil {
		fatalf("Export failed: %v", err)
	}
}

func writeExport(w io.Writer, s *report.Session, name, format string, summary bool) error {
	if format == "csv" && !summary {
		return s.ExportCSV(w)
	}
	if format == "csv" {
		format = "text"
	}
	f, err := cli.ParseFormat(format)
	if err != nil {
		return err
	}
	if summary {
		return cli.WriteSummary(w, name, s.View(), f)
	}
	return cli.WriteComments(w, s.View().Visible, f)
}

func runSearch(args []string) {
	args = reorderArgs(args)
	configPath := configPathFromArgs(args, defaultConfigPath)
	fs := newFlagSet("search")
	_ = fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", serverURLFromConfig(configPath), "server URL")
	reportID := fs.String("report", "", "report id")
	limit := fs.Int("limit", 20, "number of results")
	fuzzy := fs.Bool("fuzzy", false, "enable fuzzy matching for typo tolerance")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	_ = fs.Parse(args)

	query := buildSearchQuery(fs.Args())
	if query == "" || *reportID == "" {
		fatalf("Usage: sensor search --report <id> [flags] <query>")
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}

	ctx := context.Background()
	c := client.New(*serverURL)
	response, err := c.Search(ctx, *reportID, query, *limit, *fuzzy)
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	// Retry with fuzzy matching when an exact search finds nothing.
	if !*fuzzy && len(response.Results) == 0 {
		if fuzzyResponse, err := c.Search(ctx, *reportID, query, *limit, true); err == nil && len(fuzzyResponse.Results) > 0 {
			response = fuzzyResponse
		}
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runReports(args []string) {
	configPath := configPathFromArgs(args, defaultConfigPath)
	fs := newFlagSet("reports")
	_ = fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", serverURLFromConfig(configPath), "server URL")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	_ = fs.Parse(args)
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}

	list, err := client.New(*serverURL).ListReports(context.Background())
	if err != nil {
		fatalf("List reports failed: %v", err)
	}
	if format == cli.OutputJSON {
		if err := cli.WriteJSON(os.Stdout, list); err != nil {
			fatalf("Output failed: %v", err)
		}
		return
	}
	for _, r := range list {
		fmt.Printf("%s\t%d comments\t%s\n", r.ID, r.CommentCount, r.Name)
	}
}

func runStatus(args []string) {
	configPath := configPathFromArgs(args, defaultConfigPath)
	fs := newFlagSet("status")
	_ = fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", serverURLFromConfig(configPath), "server URL (empty = local database)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)

	var status map[string]any
	if *serverURL != "" {
		res, err := client.New(*serverURL).Status(context.Background())
		if err != nil {
			fatalf("Status failed: %v", err)
		}
		status = res
	} else {
		res, err := localStatus(configPath)
		if err != nil {
			fatalf("Status failed: %v", err)
		}
		status = res
	}

	switch *outputFormat {
	case "json":
		if err := cli.WriteJSON(os.Stdout, status); err != nil {
			fatalf("Output failed: %v", err)
		}
	case "text":
		for _, key := range []string{"reports", "comments", "annotated", "unannotated", "indexed", "disk_usage_bytes"} {
			if v, ok := status[key]; ok {
				fmt.Printf("%-18s %v\n", key+":", v)
			}
		}
	default:
		fatalf("Unknown output format %q; use text or json", *outputFormat)
	}
}

func localStatus(configPath string) (map[string]any, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	components, err := initializeComponents(cfg, zap.NewNop())
	if err != nil {
		return nil, err
	}
	defer components.Close()
	ctx := context.Background()
	reports, err := components.Storage.CountReports(ctx)
	if err != nil {
		return nil, err
	}
	comments, err := components.Storage.CountComments(ctx)
	if err != nil {
		return nil, err
	}
	annotated, err := components.Storage.CountAnnotated(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"reports":     reports,
		"comments":    comments,
		"annotated":   annotated,
		"unannotated": comments - annotated,
	}
	if n, err := components.Index.DocCount(); err == nil {
		out["indexed"] = n
	}
	if n, err := components.Storage.DiskUsage(cfg.Storage.SearchIndexPath); err == nil {
		out["disk_usage_bytes"] = n
	}
	return out, nil
}

func runWatch(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: sensor watch <add|remove|list> [path]")
		fmt.Println("  sensor watch add <path>     Add inbox directory")
		fmt.Println("  sensor watch remove <path>  Remove inbox directory")
		fmt.Println("  sensor watch list           List inbox directories")
		os.Exit(1)
	}
	sub := args[0]
	configPath := configPathFromArgs(args[1:], defaultConfigPath)
	fs := newFlagSet("watch")
	_ = fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", serverURLFromConfig(configPath), "server URL")
	noSync := fs.Bool("no-sync", false, "do not import files already in the directory")
	_ = fs.Parse(reorderArgs(args[1:]))
	c := client.New(*serverURL)
	ctx := context.Background()

	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fatalf("Usage: sensor watch add <path>")
		}
		path, _ := filepath.Abs(fs.Arg(0))
		if err := c.AddWatchDirectory(ctx, path, !*noSync); err != nil {
			fatalf("Add failed: %v", err)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fatalf("Usage: sensor watch remove <path>")
		}
		path, _ := filepath.Abs(fs.Arg(0))
		if err := c.RemoveWatchDirectory(ctx, path); err != nil {
			fatalf("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		dirs, err := c.WatchDirectories(ctx)
		if err != nil {
			fatalf("List failed: %v", err)
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
	default:
		fatalf("Unknown watch subcommand: %s", sub)
	}
}
