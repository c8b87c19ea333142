// Package jobs runs bulk comment ingestion in the background and reports per-job
// progress snapshots for status polling.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/batch"
	"github.com/hyperjump/sensor/internal/fileid"
	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/storage"
	"github.com/hyperjump/sensor/internal/trace"
)

var (
	// ErrJobNotFound is returned for unknown or pruned job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrEmptyUpload is returned when an upload has no non-blank comments.
	ErrEmptyUpload = errors.New("upload contains no comments")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("job manager closed")
)

// DefaultRetention is how long finished jobs stay queryable.
const DefaultRetention = 10 * time.Minute

// Store is the persistence the ingestion worker writes through.
type Store interface {
	CreateReport(ctx context.Context, r *models.Report) error
	FindReportByHash(ctx context.Context, hash string) (*models.Report, error)
	CreateComments(ctx context.Context, reportID string, texts []string) ([]*models.Comment, error)
	UpdateAnnotation(ctx context.Context, id string, patch models.CommentPatch) (*models.Comment, error)
	ThemeSummary(ctx context.Context, reportID string) ([]models.ThemeCount, error)
	DeleteReport(ctx context.Context, id string) error
}

// Annotator produces the annotation of one comment.
type Annotator interface {
	Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error)
}

// Indexer makes ingested comments searchable.
type Indexer interface {
	IndexBatch(ctx context.Context, list []*models.Comment) error
	DeleteReport(ctx context.Context, reportID string) error
}

type job struct {
	hash     string
	snapshot models.UploadSnapshot
	finished time.Time
	done     chan struct{}
}

// Manager owns the registry of ingestion jobs.
type Manager struct {
	store      Store
	annotator  Annotator
	index      Indexer
	logger     *zap.Logger
	batchSize  int
	retention  time.Duration
	thresholds annotation.Thresholds
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// submitMu serializes the lookup and creation of reports in Submit.
	submitMu sync.Mutex

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a logger for job lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithAnnotator annotates each comment during the generating_tags stage.
// Without one the stage is skipped and comments are left for the pipeline.
func WithAnnotator(a Annotator) Option {
	return func(m *Manager) { m.annotator = a }
}

// WithIndex indexes ingested comments during the placing_tags stage.
func WithIndex(idx Indexer) Option {
	return func(m *Manager) { m.index = idx }
}

// WithBatchSize sets how many comments are saved per storage call.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithRetention sets how long finished jobs remain queryable.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithThresholds sets the sentiment thresholds given to new reports.
func WithThresholds(t annotation.Thresholds) Option {
	return func(m *Manager) { m.thresholds = t }
}

// NewManager creates a job manager writing to store.
func NewManager(store Store, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     store,
		batchSize: batch.DefaultBatchSize,
		retention: DefaultRetention,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit registers an upload. Identical content already ingested is answered from
// the existing report with Cached set and no job; while that content is still being
// ingested the response names the running job instead. Otherwise the report is created
// now and its comments are ingested in the background.
func (m *Manager) Submit(ctx context.Context, req models.UploadRequest) (models.UploadResponse, error) {
	ctx, traceID := trace.Ensure(ctx)
	texts := batch.Comments(req.Comments)
	if len(texts) == 0 {
		return models.UploadResponse{}, ErrEmptyUpload
	}
	hash := fileid.ContentHash(texts)

	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	existing, err := m.store.FindReportByHash(ctx, hash)
	switch {
	case err == nil:
		if jobID, ok := m.activeJob(hash); ok {
			if m.logger != nil {
				m.logger.Info("upload already ingesting", zap.String("job_id", jobID), zap.String("report_id", existing.ID), zap.String("trace_id", traceID))
			}
			return models.UploadResponse{JobID: jobID, ReportID: existing.ID, TraceID: traceID}, nil
		}
		if m.logger != nil {
			m.logger.Info("upload already ingested", zap.String("report_id", existing.ID), zap.String("trace_id", traceID))
		}
		return models.UploadResponse{ReportID: existing.ID, Cached: true, TraceID: traceID}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return models.UploadResponse{}, fmt.Errorf("failed to look up upload: %w", err)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return models.UploadResponse{}, ErrClosed
	}

	name := req.Name
	if name == "" {
		name = "Untitled report"
	}
	rep := &models.Report{
		ID:          req.ReportID,
		Name:        name,
		Professor:   req.Professor,
		Course:      req.Course,
		Semester:    req.Semester,
		ContentHash: hash,
		PositiveMin: m.thresholds.PositiveMin,
		NegativeMax: m.thresholds.NegativeMax,
	}
	if err := m.store.CreateReport(ctx, rep); err != nil {
		return models.UploadResponse{}, fmt.Errorf("failed to create report: %w", err)
	}

	j := &job{
		hash: hash,
		snapshot: models.UploadSnapshot{
			JobID:    uuid.NewString(),
			ReportID: rep.ID,
			Stage:    models.StageQueued,
			Message:  "Queued",
			TraceID:  traceID,
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.store.DeleteReport(context.WithoutCancel(ctx), rep.ID)
		return models.UploadResponse{}, ErrClosed
	}
	m.pruneLocked()
	m.jobs[j.snapshot.JobID] = j
	m.wg.Add(1)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("upload accepted",
			zap.String("job_id", j.snapshot.JobID),
			zap.String("report_id", rep.ID),
			zap.Int("comments", len(texts)),
			zap.String("trace_id", traceID))
	}
	go m.run(trace.WithID(m.ctx, traceID), j, rep.ID, texts)

	return models.UploadResponse{JobID: j.snapshot.JobID, ReportID: rep.ID, TraceID: traceID}, nil
}

// Status returns the latest snapshot of a job.
func (m *Manager) Status(_ context.Context, jobID string) (models.UploadSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return models.UploadSnapshot{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return copySnapshot(j.snapshot), nil
}

// Wait blocks until the job finishes or ctx is done and returns its last snapshot.
func (m *Manager) Wait(ctx context.Context, jobID string) (models.UploadSnapshot, error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return models.UploadSnapshot{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return models.UploadSnapshot{}, ctx.Err()
	}
	return m.Status(ctx, jobID)
}

// Running returns the number of jobs that have not finished.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.finished.IsZero() {
			n++
		}
	}
	return n
}

// Close cancels running jobs and waits for their workers to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

// activeJob returns the unfinished job ingesting content with the given hash.
func (m *Manager) activeJob(hash string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		if j.hash == hash && j.finished.IsZero() {
			return id, true
		}
	}
	return "", false
}

func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.retention)
	for id, j := range m.jobs {
		if !j.finished.IsZero() && j.finished.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

func (m *Manager) update(j *job, fn func(s *models.UploadSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&j.snapshot)
}

func copySnapshot(s models.UploadSnapshot) models.UploadSnapshot {
	if s.ETASeconds != nil {
		eta := *s.ETASeconds
		s.ETASeconds = &eta
	}
	return s
}
