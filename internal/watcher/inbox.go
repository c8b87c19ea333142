package watcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/batch"
	"github.com/hyperjump/sensor/internal/fileid"
	"github.com/hyperjump/sensor/internal/models"
)

// Submitter starts a bulk ingestion.
type Submitter interface {
	Submit(ctx context.Context, req models.UploadRequest) (models.UploadResponse, error)
}

// ReportRemover deletes a report and its comments.
type ReportRemover interface {
	DeleteReport(ctx context.Context, id string) error
}

// Inbox turns inbox files into reports. Each file is parsed with the batch parser and
// submitted as one upload named after the file.
type Inbox struct {
	ctx     context.Context
	jobs    Submitter
	remover ReportRemover
	logger  *zap.Logger

	mu      sync.Mutex
	reports map[string]string // fileid.SourceID(path) -> report id
	// refs counts the inbox files sharing each report the inbox created. Reports
	// answered as cached from elsewhere are never in refs and are never deleted.
	refs map[string]int
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithInboxLogger sets a logger.
func WithInboxLogger(l *zap.Logger) InboxOption {
	return func(i *Inbox) { i.logger = l }
}

// WithRemover makes the inbox delete a file's report when the file is removed or
// replaced by different content.
func WithRemover(r ReportRemover) InboxOption {
	return func(i *Inbox) { i.remover = r }
}

// NewInbox creates an inbox submitting to jobs. ctx bounds every submission.
func NewInbox(ctx context.Context, jobs Submitter, opts ...InboxOption) *Inbox {
	i := &Inbox{
		ctx:     ctx,
		jobs:    jobs,
		reports: make(map[string]string),
		refs:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// FileArrived implements Handler.
func (i *Inbox) FileArrived(path string) {
	texts, err := batch.ParseFile(path)
	if err != nil {
		i.warn("failed to parse inbox file", path, err)
		return
	}
	texts = batch.Comments(texts)
	if len(texts) == 0 {
		if i.logger != nil {
			i.logger.Info("inbox file has no comments", zap.String("path", path))
		}
		return
	}
	resp, err := i.jobs.Submit(i.ctx, models.UploadRequest{Name: fileid.ReportName(path), Comments: texts})
	if err != nil {
		i.warn("failed to submit inbox file", path, err)
		return
	}
	if i.logger != nil {
		i.logger.Info("inbox file submitted",
			zap.String("path", path),
			zap.String("report_id", resp.ReportID),
			zap.String("job_id", resp.JobID),
			zap.Bool("cached", resp.Cached),
			zap.Int("comments", len(texts)))
	}

	key := fileid.SourceID(path)
	i.mu.Lock()
	previous, had := i.reports[key]
	if had && previous == resp.ReportID {
		i.mu.Unlock()
		return
	}
	if !resp.Cached || i.refs[resp.ReportID] > 0 {
		i.refs[resp.ReportID]++
	}
	i.reports[key] = resp.ReportID
	drop := had && i.release(previous)
	i.mu.Unlock()
	if drop {
		i.remove(path, previous)
	}
}

// FileRemoved implements Handler.
func (i *Inbox) FileRemoved(path string) {
	key := fileid.SourceID(path)
	i.mu.Lock()
	reportID, ok := i.reports[key]
	delete(i.reports, key)
	drop := ok && i.release(reportID)
	i.mu.Unlock()
	if drop {
		i.remove(path, reportID)
	}
}

// release drops one file's reference to reportID and reports whether it was the
// last one. Callers hold i.mu.
func (i *Inbox) release(reportID string) bool {
	n, ok := i.refs[reportID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(i.refs, reportID)
		return true
	}
	i.refs[reportID] = n - 1
	return false
}

// ReportFor returns the report created from path, if any.
func (i *Inbox) ReportFor(path string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.reports[fileid.SourceID(path)]
	return id, ok
}

func (i *Inbox) remove(path, reportID string) {
	if i.remover == nil {
		return
	}
	if err := i.remover.DeleteReport(i.ctx, reportID); err != nil {
		i.warn("failed to delete report for inbox file", path, err)
		return
	}
	if i.logger != nil {
		i.logger.Info("inbox report deleted", zap.String("path", path), zap.String("report_id", reportID))
	}
}

func (i *Inbox) warn(msg, path string, err error) {
	if i.logger != nil {
		i.logger.Warn(msg, zap.String("path", path), zap.Error(err))
	}
}
