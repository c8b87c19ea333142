// Package report ties one report's comment store, filter engine and thresholds to
// the storage collaborator, and publishes a consistent view after every change.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/batch"
	"github.com/hyperjump/sensor/internal/comments"
	"github.com/hyperjump/sensor/internal/filter"
	"github.com/hyperjump/sensor/internal/models"
)

// Backend is the storage collaborator a session reads from and writes through.
type Backend interface {
	GetReport(ctx context.Context, id string) (*models.Report, error)
	ListComments(ctx context.Context, reportID string) ([]*models.Comment, error)
	CreateComments(ctx context.Context, reportID string, texts []string) ([]*models.Comment, error)
	DeleteComment(ctx context.Context, id string) error
	ClearAnnotation(ctx context.Context, id string) error
	ThemeSummary(ctx context.Context, reportID string) ([]models.ThemeCount, error)
	UpdateThresholds(ctx context.Context, reportID string, t annotation.Thresholds) error
}

// View is a consistent snapshot of the session: the visible comments and the
// aggregates derived from them under the same filter set.
type View struct {
	Visible     []*models.Comment     `json:"visible"`
	Counts      filter.Counts         `json:"counts"`
	Themes      []models.ThemeCount   `json:"themes"`
	Filters     []filter.Predicate    `json:"filters"`
	Thresholds  annotation.Thresholds `json:"thresholds"`
	Total       int                   `json:"total"`
	Unannotated int                   `json:"unannotated"`
}

// Session owns the in-memory state of one report. All mutations are serialized;
// observers are notified after each one with a fresh View.
type Session struct {
	reportID  string
	backend   Backend
	store     *comments.Store
	engine    *filter.Engine
	batchSize int
	logger    *zap.Logger

	mu        sync.Mutex
	summary   []models.ThemeCount
	observers []func(View)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithBatchSize sets how many comments Submit sends per request.
func WithBatchSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewSession creates an empty session for reportID. Call Load to populate it.
func NewSession(reportID string, backend Backend, opts ...Option) *Session {
	s := &Session{
		reportID:  reportID,
		backend:   backend,
		store:     comments.NewStore(annotation.DefaultThresholds()),
		engine:    filter.NewEngine(),
		batchSize: batch.DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReportID returns the id of the report this session manages.
func (s *Session) ReportID() string {
	return s.reportID
}

// OnChange registers fn to be called with a fresh View after every mutation.
// fn runs while the session is locked and must not call back into the session.
func (s *Session) OnChange(fn func(View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Load fetches the report thresholds, its comments and the theme summary.
// A missing theme summary is not an error; frequencies are then computed locally.
func (s *Session) Load(ctx context.Context) error {
	rep, err := s.backend.GetReport(ctx, s.reportID)
	if err != nil {
		return fmt.Errorf("failed to load report %s: %w", s.reportID, err)
	}
	list, err := s.backend.ListComments(ctx, s.reportID)
	if err != nil {
		return fmt.Errorf("failed to load comments for %s: %w", s.reportID, err)
	}
	summary, err := s.backend.ThemeSummary(ctx, s.reportID)
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("theme summary unavailable", zap.String("report_id", s.reportID), zap.Error(err))
		}
		summary = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := rep.Thresholds()
	if t.Validate() != nil {
		t = annotation.DefaultThresholds()
	}
	if err := s.store.SetThresholds(t); err != nil {
		return err
	}
	if err := s.store.Reset(list); err != nil {
		return err
	}
	s.summary = summary
	s.notifyLocked()
	return nil
}

// Submit creates comments from texts in fixed-size batches. Each batch is added to
// the session as soon as it is created, so a failing batch keeps the earlier ones.
// It returns the comments created before any error.
func (s *Session) Submit(ctx context.Context, texts []string) ([]*models.Comment, error) {
	var created []*models.Comment
	for i, chunk := range batch.Chunk(texts, s.batchSize) {
		list, err := s.backend.CreateComments(ctx, s.reportID, chunk)
		if err != nil {
			return created, fmt.Errorf("failed to submit batch %d: %w", i+1, err)
		}
		if err := s.insert(list); err != nil {
			return created, err
		}
		created = append(created, list...)
		if s.logger != nil {
			s.logger.Debug("batch submitted", zap.String("report_id", s.reportID), zap.Int("batch", i+1), zap.Int("count", len(list)))
		}
	}
	return created, nil
}

func (s *Session) insert(list []*models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notifyLocked()

	for _, c := range list {
		if err := s.store.Insert(c); err != nil {
			return err
		}
	}
	if len(list) > 0 {
		s.summary = nil
	}
	return nil
}

// Delete removes a comment from storage and from the session.
func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.backend.DeleteComment(ctx, id); err != nil {
		return fmt.Errorf("failed to delete comment %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(id); err != nil && !errors.Is(err, comments.ErrNotFound) {
		return err
	}
	s.summary = nil
	s.notifyLocked()
	return nil
}

// ClearAnnotation drops a comment's annotation in storage and in the session so it
// rejoins the backlog.
func (s *Session) ClearAnnotation(ctx context.Context, id string) error {
	if err := s.backend.ClearAnnotation(ctx, id); err != nil {
		return fmt.Errorf("failed to clear comment %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ClearAnnotation(id); err != nil {
		return err
	}
	s.summary = nil
	s.notifyLocked()
	return nil
}

// SetThresholds persists new sentiment thresholds and relabels every comment.
func (s *Session) SetThresholds(ctx context.Context, t annotation.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := s.backend.UpdateThresholds(ctx, s.reportID, t); err != nil {
		return fmt.Errorf("failed to save thresholds: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetThresholds(t); err != nil {
		return err
	}
	s.notifyLocked()
	return nil
}

// Thresholds returns the current sentiment thresholds.
func (s *Session) Thresholds() annotation.Thresholds {
	return s.store.Thresholds()
}

// RefreshThemeSummary refetches the whole-report theme summary.
func (s *Session) RefreshThemeSummary(ctx context.Context) error {
	summary, err := s.backend.ThemeSummary(ctx, s.reportID)
	if err != nil {
		return fmt.Errorf("failed to fetch theme summary: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
	s.notifyLocked()
	return nil
}

// Activate toggles a filter predicate. It returns whether the pair is active afterwards.
func (s *Session) Activate(field filter.Field, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.engine.Activate(field, value)
	s.notifyLocked()
	return active
}

// Deactivate removes a filter predicate if present.
func (s *Session) Deactivate(field filter.Field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Deactivate(field, value)
	s.notifyLocked()
}

// DeactivateAll clears every filter predicate.
func (s *Session) DeactivateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.DeactivateAll()
	s.notifyLocked()
}

// View returns a consistent snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Comments returns every comment regardless of filters.
func (s *Session) Comments() []*models.Comment {
	return s.store.All()
}

// Comment returns one comment by id.
func (s *Session) Comment(id string) (*models.Comment, bool) {
	return s.store.Get(id)
}

func (s *Session) viewLocked() View {
	all := s.store.All()
	preds := s.engine.Active()
	visible := filter.Visible(all, preds)
	unannotated := 0
	for _, c := range all {
		if !c.Annotated() {
			unannotated++
		}
	}
	return View{
		Visible:     visible,
		Counts:      filter.SentimentCounts(visible),
		Themes:      filter.Themes(visible, s.summary, len(preds) > 0),
		Filters:     preds,
		Thresholds:  s.store.Thresholds(),
		Total:       len(all),
		Unannotated: unannotated,
	}
}

func (s *Session) notifyLocked() {
	if len(s.observers) == 0 {
		return
	}
	v := s.viewLocked()
	for _, fn := range s.observers {
		fn(v)
	}
}
