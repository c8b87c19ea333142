package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/filter"
	"github.com/hyperjump/sensor/internal/models"
)

type fakeBackend struct {
	mu         sync.Mutex
	report     models.Report
	comments   []*models.Comment
	summary    []models.ThemeCount
	summaryErr error
	failBatch  int
	batches    int
	nextID     int
	deleted    []string
	cleared    []string
	thresholds *annotation.Thresholds
}

func (f *fakeBackend) GetReport(_ context.Context, id string) (*models.Report, error) {
	r := f.report
	r.ID = id
	return &r, nil
}

func (f *fakeBackend) ListComments(context.Context, string) ([]*models.Comment, error) {
	return f.comments, nil
}

func (f *fakeBackend) CreateComments(_ context.Context, reportID string, texts []string) ([]*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.failBatch == f.batches {
		return nil, errors.New("backend unavailable")
	}
	return models.NewComments(reportID, texts, func() string {
		f.nextID++
		return fmt.Sprintf("c%d", f.nextID)
	}), nil
}

func (f *fakeBackend) DeleteComment(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) ClearAnnotation(_ context.Context, id string) error {
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeBackend) ThemeSummary(context.Context, string) ([]models.ThemeCount, error) {
	return f.summary, f.summaryErr
}

func (f *fakeBackend) UpdateThresholds(_ context.Context, _ string, t annotation.Thresholds) error {
	f.thresholds = &t
	return nil
}

func score(v float64) *float64 { return &v }

func loadedSession(t *testing.T, b *fakeBackend) *Session {
	t.Helper()
	s := NewSession("r1", b)
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func annotatedFixture() []*models.Comment {
	return []*models.Comment{
		{ID: "a", Text: "Clear lectures", Sentiment: score(6), Themes: []string{"Lectures"}},
		{ID: "b", Text: "Exams were unfair", Sentiment: score(-5), Themes: []string{"Exams", "Grading"}},
		{ID: "c", Text: "Pending", Themes: []string{}},
	}
}

func TestSession_LoadAppliesReportThresholds(t *testing.T) {
	b := &fakeBackend{
		report:   models.Report{PositiveMin: 5, NegativeMax: -6},
		comments: annotatedFixture(),
	}
	s := loadedSession(t, b)
	v := s.View()
	if v.Total != 3 || v.Unannotated != 1 {
		t.Errorf("total %d unannotated %d", v.Total, v.Unannotated)
	}
	if v.Counts != (filter.Counts{Positive: 1, Neutral: 1}) {
		t.Errorf("counts %+v", v.Counts)
	}
}

func TestSession_LoadInvalidThresholdsFallBack(t *testing.T) {
	b := &fakeBackend{report: models.Report{PositiveMin: -1, NegativeMax: 1}}
	s := loadedSession(t, b)
	if s.Thresholds() != annotation.DefaultThresholds() {
		t.Errorf("thresholds = %+v", s.Thresholds())
	}
}

func TestSession_SubmitKeepsPartialProgress(t *testing.T) {
	b := &fakeBackend{report: models.Report{PositiveMin: 3, NegativeMax: -3}, failBatch: 2}
	s := NewSession("r1", b, WithBatchSize(2))
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	created, err := s.Submit(context.Background(), []string{"one", "two", "three", "four", "five"})
	if err == nil {
		t.Fatal("expected error from the second batch")
	}
	if len(created) != 2 {
		t.Errorf("created %d, want 2", len(created))
	}
	if v := s.View(); v.Total != 2 || v.Unannotated != 2 {
		t.Errorf("view total %d unannotated %d", v.Total, v.Unannotated)
	}
}

func TestSession_SubmitAllBatches(t *testing.T) {
	b := &fakeBackend{report: models.Report{PositiveMin: 3, NegativeMax: -3}}
	s := NewSession("r1", b, WithBatchSize(2))
	created, err := s.Submit(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 3 || b.batches != 2 {
		t.Errorf("created %d in %d batches", len(created), b.batches)
	}
	all := s.Comments()
	if all[0].Text != "one" || all[2].Text != "three" {
		t.Errorf("order %q %q", all[0].Text, all[2].Text)
	}
}

func TestSession_FiltersAndThemes(t *testing.T) {
	b := &fakeBackend{
		report:   models.Report{PositiveMin: 3, NegativeMax: -3},
		comments: annotatedFixture(),
		summary:  []models.ThemeCount{{Theme: "FromServer", Count: 10}},
	}
	s := loadedSession(t, b)

	if v := s.View(); len(v.Themes) != 1 || v.Themes[0].Theme != "FromServer" {
		t.Errorf("unfiltered view should use the summary, got %+v", v.Themes)
	}

	if !s.Activate(filter.FieldSentiment, annotation.Negative) {
		t.Fatal("activation should report active")
	}
	v := s.View()
	if len(v.Visible) != 1 || v.Visible[0].ID != "b" {
		t.Fatalf("visible %+v", v.Visible)
	}
	if len(v.Themes) != 2 || v.Themes[0].Theme != "Exams" {
		t.Errorf("filtered themes must come from the visible set, got %+v", v.Themes)
	}
	if v.Counts != (filter.Counts{Negative: 1}) {
		t.Errorf("counts %+v", v.Counts)
	}

	s.Activate(filter.FieldSentiment, annotation.Negative)
	if v := s.View(); len(v.Visible) != 3 || len(v.Filters) != 0 {
		t.Errorf("toggle off should restore all, got %d visible", len(v.Visible))
	}

	s.Activate(filter.FieldThemes, "Lectures")
	s.DeactivateAll()
	if v := s.View(); len(v.Filters) != 0 {
		t.Error("DeactivateAll left filters")
	}
}

func TestSession_DeleteRemovesFromView(t *testing.T) {
	b := &fakeBackend{report: models.Report{PositiveMin: 3, NegativeMax: -3}, comments: annotatedFixture()}
	s := loadedSession(t, b)
	s.Activate(filter.FieldThemes, "Exams")

	if err := s.Delete(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	v := s.View()
	if len(v.Visible) != 0 || v.Total != 2 {
		t.Errorf("deleted comment still visible: %+v", v.Visible)
	}
	if len(b.deleted) != 1 || b.deleted[0] != "b" {
		t.Errorf("backend deletes %v", b.deleted)
	}
}

func TestSession_SetThresholdsRelabels(t *testing.T) {
	b := &fakeBackend{report: models.Report{PositiveMin: 3, NegativeMax: -3}, comments: annotatedFixture()}
	s := loadedSession(t, b)

	if err := s.SetThresholds(context.Background(), annotation.Thresholds{PositiveMin: 7, NegativeMax: -3}); err != nil {
		t.Fatal(err)
	}
	if b.thresholds == nil || b.thresholds.PositiveMin != 7 {
		t.Errorf("thresholds not persisted: %+v", b.thresholds)
	}
	a, _ := s.Comment("a")
	if a.SentimentText != annotation.Neutral {
		t.Errorf("a relabeled to %q, want Neutral", a.SentimentText)
	}
	if err := s.SetThresholds(context.Background(), annotation.Thresholds{PositiveMin: -7, NegativeMax: 3}); err == nil {
		t.Error("expected validation error")
	}
}

func TestSession_OnChangeSeesConsistentView(t *testing.T) {
	b := &fakeBackend{report: models.Report{PositiveMin: 3, NegativeMax: -3}, comments: annotatedFixture()}
	s := loadedSession(t, b)

	var views []View
	s.OnChange(func(v View) { views = append(views, v) })
	s.Activate(filter.FieldSentiment, annotation.Positive)
	if err := s.Apply("c", models.CommentPatch{Sentiment: models.ScoreOf(9), Themes: models.Tags("Pace")}); err != nil {
		t.Fatal(err)
	}

	if len(views) != 2 {
		t.Fatalf("got %d notifications", len(views))
	}
	last := views[1]
	if len(last.Visible) != 2 || last.Counts.Positive != 2 {
		t.Errorf("after apply: visible %d counts %+v", len(last.Visible), last.Counts)
	}
	if last.Unannotated != 0 {
		t.Errorf("unannotated %d", last.Unannotated)
	}
}

func TestSession_BacklogSelection(t *testing.T) {
	b := &fakeBackend{report: models.Report{PositiveMin: 3, NegativeMax: -3}, comments: []*models.Comment{
		{ID: "x"}, {ID: "y", Sentiment: score(1)}, {ID: "z"},
	}}
	s := loadedSession(t, b)
	if n := s.CountUnannotated(); n != 2 {
		t.Errorf("CountUnannotated = %d", n)
	}
	c, ok := s.NextUnannotated(nil)
	if !ok || c.ID != "x" {
		t.Errorf("next = %v", c)
	}
	c, ok = s.NextUnannotated(func(id string) bool { return id == "x" })
	if !ok || c.ID != "z" {
		t.Errorf("next with skip = %v", c)
	}
	if err := s.Reset(context.Background(), "y"); err != nil {
		t.Fatal(err)
	}
	if n := s.CountUnannotated(); n != 3 || len(b.cleared) != 1 {
		t.Errorf("after reset: %d unannotated, cleared %v", n, b.cleared)
	}
}

func TestSession_ExportCSV(t *testing.T) {
	b := &fakeBackend{report: models.Report{PositiveMin: 3, NegativeMax: -3}, comments: []*models.Comment{
		{ID: "a", Text: `Said "great", twice`, Sentiment: score(5), Themes: []string{"Praise", "Delivery"}},
		{ID: "b", Text: "Meh", Sentiment: score(0)},
	}}
	s := loadedSession(t, b)
	s.Activate(filter.FieldSentiment, annotation.Positive)

	var buf bytes.Buffer
	if err := s.ExportCSV(&buf); err != nil {
		t.Fatal(err)
	}
	want := "Text,Themes\r\n\"Said \"\"great\"\", twice\",\"Praise, Delivery\"\r\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
	if strings.Contains(buf.String(), "Meh") {
		t.Error("hidden rows must not be exported")
	}
}
