package jobs

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/batch"
	"github.com/hyperjump/sensor/internal/filter"
	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/trace"
)

// Percent ranges of each stage. Annotation dominates the run time.
const (
	pctReading    = 2
	pctSavingFrom = 5
	pctSavingTo   = 15
	pctTaggingTo  = 85
	pctPlacing    = 88
	pctSummary    = 94
	pctFinalizing = 98
	summaryThemes = 5
)

func (m *Manager) run(ctx context.Context, j *job, reportID string, texts []string) {
	defer m.wg.Done()
	start := m.now()

	err := m.ingest(ctx, j, reportID, texts)
	if err != nil {
		// Before the job is marked finished: Submit hands unfinished jobs' reports
		// to re-uploads.
		m.discard(context.WithoutCancel(ctx), reportID)
	}

	m.mu.Lock()
	j.finished = m.now()
	if err != nil {
		j.snapshot.Stage = models.StageError
		j.snapshot.Message = "Upload failed"
		j.snapshot.ETASeconds = nil
		j.snapshot.Error = err.Error()
	}
	m.mu.Unlock()
	close(j.done)

	if err != nil {
		if m.logger != nil {
			m.logger.Error("ingestion failed",
				zap.String("job_id", j.snapshot.JobID),
				zap.String("report_id", reportID),
				zap.String("trace_id", trace.FromContext(ctx)),
				zap.Error(err))
		}
		return
	}
	if m.logger != nil {
		m.logger.Info("ingestion complete",
			zap.String("job_id", j.snapshot.JobID),
			zap.String("report_id", reportID),
			zap.Duration("took", m.now().Sub(start)))
	}
}

// discard removes a partially ingested report so a retry is not answered as cached.
func (m *Manager) discard(ctx context.Context, reportID string) {
	if err := m.store.DeleteReport(ctx, reportID); err != nil && m.logger != nil {
		m.logger.Warn("failed to remove partial report", zap.String("report_id", reportID), zap.Error(err))
	}
	if m.index != nil {
		if err := m.index.DeleteReport(ctx, reportID); err != nil && m.logger != nil {
			m.logger.Warn("failed to remove partial index entries", zap.String("report_id", reportID), zap.Error(err))
		}
	}
}

func (m *Manager) ingest(ctx context.Context, j *job, reportID string, texts []string) error {
	m.stage(j, models.StageReadingFile, pctReading, fmt.Sprintf("Reading %d comments", len(texts)))
	if err := ctx.Err(); err != nil {
		return err
	}

	m.stage(j, models.StageSavingComments, pctSavingFrom, "Saving comments")
	saved := make([]*models.Comment, 0, len(texts))
	for _, chunk := range batch.Chunk(texts, m.batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		created, err := m.store.CreateComments(ctx, reportID, chunk)
		if err != nil {
			return fmt.Errorf("failed to save comments: %w", err)
		}
		saved = append(saved, created...)
		m.stage(j, models.StageSavingComments, between(pctSavingFrom, pctSavingTo, len(saved), len(texts)),
			fmt.Sprintf("Saved %d of %d comments", len(saved), len(texts)))
	}

	failed := 0
	if m.annotator != nil {
		var err error
		if failed, err = m.annotate(ctx, j, saved); err != nil {
			return err
		}
	}

	if m.index != nil {
		m.stage(j, models.StagePlacingTags, pctPlacing, "Indexing comments")
		if err := m.index.IndexBatch(ctx, saved); err != nil {
			return fmt.Errorf("failed to index comments: %w", err)
		}
	}

	m.stage(j, models.StageGeneratingSummary, pctSummary, "Summarizing themes")
	summary, err := m.store.ThemeSummary(ctx, reportID)
	if err != nil {
		return fmt.Errorf("failed to summarize themes: %w", err)
	}

	m.stage(j, models.StageFinalizing, pctFinalizing, "Finalizing")
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := fmt.Sprintf("Imported %d comments", len(saved))
	if failed > 0 {
		msg += fmt.Sprintf(", %d not annotated", failed)
	}
	if top := filter.TopThemes(summary, summaryThemes); len(top) > 0 {
		names := make([]string, len(top))
		for i, tc := range top {
			names[i] = tc.Theme
		}
		msg += ". Top themes: " + strings.Join(names, ", ")
	}
	m.stage(j, models.StageComplete, 100, msg)
	return nil
}

// annotate fills each saved comment in place. Failed annotations are logged and left
// for the annotation pipeline; storage failures abort the job.
func (m *Manager) annotate(ctx context.Context, j *job, list []*models.Comment) (int, error) {
	m.stage(j, models.StageGeneratingTags, pctSavingTo, "Generating tags")
	start := m.now()
	failed := 0
	for i, c := range list {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		patch, err := m.annotator.Annotate(ctx, c)
		if err != nil {
			failed++
			if m.logger != nil {
				m.logger.Warn("annotation failed",
					zap.String("comment_id", c.ID),
					zap.String("trace_id", trace.FromContext(ctx)),
					zap.Error(err))
			}
		} else {
			updated, err := m.store.UpdateAnnotation(ctx, c.ID, patch)
			if err != nil {
				return failed, fmt.Errorf("failed to save annotation: %w", err)
			}
			list[i] = updated
		}

		done := i + 1
		eta := estimate(m.now().Sub(start), done, len(list)-done)
		m.update(j, func(s *models.UploadSnapshot) {
			s.Stage = models.StageGeneratingTags
			s.Percent = between(pctSavingTo, pctTaggingTo, done, len(list))
			s.Message = fmt.Sprintf("Tagged %d of %d comments", done, len(list))
			s.ETASeconds = eta
		})
	}
	return failed, nil
}

func (m *Manager) stage(j *job, stage string, pct float64, msg string) {
	m.update(j, func(s *models.UploadSnapshot) {
		s.Stage = stage
		s.Percent = pct
		s.Message = msg
		s.ETASeconds = nil
	})
}

// between maps done/total onto [from, to].
func between(from, to float64, done, total int) float64 {
	if total <= 0 {
		return to
	}
	return from + (to-from)*float64(done)/float64(total)
}

// estimate extrapolates the remaining time from the observed per-comment rate.
func estimate(elapsed time.Duration, done, remaining int) *int {
	if done <= 0 {
		return nil
	}
	perItem := elapsed.Seconds() / float64(done)
	secs := int(math.Ceil(perItem * float64(remaining)))
	return &secs
}
