package annotator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/trace"
)

// Updater persists an annotation patch.
type Updater interface {
	UpdateAnnotation(ctx context.Context, id string, patch models.CommentPatch) (*models.Comment, error)
}

// Indexer refreshes a comment in the search index.
type Indexer interface {
	Index(ctx context.Context, c *models.Comment) error
}

// Persisting writes every successful result of next through to storage before
// returning it, and refreshes the comment in the search index when one is set.
type Persisting struct {
	next   Annotator
	store  Updater
	index  Indexer
	logger *zap.Logger
}

// NewPersisting wraps next. index and logger may be nil.
func NewPersisting(next Annotator, store Updater, index Indexer, logger *zap.Logger) *Persisting {
	return &Persisting{next: next, store: store, index: index, logger: logger}
}

// Annotate implements Annotator.
func (p *Persisting) Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error) {
	patch, err := p.next.Annotate(ctx, c)
	if err != nil {
		return models.CommentPatch{}, err
	}
	updated, err := p.store.UpdateAnnotation(ctx, c.ID, patch)
	if err != nil {
		return models.CommentPatch{}, fmt.Errorf("failed to save annotation for %s: %w", c.ID, err)
	}
	if p.index != nil {
		// Index errors are logged only.
		if err := p.index.Index(ctx, updated); err != nil && p.logger != nil {
			p.logger.Warn("failed to reindex comment",
				zap.String("comment_id", c.ID),
				zap.String("trace_id", trace.FromContext(ctx)),
				zap.Error(err))
		}
	}
	return patch, nil
}
