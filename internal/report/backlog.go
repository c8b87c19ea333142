package report

import (
	"context"
	"fmt"

	"github.com/hyperjump/sensor/internal/models"
)

// CountUnannotated returns the number of comments still waiting for a sentiment score.
func (s *Session) CountUnannotated() int {
	return s.store.CountUnannotated()
}

// NextUnannotated returns the first unannotated comment, in store order, for which
// skip returns false. A nil skip excludes nothing.
func (s *Session) NextUnannotated(skip func(id string) bool) (*models.Comment, bool) {
	return s.store.Find(func(c *models.Comment) bool {
		return !c.Annotated() && (skip == nil || !skip(c.ID))
	})
}

// Apply merges an annotation result into the session and notifies observers.
// The whole-report theme summary is dropped when the patch touches themes.
func (s *Session) Apply(id string, patch models.CommentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.UpdateFields(id, patch); err != nil {
		return fmt.Errorf("failed to apply annotation: %w", err)
	}
	if patch.Themes != nil {
		s.summary = nil
	}
	s.notifyLocked()
	return nil
}

// Reset clears one comment's annotation so it is annotated again.
func (s *Session) Reset(ctx context.Context, id string) error {
	return s.ClearAnnotation(ctx, id)
}
