// Package comments holds the in-memory, append-ordered collection of one report's comments.
package comments

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hyperjump/sensor/internal/annotation"
	"github.com/hyperjump/sensor/internal/models"
)

var (
	// ErrDuplicateKey is returned when inserting a comment whose id is already present.
	ErrDuplicateKey = errors.New("duplicate comment id")
	// ErrNotFound is returned when the comment id is not in the store.
	ErrNotFound = errors.New("comment not found")
)

// Store is an ordered collection of comments keyed by id. Labels of stored comments
// are always consistent with the store's thresholds. Returned comments are copies.
type Store struct {
	mu         sync.RWMutex
	order      []*models.Comment
	byID       map[string]*models.Comment
	thresholds annotation.Thresholds
}

// NewStore returns an empty store using the given sentiment thresholds.
func NewStore(t annotation.Thresholds) *Store {
	return &Store{
		byID:       make(map[string]*models.Comment),
		thresholds: t,
	}
}

// Insert appends c to the end of the store. The stored copy is relabeled.
func (s *Store) Insert(c *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[c.ID]; ok {
		return fmt.Errorf("insert %s: %w", c.ID, ErrDuplicateKey)
	}
	stored := c.Clone()
	stored.Relabel(s.thresholds)
	s.order = append(s.order, stored)
	s.byID[stored.ID] = stored
	return nil
}

// Remove deletes the comment with the given id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	delete(s.byID, id)
	for i, c := range s.order {
		if c.ID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateFields merges the present fields of patch into the comment and rederives
// its labels. It returns a copy of the updated comment.
func (s *Store) UpdateFields(id string, patch models.CommentPatch) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	patch.Apply(c)
	c.Relabel(s.thresholds)
	return c.Clone(), nil
}

// ClearAnnotation drops every annotation field of the comment.
func (s *Store) ClearAnnotation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("clear %s: %w", id, ErrNotFound)
	}
	c.ClearAnnotation()
	return nil
}

// Get returns a copy of the comment with the given id.
func (s *Store) Get(id string) (*models.Comment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// All returns copies of every comment in insertion order.
func (s *Store) All() []*models.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Comment, len(s.order))
	for i, c := range s.order {
		out[i] = c.Clone()
	}
	return out
}

// Find returns a copy of the first comment, in insertion order, matching pred.
func (s *Store) Find(pred func(*models.Comment) bool) (*models.Comment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.order {
		if pred(c) {
			return c.Clone(), true
		}
	}
	return nil, false
}

// Len returns the number of stored comments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// CountUnannotated returns the number of comments without a sentiment score.
func (s *Store) CountUnannotated() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.order {
		if !c.Annotated() {
			n++
		}
	}
	return n
}

// Thresholds returns the sentiment thresholds labels are derived with.
func (s *Store) Thresholds() annotation.Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// SetThresholds replaces the sentiment thresholds and relabels every comment.
func (s *Store) SetThresholds(t annotation.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.thresholds = t
	for _, c := range s.order {
		c.Relabel(t)
	}
	return nil
}

// Reset replaces the whole collection, keeping the given order.
func (s *Store) Reset(list []*models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([]*models.Comment, 0, len(list))
	byID := make(map[string]*models.Comment, len(list))
	for _, c := range list {
		if _, ok := byID[c.ID]; ok {
			return fmt.Errorf("reset %s: %w", c.ID, ErrDuplicateKey)
		}
		stored := c.Clone()
		stored.Relabel(s.thresholds)
		order = append(order, stored)
		byID[stored.ID] = stored
	}
	s.order = order
	s.byID = byID
	return nil
}
