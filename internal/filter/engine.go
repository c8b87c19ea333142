// Package filter evaluates the active AND-filter over a report's comments and
// derives the aggregates shown next to the visible set.
package filter

import (
	"fmt"
	"slices"
	"sync"

	"github.com/hyperjump/sensor/internal/models"
)

// Field names a filterable comment attribute.
type Field string

// Scalar fields match by equality, multivalued fields by membership.
const (
	FieldSentiment  Field = "sentiment_text"
	FieldCivility   Field = "civility_text"
	FieldThemes     Field = "themes_array"
	FieldAims       Field = "aims_array"
	FieldSubject    Field = "subject_array"
	FieldCategories Field = "categories"
)

// Fields lists every filterable field.
var Fields = []Field{FieldSentiment, FieldCivility, FieldThemes, FieldAims, FieldSubject, FieldCategories}

// ParseField validates a field name.
func ParseField(name string) (Field, error) {
	f := Field(name)
	if slices.Contains(Fields, f) {
		return f, nil
	}
	return "", fmt.Errorf("unknown filter field %q", name)
}

// Predicate is one active (field, value) constraint.
type Predicate struct {
	Field Field  `json:"field"`
	Value string `json:"value"`
}

// Matches reports whether c satisfies the predicate. Unknown fields never match.
func (p Predicate) Matches(c *models.Comment) bool {
	switch p.Field {
	case FieldSentiment:
		return c.SentimentText == p.Value
	case FieldCivility:
		return c.CivilityText == p.Value
	case FieldThemes:
		return slices.Contains(c.Themes, p.Value)
	case FieldAims:
		return slices.Contains(c.Aims, p.Value)
	case FieldSubject:
		return slices.Contains(c.Subject, p.Value)
	case FieldCategories:
		return slices.Contains(c.Categories, p.Value)
	default:
		return false
	}
}

// Engine holds the set of active predicates. Insertion order is kept for display only.
type Engine struct {
	mu     sync.RWMutex
	active []Predicate
}

// NewEngine returns an engine with no active predicates.
func NewEngine() *Engine {
	return &Engine{}
}

// Activate toggles the (field, value) pair: it is added when inactive and removed
// when already active. It returns whether the pair is active afterwards.
func (e *Engine) Activate(field Field, value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := Predicate{Field: field, Value: value}
	if i := slices.Index(e.active, p); i >= 0 {
		e.active = slices.Delete(e.active, i, i+1)
		return false
	}
	e.active = append(e.active, p)
	return true
}

// Deactivate removes the pair if present.
func (e *Engine) Deactivate(field Field, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i := slices.Index(e.active, Predicate{Field: field, Value: value}); i >= 0 {
		e.active = slices.Delete(e.active, i, i+1)
	}
}

// DeactivateAll clears every predicate.
func (e *Engine) DeactivateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = nil
}

// IsActive reports whether the pair is active.
func (e *Engine) IsActive(field Field, value string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Contains(e.active, Predicate{Field: field, Value: value})
}

// Active returns the active predicates in activation order.
func (e *Engine) Active() []Predicate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.active)
}

// Len returns the number of active predicates.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// Visible returns the comments satisfying every active predicate, in their original order.
func (e *Engine) Visible(all []*models.Comment) []*models.Comment {
	return Visible(all, e.Active())
}

// Visible returns the comments of all satisfying every predicate in preds.
// With no predicates every comment is visible.
func Visible(all []*models.Comment, preds []Predicate) []*models.Comment {
	out := make([]*models.Comment, 0, len(all))
	for _, c := range all {
		if matchesAll(c, preds) {
			out = append(out, c)
		}
	}
	return out
}

func matchesAll(c *models.Comment, preds []Predicate) bool {
	for _, p := range preds {
		if !p.Matches(c) {
			return false
		}
	}
	return true
}
