// Package annotator provides annotation backends that fill a comment's sentiment,
// civility and tag fields, plus wrappers that chain, cache and persist them.
package annotator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/models"
)

// Backend names accepted by New.
const (
	BackendVader  = "vader"
	BackendOpenAI = "openai"
	// BackendAuto uses OpenAI when an API key is available and VADER otherwise,
	// falling back to VADER when an OpenAI call fails.
	BackendAuto = "auto"
)

// ErrNoBackend is returned by Chain when it has nothing to call.
var ErrNoBackend = errors.New("no annotation backend configured")

// Annotator produces the annotation fields for one comment.
type Annotator interface {
	Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error)
}

// Settings selects and configures a backend for New.
type Settings struct {
	Backend   string
	Model     string
	APIKey    string
	CacheSize int
	Codebook  []string
	Logger    *zap.Logger
}

// New builds the annotator described by s, wrapped in a cache when CacheSize > 0.
func New(s Settings) (Annotator, error) {
	var a Annotator
	switch strings.ToLower(s.Backend) {
	case "", BackendVader:
		a = NewVader()
	case BackendOpenAI:
		if s.APIKey == "" {
			return nil, fmt.Errorf("backend %q requires an API key", BackendOpenAI)
		}
		a = NewOpenAI(s.APIKey, s.Model, WithCodebook(s.Codebook), WithOpenAILogger(s.Logger))
	case BackendAuto:
		if s.APIKey == "" {
			a = NewVader()
		} else {
			a = Chain{NewOpenAI(s.APIKey, s.Model, WithCodebook(s.Codebook), WithOpenAILogger(s.Logger)), NewVader()}
		}
	default:
		return nil, fmt.Errorf("unknown annotation backend %q", s.Backend)
	}
	if s.CacheSize > 0 {
		a = NewCached(a, s.CacheSize)
	}
	return a, nil
}

// Chain tries each annotator in order and returns the first successful result.
type Chain []Annotator

// Annotate implements Annotator.
func (c Chain) Annotate(ctx context.Context, comment *models.Comment) (models.CommentPatch, error) {
	if len(c) == 0 {
		return models.CommentPatch{}, ErrNoBackend
	}
	var errs []error
	for _, a := range c {
		patch, err := a.Annotate(ctx, comment)
		if err == nil {
			return patch, nil
		}
		if ctx.Err() != nil {
			return models.CommentPatch{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	return models.CommentPatch{}, errors.Join(errs...)
}

// Func adapts a function to Annotator.
type Func func(ctx context.Context, c *models.Comment) (models.CommentPatch, error)

// Annotate calls f.
func (f Func) Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error) {
	return f(ctx, c)
}
