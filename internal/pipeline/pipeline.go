// Package pipeline annotates a report's backlog one comment at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/trace"
)

const (
	// DefaultStepDelay is the pause between two annotation calls.
	DefaultStepDelay = 100 * time.Millisecond
	// DefaultMaxAttempts is how many failed calls a comment gets per run before it is skipped.
	DefaultMaxAttempts = 1
)

var (
	// ErrRunning is returned by Run when a run is already in progress.
	ErrRunning = errors.New("pipeline already running")
	// ErrNoSentiment is recorded when an annotator returns a result without a sentiment score.
	ErrNoSentiment = errors.New("annotation result has no sentiment score")
)

// Annotator produces the annotation fields for one comment.
type Annotator interface {
	Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error)
}

// AnnotatorFunc adapts a function to Annotator.
type AnnotatorFunc func(ctx context.Context, c *models.Comment) (models.CommentPatch, error)

// Annotate calls f.
func (f AnnotatorFunc) Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error) {
	return f(ctx, c)
}

// Backlog is the collection the pipeline drains.
type Backlog interface {
	CountUnannotated() int
	NextUnannotated(skip func(id string) bool) (*models.Comment, bool)
	Apply(id string, patch models.CommentPatch) error
	Reset(ctx context.Context, id string) error
}

// State is the pipeline's run state.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Progress is reported before every step and when a run ends.
type Progress struct {
	State     State
	Fraction  float64
	Total     int
	Remaining int
}

// Pipeline annotates unannotated comments sequentially. A run snapshots the backlog
// size when it starts and uses it as the progress denominator for the whole run.
// Comments whose calls keep failing are skipped for the rest of the run after
// MaxAttempts failures; the next run tries them again.
type Pipeline struct {
	backlog     Backlog
	annotator   Annotator
	stepDelay   time.Duration
	maxAttempts int
	logger      *zap.Logger
	onProgress  func(Progress)
	onFailure   func(id string, err error)

	mu       sync.Mutex
	state    State
	progress Progress
	attempts map[string]int
	done     chan struct{}
	// pending records a wakeup that arrived while a run was active.
	pending bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a logger. Failures are logged at warn level with their trace id.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithStepDelay sets the pause between annotation calls.
func WithStepDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.stepDelay = d }
}

// WithMaxAttempts sets how many failed calls a comment gets per run.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn func(Progress)) Option {
	return func(p *Pipeline) { p.onProgress = fn }
}

// WithFailureHook registers a callback invoked once per failed annotation call.
func WithFailureHook(fn func(id string, err error)) Option {
	return func(p *Pipeline) { p.onFailure = fn }
}

// New returns an idle pipeline draining backlog with annotator.
func New(backlog Backlog, annotator Annotator, opts ...Option) *Pipeline {
	p := &Pipeline{
		backlog:     backlog,
		annotator:   annotator,
		stepDelay:   DefaultStepDelay,
		maxAttempts: DefaultMaxAttempts,
		progress:    Progress{Fraction: 1},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current run state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Progress returns the most recently reported progress.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Run drains the backlog on the calling goroutine and returns when no eligible
// comment is left or ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.begin(false) {
		return ErrRunning
	}
	return p.drain(ctx)
}

// Trigger starts a background run when the pipeline is idle and the backlog is not
// empty. It reports whether a run was started. When a run is already active the
// backlog is rescanned before that run goes idle.
func (p *Pipeline) Trigger(ctx context.Context) bool {
	if p.backlog.CountUnannotated() == 0 {
		return false
	}
	if !p.begin(true) {
		return false
	}
	go func() {
		err := p.drain(ctx)
		if err != nil && p.logger != nil {
			p.logger.Debug("annotation run stopped", zap.Error(err))
		}
	}()
	return true
}

// Reannotate clears one comment's annotation and makes sure a run picks it up.
func (p *Pipeline) Reannotate(ctx context.Context, id string) error {
	if err := p.backlog.Reset(ctx, id); err != nil {
		return fmt.Errorf("failed to reset %s: %w", id, err)
	}
	p.mu.Lock()
	delete(p.attempts, id)
	p.mu.Unlock()
	p.Trigger(ctx)
	return nil
}

// Wait blocks until the current run, if any, has finished.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// begin moves the pipeline to Running. If a run is already active it returns false
// and, when wake is set, asks that run to rescan the backlog before finishing.
func (p *Pipeline) begin(wake bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Running {
		if wake {
			p.pending = true
		}
		return false
	}
	p.state = Running
	p.pending = false
	p.attempts = make(map[string]int)
	p.done = make(chan struct{})
	return true
}

func (p *Pipeline) drain(ctx context.Context) error {
	for {
		err := p.loop(ctx)
		if p.finish(err) {
			return err
		}
	}
}

// finish ends the run and reports true, unless a wakeup arrived while the run was
// active and the run ended cleanly; then it stays Running and reports false.
func (p *Pipeline) finish(err error) bool {
	p.mu.Lock()
	if p.pending && err == nil {
		p.pending = false
		p.mu.Unlock()
		return false
	}
	p.pending = false
	p.state = Idle
	p.progress.State = Idle
	if err == nil {
		p.progress.Fraction = 1
		p.progress.Remaining = p.backlog.CountUnannotated()
	}
	pr := p.progress
	close(p.done)
	p.done = nil
	p.mu.Unlock()
	p.report(pr)
	return true
}

func (p *Pipeline) loop(ctx context.Context) error {
	total := p.backlog.CountUnannotated()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, ok := p.backlog.NextUnannotated(p.skipped)
		if !ok {
			return nil
		}
		remaining := p.backlog.CountUnannotated()
		p.setProgress(Progress{State: Running, Fraction: fraction(remaining, total), Total: total, Remaining: remaining})

		p.step(ctx, c)

		if err := sleep(ctx, p.stepDelay); err != nil {
			return err
		}
	}
}

func (p *Pipeline) step(ctx context.Context, c *models.Comment) {
	traceID := trace.NewID()
	ctx = trace.WithID(ctx, traceID)
	patch, err := p.annotator.Annotate(ctx, c)
	if err == nil && !patch.SetsSentiment() {
		err = ErrNoSentiment
	}
	if err == nil {
		err = p.backlog.Apply(c.ID, patch)
	}
	if err == nil {
		if p.logger != nil {
			p.logger.Debug("comment annotated", zap.String("comment_id", c.ID), zap.String("trace_id", traceID))
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	p.attempts[c.ID]++
	attempt := p.attempts[c.ID]
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Warn("annotation failed",
			zap.String("comment_id", c.ID),
			zap.String("trace_id", traceID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	if p.onFailure != nil {
		p.onFailure(c.ID, err)
	}
}

func (p *Pipeline) skipped(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id] >= p.maxAttempts
}

func (p *Pipeline) setProgress(pr Progress) {
	p.mu.Lock()
	p.progress = pr
	p.mu.Unlock()
	p.report(pr)
}

func (p *Pipeline) report(pr Progress) {
	if p.onProgress != nil {
		p.onProgress(pr)
	}
}

// fraction is 1 - remaining/total clamped to [0, 1].
func fraction(remaining, total int) float64 {
	if total <= 0 {
		return 0
	}
	f := 1 - float64(remaining)/float64(total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
