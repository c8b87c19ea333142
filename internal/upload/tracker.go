// Package upload tracks a bulk ingestion job from request transfer to completion and
// turns server snapshots into a monotonic, eased progress value.
package upload

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/models"
)

// State is the tracker's lifecycle state.
type State int

const (
	NotStarted State = iota
	Uploading
	Polling
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Uploading:
		return "uploading"
	case Polling:
		return "polling"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "not_started"
	}
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == Complete || s == Failed
}

var (
	// ErrCanceled is the failure reason of an aborted upload.
	ErrCanceled = errors.New("upload canceled")
	// ErrPollBudgetExhausted is the failure reason once too many consecutive polls failed.
	ErrPollBudgetExhausted = errors.New("failed to track progress")
	// ErrStarted is returned by Run on a tracker that is already uploading or polling.
	ErrStarted = errors.New("upload already started")
)

// JobError is the failure reason when the server reports the job as failed.
type JobError struct {
	Message string
}

func (e *JobError) Error() string {
	return "ingestion failed: " + e.Message
}

// Config holds the tracker's timing and budget settings.
type Config struct {
	// TransferShare is the part of the bar, in percent, covered by the request transfer.
	TransferShare     float64
	PollInterval      time.Duration
	RetryInterval     time.Duration
	AnimationInterval time.Duration
	MaxErrors         int
}

// DefaultConfig returns the default tracker settings.
func DefaultConfig() Config {
	return Config{
		TransferShare:     3,
		PollInterval:      500 * time.Millisecond,
		RetryInterval:     2 * time.Second,
		AnimationInterval: 50 * time.Millisecond,
		MaxErrors:         8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TransferShare <= 0 {
		c.TransferShare = d.TransferShare
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.AnimationInterval <= 0 {
		c.AnimationInterval = d.AnimationInterval
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	return c
}

// Status is a snapshot of the tracker.
type Status struct {
	State      State
	Stage      string
	Category   string
	Message    string
	ETASeconds *int
	Target     float64
	Displayed  float64
	Errors     int
	JobID      string
	ReportID   string
	TraceID    string
	Err        error
}

// Uploader sends the bulk ingestion request, reporting transferred bytes.
type Uploader interface {
	Upload(ctx context.Context, req models.UploadRequest, progress func(sent, total int64)) (models.UploadResponse, error)
}

// StatusSource returns the current snapshot of an ingestion job.
type StatusSource interface {
	UploadStatus(ctx context.Context, jobID string) (models.UploadSnapshot, error)
}

// Tracker is the upload progress state machine. Observe* methods feed it events;
// Run drives it against real collaborators.
type Tracker struct {
	cfg      Config
	logger   *zap.Logger
	onUpdate func(Status)

	mu     sync.Mutex
	st     Status
	cancel context.CancelFunc
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithUpdateHook registers a callback invoked with the new status after every change.
func WithUpdateHook(fn func(Status)) Option {
	return func(t *Tracker) { t.onUpdate = fn }
}

// New returns a tracker in the NotStarted state. Zero config fields take defaults.
func New(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{cfg: cfg.withDefaults()}
	t.st.Category = CategoryInfo
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

// BeginUpload moves NotStarted to Uploading.
func (t *Tracker) BeginUpload() {
	t.update(func(st *Status) bool {
		if st.State != NotStarted {
			return false
		}
		st.State = Uploading
		st.Message = "Uploading file..."
		return true
	})
}

// ObserveTransfer maps request transfer progress onto the first TransferShare percent.
func (t *Tracker) ObserveTransfer(sent, total int64) {
	if total <= 0 {
		return
	}
	pct := math.Min(float64(sent)/float64(total), 1) * t.cfg.TransferShare
	t.update(func(st *Status) bool {
		if st.State != Uploading || pct <= st.Target {
			return false
		}
		st.Target = pct
		st.Displayed = pct
		st.Message = fmt.Sprintf("Uploading file... (%d%%)", int(math.Round(100*float64(sent)/float64(total))))
		return true
	})
}

// BeginPolling moves Uploading to Polling for the given job.
func (t *Tracker) BeginPolling(resp models.UploadResponse) {
	share := t.cfg.TransferShare
	t.update(func(st *Status) bool {
		if st.State != Uploading {
			return false
		}
		st.State = Polling
		st.JobID = resp.JobID
		st.ReportID = resp.ReportID
		st.TraceID = resp.TraceID
		st.Target = math.Max(st.Target, share)
		st.Displayed = math.Max(st.Displayed, share)
		st.Message = "Processing..."
		return true
	})
}

// CompleteImmediately finishes an upload that needs no polling, e.g. cached content.
func (t *Tracker) CompleteImmediately(resp models.UploadResponse) {
	t.update(func(st *Status) bool {
		if st.State.Terminal() {
			return false
		}
		st.ReportID = resp.ReportID
		st.TraceID = resp.TraceID
		if resp.Cached {
			st.Message = "Report already exists."
		} else {
			st.Message = "Upload complete."
		}
		complete(st)
		return true
	})
}

// ObserveSnapshot applies a polled snapshot. The target only moves forward and stays
// below 100 until the job reports completion. An error in the snapshot fails the
// tracker immediately. A successful poll resets the consecutive error count.
func (t *Tracker) ObserveSnapshot(s models.UploadSnapshot) {
	t.update(func(st *Status) bool {
		if st.State != Polling {
			return false
		}
		st.Errors = 0
		if st.TraceID == "" {
			st.TraceID = s.TraceID
		}
		if s.Stage != "" {
			st.Stage = s.Stage
			st.Category = StageCategory(s.Stage)
		}
		st.Message = s.Message
		st.ETASeconds = s.ETASeconds
		if s.Percent > st.Target {
			st.Target = math.Min(s.Percent, 99)
		}

		switch {
		case s.Failed():
			msg := s.Error
			if msg == "" {
				msg = s.Message
			}
			if msg == "" {
				msg = "unknown error"
			}
			fail(st, &JobError{Message: msg})
		case s.Percent >= 100:
			complete(st)
		}
		return true
	})
}

// ObservePollError counts a failed poll. It reports whether the error budget is
// exhausted, in which case the tracker has moved to Failed.
func (t *Tracker) ObservePollError(err error) bool {
	max := t.cfg.MaxErrors
	failed := false
	t.update(func(st *Status) bool {
		if st.State != Polling {
			return false
		}
		st.Errors++
		if st.Errors >= max {
			fail(st, fmt.Errorf("%w after %d attempts: %v", ErrPollBudgetExhausted, st.Errors, err))
			failed = true
		} else {
			st.Message = fmt.Sprintf("Connection issue (%d/%d). Retrying...", st.Errors, max)
		}
		return true
	})
	return failed
}

// Abort cancels the upload. A non-terminal tracker moves to Failed with ErrCanceled
// and any running Run call stops its timers and returns.
func (t *Tracker) Abort() {
	t.update(func(st *Status) bool {
		if st.State.Terminal() {
			return false
		}
		fail(st, ErrCanceled)
		st.Message = "Upload canceled."
		return true
	})
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Tick advances the displayed value toward the target and returns it. The step is
// max(0.5, gap/15), never overshooting the target.
func (t *Tracker) Tick() float64 {
	var displayed float64
	t.update(func(st *Status) bool {
		displayed = st.Displayed
		if st.Displayed >= st.Target {
			return false
		}
		step := math.Max(0.5, (st.Target-st.Displayed)/15)
		st.Displayed = math.Min(st.Displayed+step, st.Target)
		displayed = st.Displayed
		return true
	})
	return displayed
}

// Run uploads req and polls the job until it completes, fails, or is aborted.
// It returns the final status and its failure reason, if any. A tracker runs once:
// on a finished or aborted tracker Run returns its status without uploading.
func (t *Tracker) Run(ctx context.Context, up Uploader, src StatusSource, req models.UploadRequest) (Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := false
	t.update(func(st *Status) bool {
		if st.State != NotStarted {
			return false
		}
		t.cancel = cancel
		st.State = Uploading
		st.Message = "Uploading file..."
		started = true
		return true
	})
	if !started {
		st := t.Status()
		if st.State.Terminal() {
			return st, st.Err
		}
		return st, ErrStarted
	}

	resp, err := up.Upload(ctx, req, t.ObserveTransfer)
	if err != nil {
		if ctx.Err() != nil {
			t.Abort()
			return t.finalStatus()
		}
		t.failWith(fmt.Errorf("upload failed: %w", err))
		return t.finalStatus()
	}
	if resp.Cached || resp.JobID == "" {
		t.CompleteImmediately(resp)
		return t.finalStatus()
	}
	t.BeginPolling(resp)
	if t.Status().State.Terminal() {
		return t.finalStatus()
	}
	if t.logger != nil {
		t.logger.Debug("polling started", zap.String("job_id", resp.JobID), zap.String("report_id", resp.ReportID), zap.String("trace_id", resp.TraceID))
	}

	anim := time.NewTicker(t.cfg.AnimationInterval)
	defer anim.Stop()
	poll := time.NewTimer(0)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Abort()
			return t.finalStatus()
		case <-anim.C:
			t.Tick()
		case <-poll.C:
			snap, err := src.UploadStatus(ctx, resp.JobID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				if t.logger != nil {
					t.logger.Debug("poll failed", zap.String("job_id", resp.JobID), zap.Error(err))
				}
				if t.ObservePollError(err) || t.Status().State.Terminal() {
					return t.finalStatus()
				}
				poll.Reset(t.cfg.RetryInterval)
				continue
			}
			t.ObserveSnapshot(snap)
			if t.Status().State.Terminal() {
				return t.finalStatus()
			}
			poll.Reset(t.cfg.PollInterval)
		}
	}
}

// Cancel aborts a running upload. It is equivalent to Abort.
func (t *Tracker) Cancel() {
	t.Abort()
}

func (t *Tracker) finalStatus() (Status, error) {
	st := t.Status()
	return st, st.Err
}

func (t *Tracker) failWith(err error) {
	t.update(func(st *Status) bool {
		if st.State.Terminal() {
			return false
		}
		fail(st, err)
		return true
	})
}

// update applies fn under the lock and notifies the hook when fn reports a change.
func (t *Tracker) update(fn func(st *Status) bool) {
	t.mu.Lock()
	changed := fn(&t.st)
	st := t.st
	t.mu.Unlock()
	if changed && t.onUpdate != nil {
		t.onUpdate(st)
	}
}

func fail(st *Status, err error) {
	st.State = Failed
	st.Category = CategoryDanger
	st.Err = err
	st.ETASeconds = nil
}

func complete(st *Status) {
	st.State = Complete
	st.Stage = models.StageComplete
	st.Category = CategorySuccess
	st.Target = 100
	st.Displayed = 100
	st.ETASeconds = nil
}
