// Package sync contains the top-level coordinator that drives a backup run:
// it creates or resumes a checkpoint, lists record ids page by page, feeds
// them to the fetch scheduler, persists progress, and determines the run's
// terminal state.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailvault/internal/breaker"
	"github.com/nhle/mailvault/internal/checkpoint"
	"github.com/nhle/mailvault/internal/fetch"
	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/ratelimit"
	"github.com/nhle/mailvault/internal/sink"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/internal/store"
)

// SourceOpener supplies a connected record source for a run. The
// coordinator opens exactly one handle per run; credential acquisition
// happens behind this interface.
type SourceOpener interface {
	Open(ctx context.Context) (source.RecordSource, error)
}

// OrchestrationError wraps a failure of the run machinery itself: listing
// exhausted its retries, or a durable store became unavailable. This is the
// only error class that fails a whole run.
type OrchestrationError struct {
	Op  string
	Err error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failure (%s): %v", e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Config holds the engine parameters shared by every run of a coordinator.
type Config struct {
	PageSize   int
	BatchSize  int
	Width      int
	Format     source.Format
	DrainGrace time.Duration
	StaleAfter time.Duration

	Rate    model.RateConfig
	Breaker model.BreakerConfig
	Retry   fetch.RetryPolicy

	Fallback fetch.FallbackPolicy
}

// Options are the caller-facing knobs for a single run. Everything else
// (report formatting, CLI flags) belongs to the surrounding application.
type Options struct {
	// Resume continues from a resumable interrupted checkpoint for the
	// query when one exists.
	Resume bool

	// Width overrides the configured concurrency width when positive.
	Width int

	// OutputLocation is the destination the run writes to; it keys the
	// one-active-run-per-target rule together with the query.
	OutputLocation string

	// Metadata is attached to a newly created checkpoint.
	Metadata map[string]string
}

// RunReport summarizes a finished run.
type RunReport struct {
	SyncID        string
	State         model.SyncState
	Processed     int
	Quarantined   int
	TotalEstimate int
	Resumed       bool
	Duration      time.Duration
}

// Summary renders the report in one line. A completed run with quarantined
// records is reported distinctly from a failed run.
func (r *RunReport) Summary() string {
	switch r.State {
	case model.StateCompleted:
		if r.Quarantined > 0 {
			return fmt.Sprintf("completed with %d quarantined records (%d processed in %s)",
				r.Quarantined, r.Processed, r.Duration.Round(time.Millisecond))
		}
		return fmt.Sprintf("completed: %d records in %s",
			r.Processed, r.Duration.Round(time.Millisecond))
	case model.StateInterrupted:
		return fmt.Sprintf("interrupted at %d records; rerun with resume to continue", r.Processed)
	default:
		return fmt.Sprintf("failed after %d records", r.Processed)
	}
}

// Coordinator is the sync run state machine. It is the sole writer of
// checkpoints; per-record failures route to the dead letter queue and never
// fail the run.
type Coordinator struct {
	opener SourceOpener
	cps    *checkpoint.Store
	dlq    store.DeadLetterStore
	sink   sink.RecordSink
	outer  *ratelimit.Limiter
	cfg    Config
	log    *zap.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	opener SourceOpener,
	cps *checkpoint.Store,
	dlq store.DeadLetterStore,
	recordSink sink.RecordSink,
	cfg Config,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		opener: opener,
		cps:    cps,
		dlq:    dlq,
		sink:   recordSink,
		cfg:    cfg,
		log:    log,
	}
}

// WithOuterLimiter injects an account-wide rate budget shared across
// concurrent runs. Sharing is an explicit choice made here, never implicit
// global state.
func (c *Coordinator) WithOuterLimiter(outer *ratelimit.Limiter) *Coordinator {
	c.outer = outer
	return c
}

// pageMark remembers which listing token produced the page starting at a
// given absolute id index, so a watermark position can be translated back
// into a resumable cursor.
type pageMark struct {
	start int
	token string
}

// Run executes one sync run to a terminal state. The returned report is
// non-nil whenever a checkpoint was created or resumed; the error is
// non-nil only for orchestration failures and cancellation never counts as
// one.
func (c *Coordinator) Run(ctx context.Context, query string, opts Options) (*RunReport, error) {
	start := time.Now()

	cp, resumed, err := c.openCheckpoint(query, opts)
	if err != nil {
		return nil, err
	}

	log := c.log.With(zap.String("sync_id", cp.SyncID), zap.String("query", query))
	if resumed {
		log.Warn("resuming: the remote result set may have drifted since the original run",
			zap.Int("processed", cp.ProcessedCount),
			zap.Time("interrupted_at", cp.UpdatedAt))
	} else {
		log.Info("starting sync run", zap.String("output", opts.OutputLocation))
	}

	// One transport handle per run.
	src, err := c.opener.Open(ctx)
	if err != nil {
		_ = c.cps.MarkFailed(cp)
		return c.report(cp, resumed, start), &OrchestrationError{Op: "connect", Err: err}
	}
	if closer, ok := src.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Rate and breaker state are explicit per-run objects shared by all
	// workers of this run.
	limiter := ratelimit.New(c.cfg.Rate.Capacity, c.cfg.Rate.RefillPerSec)
	if c.outer != nil {
		limiter.WithOuter(c.outer)
	}
	brk := breaker.New(
		c.cfg.Breaker.FailureThreshold,
		time.Duration(c.cfg.Breaker.CooldownSec)*time.Second,
		c.cfg.Breaker.HalfOpenSuccesses,
	)
	client := fetch.NewBatchClient(src, limiter, brk, c.cfg.Retry, c.cfg.BatchSize, c.cfg.Fallback, log)

	var (
		mu      gosync.Mutex
		marks   []pageMark
		orchErr error
	)
	failRun := func(op string, err error) {
		mu.Lock()
		if orchErr == nil {
			orchErr = &OrchestrationError{Op: op, Err: err}
		}
		mu.Unlock()
		cancel()
	}

	// mu also serializes every checkpoint write: progress ticks arrive on
	// scheduler goroutines while the listing loop records estimates, and
	// the checkpoint must only ever have one writer at a time.
	onProgress := func(p fetch.Progress) {
		mu.Lock()
		if cp.State.Terminal() {
			// A straggler batch outlived the drain grace; the run has
			// already been finalized and this progress is left for a
			// future resume to redo.
			mu.Unlock()
			return
		}
		cursor := cursorFor(marks, p.Processed)
		err := c.cps.UpdateProgress(cp, p.Processed, p.Quarantined, p.LastRecordID, cursor)
		mu.Unlock()

		if err != nil {
			log.Error("checkpoint update failed", zap.Error(err))
			failRun("checkpoint", err)
		}
	}

	width := c.cfg.Width
	if opts.Width > 0 {
		width = opts.Width
	}
	sched := fetch.NewScheduler(client, c.sink, c.dlq, fetch.SchedulerConfig{
		SyncID:     cp.SyncID,
		Query:      query,
		Width:      width,
		BatchSize:  c.cfg.BatchSize,
		Format:     c.cfg.Format,
		DrainGrace: c.cfg.DrainGrace,
		Initial: fetch.Progress{
			Processed:    cp.ProcessedCount,
			Quarantined:  cp.QuarantinedCount,
			LastRecordID: cp.LastRecordID,
		},
	}, onProgress, log)

	listErr := c.listAndFeed(runCtx, src, sched, cp, query, &mu, &marks, log)
	drainErr := sched.Drain(runCtx)

	mu.Lock()
	finalOrchErr := orchErr
	mu.Unlock()

	return c.finalize(cp, resumed, start, sched.Progress(), finalOrchErr, listErr, drainErr, &mu, log)
}

// openCheckpoint resumes an interrupted checkpoint when requested and one
// is available, otherwise creates a fresh one.
func (c *Coordinator) openCheckpoint(query string, opts Options) (*model.SyncCheckpoint, bool, error) {
	if opts.Resume {
		cp, err := c.cps.LatestResumable(query, c.cfg.StaleAfter)
		if err != nil {
			return nil, false, &OrchestrationError{Op: "checkpoint", Err: err}
		}
		if cp != nil {
			// The store re-checks the one-active-run-per-target rule
			// before handing the checkpoint back to a running state.
			if err := c.cps.Reopen(cp); err != nil {
				if errors.Is(err, checkpoint.ErrAlreadyRunning) {
					return nil, false, err
				}
				return nil, false, &OrchestrationError{Op: "checkpoint", Err: err}
			}
			return cp, true, nil
		}
	}

	cp, err := c.cps.Create(query, opts.OutputLocation, opts.Metadata)
	if err != nil {
		if errors.Is(err, checkpoint.ErrAlreadyRunning) {
			return nil, false, err
		}
		return nil, false, &OrchestrationError{Op: "checkpoint", Err: err}
	}
	return cp, false, nil
}

// listAndFeed pages through the id listing and feeds each page to the
// scheduler, retrying transient listing failures with the shared policy.
func (c *Coordinator) listAndFeed(
	ctx context.Context,
	src source.RecordSource,
	sched *fetch.Scheduler,
	cp *model.SyncCheckpoint,
	query string,
	mu *gosync.Mutex,
	marks *[]pageMark,
	log *zap.Logger,
) error {
	token := cp.Cursor.PageToken
	skip := cp.Cursor.Skip
	pageStart := cp.ProcessedCount - skip

	for {
		var page *source.Page
		err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			p, lerr := src.ListPage(ctx, query, token, c.cfg.PageSize)
			if lerr == nil {
				page = p
			}
			return lerr
		})
		if err != nil {
			return err
		}

		mu.Lock()
		*marks = append(*marks, pageMark{start: pageStart, token: token})
		var estErr error
		if page.TotalEstimate > cp.TotalEstimate {
			estErr = c.cps.SetTotalEstimate(cp, page.TotalEstimate)
		}
		mu.Unlock()
		if estErr != nil {
			return estErr
		}

		ids := page.IDs
		pageStart += len(ids)

		// On resume, ids at the head of the first page are already final.
		if skip > 0 {
			if skip >= len(ids) {
				skip -= len(ids)
				ids = nil
			} else {
				ids = ids[skip:]
				skip = 0
			}
		}

		if len(ids) > 0 {
			log.Debug("feeding page",
				zap.Int("ids", len(ids)),
				zap.String("page_token", token))
			if err := sched.Feed(ctx, ids); err != nil {
				return err
			}
		}

		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

// cursorFor translates a watermark position into a resumable cursor: the
// token of the page containing the watermark plus the offset inside it.
func cursorFor(marks []pageMark, watermark int) model.Cursor {
	cursor := model.Cursor{}
	for _, m := range marks {
		if m.start > watermark {
			break
		}
		cursor = model.Cursor{PageToken: m.token, Skip: watermark - m.start}
	}
	return cursor
}

// finalize flushes the final progress, picks the terminal state, and marks
// the checkpoint exactly once.
func (c *Coordinator) finalize(
	cp *model.SyncCheckpoint,
	resumed bool,
	start time.Time,
	final fetch.Progress,
	orchErr, listErr, drainErr error,
	mu *gosync.Mutex,
	log *zap.Logger,
) (*RunReport, error) {
	// A straggler batch that outlived the drain grace may still tick
	// progress; the terminal mark and the report read the same checkpoint
	// fields that tick writes.
	mu.Lock()
	defer mu.Unlock()

	// Precedence: an orchestration failure explains everything downstream
	// of it (workers abort with context errors once the run is cancelled).
	runErr := orchErr
	if runErr == nil && listErr != nil && !isCancellation(listErr) {
		runErr = &OrchestrationError{Op: "list", Err: listErr}
	}
	if runErr == nil && drainErr != nil && !isCancellation(drainErr) {
		runErr = &OrchestrationError{Op: "fetch", Err: drainErr}
	}

	interrupted := runErr == nil && (isCancellation(listErr) || isCancellation(drainErr))

	switch {
	case runErr != nil:
		if err := c.cps.MarkFailed(cp); err != nil {
			log.Error("marking checkpoint failed", zap.Error(err))
		}
		log.Error("sync run failed",
			zap.Int("processed", final.Processed),
			zap.Error(runErr))
		return c.report(cp, resumed, start), runErr

	case interrupted:
		if err := c.cps.MarkInterrupted(cp); err != nil {
			log.Error("marking checkpoint interrupted", zap.Error(err))
		}
		log.Info("sync run interrupted",
			zap.Int("processed", final.Processed),
			zap.Int("quarantined", final.Quarantined))
		return c.report(cp, resumed, start), nil

	default:
		if err := c.cps.MarkCompleted(cp); err != nil {
			return c.report(cp, resumed, start), &OrchestrationError{Op: "checkpoint", Err: err}
		}
		log.Info("sync run completed",
			zap.Int("processed", final.Processed),
			zap.Int("quarantined", final.Quarantined),
			zap.Duration("duration", time.Since(start)))
		return c.report(cp, resumed, start), nil
	}
}

func (c *Coordinator) report(cp *model.SyncCheckpoint, resumed bool, start time.Time) *RunReport {
	return &RunReport{
		SyncID:        cp.SyncID,
		State:         cp.State,
		Processed:     cp.ProcessedCount,
		Quarantined:   cp.QuarantinedCount,
		TotalEstimate: cp.TotalEstimate,
		Resumed:       resumed,
		Duration:      time.Since(start),
	}
}

// isCancellation reports whether err is the cooperative cancellation
// signal. Cancellation is not a failure: no data is corrupted, work is only
// left unprocessed.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
