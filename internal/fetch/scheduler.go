package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/sink"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/internal/store"
)

// Progress is a snapshot of the scheduler's contiguous completed prefix.
type Progress struct {
	// Processed is the number of ids, counted from the very start of the
	// id sequence, whose outcome is final: archived or dead-lettered.
	Processed int

	// Quarantined is the number of those ids routed to the dead letter
	// queue.
	Quarantined int

	// LastRecordID is the id of the last record inside the prefix.
	LastRecordID string
}

// batchDone records a completed batch waiting for the watermark to reach it.
type batchDone struct {
	count        int
	quarantined  int
	lastRecordID string
}

// SchedulerConfig holds the scheduler's run parameters.
type SchedulerConfig struct {
	// SyncID and Query identify the run for sink and DLQ writes.
	SyncID string
	Query  string

	// Width is the number of batches allowed in flight at once.
	Width int

	// BatchSize is how many ids each dispatched batch carries.
	BatchSize int

	// Format is passed through to the batch client.
	Format source.Format

	// DrainGrace bounds how long Drain waits for in-flight batches after
	// cancellation.
	DrainGrace time.Duration

	// Initial seeds the progress counters when resuming a prior run.
	Initial Progress
}

// Scheduler drives a bounded worker pool of batch fetches over an ordered
// id sequence. Batches complete in any order, but the progress watermark
// only ever advances across the longest contiguous completed prefix, so a
// checkpoint taken from a progress tick can never skip an unfinished id.
type Scheduler struct {
	client *BatchClient
	sink   sink.RecordSink
	dlq    store.DeadLetterStore
	cfg    SchedulerConfig
	log    *zap.Logger

	// onProgress receives watermark advances, serially and in order.
	onProgress func(Progress)

	slots chan struct{}
	wg    sync.WaitGroup

	mu          sync.Mutex
	nextSeq     int
	doneSeq     int // batches [0, doneSeq) are complete
	completed   map[int]batchDone
	progress    Progress
	abortErr    error
}

// NewScheduler creates a Scheduler. onProgress may be nil.
func NewScheduler(
	client *BatchClient,
	recordSink sink.RecordSink,
	dlq store.DeadLetterStore,
	cfg SchedulerConfig,
	onProgress func(Progress),
	log *zap.Logger,
) *Scheduler {
	if cfg.Width < 1 {
		cfg.Width = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Scheduler{
		client:     client,
		sink:       recordSink,
		dlq:        dlq,
		cfg:        cfg,
		log:        log,
		onProgress: onProgress,
		slots:      make(chan struct{}, cfg.Width),
		completed:  make(map[int]batchDone),
		progress:   cfg.Initial,
	}
}

// Feed slices a page of ids into batches and dispatches them, blocking
// while all worker slots are busy. It stops admitting work once ctx is
// cancelled or a worker has reported an abort.
func (s *Scheduler) Feed(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += s.cfg.BatchSize {
		if err := s.AbortErr(); err != nil {
			return err
		}

		end := start + s.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.slots <- struct{}{}:
		}

		s.mu.Lock()
		seq := s.nextSeq
		s.nextSeq++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runBatch(ctx, seq, batch)
	}
	return nil
}

// Drain waits for all in-flight batches. After cancellation it waits at
// most the configured grace period; work still outstanding then is simply
// left unprocessed for a future resume, never corrupted.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t := time.NewTimer(s.cfg.DrainGrace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			s.log.Warn("drain grace period elapsed with batches still in flight",
				zap.Duration("grace", s.cfg.DrainGrace))
			if err := s.AbortErr(); err != nil {
				return err
			}
			// Work is still outstanding, so the cancellation must reach
			// the caller: the run is interrupted, not complete.
			return ctx.Err()
		}
	}
	return s.AbortErr()
}

// Progress returns the current contiguous-prefix snapshot.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// AbortErr returns the first abort reported by a worker, if any.
func (s *Scheduler) AbortErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErr
}

// runBatch executes one batch end to end: fetch, deliver outcomes, then
// mark the batch complete. Delivery happens before completion so the
// watermark can never pass a record that was fetched but not yet stored.
func (s *Scheduler) runBatch(ctx context.Context, seq int, ids []string) {
	defer func() {
		<-s.slots
		s.wg.Done()
	}()

	res, err := s.client.Submit(ctx, ids, s.cfg.Format)
	if err != nil {
		s.abort(err)
		return
	}

	quarantined := 0
	for _, id := range ids {
		if rec, ok := res.Records[id]; ok {
			if err := s.sink.Store(ctx, s.cfg.SyncID, s.cfg.Query, rec); err != nil {
				s.abort(err)
				return
			}
			continue
		}

		ferr := res.Failed[id]
		if ferr == nil {
			// The batch client guarantees an outcome per id; keep a
			// misbehaving source from crashing the worker anyway.
			ferr = &source.PermanentError{
				RecordID: id,
				Reason:   "missing_from_response",
				Err:      errors.New("no outcome returned"),
			}
		}
		s.log.Warn("record permanently failed, routing to dead letter queue",
			zap.String("record_id", id),
			zap.Int("batch_seq", seq),
			zap.Error(ferr))

		entry := model.DeadLetterEntry{
			RecordID:      id,
			Query:         s.cfg.Query,
			FailureReason: source.PermanentReason(ferr),
			RawError:      ferr.Error(),
		}
		if err := s.dlq.Append(ctx, entry); err != nil {
			s.abort(err)
			return
		}
		quarantined++
	}

	s.complete(seq, batchDone{
		count:        len(ids),
		quarantined:  quarantined,
		lastRecordID: ids[len(ids)-1],
	})
}

// abort records the first abort error; later aborts keep the original.
func (s *Scheduler) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortErr == nil {
		s.abortErr = err
	}
}

// complete marks a batch done and advances the watermark across the
// contiguous completed prefix. Progress ticks fire serially, in watermark
// order, while the lock is held.
func (s *Scheduler) complete(seq int, done batchDone) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed[seq] = done

	advanced := false
	for {
		d, ok := s.completed[s.doneSeq]
		if !ok {
			break
		}
		delete(s.completed, s.doneSeq)
		s.doneSeq++
		s.progress.Processed += d.count
		s.progress.Quarantined += d.quarantined
		s.progress.LastRecordID = d.lastRecordID
		advanced = true
	}

	if advanced && s.onProgress != nil {
		s.onProgress(s.progress)
	}
}
