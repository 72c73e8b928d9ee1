// Package queue runs chapter downloads one at a time in FIFO order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/italolelis/manhwa_downloader/internal/downloader"
	"github.com/italolelis/manhwa_downloader/internal/events"
	"github.com/italolelis/manhwa_downloader/internal/logctx"
	"github.com/italolelis/manhwa_downloader/internal/storage"
	"github.com/italolelis/manhwa_downloader/internal/telemetry"
)

// Resolver returns the ordered image URLs of a chapter.
type Resolver interface {
	ResolveChapterImages(ctx context.Context, chapterID int64) ([]string, error)
}

// Materializer writes a list of images into a directory.
type Materializer interface {
	Materialize(ctx context.Context, urls []string, destDir string, onProgress downloader.ProgressFunc) error
}

// Emitter publishes scheduler events.
type Emitter interface {
	Emit(e events.Event)
}

// Request asks for one chapter to be downloaded.
type Request struct {
	WorkID      int64  `json:"work_id"`
	ChapterID   int64  `json:"chapter_id"`
	ChapterName string `json:"chapter_name,omitempty"`
	BatchIndex  int    `json:"batch_index,omitempty"`
	BatchTotal  int    `json:"batch_total,omitempty"`

	// restored requests already have a record from a previous run.
	restored bool
}

func (r Request) key() chapterKey {
	return chapterKey{workID: r.WorkID, chapterID: r.ChapterID}
}

func (r Request) unit() events.Unit {
	return events.Unit{WorkID: r.WorkID, ChapterID: r.ChapterID, ChapterName: r.ChapterName}
}

type chapterKey struct {
	workID    int64
	chapterID int64
}

// Chapter is one entry of a batch enqueue.
type Chapter struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// EnqueueResult is the outcome of enqueueing one chapter of a batch.
type EnqueueResult struct {
	Request Request
	Queued  bool
	Err     error
}

// Scheduler downloads queued chapters strictly one at a time, in the order
// they were enqueued. A failing chapter never stops the ones behind it.
type Scheduler struct {
	store        storage.DownloadRepository
	resolver     Resolver
	materializer Materializer
	emitter      Emitter
	telemetry    *telemetry.Telemetry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	queue       []Request
	current     *Request
	tracked     map[chapterKey]storage.Status
	downloading bool
	paused      bool
	closed      bool

	stopRequested atomic.Bool
}

// NewScheduler creates a scheduler whose downloads run under ctx. emitter and
// tel may be nil.
func NewScheduler(
	ctx context.Context,
	store storage.DownloadRepository,
	resolver Resolver,
	materializer Materializer,
	emitter Emitter,
	tel *telemetry.Telemetry,
) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		store:        store,
		resolver:     resolver,
		materializer: materializer,
		emitter:      emitter,
		telemetry:    tel,
		ctx:          ctx,
		cancel:       cancel,
		tracked:      make(map[chapterKey]storage.Status),
	}
}

// Enqueue adds req to the back of the queue. It returns false with a
// *DuplicateError when the chapter already has a record or is already queued
// or running, and false with a *PersistenceError when the store could not be
// consulted.
func (s *Scheduler) Enqueue(ctx context.Context, req Request) (bool, error) {
	logger := logctx.LoggerFromContext(ctx).With("work_id", req.WorkID, "chapter_id", req.ChapterID)
	key := req.key()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return false, ErrClosed
	}

	if status, ok := s.tracked[key]; ok {
		s.mu.Unlock()

		logger.Debug("chapter already queued", "status", status)

		return false, &DuplicateError{WorkID: req.WorkID, ChapterID: req.ChapterID, Status: status}
	}

	// Reserve the chapter while the store is consulted so a concurrent
	// enqueue of the same chapter is rejected.
	s.tracked[key] = storage.StatusPending
	s.mu.Unlock()

	record, err := s.store.Get(ctx, req.WorkID, req.ChapterID)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		s.mu.Lock()
		delete(s.tracked, key)
		s.mu.Unlock()

		if err != nil {
			return false, &PersistenceError{Op: "check", WorkID: req.WorkID, ChapterID: req.ChapterID, Err: err}
		}

		logger.Info("chapter already downloaded or in progress", "status", record.Status)

		return false, &DuplicateError{WorkID: req.WorkID, ChapterID: req.ChapterID, Status: record.Status}
	}

	s.mu.Lock()
	if s.closed {
		delete(s.tracked, key)
		s.mu.Unlock()

		return false, ErrClosed
	}

	s.queue = append(s.queue, req)
	update := s.snapshotLocked(nil)
	s.mu.Unlock()

	logger.Info("chapter queued", "chapter_name", req.ChapterName, "queued", update.Queued)

	s.emit(ctx, update)
	s.processQueue()

	return true, nil
}

// EnqueueBatch enqueues chapters of workID in order, numbering them inside
// the batch.
func (s *Scheduler) EnqueueBatch(ctx context.Context, workID int64, chapters []Chapter) []EnqueueResult {
	results := make([]EnqueueResult, 0, len(chapters))

	for i, ch := range chapters {
		req := Request{
			WorkID:      workID,
			ChapterID:   ch.ID,
			ChapterName: ch.Name,
			BatchIndex:  i + 1,
			BatchTotal:  len(chapters),
		}

		queued, err := s.Enqueue(ctx, req)
		results = append(results, EnqueueResult{Request: req, Queued: queued, Err: err})
	}

	return results
}

// Restore re-queues the records a previous process left pending or
// downloading, oldest first, with their progress reset.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := s.store.ListByStatus(ctx, storage.StatusPending, storage.StatusDownloading)
	if err != nil {
		return 0, &PersistenceError{Op: "list", Err: err}
	}

	restored := 0

	for _, record := range records {
		if err := s.store.UpdateStatus(ctx, record.WorkID, record.ChapterID, storage.StatusPending); err != nil {
			logger.Warn("failed to reset interrupted download", "work_id", record.WorkID, "chapter_id", record.ChapterID, "err", err)

			continue
		}

		req := Request{
			WorkID:      record.WorkID,
			ChapterID:   record.ChapterID,
			ChapterName: record.ChapterName,
			restored:    true,
		}

		s.mu.Lock()
		if _, ok := s.tracked[req.key()]; ok || s.closed {
			s.mu.Unlock()

			continue
		}

		s.tracked[req.key()] = storage.StatusPending
		s.queue = append(s.queue, req)
		s.mu.Unlock()

		restored++
	}

	if restored > 0 {
		logger.Info("restored interrupted downloads", "count", restored)

		s.emit(ctx, s.Snapshot())
		s.processQueue()
	}

	return restored, nil
}

// Pause stops the scheduler from starting new chapters. The running chapter
// is not interrupted.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	update := s.snapshotLocked(nil)
	s.mu.Unlock()

	logctx.LoggerFromContext(s.ctx).Info("download queue paused", "queued", update.Queued)

	s.emit(s.ctx, update)
}

// Resume lets the scheduler start queued chapters again.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	update := s.snapshotLocked(nil)
	s.mu.Unlock()

	logctx.LoggerFromContext(s.ctx).Info("download queue resumed", "queued", update.Queued)

	s.emit(s.ctx, update)
	s.processQueue()
}

// CancelAll drops every queued request and asks the running chapter to stop
// starting new images. Images already in flight are left to finish. It
// returns the number of dropped requests.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	dropped := len(s.queue)

	for _, req := range s.queue {
		delete(s.tracked, req.key())
	}

	s.queue = nil

	if s.current != nil {
		s.stopRequested.Store(true)
	}

	update := s.snapshotLocked(nil)
	s.mu.Unlock()

	logctx.LoggerFromContext(s.ctx).Info("download queue cancelled", "dropped", dropped, "stopping_current", update.Downloading)

	s.emit(s.ctx, update)

	return dropped
}

// CurrentDownload returns the running request, or the head of the queue when
// nothing is running.
func (s *Scheduler) CurrentDownload() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return *s.current, true
	}

	if len(s.queue) > 0 {
		return s.queue[0], true
	}

	return Request{}, false
}

// QueueSize returns the number of requests waiting to start.
func (s *Scheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Queued returns a copy of the waiting requests in service order.
func (s *Scheduler) Queued() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Request(nil), s.queue...)
}

// Snapshot returns the current scheduler state.
func (s *Scheduler) Snapshot() events.QueueUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked(nil)
}

// Close stops accepting requests, cancels the running chapter and waits for
// it to return. Its record is left for Restore.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) snapshotLocked(finished *events.Outcome) events.QueueUpdate {
	update := events.QueueUpdate{
		Queued:      len(s.queue),
		Downloading: s.current != nil,
		Paused:      s.paused,
		Finished:    finished,
	}

	if s.current != nil {
		unit := s.current.unit()
		update.Current = &unit
	}

	return update
}

func (s *Scheduler) emit(ctx context.Context, e events.Event) {
	if update, ok := e.(events.QueueUpdate); ok {
		s.telemetry.RecordQueueSize(ctx, update.Queued)
	}

	if s.emitter != nil {
		s.emitter.Emit(e)
	}
}

// processQueue starts the head of the queue unless a chapter is already
// running, the queue is paused or there is nothing to do.
func (s *Scheduler) processQueue() {
	s.mu.Lock()
	if s.downloading || s.paused || s.closed || len(s.queue) == 0 {
		s.mu.Unlock()

		return
	}

	req := s.queue[0]
	s.queue = s.queue[1:]
	s.current = &req
	s.downloading = true
	s.tracked[req.key()] = storage.StatusDownloading
	s.stopRequested.Store(false)
	update := s.snapshotLocked(nil)
	s.wg.Add(1)
	s.mu.Unlock()

	s.emit(s.ctx, update)

	go func() {
		defer s.wg.Done()

		outcome := s.runOne(req)

		s.mu.Lock()
		s.current = nil
		delete(s.tracked, req.key())
		update := s.snapshotLocked(&outcome)
		s.mu.Unlock()

		s.emit(s.ctx, update)

		s.mu.Lock()
		s.downloading = false
		s.mu.Unlock()

		s.processQueue()
	}()
}

func (s *Scheduler) runOne(req Request) (outcome events.Outcome) {
	ctx, logger := logctx.WithChapter(s.ctx, req.WorkID, req.ChapterID)
	outcome = events.Outcome{Unit: req.unit()}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("chapter download panic",
				"operation", "run_one",
				"panic", r,
				"stack", string(debug.Stack()))
			s.telemetry.RecordPanic(ctx, "scheduler")

			outcome.Status = storage.StatusFailed
			outcome.Err = fmt.Errorf("panic while downloading chapter: %v", r)
			outcome.Error = outcome.Err.Error()
			s.setStatus(context.WithoutCancel(ctx), req, storage.StatusFailed)
		}
	}()

	logger.Info("starting chapter download", "chapter_name", req.ChapterName)

	err := s.telemetry.InstrumentDownload(ctx, func(ctx context.Context) (string, error) {
		status, err := s.download(ctx, req)
		outcome.Status = status

		return string(status), err
	})
	outcome.Err = err
	if err != nil {
		outcome.Error = err.Error()
	}

	switch {
	case err == nil:
		logger.Info("chapter download finished", "status", outcome.Status)
	case errors.Is(err, downloader.ErrStopped):
		logger.Info("chapter download stopped before completion", "status", outcome.Status)
	case ctx.Err() != nil:
		logger.Info("chapter download interrupted by shutdown", "err", err)
	default:
		logger.Error("chapter download failed", "status", outcome.Status, "err", err)
	}

	return outcome
}

// download runs one chapter to a final status. Store failures after the
// record exists are logged and do not change the outcome.
func (s *Scheduler) download(ctx context.Context, req Request) (storage.Status, error) {
	record, err := s.prepareRecord(ctx, req)
	if err != nil {
		return storage.StatusFailed, err
	}

	urls, err := s.resolver.ResolveChapterImages(ctx, req.ChapterID)
	if err != nil {
		if ctx.Err() != nil {
			return record.Status, ctx.Err()
		}

		s.setStatus(ctx, req, storage.StatusFailed)

		return storage.StatusFailed, &ResolutionError{WorkID: req.WorkID, ChapterID: req.ChapterID, Err: err}
	}

	s.setStatus(ctx, req, storage.StatusDownloading)

	err = s.materializer.Materialize(ctx, urls, record.Path, s.progressFunc(ctx, req))

	// Final writes must land even when shutdown cancelled ctx.
	final := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		s.setStatus(final, req, storage.StatusCompleted)

		return storage.StatusCompleted, nil
	case errors.Is(err, downloader.ErrStopped):
		// A partial chapter is never kept; the record waits for a fresh retry.
		return storage.StatusDownloading, err
	case ctx.Err() != nil:
		return storage.StatusDownloading, ctx.Err()
	default:
		s.setStatus(final, req, storage.StatusFailed)

		return storage.StatusFailed, &TransferError{WorkID: req.WorkID, ChapterID: req.ChapterID, Err: err}
	}
}

func (s *Scheduler) prepareRecord(ctx context.Context, req Request) (storage.DownloadRecord, error) {
	if req.restored {
		record, err := s.store.Get(ctx, req.WorkID, req.ChapterID)
		if err != nil {
			return storage.DownloadRecord{}, &PersistenceError{Op: "get", WorkID: req.WorkID, ChapterID: req.ChapterID, Err: err}
		}

		return *record, nil
	}

	record, err := s.store.Create(ctx, req.WorkID, req.ChapterID, req.ChapterName)
	if err != nil {
		return record, &PersistenceError{Op: "create", WorkID: req.WorkID, ChapterID: req.ChapterID, Err: err}
	}

	return record, nil
}

// progressFunc forwards whole-percent increases to the store and the event
// bus, and relays stop requests to the materializer.
func (s *Scheduler) progressFunc(ctx context.Context, req Request) downloader.ProgressFunc {
	logger := logctx.LoggerFromContext(ctx)
	last := -1

	return func(fraction float64) bool {
		percentage := storage.ClampProgress(int(math.Floor(fraction * 100)))

		if percentage > last {
			last = percentage

			if err := s.store.UpdateProgress(ctx, req.WorkID, req.ChapterID, percentage); err != nil {
				logger.Warn("failed to store download progress", "percentage", percentage,
					"err", &PersistenceError{Op: "update progress", WorkID: req.WorkID, ChapterID: req.ChapterID, Err: err})
			}

			s.emit(ctx, events.Progress{
				WorkID:     req.WorkID,
				ChapterID:  req.ChapterID,
				BatchIndex: req.BatchIndex,
				BatchTotal: req.BatchTotal,
				Percentage: percentage,
			})
		}

		return s.stopRequested.Load()
	}
}

func (s *Scheduler) setStatus(ctx context.Context, req Request, status storage.Status) {
	if err := s.store.UpdateStatus(ctx, req.WorkID, req.ChapterID, status); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to store download status", "status", status,
			"err", &PersistenceError{Op: "update status", WorkID: req.WorkID, ChapterID: req.ChapterID, Err: err})
	}
}
