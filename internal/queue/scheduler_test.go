package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/manhwa_downloader/internal/chapterdir"
	"github.com/italolelis/manhwa_downloader/internal/downloader"
	"github.com/italolelis/manhwa_downloader/internal/events"
	"github.com/italolelis/manhwa_downloader/internal/storage"
	"github.com/italolelis/manhwa_downloader/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type fakeResolver struct {
	mu       sync.Mutex
	failures map[int64]error
	urls     map[int64][]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{failures: map[int64]error{}, urls: map[int64][]string{}}
}

func (r *fakeResolver) ResolveChapterImages(_ context.Context, chapterID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failures[chapterID]; err != nil {
		return nil, err
	}

	if urls, ok := r.urls[chapterID]; ok {
		return urls, nil
	}

	return []string{fmt.Sprintf("https://cdn.example.com/%d/1.jpg", chapterID)}, nil
}

// fakeMaterializer reports half progress, checks for a stop request and then
// completes. When gate is set every call waits for a value from it first.
type fakeMaterializer struct {
	mu          sync.Mutex
	calls       []int64
	inFlight    int
	maxInFlight int
	failures    map[int64]error
	gate        chan struct{}
	started     chan int64
	delay       time.Duration
}

func newFakeMaterializer() *fakeMaterializer {
	return &fakeMaterializer{failures: map[int64]error{}, started: make(chan int64, 64)}
}

func (m *fakeMaterializer) Materialize(ctx context.Context, _ []string, destDir string, onProgress downloader.ProgressFunc) error {
	id, _ := strconv.ParseInt(filepath.Base(destDir), 10, 64)

	m.mu.Lock()
	m.calls = append(m.calls, id)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	err := m.failures[id]
	gate := m.gate
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	m.started <- id

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if err != nil {
		return err
	}

	if onProgress(0.5) {
		return downloader.ErrStopped
	}

	onProgress(1)

	return nil
}

func (m *fakeMaterializer) callOrder() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int64(nil), m.calls...)
}

type harness struct {
	scheduler    *Scheduler
	store        *sqlite.DownloadRepository
	bus          *events.Bus
	resolver     *fakeResolver
	materializer *fakeMaterializer
	finished     chan events.Outcome
	layout       *chapterdir.Layout
}

func newStore(t *testing.T) (*sqlite.DownloadRepository, *chapterdir.Layout) {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	layout, err := chapterdir.NewLayout(filepath.Join(dir, "library"))
	require.NoError(t, err)

	return sqlite.NewDownloadRepository(db, layout), layout
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, layout := newStore(t)

	h := &harness{
		store:        store,
		bus:          events.NewBus(nil),
		resolver:     newFakeResolver(),
		materializer: newFakeMaterializer(),
		finished:     make(chan events.Outcome, 64),
		layout:       layout,
	}

	events.Subscribe(h.bus, func(u events.QueueUpdate) {
		if u.Finished != nil {
			h.finished <- *u.Finished
		}
	})

	h.scheduler = NewScheduler(context.Background(), store, h.resolver, h.materializer, h.bus, nil)
	t.Cleanup(h.scheduler.Close)

	return h
}

func (h *harness) waitFinished(t *testing.T, n int) []events.Outcome {
	t.Helper()

	outcomes := make([]events.Outcome, 0, n)

	for len(outcomes) < n {
		select {
		case o := <-h.finished:
			outcomes = append(outcomes, o)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for %d finished downloads, got %d", n, len(outcomes))
		}
	}

	return outcomes
}

func (h *harness) waitStarted(t *testing.T) int64 {
	t.Helper()

	select {
	case id := <-h.materializer.started:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a download to start")
	}

	return 0
}

func (h *harness) status(t *testing.T, chapterID int64) storage.Status {
	t.Helper()

	record, err := h.store.Get(context.Background(), 1, chapterID)
	require.NoError(t, err)

	return record.Status
}

func req(chapterID int64) Request {
	return Request{WorkID: 1, ChapterID: chapterID, ChapterName: fmt.Sprintf("Ch.%d", chapterID)}
}

func TestEnqueue_NoDuplicates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.materializer.gate = make(chan struct{})

	queued, err := h.scheduler.Enqueue(ctx, req(10))
	require.NoError(t, err)
	assert.True(t, queued)

	h.waitStarted(t)

	queued, err = h.scheduler.Enqueue(ctx, req(10))
	assert.False(t, queued)

	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, storage.StatusDownloading, dup.Status)

	h.materializer.gate <- struct{}{}
	h.waitFinished(t, 1)

	queued, err = h.scheduler.Enqueue(ctx, req(10))
	assert.False(t, queued)
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, storage.StatusCompleted, dup.Status)

	all, err := h.store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnqueue_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	h.scheduler.Pause()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			queued, _ := h.scheduler.Enqueue(context.Background(), req(10))
			if queued {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.scheduler.QueueSize())
}

func TestScheduler_SingleFlightFIFO(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.materializer.delay = 10 * time.Millisecond

	for _, id := range []int64{10, 11, 12} {
		queued, err := h.scheduler.Enqueue(ctx, req(id))
		require.NoError(t, err)
		require.True(t, queued)
	}

	outcomes := h.waitFinished(t, 3)

	assert.Equal(t, []int64{10, 11, 12}, h.materializer.callOrder())
	assert.Equal(t, 1, h.materializer.maxInFlight)

	for i, id := range []int64{10, 11, 12} {
		assert.Equal(t, id, outcomes[i].ChapterID)
		assert.Equal(t, storage.StatusCompleted, outcomes[i].Status)
		assert.NoError(t, outcomes[i].Err)

		record, err := h.store.Get(ctx, 1, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusCompleted, record.Status)
		assert.Equal(t, 100, record.Progress)
	}

	_, ok := h.scheduler.CurrentDownload()
	assert.False(t, ok)
}

func TestScheduler_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.resolver.failures[11] = errors.New("resolver unavailable")
	h.materializer.failures[12] = errors.New("disk full")

	for _, id := range []int64{10, 11, 12, 13} {
		_, err := h.scheduler.Enqueue(ctx, req(id))
		require.NoError(t, err)
	}

	outcomes := h.waitFinished(t, 4)

	assert.Equal(t, storage.StatusCompleted, outcomes[0].Status)

	assert.Equal(t, storage.StatusFailed, outcomes[1].Status)
	var resolutionErr *ResolutionError
	require.True(t, errors.As(outcomes[1].Err, &resolutionErr))
	assert.Equal(t, int64(11), resolutionErr.ChapterID)

	assert.Equal(t, storage.StatusFailed, outcomes[2].Status)
	var transferErr *TransferError
	require.True(t, errors.As(outcomes[2].Err, &transferErr))
	assert.EqualError(t, transferErr.Unwrap(), "disk full")

	assert.Equal(t, storage.StatusCompleted, outcomes[3].Status)

	assert.Equal(t, storage.StatusCompleted, h.status(t, 10))
	assert.Equal(t, storage.StatusFailed, h.status(t, 11))
	assert.Equal(t, storage.StatusFailed, h.status(t, 12))
	assert.Equal(t, storage.StatusCompleted, h.status(t, 13))

	// The resolver failed before any image was requested.
	assert.Equal(t, []int64{10, 12, 13}, h.materializer.callOrder())
}

func TestScheduler_PauseResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.scheduler.Pause()
	assert.True(t, h.scheduler.Snapshot().Paused)

	for _, id := range []int64{10, 11} {
		_, err := h.scheduler.Enqueue(ctx, req(id))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, h.scheduler.QueueSize())

	head, ok := h.scheduler.CurrentDownload()
	require.True(t, ok)
	assert.Equal(t, int64(10), head.ChapterID)
	assert.Empty(t, h.materializer.callOrder())

	h.scheduler.Resume()

	outcomes := h.waitFinished(t, 2)
	assert.Equal(t, int64(10), outcomes[0].ChapterID)
	assert.Equal(t, int64(11), outcomes[1].ChapterID)
}

func TestScheduler_PauseDoesNotInterruptRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.materializer.gate = make(chan struct{})

	for _, id := range []int64{10, 11} {
		_, err := h.scheduler.Enqueue(ctx, req(id))
		require.NoError(t, err)
	}

	assert.Equal(t, int64(10), h.waitStarted(t))

	h.scheduler.Pause()
	h.materializer.gate <- struct{}{}

	outcomes := h.waitFinished(t, 1)
	assert.Equal(t, storage.StatusCompleted, outcomes[0].Status)

	assert.Equal(t, 1, h.scheduler.QueueSize())
	assert.Equal(t, []int64{10}, h.materializer.callOrder())

	h.scheduler.Resume()
	assert.Equal(t, int64(11), h.waitStarted(t))
	h.materializer.gate <- struct{}{}
	h.waitFinished(t, 1)
}

func TestScheduler_CancelAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.materializer.gate = make(chan struct{})

	for _, id := range []int64{10, 11, 12} {
		_, err := h.scheduler.Enqueue(ctx, req(id))
		require.NoError(t, err)
	}

	h.waitStarted(t)

	assert.Equal(t, 2, h.scheduler.CancelAll())
	assert.Equal(t, 0, h.scheduler.QueueSize())

	h.materializer.gate <- struct{}{}

	outcomes := h.waitFinished(t, 1)
	assert.Equal(t, int64(10), outcomes[0].ChapterID)
	assert.Equal(t, storage.StatusDownloading, outcomes[0].Status)
	assert.ErrorIs(t, outcomes[0].Err, downloader.ErrStopped)
	assert.NotEmpty(t, outcomes[0].Error)

	// The stopped chapter keeps a non-terminal record and is not retried on its own.
	assert.Equal(t, storage.StatusDownloading, h.status(t, 10))

	_, err := h.scheduler.Enqueue(ctx, req(10))
	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, storage.StatusDownloading, dup.Status)

	for _, id := range []int64{11, 12} {
		exists, err := h.store.Exists(ctx, 1, id)
		require.NoError(t, err)
		assert.False(t, exists, "dropped chapter %d must not have a record", id)
	}

	// Dropped chapters can be enqueued again.
	queued, err := h.scheduler.Enqueue(ctx, req(11))
	require.NoError(t, err)
	assert.True(t, queued)

	h.waitStarted(t)
	h.materializer.gate <- struct{}{}

	outcomes = h.waitFinished(t, 1)
	assert.Equal(t, storage.StatusCompleted, outcomes[0].Status)
}

func TestScheduler_Restore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.Create(ctx, 1, 10, "Ch.10")
	require.NoError(t, err)
	_, err = h.store.Create(ctx, 1, 11, "Ch.11")
	require.NoError(t, err)
	_, err = h.store.Create(ctx, 1, 12, "Ch.12")
	require.NoError(t, err)

	require.NoError(t, h.store.UpdateStatus(ctx, 1, 11, storage.StatusDownloading))
	require.NoError(t, h.store.UpdateProgress(ctx, 1, 11, 40))
	require.NoError(t, h.store.UpdateStatus(ctx, 1, 12, storage.StatusCompleted))

	restored, err := h.scheduler.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	outcomes := h.waitFinished(t, 2)
	assert.Equal(t, int64(10), outcomes[0].ChapterID)
	assert.Equal(t, int64(11), outcomes[1].ChapterID)

	assert.Equal(t, storage.StatusCompleted, h.status(t, 10))
	assert.Equal(t, storage.StatusCompleted, h.status(t, 11))
	assert.Equal(t, []int64{10, 11}, h.materializer.callOrder())
}

func TestScheduler_ProgressEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var (
		mu       sync.Mutex
		progress []events.Progress
	)

	events.Subscribe(h.bus, func(p events.Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	results := h.scheduler.EnqueueBatch(ctx, 1, []Chapter{{ID: 10, Name: "Ch.10"}, {ID: 11, Name: "Ch.11"}})
	require.Len(t, results, 2)
	assert.True(t, results[0].Queued)
	assert.True(t, results[1].Queued)

	h.waitFinished(t, 2)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, progress, 4)
	assert.Equal(t, events.Progress{WorkID: 1, ChapterID: 10, BatchIndex: 1, BatchTotal: 2, Percentage: 50}, progress[0])
	assert.Equal(t, 100, progress[1].Percentage)
	assert.Equal(t, int64(11), progress[2].ChapterID)
	assert.Equal(t, 2, progress[2].BatchIndex)
	assert.Equal(t, 100, progress[3].Percentage)
}

func TestScheduler_EnqueueBatchReportsDuplicates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.scheduler.Pause()

	results := h.scheduler.EnqueueBatch(ctx, 1, []Chapter{{ID: 10}, {ID: 10}, {ID: 11}})
	require.Len(t, results, 3)

	assert.True(t, results[0].Queued)
	assert.False(t, results[1].Queued)

	var dup *DuplicateError
	assert.True(t, errors.As(results[1].Err, &dup))
	assert.True(t, results[2].Queued)
	assert.Equal(t, 3, results[2].Request.BatchIndex)
}

func TestScheduler_CloseLeavesRecordForRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.materializer.gate = make(chan struct{})

	_, err := h.scheduler.Enqueue(ctx, req(10))
	require.NoError(t, err)

	h.waitStarted(t)
	h.scheduler.Close()

	assert.Equal(t, storage.StatusDownloading, h.status(t, 10))

	_, err = h.scheduler.Enqueue(ctx, req(11))
	assert.ErrorIs(t, err, ErrClosed)
}

type failingStore struct {
	storage.DownloadRepository
	err error
}

func (s *failingStore) Get(context.Context, int64, int64) (*storage.DownloadRecord, error) {
	return nil, s.err
}

func TestEnqueue_PersistenceError(t *testing.T) {
	store, _ := newStore(t)
	failing := &failingStore{DownloadRepository: store, err: errors.New("database is locked")}

	s := NewScheduler(context.Background(), failing, newFakeResolver(), newFakeMaterializer(), nil, nil)
	t.Cleanup(s.Close)

	queued, err := s.Enqueue(context.Background(), req(10))
	assert.False(t, queued)

	var persistenceErr *PersistenceError
	require.True(t, errors.As(err, &persistenceErr))
	assert.Equal(t, "check", persistenceErr.Op)
	assert.EqualError(t, persistenceErr.Unwrap(), "database is locked")

	// The failed check must not leave the chapter reserved.
	failing.err = storage.ErrNotFound
	queued, err = s.Enqueue(context.Background(), req(10))
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "chapter 10 of work 1 already exists with status completed",
		(&DuplicateError{WorkID: 1, ChapterID: 10, Status: storage.StatusCompleted}).Error())
	assert.Equal(t, "failed to resolve images of chapter 10: boom",
		(&ResolutionError{ChapterID: 10, Err: errors.New("boom")}).Error())
	assert.Equal(t, "failed to download chapter 10: boom",
		(&TransferError{ChapterID: 10, Err: errors.New("boom")}).Error())
	assert.Equal(t, "failed to create download record for chapter 10: boom",
		(&PersistenceError{Op: "create", ChapterID: 10, Err: errors.New("boom")}).Error())
}
