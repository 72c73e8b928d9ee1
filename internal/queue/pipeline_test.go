package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
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

// pipeline wires a scheduler to the real materializer fetching over HTTP.
type pipeline struct {
	scheduler *Scheduler
	store     *sqlite.DownloadRepository
	layout    *chapterdir.Layout
	resolver  *fakeResolver
	finished  chan events.Outcome

	mu          sync.Mutex
	percentages []int
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	store, layout := newStore(t)
	bus := events.NewBus(nil)

	p := &pipeline{
		store:    store,
		layout:   layout,
		resolver: newFakeResolver(),
		finished: make(chan events.Outcome, 8),
	}

	events.Subscribe(bus, func(e events.Progress) {
		p.mu.Lock()
		p.percentages = append(p.percentages, e.Percentage)
		p.mu.Unlock()
	})
	events.Subscribe(bus, func(u events.QueueUpdate) {
		if u.Finished != nil {
			p.finished <- *u.Finished
		}
	})

	materializer := downloader.NewMaterializer(downloader.NewHTTPFetcher(0), downloader.DefaultWorkers, nil)

	p.scheduler = NewScheduler(context.Background(), store, p.resolver, materializer, bus, nil)
	t.Cleanup(p.scheduler.Close)

	return p
}

func (p *pipeline) waitFinished(t *testing.T) events.Outcome {
	t.Helper()

	select {
	case o := <-p.finished:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the chapter to finish")
	}

	return events.Outcome{}
}

func (p *pipeline) progress() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]int(nil), p.percentages...)
}

func newImageServer(t *testing.T, images map[string][]byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := images[r.URL.Path]
		if !ok {
			http.NotFound(w, r)

			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestScheduler_DownloadsChapterEndToEnd(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	images := map[string][]byte{}
	urls := make([]string, 5)

	for i := range urls {
		path := fmt.Sprintf("/chapters/10/%d.jpg", i+1)
		images[path] = bytes.Repeat([]byte{byte(i + 1)}, 2048*(i+1))
	}

	srv := newImageServer(t, images)

	for i := range urls {
		urls[i] = fmt.Sprintf("%s/chapters/10/%d.jpg", srv.URL, i+1)
	}

	p.resolver.urls[10] = urls

	queued, err := p.scheduler.Enqueue(ctx, Request{WorkID: 1, ChapterID: 10, ChapterName: "Ch.1"})
	require.NoError(t, err)
	assert.True(t, queued)

	outcome := p.waitFinished(t)
	require.NoError(t, outcome.Err)
	assert.Equal(t, storage.StatusCompleted, outcome.Status)

	record, err := p.store.Get(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, record.Status)
	assert.Equal(t, 100, record.Progress)
	assert.Equal(t, "Ch.1", record.ChapterName)
	assert.Equal(t, p.layout.PathFor(10), record.Path)

	entries, err := os.ReadDir(record.Path)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	assert.Equal(t, []string{"image_1.jpg", "image_2.jpg", "image_3.jpg", "image_4.jpg", "image_5.jpg"}, names)

	for i := range urls {
		got, err := os.ReadFile(filepath.Join(record.Path, fmt.Sprintf("image_%d.jpg", i+1)))
		require.NoError(t, err)
		assert.Equal(t, images[fmt.Sprintf("/chapters/10/%d.jpg", i+1)], got)
	}

	percentages := p.progress()
	require.NotEmpty(t, percentages)
	assert.Equal(t, 100, percentages[len(percentages)-1])

	for i := 1; i < len(percentages); i++ {
		assert.Greater(t, percentages[i], percentages[i-1], "progress events must strictly increase")
	}
}

func TestScheduler_EmptyChapterCompletes(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.resolver.urls[10] = []string{}

	queued, err := p.scheduler.Enqueue(ctx, Request{WorkID: 1, ChapterID: 10, ChapterName: "Ch.1"})
	require.NoError(t, err)
	assert.True(t, queued)

	outcome := p.waitFinished(t)
	require.NoError(t, outcome.Err)
	assert.Equal(t, storage.StatusCompleted, outcome.Status)

	record, err := p.store.Get(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, record.Status)
	assert.Equal(t, 100, record.Progress)

	entries, err := os.ReadDir(record.Path)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Equal(t, []int{100}, p.progress())
}
