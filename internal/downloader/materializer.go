package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/manhwa_downloader/internal/chapterdir"
	"github.com/italolelis/manhwa_downloader/internal/downloader/progress"
	"github.com/italolelis/manhwa_downloader/internal/logctx"
	"github.com/italolelis/manhwa_downloader/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the number of images fetched in parallel for one chapter.
	DefaultWorkers = 8

	defaultExtension = "jpg"
	filePrefix       = "image_"
)

// ProgressFunc receives the completed fraction of a chapter in [0, 1].
// Returning true asks the materializer to stop starting new images.
type ProgressFunc func(fraction float64) (stop bool)

// Materializer downloads the images of one chapter into a directory.
type Materializer struct {
	fetcher   Fetcher
	workers   int
	telemetry *telemetry.Telemetry
}

func NewMaterializer(fetcher Fetcher, workers int, tel *telemetry.Telemetry) *Materializer {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Materializer{
		fetcher:   fetcher,
		workers:   workers,
		telemetry: tel,
	}
}

// Materialize clears destDir and writes every URL to it as image_<n>.<ext>.
// Progress is reported after every body read and after every image. Once
// onProgress returns true no further images are started; in-flight ones are
// left to finish and ErrStopped is returned. The first failing image aborts the
// chapter with a *FetchError; files already written stay until the next clear.
func (m *Materializer) Materialize(ctx context.Context, urls []string, destDir string, onProgress ProgressFunc) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := chapterdir.ClearDir(destDir); err != nil {
		return fmt.Errorf("failed to prepare chapter directory: %w", err)
	}

	tracker := newTracker(len(urls), onProgress)

	if len(urls) == 0 {
		tracker.report()

		return nil
	}

	logger.Debug("materializing chapter", "images", len(urls), "dir", destDir, "workers", m.workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for i, u := range urls {
		if tracker.stopped() || gctx.Err() != nil {
			break
		}

		// g.Go blocks until a worker frees up, so the stop may land meanwhile.
		g.Go(func() error {
			if tracker.stopped() {
				return nil
			}

			return m.fetchOne(gctx, i, u, destDir, tracker)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if tracker.complete() {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	logger.Info("materialize stopped", "completed", tracker.doneCount(), "images", len(urls))

	return ErrStopped
}

func (m *Materializer) fetchOne(ctx context.Context, i int, imageURL, destDir string, tracker *tracker) error {
	logger := logctx.LoggerFromContext(ctx)
	index := i + 1

	body, size, err := m.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		m.telemetry.RecordImage(ctx, "error", 0)

		return asFetchError(err, imageURL, index)
	}
	defer body.Close()

	name := ImageFileName(index, imageURL)
	target := filepath.Join(destDir, name)

	out, err := os.Create(target)
	if err != nil {
		return &FetchError{URL: imageURL, Index: index, Err: fmt.Errorf("failed to create image file: %w", err)}
	}

	pr := progress.NewReader(body, size, 0, func(read, total int64) {
		if total > 0 {
			tracker.update(i, float64(read)/float64(total))
		}
	})

	written, err := io.Copy(out, pr)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		m.telemetry.RecordImage(ctx, "error", written)

		return &FetchError{URL: imageURL, Index: index, Err: fmt.Errorf("failed to write image: %w", err)}
	}

	m.telemetry.RecordImage(ctx, "success", written)

	logger.Debug("saved image", "file", name, "size", humanize.Bytes(uint64(written)))

	tracker.finish(i)

	return nil
}

func asFetchError(err error, imageURL string, index int) error {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		if fetchErr.Index == 0 {
			fetchErr.Index = index
		}

		return fetchErr
	}

	return &FetchError{URL: imageURL, Index: index, Err: err}
}

// ImageFileName names the index-th (1-based) image after the extension of its
// URL path, falling back to jpg.
func ImageFileName(index int, imageURL string) string {
	return filePrefix + strconv.Itoa(index) + "." + extensionOf(imageURL)
}

func extensionOf(imageURL string) string {
	p := imageURL
	if u, err := url.Parse(imageURL); err == nil {
		p = u.Path
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" {
		return defaultExtension
	}

	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return defaultExtension
		}
	}

	return ext
}

// tracker aggregates per-image progress into a chapter fraction and
// serializes calls to the progress callback.
type tracker struct {
	mu         sync.Mutex
	total      int
	done       int
	partial    map[int]float64
	last       float64
	onProgress ProgressFunc
	stop       atomic.Bool
}

func newTracker(total int, onProgress ProgressFunc) *tracker {
	return &tracker{
		total:      total,
		partial:    make(map[int]float64),
		onProgress: onProgress,
	}
}

func (t *tracker) update(i int, fraction float64) {
	if fraction > 1 {
		fraction = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial[i] = fraction
	t.reportLocked()
}

func (t *tracker) finish(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.partial, i)
	t.done++
	t.reportLocked()
}

func (t *tracker) report() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reportLocked()
}

func (t *tracker) reportLocked() {
	fraction := 1.0

	if t.total > 0 {
		sum := float64(t.done)
		for _, p := range t.partial {
			sum += p
		}

		fraction = sum / float64(t.total)
	}

	if fraction > 1 {
		fraction = 1
	}

	if fraction < t.last {
		fraction = t.last
	}

	t.last = fraction

	if t.onProgress != nil && t.onProgress(fraction) {
		t.stop.Store(true)
	}
}

func (t *tracker) stopped() bool {
	return t.stop.Load()
}

func (t *tracker) complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.done == t.total
}

func (t *tracker) doneCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.done
}
