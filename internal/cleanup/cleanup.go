// Package cleanup removes chapter directories that no download record owns.
package cleanup

import (
	"context"
	"fmt"

	"github.com/italolelis/manhwa_downloader/internal/chapterdir"
	"github.com/italolelis/manhwa_downloader/internal/logctx"
	"github.com/italolelis/manhwa_downloader/internal/storage"
	"github.com/robfig/cron/v3"
)

// RecordLister lists every download record.
type RecordLister interface {
	ListAll(ctx context.Context) ([]storage.DownloadRecord, error)
}

// Sweeper deletes orphaned chapter directories.
type Sweeper struct {
	records RecordLister
	layout  *chapterdir.Layout
}

func NewSweeper(records RecordLister, layout *chapterdir.Layout) *Sweeper {
	return &Sweeper{records: records, layout: layout}
}

// Sweep deletes the chapter directories without a record and returns how many
// it removed. Directories are listed before records, so a chapter whose record
// is created during the sweep is never taken for an orphan.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	dirs, err := s.layout.ChapterDirs()
	if err != nil {
		return 0, err
	}

	if len(dirs) == 0 {
		return 0, nil
	}

	records, err := s.records.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list downloads: %w", err)
	}

	known := make(map[int64]bool, len(records))
	for _, rec := range records {
		known[rec.ChapterID] = true
	}

	removed := 0

	for id, path := range dirs {
		if known[id] {
			continue
		}

		if err := chapterdir.DeleteDir(path); err != nil {
			logger.Error("failed to delete orphaned chapter directory", "path", path, "err", err)

			continue
		}

		logger.Info("deleted orphaned chapter directory", "chapter_id", id, "path", path)

		removed++
	}

	return removed, nil
}

// Schedule runs Sweep on schedule (standard cron syntax or descriptors such as
// "@every 1h") until ctx is done.
func (s *Sweeper) Schedule(ctx context.Context, schedule string) (*cron.Cron, error) {
	logger := logctx.LoggerFromContext(ctx)

	c := cron.New()

	if _, err := c.AddFunc(schedule, func() {
		removed, err := s.Sweep(ctx)
		if err != nil {
			logger.Error("failed to sweep chapter directories", "err", err)

			return
		}

		logger.Debug("chapter directory sweep finished", "removed", removed)
	}); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	c.Start()

	go func() {
		<-ctx.Done()

		<-c.Stop().Done()
		logger.Info("cleanup scheduler shutting down")
	}()

	return c, nil
}
