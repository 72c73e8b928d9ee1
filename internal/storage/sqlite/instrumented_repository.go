package sqlite

import (
	"context"

	"github.com/italolelis/manhwa_downloader/internal/storage"
	"github.com/italolelis/manhwa_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps a storage.DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      storage.DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(repo storage.DownloadRepository, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      repo,
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) Exists(ctx context.Context, workID, chapterID int64) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, "exists", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Exists(ctx, workID, chapterID)

		return err
	})

	return result, err
}

// Create keeps the failed record returned alongside a storage error.
func (r *InstrumentedDownloadRepository) Create(ctx context.Context, workID, chapterID int64, chapterName string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "create", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Create(ctx, workID, chapterID, chapterName)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) Get(ctx context.Context, workID, chapterID int64) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Get(ctx, workID, chapterID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) ListAll(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_all", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListAll(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) ListByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_by_status", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListByStatus(ctx, statuses...)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) UpdateStatus(ctx context.Context, workID, chapterID int64, status storage.Status) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, workID, chapterID, status)
	})
}

func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, workID, chapterID int64, percentage int) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, workID, chapterID, percentage)
	})
}

func (r *InstrumentedDownloadRepository) Delete(ctx context.Context, workID, chapterID int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete", func(ctx context.Context) error {
		return r.repo.Delete(ctx, workID, chapterID)
	})
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)
