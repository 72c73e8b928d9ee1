package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/manhwa_downloader/internal/chapterdir"
	"github.com/italolelis/manhwa_downloader/internal/logctx"
	"github.com/italolelis/manhwa_downloader/internal/storage"
)

const selectColumns = `work_id, chapter_id, chapter_name, path, status, progress, created_at, updated_at`

// DownloadRepository implements storage.DownloadRepository on SQLite.
type DownloadRepository struct {
	db     *sql.DB
	layout *chapterdir.Layout
	now    func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB, layout *chapterdir.Layout) *DownloadRepository {
	return &DownloadRepository{db: dbConn, layout: layout, now: time.Now}
}

func (r *DownloadRepository) Exists(ctx context.Context, workID, chapterID int64) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM downloads WHERE work_id = ? AND chapter_id = ?)`,
		workID, chapterID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check download: %w", err)
	}

	return exists, nil
}

// Create inserts a pending record for the chapter. When the insert fails the
// error is logged and returned along with a record flagged failed.
func (r *DownloadRepository) Create(ctx context.Context, workID, chapterID int64, chapterName string) (storage.DownloadRecord, error) {
	now := r.now().UnixMilli()

	record := storage.DownloadRecord{
		WorkID:      workID,
		ChapterID:   chapterID,
		ChapterName: chapterName,
		Path:        r.layout.PathFor(chapterID),
		Status:      storage.StatusPending,
		Progress:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (work_id, chapter_id, chapter_name, path, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		record.WorkID, record.ChapterID, record.ChapterName, record.Path, record.Status, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to create download record",
			"work_id", workID, "chapter_id", chapterID, "err", err)

		record.Status = storage.StatusFailed

		return record, fmt.Errorf("failed to create download record: %w", err)
	}

	return record, nil
}

func (r *DownloadRepository) Get(ctx context.Context, workID, chapterID int64) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM downloads WHERE work_id = ? AND chapter_id = ?`,
		workID, chapterID,
	)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get download: %w", err)
	}

	return &record, nil
}

// ListAll returns every record, newest first.
func (r *DownloadRepository) ListAll(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM downloads ORDER BY created_at DESC, chapter_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListByStatus returns the records in any of statuses, oldest first.
func (r *DownloadRepository) ListByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))

	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = s
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM downloads
		WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at ASC, chapter_id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads by status: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// UpdateStatus moves the record to status. Entering pending resets progress,
// entering completed pins it to 100.
func (r *DownloadRepository) UpdateStatus(ctx context.Context, workID, chapterID int64, status storage.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown download status %q", status)
	}

	allowed := status.AllowedFrom()
	placeholders := make([]string, len(allowed))
	args := []any{status, status, status, r.now().UnixMilli(), workID, chapterID}

	for i, s := range allowed {
		placeholders[i] = "?"
		args = append(args, s)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET
			status = ?,
			progress = CASE WHEN ? = 'pending' THEN 0 WHEN ? = 'completed' THEN 100 ELSE progress END,
			updated_at = ?
		WHERE work_id = ? AND chapter_id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update download status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update download status: %w", err)
	}

	if affected > 0 {
		return nil
	}

	current, err := r.Get(ctx, workID, chapterID)
	if err != nil {
		return err
	}

	return &storage.TransitionError{WorkID: workID, ChapterID: chapterID, From: current.Status, To: status}
}

// UpdateProgress stores percentage, clamped into [0, 100].
func (r *DownloadRepository) UpdateProgress(ctx context.Context, workID, chapterID int64, percentage int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET progress = ?, updated_at = ? WHERE work_id = ? AND chapter_id = ?`,
		storage.ClampProgress(percentage), r.now().UnixMilli(), workID, chapterID,
	)
	if err != nil {
		return fmt.Errorf("failed to update download progress: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update download progress: %w", err)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// Delete removes the chapter directory and then the record. Deleting a
// missing record is a no-op.
func (r *DownloadRepository) Delete(ctx context.Context, workID, chapterID int64) error {
	record, err := r.Get(ctx, workID, chapterID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}

		return err
	}

	if err := chapterdir.DeleteDir(record.Path); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to delete chapter directory",
			"work_id", workID, "chapter_id", chapterID, "path", record.Path, "err", err)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE work_id = ? AND chapter_id = ?`, workID, chapterID); err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.DownloadRecord, error) {
	var (
		record storage.DownloadRecord
		status string
	)

	err := s.Scan(
		&record.WorkID,
		&record.ChapterID,
		&record.ChapterName,
		&record.Path,
		&status,
		&record.Progress,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	record.Status = storage.Status(status)

	return record, err
}

func scanRecords(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		downloads = append(downloads, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate downloads: %w", err)
	}

	return downloads, nil
}
