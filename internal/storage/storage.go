package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no download record exists for a (work, chapter) pair.
var ErrNotFound = errors.New("download record not found")

// Status is the lifecycle state of a chapter download.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// AllowedFrom returns the statuses a record may be in for a write of s to succeed.
// Writing the status a record already has is always accepted.
func (s Status) AllowedFrom() []Status {
	switch s {
	case StatusPending:
		return []Status{StatusPending, StatusDownloading}
	case StatusDownloading:
		return []Status{StatusPending, StatusDownloading}
	case StatusCompleted, StatusFailed, StatusCancelled:
		return []Status{StatusPending, StatusDownloading, s}
	}

	return nil
}

// CanTransitionTo reports whether a record in status s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, from := range next.AllowedFrom() {
		if from == s {
			return true
		}
	}

	return false
}

// TransitionError is returned when a status write would move a record
// backwards or out of a terminal status.
type TransitionError struct {
	WorkID    int64
	ChapterID int64
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for chapter %d of work %d: %s -> %s", e.ChapterID, e.WorkID, e.From, e.To)
}

// DownloadRecord represents the persisted state of one chapter download.
type DownloadRecord struct {
	WorkID      int64  `json:"work_id"`
	ChapterID   int64  `json:"chapter_id"`
	ChapterName string `json:"chapter_name"`
	Path        string `json:"path"`
	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// DownloadRepository is the durable store of every download ever requested.
type DownloadRepository interface {
	Exists(ctx context.Context, workID, chapterID int64) (bool, error)
	// Create inserts a pending record. On failure the returned record is flagged failed.
	Create(ctx context.Context, workID, chapterID int64, chapterName string) (DownloadRecord, error)
	Get(ctx context.Context, workID, chapterID int64) (*DownloadRecord, error)
	ListAll(ctx context.Context) ([]DownloadRecord, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]DownloadRecord, error)
	UpdateStatus(ctx context.Context, workID, chapterID int64, status Status) error
	UpdateProgress(ctx context.Context, workID, chapterID int64, percentage int) error
	Delete(ctx context.Context, workID, chapterID int64) error
}

// ClampProgress bounds a percentage into [0, 100].
func ClampProgress(percentage int) int {
	if percentage < 0 {
		return 0
	}

	if percentage > 100 {
		return 100
	}

	return percentage
}
