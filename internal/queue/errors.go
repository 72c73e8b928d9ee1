package queue

import (
	"errors"
	"fmt"

	"github.com/italolelis/manhwa_downloader/internal/storage"
)

// ErrClosed is returned by Enqueue once the scheduler has been closed.
var ErrClosed = errors.New("scheduler is closed")

// DuplicateError reports that a chapter is already known, either as a stored
// record or as a queued or running request. It is not a failure.
type DuplicateError struct {
	WorkID    int64
	ChapterID int64
	Status    storage.Status
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("chapter %d of work %d already exists with status %s", e.ChapterID, e.WorkID, e.Status)
}

// ResolutionError wraps a failure to obtain the image URLs of a chapter.
type ResolutionError struct {
	WorkID    int64
	ChapterID int64
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve images of chapter %d: %v", e.ChapterID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// TransferError wraps a failure while writing the images of a chapter to disk.
type TransferError struct {
	WorkID    int64
	ChapterID int64
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to download chapter %d: %v", e.ChapterID, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a failed store read or write.
type PersistenceError struct {
	Op        string
	WorkID    int64
	ChapterID int64
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s download record for chapter %d: %v", e.Op, e.ChapterID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
