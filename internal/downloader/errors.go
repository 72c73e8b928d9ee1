package downloader

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Materialize when the progress callback asked it to
// stop before every image was fetched.
var ErrStopped = errors.New("materialize stopped before completion")

// FetchError represents a failure to fetch or store one chapter image.
type FetchError struct {
	URL        string // Image URL that failed
	Index      int    // 1-based position of the image in the chapter (0 if unknown)
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("failed to fetch image %d (%s): HTTP %d", e.Index, e.URL, e.StatusCode)
	}

	return fmt.Sprintf("failed to fetch image %d (%s): %v", e.Index, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
