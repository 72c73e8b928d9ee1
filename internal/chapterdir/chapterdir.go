// Package chapterdir maps chapters to their storage directories and manages
// the lifecycle of those directories.
package chapterdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	dirPerm = 0755

	chaptersDir = "chapters"
)

// Layout derives chapter directories under a fixed root.
type Layout struct {
	root string
}

// NewLayout returns a Layout rooted at root. The root is made absolute so
// persisted paths stay valid regardless of the working directory.
func NewLayout(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download root: %w", err)
	}

	return &Layout{root: abs}, nil
}

// Root returns the absolute download root.
func (l *Layout) Root() string {
	return l.root
}

// PathFor returns the directory that holds the images of chapterID.
func (l *Layout) PathFor(chapterID int64) string {
	return filepath.Join(l.root, chaptersDir, strconv.FormatInt(chapterID, 10))
}

// EnsureDir creates path and its parents if they don't exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// ClearDir empties path: files are removed and subdirectories are recreated
// empty. A missing path is created.
func ClearDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return EnsureDir(path)
		}

		return fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	for _, entry := range entries {
		target := filepath.Join(path, entry.Name())

		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}

		if entry.IsDir() {
			if err := os.Mkdir(target, dirPerm); err != nil {
				return fmt.Errorf("failed to recreate directory %s: %w", target, err)
			}
		}
	}

	return nil
}

// DeleteDir removes path recursively. Removing a missing path is not an error.
func DeleteDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete directory %s: %w", path, err)
	}

	return nil
}

// ChapterDirs returns the chapter directories under the root keyed by chapter
// id. Entries that are not chapter ids are ignored.
func (l *Layout) ChapterDirs() (map[int64]string, error) {
	base := filepath.Join(l.root, chaptersDir)

	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int64]string{}, nil
		}

		return nil, fmt.Errorf("failed to read chapters directory: %w", err)
	}

	dirs := make(map[int64]string, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}

		dirs[id] = filepath.Join(base, entry.Name())
	}

	return dirs, nil
}
