/*
Duraq - durable file-system-backed job queue.
Copyright © 2023-2024 Duraq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dirs implements the file system operations the queue store is
// built from.
//
// All mutations of queue state are file moves within one file system, so the
// primitives here are deliberately small: directory setup, listing, counting
// and atomic placement/moves of individual files. Rename atomicity is the
// only concurrency primitive used by callers.
package dirs

import (
	"fmt"
	"os"
	"path/filepath"
)

// Setup ensures the directory formed by joining segments exists and returns
// its path. It is idempotent.
func Setup(segments ...string) (string, error) {
	path := filepath.Join(segments...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("dirs: setup %s: %w", path, err)
	}
	return path, nil
}

// FileCount returns the number of regular files directly in dir.
func FileCount(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("dirs: count %s: %w", dir, err)
	}
	count := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			count++
		}
	}
	return count, nil
}

// FirstFile returns the path of the regular file in dir with the
// lexicographically lowest name, or "" if dir contains no regular files.
//
// Since queue file names start with the push timestamp this approximates
// oldest-first, with no guarantee for names created within the same
// millisecond.
func FirstFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("dirs: first %s: %w", dir, err)
	}
	// os.ReadDir sorts entries by name.
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", nil
}

// AllFiles returns paths of all regular files directly in dir, sorted by
// name. The result is a snapshot; concurrent moves may invalidate individual
// entries by the time the caller gets to them.
func AllFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dirs: list %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}

// MoveFile atomically renames src into destDir under destName and returns
// the new path. src and destDir must be on the same file system.
//
// If another process won a race for src, the underlying rename fails with an
// error satisfying os.IsNotExist.
func MoveFile(src, destDir, destName string) (string, error) {
	dest := filepath.Join(destDir, destName)
	if err := os.Rename(src, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// PlaceFile links src into destDir under destName and removes src, failing
// with os.ErrExist (wrapped) if destName is already taken. Unlike MoveFile
// it never overwrites an existing destination, which makes it suitable for
// introducing new names into a queue directory.
func PlaceFile(src, destDir, destName string) (string, error) {
	dest := filepath.Join(destDir, destName)
	if err := os.Link(src, dest); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		// The link is already in place, the message is not lost. Leaving the
		// source file behind is preferable to failing the whole operation.
		return dest, nil
	}
	return dest, nil
}
