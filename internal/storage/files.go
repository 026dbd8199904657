// Package storage persists uploaded documents and converted output on disk.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spherical/markdown-ocr/internal/domain"
)

const tempPrefix = ".tmp-"

// FileStore keeps uploads and outputs in two directories, one file per task.
type FileStore struct {
	uploadDir string
	outputDir string
}

// NewFileStore creates the directories if needed.
func NewFileStore(uploadDir, outputDir string) (*FileStore, error) {
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.IOError(fmt.Sprintf("cannot create directory %s", dir), err)
		}
	}
	return &FileStore{uploadDir: uploadDir, outputDir: outputDir}, nil
}

// UploadPath returns where the upload for taskID lives.
func (s *FileStore) UploadPath(taskID string) string {
	return filepath.Join(s.uploadDir, taskID+".pdf")
}

// OutputPath returns where the markdown for taskID lives.
func (s *FileStore) OutputPath(taskID string) string {
	return filepath.Join(s.outputDir, taskID+".md")
}

// SaveUpload writes the uploaded document and returns its path.
func (s *FileStore) SaveUpload(taskID string, data []byte) (string, error) {
	path := s.UploadPath(taskID)
	if err := writeAtomic(path, data); err != nil {
		return "", domain.IOError("failed to save upload", err)
	}
	return path, nil
}

// SaveOutput writes the converted markdown and returns its path.
func (s *FileStore) SaveOutput(taskID, markdown string) (string, error) {
	path := s.OutputPath(taskID)
	if err := writeAtomic(path, []byte(markdown)); err != nil {
		return "", domain.IOError("failed to save output", err)
	}
	return path, nil
}

// Remove deletes every file stored for taskID. Missing files are ignored.
func (s *FileStore) Remove(taskID string) error {
	var errs []error
	for _, path := range []string{s.UploadPath(taskID), s.OutputPath(taskID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return domain.IOError("cleanup failed", errors.Join(errs...))
	}
	return nil
}

// Prune removes files last modified before cutoff. Files of a task for
// which keep returns true are left alone. Stale temp files are always
// removed. It returns the number of files deleted.
func (s *FileStore) Prune(cutoff time.Time, keep func(taskID string) bool) (int, error) {
	removed := 0
	var errs []error

	for _, dir := range []string{s.uploadDir, s.outputDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}

			name := e.Name()
			if !strings.HasPrefix(name, tempPrefix) && keep != nil && keep(strings.TrimSuffix(name, filepath.Ext(name))) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					errs = append(errs, err)
				}
				continue
			}
			removed++
		}
	}

	if len(errs) > 0 {
		return removed, domain.IOError("prune failed", errors.Join(errs...))
	}
	return removed, nil
}

// writeAtomic writes through a temp file so readers never see partial data.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
