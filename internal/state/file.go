package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const recordExt = ".yaml"

// FileBackend keeps one YAML file per run in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a [FileBackend] rooted at dir. The directory is created on
// the first save.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) path(runID string) string {
	return filepath.Join(b.dir, runID+recordExt)
}

// Save writes the record atomically (write to temp, then rename).
func (b *FileBackend) Save(_ context.Context, rec *Record) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", rec.RunID, err)
	}

	fullPath := b.path(rec.RunID)
	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write run %s: %w", rec.RunID, err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write run %s: %w", rec.RunID, err)
	}

	return nil
}

// Load reads the record of runID.
func (b *FileBackend) Load(_ context.Context, runID string) (*Record, error) {
	data, err := os.ReadFile(b.path(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", runID, err)
	}
	if rec.Stages == nil {
		rec.Stages = make(map[string]*StageRecord)
	}
	return &rec, nil
}

// List returns the ids of all stored runs, sorted. A missing directory holds no runs.
func (b *FileBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}
