package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// fileStore persists the full job list as one JSON document. Every write
// replaces the whole document; callers hold the file lock across the
// read-modify-write so that concurrent processes do not lose updates.
type fileStore struct {
	path string
	lock *flock.Flock
}

type document struct {
	Jobs []Job `json:"jobs"`
}

func newFileStore(path string) (*fileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &fileStore{path: path, lock: flock.New(path + ".lock")}, nil
}

func (s *fileStore) load() ([]Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse job store: %w", err)
	}
	return doc.Jobs, nil
}

// save writes the store atomically via a temp file.
func (s *fileStore) save(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	data, err := json.MarshalIndent(document{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// readModifyWrite loads the store under an exclusive lock, applies fn and
// writes the result back.
func (s *fileStore) readModifyWrite(fn func([]Job) ([]Job, error)) ([]Job, error) {
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock job store: %w", err)
	}
	defer s.lock.Unlock()

	jobs, err := s.load()
	if err != nil {
		return nil, err
	}
	jobs, err = fn(jobs)
	if err != nil {
		return nil, err
	}
	if err := s.save(jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// snapshot loads the store under a shared lock.
func (s *fileStore) snapshot() ([]Job, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock job store: %w", err)
	}
	defer s.lock.Unlock()
	return s.load()
}
