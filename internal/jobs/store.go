package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	stateFile  = "state.json"
	uploadFile = "upload"
	lockFile   = "lock"
)

// Store keeps one directory per job under a root directory
type Store struct {
	root string
}

// NewStore creates the root directory if needed
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) dir(id string) string        { return filepath.Join(s.root, id) }
func (s *Store) statePath(id string) string  { return filepath.Join(s.root, id, stateFile) }
func (s *Store) uploadPath(id string) string { return filepath.Join(s.root, id, uploadFile) }

// Create makes the job directory and writes the initial state
func (s *Store) Create(job *Job) error {
	if err := ValidateJobID(job.ID); err != nil {
		return err
	}
	if err := os.Mkdir(s.dir(job.ID), 0o750); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	f, err := os.OpenFile(s.uploadPath(job.ID), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	return s.Save(job)
}

// Load reads the persisted state of a job
func (s *Store) Load(id string) (*Job, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to read job state: %w", err)
	}
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to decode job state %s: %w", id, err)
	}
	return job, nil
}

// Save writes the job state to a temporary file and renames it into place, so
// a crash leaves either the old or the new state
func (s *Store) Save(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job state: %w", err)
	}

	tmp := s.statePath(job.ID) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write job state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write job state: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync job state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write job state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath(job.ID)); err != nil {
		return fmt.Errorf("failed to replace job state: %w", err)
	}
	return nil
}

// Lock takes the job's exclusive lock without blocking
func (s *Store) Lock(id string) (*Lock, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.dir(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to stat job: %w", err)
	}
	return tryLock(filepath.Join(s.dir(id), lockFile))
}

// IDs lists job ids in name order, ignoring anything that is not a job directory
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidateJobID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the job directory and everything in it
func (s *Store) Delete(id string) error {
	if err := ValidateJobID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}
