// Package storage keeps job inputs and mesh artifacts on local disk.
//
// Inputs live under <root>/uploads, artifacts under <root>/outputs. The rest
// of the system only ever sees opaque keys ("<job-id>.png",
// "<job-id>/model.stl"); every key is forced to resolve under its base
// directory before any file operation.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrTraversal is returned for keys that would escape the storage root.
var ErrTraversal = errors.New("storage: key escapes storage root")

// ErrNotFound is returned when a key has no file behind it.
var ErrNotFound = errors.New("storage: file not found")

// Store is a file store rooted at a single directory.
type Store struct {
	uploads string
	outputs string
}

// New creates (if needed) the uploads/ and outputs/ directories under root.
func New(root string) (*Store, error) {
	s := &Store{
		uploads: filepath.Join(root, "uploads"),
		outputs: filepath.Join(root, "outputs"),
	}
	for _, dir := range []string{s.uploads, s.outputs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
		}
	}
	return s, nil
}

// safeJoin resolves key under base, rejecting anything that would land
// outside it (absolute keys, "..", etc).
func safeJoin(base, key string) (string, error) {
	if key == "" || !filepath.IsLocal(key) {
		return "", fmt.Errorf("%w: %q", ErrTraversal, key)
	}
	return filepath.Join(base, key), nil
}

// SaveInput writes validated input bytes and returns the key.
func (s *Store) SaveInput(key string, data []byte) (string, error) {
	path, err := safeJoin(s.uploads, key)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write input: %w", err)
	}
	return key, nil
}

// ReadInput returns the input bytes for a key.
func (s *Store) ReadInput(key string) ([]byte, error) {
	path, err := safeJoin(s.uploads, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// SaveOutput writes an artifact under outputs/, creating intermediate
// directories (artifact keys are "<job-id>/model.stl").
func (s *Store) SaveOutput(key string, data []byte) (string, error) {
	path, err := safeJoin(s.outputs, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write output: %w", err)
	}
	return key, nil
}

// InputPath returns the absolute path of an input key, for serving.
func (s *Store) InputPath(key string) (string, error) {
	return s.statPath(s.uploads, key)
}

// OutputPath returns the absolute path of an artifact key, for serving.
func (s *Store) OutputPath(key string) (string, error) {
	return s.statPath(s.outputs, key)
}

func (s *Store) statPath(base, key string) (string, error) {
	path, err := safeJoin(base, key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	} else if err != nil {
		return "", err
	}
	return path, nil
}

// RemoveInput deletes an input file. Missing files are not an error.
func (s *Store) RemoveInput(key string) error {
	path, err := safeJoin(s.uploads, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove input: %w", err)
	}
	return nil
}

// RemoveOutputs deletes a job's whole artifact directory.
func (s *Store) RemoveOutputs(jobID string) error {
	path, err := safeJoin(s.outputs, jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("storage: remove outputs: %w", err)
	}
	return nil
}
