package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Persister keeps the credential set across process restarts under a single
// well-known key. A missing key is the logged out state and is not an error.
type Persister interface {
	// Load returns the stored set and whether one was found.
	Load(ctx context.Context, key string) (Set, bool, error)

	// Save replaces the stored set.
	Save(ctx context.Context, key string, set Set) error

	// Delete removes the stored set. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}

// Memory is a process-local Persister. Nothing survives a restart.
type Memory struct {
	mu   sync.Mutex
	sets map[string]Set
}

func NewMemory() *Memory {
	return &Memory{sets: map[string]Set{}}
}

func (m *Memory) Load(_ context.Context, key string) (Set, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	return set, ok, nil
}

func (m *Memory) Save(_ context.Context, key string, set Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sets[key] = set
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sets, key)
	return nil
}

// File persists the credential set as JSON in a directory readable only by
// the current user. Writes go through a temporary file and a rename so a
// crash never leaves a partial set on disk.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *File) Load(_ context.Context, key string) (Set, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Set{}, false, nil
	}
	if err != nil {
		return Set{}, false, fmt.Errorf("reading credential file: %w", err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return Set{}, false, fmt.Errorf("parsing credential file: %w", err)
	}

	return set, true, nil
}

func (f *File) Save(_ context.Context, key string, set Set) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encoding credential set: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating credential file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return fmt.Errorf("replacing credential file: %w", err)
	}

	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing credential file: %w", err)
	}
	return nil
}
