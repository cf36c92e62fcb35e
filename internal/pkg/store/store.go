// Package store persists config entries in a YAML file.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const (
	fileVersion    = 1
	lockRetryDelay = 50 * time.Millisecond
)

var (
	ErrNotFound  = errors.New("config entry not found")
	ErrDuplicate = errors.New("config entry already exists")
)

type file struct {
	Version int                 `yaml:"version"`
	Entries []model.ConfigEntry `yaml:"entries"`
}

// Store guards the file with an in-process mutex and a file lock so several
// processes can share it.
type Store struct {
	path  string
	lock  *flock.Flock
	clock clock.PassiveClock

	mu sync.Mutex
}

func New(path string) *Store {
	return &Store{
		path:  path,
		lock:  flock.New(path + ".lock"),
		clock: clock.RealClock{},
	}
}

func (s *Store) List(ctx context.Context) ([]model.ConfigEntry, error) {
	var entries []model.ConfigEntry
	err := s.withLock(ctx, func(f *file) (bool, error) {
		entries = lo.Map(f.Entries, func(e model.ConfigEntry, _ int) model.ConfigEntry {
			return e.Clone()
		})
		return false, nil
	})
	return entries, err
}

func (s *Store) Get(ctx context.Context, id string) (model.ConfigEntry, error) {
	var entry model.ConfigEntry
	err := s.withLock(ctx, func(f *file) (bool, error) {
		e, ok := lo.Find(f.Entries, func(e model.ConfigEntry) bool {
			return e.ID == id
		})
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		entry = e.Clone()
		return false, nil
	})
	return entry, err
}

// Add stores a new entry with a fresh id. Domain and unique id together must
// be unique.
func (s *Store) Add(ctx context.Context, entry model.ConfigEntry) (model.ConfigEntry, error) {
	entry = entry.Clone()
	err := s.withLock(ctx, func(f *file) (bool, error) {
		if entry.UniqueID != "" && lo.ContainsBy(f.Entries, func(e model.ConfigEntry) bool {
			return e.Domain == entry.Domain && e.UniqueID == entry.UniqueID
		}) {
			return false, fmt.Errorf("%w: %s %s", ErrDuplicate, entry.Domain, entry.UniqueID)
		}
		now := s.clock.Now().UTC()
		entry.ID = uuid.NewString()
		entry.CreatedAt = now
		entry.UpdatedAt = now
		f.Entries = append(f.Entries, entry)
		return true, nil
	})
	if err != nil {
		return model.ConfigEntry{}, err
	}
	return entry, nil
}

func (s *Store) Update(ctx context.Context, entry model.ConfigEntry) (model.ConfigEntry, error) {
	entry = entry.Clone()
	err := s.withLock(ctx, func(f *file) (bool, error) {
		idx := slices.IndexFunc(f.Entries, func(e model.ConfigEntry) bool {
			return e.ID == entry.ID
		})
		if idx < 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, entry.ID)
		}
		entry.CreatedAt = f.Entries[idx].CreatedAt
		entry.UpdatedAt = s.clock.Now().UTC()
		f.Entries[idx] = entry
		return true, nil
	})
	if err != nil {
		return model.ConfigEntry{}, err
	}
	return entry, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	return s.withLock(ctx, func(f *file) (bool, error) {
		idx := slices.IndexFunc(f.Entries, func(e model.ConfigEntry) bool {
			return e.ID == id
		})
		if idx < 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		f.Entries = slices.Delete(f.Entries, idx, idx+1)
		return true, nil
	})
}

// withLock loads the file, runs fn and writes the file back when fn reports a
// change.
func (s *Store) withLock(ctx context.Context, fn func(*file) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", s.path)
	}
	defer s.lock.Unlock() //nolint:errcheck

	f, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(f)
	if err != nil || !changed {
		return err
	}
	return s.write(f)
}

func (s *Store) read() (*file, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &file{Version: fileVersion}, nil
	}
	if err != nil {
		return nil, err
	}
	f := &file{}
	if err := yaml.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if f.Version > fileVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", s.path, f.Version)
	}
	return f, nil
}

// write replaces the file atomically.
func (s *Store) write(f *file) error {
	f.Version = fileVersion
	raw, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
