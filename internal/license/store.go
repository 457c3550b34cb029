package license

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	licenseErrors "hourgate/internal/errors"
)

// Store is the durable record set behind the registry. Update runs its
// mutation function and the persistence write inside one critical section,
// which is what linearizes concurrent add/deduct calls on the same key.
type Store interface {
	Get(key string) (*License, error)
	Put(l *License) error
	Update(key string, fn func(*License) error) (*License, error)
	List() ([]*License, error)
	Count() int
	Close() error
}

// FileStore is a write-through JSON file store. The whole record set is held
// in memory and rewritten atomically (temp file + rename) on every mutation,
// so the operation does not return before the state is durable.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	licenses map[string]*License
}

// storeFile is the on-disk layout.
type storeFile struct {
	Licenses map[string]*License `json:"licenses"`
}

// OpenFileStore loads (or initializes) the store at path.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		licenses: make(map[string]*License),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read license store: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse license store: %w", err)
	}
	if file.Licenses != nil {
		s.licenses = file.Licenses
	}
	return s, nil
}

// Get returns a copy of the license for key.
func (s *FileStore) Get(key string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.licenses[key]
	if !ok {
		return nil, licenseErrors.ErrLicenseKeyNotFound
	}
	cp := cloneLicense(l)
	return cp, nil
}

// Put inserts or replaces a license and persists before returning.
func (s *FileStore) Put(l *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licenses[l.Key] = cloneLicense(l)
	return s.persistLocked()
}

// Update applies fn to the license under the store lock and persists the
// result before returning. If fn returns an error the record is untouched.
func (s *FileStore) Update(key string, fn func(*License) error) (*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.licenses[key]
	if !ok {
		return nil, licenseErrors.ErrLicenseKeyNotFound
	}
	working := cloneLicense(l)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.licenses[key] = working
	if err := s.persistLocked(); err != nil {
		// Roll the in-memory state back so memory never runs ahead of disk.
		s.licenses[key] = l
		return nil, err
	}
	return cloneLicense(working), nil
}

// List returns copies of all licenses, ordered by creation time.
func (s *FileStore) List() ([]*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*License, 0, len(s.licenses))
	for _, l := range s.licenses {
		out = append(out, cloneLicense(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// Count returns the number of stored licenses.
func (s *FileStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.licenses)
}

// Close is a no-op for the file store; every mutation is already durable.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(storeFile{Licenses: s.licenses}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal license store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".licenses-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp store file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to set store file permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func cloneLicense(l *License) *License {
	cp := *l
	cp.Features = append([]string(nil), l.Features...)
	cp.Installs = make([]Install, len(l.Installs))
	for i, in := range l.Installs {
		cp.Installs[i] = in
		if in.SystemInfo != nil {
			info := make(map[string]string, len(in.SystemInfo))
			for k, v := range in.SystemInfo {
				info[k] = v
			}
			cp.Installs[i].SystemInfo = info
		}
	}
	return &cp
}
