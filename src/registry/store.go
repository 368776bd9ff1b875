package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
)

var (
	// ErrVersionConflict means the file changed since the caller read it.
	ErrVersionConflict = errors.New("registry: version conflict")
	// ErrLocked means another writer held the lock for the whole wait.
	ErrLocked = errors.New("registry: locked by another writer")
	// ErrInvalidDescriptor rejects descriptors the loader could never resolve.
	ErrInvalidDescriptor = errors.New("registry: invalid descriptor")
)

// Version is the xxhash64 of the registry bytes on disk. Zero means the file
// did not exist.
type Version uint64

func (v Version) String() string {
	return strconv.FormatUint(uint64(v), 16)
}

// ParseVersion reads the hex form produced by String.
func ParseVersion(s string) (Version, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("registry: bad version %q: %w", s, err)
	}
	return Version(v), nil
}

// Store serializes writers of a registry file. In-process writers share a
// mutex; other processes are kept out by an O_EXCL lock file next to the
// registry.
type Store struct {
	path        string
	lockWait    time.Duration
	staleAfter  time.Duration
	mu          sync.Mutex
	pollEvery   time.Duration
	dirFileMode fs.FileMode
}

// NewStore returns a store for the registry at path.
func NewStore(path string) *Store {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	return &Store{
		path:        path,
		lockWait:    5 * time.Second,
		staleAfter:  30 * time.Second,
		pollEvery:   25 * time.Millisecond,
		dirFileMode: 0o755,
	}
}

// Path returns the registry file location.
func (s *Store) Path() string { return s.path }

// Read returns the current document and its version. A missing file yields an
// empty document at version zero.
func (s *Store) Read() (*Document, Version, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewDocument(), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("registry: read %s: %w", s.path, err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil, 0, err
	}
	return doc, versionOf(raw), nil
}

// Update applies fn to the latest document under the lock and writes the
// result atomically.
func (s *Store) Update(ctx context.Context, fn func(*Document) error) (Version, error) {
	return s.update(ctx, nil, fn)
}

// UpdateIfVersion behaves like Update but fails with ErrVersionConflict when
// the file no longer matches expected.
func (s *Store) UpdateIfVersion(ctx context.Context, expected Version, fn func(*Document) error) (Version, error) {
	return s.update(ctx, &expected, fn)
}

func (s *Store) update(ctx context.Context, expected *Version, fn func(*Document) error) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	doc, current, err := s.Read()
	if err != nil {
		return 0, err
	}
	if expected != nil && *expected != current {
		return current, fmt.Errorf("%w: have %s, want %s", ErrVersionConflict, current, *expected)
	}
	if err := fn(doc); err != nil {
		return current, err
	}

	raw, err := doc.Marshal()
	if err != nil {
		return current, err
	}
	if err := writeAtomic(s.path, raw); err != nil {
		return current, err
	}
	return versionOf(raw), nil
}

func (s *Store) lock(ctx context.Context) (func(), error) {
	lockPath := s.path + ".lock"
	if dir := filepath.Dir(lockPath); dir != "." {
		if err := os.MkdirAll(dir, s.dirFileMode); err != nil {
			return nil, fmt.Errorf("registry: create dir: %w", err)
		}
	}

	token := fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString())
	deadline := time.Now().Add(s.lockWait)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token + "\n")
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("registry: lock: %w", werr)
			}
			return func() { releaseLock(lockPath, token) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("registry: lock: %w", err)
		}
		if s.breakStale(lockPath) {
			continue
		}
		if time.Now().After(deadline) {
			return nil, ErrLocked
		}

		t := time.NewTimer(s.pollEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// breakStale moves an expired lock aside and removes it. Only the writer
// whose rename took the expired token proceeds; a lock that was re-acquired
// between the check and the rename is linked back into place.
func (s *Store) breakStale(lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil || time.Since(info.ModTime()) <= s.staleAfter {
		return false
	}
	stale, err := readLockToken(lockPath)
	if err != nil {
		return false
	}
	aside := lockPath + ".stale-" + uuid.NewString()
	if err := os.Rename(lockPath, aside); err != nil {
		return false
	}
	defer os.Remove(aside)

	if moved, err := readLockToken(aside); err != nil || moved != stale {
		_ = os.Link(aside, lockPath)
		return false
	}
	return true
}

// releaseLock removes the lock file only while it still carries token.
func releaseLock(lockPath, token string) {
	held, err := readLockToken(lockPath)
	if err != nil || held != token {
		return
	}
	_ = os.Remove(lockPath)
}

func readLockToken(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// Prepare normalizes a descriptor for writing and rejects ones the loader
// could never resolve. An empty status becomes inactive.
func Prepare(desc Descriptor) (Descriptor, error) {
	desc.normalize()
	if desc.Name == "" || desc.Class == "" {
		return desc, fmt.Errorf("%w: name and class are required", ErrInvalidDescriptor)
	}
	if desc.Category == "" {
		return desc, fmt.Errorf("%w: category is required", ErrInvalidDescriptor)
	}
	if err := ValidateModule(desc.Module); err != nil {
		return desc, err
	}
	if desc.Status == "" {
		desc.Status = StatusInactive
	}
	return desc, nil
}

// UpdateAgentRegistry upserts a descriptor keyed by category and name.
func UpdateAgentRegistry(ctx context.Context, store *Store, desc Descriptor) (Version, error) {
	desc, err := Prepare(desc)
	if err != nil {
		return 0, err
	}
	return store.Update(ctx, func(doc *Document) error {
		doc.Upsert(desc)
		return nil
	})
}

func versionOf(raw []byte) Version {
	return Version(xxhash.Checksum64(raw))
}

func writeAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("registry: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}
