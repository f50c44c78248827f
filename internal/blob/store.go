package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	// Error is the default content store error class.
	Error = errs.Class("blob store")

	// ErrNotFound is returned when a key has no stored payload.
	ErrNotFound = errs.Class("blob not found")

	// ErrInvalidKey is returned for keys the store could never have produced.
	ErrInvalidKey = errs.Class("invalid blob key")
)

// keyPattern matches generated keys: 32 hex digits plus a short suffix.
var keyPattern = regexp.MustCompile(`^[0-9a-f]{32}\.[a-z0-9]{1,8}$`)

const tempDir = ".tmp"

// Info describes a stored payload.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Blobs is the content store interface consumed by ingestion, the sweeper
// and the HTTP layer.
type Blobs interface {
	// Put stores data under a fresh key ending in "."+suffix and returns the key.
	Put(ctx context.Context, data []byte, suffix string) (string, error)
	// Get returns the payload stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Stat describes the payload stored under key.
	Stat(ctx context.Context, key string) (Info, error)
	// Delete removes the payload stored under key.
	Delete(ctx context.Context, key string) error
	// List describes every stored payload, ordered by key.
	List(ctx context.Context) ([]Info, error)
}

var _ Blobs = (*Store)(nil)

// Store is a directory-backed Blobs implementation.
type Store struct {
	dir string
}

// NewAt opens (creating if needed) a content store rooted at dir.
func NewAt(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, tempDir), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// ValidKey reports whether key has the shape of a generated key.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// NewKey generates a fresh collision-resistant key with the given suffix.
func NewKey(suffix string) string {
	id := uuid.New()
	return hex.EncodeToString(id[:]) + "." + strings.ToLower(suffix)
}

// Put writes data to a temporary file and renames it into place.
func (s *Store) Put(ctx context.Context, data []byte, suffix string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Error.Wrap(err)
	}
	key := NewKey(suffix)
	if !ValidKey(key) {
		return "", ErrInvalidKey.New("suffix %q", suffix)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dir, tempDir), "put-*")
	if err != nil {
		return "", Error.Wrap(err)
	}
	cancel := func(err error) (string, error) {
		closeErr := tmp.Close()
		removeErr := os.Remove(tmp.Name())
		if errors.Is(closeErr, os.ErrClosed) {
			closeErr = nil
		}
		return "", Error.Wrap(errs.Combine(err, closeErr, removeErr))
	}

	if _, err := tmp.Write(data); err != nil {
		return cancel(err)
	}
	if err := tmp.Sync(); err != nil {
		return cancel(err)
	}
	if err := tmp.Close(); err != nil {
		return cancel(err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return cancel(err)
	}
	return key, nil
}

// Get reads the payload stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey.New("%q", key)
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound.New("%s", key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// Stat describes the payload stored under key.
func (s *Store) Stat(ctx context.Context, key string) (Info, error) {
	if !ValidKey(key) {
		return Info{}, ErrInvalidKey.New("%q", key)
	}
	fi, err := os.Stat(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, ErrNotFound.New("%s", key)
	}
	if err != nil {
		return Info{}, Error.Wrap(err)
	}
	return Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Delete removes the payload stored under key.
// Returns an ErrNotFound error if it is already gone.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return ErrInvalidKey.New("%q", key)
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound.New("%s", key)
	}
	return Error.Wrap(err)
}

// List describes every stored payload, ordered by key.
// Files that do not look like generated keys are skipped.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	infos := []Info{}
	for _, e := range entries {
		if e.IsDir() || !ValidKey(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue // deleted concurrently
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}
		infos = append(infos, Info{Key: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// GarbageCollect removes leftover temporary files from interrupted writes.
func (s *Store) GarbageCollect(ctx context.Context) error {
	entries, err := os.ReadDir(filepath.Join(s.dir, tempDir))
	if err != nil {
		return Error.Wrap(err)
	}
	var group errs.Group
	for _, e := range entries {
		err := os.Remove(filepath.Join(s.dir, tempDir, e.Name()))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			group.Add(err)
		}
	}
	return Error.Wrap(group.Err())
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key)
}
