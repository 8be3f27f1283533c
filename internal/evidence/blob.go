package evidence

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
)

// ErrTooLarge is returned when an upload exceeds the configured size limit.
var ErrTooLarge = errors.New("evidence: file too large")

// BlobStore keeps uploaded evidence in a directory, one file per content
// hash. Identical uploads share a file, so every Put takes a hold on the
// blob that the caller gives back with Release or ReleaseUnused.
type BlobStore struct {
	dir      string
	maxBytes int64

	mu    sync.Mutex
	holds map[string]int
}

// NewBlobStore creates dir if needed. maxBytes <= 0 disables the size limit.
func NewBlobStore(dir string, maxBytes int64) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %q: %w", dir, err)
	}
	return &BlobStore{dir: dir, maxBytes: maxBytes, holds: make(map[string]int)}, nil
}

// Put streams r to disk while hashing it in the same pass. created is false
// when a blob with the same content already existed.
func (s *BlobStore) Put(r io.Reader) (hash string, size int64, created bool, err error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", 0, false, fmt.Errorf("create temp upload: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	hash, size, err = hashing.HashReader(io.TeeReader(src, tmp))
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("store upload: %w", err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return "", 0, false, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dst := s.Path(hash)
	if _, err := os.Stat(dst); err != nil {
		if err := os.Rename(tmp.Name(), dst); err != nil {
			return "", 0, false, fmt.Errorf("store upload %s: %w", hash, err)
		}
		created = true
	}
	s.holds[hash]++
	return hash, size, created, nil
}

// Release gives back a hold taken by Put and keeps the blob.
func (s *BlobStore) Release(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(hash)
}

// ReleaseUnused gives back a hold taken by Put and deletes the blob when
// no other upload holds it and referenced reports it unused.
func (s *BlobStore) ReleaseUnused(hash string, referenced func(hash string) bool) (removed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release(hash) > 0 || referenced(hash) {
		return false, nil
	}
	if err := s.remove(hash); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BlobStore) release(hash string) int {
	n := s.holds[hash] - 1
	if n <= 0 {
		delete(s.holds, hash)
		return 0
	}
	s.holds[hash] = n
	return n
}

// Open returns a reader for the blob with the given hash.
func (s *BlobStore) Open(hash string) (*os.File, error) {
	h, err := hashing.Normalize(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, h)
		}
		return nil, fmt.Errorf("open blob %s: %w", h, err)
	}
	return f, nil
}

// Remove deletes a blob. Missing blobs are not an error.
func (s *BlobStore) Remove(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(hash)
}

func (s *BlobStore) remove(hash string) error {
	if err := os.Remove(s.Path(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove blob %s: %w", hash, err)
	}
	return nil
}

// Path returns the on-disk location of a blob.
func (s *BlobStore) Path(hash string) string {
	return filepath.Join(s.dir, hash)
}
