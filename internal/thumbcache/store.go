package thumbcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store is a content-addressed cache of rendered thumbnails at
// <stateDir>/thumbs. Keys are opaque; callers fold whatever identifies a
// version of the source (path, ETag, Last-Modified) into Key.
type Store struct {
	dir string
}

func New(stateDir string) (*Store, error) {
	dir := filepath.Join(stateDir, "thumbs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Key derives a stable file name from the parts identifying a source.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = io.WriteString(h, p)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".jpg")
}

// Get returns the cached bytes for key, or os.ErrNotExist.
func (s *Store) Get(key string) ([]byte, error) {
	return os.ReadFile(s.path(key))
}

// Put stores b under key. Readers never observe a partial file: the data is
// written to a temp file and renamed into place.
func (s *Store) Put(key string, b []byte) error {
	dst := s.path(key)
	tmp, err := os.CreateTemp(s.dir, "put-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		// Rename can fail on some filesystems if dst is open; copy instead.
		if err2 := copyFile(tmpName, dst); err2 != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("store thumb: rename=%v copy=%v", err, err2)
		}
		_ = os.Remove(tmpName)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
