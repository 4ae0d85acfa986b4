package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore persists media content under opaque keys.
type BlobStore interface {
	// Put writes r under key and returns the size and sha256 of the content.
	Put(key string, r io.Reader) (int64, string, error)
	Open(key string) (io.ReadCloser, error)
	Delete(key string) error
}

// LocalBlobStore keeps blobs as files below Root.
type LocalBlobStore struct {
	Root string
}

func (s *LocalBlobStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.Root, filepath.FromSlash(key)), nil
}

func (s *LocalBlobStore) Put(key string, r io.Reader) (int64, string, error) {
	full, err := s.path(key)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, "", err
	}

	f, err := os.Create(full)
	if err != nil {
		return 0, "", err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(full)
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *LocalBlobStore) Open(key string) (io.ReadCloser, error) {
	full, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *LocalBlobStore) Delete(key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
