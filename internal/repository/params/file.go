package params

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha512"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goupdate "github.com/doitdistributed/go-update"
)

const (
	// valueFileMode is the permission of value files.
	valueFileMode os.FileMode = 0o644
	// dirMode is the permission of the store directory.
	dirMode os.FileMode = 0o755
)

// stagedSuffix marks the hidden file a value is prepared in.
const stagedSuffix = ".staged"


// FileStore keeps every key in its own file under a directory, the layout other
// on-device processes read directly. go-update verifies the SHA-512 checksum of a
// value into a hidden staging file, which then replaces the key with one rename,
// so readers always see either the old or the new value.
type FileStore struct {
	// dir is the directory holding one file per key.
	dir string
	// mu serializes writers inside this process.
	mu sync.Mutex
}

// NewFileStore creates the store directory when missing.
func NewFileStore(dir string) (*FileStore, error) {
	dir = filepath.Clean(dir)

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create params directory: %w", err)
	}

	return &FileStore{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *FileStore) Dir() string {
	return s.dir
}

// Get reads the value of key.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	contents, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read param %s: %w", key, err)
	}

	return contents, nil
}

// Put replaces the value of key and flushes it to disk.
func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := filepath.Join(s.dir, key)
	staged := filepath.Join(s.dir, "."+key+stagedSuffix)

	// go-update renames the previous file away, so it must exist first.
	if err := ensureFile(staged); err != nil {
		return fmt.Errorf("create staged param %s: %w", key, err)
	}

	checksum := sha512.Sum512(value)
	options := goupdate.Options{
		TargetPath: staged,
		TargetMode: valueFileMode,
		Checksum:   checksum[:],
		Hash:       crypto.SHA512,
	}

	if err := goupdate.Apply(bytes.NewReader(value), options); err != nil {
		return fmt.Errorf("write param %s: %w", key, err)
	}

	if err := syncPath(staged); err != nil {
		return fmt.Errorf("sync param %s: %w", key, err)
	}

	if err := os.Rename(staged, target); err != nil {
		return fmt.Errorf("replace param %s: %w", key, err)
	}

	return syncPath(s.dir)
}

// Delete removes key; deleting an absent key is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete param %s: %w", key, err)
	}

	return syncPath(s.dir)
}

// Close implements Store; the file store holds no open handles.
func (s *FileStore) Close() error {
	return nil
}

// ensureFile creates an empty file at path unless one already exists.
func ensureFile(path string) error {
	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, valueFileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}

		return err
	}

	return file.Close()
}

// syncPath fsyncs a file or directory.
func syncPath(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}

	syncErr := f.Sync()
	closeErr := f.Close()

	return errors.Join(syncErr, closeErr)
}
