package params

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store defines the persistence operations of the status store.
// Put and Delete must be durable when they return.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("param not found")
	// ErrInvalidKey is returned for keys that cannot be stored.
	ErrInvalidKey = errors.New("invalid param key")
)

// GetString returns the value of key as text; ok is false when the key is absent.
func GetString(ctx context.Context, s Store, key string) (string, bool, error) {
	value, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return string(value), true, nil
}

// PutString stores a text value.
func PutString(ctx context.Context, s Store, key, value string) error {
	return s.Put(ctx, key, []byte(value))
}

// validateKey rejects keys that would escape the store or collide with temporary files.
func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.ContainsAny(key, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, key)
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidKey, key)
	default:
		return nil
	}
}
