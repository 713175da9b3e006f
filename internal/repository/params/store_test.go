package params

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// storeFactories builds every Store implementation against a fresh temp location.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			t.Helper()

			s, err := NewFileStore(filepath.Join(t.TempDir(), "params"))
			require.NoError(t, err)

			return s
		},
		"sqlite": func(t *testing.T) Store {
			t.Helper()

			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "params.db"))
			require.NoError(t, err)

			return s
		},
		"memory": func(*testing.T) Store {
			return NewMemoryStore()
		},
	}
}

// TestStores_Contract runs the shared get/put/delete contract against every backend.
func TestStores_Contract(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s := factory(t)

			t.Cleanup(func() {
				require.NoError(t, s.Close())
			})

			_, err := s.Get(ctx, "UpdateAvailable")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "UpdateAvailable", []byte("1")))

			got, err := s.Get(ctx, "UpdateAvailable")
			require.NoError(t, err)
			require.Equal(t, []byte("1"), got)

			// Overwrite replaces the value entirely.
			require.NoError(t, PutString(ctx, s, "UpdateAvailable", "0"))

			text, ok, err := GetString(ctx, s, "UpdateAvailable")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "0", text)

			require.NoError(t, s.Delete(ctx, "UpdateAvailable"))
			require.NoError(t, s.Delete(ctx, "UpdateAvailable"))

			_, ok, err = GetString(ctx, s, "UpdateAvailable")
			require.NoError(t, err)
			require.False(t, ok)

			require.ErrorIs(t, s.Put(ctx, "../escape", []byte("x")), ErrInvalidKey)
			require.ErrorIs(t, s.Put(ctx, "", []byte("x")), ErrInvalidKey)
			_, err = s.Get(ctx, ".hidden")
			require.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

// TestFileStore_LayoutIsOneFilePerKey verifies external readers see plain files without leftovers.
func TestFileStore_LayoutIsOneFilePerKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "params")

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.Equal(t, dir, s.Dir())

	require.NoError(t, PutString(ctx, s, "LastUpdateTime", "2026-01-01T00:00:00.000000"))
	require.NoError(t, PutString(ctx, s, "LastUpdateTime", "2026-01-02T00:00:00.000000"))

	contents, err := os.ReadFile(filepath.Join(dir, "LastUpdateTime"))
	require.NoError(t, err)
	require.Equal(t, "2026-01-02T00:00:00.000000", string(contents))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	require.Equal(t, []string{"LastUpdateTime"}, names)
}

// TestFileStore_ReplaceNeverHidesKey checks a reader polling a key during rewrites
// always finds a complete value.
func TestFileStore_ReplaceNeverHidesKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "params")

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, PutString(ctx, s, "UpdateFailedCount", "0"))

	done := make(chan struct{})
	misses := make(chan string, 1)

	go func() {
		defer close(misses)

		for {
			select {
			case <-done:
				return
			default:
			}

			contents, readErr := os.ReadFile(filepath.Join(dir, "UpdateFailedCount"))
			if readErr != nil || len(contents) == 0 {
				misses <- fmt.Sprintf("read %q: %v", contents, readErr)

				return
			}
		}
	}()

	for i := range 200 {
		require.NoError(t, PutString(ctx, s, "UpdateFailedCount", strconv.Itoa(i+1)))
	}

	close(done)

	for miss := range misses {
		require.Fail(t, "key was missing during a rewrite", miss)
	}

	text, ok, err := GetString(ctx, s, "UpdateFailedCount")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "200", text)
}

// TestSQLiteStore_Persists reopens the database and reads back a value.
func TestSQLiteStore_Persists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "params.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, PutString(ctx, s, "UpdateFailedCount", "3"))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	defer func() {
		_ = reopened.Close()
	}()

	text, ok, err := GetString(ctx, reopened, "UpdateFailedCount")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", text)
}

// TestOpen_SelectsBackend covers backend selection and unknown names.
func TestOpen_SelectsBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s, err := Open(ctx, BackendFile, filepath.Join(t.TempDir(), "d"))
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, BackendSQLite, filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "etcd", t.TempDir())
	require.Error(t, err)
}

// TestMemoryStore_CountsWrites checks the mutation counter used by reporter tests.
func TestMemoryStore_CountsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, PutString(ctx, s, "a", "1"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, _ = s.Get(ctx, "a")

	require.Equal(t, 2, s.Writes())
}
