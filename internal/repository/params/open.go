package params

import (
	"context"
	"errors"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// errUnknownBackend is returned by Open for unsupported backends.
var errUnknownBackend = errors.New("unknown params backend")

// Open constructs the store selected by backend at path.
//
//nolint:ireturn // Callers only need the Store contract.
func Open(ctx context.Context, backend, path string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(path)
	case BackendSQLite:
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownBackend, backend)
	}
}
