//go:build !unix

package overlay

import (
	"fmt"
	"os"
)

// probe creates the staging root when missing and checks it is a directory.
func (s *Stager) probe() error {
	if err := os.MkdirAll(s.root, directoryPermissions); err != nil {
		return fmt.Errorf("%w: %w", ErrNotWritable, err)
	}

	return nil
}
