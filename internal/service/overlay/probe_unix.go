//go:build unix

package overlay

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// probe creates the staging root when missing and checks it accepts writes.
func (s *Stager) probe() error {
	if err := os.MkdirAll(s.root, directoryPermissions); err != nil {
		return fmt.Errorf("%w: %w", ErrNotWritable, err)
	}

	if err := unix.Access(s.root, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotWritable, s.root, err)
	}

	return nil
}
