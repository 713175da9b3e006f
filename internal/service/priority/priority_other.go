//go:build !linux

package priority

// Lower is a no-op outside Linux.
func Lower() error {
	return nil
}

// Sync is a no-op outside Linux; files written by the daemon are fsynced individually.
func Sync() error {
	return nil
}
